package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/mcpbridge/mcp-bridge-go/internal/rpc"
)

const (
	defaultTerminateGrace = 5 * time.Second

	// exitProbeWait bounds how long a failed read waits for the child's
	// exit status before giving up on attributing the failure.
	exitProbeWait = 250 * time.Millisecond

	// maxFrameSize caps a single NDJSON line from a backend.
	maxFrameSize = 16 * 1024 * 1024
)

// CommandTransport spawns a child process and frames JSON-RPC as
// newline-delimited JSON over its stdin/stdout. Stderr is drained into
// the logger. Closing the connection terminates the child with
// SIGTERM, then SIGKILL after TerminateGrace.
type CommandTransport struct {
	Server  string
	Command string
	Args    []string
	Env     map[string]string

	TerminateGrace time.Duration
	Logger         *slog.Logger
}

func (t *CommandTransport) Connect(ctx context.Context) (Conn, error) {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := t.TerminateGrace
	if grace <= 0 {
		grace = defaultTerminateGrace
	}

	cmd := exec.Command(t.Command, t.Args...)
	cmd.Env = mergeEnviron(t.Env)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &ConnectError{ExitCode: -1, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ConnectError{ExitCode: -1, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &ConnectError{ExitCode: -1, Err: err}
	}

	child, err := startChild(cmd, logger)
	if err != nil {
		return nil, err
	}
	go logStderr(t.Server, bufio.NewScanner(stderr), logger)

	reader := bufio.NewReaderSize(stdout, 64*1024)
	return &stdioConn{
		child:  child,
		stdin:  stdin,
		reader: reader,
		grace:  grace,
		server: t.Server,
		logger: logger,
	}, nil
}

type stdioConn struct {
	child  *childProcess
	stdin  io.WriteCloser
	reader *bufio.Reader
	grace  time.Duration
	server string
	logger *slog.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	closedSet sync.Once
}

func (c *stdioConn) closedCh() chan struct{} {
	c.closedSet.Do(func() { c.closed = make(chan struct{}) })
	return c.closed
}

func (c *stdioConn) Read(ctx context.Context) (*rpc.AnyMessage, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			if len(line) == 0 && errors.Is(err, io.EOF) {
				return nil, c.deathError()
			}
			if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, fs.ErrClosed) || errors.Is(err, io.EOF) {
				return nil, c.deathError()
			}
			return nil, fmt.Errorf("mcpbridge: stdio read: %w", err)
		}
		if len(line) > maxFrameSize {
			return nil, fmt.Errorf("mcpbridge: stdio frame exceeds %d bytes", maxFrameSize)
		}
		trimmed := trimLine(line)
		if len(trimmed) == 0 {
			continue
		}
		var msg rpc.AnyMessage
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			// Same policy as the stream transport: a garbled frame is
			// dropped, not a session-ending event.
			c.logger.Warn("dropping malformed stdio frame", "server", c.server, "error", err)
			continue
		}
		return &msg, nil
	}
}

func (c *stdioConn) Write(ctx context.Context, msg any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mcpbridge: stdio marshal: %w", err)
	}
	raw = append(raw, '\n')
	c.writeMu.Lock()
	_, err = c.stdin.Write(raw)
	c.writeMu.Unlock()
	if err != nil {
		return c.deathError()
	}
	return nil
}

func (c *stdioConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closedCh())
		_ = c.stdin.Close()
		c.child.terminate(c.grace)
	})
	return nil
}

// deathError attributes a broken pipe to the child's exit when it
// already died, so an immediate crash surfaces with its exit code.
func (c *stdioConn) deathError() error {
	select {
	case <-c.closedCh():
		return io.EOF
	default:
	}
	if code, ok := c.child.exitCode(exitProbeWait); ok {
		return &ConnectError{ExitCode: code, Err: errors.New("backend process exited")}
	}
	return io.EOF
}

func trimLine(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}
