package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mcpbridge/mcp-bridge-go/internal/rpc"
)

const (
	defaultStartupDelay = 2 * time.Second

	// sseEndpointWait bounds how long Connect waits for the stream's
	// endpoint announcement when the caller's context has no deadline.
	sseEndpointWait = 15 * time.Second
)

// SSETransport reaches a backend over an HTTP+SSE stream: a long-lived
// GET carries inbound messages, and the first "endpoint" event names
// the URL outbound messages are POSTed to.
//
// When Command is set the backend is launched locally before
// connecting, given StartupDelay to bind its port, and torn down with
// the connection.
type SSETransport struct {
	Server string
	URL    string

	Command string
	Args    []string
	Env     map[string]string

	StartupDelay   time.Duration
	TerminateGrace time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

func (t *SSETransport) Connect(ctx context.Context) (Conn, error) {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	if !strings.HasPrefix(t.URL, "http://") && !strings.HasPrefix(t.URL, "https://") {
		return nil, &ConnectError{ExitCode: -1, Err: fmt.Errorf("stream url %q must be http or https", t.URL)}
	}

	var child *childProcess
	if t.Command != "" {
		cmd := exec.Command(t.Command, t.Args...)
		cmd.Env = mergeEnviron(t.Env)
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, &ConnectError{ExitCode: -1, Err: err}
		}
		child, err = startChild(cmd, logger)
		if err != nil {
			return nil, err
		}
		go logStderr(t.Server, bufio.NewScanner(stderr), logger)

		delay := t.StartupDelay
		if delay <= 0 {
			delay = defaultStartupDelay
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			child.terminate(t.grace())
			return nil, ctx.Err()
		}
		if code, ok := child.exitCode(0); ok {
			return nil, &ConnectError{ExitCode: code, Err: fmt.Errorf("local server %q exited during startup", t.Command)}
		}
	}

	conn, err := t.openStream(ctx, client, child, logger)
	if err != nil {
		if child != nil {
			child.terminate(t.grace())
		}
		return nil, err
	}
	return conn, nil
}

func (t *SSETransport) grace() time.Duration {
	if t.TerminateGrace > 0 {
		return t.TerminateGrace
	}
	return defaultTerminateGrace
}

func (t *SSETransport) openStream(ctx context.Context, client *http.Client, child *childProcess, logger *slog.Logger) (Conn, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.URL, nil)
	if err != nil {
		cancel()
		return nil, &ConnectError{ExitCode: -1, Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, &ConnectError{ExitCode: -1, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, &ConnectError{ExitCode: -1, Err: fmt.Errorf("stream returned %s", resp.Status)}
	}

	conn := &sseConn{
		server:   t.Server,
		client:   client,
		child:    child,
		grace:    t.grace(),
		logger:   logger,
		cancel:   cancel,
		body:     resp.Body,
		messages: make(chan *rpc.AnyMessage, 16),
		endpoint: make(chan string, 1),
		readErr:  make(chan error, 1),
		done:     make(chan struct{}),
	}
	go conn.consume()

	wait := sseEndpointWait
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}
	select {
	case postURL := <-conn.endpoint:
		resolved, err := resolveEndpoint(t.URL, postURL)
		if err != nil {
			conn.Close()
			return nil, &ConnectError{ExitCode: -1, Err: err}
		}
		conn.postURL = resolved
		return conn, nil
	case err := <-conn.readErr:
		conn.Close()
		return nil, &ConnectError{ExitCode: -1, Err: fmt.Errorf("stream closed before endpoint event: %w", err)}
	case <-time.After(wait):
		conn.Close()
		return nil, &ConnectError{ExitCode: -1, Err: fmt.Errorf("no endpoint event within %s", wait)}
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	}
}

// resolveEndpoint interprets the announced POST target relative to the
// stream URL, so backends may send either a path or an absolute URL.
func resolveEndpoint(streamURL, announced string) (string, error) {
	base, err := url.Parse(streamURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(strings.TrimSpace(announced))
	if err != nil {
		return "", fmt.Errorf("bad endpoint event %q: %w", announced, err)
	}
	return base.ResolveReference(ref).String(), nil
}

type sseConn struct {
	server  string
	client  *http.Client
	child   *childProcess
	grace   time.Duration
	logger  *slog.Logger
	cancel  context.CancelFunc
	body    io.ReadCloser
	postURL string

	messages chan *rpc.AnyMessage
	endpoint chan string
	readErr  chan error
	done     chan struct{}

	closeOnce sync.Once
}

// consume parses the event stream: "endpoint" announces the POST URL,
// "message" (or a bare data line) carries a JSON-RPC frame, and
// comment lines are keep-alives.
func (c *sseConn) consume() {
	scanner := bufio.NewScanner(c.body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	var event string
	var data strings.Builder
	flush := func() {
		defer func() { event = ""; data.Reset() }()
		payload := data.String()
		if payload == "" {
			return
		}
		switch event {
		case "endpoint":
			select {
			case c.endpoint <- payload:
			default:
			}
		case "message", "":
			var msg rpc.AnyMessage
			if err := json.Unmarshal([]byte(payload), &msg); err != nil {
				c.logger.Warn("dropping malformed stream frame", "server", c.server, "error", err)
				return
			}
			select {
			case c.messages <- &msg:
			case <-c.done:
			}
		default:
			c.logger.Debug("ignoring stream event", "server", c.server, "event", event)
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(line[len("data:"):]))
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.readErr <- err
	close(c.messages)
}

func (c *sseConn) Read(ctx context.Context) (*rpc.AnyMessage, error) {
	select {
	case msg, ok := <-c.messages:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *sseConn) Write(ctx context.Context, msg any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mcpbridge: stream marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.postURL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("mcpbridge: stream post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxFrameSize))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("mcpbridge: stream post returned %s", resp.Status)
	}
	return nil
}

func (c *sseConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		_ = c.body.Close()
		if c.child != nil {
			c.child.terminate(c.grace)
		}
	})
	return nil
}
