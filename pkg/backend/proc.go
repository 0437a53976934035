package backend

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"
)

// childProcess tracks the lifetime of a backend process the gateway
// owns: a stdio backend, or a locally launched SSE server.
type childProcess struct {
	cmd    *exec.Cmd
	logger *slog.Logger

	// done closes once Wait returns; exit state is valid after that.
	done chan struct{}
}

func startChild(cmd *exec.Cmd, logger *slog.Logger) (*childProcess, error) {
	if err := cmd.Start(); err != nil {
		return nil, &ConnectError{ExitCode: -1, Err: fmt.Errorf("spawn %s: %w", cmd.Path, err)}
	}
	p := &childProcess{cmd: cmd, logger: logger, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		if err := cmd.Wait(); err != nil {
			logger.Debug("backend process exited", "command", cmd.Path, "error", err)
		}
	}()
	return p, nil
}

// exitCode returns the child's exit status. It waits up to the given
// grace for a racing exit to be observed; ok is false while the child
// is still running.
func (p *childProcess) exitCode(wait time.Duration) (code int, ok bool) {
	select {
	case <-p.done:
	case <-time.After(wait):
		return 0, false
	}
	if state := p.cmd.ProcessState; state != nil {
		return state.ExitCode(), true
	}
	return 0, false
}

// terminate asks the child to exit with SIGTERM, waits out the grace
// period, then force-kills. It always reaps the process before
// returning.
func (p *childProcess) terminate(grace time.Duration) {
	select {
	case <-p.done:
		return
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		<-p.done
		return
	}
	select {
	case <-p.done:
		return
	case <-time.After(grace):
	}
	p.logger.Warn("backend process ignored SIGTERM, killing",
		"command", p.cmd.Path, "grace", grace)
	_ = p.cmd.Process.Kill()
	<-p.done
}

// mergeEnviron overlays extra variables on the parent environment,
// keeping the result sorted for reproducible spawns.
func mergeEnviron(extra map[string]string) []string {
	if len(extra) == 0 {
		return os.Environ()
	}
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range extra {
		merged[k] = v
	}
	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// logStderr drains a child's stderr into the logger, one line per
// record.
func logStderr(server string, r *bufio.Scanner, logger *slog.Logger) {
	for r.Scan() {
		line := strings.TrimSpace(r.Text())
		if line != "" {
			logger.Debug("backend stderr", "server", server, "line", line)
		}
	}
}
