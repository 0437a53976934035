package backend

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mcpbridge/mcp-bridge-go/internal/rpc"
)

// ErrUnavailable marks an operation attempted against a session that is
// not connected, or whose connection died while the operation was in
// flight.
var ErrUnavailable = errors.New("mcpbridge: backend unavailable")

// ErrShuttingDown marks an operation cancelled because the session is
// being closed deliberately, as opposed to the backend being
// unreachable.
var ErrShuttingDown = errors.New("mcpbridge: backend shutting down")

// ConnectError reports that a backend's transport could not be
// established: the child process failed to spawn or exited immediately,
// or the stream URL was unreachable.
type ConnectError struct {
	// ExitCode is the child's exit status when the failure was an early
	// process exit, and -1 otherwise.
	ExitCode int
	Err      error
}

func (e *ConnectError) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("mcpbridge: connect failed (exit code %d): %v", e.ExitCode, e.Err)
	}
	return fmt.Sprintf("mcpbridge: connect failed: %v", e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// HandshakeError reports that the transport came up but the MCP
// initialize exchange failed or timed out.
type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("mcpbridge: initialize handshake failed: %v", e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Error is a JSON-RPC error returned by a backend. Code, Message and
// Data are relayed exactly as the backend sent them.
type Error struct {
	Server  string
	Code    rpc.ErrorCode
	Message string
	Data    json.RawMessage
}

func (e *Error) Error() string {
	return fmt.Sprintf("mcpbridge: backend %q error %d: %s", e.Server, e.Code, e.Message)
}

func backendError(server string, rpcErr *rpc.Error) *Error {
	return &Error{Server: server, Code: rpcErr.Code, Message: rpcErr.Message, Data: rpcErr.Data}
}
