package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpbridge/mcp-bridge-go/internal/rpc"
)

// protocolVersion is the MCP revision the bridge negotiates with its
// backends.
const protocolVersion = "2024-11-05"

// State is a session's position in its lifecycle. Transitions are
// monotonic: Starting moves to Connected, and either moves to Failed
// or Closed. A failed session is never restarted.
type State string

const (
	StateStarting  State = "starting"
	StateConnected State = "connected"
	StateFailed    State = "failed"
	StateClosed    State = "closed"
)

// StateHook observes session transitions. It is called outside the
// session lock and at most once per terminal state.
type StateHook func(name string, state State, err error)

type sessionOptions struct {
	clientName       string
	clientVersion    string
	handshakeTimeout time.Duration
	discoveryTimeout time.Duration
	callTimeout      time.Duration
	logger           *slog.Logger
	rpcLogger        RPCLogger
	onStateChange    StateHook
}

// ServerInfo is the identity a backend reported during initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Session drives one backend: it owns the connection, the single
// receive loop, and the table correlating issued requests with their
// replies.
type Session struct {
	name      string
	kind      string
	transport Transport
	opts      sessionOptions

	nextID atomic.Int64

	mu         sync.Mutex
	state      State
	lastErr    error
	conn       Conn
	pending    map[int64]chan *rpc.Response
	serverInfo ServerInfo

	recvDone chan struct{}
}

func newSession(name, kind string, transport Transport, opts sessionOptions) *Session {
	return &Session{
		name:      name,
		kind:      kind,
		transport: transport,
		opts:      opts,
		state:     StateStarting,
		pending:   make(map[int64]chan *rpc.Response),
		recvDone:  make(chan struct{}),
	}
}

// Name returns the configured backend name.
func (s *Session) Name() string { return s.name }

// Kind returns "stdio" or "sse".
func (s *Session) Kind() string { return s.kind }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session to Failed, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// ServerInfo returns the backend's reported identity, valid once the
// session is connected.
func (s *Session) ServerInfo() ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// Start connects the transport and runs the MCP initialize exchange.
// On any failure the session lands in Failed and stays there.
func (s *Session) Start(ctx context.Context) error {
	conn, err := s.transport.Connect(ctx)
	if err != nil {
		wrapped := fmt.Errorf("mcpbridge: backend %q: %w", s.name, err)
		s.fail(wrapped)
		close(s.recvDone)
		return wrapped
	}
	conn = newLoggingConn(conn, s.name, s.opts.rpcLogger)

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	go s.receiveLoop(conn)

	if err := s.handshake(ctx, conn); err != nil {
		s.fail(err)
		return err
	}

	s.mu.Lock()
	if s.state != StateStarting {
		err := s.lastErr
		s.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("mcpbridge: backend %q: %w", s.name, ErrUnavailable)
		}
		return err
	}
	s.state = StateConnected
	s.mu.Unlock()

	s.opts.logger.Info("backend connected",
		"server", s.name,
		"kind", s.kind,
		"backend_name", s.ServerInfo().Name,
		"backend_version", s.ServerInfo().Version)
	s.notifyState(StateConnected, nil)
	return nil
}

func (s *Session) handshake(ctx context.Context, conn Conn) error {
	hctx, cancel := withTimeout(ctx, s.opts.handshakeTimeout)
	defer cancel()

	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo: ServerInfo{
			Name:    s.opts.clientName,
			Version: s.opts.clientVersion,
		},
	}
	result, err := s.Call(hctx, "initialize", params)
	if err != nil {
		var connErr *ConnectError
		if errors.As(err, &connErr) {
			return fmt.Errorf("mcpbridge: backend %q: %w", s.name, connErr)
		}
		return fmt.Errorf("mcpbridge: backend %q: %w", s.name, &HandshakeError{Err: err})
	}

	var initRes struct {
		ProtocolVersion string     `json:"protocolVersion"`
		ServerInfo      ServerInfo `json:"serverInfo"`
	}
	if err := json.Unmarshal(result, &initRes); err != nil {
		return fmt.Errorf("mcpbridge: backend %q: %w", s.name, &HandshakeError{Err: err})
	}
	s.mu.Lock()
	s.serverInfo = initRes.ServerInfo
	s.mu.Unlock()

	note, err := rpc.NewNotification("notifications/initialized", struct{}{})
	if err != nil {
		return fmt.Errorf("mcpbridge: backend %q: %w", s.name, &HandshakeError{Err: err})
	}
	if err := conn.Write(hctx, note); err != nil {
		return fmt.Errorf("mcpbridge: backend %q: %w", s.name, &HandshakeError{Err: err})
	}
	return nil
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ServerInfo     `json:"clientInfo"`
}

// Call issues one request and blocks for its correlated reply. IDs are
// a session-local monotonic counter; replies arriving out of order are
// matched by ID. On context expiry the pending slot is discarded and a
// late reply is dropped.
func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := s.nextID.Add(1)
	ch := make(chan *rpc.Response, 1)

	s.mu.Lock()
	if s.state == StateFailed || s.state == StateClosed {
		err := s.deadErrLocked()
		s.mu.Unlock()
		return nil, err
	}
	conn := s.conn
	s.pending[id] = ch
	s.mu.Unlock()

	req, err := rpc.NewRequest(id, method, params)
	if err != nil {
		s.discard(id)
		return nil, err
	}
	if err := conn.Write(ctx, req); err != nil {
		s.discard(id)
		return nil, fmt.Errorf("mcpbridge: backend %q: %s: %w", s.name, method, err)
	}

	select {
	case resp := <-ch:
		if resp == nil {
			s.mu.Lock()
			err := s.deadErrLocked()
			s.mu.Unlock()
			return nil, err
		}
		if resp.Error != nil {
			return nil, backendError(s.name, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		s.discard(id)
		return nil, fmt.Errorf("mcpbridge: backend %q: %s: %w", s.name, method, ctx.Err())
	}
}

// Notify sends a notification without awaiting anything.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	s.mu.Lock()
	if s.state == StateFailed || s.state == StateClosed {
		err := s.deadErrLocked()
		s.mu.Unlock()
		return err
	}
	conn := s.conn
	s.mu.Unlock()

	note, err := rpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return conn.Write(ctx, note)
}

// deadErrLocked names why the session can take no more work: a drain
// triggered by Close surfaces as ErrShuttingDown, a dead connection as
// ErrUnavailable.
func (s *Session) deadErrLocked() error {
	if s.state == StateClosed {
		return fmt.Errorf("mcpbridge: backend %q: %w", s.name, ErrShuttingDown)
	}
	return fmt.Errorf("mcpbridge: backend %q: %w", s.name, ErrUnavailable)
}

func (s *Session) discard(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Session) receiveLoop(conn Conn) {
	defer close(s.recvDone)
	for {
		msg, err := conn.Read(context.Background())
		if err != nil {
			s.fail(fmt.Errorf("mcpbridge: backend %q: connection lost: %w", s.name, err))
			return
		}
		switch {
		case msg.IsResponse():
			s.dispatchResponse(msg)
		case msg.IsNotification():
			s.opts.logger.Debug("backend notification",
				"server", s.name, "method", msg.Method)
		case msg.IsRequest():
			// The bridge offers no client capabilities, so any
			// server-initiated request is answered with method-not-found.
			reply := rpc.NewErrorResponse(msg.ID,
				rpc.NewError(rpc.CodeMethodNotFound, fmt.Sprintf("method %q not supported", msg.Method), nil))
			if err := conn.Write(context.Background(), reply); err != nil {
				s.opts.logger.Debug("failed to answer backend request",
					"server", s.name, "method", msg.Method, "error", err)
			}
		}
	}
}

func (s *Session) dispatchResponse(msg *rpc.AnyMessage) {
	id, ok := msg.ID.Int64()
	if !ok {
		s.opts.logger.Warn("response with foreign id dropped",
			"server", s.name, "id", msg.ID.String())
		return
	}
	s.mu.Lock()
	ch, exists := s.pending[id]
	if exists {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !exists {
		s.opts.logger.Debug("late reply dropped", "server", s.name, "id", id)
		return
	}
	ch <- &rpc.Response{
		JSONRPCVersion: msg.JSONRPCVersion,
		Result:         msg.Result,
		Error:          msg.Error,
		ID:             msg.ID,
	}
}

// fail moves the session to Failed, drains every pending call with an
// unavailable error, and fires the state hook once. Subsequent calls
// are no-ops, as is failing a session that was already closed.
func (s *Session) fail(err error) {
	conn, drained := s.failLocked(err)
	if conn != nil {
		_ = conn.Close()
	}
	if drained {
		s.notifyState(StateFailed, err)
	}
}

func (s *Session) failLocked(err error) (Conn, bool) {
	s.mu.Lock()
	if s.state == StateFailed || s.state == StateClosed {
		s.mu.Unlock()
		return nil, false
	}
	s.state = StateFailed
	s.lastErr = err
	pending := s.pending
	s.pending = make(map[int64]chan *rpc.Response)
	conn := s.conn
	s.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	s.opts.logger.Warn("backend failed", "server", s.name, "error", err)
	return conn, true
}

// Close shuts the session down cleanly. For owned child processes the
// connection teardown applies the SIGTERM/grace/SIGKILL ladder.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	alreadyDead := s.state == StateFailed
	s.state = StateClosed
	pending := s.pending
	s.pending = make(map[int64]chan *rpc.Response)
	conn := s.conn
	s.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if conn != nil {
		_ = conn.Close()
		select {
		case <-s.recvDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !alreadyDead {
		s.notifyState(StateClosed, nil)
	}
	return nil
}

func (s *Session) notifyState(state State, err error) {
	if s.opts.onStateChange != nil {
		s.opts.onStateChange(s.name, state, err)
	}
}

// ListTools fetches the backend's tool catalog. A backend that does
// not implement the method contributes zero tools without failing the
// session.
func (s *Session) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	result, err := s.discover(ctx, "tools/list")
	if err != nil {
		return nil, err
	}
	var out struct {
		Tools []*mcp.Tool `json:"tools"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("mcpbridge: backend %q: tools/list result: %w", s.name, err)
	}
	return out.Tools, nil
}

// ListPrompts fetches the backend's prompt catalog.
func (s *Session) ListPrompts(ctx context.Context) ([]*mcp.Prompt, error) {
	result, err := s.discover(ctx, "prompts/list")
	if err != nil {
		return nil, err
	}
	var out struct {
		Prompts []*mcp.Prompt `json:"prompts"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("mcpbridge: backend %q: prompts/list result: %w", s.name, err)
	}
	return out.Prompts, nil
}

// ListResources fetches the backend's resource catalog.
func (s *Session) ListResources(ctx context.Context) ([]*mcp.Resource, error) {
	result, err := s.discover(ctx, "resources/list")
	if err != nil {
		return nil, err
	}
	var out struct {
		Resources []*mcp.Resource `json:"resources"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("mcpbridge: backend %q: resources/list result: %w", s.name, err)
	}
	return out.Resources, nil
}

func (s *Session) discover(ctx context.Context, method string) (json.RawMessage, error) {
	dctx, cancel := withTimeout(ctx, s.opts.discoveryTimeout)
	defer cancel()
	return s.Call(dctx, method, struct{}{})
}

// CallTool invokes a tool by its backend-local name and returns the
// raw result payload untouched.
func (s *Session) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	params := map[string]any{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}
	cctx, cancel := withTimeout(ctx, s.opts.callTimeout)
	defer cancel()
	return s.Call(cctx, "tools/call", params)
}

// GetPrompt renders a prompt by its backend-local name.
func (s *Session) GetPrompt(ctx context.Context, name string, args map[string]string) (json.RawMessage, error) {
	params := map[string]any{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}
	cctx, cancel := withTimeout(ctx, s.opts.callTimeout)
	defer cancel()
	return s.Call(cctx, "prompts/get", params)
}

// ReadResource reads a resource by its backend-local URI.
func (s *Session) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	cctx, cancel := withTimeout(ctx, s.opts.callTimeout)
	defer cancel()
	return s.Call(cctx, "resources/read", map[string]any{"uri": uri})
}

// withTimeout caps ctx with d when d is positive; the parent's own
// deadline still applies if it is sooner.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
