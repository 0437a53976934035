package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"

	"github.com/mcpbridge/mcp-bridge-go/pkg/backend"
)

// ErrNotFound marks an invocation whose qualified name resolves to
// nothing in the catalog. No backend is contacted in that case.
var ErrNotFound = errors.New("mcpbridge: unknown capability")

// Bridge fronts every configured backend behind a single Streamable
// MCP endpoint: it starts the backends, merges their capabilities into
// a namespaced catalog, and routes invocations to the owning backend.
type Bridge struct {
	manager  *backend.Manager
	registry *Registry
	opts     Options

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	httpHandler   http.Handler

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// New builds a Bridge for the given backend configurations. Duplicate
// backend names are rejected here, before any process is spawned.
func New(configs []backend.NamedConfig, opts *Options) (*Bridge, error) {
	options := opts.withDefaults()
	b := &Bridge{
		opts:     options,
		registry: NewRegistry(options.Namespace),
	}

	manager, err := backend.NewManager(configs, &backend.Options{
		ClientName:       options.ClientName,
		ClientVersion:    options.ClientVersion,
		HandshakeTimeout: options.HandshakeTimeout,
		DiscoveryTimeout: options.DiscoveryTimeout,
		CallTimeout:      options.CallTimeout,
		TerminateGrace:   options.TerminateGrace,
		Logger:           options.Logger,
		RPCLogger:        options.RPCLogger,
		HTTPClient:       options.HTTPClient,
		OnSessionFailed:  b.handleSessionFailure,
	})
	if err != nil {
		return nil, err
	}
	b.manager = manager

	b.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{
		HasTools:     true,
		HasPrompts:   true,
		HasResources: true,
	})
	b.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return b.server
	}, &options.Streamable)
	b.httpHandler = b.mountHandler()
	return b, nil
}

// Manager exposes the backend fleet, mainly for status reporting.
func (b *Bridge) Manager() *backend.Manager { return b.manager }

// Registry exposes the merged catalog.
func (b *Bridge) Registry() *Registry { return b.registry }

// Start connects every backend, discovers its capabilities, and
// publishes them. Per-backend failures are tolerated: the bridge comes
// up with whatever subset connected, possibly none.
func (b *Bridge) Start(ctx context.Context) error {
	connected := b.manager.StartAll(ctx)
	for _, name := range connected {
		sess, ok := b.manager.Session(name)
		if !ok {
			continue
		}
		features := b.discoverFeatures(ctx, sess)
		added, removed := b.registry.RegisterServer(name, features)
		b.applyRemoved(removed)
		b.applyAdded(added)
		if sess.State() != backend.StateConnected {
			// Lost the backend while registering; undo.
			b.applyRemoved(b.registry.UnregisterServer(name))
			continue
		}
		b.opts.Logger.Info("backend published",
			"server", name,
			"tools", len(added.Tools),
			"prompts", len(added.Prompts),
			"resources", len(added.Resources))
	}
	b.opts.Logger.Info("catalog ready",
		"backends", len(b.registry.Servers()),
		"tools", len(b.registry.Tools()))
	return nil
}

// discoverFeatures lists each capability kind independently. A backend
// that fails one listing still contributes the kinds that worked.
func (b *Bridge) discoverFeatures(ctx context.Context, sess *backend.Session) ServerFeatures {
	var features ServerFeatures
	tools, err := sess.ListTools(ctx)
	if err != nil {
		b.logError("list tools", err, "server", sess.Name())
	} else {
		features.Tools = tools
	}
	prompts, err := sess.ListPrompts(ctx)
	if err != nil {
		b.logError("list prompts", err, "server", sess.Name())
	} else {
		features.Prompts = prompts
	}
	resources, err := sess.ListResources(ctx)
	if err != nil {
		b.logError("list resources", err, "server", sess.Name())
	} else {
		features.Resources = resources
	}
	return features
}

func (b *Bridge) applyAdded(added ServerFeatures) {
	for _, tool := range added.Tools {
		b.server.AddTool(tool, b.makeToolHandler(tool.Name))
	}
	for _, prompt := range added.Prompts {
		b.server.AddPrompt(prompt, b.makePromptHandler(prompt.Name))
	}
	for _, resource := range added.Resources {
		b.server.AddResource(resource, b.makeResourceHandler(resource.URI))
	}
}

func (b *Bridge) applyRemoved(removed Removed) {
	if removed.empty() {
		return
	}
	if len(removed.Tools) > 0 {
		b.server.RemoveTools(removed.Tools...)
	}
	if len(removed.Prompts) > 0 {
		b.server.RemovePrompts(removed.Prompts...)
	}
	if len(removed.ResourceURIs) > 0 {
		b.server.RemoveResources(removed.ResourceURIs...)
	}
}

// handleSessionFailure withdraws a dead backend's catalog entries.
// In-flight calls against it fail with the unavailable error; other
// backends are untouched.
func (b *Bridge) handleSessionFailure(name string, err error) {
	removed := b.registry.UnregisterServer(name)
	if removed.empty() {
		return
	}
	b.applyRemoved(removed)
	b.opts.Logger.Warn("backend withdrawn from catalog",
		"server", name,
		"tools", len(removed.Tools),
		"prompts", len(removed.Prompts),
		"resources", len(removed.ResourceURIs),
		"error", err)
}

func (b *Bridge) makeToolHandler(qualified string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name := qualified
		if req.Params != nil && req.Params.Name != "" {
			name = req.Params.Name
		}
		target, ok := b.registry.ResolveTool(name)
		if !ok {
			return nil, fmt.Errorf("%w: tool %q", ErrNotFound, name)
		}
		sess, err := b.connectedSession(target.Server)
		if err != nil {
			return nil, err
		}
		var args json.RawMessage
		if req.Params != nil && req.Params.Arguments != nil {
			raw, err := json.Marshal(req.Params.Arguments)
			if err != nil {
				return nil, fmt.Errorf("mcpbridge: encode arguments for %q: %w", name, err)
			}
			args = raw
		}
		raw, err := sess.CallTool(ctx, target.Native, args)
		if err != nil {
			return nil, err
		}
		var result mcp.CallToolResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("mcpbridge: decode tool result from %q: %w", target.Server, err)
		}
		return &result, nil
	}
}

func (b *Bridge) makePromptHandler(qualified string) mcp.PromptHandler {
	return func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		name := qualified
		if req.Params != nil && req.Params.Name != "" {
			name = req.Params.Name
		}
		target, ok := b.registry.ResolvePrompt(name)
		if !ok {
			return nil, fmt.Errorf("%w: prompt %q", ErrNotFound, name)
		}
		sess, err := b.connectedSession(target.Server)
		if err != nil {
			return nil, err
		}
		var args map[string]string
		if req.Params != nil {
			args = req.Params.Arguments
		}
		raw, err := sess.GetPrompt(ctx, target.Native, args)
		if err != nil {
			return nil, err
		}
		var result mcp.GetPromptResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("mcpbridge: decode prompt result from %q: %w", target.Server, err)
		}
		return &result, nil
	}
}

func (b *Bridge) makeResourceHandler(qualifiedURI string) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		uri := qualifiedURI
		if req.Params != nil && req.Params.URI != "" {
			uri = req.Params.URI
		}
		target, ok := b.registry.ResolveResource(uri)
		if !ok {
			return nil, fmt.Errorf("%w: resource %q", ErrNotFound, uri)
		}
		sess, err := b.connectedSession(target.Server)
		if err != nil {
			return nil, err
		}
		raw, err := sess.ReadResource(ctx, target.Native)
		if err != nil {
			return nil, err
		}
		var result mcp.ReadResourceResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("mcpbridge: decode resource result from %q: %w", target.Server, err)
		}
		return &result, nil
	}
}

func (b *Bridge) connectedSession(server string) (*backend.Session, error) {
	sess, ok := b.manager.Session(server)
	if !ok || sess.State() != backend.StateConnected {
		return nil, fmt.Errorf("mcpbridge: backend %q: %w", server, backend.ErrUnavailable)
	}
	return sess, nil
}

// Handler exposes the HTTP handler that serves the Streamable
// endpoint, for embedding or tests.
func (b *Bridge) Handler() http.Handler {
	return b.httpHandler
}

// ListenAndServe runs an HTTP server until the provided context is
// cancelled or the server stops.
func (b *Bridge) ListenAndServe(ctx context.Context) error {
	b.httpServerMu.Lock()
	if b.httpServer != nil {
		srv := b.httpServer
		b.httpServerMu.Unlock()
		return fmt.Errorf("mcpbridge: server already running on %s", srv.Addr)
	}
	srv := &http.Server{Addr: b.opts.Addr, Handler: b.Handler()}
	b.httpServer = srv
	b.httpServerMu.Unlock()
	defer func() {
		b.httpServerMu.Lock()
		if b.httpServer == srv {
			b.httpServer = nil
		}
		b.httpServerMu.Unlock()
	}()

	b.opts.Logger.Info("serving merged catalog",
		"addr", b.opts.Addr, "path", b.opts.Path)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), b.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.httpServerMu.Lock()
	srv := b.httpServer
	b.httpServer = nil
	b.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Close stops the HTTP server and tears down every backend session,
// terminating owned child processes.
func (b *Bridge) Close(ctx context.Context) error {
	httpErr := b.Shutdown(ctx)
	closeErr := b.manager.CloseAll(ctx)
	return errors.Join(httpErr, closeErr)
}

func (b *Bridge) mountHandler() http.Handler {
	path := b.opts.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	mux := http.NewServeMux()
	mux.Handle(path, b.streamHandler)
	if !strings.HasSuffix(path, "/") {
		mux.Handle(path+"/", b.streamHandler)
	}
	mux.HandleFunc("/healthz", b.handleHealthz)

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(mux)
}

func (b *Bridge) handleHealthz(w http.ResponseWriter, r *http.Request) {
	type health struct {
		Status   string            `json:"status"`
		Backends []backend.Summary `json:"backends"`
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health{
		Status:   "ok",
		Backends: b.manager.Summaries(),
	})
}

func (b *Bridge) logError(msg string, err error, args ...any) {
	fields := append([]any{"error", err}, args...)
	b.opts.Logger.Error(msg, fields...)
}
