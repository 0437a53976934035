package bridge

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpbridge/mcp-bridge-go/pkg/backend"
)

// Options configure a Bridge instance.
type Options struct {
	// Implementation identifies the bridge's MCP server metadata.
	Implementation *mcp.Implementation
	// Addr controls the listen address used by ListenAndServe.
	// Defaults to ":8700".
	Addr string
	// Path mounts the Streamable handler under a specific HTTP path.
	// Defaults to "/mcp".
	Path string
	// Namespace customizes how backend names and URIs appear in the
	// merged catalog. Defaults to ServerPrefixNamespace.
	Namespace NamespaceStrategy
	// Streamable tweaks the Streamable HTTP handler behavior passed to
	// mcp.NewStreamableHTTPHandler.
	Streamable mcp.StreamableHTTPOptions
	// Logger receives structured diagnostics.
	Logger *slog.Logger

	// ClientName and ClientVersion identify the bridge to its
	// backends during initialize.
	ClientName    string
	ClientVersion string

	// HandshakeTimeout bounds the initialize exchange per backend.
	HandshakeTimeout time.Duration
	// DiscoveryTimeout bounds each capability listing per backend.
	DiscoveryTimeout time.Duration
	// CallTimeout bounds a relayed invocation when the backend config
	// does not override it.
	CallTimeout time.Duration
	// TerminateGrace is how long an owned child process gets between
	// SIGTERM and SIGKILL.
	TerminateGrace time.Duration
	// ShutdownTimeout bounds draining the HTTP server on exit.
	ShutdownTimeout time.Duration

	// RPCLogger, when set, observes every frame crossing a backend
	// connection.
	RPCLogger backend.RPCLogger
	// HTTPClient is used to reach SSE backends.
	HTTPClient *http.Client
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "mcp-bridge",
			Title:   "MCP Bridge Gateway",
			Version: "1.0.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Addr == "" {
		opts.Addr = ":8700"
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.Namespace == nil {
		opts.Namespace = ServerPrefixNamespace{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ClientName == "" {
		opts.ClientName = "mcp-bridge"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = opts.Implementation.Version
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return opts
}
