package backend

import "time"

// BaseServerConfig carries settings shared by every backend flavor.
type BaseServerConfig struct {
	// Timeout bounds a single request/response exchange with the
	// backend. Zero means the manager default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// ServerConfig is implemented by the per-transport configuration
// structs. Use TransportOf or the As* helpers to recover the concrete
// type.
type ServerConfig interface {
	base() *BaseServerConfig
}

// StdioServerConfig describes a backend spawned as a child process and
// spoken to over newline-delimited JSON on its stdin/stdout.
type StdioServerConfig struct {
	BaseServerConfig
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

func (c *StdioServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// SSEServerConfig describes a backend reached over an HTTP+SSE stream.
// When Command is set the backend is launched locally first and torn
// down with the gateway; StartupDelay gives it time to bind its port.
type SSEServerConfig struct {
	BaseServerConfig
	URL          string            `json:"url"`
	Command      string            `json:"command,omitempty"`
	Args         []string          `json:"args,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	StartupDelay time.Duration     `json:"startup_delay,omitempty"`
}

func (c *SSEServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// NamedConfig pairs a backend name with its configuration. Slices of
// NamedConfig preserve configuration-file order, which drives the
// deterministic ordering of the merged catalog.
type NamedConfig struct {
	Name   string
	Config ServerConfig
}

// TransportOf returns "stdio" or "sse" for the known config types and
// "" otherwise.
func TransportOf(cfg ServerConfig) string {
	switch cfg.(type) {
	case *StdioServerConfig:
		return "stdio"
	case *SSEServerConfig:
		return "sse"
	default:
		return ""
	}
}

// IsStdio reports whether cfg is a stdio backend definition.
func IsStdio(cfg ServerConfig) bool {
	_, ok := cfg.(*StdioServerConfig)
	return ok
}

// IsSSE reports whether cfg is an SSE backend definition.
func IsSSE(cfg ServerConfig) bool {
	_, ok := cfg.(*SSEServerConfig)
	return ok
}

// AsStdio returns the stdio config when cfg is one.
func AsStdio(cfg ServerConfig) (*StdioServerConfig, bool) {
	c, ok := cfg.(*StdioServerConfig)
	return c, ok
}

// AsSSE returns the SSE config when cfg is one.
func AsSSE(cfg ServerConfig) (*SSEServerConfig, bool) {
	c, ok := cfg.(*SSEServerConfig)
	return c, ok
}
