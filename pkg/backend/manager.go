package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultHandshakeTimeout = 15 * time.Second
	defaultDiscoveryTimeout = 10 * time.Second
	defaultCallTimeout      = 30 * time.Second
)

// Options configures a Manager.
type Options struct {
	// ClientName and ClientVersion identify the bridge in initialize
	// handshakes.
	ClientName    string
	ClientVersion string

	HandshakeTimeout time.Duration
	DiscoveryTimeout time.Duration
	CallTimeout      time.Duration

	// TerminateGrace is how long an owned child process gets between
	// SIGTERM and SIGKILL on shutdown.
	TerminateGrace time.Duration

	Logger    *slog.Logger
	RPCLogger RPCLogger

	// HTTPClient is used for SSE backends; nil means
	// http.DefaultClient.
	HTTPClient *http.Client

	// OnSessionFailed fires whenever a session transitions to Failed,
	// whether during startup or after it was connected.
	OnSessionFailed func(name string, err error)
}

func (o *Options) withDefaults() Options {
	var opts Options
	if o != nil {
		opts = *o
	}
	if opts.ClientName == "" {
		opts.ClientName = "mcp-bridge"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "dev"
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = defaultDiscoveryTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = defaultTerminateGrace
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Summary is one backend's externally visible status.
type Summary struct {
	Name  string
	Kind  string
	State State
	Err   string
}

// Manager holds the full set of configured backend sessions. Sessions
// are created once from configuration; there is no runtime add or
// remove, and a failed session is never restarted.
type Manager struct {
	opts Options

	mu       sync.RWMutex
	order    []string
	sessions map[string]*Session
}

// NewManager builds sessions for the given configurations. Names must
// be unique; the configuration loader guarantees that for file-based
// setups and this check covers programmatic callers.
func NewManager(configs []NamedConfig, opts *Options) (*Manager, error) {
	m := &Manager{
		opts:     opts.withDefaults(),
		sessions: make(map[string]*Session, len(configs)),
	}
	for _, nc := range configs {
		if nc.Name == "" {
			return nil, errors.New("mcpbridge: backend with empty name")
		}
		if _, dup := m.sessions[nc.Name]; dup {
			return nil, fmt.Errorf("mcpbridge: duplicate backend name %q", nc.Name)
		}
		transport, kind, err := m.transportFor(nc.Name, nc.Config)
		if err != nil {
			return nil, err
		}
		sessOpts := sessionOptions{
			clientName:       m.opts.ClientName,
			clientVersion:    m.opts.ClientVersion,
			handshakeTimeout: m.opts.HandshakeTimeout,
			discoveryTimeout: m.opts.DiscoveryTimeout,
			callTimeout:      m.opts.CallTimeout,
			logger:           m.opts.Logger,
			rpcLogger:        m.opts.RPCLogger,
			onStateChange:    m.handleStateChange,
		}
		if t := nc.Config.base().Timeout; t > 0 {
			sessOpts.callTimeout = t
		}
		m.order = append(m.order, nc.Name)
		m.sessions[nc.Name] = newSession(nc.Name, kind, transport, sessOpts)
	}
	return m, nil
}

func (m *Manager) transportFor(name string, cfg ServerConfig) (Transport, string, error) {
	switch c := cfg.(type) {
	case *StdioServerConfig:
		if c.Command == "" {
			return nil, "", fmt.Errorf("mcpbridge: backend %q: stdio config requires a command", name)
		}
		return &CommandTransport{
			Server:         name,
			Command:        c.Command,
			Args:           c.Args,
			Env:            c.Env,
			TerminateGrace: m.opts.TerminateGrace,
			Logger:         m.opts.Logger,
		}, "stdio", nil
	case *SSEServerConfig:
		if c.URL == "" {
			return nil, "", fmt.Errorf("mcpbridge: backend %q: sse config requires a url", name)
		}
		return &SSETransport{
			Server:         name,
			URL:            c.URL,
			Command:        c.Command,
			Args:           c.Args,
			Env:            c.Env,
			StartupDelay:   c.StartupDelay,
			TerminateGrace: m.opts.TerminateGrace,
			HTTPClient:     m.opts.HTTPClient,
			Logger:         m.opts.Logger,
		}, "sse", nil
	default:
		return nil, "", fmt.Errorf("mcpbridge: backend %q: unsupported config type %T", name, cfg)
	}
}

func (m *Manager) handleStateChange(name string, state State, err error) {
	if state == StateFailed && m.opts.OnSessionFailed != nil {
		m.opts.OnSessionFailed(name, err)
	}
}

// StartAll connects every configured backend concurrently. Individual
// failures are logged and tolerated; the returned slice holds the
// names that reached Connected, in configuration order.
func (m *Manager) StartAll(ctx context.Context) []string {
	m.mu.RLock()
	order := append([]string(nil), m.order...)
	m.mu.RUnlock()

	var g errgroup.Group
	for _, name := range order {
		sess, _ := m.Session(name)
		g.Go(func() error {
			if err := sess.Start(ctx); err != nil {
				m.opts.Logger.Error("backend failed to start",
					"server", name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	var connected []string
	for _, name := range order {
		if sess, ok := m.Session(name); ok && sess.State() == StateConnected {
			connected = append(connected, name)
		}
	}
	return connected
}

// Session returns the session for a configured backend name.
func (m *Manager) Session(name string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[name]
	return sess, ok
}

// Sessions returns every session in configuration order.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.sessions[name])
	}
	return out
}

// Names returns the configured backend names in configuration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Summaries reports the status of every backend in configuration
// order.
func (m *Manager) Summaries() []Summary {
	out := make([]Summary, 0, len(m.order))
	for _, sess := range m.Sessions() {
		s := Summary{Name: sess.Name(), Kind: sess.Kind(), State: sess.State()}
		if err := sess.Err(); err != nil {
			s.Err = err.Error()
		}
		out = append(out, s)
	}
	return out
}

// CloseAll shuts every session down in reverse configuration order,
// so later backends that may depend on earlier ones go first.
func (m *Manager) CloseAll(ctx context.Context) error {
	sessions := m.Sessions()
	var errs []error
	for i := len(sessions) - 1; i >= 0; i-- {
		if err := sessions[i].Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", sessions[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}
