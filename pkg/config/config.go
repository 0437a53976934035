// Package config loads the bridge's backend definitions from a JSON
// file. The file is one object mapping backend name to definition:
//
//	{
//	  "alpha": {"type": "stdio", "command": "alpha-server", "args": ["--serve"]},
//	  "beta":  {"type": "sse", "url": "http://localhost:9200/sse"}
//	}
//
// Loading is strict: an unknown type, a malformed definition, or a
// duplicate backend name is a fatal *Error, reported before any
// backend process is spawned.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mcpbridge/mcp-bridge-go/pkg/backend"
)

// Error is a fatal configuration problem. The supervisor exits on it
// without starting any backend.
type Error struct {
	Path   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("mcpbridge: config %s: %s", e.Path, e.Reason)
}

func errorf(path, format string, args ...any) *Error {
	return &Error{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// rawServer is the on-disk shape of one backend definition. Durations
// are seconds.
type rawServer struct {
	Type         string            `json:"type"`
	Command      string            `json:"command"`
	Args         []string          `json:"args"`
	Env          map[string]string `json:"env"`
	URL          string            `json:"url"`
	Timeout      float64           `json:"timeout"`
	StartupDelay float64           `json:"startup_delay"`
}

// Load reads and validates a configuration file, preserving file
// order. The separator is the qualified-name delimiter the bridge will
// use; backend names containing it are rejected because they would
// make qualified names ambiguous.
func Load(path, separator string) ([]backend.NamedConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errorf(path, "%v", err)
	}
	defer f.Close()
	entries, lerr := parse(path, separator, f)
	if lerr != nil {
		return nil, lerr
	}
	return entries, nil
}

// parse walks the top-level object token by token. encoding/json's
// map decoding silently keeps the last duplicate key, so duplicates
// are detected here instead.
func parse(path, separator string, r io.Reader) ([]backend.NamedConfig, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	tok, err := dec.Token()
	if err != nil {
		return nil, errorf(path, "not valid JSON: %v", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errorf(path, "top level must be an object mapping backend name to definition")
	}

	seen := make(map[string]bool)
	var entries []backend.NamedConfig
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, errorf(path, "not valid JSON: %v", err)
		}
		name, ok := keyTok.(string)
		if !ok {
			return nil, errorf(path, "backend name must be a string, got %v", keyTok)
		}
		if name == "" {
			return nil, errorf(path, "backend name must not be empty")
		}
		if separator != "" && strings.Contains(name, separator) {
			return nil, errorf(path, "backend name %q must not contain the separator %q", name, separator)
		}
		if seen[name] {
			return nil, errorf(path, "duplicate backend name %q", name)
		}
		seen[name] = true

		var raw rawServer
		if err := dec.Decode(&raw); err != nil {
			return nil, errorf(path, "backend %q: %v", name, err)
		}
		cfg, cerr := buildConfig(path, name, raw)
		if cerr != nil {
			return nil, cerr
		}
		entries = append(entries, backend.NamedConfig{Name: name, Config: cfg})
	}
	if _, err := dec.Token(); err != nil {
		return nil, errorf(path, "not valid JSON: %v", err)
	}
	return entries, nil
}

func buildConfig(path, name string, raw rawServer) (backend.ServerConfig, *Error) {
	base := backend.BaseServerConfig{}
	if raw.Timeout < 0 {
		return nil, errorf(path, "backend %q: timeout must not be negative", name)
	}
	if raw.Timeout > 0 {
		base.Timeout = secondsToDuration(raw.Timeout)
	}

	switch raw.Type {
	case "stdio":
		if raw.Command == "" {
			return nil, errorf(path, "backend %q: stdio backend requires a command", name)
		}
		if raw.URL != "" {
			return nil, errorf(path, "backend %q: stdio backend must not set url", name)
		}
		return &backend.StdioServerConfig{
			BaseServerConfig: base,
			Command:          raw.Command,
			Args:             raw.Args,
			Env:              raw.Env,
		}, nil
	case "sse":
		if raw.URL == "" {
			return nil, errorf(path, "backend %q: sse backend requires a url", name)
		}
		if !strings.HasPrefix(raw.URL, "http://") && !strings.HasPrefix(raw.URL, "https://") {
			return nil, errorf(path, "backend %q: url %q must start with http:// or https://", name, raw.URL)
		}
		if raw.StartupDelay < 0 {
			return nil, errorf(path, "backend %q: startup_delay must not be negative", name)
		}
		return &backend.SSEServerConfig{
			BaseServerConfig: base,
			URL:              raw.URL,
			Command:          raw.Command,
			Args:             raw.Args,
			Env:              raw.Env,
			StartupDelay:     secondsToDuration(raw.StartupDelay),
		}, nil
	case "":
		return nil, errorf(path, "backend %q: missing type", name)
	default:
		return nil, errorf(path, "backend %q: unknown type %q (want stdio or sse)", name, raw.Type)
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
