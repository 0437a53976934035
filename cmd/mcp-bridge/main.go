// Command mcp-bridge runs the MCP bridge gateway: it connects to every
// backend named in the configuration file, merges their capabilities
// into one namespaced catalog, and serves the result over a single
// Streamable HTTP endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcpbridge/mcp-bridge-go/pkg/bridge"
	"github.com/mcpbridge/mcp-bridge-go/pkg/config"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the backend configuration file (required)")
		addr       = flag.String("addr", ":8700", "listen address for the merged endpoint")
		path       = flag.String("path", "/mcp", "HTTP path the Streamable endpoint is mounted on")
		separator  = flag.String("separator", bridge.DefaultSeparator, "delimiter between backend name and capability name")
		logLevel   = flag.String("log-level", "info", "log level: debug, info, warn, or error")
	)
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "mcp-bridge: -config is required")
		flag.Usage()
		os.Exit(2)
	}

	level, err := parseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp-bridge: %v\n", err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(*configPath, *addr, *path, *separator, logger); err != nil {
		logger.Error("bridge exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath, addr, path, separator string, logger *slog.Logger) error {
	entries, err := config.Load(configPath, separator)
	if err != nil {
		return err
	}
	logger.Info("configuration loaded", "path", configPath, "backends", len(entries))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := bridge.New(entries, &bridge.Options{
		Addr:      addr,
		Path:      path,
		Namespace: bridge.ServerPrefixNamespace{Separator: separator},
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if err := b.Start(ctx); err != nil {
		return err
	}

	serveErr := b.ListenAndServe(ctx)
	if errors.Is(serveErr, context.Canceled) {
		logger.Info("signal received, shutting down")
		serveErr = nil
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.Close(closeCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	return serveErr
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
