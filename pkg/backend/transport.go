package backend

import (
	"context"
	"encoding/json"

	"github.com/mcpbridge/mcp-bridge-go/internal/rpc"
)

// Conn is one duplex message channel to a backend. Both transports,
// the process-pipe and the SSE stream, satisfy it so the session layer
// never branches on backend flavor.
type Conn interface {
	// Read blocks for the next inbound frame. It returns an error once
	// the connection is closed or the peer is gone.
	Read(ctx context.Context) (*rpc.AnyMessage, error)
	// Write sends one outbound frame.
	Write(ctx context.Context, msg any) error
	Close() error
}

// Transport produces a Conn for one backend.
type Transport interface {
	Connect(ctx context.Context) (Conn, error)
}

// RPCDirection tags a logged frame as outbound or inbound.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent describes one frame crossing a backend connection.
type RPCLogEvent struct {
	Server    string
	Direction RPCDirection
	Method    string
	Size      int
}

// RPCLogger observes backend wire traffic. Implementations must be
// safe for concurrent use.
type RPCLogger interface {
	LogRPC(RPCLogEvent)
}

// loggingConn decorates a Conn, reporting each frame to an RPCLogger.
type loggingConn struct {
	inner  Conn
	server string
	logger RPCLogger
}

func newLoggingConn(inner Conn, server string, logger RPCLogger) Conn {
	if logger == nil {
		return inner
	}
	return &loggingConn{inner: inner, server: server, logger: logger}
}

func (c *loggingConn) Read(ctx context.Context) (*rpc.AnyMessage, error) {
	msg, err := c.inner.Read(ctx)
	if err == nil {
		c.logger.LogRPC(RPCLogEvent{
			Server:    c.server,
			Direction: RPCDirectionReceive,
			Method:    msg.Method,
			Size:      approxSize(msg),
		})
	}
	return msg, err
}

func (c *loggingConn) Write(ctx context.Context, msg any) error {
	err := c.inner.Write(ctx, msg)
	if err == nil {
		event := RPCLogEvent{Server: c.server, Direction: RPCDirectionSend, Size: approxSize(msg)}
		if req, ok := msg.(*rpc.Request); ok {
			event.Method = req.Method
		}
		c.logger.LogRPC(event)
	}
	return err
}

func (c *loggingConn) Close() error { return c.inner.Close() }

func approxSize(msg any) int {
	raw, err := json.Marshal(msg)
	if err != nil {
		return 0
	}
	return len(raw)
}
