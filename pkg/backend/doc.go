// Package backend connects the bridge to its MCP backends. A Manager
// holds one Session per configured backend; each Session owns a duplex
// Conn (a spawned child process speaking newline-delimited JSON, or an
// HTTP+SSE stream), performs the MCP initialize handshake, and
// correlates concurrent requests with their replies by ID.
//
// Sessions do not reconnect. A backend that fails to start, or whose
// connection dies, lands in StateFailed and stays there; the rest of
// the fleet is unaffected.
package backend
