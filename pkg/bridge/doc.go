// Package bridge republishes a fleet of backend MCP servers through a
// single Streamable HTTP endpoint. Capabilities are qualified with the
// owning backend's name, merged into one Registry, and served by an
// mcp.Server whose handlers route each invocation back to the backend
// that owns it.
package bridge
