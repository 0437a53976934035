// Command example-server is a small stdio MCP backend used to try the
// bridge out: point a stdio backend entry at this binary and its tools
// appear in the merged catalog under the backend's prefix.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type echoInput struct {
	Text string `json:"text" jsonschema:"the text to echo back"`
}

type addInput struct {
	A float64 `json:"a" jsonschema:"first addend"`
	B float64 `json:"b" jsonschema:"second addend"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "example-server",
		Title:   "Bridge Example Server",
		Version: "0.1.0",
	}, nil)

	if err := registerTools(server); err != nil {
		log.Fatalf("example-server: %v", err)
	}

	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		log.Fatalf("example-server: %v", err)
	}
}

func registerTools(server *mcp.Server) error {
	echoSchema, err := jsonschema.For[echoInput](nil)
	if err != nil {
		return fmt.Errorf("schema for echo: %w", err)
	}
	mcp.AddTool(server, &mcp.Tool{
		Name:        "echo",
		Description: "Echo the given text back to the caller.",
		InputSchema: echoSchema,
	}, echo)

	addSchema, err := jsonschema.For[addInput](nil)
	if err != nil {
		return fmt.Errorf("schema for add: %w", err)
	}
	mcp.AddTool(server, &mcp.Tool{
		Name:        "add",
		Description: "Add two numbers and return the sum.",
		InputSchema: addSchema,
	}, add)
	return nil
}

func echo(ctx context.Context, req *mcp.CallToolRequest, input echoInput) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: input.Text}},
	}, nil, nil
}

func add(ctx context.Context, req *mcp.CallToolRequest, input addInput) (*mcp.CallToolResult, any, error) {
	sum := input.A + input.B
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: strconv.FormatFloat(sum, 'f', -1, 64)}},
	}, nil, nil
}
