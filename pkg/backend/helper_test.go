package backend

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/mcpbridge/mcp-bridge-go/internal/rpc"
)

const (
	helperEnvFlag = "MCP_BACKEND_HELPER"
	helperEnvMode = "MCP_BACKEND_HELPER_MODE"
	helperEnvName = "MCP_BACKEND_HELPER_NAME"
)

// helperCommand re-execs the test binary as a backend process. The
// helper modes:
//
//	serve       a well-behaved MCP stdio server with one tool, "run"
//	exit3       exits immediately with status 3
//	ignore-term serves, but ignores SIGTERM so only SIGKILL stops it
//	noisy       prints a non-JSON line on stdout first, then serves
func helperCommand(t *testing.T, mode, name string) (command string, args []string, env map[string]string) {
	t.Helper()
	return os.Args[0], []string{"-test.run=TestHelperProcess"}, map[string]string{
		helperEnvFlag: "1",
		helperEnvMode: mode,
		helperEnvName: name,
	}
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnvFlag) != "1" {
		return
	}
	mode := os.Getenv(helperEnvMode)
	name := os.Getenv(helperEnvName)
	switch mode {
	case "exit3":
		os.Exit(3)
	case "ignore-term":
		signal.Ignore(syscall.SIGTERM)
		runHelperBackend(name, true)
	case "noisy":
		fmt.Println("warming up, definitely not json")
		runHelperBackend(name, false)
	default:
		runHelperBackend(name, false)
	}
	os.Exit(0)
}

// runHelperBackend speaks just enough MCP over stdio for the tests:
// initialize, tools/list with one "run" tool, and tools/call echoing
// the arguments back tagged with the backend name.
func runHelperBackend(name string, hangOnEOF bool) {
	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	out := json.NewEncoder(os.Stdout)

	for in.Scan() {
		line := in.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg rpc.AnyMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.ID == nil {
			continue
		}
		var result string
		switch msg.Method {
		case "initialize":
			result = fmt.Sprintf(`{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":%q,"version":"0.0.1"}}`, name)
		case "tools/list":
			result = `{"tools":[{"name":"run","description":"echo the arguments","inputSchema":{"type":"object"}}]}`
		case "prompts/list":
			result = `{"prompts":[]}`
		case "resources/list":
			result = `{"resources":[]}`
		case "tools/call":
			var params struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			}
			_ = json.Unmarshal(msg.Params, &params)
			args := string(params.Arguments)
			if args == "" {
				args = "{}"
			}
			result = fmt.Sprintf(`{"content":[{"type":"text","text":"%s ran %s with %s"}]}`,
				name, params.Name, jsonEscape(args))
		default:
			_ = out.Encode(rpc.NewErrorResponse(msg.ID,
				rpc.NewError(rpc.CodeMethodNotFound, "unsupported method", nil)))
			continue
		}
		_ = out.Encode(&rpc.Response{
			JSONRPCVersion: rpc.ProtocolVersion,
			Result:         json.RawMessage(result),
			ID:             msg.ID,
		})
	}
	if hangOnEOF {
		// A bare select{} here trips the runtime deadlock detector and
		// kills the process; sleep so the child genuinely outlives
		// SIGTERM until it is killed.
		for {
			time.Sleep(time.Hour)
		}
	}
}

func jsonEscape(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw[1 : len(raw)-1])
}

// helperConfig builds a stdio backend config that runs the helper.
func helperConfig(t *testing.T, mode, name string) *StdioServerConfig {
	command, args, env := helperCommand(t, mode, name)
	return &StdioServerConfig{Command: command, Args: args, Env: env}
}
