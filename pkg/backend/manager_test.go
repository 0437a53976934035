package backend

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func testManagerOptions() *Options {
	return &Options{
		ClientName:       "manager-test",
		HandshakeTimeout: 5 * time.Second,
		DiscoveryTimeout: 5 * time.Second,
		CallTimeout:      5 * time.Second,
		TerminateGrace:   2 * time.Second,
		Logger:           slog.New(slog.DiscardHandler),
	}
}

func mustSession(t *testing.T, mgr *Manager, name string) *Session {
	t.Helper()
	sess, ok := mgr.Session(name)
	if !ok {
		t.Fatalf("session %s missing", name)
	}
	return sess
}

func TestNewManagerRejectsDuplicateNames(t *testing.T) {
	configs := []NamedConfig{
		{Name: "alpha", Config: &StdioServerConfig{Command: "alpha-server"}},
		{Name: "alpha", Config: &StdioServerConfig{Command: "alpha-server-2"}},
	}
	if _, err := NewManager(configs, testManagerOptions()); err == nil {
		t.Fatal("NewManager accepted duplicate backend names")
	}
}

func TestNewManagerRejectsInvalidConfigs(t *testing.T) {
	cases := []struct {
		name string
		cfg  NamedConfig
	}{
		{"empty name", NamedConfig{Name: "", Config: &StdioServerConfig{Command: "x"}}},
		{"stdio without command", NamedConfig{Name: "a", Config: &StdioServerConfig{}}},
		{"sse without url", NamedConfig{Name: "a", Config: &SSEServerConfig{}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewManager([]NamedConfig{tc.cfg}, testManagerOptions()); err == nil {
				t.Fatal("NewManager accepted invalid config")
			}
		})
	}
}

func TestStartAllToleratesFailingBackend(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping process test in short mode")
	}

	configs := []NamedConfig{
		{Name: "crashy", Config: helperConfig(t, "exit3", "crashy")},
		{Name: "steady", Config: helperConfig(t, "serve", "steady")},
	}
	mgr, err := NewManager(configs, testManagerOptions())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = mgr.CloseAll(context.Background()) })

	connected := mgr.StartAll(context.Background())
	if len(connected) != 1 || connected[0] != "steady" {
		t.Fatalf("StartAll = %v, want [steady]", connected)
	}

	var crashy, steady Summary
	for _, s := range mgr.Summaries() {
		switch s.Name {
		case "crashy":
			crashy = s
		case "steady":
			steady = s
		}
	}
	if crashy.State != StateFailed {
		t.Fatalf("crashy state = %q, want %q", crashy.State, StateFailed)
	}
	if !strings.Contains(crashy.Err, "exit code 3") {
		t.Fatalf("crashy error %q does not report exit code 3", crashy.Err)
	}
	if steady.State != StateConnected {
		t.Fatalf("steady state = %q, want %q", steady.State, StateConnected)
	}
}

func TestStdioSessionEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping process test in short mode")
	}

	mgr, err := NewManager([]NamedConfig{
		{Name: "alpha", Config: helperConfig(t, "serve", "alpha")},
	}, testManagerOptions())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = mgr.CloseAll(context.Background()) })

	if connected := mgr.StartAll(context.Background()); len(connected) != 1 {
		t.Fatalf("StartAll = %v", connected)
	}
	sess, ok := mgr.Session("alpha")
	if !ok {
		t.Fatal("session alpha missing")
	}
	if info := sess.ServerInfo(); info.Name != "alpha" {
		t.Fatalf("ServerInfo = %+v", info)
	}

	tools, err := sess.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "run" {
		t.Fatalf("ListTools = %+v", tools)
	}

	raw, err := sess.CallTool(context.Background(), "run", json.RawMessage(`{"task":"demo"}`))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Content) != 1 || !strings.Contains(result.Content[0].Text, "alpha ran run") {
		t.Fatalf("result = %s", raw)
	}
}

// A backend that writes garbage to stdout alongside its protocol
// frames must still connect and serve; garbled frames are dropped.
func TestStdioSessionToleratesMalformedFrames(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping process test in short mode")
	}

	mgr, err := NewManager([]NamedConfig{
		{Name: "noisy", Config: helperConfig(t, "noisy", "noisy")},
	}, testManagerOptions())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = mgr.CloseAll(context.Background()) })

	connected := mgr.StartAll(context.Background())
	if len(connected) != 1 || connected[0] != "noisy" {
		t.Fatalf("StartAll = %v, want [noisy]", connected)
	}

	raw, err := mustSession(t, mgr, "noisy").CallTool(context.Background(), "run", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !strings.Contains(string(raw), "noisy ran run") {
		t.Fatalf("CallTool result = %s", raw)
	}
}

func TestCloseForceKillsStubbornChild(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping process test in short mode")
	}

	opts := testManagerOptions()
	opts.TerminateGrace = 200 * time.Millisecond
	mgr, err := NewManager([]NamedConfig{
		{Name: "stubborn", Config: helperConfig(t, "ignore-term", "stubborn")},
	}, opts)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if connected := mgr.StartAll(context.Background()); len(connected) != 1 {
		t.Fatalf("StartAll = %v", connected)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mgr.CloseAll(ctx); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	elapsed := time.Since(start)

	if elapsed < opts.TerminateGrace {
		t.Fatalf("CloseAll returned in %v, before the %v grace expired", elapsed, opts.TerminateGrace)
	}
	if elapsed > 5*time.Second {
		t.Fatalf("CloseAll took %v, SIGKILL never landed", elapsed)
	}
	sess, _ := mgr.Session("stubborn")
	if got := sess.State(); got != StateClosed {
		t.Fatalf("State() = %q, want %q", got, StateClosed)
	}
}

func TestCloseAllRunsInReverseOrder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping process test in short mode")
	}

	mgr, err := NewManager([]NamedConfig{
		{Name: "first", Config: helperConfig(t, "serve", "first")},
		{Name: "second", Config: helperConfig(t, "serve", "second")},
	}, testManagerOptions())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	mgr.StartAll(context.Background())

	if err := mgr.CloseAll(context.Background()); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	for _, s := range mgr.Summaries() {
		if s.State != StateClosed {
			t.Fatalf("backend %s state = %q after CloseAll", s.Name, s.State)
		}
	}
}
