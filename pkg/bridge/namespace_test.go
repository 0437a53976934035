package bridge

import "testing"

func TestServerPrefixNamespaceNames(t *testing.T) {
	ns := ServerPrefixNamespace{}

	if got := ns.ToolName("alpha", "run"); got != "alpha__run" {
		t.Errorf("ToolName = %q, want alpha__run", got)
	}
	if got := ns.PromptName("beta", "greeting"); got != "beta__greeting" {
		t.Errorf("PromptName = %q, want beta__greeting", got)
	}

	custom := ServerPrefixNamespace{Separator: "::"}
	if got := custom.ToolName("alpha", "run"); got != "alpha::run" {
		t.Errorf("custom ToolName = %q, want alpha::run", got)
	}
}

func TestServerPrefixNamespaceResourceURI(t *testing.T) {
	ns := ServerPrefixNamespace{}
	got := ns.ResourceURI("files", "file:///tmp/data.txt")
	want := "mcpbridge+files::file:///tmp/data.txt"
	if got != want {
		t.Errorf("ResourceURI = %q, want %q", got, want)
	}
}

func TestSplitQualifiedRoundTrip(t *testing.T) {
	ns := ServerPrefixNamespace{}
	qualified := ns.ToolName("alpha", "run__fast")
	server, local, ok := SplitQualified(qualified, DefaultSeparator)
	if !ok || server != "alpha" || local != "run__fast" {
		t.Fatalf("SplitQualified(%q) = %q, %q, %v", qualified, server, local, ok)
	}

	if _, _, ok := SplitQualified("nodivider", DefaultSeparator); ok {
		t.Fatal("SplitQualified matched a name without the separator")
	}
}

func TestNamespaceIsCollisionFreeAcrossServers(t *testing.T) {
	ns := ServerPrefixNamespace{}
	a := ns.ToolName("alpha", "run")
	b := ns.ToolName("beta", "run")
	if a == b {
		t.Fatalf("same qualified name %q for two servers", a)
	}
}
