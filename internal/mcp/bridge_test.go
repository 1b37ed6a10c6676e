package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/opalsh/opal/internal/tools"
)

func TestSanitizeNames(t *testing.T) {
	tests := []struct {
		server, tool, want string
	}{
		{"filesystem", "read_file", "mcp_filesystem_read_file"},
		{"My-Server", "Read.File", "mcp_my_server_read_file"},
		{"a--b", "__x__", "mcp_a_b_x"},
		{"Git Hub", "list/repos", "mcp_git_hub_list_repos"},
	}
	for _, tt := range tests {
		if got := ToolName(tt.server, tt.tool); got != tt.want {
			t.Errorf("ToolName(%q, %q) = %q, want %q", tt.server, tt.tool, got, tt.want)
		}
	}
}

func TestBridgeToolsNamespacesAndFilters(t *testing.T) {
	mt := newMockTransport()
	mt.scriptTools(`[
		{"name": "read", "description": "reads", "inputSchema": {"type": "object"}},
		{"name": "write", "description": "writes", "inputSchema": {"type": "object"}},
		{"name": "delete", "description": "deletes", "inputSchema": {"type": "object"}}
	]`)

	c := NewClient("fs", mt, nil)
	reg := tools.NewRegistry()

	n, err := bridgeTools(context.Background(), c, "fs", reg, nil, []string{"delete"}, nil)
	if err != nil {
		t.Fatalf("bridgeTools: %v", err)
	}
	if n != 2 {
		t.Fatalf("bridged %d tools, want 2", n)
	}
	for _, want := range []string{"mcp_fs_read", "mcp_fs_write"} {
		if _, ok := reg.Lookup(want); !ok {
			t.Errorf("missing %s, registry has %v", want, reg.Names())
		}
	}
	if _, ok := reg.Lookup("mcp_fs_delete"); ok {
		t.Error("excluded tool should not be bridged")
	}
}

func TestBridgeToolsIncludeList(t *testing.T) {
	mt := newMockTransport()
	mt.scriptTools(`[
		{"name": "read", "description": "reads", "inputSchema": {"type": "object"}},
		{"name": "write", "description": "writes", "inputSchema": {"type": "object"}}
	]`)

	c := NewClient("fs", mt, nil)
	reg := tools.NewRegistry()

	n, err := bridgeTools(context.Background(), c, "fs", reg, []string{"read"}, nil, nil)
	if err != nil {
		t.Fatalf("bridgeTools: %v", err)
	}
	if n != 1 {
		t.Fatalf("bridged %d tools, want 1", n)
	}
	if _, ok := reg.Lookup("mcp_fs_read"); !ok {
		t.Error("included tool missing")
	}
}

func TestBridgedToolCollisionKeepsExisting(t *testing.T) {
	mt := newMockTransport()
	mt.scriptTools(`[{"name": "read", "description": "remote", "inputSchema": {"type": "object"}}]`)

	reg := tools.NewRegistry()
	if err := reg.Register(&tools.Tool{
		Name: "mcp_fs_read",
		Handler: func(ctx context.Context, args map[string]any) *tools.Result {
			return tools.Ok("local")
		},
	}); err != nil {
		t.Fatal(err)
	}

	c := NewClient("fs", mt, nil)
	if _, err := bridgeTools(context.Background(), c, "fs", reg, nil, nil, nil); err != nil {
		t.Fatalf("bridgeTools: %v", err)
	}

	tool, ok := reg.Lookup("mcp_fs_read")
	if !ok {
		t.Fatal("mcp_fs_read not found")
	}
	res := tool.Handler(context.Background(), nil)
	if res.Output != "local" {
		t.Errorf("existing tool should win collision, got %q", res.Output)
	}
}

func TestBridgedToolRemoteFailure(t *testing.T) {
	mt := newMockTransport()
	mt.scriptTools(`[{"name": "read", "description": "reads", "inputSchema": {"type": "object"}}]`)
	mt.responses["tools/call"] = json.RawMessage(`{
		"content": [{"type": "text", "text": "permission denied"}],
		"isError": true
	}`)

	c := NewClient("fs", mt, nil)
	reg := tools.NewRegistry()
	if _, err := bridgeTools(context.Background(), c, "fs", reg, nil, nil, nil); err != nil {
		t.Fatal(err)
	}

	tool, ok := reg.Lookup("mcp_fs_read")
	if !ok {
		t.Fatal("mcp_fs_read not bridged")
	}
	res := tool.Handler(context.Background(), map[string]any{"path": "/x"})
	if res.OK {
		t.Fatal("remote tool error should yield a failed result, not a panic or success")
	}
	if res.Error == "" {
		t.Error("failed result should carry the remote error text")
	}
}

func TestBridgedToolNilSchema(t *testing.T) {
	mt := newMockTransport()
	mt.scriptTools(`[{"name": "ping", "description": "pings"}]`)

	c := NewClient("fs", mt, nil)
	reg := tools.NewRegistry()
	if _, err := bridgeTools(context.Background(), c, "fs", reg, nil, nil, nil); err != nil {
		t.Fatal(err)
	}

	tl, ok := reg.Lookup("mcp_fs_ping")
	if !ok {
		t.Fatal("tool not bridged")
	}
	if tl.Parameters == nil || tl.Parameters["type"] != "object" {
		t.Errorf("missing schema should default to empty object, got %v", tl.Parameters)
	}
}
