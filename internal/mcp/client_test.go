package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

// mockTransport scripts responses per method and records traffic.
type mockTransport struct {
	responses map[string]json.RawMessage
	errors    map[string]error
	requests  []*Request
	notifs    []*Notification
	closed    bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		responses: make(map[string]json.RawMessage),
		errors:    make(map[string]error),
	}
}

func (m *mockTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	m.requests = append(m.requests, req)
	if err := m.errors[req.Method]; err != nil {
		return nil, err
	}
	result, ok := m.responses[req.Method]
	if !ok {
		return nil, fmt.Errorf("no scripted response for %s", req.Method)
	}
	return &Response{JSONRPC: jsonrpcVersion, ID: req.ID, Result: result}, nil
}

func (m *mockTransport) Notify(ctx context.Context, notif *Notification) error {
	m.notifs = append(m.notifs, notif)
	return nil
}

func (m *mockTransport) Close() error {
	m.closed = true
	return nil
}

func (m *mockTransport) scriptInitialize() {
	m.responses["initialize"] = json.RawMessage(`{
		"protocolVersion": "2024-11-05",
		"serverInfo": {"name": "filesystem", "version": "1.2.0"},
		"capabilities": {"tools": {}}
	}`)
}

func (m *mockTransport) scriptTools(defs string) {
	m.responses["tools/list"] = json.RawMessage(`{"tools": ` + defs + `}`)
}

func TestInitializeHandshake(t *testing.T) {
	mt := newMockTransport()
	mt.scriptInitialize()

	c := NewClient("fs", mt, nil)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if len(mt.requests) != 1 || mt.requests[0].Method != "initialize" {
		t.Fatalf("expected single initialize request, got %+v", mt.requests)
	}
	params, ok := mt.requests[0].Params.(map[string]any)
	if !ok {
		t.Fatal("initialize params not a map")
	}
	if params["protocolVersion"] != protocolVersion {
		t.Errorf("protocolVersion = %v", params["protocolVersion"])
	}

	if len(mt.notifs) != 1 || mt.notifs[0].Method != "notifications/initialized" {
		t.Fatalf("handshake must end with notifications/initialized, got %+v", mt.notifs)
	}
	if !c.Initialized() {
		t.Error("client should report initialized")
	}
}

func TestInitializeRPCError(t *testing.T) {
	mt := newMockTransport()
	mt.responses["initialize"] = nil
	mt.errors["initialize"] = &RPCError{Code: -32600, Message: "unsupported version"}

	c := NewClient("fs", mt, nil)
	err := c.Initialize(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(mt.notifs) != 0 {
		t.Error("failed handshake must not send initialized notification")
	}
	if c.Initialized() {
		t.Error("client should not report initialized after failure")
	}
}

func TestListToolsCaches(t *testing.T) {
	mt := newMockTransport()
	mt.scriptTools(`[{"name": "read", "description": "reads", "inputSchema": {"type": "object"}}]`)

	c := NewClient("fs", mt, nil)
	ctx := context.Background()

	first, err := c.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(first) != 1 || first[0].Name != "read" {
		t.Fatalf("tools = %+v", first)
	}

	// Second call must come from cache, not the wire.
	if _, err := c.ListTools(ctx); err != nil {
		t.Fatalf("ListTools (cached): %v", err)
	}
	listCalls := 0
	for _, r := range mt.requests {
		if r.Method == "tools/list" {
			listCalls++
		}
	}
	if listCalls != 1 {
		t.Errorf("tools/list sent %d times, want 1", listCalls)
	}
}

func TestCallToolFlattensContent(t *testing.T) {
	mt := newMockTransport()
	mt.responses["tools/call"] = json.RawMessage(`{
		"content": [
			{"type": "text", "text": "line one"},
			{"type": "image"},
			{"type": "text", "text": "line two"}
		]
	}`)

	c := NewClient("fs", mt, nil)
	out, err := c.CallTool(context.Background(), "read", map[string]any{"path": "x"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if out != "line one\n[image]\nline two" {
		t.Errorf("out = %q", out)
	}
}

func TestCallToolIsError(t *testing.T) {
	mt := newMockTransport()
	mt.responses["tools/call"] = json.RawMessage(`{
		"content": [{"type": "text", "text": "file does not exist"}],
		"isError": true
	}`)

	c := NewClient("fs", mt, nil)
	_, err := c.CallTool(context.Background(), "read", nil)
	if err == nil {
		t.Fatal("isError result should surface as error")
	}
	if !strings.Contains(err.Error(), "file does not exist") {
		t.Errorf("error should carry the remote message: %v", err)
	}
}

func TestRequestIDsIncrement(t *testing.T) {
	mt := newMockTransport()
	mt.scriptInitialize()
	mt.scriptTools(`[]`)

	c := NewClient("fs", mt, nil)
	ctx := context.Background()
	if err := c.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ListTools(ctx); err != nil {
		t.Fatal(err)
	}

	if mt.requests[0].ID >= mt.requests[1].ID {
		t.Errorf("request IDs must increase: %d then %d", mt.requests[0].ID, mt.requests[1].ID)
	}
}
