package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/opalsh/opal/internal/llm"
	"github.com/opalsh/opal/internal/tools"
)

// scriptedClient replays canned responses and records every request's
// message sequence for ordering assertions.
type scriptedClient struct {
	responses []*llm.ChatResponse
	requests  [][]llm.Message
}

func (c *scriptedClient) Chat(ctx context.Context, model string, messages []llm.Message, toolSchemas []map[string]any) (*llm.ChatResponse, error) {
	snapshot := make([]llm.Message, len(messages))
	copy(snapshot, messages)
	c.requests = append(c.requests, snapshot)

	if len(c.responses) == 0 {
		return nil, fmt.Errorf("scripted client exhausted after %d requests", len(c.requests))
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func (c *scriptedClient) ChatStream(ctx context.Context, model string, messages []llm.Message, toolSchemas []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	return c.Chat(ctx, model, messages, toolSchemas)
}

func (c *scriptedClient) Ping(ctx context.Context) error { return nil }

func textResponse(s string) *llm.ChatResponse {
	return &llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: s}, Done: true}
}

func toolCallResponse(names ...string) *llm.ChatResponse {
	msg := llm.Message{Role: llm.RoleAssistant}
	for _, n := range names {
		var tc llm.ToolCall
		tc.Function.Name = n
		tc.Function.Arguments = map[string]any{}
		msg.ToolCalls = append(msg.ToolCalls, tc)
	}
	return &llm.ChatResponse{Message: msg, Done: true}
}

func newTestLoop(t *testing.T, client llm.Client, reg *tools.Registry, cfg Config, confirm ConfirmFunc, hooks Hooks) *Loop {
	t.Helper()
	if reg == nil {
		reg = tools.NewRegistry()
	}
	env := Environment{OSName: "linux", Shell: "sh", WorkingDir: "/tmp"}
	return NewLoop(nil, client, reg, env, cfg, confirm, hooks, nil, nil)
}

func registerTool(t *testing.T, reg *tools.Registry, name string, confirm bool, handler func(ctx context.Context, args map[string]any) *tools.Result) {
	t.Helper()
	if err := reg.Register(&tools.Tool{
		Name:       name,
		Parameters: map[string]any{"type": "object"},
		Confirm:    confirm,
		Handler:    handler,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestRunFinalResponse(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{textResponse("done, nothing to do")}}

	var final string
	loop := newTestLoop(t, client, nil, Config{Model: "m"}, nil, Hooks{
		OnFinal: func(text string) { final = text },
	})

	outcome, err := loop.Run(context.Background(), "say hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Kind != OutcomeFinal {
		t.Fatalf("Kind = %s", outcome.Kind)
	}
	if outcome.Text != "done, nothing to do" || final != outcome.Text {
		t.Errorf("Text = %q, hook = %q", outcome.Text, final)
	}
	if outcome.Iterations != 1 {
		t.Errorf("Iterations = %d", outcome.Iterations)
	}
}

func TestCausalOrdering(t *testing.T) {
	// Completion 1 requests a tool; its result must appear in the
	// message history of completion 2.
	reg := tools.NewRegistry()
	registerTool(t, reg, "probe", false, func(ctx context.Context, args map[string]any) *tools.Result {
		return tools.Ok("probe output 42")
	})

	client := &scriptedClient{responses: []*llm.ChatResponse{
		toolCallResponse("probe"),
		textResponse("all done"),
	}}
	loop := newTestLoop(t, client, reg, Config{Model: "m"}, nil, Hooks{})

	if _, err := loop.Run(context.Background(), "probe it"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(client.requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(client.requests))
	}

	second := client.requests[1]
	var sawResult bool
	for _, m := range second {
		if m.Role == llm.RoleTool && strings.Contains(m.Content, "probe output 42") {
			sawResult = true
		}
	}
	if !sawResult {
		t.Error("tool result missing from the next completion request")
	}
}

func TestUnknownToolContinues(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		toolCallResponse("does_not_exist"),
		textResponse("recovered"),
	}}
	loop := newTestLoop(t, client, nil, Config{Model: "m"}, nil, Hooks{})

	outcome, err := loop.Run(context.Background(), "try something")
	if err != nil {
		t.Fatalf("unknown tool must not error the run: %v", err)
	}
	if outcome.Kind != OutcomeFinal {
		t.Fatalf("Kind = %s", outcome.Kind)
	}

	second := client.requests[1]
	var sawError bool
	for _, m := range second {
		if m.Role == llm.RoleTool && strings.Contains(m.Content, "no such tool") {
			sawError = true
		}
	}
	if !sawError {
		t.Error("unknown-tool failure should be fed back as a tool result")
	}
}

func TestFailureHintInjection(t *testing.T) {
	// A shell-style failure: exit 127 with a missing-executable hint.
	// The hint must reach the next completion request verbatim.
	exitCode := 127
	reg := tools.NewRegistry()
	registerTool(t, reg, "run_shell", false, func(ctx context.Context, args map[string]any) *tools.Result {
		return &tools.Result{
			OK:       false,
			Error:    "sh: 1: frobnicate: not found",
			ExitCode: &exitCode,
			Hint:     "the executable was not found on PATH; check the command name or install the tool first",
		}
	})

	client := &scriptedClient{responses: []*llm.ChatResponse{
		toolCallResponse("run_shell"),
		textResponse("giving up gracefully"),
	}}
	loop := newTestLoop(t, client, reg, Config{Model: "m"}, nil, Hooks{})

	if _, err := loop.Run(context.Background(), "run frobnicate"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	second := client.requests[1]
	var hint string
	for _, m := range second {
		if m.Role == llm.RoleSystem && strings.Contains(m.Content, "run_shell failed") {
			hint = m.Content
		}
	}
	if hint == "" {
		t.Fatal("failure hint message missing from history")
	}
	for _, want := range []string{
		"Exit code: 127",
		"the executable was not found on PATH",
		"Environment: linux, shell sh",
	} {
		if !strings.Contains(hint, want) {
			t.Errorf("hint missing %q:\n%s", want, hint)
		}
	}
}

func TestCircuitBreakerConsecutive(t *testing.T) {
	reg := tools.NewRegistry()
	executions := 0
	registerTool(t, reg, "flaky", false, func(ctx context.Context, args map[string]any) *tools.Result {
		executions++
		return tools.Fail("boom")
	})

	client := &scriptedClient{responses: []*llm.ChatResponse{
		toolCallResponse("flaky", "flaky", "flaky", "flaky"),
	}}
	loop := newTestLoop(t, client, reg, Config{Model: "m"}, nil, Hooks{})

	outcome, err := loop.Run(context.Background(), "keep trying")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Kind != OutcomeCircuitBreaker {
		t.Fatalf("Kind = %s", outcome.Kind)
	}
	if executions != 3 {
		t.Errorf("executions = %d, breaker must stop before the fourth call", executions)
	}
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	reg := tools.NewRegistry()
	calls := 0
	// Fail twice, succeed, fail twice: never three consecutive.
	registerTool(t, reg, "mixed", false, func(ctx context.Context, args map[string]any) *tools.Result {
		calls++
		if calls == 3 {
			return tools.Ok("recovered")
		}
		return tools.Fail("transient")
	})

	client := &scriptedClient{responses: []*llm.ChatResponse{
		toolCallResponse("mixed", "mixed", "mixed", "mixed"),
		textResponse("done"),
	}}
	loop := newTestLoop(t, client, reg, Config{Model: "m"}, nil, Hooks{})

	outcome, err := loop.Run(context.Background(), "go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Four failures total stays under the total threshold of five, and
	// the success at call three reset the consecutive counter.
	if outcome.Kind != OutcomeFinal {
		t.Fatalf("Kind = %s, want final (counter should reset on success)", outcome.Kind)
	}
	if calls != 4 {
		t.Errorf("calls = %d", calls)
	}
}

func TestCircuitBreakerTotal(t *testing.T) {
	reg := tools.NewRegistry()
	calls := 0
	// Alternate fail/success so consecutive never reaches 3, but total
	// failures accumulate to the total threshold.
	registerTool(t, reg, "alternating", false, func(ctx context.Context, args map[string]any) *tools.Result {
		calls++
		if calls%2 == 0 {
			return tools.Ok("fine")
		}
		return tools.Fail("odd call fails")
	})

	client := &scriptedClient{responses: []*llm.ChatResponse{
		toolCallResponse("alternating", "alternating", "alternating", "alternating"),
		toolCallResponse("alternating", "alternating", "alternating", "alternating"),
		toolCallResponse("alternating", "alternating", "alternating", "alternating"),
	}}
	loop := newTestLoop(t, client, reg, Config{Model: "m"}, nil, Hooks{})

	outcome, err := loop.Run(context.Background(), "go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Kind != OutcomeCircuitBreaker {
		t.Fatalf("Kind = %s, want circuit_breaker on total failures", outcome.Kind)
	}
	// Failures land on odd calls: 1,3,5,7,9 — the fifth failure is call 9.
	if calls != 9 {
		t.Errorf("calls = %d, want 9", calls)
	}
}

func TestMaxIterations(t *testing.T) {
	reg := tools.NewRegistry()
	registerTool(t, reg, "spin", false, func(ctx context.Context, args map[string]any) *tools.Result {
		return tools.Ok("spun")
	})

	// The provider requests a tool forever.
	var responses []*llm.ChatResponse
	for i := 0; i < 20; i++ {
		responses = append(responses, toolCallResponse("spin"))
	}
	client := &scriptedClient{responses: responses}
	loop := newTestLoop(t, client, reg, Config{Model: "m", MaxIterations: 4}, nil, Hooks{})

	outcome, err := loop.Run(context.Background(), "loop forever")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Kind != OutcomeMaxIterations {
		t.Fatalf("Kind = %s", outcome.Kind)
	}
	if len(client.requests) != 4 {
		t.Errorf("completion requests = %d, want 4", len(client.requests))
	}
}

func TestConfirmationDeclined(t *testing.T) {
	reg := tools.NewRegistry()
	executed := false
	registerTool(t, reg, "write_file", true, func(ctx context.Context, args map[string]any) *tools.Result {
		executed = true
		return tools.Ok("wrote")
	})

	client := &scriptedClient{responses: []*llm.ChatResponse{
		toolCallResponse("write_file"),
		textResponse("understood, not writing"),
	}}
	decline := func(ctx context.Context, req ConfirmRequest) (bool, error) { return false, nil }
	loop := newTestLoop(t, client, reg, Config{Model: "m"}, decline, Hooks{})

	outcome, err := loop.Run(context.Background(), "write the file")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if executed {
		t.Fatal("declined tool must never execute")
	}
	if outcome.Kind != OutcomeFinal {
		t.Fatalf("Kind = %s", outcome.Kind)
	}

	second := client.requests[1]
	var sawDecline bool
	for _, m := range second {
		if m.Role == llm.RoleTool && strings.Contains(m.Content, "declined by user") {
			sawDecline = true
		}
	}
	if !sawDecline {
		t.Error("declined confirmation should appear as a failed tool result")
	}
}

func TestConfirmationGateMissingFailsSafe(t *testing.T) {
	reg := tools.NewRegistry()
	executed := false
	registerTool(t, reg, "edit_file", true, func(ctx context.Context, args map[string]any) *tools.Result {
		executed = true
		return tools.Ok("edited")
	})

	client := &scriptedClient{responses: []*llm.ChatResponse{
		toolCallResponse("edit_file"),
		textResponse("ok"),
	}}
	loop := newTestLoop(t, client, reg, Config{Model: "m"}, nil, Hooks{})

	if _, err := loop.Run(context.Background(), "edit it"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if executed {
		t.Fatal("without a confirmation gate a confirmable tool must not run")
	}
}

func TestPlanApprovedProceeds(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		textResponse("```plan\nRework it\n1. read things\n2. change things\n```"),
		textResponse("done after plan"),
	}}

	var planned *Plan
	approve := func(ctx context.Context, req ConfirmRequest) (bool, error) { return true, nil }
	loop := newTestLoop(t, client, nil, Config{Model: "m", Planning: true}, approve, Hooks{
		OnPlan: func(p *Plan) { planned = p },
	})

	outcome, err := loop.Run(context.Background(), "refactor the whole storage layer")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Kind != OutcomeFinal {
		t.Fatalf("Kind = %s", outcome.Kind)
	}
	if planned == nil || len(planned.Steps) != 2 {
		t.Fatalf("plan hook got %+v", planned)
	}

	// The approved plan is part of the follow-up context.
	last := client.requests[len(client.requests)-1]
	var sawPlan bool
	for _, m := range last {
		if strings.Contains(m.Content, "Approved plan:") {
			sawPlan = true
		}
	}
	if !sawPlan {
		t.Error("approved plan missing from follow-up history")
	}
}

func TestPlanRejectedTerminates(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		textResponse("```plan\n1. dangerous step\n```"),
	}}
	reject := func(ctx context.Context, req ConfirmRequest) (bool, error) { return false, nil }
	loop := newTestLoop(t, client, nil, Config{Model: "m", Planning: true}, reject, Hooks{})

	outcome, err := loop.Run(context.Background(), "migrate everything to the new schema")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Kind != OutcomePlanRejected {
		t.Fatalf("Kind = %s", outcome.Kind)
	}
	if len(client.requests) != 1 {
		t.Errorf("rejected plan must stop the run, saw %d requests", len(client.requests))
	}
}

func TestSimpleInputSkipsPlanning(t *testing.T) {
	// Scenario: short input without complexity keywords goes straight
	// to tool execution, no plan request.
	reg := tools.NewRegistry()
	registerTool(t, reg, "list_directory", false, func(ctx context.Context, args map[string]any) *tools.Result {
		return tools.Ok("main.go")
	})

	client := &scriptedClient{responses: []*llm.ChatResponse{
		toolCallResponse("list_directory"),
		textResponse("the project contains main.go"),
	}}
	loop := newTestLoop(t, client, reg, Config{Model: "m", Planning: true}, nil, Hooks{})

	outcome, err := loop.Run(context.Background(), "list files in the project")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Kind != OutcomeFinal {
		t.Fatalf("Kind = %s", outcome.Kind)
	}
	// Exactly two requests: tool iteration + final. A plan request
	// would make it three.
	if len(client.requests) != 2 {
		t.Errorf("requests = %d, want 2 (no plan request)", len(client.requests))
	}
}

func TestCancelStopsBeforeNextTool(t *testing.T) {
	var loop *Loop
	executions := 0
	reg := tools.NewRegistry()
	// The first call cancels the run; the second must never start.
	registerTool(t, reg, "slow", false, func(ctx context.Context, args map[string]any) *tools.Result {
		executions++
		loop.Cancel()
		return tools.Ok("first finished")
	})

	client := &scriptedClient{responses: []*llm.ChatResponse{
		toolCallResponse("slow", "slow"),
	}}
	loop = newTestLoop(t, client, reg, Config{Model: "m"}, nil, Hooks{})

	outcome, err := loop.Run(context.Background(), "do two slow things")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Kind != OutcomeCancelled {
		t.Fatalf("Kind = %s", outcome.Kind)
	}
	if executions != 1 {
		t.Errorf("executions = %d, cancellation must stop before the second call", executions)
	}
}

func TestToolCallIDsAssigned(t *testing.T) {
	reg := tools.NewRegistry()
	registerTool(t, reg, "probe", false, func(ctx context.Context, args map[string]any) *tools.Result {
		return tools.Ok("ok")
	})

	client := &scriptedClient{responses: []*llm.ChatResponse{
		toolCallResponse("probe"), // no provider-assigned ID
		textResponse("done"),
	}}
	loop := newTestLoop(t, client, reg, Config{Model: "m"}, nil, Hooks{})

	if _, err := loop.Run(context.Background(), "probe"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	second := client.requests[1]
	var callID, resultID string
	for _, m := range second {
		if m.Role == llm.RoleAssistant && len(m.ToolCalls) > 0 {
			callID = m.ToolCalls[0].ID
		}
		if m.Role == llm.RoleTool {
			resultID = m.ToolCallID
		}
	}
	if callID == "" {
		t.Fatal("tool call should receive a generated ID")
	}
	if callID != resultID {
		t.Errorf("result ID %q does not match call ID %q", resultID, callID)
	}
}
