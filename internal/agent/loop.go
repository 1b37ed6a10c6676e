package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opalsh/opal/internal/events"
	"github.com/opalsh/opal/internal/llm"
	"github.com/opalsh/opal/internal/tools"
)

// ConfirmRequest describes a proposed action awaiting approval: either
// a confirmable tool call or a whole plan.
type ConfirmRequest struct {
	ID          string
	Tool        string
	Args        map[string]any
	Description string
}

// ConfirmFunc is the confirmation gate. Local mode blocks on a terminal
// prompt; RPC mode bridges to an asynchronous exchange with the remote
// caller. Returning false or an error declines the action.
type ConfirmFunc func(ctx context.Context, req ConfirmRequest) (bool, error)

// Hooks are the loop's observable side effects. They must not block;
// the confirmation gate is the only sanctioned suspension point.
type Hooks struct {
	// OnCompletion fires before each completion request.
	OnCompletion func(iteration int)
	// OnToken fires per streamed token when the provider streams.
	OnToken func(token string)
	// OnToolStart fires before a tool call executes (or is declined).
	OnToolStart func(call llm.ToolCall)
	// OnToolResult fires after each tool call resolves.
	OnToolResult func(call llm.ToolCall, result *tools.Result)
	// OnPlan fires when a plan has been parsed, before approval.
	OnPlan func(plan *Plan)
	// OnFinal fires with the final response text.
	OnFinal func(text string)
	// OnUsage fires with token counts after each completion.
	OnUsage func(inputTokens, outputTokens int)
}

// RunRecord and ToolCallRecord are handed to an attached Recorder.
type RunRecord struct {
	ID         string
	Input      string
	Outcome    string
	Iterations int
	Failures   int
	Started    time.Time
	Finished   time.Time
}

type ToolCallRecord struct {
	RunID    string
	Seq      int
	Tool     string
	OK       bool
	ExitCode *int
	Duration time.Duration
	Error    string
}

// Recorder persists run history. Recording failures are logged and
// swallowed; an audit trail must never break a run.
type Recorder interface {
	RecordRun(ctx context.Context, r RunRecord) error
	RecordToolCall(ctx context.Context, c ToolCallRecord) error
}

// Config tunes one Loop instance.
type Config struct {
	Model         string
	MaxIterations int
	Planning      bool
	// PlanPolicy overrides DefaultPlanPolicy when set.
	PlanPolicy PlanPolicy
	// Stream requests token streaming from the provider.
	Stream bool
}

// Loop drives the completion/tool cycle for one session. It is not safe
// for concurrent Run calls; the RPC front-end serializes runs per session.
type Loop struct {
	logger   *slog.Logger
	client   llm.Client
	registry *tools.Registry
	env      Environment
	cfg      Config
	confirm  ConfirmFunc
	hooks    Hooks
	bus      *events.Bus
	recorder Recorder

	history []llm.Message
	context []string
	// state is the active run's record; nil between runs. Atomic because
	// Cancel arrives from the RPC goroutine while Run owns the pointer.
	state atomic.Pointer[State]
}

// NewLoop creates a loop. bus and recorder may be nil.
func NewLoop(logger *slog.Logger, client llm.Client, registry *tools.Registry, env Environment, cfg Config, confirm ConfirmFunc, hooks Hooks, bus *events.Bus, recorder Recorder) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.PlanPolicy == nil {
		cfg.PlanPolicy = DefaultPlanPolicy
	}
	return &Loop{
		logger:   logger.With("component", "agent"),
		client:   client,
		registry: registry,
		env:      env,
		cfg:      cfg,
		confirm:  confirm,
		hooks:    hooks,
		bus:      bus,
		recorder: recorder,
	}
}

// SetModel switches the completion model for subsequent runs.
func (l *Loop) SetModel(model string) {
	l.cfg.Model = model
}

// Model returns the active completion model.
func (l *Loop) Model() string {
	return l.cfg.Model
}

// Cancel flags the active run for cancellation. Checked at the top of
// every iteration and before each tool call; a tool already executing
// finishes first. Safe when no run is active.
func (l *Loop) Cancel() {
	if s := l.state.Load(); s != nil {
		s.Cancel()
	}
}

// SetContext replaces the caller-supplied context notes injected after
// the system prompt on every request.
func (l *Loop) SetContext(notes []string) {
	l.context = notes
}

// ClearHistory drops the conversation so the next run starts fresh.
func (l *Loop) ClearHistory() {
	l.history = nil
}

// Complete issues a single tool-less completion within the conversation.
// Used by the chat path; the full orchestration cycle is Run.
func (l *Loop) Complete(ctx context.Context, userInput string, onToken func(string)) (string, error) {
	l.history = append(l.history, llm.Message{Role: llm.RoleUser, Content: userInput})
	messages := l.assembleMessages()

	var resp *llm.ChatResponse
	var err error
	if onToken != nil {
		resp, err = l.client.ChatStream(ctx, l.cfg.Model, messages, nil, func(ev llm.StreamEvent) {
			if ev.Kind == llm.KindToken {
				onToken(ev.Token)
			}
		})
	} else {
		resp, err = l.client.Chat(ctx, l.cfg.Model, messages, nil)
	}
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}

	l.history = append(l.history, resp.Message)
	if l.hooks.OnUsage != nil {
		l.hooks.OnUsage(resp.InputTokens, resp.OutputTokens)
	}
	return resp.Message.Content, nil
}

// Run executes one request to a terminal outcome. Failures local to a
// tool invocation are data fed back to the model; only provider-level
// failures return an error.
func (l *Loop) Run(ctx context.Context, userInput string) (*Outcome, error) {
	state := &State{RunID: uuid.NewString()}
	l.state.Store(state)
	started := time.Now()
	logger := l.logger.With("run_id", state.RunID)

	logger.Info("run started", "model", l.cfg.Model, "input_len", len(userInput))
	l.publish(events.KindRunStart, map[string]any{
		"run_id": state.RunID,
		"model":  l.cfg.Model,
	})

	l.history = append(l.history, llm.Message{Role: llm.RoleUser, Content: userInput})

	if l.cfg.Planning && l.cfg.PlanPolicy(userInput) {
		outcome, err := l.proposePlan(ctx, state, logger)
		if err != nil {
			return nil, err
		}
		if outcome != nil {
			return l.finish(ctx, state, started, userInput, outcome, logger), nil
		}
	}

	outcome, err := l.iterate(ctx, state, logger)
	if err != nil {
		return nil, err
	}
	return l.finish(ctx, state, started, userInput, outcome, logger), nil
}

// iterate runs the completion/tool cycle until a terminal condition.
func (l *Loop) iterate(ctx context.Context, state *State, logger *slog.Logger) (*Outcome, error) {
	for {
		if state.Cancelled() || ctx.Err() != nil {
			return &Outcome{Kind: OutcomeCancelled, Text: "Run cancelled."}, nil
		}

		state.Iteration++
		if state.Iteration > l.cfg.MaxIterations {
			return &Outcome{
				Kind: OutcomeMaxIterations,
				Text: fmt.Sprintf("Stopped after reaching the iteration limit (%d).", l.cfg.MaxIterations),
			}, nil
		}

		resp, err := l.complete(ctx, state, logger)
		if err != nil {
			return nil, err
		}

		assistant := resp.Message
		assignToolCallIDs(&assistant)
		l.history = append(l.history, assistant)

		if len(assistant.ToolCalls) == 0 {
			if l.hooks.OnFinal != nil {
				l.hooks.OnFinal(assistant.Content)
			}
			return &Outcome{Kind: OutcomeFinal, Text: assistant.Content}, nil
		}

		outcome := l.executeToolCalls(ctx, state, assistant.ToolCalls, logger)
		if outcome != nil {
			return outcome, nil
		}
	}
}

// complete issues one completion request carrying the full tool schema set.
func (l *Loop) complete(ctx context.Context, state *State, logger *slog.Logger) (*llm.ChatResponse, error) {
	if l.hooks.OnCompletion != nil {
		l.hooks.OnCompletion(state.Iteration)
	}
	l.publish(events.KindCompletionStart, map[string]any{
		"run_id": state.RunID,
		"iter":   state.Iteration,
		"model":  l.cfg.Model,
	})

	messages := l.assembleMessages()
	schemas := l.registry.Schemas()

	var resp *llm.ChatResponse
	var err error
	if l.cfg.Stream && l.hooks.OnToken != nil {
		resp, err = l.client.ChatStream(ctx, l.cfg.Model, messages, schemas, func(ev llm.StreamEvent) {
			if ev.Kind == llm.KindToken {
				l.hooks.OnToken(ev.Token)
			}
		})
	} else {
		resp, err = l.client.Chat(ctx, l.cfg.Model, messages, schemas)
	}
	if err != nil {
		return nil, fmt.Errorf("completion request: %w", err)
	}

	if l.hooks.OnUsage != nil {
		l.hooks.OnUsage(resp.InputTokens, resp.OutputTokens)
	}
	l.publish(events.KindCompletionDone, map[string]any{
		"run_id":     state.RunID,
		"iter":       state.Iteration,
		"tokens_in":  resp.InputTokens,
		"tokens_out": resp.OutputTokens,
		"tool_calls": len(resp.Message.ToolCalls),
	})
	logger.Debug("completion received",
		"iter", state.Iteration,
		"tool_calls", len(resp.Message.ToolCalls),
	)
	return resp, nil
}

// executeToolCalls runs calls strictly in provider order. A non-nil
// return is a terminal outcome (breaker trip or cancellation).
func (l *Loop) executeToolCalls(ctx context.Context, state *State, calls []llm.ToolCall, logger *slog.Logger) *Outcome {
	for _, call := range calls {
		if state.Cancelled() || ctx.Err() != nil {
			return &Outcome{Kind: OutcomeCancelled, Text: "Run cancelled."}
		}

		if l.hooks.OnToolStart != nil {
			l.hooks.OnToolStart(call)
		}
		l.publish(events.KindToolStart, map[string]any{
			"run_id": state.RunID,
			"tool":   call.Function.Name,
		})

		began := time.Now()
		result := l.invokeTool(ctx, call, logger)
		elapsed := time.Since(began)

		state.Invocations = append(state.Invocations, Invocation{
			Tool:     call.Function.Name,
			OK:       result.OK,
			Duration: elapsed,
		})

		if l.hooks.OnToolResult != nil {
			l.hooks.OnToolResult(call, result)
		}
		l.publish(events.KindToolDone, map[string]any{
			"run_id":      state.RunID,
			"tool":        call.Function.Name,
			"ok":          result.OK,
			"duration_ms": elapsed.Milliseconds(),
		})
		l.record(ctx, state, call, result, elapsed, logger)

		// The result is appended before anything else happens, so every
		// later completion request sees it in causal order.
		l.history = append(l.history, llm.Message{
			Role:       llm.RoleTool,
			Content:    result.Content(),
			ToolCallID: call.ID,
		})

		if result.OK {
			state.recordSuccess()
			continue
		}

		state.recordFailure(call.Function.Name)
		l.history = append(l.history, llm.Message{
			Role:    llm.RoleSystem,
			Content: l.failureHint(call.Function.Name, result),
		})
		logger.Warn("tool call failed",
			"tool", call.Function.Name,
			"consecutive_failures", state.ConsecutiveFailures,
			"total_failures", state.TotalFailures,
		)

		if state.breakerTripped() {
			return &Outcome{
				Kind: OutcomeCircuitBreaker,
				Text: fmt.Sprintf("Stopped by the circuit breaker after repeated tool failures (%d consecutive, %d total). Last failure: %s.",
					state.ConsecutiveFailures, state.TotalFailures, state.LastFailedCommand),
			}
		}
	}
	return nil
}

// invokeTool resolves and executes one call. Unknown tools and declined
// confirmations become failed results, never panics or errors.
func (l *Loop) invokeTool(ctx context.Context, call llm.ToolCall, logger *slog.Logger) *tools.Result {
	name := call.Function.Name
	tool, ok := l.registry.Lookup(name)
	if !ok {
		return tools.FailHint(
			fmt.Sprintf("no such tool: %s", name),
			"available tools: "+strings.Join(l.registry.Names(), ", "),
		)
	}

	if tool.Confirm {
		approved, err := l.requestConfirmation(ctx, call)
		if err != nil {
			logger.Warn("confirmation gate error, treating as declined", "tool", name, "error", err)
			approved = false
		}
		if !approved {
			return tools.Fail("declined by user")
		}
	}

	return tool.Handler(ctx, call.Function.Arguments)
}

func (l *Loop) requestConfirmation(ctx context.Context, call llm.ToolCall) (bool, error) {
	if l.confirm == nil {
		// No gate wired: fail safe, never execute unconfirmed.
		return false, nil
	}
	return l.confirm(ctx, ConfirmRequest{
		ID:          uuid.NewString(),
		Tool:        call.Function.Name,
		Args:        call.Function.Arguments,
		Description: fmt.Sprintf("run tool %s", call.Function.Name),
	})
}

// proposePlan asks the provider for a plan, surfaces it for approval,
// and returns a terminal outcome only when the plan is rejected or the
// run is cancelled.
func (l *Loop) proposePlan(ctx context.Context, state *State, logger *slog.Logger) (*Outcome, error) {
	messages := l.assembleMessages()
	messages = append(messages, llm.Message{
		Role: llm.RoleSystem,
		Content: "Before acting, produce a short plan as a fenced code block with info string \"plan\": " +
			"an optional summary line followed by numbered steps, one per line. Do not call tools yet.",
	})

	resp, err := l.client.Chat(ctx, l.cfg.Model, messages, nil)
	if err != nil {
		return nil, fmt.Errorf("plan request: %w", err)
	}

	plan := ParsePlan(resp.Message.Content)
	if plan == nil {
		// The model answered in prose; proceed without a plan.
		logger.Debug("no plan block in response, continuing without plan")
		return nil, nil
	}

	if l.hooks.OnPlan != nil {
		l.hooks.OnPlan(plan)
	}
	l.publish(events.KindPlanProposed, map[string]any{
		"run_id": state.RunID,
		"steps":  len(plan.Steps),
	})

	if l.confirm != nil {
		approved, err := l.confirm(ctx, ConfirmRequest{
			ID:          uuid.NewString(),
			Tool:        "plan",
			Description: plan.Describe(),
		})
		if err != nil || !approved {
			plan.Reject()
			return &Outcome{Kind: OutcomePlanRejected, Text: "Plan rejected; nothing was executed."}, nil
		}
	}

	plan.Approve()
	l.history = append(l.history, llm.Message{
		Role:    llm.RoleAssistant,
		Content: "Approved plan:\n" + plan.Describe(),
	})
	return nil, nil
}

// assembleMessages builds the request sequence: system prompt with the
// environment snapshot, then the conversation history.
func (l *Loop) assembleMessages() []llm.Message {
	messages := make([]llm.Message, 0, len(l.history)+2)
	messages = append(messages, llm.Message{
		Role:    llm.RoleSystem,
		Content: l.systemPrompt(),
	})
	if len(l.context) > 0 {
		messages = append(messages, llm.Message{
			Role:    llm.RoleSystem,
			Content: "Additional context supplied by the user:\n" + strings.Join(l.context, "\n---\n"),
		})
	}
	messages = append(messages, l.history...)
	return messages
}

func (l *Loop) systemPrompt() string {
	return "You are Opal, a coding assistant operating on the user's machine. " +
		"Use the available tools to inspect and modify the workspace; give a plain-text answer when done.\n\n" +
		l.env.Describe()
}

// failureHint summarizes a failed tool call for the next completion:
// the error, the tool's remediation hint, the exit code, and the host
// environment, so the model can change strategy without re-probing.
func (l *Loop) failureHint(tool string, result *tools.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tool %s failed: %s", tool, result.Error)
	if result.ExitCode != nil {
		fmt.Fprintf(&b, "\nExit code: %d", *result.ExitCode)
	}
	if result.Hint != "" {
		fmt.Fprintf(&b, "\nHint: %s", result.Hint)
	}
	fmt.Fprintf(&b, "\nEnvironment: %s, shell %s", l.env.OSName, l.env.Shell)
	return b.String()
}

// finish records the run and emits the terminal event.
func (l *Loop) finish(ctx context.Context, state *State, started time.Time, input string, outcome *Outcome, logger *slog.Logger) *Outcome {
	outcome.Iterations = state.Iteration
	outcome.Elapsed = time.Since(started)
	l.state.Store(nil)

	logger.Info("run finished",
		"outcome", outcome.Kind.String(),
		"iterations", outcome.Iterations,
		"elapsed", outcome.Elapsed,
	)
	l.publish(events.KindRunComplete, map[string]any{
		"run_id":     state.RunID,
		"outcome":    outcome.Kind.String(),
		"iterations": outcome.Iterations,
		"elapsed_ms": outcome.Elapsed.Milliseconds(),
	})

	if l.recorder != nil {
		err := l.recorder.RecordRun(ctx, RunRecord{
			ID:         state.RunID,
			Input:      input,
			Outcome:    outcome.Kind.String(),
			Iterations: outcome.Iterations,
			Failures:   state.TotalFailures,
			Started:    started,
			Finished:   time.Now(),
		})
		if err != nil {
			logger.Warn("transcript record failed", "error", err)
		}
	}
	return outcome
}

// record persists one tool invocation; failures are non-fatal.
func (l *Loop) record(ctx context.Context, state *State, call llm.ToolCall, result *tools.Result, elapsed time.Duration, logger *slog.Logger) {
	if l.recorder == nil {
		return
	}
	err := l.recorder.RecordToolCall(ctx, ToolCallRecord{
		RunID:    state.RunID,
		Seq:      len(state.Invocations),
		Tool:     call.Function.Name,
		OK:       result.OK,
		ExitCode: result.ExitCode,
		Duration: elapsed,
		Error:    result.Error,
	})
	if err != nil {
		logger.Warn("transcript record failed", "tool", call.Function.Name, "error", err)
	}
}

func (l *Loop) publish(kind string, data map[string]any) {
	l.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   kind,
		Data:   data,
	})
}

// assignToolCallIDs gives calls without provider-assigned IDs a fresh
// UUID so results can be correlated in the message history.
func assignToolCallIDs(msg *llm.Message) {
	for i := range msg.ToolCalls {
		if msg.ToolCalls[i].ID == "" {
			msg.ToolCalls[i].ID = uuid.NewString()
		}
	}
}
