package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opalsh/opal/internal/agent"
	"github.com/opalsh/opal/internal/buildinfo"
	"github.com/opalsh/opal/internal/events"
	"github.com/opalsh/opal/internal/llm"
	"github.com/opalsh/opal/internal/tools"
)

// DefaultConfirmTimeout bounds how long a remote caller has to answer a
// tool confirmation. Expiry declines: never silently proceed.
const DefaultConfirmTimeout = 60 * time.Second

// pendingConfirmation is the single in-flight confirmation for a
// session. The run's goroutine blocks on ch; the read loop resolves it
// from an agent.confirm request, or the timeout/shutdown path declines.
type pendingConfirmation struct {
	id   string
	tool string
	ch   chan bool
}

// contextItem is one caller-managed context note.
type contextItem struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Deps are the collaborators a Server wires into its loop.
type Deps struct {
	Logger   *slog.Logger
	Client   llm.Client
	Registry *tools.Registry
	Env      agent.Environment
	Bus      *events.Bus
	Recorder agent.Recorder

	Model          string
	MaxIterations  int
	Planning       bool
	ConfirmTimeout time.Duration
}

// Server drives one session over a line-oriented channel. The read
// loop is the only reader of incoming messages; agent.run executes on
// its own goroutine so the channel keeps servicing requests (above all
// the confirmation answer) while a run is in progress.
type Server struct {
	logger         *slog.Logger
	loop           *agent.Loop
	bus            *events.Bus
	confirmTimeout time.Duration

	writeMu sync.Mutex
	out     io.Writer

	mu           sync.Mutex
	pending      *pendingConfirmation
	contextItems []contextItem
	runActive    bool

	// confirmGate serializes confirmable calls: a second one queues
	// here until the first resolves, so at most one pendingConfirmation
	// exists at a time.
	confirmGate sync.Mutex

	shutdown atomic.Bool
	done     chan struct{}
}

// NewServer builds a session server and its orchestration loop.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := deps.ConfirmTimeout
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}

	s := &Server{
		logger:         logger.With("component", "rpc"),
		bus:            deps.Bus,
		confirmTimeout: timeout,
		done:           make(chan struct{}),
	}

	s.loop = agent.NewLoop(
		logger,
		deps.Client,
		deps.Registry,
		deps.Env,
		agent.Config{
			Model:         deps.Model,
			MaxIterations: deps.MaxIterations,
			Planning:      deps.Planning,
			Stream:        true,
		},
		s.bridgeConfirm,
		agent.Hooks{
			OnCompletion: func(iteration int) {
				s.notify(NotifyThinking, map[string]any{"iteration": iteration})
			},
			OnToken: func(token string) {
				s.notify(NotifyContentDelta, map[string]any{"text": token})
			},
			OnToolResult: func(call llm.ToolCall, result *tools.Result) {
				s.notify(NotifyToolResult, map[string]any{
					"id":     call.ID,
					"tool":   call.Function.Name,
					"ok":     result.OK,
					"output": result.Output,
					"error":  result.Error,
				})
			},
			OnUsage: func(in, out int) {
				s.notify(NotifyTokenUsage, map[string]any{
					"input_tokens":  in,
					"output_tokens": out,
				})
			},
		},
		deps.Bus,
		deps.Recorder,
	)
	return s
}

// Serve reads framed requests until EOF, shutdown, or context
// cancellation. Each line is one JSON request.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.writeMu.Lock()
	s.out = out
	s.writeMu.Unlock()

	sessionID := uuid.NewString()
	s.logger.Info("session started", "session_id", sessionID)
	s.bus.Publish(events.Event{
		Source: events.SourceRPC,
		Kind:   events.KindSessionStart,
		Data:   map[string]any{"session_id": sessionID},
	})
	defer s.bus.Publish(events.Event{
		Source: events.SourceRPC,
		Kind:   events.KindSessionEnd,
		Data:   map[string]any{"session_id": sessionID},
	})
	defer s.Shutdown()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	for scanner.Scan() {
		if ctx.Err() != nil || s.shutdown.Load() {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.notify(NotifyError, map[string]any{"message": "malformed request: " + err.Error()})
			continue
		}
		s.dispatch(ctx, &req)

		if s.shutdown.Load() {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read channel: %w", err)
	}
	return nil
}

// dispatch routes one request. Unknown methods get a structured error,
// never an unhandled fault.
func (s *Server) dispatch(ctx context.Context, req *Request) {
	if s.shutdown.Load() && req.Method != "shutdown" {
		s.respondErr(req.ID, CodeShutdown, "server is shutting down")
		return
	}

	// The run goroutine owns the loop while a run is active. Methods
	// that touch loop state (history, model, context notes) are refused
	// until it finishes; only confirmation and cancellation may cut in.
	switch req.Method {
	case "chat", "model.set", "context.add", "context.remove", "context.clear":
		if s.runInProgress() {
			s.respondErr(req.ID, CodeBusy, "a run is in progress")
			return
		}
	}

	switch req.Method {
	case "initialize":
		s.handleInitialize(req)
	case "chat":
		s.handleChat(ctx, req)
	case "agent.run":
		s.handleAgentRun(ctx, req)
	case "agent.cancel":
		s.loop.Cancel()
		s.respond(req.ID, map[string]any{"cancelled": true})
	case "agent.confirm":
		s.handleAgentConfirm(req)
	case "context.add":
		s.handleContextAdd(req)
	case "context.remove":
		s.handleContextRemove(req)
	case "context.list":
		s.handleContextList(req)
	case "context.clear":
		s.handleContextClear(req)
	case "model.set":
		s.handleModelSet(req)
	case "model.get":
		s.respond(req.ID, map[string]any{"model": s.loop.Model()})
	case "shutdown":
		s.Shutdown()
		s.respond(req.ID, map[string]any{"ok": true})
	default:
		s.respondErr(req.ID, CodeUnknownMethod, "unknown method: "+req.Method)
	}
}

func (s *Server) handleInitialize(req *Request) {
	s.respond(req.ID, map[string]any{
		"name":    "opal",
		"version": buildinfo.Version,
		"model":   s.loop.Model(),
	})
}

func (s *Server) handleChat(ctx context.Context, req *Request) {
	var params struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Message == "" {
		s.respondErr(req.ID, CodeInvalidParams, "chat requires a message")
		return
	}

	content, err := s.loop.Complete(ctx, params.Message, func(token string) {
		s.notify(NotifyContentDelta, map[string]any{"text": token})
	})
	if err != nil {
		s.respondErr(req.ID, CodeInternal, err.Error())
		return
	}
	s.notify(NotifyContentDone, map[string]any{"text": content})
	s.respond(req.ID, map[string]any{"content": content})
}

// handleAgentRun starts the run on its own goroutine; the response is
// written when the run reaches a terminal outcome.
func (s *Server) handleAgentRun(ctx context.Context, req *Request) {
	var params struct {
		Input string `json:"input"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Input == "" {
		s.respondErr(req.ID, CodeInvalidParams, "agent.run requires input")
		return
	}

	s.mu.Lock()
	if s.runActive {
		s.mu.Unlock()
		s.respondErr(req.ID, CodeBusy, "a run is already in progress")
		return
	}
	s.runActive = true
	s.mu.Unlock()

	go func() {
		outcome, err := s.loop.Run(ctx, params.Input)

		// Release the loop before answering: a client reacting to the
		// response must find the session writable again.
		s.mu.Lock()
		s.runActive = false
		s.mu.Unlock()

		if err != nil {
			s.notify(NotifyError, map[string]any{"message": err.Error()})
			s.respondErr(req.ID, CodeInternal, err.Error())
			return
		}

		s.notify(NotifyContentDone, map[string]any{
			"text":    outcome.Text,
			"outcome": outcome.Kind.String(),
		})
		s.respond(req.ID, map[string]any{
			"outcome":    outcome.Kind.String(),
			"text":       outcome.Text,
			"iterations": outcome.Iterations,
			"elapsed_ms": outcome.Elapsed.Milliseconds(),
		})
	}()
}

func (s *Server) handleAgentConfirm(req *Request) {
	var params struct {
		ID       string `json:"id"`
		Approved bool   `json:"approved"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		s.respondErr(req.ID, CodeInvalidParams, "agent.confirm requires id and approved")
		return
	}

	s.mu.Lock()
	pending := s.pending
	if pending == nil || pending.id != params.ID {
		s.mu.Unlock()
		s.respondErr(req.ID, CodeInvalidRequest, "no pending confirmation with that id")
		return
	}
	s.pending = nil
	s.mu.Unlock()

	// Buffered channel: the send never blocks and resolves exactly once.
	pending.ch <- params.Approved
	s.respond(req.ID, map[string]any{"resolved": true})
}

// bridgeConfirm is the loop's confirmation gate in RPC mode. It emits
// tool.pending, then blocks the run goroutine until the remote caller
// answers, the timeout declines, or shutdown releases it.
func (s *Server) bridgeConfirm(ctx context.Context, req agent.ConfirmRequest) (bool, error) {
	// One confirmable call at a time; a second waits its turn before
	// emitting its own pending notification.
	s.confirmGate.Lock()
	defer s.confirmGate.Unlock()

	if s.shutdown.Load() {
		return false, nil
	}

	pending := &pendingConfirmation{
		id:   req.ID,
		tool: req.Tool,
		ch:   make(chan bool, 1),
	}
	s.mu.Lock()
	s.pending = pending
	s.mu.Unlock()

	s.notify(NotifyToolPending, map[string]any{
		"id":          req.ID,
		"tool":        req.Tool,
		"args":        req.Args,
		"description": req.Description,
	})

	timer := time.NewTimer(s.confirmTimeout)
	defer timer.Stop()

	select {
	case approved := <-pending.ch:
		return approved, nil
	case <-timer.C:
		s.clearPending(pending)
		s.logger.Warn("confirmation timed out, declining", "tool", req.Tool, "id", req.ID)
		return false, nil
	case <-ctx.Done():
		s.clearPending(pending)
		return false, ctx.Err()
	case <-s.done:
		s.clearPending(pending)
		return false, nil
	}
}

func (s *Server) runInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runActive
}

// clearPending removes the record if it is still the active one.
func (s *Server) clearPending(p *pendingConfirmation) {
	s.mu.Lock()
	if s.pending == p {
		s.pending = nil
	}
	s.mu.Unlock()
}

func (s *Server) handleContextAdd(req *Request) {
	var params struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Text == "" {
		s.respondErr(req.ID, CodeInvalidParams, "context.add requires text")
		return
	}

	item := contextItem{ID: uuid.NewString(), Text: params.Text}
	s.mu.Lock()
	s.contextItems = append(s.contextItems, item)
	s.syncContextLocked()
	s.mu.Unlock()

	s.respond(req.ID, map[string]any{"id": item.ID})
}

func (s *Server) handleContextRemove(req *Request) {
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		s.respondErr(req.ID, CodeInvalidParams, "context.remove requires id")
		return
	}

	s.mu.Lock()
	removed := false
	kept := s.contextItems[:0]
	for _, item := range s.contextItems {
		if item.ID == params.ID {
			removed = true
			continue
		}
		kept = append(kept, item)
	}
	s.contextItems = kept
	s.syncContextLocked()
	s.mu.Unlock()

	if !removed {
		s.respondErr(req.ID, CodeInvalidRequest, "no context item with that id")
		return
	}
	s.respond(req.ID, map[string]any{"removed": true})
}

func (s *Server) handleContextList(req *Request) {
	s.mu.Lock()
	items := make([]contextItem, len(s.contextItems))
	copy(items, s.contextItems)
	s.mu.Unlock()
	s.respond(req.ID, map[string]any{"items": items})
}

func (s *Server) handleContextClear(req *Request) {
	s.mu.Lock()
	s.contextItems = nil
	s.syncContextLocked()
	s.mu.Unlock()
	s.respond(req.ID, map[string]any{"cleared": true})
}

// syncContextLocked pushes the current items into the loop. Caller
// holds s.mu.
func (s *Server) syncContextLocked() {
	notes := make([]string, len(s.contextItems))
	for i, item := range s.contextItems {
		notes[i] = item.Text
	}
	s.loop.SetContext(notes)
}

func (s *Server) handleModelSet(req *Request) {
	var params struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Model == "" {
		s.respondErr(req.ID, CodeInvalidParams, "model.set requires model")
		return
	}
	s.loop.SetModel(params.Model)
	s.respond(req.ID, map[string]any{"model": params.Model})
}

// Shutdown is idempotent and safe mid-run: it cancels the active run,
// declines any blocked confirmation exactly once, and stops accepting
// new requests.
func (s *Server) Shutdown() {
	if !s.shutdown.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info("shutting down session")

	s.loop.Cancel()

	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	if pending != nil {
		pending.ch <- false
	}

	close(s.done)
}

// respond writes one Response line. Writes are serialized so concurrent
// goroutines never interleave frames.
func (s *Server) respond(id string, result any) {
	s.write(Response{ID: id, Result: result})
}

func (s *Server) respondErr(id string, code int, message string) {
	s.write(Response{ID: id, Error: &ErrorObj{Code: code, Message: message}})
}

func (s *Server) notify(method string, params any) {
	s.write(Notification{Method: method, Params: params})
}

func (s *Server) write(msg any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.out == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("marshal outbound message", "error", err)
		return
	}
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.logger.Warn("write to channel failed", "error", err)
	}
}
