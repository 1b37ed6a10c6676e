// Package agent implements the orchestration loop: it alternates between
// requesting completions and executing requested tool calls, with
// planning, a confirmation gate, self-correction hints, and a circuit
// breaker that stops runaway failure cycles.
package agent

import (
	"sync/atomic"
	"time"
)

// Circuit breaker thresholds. Once either is reached the run stops
// immediately; this is a hard stop, not a retry.
const (
	maxConsecutiveFailures = 3
	maxTotalFailures       = 5
)

// DefaultMaxIterations caps completion/tool cycles per run.
const DefaultMaxIterations = 10

// OutcomeKind classifies how a run ended.
type OutcomeKind int

const (
	// OutcomeFinal is a normal completion: the model produced text with
	// no tool calls.
	OutcomeFinal OutcomeKind = iota
	// OutcomeMaxIterations means the iteration cap was reached.
	OutcomeMaxIterations
	// OutcomeCircuitBreaker means repeated tool failures tripped the breaker.
	OutcomeCircuitBreaker
	// OutcomeCancelled means the run was cancelled externally.
	OutcomeCancelled
	// OutcomePlanRejected means the user declined the proposed plan.
	OutcomePlanRejected
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeFinal:
		return "final"
	case OutcomeMaxIterations:
		return "max_iterations"
	case OutcomeCircuitBreaker:
		return "circuit_breaker"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomePlanRejected:
		return "plan_rejected"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of a run. Every terminal state yields
// exactly one human-readable summary; terminal conditions are never
// disguised as normal completions.
type Outcome struct {
	Kind       OutcomeKind
	Text       string
	Iterations int
	Elapsed    time.Duration
}

// Invocation is one entry in the run's tool log.
type Invocation struct {
	Tool     string
	OK       bool
	Duration time.Duration
}

// State is the per-run mutable record. Created fresh for each Run call,
// owned exclusively by the loop, discarded when the run returns.
type State struct {
	RunID               string
	Iteration           int
	Invocations         []Invocation
	ConsecutiveFailures int
	TotalFailures       int
	LastFailedCommand   string

	cancelled atomic.Bool
}

// Cancel sets the cancellation flag. The loop checks it at the top of
// every iteration and around tool execution; a tool already running is
// allowed to finish.
func (s *State) Cancel() {
	s.cancelled.Store(true)
}

// Cancelled reports whether the run has been cancelled.
func (s *State) Cancelled() bool {
	return s.cancelled.Load()
}

// recordFailure updates the failure counters after a failed tool call.
func (s *State) recordFailure(command string) {
	s.ConsecutiveFailures++
	s.TotalFailures++
	s.LastFailedCommand = command
}

// recordSuccess resets the consecutive counter. Total failures are
// monotonic for the run.
func (s *State) recordSuccess() {
	s.ConsecutiveFailures = 0
}

// breakerTripped reports whether the failure thresholds are reached.
func (s *State) breakerTripped() bool {
	return s.ConsecutiveFailures >= maxConsecutiveFailures ||
		s.TotalFailures >= maxTotalFailures
}
