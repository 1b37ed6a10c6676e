// Package events provides a publish/subscribe bus for operational
// observability. Events flow from components (agent loop, RPC server,
// MCP manager) to subscribers. The bus is nil-safe: Publish on a nil
// *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the orchestration loop.
	SourceAgent = "agent"
	// SourceRPC identifies events from the RPC front-end.
	SourceRPC = "rpc"
	// SourceMCP identifies events from the MCP manager.
	SourceMCP = "mcp"
)

// Kind constants describe the type of event within a source.
const (
	// KindRunStart signals the beginning of an agent run.
	// Data: run_id, model.
	KindRunStart = "run_start"
	// KindCompletionStart signals the start of a completion request.
	// Data: run_id, iter, model.
	KindCompletionStart = "completion_start"
	// KindCompletionDone signals a completion finished.
	// Data: run_id, iter, tokens_in, tokens_out, tool_calls.
	KindCompletionDone = "completion_done"
	// KindToolStart signals the start of a tool execution.
	// Data: run_id, tool.
	KindToolStart = "tool_start"
	// KindToolDone signals completion of a tool execution.
	// Data: run_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindPlanProposed signals the loop produced a plan for approval.
	// Data: run_id, steps.
	KindPlanProposed = "plan_proposed"
	// KindRunComplete signals the end of an agent run.
	// Data: run_id, outcome, iterations, elapsed_ms.
	KindRunComplete = "run_complete"

	// KindServerConnected signals an MCP server finished its handshake.
	// Data: server, tools.
	KindServerConnected = "server_connected"
	// KindServerFailed signals an MCP server could not be reached.
	// Data: server, error.
	KindServerFailed = "server_failed"

	// KindSessionStart signals a new RPC session.
	// Data: session_id.
	KindSessionStart = "session_start"
	// KindSessionEnd signals an RPC session ended.
	// Data: session_id.
	KindSessionEnd = "session_end"
)

// Event is a single operational event published by a component.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels; a slow subscriber misses events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to a subscriber
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's view of the channel.
	recvToSend map[<-chan Event]chan Event
}

// New creates an event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers without blocking: a full
// subscriber channel drops the event for that subscriber. Safe on a
// nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel receiving published events. Callers must
// Unsubscribe when done. bufSize controls the channel buffer.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. No-op for
// channels that are already unsubscribed.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
