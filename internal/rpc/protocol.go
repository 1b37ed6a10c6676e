// Package rpc exposes one orchestration loop per session over a
// newline-delimited JSON channel: requests carry a correlation id and
// receive exactly one response; notifications are unmatched. The hard
// part lives here: interleaving a blocking tool-confirmation step with
// an otherwise free-running agent loop.
package rpc

import "encoding/json"

// Error codes mirror JSON-RPC conventions so clients can reuse handling.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeUnknownMethod  = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	// CodeBusy is returned when a run is already in progress for the session.
	CodeBusy = -32000
	// CodeShutdown is returned for requests after shutdown.
	CodeShutdown = -32001
)

// Request is one incoming framed message. Notifications from the client
// are not part of the protocol; every client message is a request.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers exactly one Request, matched by ID.
type Response struct {
	ID     string    `json:"id"`
	Result any       `json:"result,omitempty"`
	Error  *ErrorObj `json:"error,omitempty"`
}

// ErrorObj is a structured error in a Response.
type ErrorObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Notification is a server-to-client message with no expected reply.
type Notification struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Notification method names, in the causal order a run emits them.
const (
	NotifyThinking     = "thinking.update"
	NotifyToolPending  = "tool.pending"
	NotifyToolResult   = "tool.result"
	NotifyContentDelta = "content.delta"
	NotifyContentDone  = "content.done"
	NotifyTokenUsage   = "token.usage"
	NotifyError        = "error"
)
