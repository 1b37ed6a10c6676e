// Package tools defines the capabilities available to the agent.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// ErrDuplicateTool is returned when registering a tool whose name is taken.
var ErrDuplicateTool = errors.New("duplicate tool name")

// Tool represents a callable capability with a declared parameter schema.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	// Confirm marks tools that need explicit approval before executing.
	Confirm bool                                                    `json:"-"`
	Handler func(ctx context.Context, args map[string]any) *Result `json:"-"`
}

// Result is the outcome of a tool invocation. Failures are data, not
// errors: the loop feeds them back to the model so it can change strategy.
type Result struct {
	OK     bool   `json:"ok"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
	// ExitCode is set for process-backed tools.
	ExitCode *int `json:"exit_code,omitempty"`
	// Hint suggests a remediation the model can act on.
	Hint string `json:"hint,omitempty"`
}

// Ok builds a successful result.
func Ok(output string) *Result {
	return &Result{OK: true, Output: output}
}

// Fail builds a failed result.
func Fail(errText string) *Result {
	return &Result{OK: false, Error: errText}
}

// FailHint builds a failed result carrying a remediation hint.
func FailHint(errText, hint string) *Result {
	return &Result{OK: false, Error: errText, Hint: hint}
}

// Content renders the result as text for the tool-role message.
func (r *Result) Content() string {
	if r.OK {
		return r.Output
	}
	var b strings.Builder
	b.WriteString("Error: " + r.Error)
	if r.ExitCode != nil {
		fmt.Fprintf(&b, " (exit code %d)", *r.ExitCode)
	}
	if r.Hint != "" {
		b.WriteString("\nHint: " + r.Hint)
	}
	return b.String()
}

// Registry holds available tools. Lookup is safe for concurrent use;
// registration happens at startup and at MCP attach/detach time.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	// builtin records names registered before any external merge, so
	// collisions can prefer the builtin.
	builtin map[string]bool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*Tool),
		builtin: make(map[string]bool),
	}
}

// Register adds a builtin tool. Returns ErrDuplicateTool if the name is taken.
func (r *Registry) Register(t *Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
	}
	r.tools[t.Name] = t
	r.builtin[t.Name] = true
	return nil
}

// MergeExternal adds tools discovered from an external server. On a name
// collision the existing builtin wins and a warning is logged; the
// external tool is skipped, never silently overwritten.
func (r *Registry) MergeExternal(ts []*Tool, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range ts {
		if _, exists := r.tools[t.Name]; exists {
			logger.Warn("external tool collides with registered tool, keeping existing",
				"tool", t.Name,
			)
			continue
		}
		r.tools[t.Name] = t
	}
}

// RemoveExternal removes all non-builtin tools whose name has the given
// prefix. Used at server detach time.
func (r *Registry) RemoveExternal(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.tools {
		if !r.builtin[name] && strings.HasPrefix(name, prefix) {
			delete(r.tools, name)
		}
	}
}

// Lookup retrieves a tool by name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Names returns all tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns all tool declarations in provider wire shape, in
// stable name order.
func (r *Registry) Schemas() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]map[string]any, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// SafeSubset returns the tools that execute without confirmation.
func (r *Registry) SafeSubset() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*Tool
	for _, t := range r.tools {
		if !t.Confirm {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}
