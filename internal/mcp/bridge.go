package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/opalsh/opal/internal/tools"
)

var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// bridgeTools discovers a server's tools and merges them into the
// registry as "mcp_{server}_{tool}". Include/exclude filters apply to
// the remote MCP names:
//   - non-empty include: only listed tools are bridged
//   - otherwise non-empty exclude: listed tools are skipped
//
// Name collisions with already-registered tools are resolved in favor
// of the existing tool by the registry. Returns the bridged count.
func bridgeTools(ctx context.Context, client *Client, serverName string, registry *tools.Registry, include, exclude []string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	defs, err := client.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tools from %s: %w", serverName, err)
	}

	includeSet := toSet(include)
	excludeSet := toSet(exclude)

	var bridged []*tools.Tool
	for _, td := range defs {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				continue
			}
		} else if excludeSet[td.Name] {
			continue
		}

		name := ToolName(serverName, td.Name)
		bridged = append(bridged, proxyTool(client, name, td))

		logger.Debug("bridged MCP tool",
			"mcp_name", td.Name,
			"registered_name", name,
			"server", serverName,
		)
	}

	registry.MergeExternal(bridged, logger)
	return len(bridged), nil
}

// ToolName builds the namespaced registry name for an MCP tool. Both
// components are sanitized to lowercase alphanumerics and underscores.
func ToolName(serverName, mcpToolName string) string {
	return fmt.Sprintf("mcp_%s_%s", sanitize(serverName), sanitize(mcpToolName))
}

// ToolPrefix is the registry name prefix for all tools of one server.
func ToolPrefix(serverName string) string {
	return fmt.Sprintf("mcp_%s_", sanitize(serverName))
}

// proxyTool wraps a remote tool behind the local Tool interface. Remote
// failures surface as failed Results so the agent loop can feed them
// back to the model instead of aborting the run.
func proxyTool(client *Client, name string, td ToolDefinition) *tools.Tool {
	mcpName := td.Name
	schema := td.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}

	return &tools.Tool{
		Name:        name,
		Description: td.Description,
		Parameters:  schema,
		Handler: func(ctx context.Context, args map[string]any) *tools.Result {
			out, err := client.CallTool(ctx, mcpName, args)
			if err != nil {
				return tools.Fail(err.Error())
			}
			return tools.Ok(out)
		},
	}
}

// sanitize lowercases a name and squeezes everything outside
// [a-z0-9_] to single underscores.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "-", "_")
	s = sanitizeRe.ReplaceAllString(s, "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
