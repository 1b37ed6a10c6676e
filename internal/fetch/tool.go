package fetch

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/opalsh/opal/internal/tools"
)

// RegisterTool adds the web_fetch tool to the registry.
func RegisterTool(r *tools.Registry, f *Fetcher) error {
	return r.Register(&tools.Tool{
		Name:        "web_fetch",
		Description: "Fetch a web page and return its readable text content. Use for documentation, articles, and API references.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "URL to fetch and extract content from",
				},
				"max_chars": map[string]any{
					"type":        "integer",
					"description": "Maximum characters to return (default 50000)",
				},
			},
			"required": []string{"url"},
		},
		Handler: func(ctx context.Context, args map[string]any) *tools.Result {
			url, _ := args["url"].(string)
			if url == "" {
				return tools.Fail("url is required")
			}

			maxChars := 0
			if mc, ok := args["max_chars"].(float64); ok && mc > 0 {
				maxChars = int(mc)
			}

			page, err := f.Fetch(ctx, url, maxChars)
			if err != nil {
				return tools.FailHint(err.Error(), "check the URL is reachable and well-formed")
			}
			if page.StatusCode >= http.StatusBadRequest {
				return tools.Fail(fmt.Sprintf("server returned HTTP %d for %s", page.StatusCode, page.URL))
			}
			return tools.Ok(formatPage(page))
		},
	})
}

// formatPage renders the page for the tool-role message.
func formatPage(p *Page) string {
	var b strings.Builder
	if p.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n\n", p.Title)
	}
	b.WriteString(p.Content)
	if p.Truncated {
		b.WriteString("\n\n[... content truncated, raise max_chars for more ...]")
	}
	return b.String()
}
