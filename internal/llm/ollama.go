package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opalsh/opal/internal/httpkit"
)

// OllamaClient is a client for the Ollama chat API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaClient{
		baseURL: baseURL,
		// No overall timeout: large models with tools need time, and
		// streaming responses stay open. Cancellation comes from ctx.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0)),
	}
}

// chatRequest is the wire format for the Ollama chat API.
type chatRequest struct {
	Model    string           `json:"model"`
	Messages []wireMessage    `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

// wireMessage is the Ollama message shape. Ollama has no tool_call IDs;
// correlation is positional, so IDs are stripped on the way out.
type wireMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

// chatChunk is one NDJSON object from the Ollama response stream (or the
// whole body when stream=false).
type chatChunk struct {
	Model     string      `json:"model"`
	CreatedAt time.Time   `json:"created_at"`
	Message   wireMessage `json:"message"`
	Done      bool        `json:"done"`

	PromptEvalCount int   `json:"prompt_eval_count,omitempty"`
	EvalCount       int   `json:"eval_count,omitempty"`
	TotalDuration   int64 `json:"total_duration,omitempty"`
	EvalDuration    int64 `json:"eval_duration,omitempty"`
}

// Chat sends a chat completion request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a streaming chat request to Ollama.
// If callback is non-nil, tokens are streamed to it.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	req := chatRequest{
		Model:    model,
		Messages: toWire(messages),
		Stream:   stream,
		Tools:    tools,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Kind: KindNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 1<<16)
		return nil, &ProviderError{
			Kind:       classifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", strings.TrimSpace(body)),
		}
	}

	var final chatChunk
	if !stream {
		if err := json.NewDecoder(resp.Body).Decode(&final); err != nil {
			return nil, &ProviderError{Kind: KindMalformed, Err: fmt.Errorf("decode response: %w", err)}
		}
	} else {
		var contentBuilder strings.Builder
		decoder := json.NewDecoder(resp.Body)

		for {
			var chunk chatChunk
			if err := decoder.Decode(&chunk); err != nil {
				if err == io.EOF {
					break
				}
				return nil, &ProviderError{Kind: KindMalformed, Err: fmt.Errorf("decode stream chunk: %w", err)}
			}

			if chunk.Message.Content != "" {
				contentBuilder.WriteString(chunk.Message.Content)
				callback(StreamEvent{Kind: KindToken, Token: chunk.Message.Content})
			}

			// Tool calls arrive on the final message.
			if len(chunk.Message.ToolCalls) > 0 {
				final.Message.ToolCalls = chunk.Message.ToolCalls
			}

			if chunk.Done {
				toolCalls := final.Message.ToolCalls
				final = chunk
				final.Message.Content = contentBuilder.String()
				if len(final.Message.ToolCalls) == 0 {
					final.Message.ToolCalls = toolCalls
				}
				break
			}
		}
	}

	// Some models emit tool calls as JSON in the content instead of the
	// native tool_calls field.
	if len(final.Message.ToolCalls) == 0 && final.Message.Content != "" {
		if parsed := parseTextToolCalls(final.Message.Content); len(parsed) > 0 {
			final.Message.ToolCalls = parsed
			final.Message.Content = ""
		}
	}

	out := &ChatResponse{
		Model:         final.Model,
		CreatedAt:     final.CreatedAt,
		Message:       fromWire(final.Message),
		Done:          true,
		InputTokens:   final.PromptEvalCount,
		OutputTokens:  final.EvalCount,
		TotalDuration: time.Duration(final.TotalDuration),
		EvalDuration:  time.Duration(final.EvalDuration),
	}
	if callback != nil {
		callback(StreamEvent{Kind: KindDone, Response: out})
	}
	return out, nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &ProviderError{Kind: KindNetwork, Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<16)

	if resp.StatusCode != http.StatusOK {
		return &ProviderError{
			Kind:       classifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("ping failed"),
		}
	}

	return nil
}

// ListModels returns available model names.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Kind: KindNetwork, Err: err}
	}
	defer resp.Body.Close()

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ProviderError{Kind: KindMalformed, Err: fmt.Errorf("decode response: %w", err)}
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}

func toWire(messages []Message) []wireMessage {
	out := make([]wireMessage, len(messages))
	for i, m := range messages {
		out[i] = wireMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			var w wireToolCall
			w.Function.Name = tc.Function.Name
			w.Function.Arguments = tc.Function.Arguments
			out[i].ToolCalls = append(out[i].ToolCalls, w)
		}
	}
	return out
}

func fromWire(m wireMessage) Message {
	out := Message{Role: m.Role, Content: m.Content}
	for _, w := range m.ToolCalls {
		var tc ToolCall
		tc.Function.Name = w.Function.Name
		tc.Function.Arguments = w.Function.Arguments
		out.ToolCalls = append(out.ToolCalls, tc)
	}
	return out
}

// parseTextToolCalls attempts to extract tool calls from content text.
// Handles common formats:
//   - Raw JSON object: {"name": "...", "arguments": {...}}
//   - JSON array: [{"name": "...", "arguments": {...}}]
//   - Tagged: <tool_call>...</tool_call>
func parseTextToolCalls(content string) []wireToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if strings.Contains(content, "<tool_call>") {
		start := strings.Index(content, "<tool_call>")
		end := strings.Index(content, "</tool_call>")
		if start != -1 && end > start {
			content = strings.TrimSpace(content[start+len("<tool_call>") : end])
		} else if start != -1 {
			// No closing tag, take rest of content.
			content = strings.TrimSpace(content[start+len("<tool_call>"):])
		}
	}

	var calls []struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(content), &calls); err == nil && len(calls) > 0 && calls[0].Name != "" {
		result := make([]wireToolCall, len(calls))
		for i, c := range calls {
			result[i].Function.Name = c.Name
			result[i].Function.Arguments = c.Arguments
		}
		return result
	}

	var single struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(content), &single); err == nil && single.Name != "" {
		var tc wireToolCall
		tc.Function.Name = single.Name
		tc.Function.Arguments = single.Arguments
		return []wireToolCall{tc}
	}

	return nil
}
