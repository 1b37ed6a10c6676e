package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/opalsh/opal/internal/httpkit"
)

// HTTPConfig configures a transport that talks to a remote MCP server
// over streamable HTTP: each JSON-RPC message is an HTTP POST.
type HTTPConfig struct {
	URL string
	// Headers are sent with every request (e.g. Authorization).
	Headers map[string]string
	Logger  *slog.Logger
}

// HTTPTransport sends JSON-RPC messages as HTTP POST bodies and tracks
// the server-assigned session for affinity.
type HTTPTransport struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPTransport creates an HTTP transport for the given config.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		url:        cfg.URL,
		headers:    cfg.Headers,
		httpClient: httpkit.NewClient(httpkit.WithLogger(logger)),
		logger:     logger,
	}
}

// Send posts the request and decodes the JSON-RPC response body.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	httpResp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if sid := httpResp.Header.Get("Mcp-Session"); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	if httpResp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return nil, fmt.Errorf("MCP server returned %d: %s", httpResp.StatusCode, errBody)
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// Notify posts a notification. 200 and 202 both count as accepted.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	httpResp, err := t.post(ctx, notif)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return fmt.Errorf("MCP server returned %d for notification: %s", httpResp.StatusCode, errBody)
	}
	return nil
}

// post marshals the message and issues the POST with configured
// headers and the current session ID.
func (t *HTTPTransport) post(ctx context.Context, msg any) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	t.mu.RLock()
	if t.sessionID != "" {
		httpReq.Header.Set("Mcp-Session", t.sessionID)
	}
	t.mu.RUnlock()

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to %s: %w", t.url, err)
	}
	return httpResp, nil
}

// Close is a no-op; the shared HTTP client manages its own pool.
func (t *HTTPTransport) Close() error {
	return nil
}
