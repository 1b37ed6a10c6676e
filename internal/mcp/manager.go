package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opalsh/opal/internal/config"
	"github.com/opalsh/opal/internal/tools"
)

// ConnState is the lifecycle state of one server connection.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateFailed       ConnState = "failed"
)

// defaultConnectTimeout bounds the handshake when the server config
// doesn't set one.
const defaultConnectTimeout = 15 * time.Second

// connection tracks one configured server.
type connection struct {
	cfg       config.MCPServerConfig
	client    *Client
	state     ConnState
	lastErr   error
	toolCount int
}

// ConnStatus is a snapshot of one connection for callers.
type ConnStatus struct {
	Name      string
	Transport string
	State     ConnState
	Err       string
	ToolCount int
}

// Manager owns the MCP connections for a session: it connects each
// configured server, bridges discovered tools into the registry, and
// tears everything down on shutdown. A server that fails to connect is
// marked failed and excluded; it never takes the session down.
type Manager struct {
	registry *tools.Registry
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[string]*connection
}

// NewManager creates a manager for the given server configs.
func NewManager(servers []config.MCPServerConfig, registry *tools.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	conns := make(map[string]*connection, len(servers))
	for _, s := range servers {
		conns[s.Name] = &connection{cfg: s, state: StateDisconnected}
	}
	return &Manager{
		registry: registry,
		logger:   logger.With("component", "mcp"),
		conns:    conns,
	}
}

// ConnectAll attempts to connect every configured server, bounded per
// server by its connect timeout. Failures are logged and recorded, not
// returned: a missing tool server degrades the session, it doesn't
// abort it. Returns the number of servers that connected.
func (m *Manager) ConnectAll(ctx context.Context) int {
	m.mu.Lock()
	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)

	connected := 0
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		if err := m.connect(ctx, name); err != nil {
			m.logger.Warn("MCP server unavailable, continuing without it",
				"server", name,
				"error", err,
			)
			continue
		}
		connected++
	}
	return connected
}

// connect dials one server, runs the handshake, and bridges its tools.
func (m *Manager) connect(ctx context.Context, name string) error {
	m.mu.Lock()
	conn, ok := m.conns[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown MCP server: %s", name)
	}
	if conn.state == StateConnected || conn.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	conn.state = StateConnecting
	cfg := conn.cfg
	m.mu.Unlock()

	timeout := defaultConnectTimeout
	if cfg.ConnectTimeoutSec > 0 {
		timeout = time.Duration(cfg.ConnectTimeoutSec) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	transport, err := m.buildTransport(cfg)
	if err != nil {
		m.markFailed(name, err)
		return err
	}

	client := NewClient(name, transport, m.logger)
	if err := client.Initialize(ctx); err != nil {
		client.Close()
		m.markFailed(name, err)
		return err
	}

	count, err := bridgeTools(ctx, client, name, m.registry, cfg.IncludeTools, cfg.ExcludeTools, m.logger)
	if err != nil {
		client.Close()
		m.markFailed(name, err)
		return err
	}

	m.mu.Lock()
	conn.client = client
	conn.state = StateConnected
	conn.lastErr = nil
	conn.toolCount = count
	m.mu.Unlock()

	m.logger.Info("MCP server connected", "server", name, "tools", count)
	return nil
}

func (m *Manager) buildTransport(cfg config.MCPServerConfig) (Transport, error) {
	switch cfg.Transport {
	case "stdio":
		return NewStdioTransport(StdioConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     cfg.Env,
			Logger:  m.logger,
		}), nil
	case "http":
		return NewHTTPTransport(HTTPConfig{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Logger:  m.logger,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported MCP transport: %q", cfg.Transport)
	}
}

func (m *Manager) markFailed(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.conns[name]; ok {
		conn.state = StateFailed
		conn.lastErr = err
		conn.client = nil
		conn.toolCount = 0
	}
}

// Client returns the connected client for a server, if any.
func (m *Manager) Client(name string) (*Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[name]
	if !ok || conn.state != StateConnected {
		return nil, false
	}
	return conn.client, true
}

// Status reports a snapshot of every configured connection, sorted by
// server name.
func (m *Manager) Status() []ConnStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ConnStatus, 0, len(m.conns))
	for name, conn := range m.conns {
		st := ConnStatus{
			Name:      name,
			Transport: conn.cfg.Transport,
			State:     conn.state,
			ToolCount: conn.toolCount,
		}
		if conn.lastErr != nil {
			st.Err = conn.lastErr.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DisconnectAll closes every connection and removes bridged tools from
// the registry. Safe to call more than once and safe to call while a
// connect is still in flight; already-disconnected servers are skipped.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, conn := range m.conns {
		if conn.client != nil {
			if err := conn.client.Close(); err != nil {
				m.logger.Warn("error closing MCP client", "server", name, "error", err)
			}
			conn.client = nil
		}
		if conn.state == StateConnected {
			m.registry.RemoveExternal(ToolPrefix(name))
		}
		conn.state = StateDisconnected
		conn.toolCount = 0
	}
}
