package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// StdioConfig configures a transport that talks to an MCP server
// subprocess over newline-delimited JSON-RPC on stdin/stdout.
type StdioConfig struct {
	Command string
	Args    []string
	// Env entries ("KEY=VALUE") are appended to the parent environment.
	Env    []string
	Logger *slog.Logger
}

// StdioTransport runs an MCP server as a child process. Stdio is
// inherently sequential, so a mutex serializes all traffic.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
}

// NewStdioTransport creates a stdio transport. The subprocess launches
// lazily on the first Send or Notify.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{config: cfg, logger: logger}
}

// launch starts the subprocess if needed. The process outlives any
// single call context; only Close or a transport failure terminates it.
// Caller must hold t.mu.
func (t *StdioTransport) launch() error {
	if t.cmd != nil && t.cmd.ProcessState == nil {
		return nil
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderr.Close()
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.reader = bufio.NewReaderSize(stdout, 1<<20)

	// Stderr is diagnostics, not protocol.
	go t.drainStderr(stderr)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

type lineRead struct {
	data []byte
	err  error
}

// Send writes the request to stdin and scans stdout for the response
// with the matching ID. The read happens in a goroutine so context
// cancellation can interrupt a blocked read; on cancellation the
// subprocess is killed to unblock it.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.launch(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.teardown()
		return nil, fmt.Errorf("write to subprocess stdin: %w", err)
	}

	// The server may interleave notifications before the response, so
	// loop until the ID matches.
	for {
		ch := make(chan lineRead, 1)
		go func() {
			line, readErr := t.reader.ReadBytes('\n')
			ch <- lineRead{data: line, err: readErr}
		}()

		select {
		case <-ctx.Done():
			t.teardown()
			return nil, ctx.Err()
		case got := <-ch:
			if got.err != nil {
				t.teardown()
				return nil, fmt.Errorf("read from subprocess stdout: %w", got.err)
			}

			var resp Response
			if err := json.Unmarshal(got.data, &resp); err != nil {
				t.logger.Debug("skipping non-JSON line from MCP subprocess",
					"line", string(got.data),
				)
				continue
			}
			if resp.ID == req.ID {
				return &resp, nil
			}
			t.logger.Debug("skipping unmatched MCP message", "id", resp.ID)
		}
	}
}

// Notify writes a notification to stdin without waiting for anything.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.launch(); err != nil {
		return err
	}

	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.teardown()
		return fmt.Errorf("write notification to subprocess stdin: %w", err)
	}
	return nil
}

// Close terminates the subprocess.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}

	t.logger.Info("stopping MCP subprocess", "pid", t.cmd.Process.Pid)

	// Closing stdin asks the server to exit; escalate to Kill if it
	// doesn't within the grace period.
	if t.stdin != nil {
		t.stdin.Close()
	}

	done := make(chan error, 1)
	go func() { done <- t.cmd.Wait() }()

	select {
	case err := <-done:
		t.cmd = nil
		return err
	case <-time.After(5 * time.Second):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", t.cmd.Process.Pid,
		)
		_ = t.cmd.Process.Kill()
		<-done
		t.cmd = nil
		return nil
	}
}

// teardown kills the subprocess after a transport failure so the next
// call starts fresh. Caller must hold t.mu.
func (t *StdioTransport) teardown() {
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
		_ = t.cmd.Wait()
	}
	t.cmd = nil
	t.stdin = nil
	t.reader = nil
}
