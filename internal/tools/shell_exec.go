package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ShellExec runs model-proposed commands under an operator policy:
// an on/off switch, a denylist of substring patterns, an optional
// prefix allowlist, and a per-command timeout.
type ShellExec struct {
	enabled        bool
	workingDir     string
	allowedCmds    []string
	deniedCmds     []string
	defaultTimeout time.Duration
	maxOutputBytes int
}

// ShellExecConfig configures the shell executor.
type ShellExecConfig struct {
	Enabled    bool
	WorkingDir string
	// AllowedCmds restricts commands to these prefixes; empty allows any
	// command the denylist does not match.
	AllowedCmds []string
	// DeniedCmds are substring patterns that block a command outright.
	DeniedCmds     []string
	DefaultTimeout time.Duration
	MaxOutputBytes int
}

// DefaultShellExecConfig returns the baseline policy: execution off,
// and a denylist of the classic foot-guns should an operator turn it on
// without writing their own.
func DefaultShellExecConfig() ShellExecConfig {
	return ShellExecConfig{
		Enabled: false,
		DeniedCmds: []string{
			"rm -rf /",
			"rm -rf /*",
			"mkfs",
			"dd if=",
			"> /dev/sd",
			"chmod -R 777 /",
			":(){ :|:& };:",
		},
		DefaultTimeout: 30 * time.Second,
		MaxOutputBytes: 100 * 1024,
	}
}

// NewShellExec creates a shell executor with the given policy.
func NewShellExec(cfg ShellExecConfig) *ShellExec {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = 100 * 1024
	}
	return &ShellExec{
		enabled:        cfg.Enabled,
		workingDir:     cfg.WorkingDir,
		allowedCmds:    cfg.AllowedCmds,
		deniedCmds:     cfg.DeniedCmds,
		defaultTimeout: cfg.DefaultTimeout,
		maxOutputBytes: cfg.MaxOutputBytes,
	}
}

// Enabled reports whether shell execution is available.
func (s *ShellExec) Enabled() bool {
	return s.enabled
}

// checkPolicy validates a command against the denylist and allowlist.
// The denylist match is case-insensitive; prefixes are exact.
func (s *ShellExec) checkPolicy(command string) error {
	lowered := strings.ToLower(command)
	for _, denied := range s.deniedCmds {
		if strings.Contains(lowered, strings.ToLower(denied)) {
			return fmt.Errorf("command blocked by security policy: matches denied pattern %q", denied)
		}
	}
	if len(s.allowedCmds) == 0 {
		return nil
	}
	for _, prefix := range s.allowedCmds {
		if strings.HasPrefix(command, prefix) {
			return nil
		}
	}
	return fmt.Errorf("command not in allowlist")
}

// ExecResult is the outcome of one command execution.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	TimedOut bool   `json:"timedOut,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Exec runs one command through `sh -c`. Policy violations return an
// error; a command that ran and failed returns a result carrying the
// exit code, which the caller feeds back to the model as data.
func (s *ShellExec) Exec(ctx context.Context, command string, timeoutSec int) (*ExecResult, error) {
	if !s.enabled {
		return nil, fmt.Errorf("shell execution is disabled")
	}
	if err := s.checkPolicy(command); err != nil {
		return nil, err
	}

	timeout := s.defaultTimeout
	if timeoutSec > 0 {
		timeout = time.Duration(timeoutSec) * time.Second
	}
	// Hard ceiling: a single tool call must never stall the loop longer.
	if timeout > 5*time.Minute {
		timeout = 5 * time.Minute
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if s.workingDir != "" {
		cmd.Dir = s.workingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := &ExecResult{
		Stdout: truncateOutput(stdout.String(), s.maxOutputBytes),
		Stderr: truncateOutput(stderr.String(), s.maxOutputBytes),
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.Error = "command timed out"
		result.ExitCode = -1
		return result, nil
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.Error = err.Error()
			result.ExitCode = -1
		}
	}

	return result, nil
}

// truncateOutput caps output at maxBytes and marks the cut.
func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n\n[... output truncated ...]"
}
