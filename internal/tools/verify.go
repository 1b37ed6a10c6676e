package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Verifier runs the project's test command so the model can check its
// own changes instead of declaring victory blind.
type Verifier struct {
	root    string
	command string
	timeout time.Duration
}

// VerifierConfig configures the verifier.
type VerifierConfig struct {
	// Root is the directory the command runs in.
	Root string
	// Command overrides auto-detection. Empty means detect from the
	// project's build files; if nothing is detected the tool is disabled.
	Command string
	// Timeout bounds one verification run (default 5 minutes).
	Timeout time.Duration
}

// NewVerifier creates a verifier, auto-detecting the test command when
// none is configured.
func NewVerifier(cfg VerifierConfig) *Verifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	command := cfg.Command
	if command == "" {
		command = detectVerifyCommand(cfg.Root)
	}
	return &Verifier{root: cfg.Root, command: command, timeout: cfg.Timeout}
}

// Enabled reports whether a verification command is available.
func (v *Verifier) Enabled() bool {
	return v.command != ""
}

// Command returns the resolved verification command.
func (v *Verifier) Command() string {
	return v.command
}

var makefileTestTarget = regexp.MustCompile(`(?m)^test\s*:`)

// detectVerifyCommand picks a test runner from the project's build
// files. First match wins; an unrecognized project yields no command.
func detectVerifyCommand(root string) string {
	if root == "" {
		return ""
	}
	if _, err := os.Stat(filepath.Join(root, "go.mod")); err == nil {
		return "go test ./..."
	}
	if data, err := os.ReadFile(filepath.Join(root, "Makefile")); err == nil {
		if makefileTestTarget.Match(data) {
			return "make test"
		}
	}
	if _, err := os.Stat(filepath.Join(root, "package.json")); err == nil {
		return "npm test"
	}
	if _, err := os.Stat(filepath.Join(root, "pyproject.toml")); err == nil {
		return "python -m pytest"
	}
	return ""
}

// commandForFiles narrows a whole-tree "go test ./..." to the packages
// containing the given files. Other commands run unchanged: mapping
// arbitrary files onto arbitrary runners is guesswork.
func commandForFiles(command string, files []string) string {
	if len(files) == 0 || !strings.HasSuffix(command, "./...") {
		return command
	}
	seen := make(map[string]bool)
	var pkgs []string
	for _, f := range files {
		dir := filepath.Dir(f)
		pkg := "./" + filepath.ToSlash(dir)
		if dir == "." {
			pkg = "."
		}
		if !seen[pkg] {
			seen[pkg] = true
			pkgs = append(pkgs, pkg)
		}
	}
	return strings.TrimSuffix(command, "./...") + strings.Join(pkgs, " ")
}

// Run executes the verification command and reports pass/fail as a
// tool result. files optionally narrows the run.
func (v *Verifier) Run(ctx context.Context, files []string) *Result {
	if !v.Enabled() {
		return Fail("no verification command configured or detected")
	}
	command := commandForFiles(v.command, files)

	tctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	cmd := exec.CommandContext(tctx, "sh", "-c", command)
	cmd.Dir = v.root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if tctx.Err() == context.DeadlineExceeded {
		return FailHint(
			fmt.Sprintf("verification timed out after %s", v.timeout),
			"the test run exceeded its time budget; narrow the run with the files argument or raise the verify timeout",
		)
	}

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return Fail(fmt.Sprintf("verification could not run: %v", err))
		}
		code = exitErr.ExitCode()
	}

	output := fmt.Sprintf("Command: %s\nExit code: %d\n\nStdout:\n%s\nStderr:\n%s",
		command, code,
		truncateOutput(stdout.String(), 50*1024),
		truncateOutput(stderr.String(), 50*1024),
	)

	if err == nil {
		return Ok(output)
	}
	return &Result{
		OK:       false,
		Output:   output,
		Error:    fmt.Sprintf("verification failed (exit %d)", code),
		ExitCode: &code,
		Hint:     "tests failed; read the output, fix the code, then run verify_change again",
	}
}

// RegisterVerifyTool registers verify_change. No-op when no
// verification command is available.
func RegisterVerifyTool(r *Registry, v *Verifier) error {
	if !v.Enabled() {
		return nil
	}
	return r.Register(&Tool{
		Name: "verify_change",
		Description: "Run the project's tests to verify changes. Use this after modifying code " +
			"to ensure nothing broke. Returns the test output (pass/fail).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"files": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Changed files to narrow the test run to (optional)",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) *Result {
			var files []string
			if raw, ok := args["files"].([]any); ok {
				for _, item := range raw {
					if s, ok := item.(string); ok && s != "" {
						files = append(files, s)
					}
				}
			}
			return v.Run(ctx, files)
		},
	})
}
