package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeProjectFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDetectVerifyCommand(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, dir string)
		want  string
	}{
		{
			name:  "go module",
			setup: func(t *testing.T, dir string) { writeProjectFile(t, dir, "go.mod", "module x\n") },
			want:  "go test ./...",
		},
		{
			name:  "makefile with test target",
			setup: func(t *testing.T, dir string) { writeProjectFile(t, dir, "Makefile", "build:\n\ttrue\ntest:\n\ttrue\n") },
			want:  "make test",
		},
		{
			name:  "makefile without test target",
			setup: func(t *testing.T, dir string) { writeProjectFile(t, dir, "Makefile", "build:\n\ttrue\n") },
			want:  "",
		},
		{
			name:  "node project",
			setup: func(t *testing.T, dir string) { writeProjectFile(t, dir, "package.json", "{}") },
			want:  "npm test",
		},
		{
			name:  "python project",
			setup: func(t *testing.T, dir string) { writeProjectFile(t, dir, "pyproject.toml", "[project]\n") },
			want:  "python -m pytest",
		},
		{
			name:  "unrecognized project",
			setup: func(t *testing.T, dir string) {},
			want:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			tt.setup(t, dir)
			if got := detectVerifyCommand(dir); got != tt.want {
				t.Errorf("detectVerifyCommand = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCommandForFiles(t *testing.T) {
	tests := []struct {
		name    string
		command string
		files   []string
		want    string
	}{
		{
			name:    "go test narrows to packages",
			command: "go test ./...",
			files:   []string{"pkg/a/x.go", "pkg/a/y.go", "pkg/b/z.go"},
			want:    "go test ./pkg/a ./pkg/b",
		},
		{
			name:    "root file maps to dot",
			command: "go test ./...",
			files:   []string{"main.go"},
			want:    "go test .",
		},
		{
			name:    "no files leaves command alone",
			command: "go test ./...",
			want:    "go test ./...",
		},
		{
			name:    "other runners are not narrowed",
			command: "make test",
			files:   []string{"pkg/a/x.go"},
			want:    "make test",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := commandForFiles(tt.command, tt.files); got != tt.want {
				t.Errorf("commandForFiles = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestVerifyRunSuccess(t *testing.T) {
	v := NewVerifier(VerifierConfig{Root: t.TempDir(), Command: "echo all green"})
	res := v.Run(context.Background(), nil)
	if !res.OK {
		t.Fatalf("Run: %+v", res)
	}
	if !strings.Contains(res.Output, "all green") || !strings.Contains(res.Output, "Exit code: 0") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestVerifyRunFailure(t *testing.T) {
	v := NewVerifier(VerifierConfig{Root: t.TempDir(), Command: "echo boom >&2; exit 2"})
	res := v.Run(context.Background(), nil)
	if res.OK {
		t.Fatalf("Run should fail: %+v", res)
	}
	if res.ExitCode == nil || *res.ExitCode != 2 {
		t.Errorf("ExitCode = %v, want 2", res.ExitCode)
	}
	if !strings.Contains(res.Output, "boom") {
		t.Errorf("output = %q", res.Output)
	}
	if res.Hint == "" {
		t.Error("failed verification should carry a remediation hint")
	}
}

func TestVerifyRunTimeout(t *testing.T) {
	v := NewVerifier(VerifierConfig{Root: t.TempDir(), Command: "sleep 5", Timeout: 100 * time.Millisecond})
	res := v.Run(context.Background(), nil)
	if res.OK {
		t.Fatalf("Run should time out: %+v", res)
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestRegisterVerifyToolDisabled(t *testing.T) {
	r := NewRegistry()
	v := NewVerifier(VerifierConfig{Root: t.TempDir()})
	if err := RegisterVerifyTool(r, v); err != nil {
		t.Fatalf("RegisterVerifyTool: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("tools registered = %d, want 0", r.Len())
	}
}

func TestRegisterVerifyToolHandler(t *testing.T) {
	r := NewRegistry()
	v := NewVerifier(VerifierConfig{Root: t.TempDir(), Command: "echo ok"})
	if err := RegisterVerifyTool(r, v); err != nil {
		t.Fatalf("RegisterVerifyTool: %v", err)
	}
	tool, ok := r.Lookup("verify_change")
	if !ok {
		t.Fatal("verify_change not registered")
	}
	if tool.Confirm {
		t.Error("verify_change must not require confirmation")
	}
	res := tool.Handler(context.Background(), map[string]any{"files": []any{"a.go", 7}})
	if !res.OK {
		t.Fatalf("handler: %+v", res)
	}
}
