package tools

import (
	"context"
	"fmt"
	"strings"
)

// RegisterFileTools registers the workspace file tools on the registry.
// No-op when the workspace is not configured.
func RegisterFileTools(r *Registry, ft *FileTools) error {
	if !ft.Enabled() {
		return nil
	}

	builtins := []*Tool{
		{
			Name:        "read_file",
			Description: "Read the contents of a file in the workspace. Supports reading a line range with offset/limit.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "File path relative to the workspace root",
					},
					"offset": map[string]any{
						"type":        "integer",
						"description": "1-indexed first line to read (optional)",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum number of lines to read (optional)",
					},
				},
				"required": []string{"path"},
			},
			Handler: func(ctx context.Context, args map[string]any) *Result {
				path, _ := args["path"].(string)
				if path == "" {
					return Fail("path is required")
				}
				offset, limit := intArg(args, "offset"), intArg(args, "limit")
				content, err := ft.Read(ctx, path, offset, limit)
				if err != nil {
					return Fail(err.Error())
				}
				return Ok(content)
			},
		},
		{
			Name:        "write_file",
			Description: "Write content to a file in the workspace, creating parent directories as needed. Overwrites existing content.",
			Confirm:     true,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "File path relative to the workspace root",
					},
					"content": map[string]any{
						"type":        "string",
						"description": "Full file content to write",
					},
				},
				"required": []string{"path", "content"},
			},
			Handler: func(ctx context.Context, args map[string]any) *Result {
				path, _ := args["path"].(string)
				content, _ := args["content"].(string)
				if path == "" {
					return Fail("path is required")
				}
				if err := ft.Write(ctx, path, content); err != nil {
					return Fail(err.Error())
				}
				return Ok(fmt.Sprintf("Wrote %d bytes to %s", len(content), path))
			},
		},
		{
			Name:        "edit_file",
			Description: "Replace text in a file. The old text must appear exactly once; include enough surrounding context to make it unique.",
			Confirm:     true,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "File path relative to the workspace root",
					},
					"old_text": map[string]any{
						"type":        "string",
						"description": "Exact text to replace (must be unique in the file)",
					},
					"new_text": map[string]any{
						"type":        "string",
						"description": "Replacement text",
					},
				},
				"required": []string{"path", "old_text", "new_text"},
			},
			Handler: func(ctx context.Context, args map[string]any) *Result {
				path, _ := args["path"].(string)
				oldText, _ := args["old_text"].(string)
				newText, _ := args["new_text"].(string)
				if path == "" || oldText == "" {
					return Fail("path and old_text are required")
				}
				if err := ft.Edit(ctx, path, oldText, newText); err != nil {
					return FailHint(err.Error(), "read the file first and copy the exact text to replace")
				}
				return Ok(fmt.Sprintf("Edited %s", path))
			},
		},
		{
			Name:        "list_directory",
			Description: "List the entries of a workspace directory. Directories carry a trailing slash.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Directory path relative to the workspace root (default: workspace root)",
					},
				},
			},
			Handler: func(ctx context.Context, args map[string]any) *Result {
				path, _ := args["path"].(string)
				if path == "" {
					path = "."
				}
				entries, err := ft.List(ctx, path)
				if err != nil {
					return Fail(err.Error())
				}
				if len(entries) == 0 {
					return Ok("(empty directory)")
				}
				return Ok(strings.Join(entries, "\n"))
			},
		},
		{
			Name:        "search_text",
			Description: "Search workspace files for lines containing a query string (case-insensitive). Returns file:line matches.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Text to search for",
					},
					"path": map[string]any{
						"type":        "string",
						"description": "Subdirectory to search under (default: workspace root)",
					},
				},
				"required": []string{"query"},
			},
			Handler: func(ctx context.Context, args map[string]any) *Result {
				query, _ := args["query"].(string)
				if query == "" {
					return Fail("query is required")
				}
				subdir, _ := args["path"].(string)
				if subdir == "" {
					subdir = "."
				}
				matches, err := ft.SearchText(ctx, query, subdir)
				if err != nil {
					return Fail(err.Error())
				}
				return Ok(FormatMatches(query, matches))
			},
		},
		{
			Name:        "project_context",
			Description: "Summarize the workspace: top-level layout, build files, version control. Use this to orient before exploring.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			Handler: func(ctx context.Context, args map[string]any) *Result {
				summary, err := ft.ProjectContext(ctx)
				if err != nil {
					return Fail(err.Error())
				}
				return Ok(summary)
			},
		},
	}

	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// RegisterShellTool registers the run_shell tool. No-op when shell
// execution is disabled.
func RegisterShellTool(r *Registry, sh *ShellExec) error {
	if !sh.Enabled() {
		return nil
	}

	return r.Register(&Tool{
		Name:        "run_shell",
		Description: "Execute a shell command and return stdout, stderr, and the exit code. Commands run with a timeout.",
		Confirm:     true,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "Shell command to execute",
				},
				"timeout_sec": map[string]any{
					"type":        "integer",
					"description": "Timeout in seconds (optional, capped at 300)",
				},
			},
			"required": []string{"command"},
		},
		Handler: func(ctx context.Context, args map[string]any) *Result {
			command, _ := args["command"].(string)
			if command == "" {
				return Fail("command is required")
			}

			res, err := sh.Exec(ctx, command, intArg(args, "timeout_sec"))
			if err != nil {
				// Policy violation or disabled executor.
				return Fail(err.Error())
			}
			return shellResult(res)
		},
	})
}

// shellResult converts an ExecResult into a tool Result, attaching a
// remediation hint where the failure mode is recognizable.
func shellResult(res *ExecResult) *Result {
	output := res.Stdout
	if res.Stderr != "" {
		if output != "" {
			output += "\n"
		}
		output += "stderr: " + res.Stderr
	}

	if res.TimedOut {
		exitCode := res.ExitCode
		return &Result{
			OK:       false,
			Output:   output,
			Error:    "command timed out",
			ExitCode: &exitCode,
			Hint:     "re-run with a longer timeout_sec, or split the command into smaller steps",
		}
	}

	if res.ExitCode == 0 && res.Error == "" {
		if output == "" {
			output = "(no output)"
		}
		return Ok(output)
	}

	exitCode := res.ExitCode
	errText := res.Error
	if errText == "" {
		errText = fmt.Sprintf("command failed with exit code %d", res.ExitCode)
	}

	r := &Result{
		OK:       false,
		Output:   output,
		Error:    errText,
		ExitCode: &exitCode,
	}

	stderrLower := strings.ToLower(res.Stderr)
	switch {
	case res.ExitCode == 127 || strings.Contains(stderrLower, "command not found") ||
		strings.Contains(stderrLower, "no such file or directory") && strings.Contains(stderrLower, "exec"):
		r.Hint = "the executable was not found on PATH; check the command name or install the tool first"
	case res.ExitCode == 126:
		r.Hint = "the file exists but is not executable; check permissions"
	case strings.Contains(stderrLower, "permission denied"):
		r.Hint = "permission denied; try a path inside the workspace"
	}

	return r
}

// intArg extracts an integer argument. JSON numbers decode as float64.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
