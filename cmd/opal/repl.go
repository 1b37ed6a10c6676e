package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/opalsh/opal/internal/agent"
	"github.com/opalsh/opal/internal/llm"
	"github.com/opalsh/opal/internal/tools"
)

// repl is the terminal front-end: it reads requests line by line, runs
// the orchestration loop, and answers tool confirmations with a y/n
// prompt on the same terminal.
type repl struct {
	loop *agent.Loop
	in   *bufio.Reader
	out  io.Writer

	// streamed tracks whether tokens were printed for the current run,
	// so the final text is not printed twice.
	streamed bool
}

func newRepl(c *components, stdin io.Reader, stdout io.Writer) *repl {
	r := &repl{
		in:  bufio.NewReader(stdin),
		out: stdout,
	}

	r.loop = agent.NewLoop(
		c.logger,
		c.client,
		c.registry,
		c.env,
		agent.Config{
			Model:         c.cfg.Models.Default,
			MaxIterations: c.cfg.Agent.MaxIterations,
			Planning:      c.cfg.Agent.Planning,
			Stream:        true,
		},
		r.confirm,
		agent.Hooks{
			OnToken: func(token string) {
				r.streamed = true
				fmt.Fprint(r.out, token)
			},
			OnToolStart: func(call llm.ToolCall) {
				fmt.Fprintf(r.out, "\n· %s\n", call.Function.Name)
			},
			OnToolResult: func(call llm.ToolCall, result *tools.Result) {
				if !result.OK {
					fmt.Fprintf(r.out, "  failed: %s\n", result.Error)
				}
			},
		},
		c.bus,
		c.recorder(),
	)
	return r
}

// cancelActive flags the in-flight run for cancellation, if any.
func (r *repl) cancelActive() {
	r.loop.Cancel()
}

// session reads one request per line until EOF or /quit.
func (r *repl) session(ctx context.Context) error {
	fmt.Fprintf(r.out, "opal (model %s) — /help for commands\n", r.loop.Model())

	for {
		if ctx.Err() != nil {
			return nil
		}
		fmt.Fprint(r.out, "> ")

		line, err := r.in.ReadString('\n')
		if err == io.EOF {
			fmt.Fprintln(r.out)
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}

		input := strings.TrimSpace(line)
		switch {
		case input == "":
			continue
		case strings.HasPrefix(input, "/"):
			if done := r.command(input); done {
				return nil
			}
		default:
			if err := r.runOnce(ctx, input); err != nil {
				fmt.Fprintf(r.out, "error: %s\n", err)
			}
		}
	}
}

// command handles slash commands. Returns true when the session should end.
func (r *repl) command(input string) bool {
	cmd, rest, _ := strings.Cut(input, " ")
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/clear":
		r.loop.ClearHistory()
		fmt.Fprintln(r.out, "conversation cleared")
	case "/model":
		if rest == "" {
			fmt.Fprintln(r.out, r.loop.Model())
		} else {
			r.loop.SetModel(strings.TrimSpace(rest))
			fmt.Fprintf(r.out, "model set to %s\n", r.loop.Model())
		}
	case "/help":
		fmt.Fprintln(r.out, "/model [name]  show or switch the completion model")
		fmt.Fprintln(r.out, "/clear         drop the conversation history")
		fmt.Fprintln(r.out, "/quit          end the session")
	default:
		fmt.Fprintf(r.out, "unknown command %s (try /help)\n", cmd)
	}
	return false
}

// runOnce executes a single request to its terminal outcome.
func (r *repl) runOnce(ctx context.Context, input string) error {
	r.streamed = false

	outcome, err := r.loop.Run(ctx, input)
	if err != nil {
		return err
	}

	if r.streamed {
		fmt.Fprintln(r.out)
	} else if outcome.Text != "" {
		fmt.Fprintln(r.out, outcome.Text)
	}
	if outcome.Kind != agent.OutcomeFinal {
		fmt.Fprintf(r.out, "[%s after %d iterations]\n", outcome.Kind, outcome.Iterations)
	}
	return nil
}

// confirm asks for approval at the terminal. Anything but an explicit
// yes declines.
func (r *repl) confirm(ctx context.Context, req agent.ConfirmRequest) (bool, error) {
	fmt.Fprintf(r.out, "\n%s\n", req.Description)
	if len(req.Args) > 0 {
		keys := make([]string, 0, len(req.Args))
		for k := range req.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(r.out, "  %s: %v\n", k, req.Args[k])
		}
	}
	fmt.Fprint(r.out, "proceed? [y/N] ")

	line, err := r.in.ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
