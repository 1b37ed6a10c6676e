// Opal is a local coding agent.
//
// It drives a tool-calling completion loop against an Ollama-hosted
// model, with workspace file tools, guarded shell execution, web fetch,
// and tools bridged from external MCP servers. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	opal serve               Serve the RPC protocol over stdio (or TCP)
//	opal repl                Interactive session in the terminal
//	opal ask <request>       Run a single request and print the result
//	opal version             Print version and build information
//	opal -o json version     Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opalsh/opal/internal/agent"
	"github.com/opalsh/opal/internal/buildinfo"
	"github.com/opalsh/opal/internal/config"
	"github.com/opalsh/opal/internal/events"
	"github.com/opalsh/opal/internal/fetch"
	"github.com/opalsh/opal/internal/llm"
	"github.com/opalsh/opal/internal/mcp"
	"github.com/opalsh/opal/internal/rpc"
	"github.com/opalsh/opal/internal/tools"
	"github.com/opalsh/opal/internal/transcript"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the full
// startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the opal command. All OS-level
// dependencies are injected as parameters: ctx controls the process
// lifetime, stdin/stdout carry the RPC channel or REPL conversation,
// stderr receives structured logs, and args is os.Args[1:].
func run(ctx context.Context, stdin io.Reader, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests. Our argument surface is small enough that
	// manual parsing is clearer than bringing in a CLI framework.
	var configPath string
	var listenAddr string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-listen" && i+1 < len(args):
			listenAddr = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-listen="):
			listenAddr = strings.TrimPrefix(args[i], "-listen=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdin, stdout, stderr, configPath, listenAddr)
	case "repl":
		return runRepl(ctx, stdin, stdout, stderr, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: opal ask <request>")
		}
		return runAsk(ctx, stdin, stdout, stderr, configPath, strings.Join(cmdArgs, " "))
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Opal - Local Coding Agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: opal [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Serve the RPC protocol over stdio (or TCP with -listen)")
	fmt.Fprintln(w, "  repl         Interactive session in the terminal")
	fmt.Fprintln(w, "  ask          Run a single request and print the result")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -listen <addr>    TCP bind address for serve (default: stdio)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./opal.yaml, ~/.config/opal/opal.yaml, /etc/opal/opal.yaml")
	return nil
}

// components is everything a session needs, built once per process and
// shared across sessions. Conversation state lives in the per-session
// loop, not here.
type components struct {
	cfg      *config.Config
	logger   *slog.Logger
	client   llm.Client
	registry *tools.Registry
	env      agent.Environment
	bus      *events.Bus
	manager  *mcp.Manager
	store    *transcript.Store
}

// buildComponents loads config and assembles the shared dependency set:
// provider client, tool registry with builtins and MCP bridges, event
// bus, and the optional transcript store. The returned close function
// disconnects MCP servers and closes the store.
func buildComponents(ctx context.Context, stderr io.Writer, configPath string) (*components, func(), error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	// Logs always go to stderr: in serve mode stdout is the RPC channel.
	logger := newLogger(stderr, level)
	logger.Info("starting", "version", buildinfo.Version, "config", cfgPath, "model", cfg.Models.Default)

	client := llm.NewOllamaClient(cfg.Models.OllamaURL)
	if err := client.Ping(ctx); err != nil {
		logger.Warn("completion provider unreachable, continuing anyway", "url", cfg.Models.OllamaURL, "error", err)
	}

	registry := tools.NewRegistry()

	ft := tools.NewFileTools(cfg.Workspace.Path)
	if err := tools.RegisterFileTools(registry, ft); err != nil {
		return nil, nil, fmt.Errorf("register file tools: %w", err)
	}
	if !ft.Enabled() {
		logger.Warn("workspace not configured, file tools disabled")
	}

	shellCfg := tools.DefaultShellExecConfig()
	shellCfg.Enabled = cfg.ShellExec.Enabled
	shellCfg.WorkingDir = cfg.ShellExec.WorkingDir
	shellCfg.AllowedCmds = cfg.ShellExec.AllowedPrefixes
	shellCfg.DefaultTimeout = time.Duration(cfg.ShellExec.DefaultTimeoutSec) * time.Second
	if len(cfg.ShellExec.DeniedPatterns) > 0 {
		shellCfg.DeniedCmds = append(shellCfg.DeniedCmds, cfg.ShellExec.DeniedPatterns...)
	}
	sh := tools.NewShellExec(shellCfg)
	if sh.Enabled() {
		if err := tools.RegisterShellTool(registry, sh); err != nil {
			return nil, nil, fmt.Errorf("register shell tool: %w", err)
		}
	}

	if err := fetch.RegisterTool(registry, fetch.New()); err != nil {
		return nil, nil, fmt.Errorf("register fetch tool: %w", err)
	}

	verifyRoot := cfg.Workspace.Path
	if verifyRoot == "" {
		verifyRoot = cfg.ShellExec.WorkingDir
	}
	verifier := tools.NewVerifier(tools.VerifierConfig{
		Root:    verifyRoot,
		Command: cfg.Verify.Command,
		Timeout: time.Duration(cfg.Verify.TimeoutSec) * time.Second,
	})
	if err := tools.RegisterVerifyTool(registry, verifier); err != nil {
		return nil, nil, fmt.Errorf("register verify tool: %w", err)
	}
	if verifier.Enabled() {
		logger.Info("verification command resolved", "command", verifier.Command())
	} else {
		logger.Info("no verification command configured or detected, verify_change disabled")
	}

	bus := events.New()
	// Lifecycle events mirrored into the debug log for the process lifetime.
	eventCh := bus.Subscribe(64)
	go func() {
		for ev := range eventCh {
			logger.Debug("event", "source", ev.Source, "kind", ev.Kind)
		}
	}()

	manager := mcp.NewManager(cfg.MCPServers, registry, logger)
	if len(cfg.MCPServers) > 0 {
		connected := manager.ConnectAll(ctx)
		logger.Info("MCP servers connected", "connected", connected, "configured", len(cfg.MCPServers))
		for _, st := range manager.Status() {
			kind := events.KindServerConnected
			data := map[string]any{"server": st.Name, "tools": st.ToolCount}
			if st.State != mcp.StateConnected {
				kind = events.KindServerFailed
				data["error"] = st.Err
			}
			bus.Publish(events.Event{Source: events.SourceMCP, Kind: kind, Data: data})
		}
	}

	var store *transcript.Store
	if cfg.Transcript.Path != "" {
		store, err = transcript.NewStore(cfg.Transcript.Path)
		if err != nil {
			manager.DisconnectAll()
			return nil, nil, fmt.Errorf("open transcript store: %w", err)
		}
		logger.Info("transcript store opened", "path", cfg.Transcript.Path)
	}

	c := &components{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		registry: registry,
		env:      agent.DetectEnvironment(),
		bus:      bus,
		manager:  manager,
		store:    store,
	}
	closeAll := func() {
		manager.DisconnectAll()
		if store != nil {
			if err := store.Close(); err != nil {
				logger.Warn("close transcript store", "error", err)
			}
		}
	}
	return c, closeAll, nil
}

// recorder returns the transcript store as an agent.Recorder, or nil
// when transcripts are disabled. The indirection avoids handing the
// loop a non-nil interface wrapping a nil pointer.
func (c *components) recorder() agent.Recorder {
	if c.store == nil {
		return nil
	}
	return c.store
}

// rpcDeps assembles the per-session server dependencies.
func (c *components) rpcDeps() rpc.Deps {
	return rpc.Deps{
		Logger:         c.logger,
		Client:         c.client,
		Registry:       c.registry,
		Env:            c.env,
		Bus:            c.bus,
		Recorder:       c.recorder(),
		Model:          c.cfg.Models.Default,
		MaxIterations:  c.cfg.Agent.MaxIterations,
		Planning:       c.cfg.Agent.Planning,
		ConfirmTimeout: time.Duration(c.cfg.Agent.ConfirmTimeoutSec) * time.Second,
	}
}

// runServe handles the "opal serve" subcommand. Without -listen (or a
// configured listen address) the RPC protocol runs over stdin/stdout
// and the process serves exactly one session. With a TCP address, each
// accepted connection gets its own session with shared tools, MCP
// bridges, and transcript store.
func runServe(ctx context.Context, stdin io.Reader, stdout io.Writer, stderr io.Writer, configPath, listenAddr string) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, closeAll, err := buildComponents(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer closeAll()

	if listenAddr == "" {
		listenAddr = c.cfg.Listen.Address
	}

	if listenAddr == "" {
		c.logger.Info("serving RPC over stdio")
		server := rpc.NewServer(c.rpcDeps())
		go func() {
			<-ctx.Done()
			server.Shutdown()
		}()
		return server.Serve(ctx, stdin, stdout)
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}
	c.logger.Info("serving RPC over TCP", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("listener closed, shutting down")
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		go func(conn net.Conn) {
			defer conn.Close()
			c.logger.Info("session connected", "remote", conn.RemoteAddr().String())
			server := rpc.NewServer(c.rpcDeps())
			go func() {
				<-ctx.Done()
				server.Shutdown()
			}()
			if err := server.Serve(ctx, conn, conn); err != nil {
				c.logger.Warn("session ended with error", "remote", conn.RemoteAddr().String(), "error", err)
			}
		}(conn)
	}
}

// runAsk handles "opal ask <request>": one run, confirmations answered
// at the terminal, final text on stdout.
func runAsk(ctx context.Context, stdin io.Reader, stdout io.Writer, stderr io.Writer, configPath, request string) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, closeAll, err := buildComponents(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer closeAll()

	r := newRepl(c, stdin, stdout)
	return r.runOnce(ctx, request)
}

// runRepl handles "opal repl": a line-oriented interactive session.
// The first SIGINT cancels the active run; the second ends the session.
func runRepl(ctx context.Context, stdin io.Reader, stdout io.Writer, stderr io.Writer, configPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c, closeAll, err := buildComponents(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer closeAll()

	r := newRepl(c, stdin, stdout)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(stdout, "\ncancelling run (interrupt again to quit)")
		r.cancelActive()
		<-sigCh
		cancel()
	}()

	return r.session(ctx)
}

// newLogger creates a structured text logger writing to w at the given
// level. All log output goes through slog; this helper standardizes the
// handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). When no file
// is found anywhere, defaults apply so "opal version" and quick trials
// work on a bare machine.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "(defaults)", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
