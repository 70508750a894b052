// Package cli provides the command-line interface for lua-embed.
// It exports Run() and RunWithHooks() to allow extension by wrapper projects.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zot/lua-embed/internal/config"
	"github.com/zot/lua-embed/internal/host"
	"github.com/zot/lua-embed/internal/mcp"
	"github.com/zot/lua-embed/internal/server"
	"github.com/zot/lua-embed/internal/worker"
)

// Overridden in tests.
var (
	stdin  io.Reader = os.Stdin
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// Hooks allows extending the CLI with additional commands.
type Hooks struct {
	// BeforeDispatch is called before command dispatch.
	// Return (handled=true, exitCode) to skip normal dispatch.
	BeforeDispatch func(command string, args []string) (handled bool, exitCode int)

	// CustomHelp returns additional help text to append.
	CustomHelp func() string

	// CustomVersion returns version info to append (optional).
	CustomVersion func() string
}

// Run executes the CLI with the given arguments.
// Returns exit code (0 = success, non-zero = error).
func Run(args []string) int {
	return RunWithHooks(args, nil)
}

// RunWithHooks executes CLI with extension hooks.
func RunWithHooks(args []string, hooks *Hooks) int {
	if len(args) < 1 {
		return runServe(args)
	}

	command := args[0]
	cmdArgs := args[1:]

	// Let hooks intercept first
	if hooks != nil && hooks.BeforeDispatch != nil {
		if handled, code := hooks.BeforeDispatch(command, cmdArgs); handled {
			return code
		}
	}

	switch command {
	case "serve":
		return runServe(cmdArgs)
	case "run":
		return runScript(cmdArgs)
	case "mcp":
		return runMCP(cmdArgs)
	case "schema":
		return runSchema()
	case "help", "-h", "--help":
		printHelp(hooks)
		return 0
	case "version", "--version":
		printVersion(hooks)
		return 0
	default:
		// Check if it's a flag (starts with -)
		if len(command) > 0 && command[0] == '-' {
			return runServe(args)
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		printHelp(hooks)
		return 1
	}
}

// newEngine starts a host loop and an engine on it. The returned function
// stops the loop.
func newEngine(cfg *config.Config) (*worker.Engine, context.CancelFunc) {
	loop := host.NewLoop(cfg.Request.QueueCapacity)
	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)
	return worker.NewEngine(cfg, loop, nil), cancel
}

func runServe(args []string) int {
	cfg, _, err := config.Load("serve", args)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}

	engine, stopLoop := newEngine(cfg)
	defer stopLoop()
	srv := server.New(cfg, engine)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	url, err := srv.Start()
	if err != nil {
		fmt.Fprintf(stderr, "Server error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Serving %s at %s\n", engine.Cache().Dir(), url)

	<-ctx.Done()
	cfg.Log(0, "Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		cfg.Error("shutdown: %v", err)
		return 1
	}
	return 0
}

func runMCP(args []string) int {
	cfg, _, err := config.Load("mcp", args)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	cfg.SetLogOutput(stderr)

	engine, stopLoop := newEngine(cfg)
	defer stopLoop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = mcp.NewServer(cfg, engine).Serve(ctx, stdin, stdout)
	engine.Shutdown()
	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = engine.Wait(waitCtx)
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(stderr, "MCP server error: %v\n", err)
		return 1
	}
	return 0
}

func runSchema() int {
	data, err := config.Schema()
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(data))
	return 0
}

func printHelp(hooks *Hooks) {
	fmt.Fprintln(stdout, `Lua Embed

Usage: lua-embed [command] [options]

Commands:
  serve           Serve .lua scripts over HTTP and WebSocket (default)
  run FILE [ARGS] Run one script with stdin and stdout as its stream
  mcp             Serve MCP tools on stdin/stdout
  schema          Print the configuration file JSON schema
  help            Show this help
  version         Show the version

Options:
  --config        TOML configuration file (default: lua-embed.toml)
  --host          HTTP listen address (default: 127.0.0.1)
  --port          HTTP listen port (default: 8080, 0=any)
  --dir           Directory holding request scripts (default: scripts)
  --watch         Recompile scripts when they change on disk
  --lua-path      Value prepended to package.path
  --startup       Script run before every request
  --module-dir    Directory searched by require
  --call-timeout  Bound on synchronous cross-boundary calls (default: none)
  --queue-capacity Per-direction message queue capacity (default: 1024)
  --log-level     Log level: debug, info, warn, error
  -v, -vv, -vvv   Verbosity

Examples:
  lua-embed serve --dir site/ --watch
  lua-embed run report.lua 2026 10
  lua-embed mcp --dir scripts/`)

	if hooks != nil && hooks.CustomHelp != nil {
		fmt.Fprintln(stdout, hooks.CustomHelp())
	}
}

func printVersion(hooks *Hooks) {
	fmt.Fprintf(stdout, "Lua Embed v%s\n", mcp.Version)
	if hooks != nil && hooks.CustomVersion != nil {
		fmt.Fprintln(stdout, hooks.CustomVersion())
	}
}
