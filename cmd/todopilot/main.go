// TodoPilot is a conversational todo list agent.
//
// It manages tasks through natural language: messages go to the Gemini
// API with a set of task tools, and a rule-based fallback keeps the
// basic commands working when the model is unreachable. State lives in
// SQLite. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	todopilot serve            Start the API server
//	todopilot ask <message>    Send a single message (for testing)
//	todopilot version          Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/todopilot/todopilot/internal/agent"
	"github.com/todopilot/todopilot/internal/api"
	"github.com/todopilot/todopilot/internal/buildinfo"
	"github.com/todopilot/todopilot/internal/config"
	"github.com/todopilot/todopilot/internal/llm"
	"github.com/todopilot/todopilot/internal/memory"
	"github.com/todopilot/todopilot/internal/taskstore"
	"github.com/todopilot/todopilot/internal/tools"
)

// main is intentionally minimal. It constructs the OS-level environment
// and delegates immediately to [run], keeping os.Exit, os.Stdout, and
// os.Args out of the application logic so the full lifecycle can be
// driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the todopilot command. Arguments are
// parsed by hand: the flag package relies on package-level globals,
// which interfere with calling run() concurrently from tests, and the
// argument surface here is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var scope string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-scope" && i+1 < len(args):
			scope = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-scope="):
			scope = strings.TrimPrefix(args[i], "-scope=")
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
	if scope == "" {
		scope = "default"
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: todopilot ask <message>")
		}
		return runAsk(ctx, stdout, configPath, scope, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "TodoPilot - Conversational Todo Agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: todopilot [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  ask          Send a single message (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -scope <name>     Scope for ask (default: default)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/todopilot/config.yaml, /etc/todopilot/config.yaml")
	return nil
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

// runAsk boots a minimal agent against the configured data directory and
// processes a single message, printing the reply to stdout.
func runAsk(ctx context.Context, stdout io.Writer, configPath, scope string, args []string) error {
	logger := newLogger(io.Discard, slog.LevelInfo)
	message := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	loop, closeStores, err := buildLoop(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	res, err := loop.HandleUserMessage(ctx, scope, "", message)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, res.ReplyText)
	return nil
}

// runServe is the primary operating mode: load config, open the stores,
// wire the agent, start the API server, and block until a shutdown
// signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting TodoPilot",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Gemini.Model,
		"data_dir", cfg.DataDir)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	loop, closeStores, err := buildLoop(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	mem, tasks := loop.Stores()
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, loop, mem, tasks, logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// buildLoop wires the stores, tool registry, and model gateway into an
// orchestration loop. The returned cleanup closes both stores.
func buildLoop(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*loopWithStores, func(), error) {
	mem, err := memory.NewSQLiteStore(cfg.DatabasePath())
	if err != nil {
		return nil, nil, fmt.Errorf("open conversation store: %w", err)
	}

	tasks, err := taskstore.NewStore(cfg.DatabasePath())
	if err != nil {
		mem.Close()
		return nil, nil, fmt.Errorf("open task store: %w", err)
	}

	registry := tools.NewRegistry(tasks, logger)

	model := cfg.Gemini.Model
	if model == "" {
		model = config.DefaultModel
	}
	instructions := func() string { return agent.Instructions(time.Now()) }
	client, err := llm.NewGeminiClient(ctx, cfg.Gemini.APIKey, model, instructions, logger)
	if err != nil {
		tasks.Close()
		mem.Close()
		return nil, nil, fmt.Errorf("create model gateway: %w", err)
	}

	loop := agent.NewLoop(logger, mem, registry, client)
	cleanup := func() {
		tasks.Close()
		mem.Close()
	}
	return &loopWithStores{Loop: loop, mem: mem, tasks: tasks}, cleanup, nil
}

// loopWithStores bundles the loop with its stores so serve can hand
// them to the API server for the read-only endpoints.
type loopWithStores struct {
	*agent.Loop
	mem   *memory.SQLiteStore
	tasks *taskstore.Store
}

func (l *loopWithStores) Stores() (*memory.SQLiteStore, *taskstore.Store) {
	return l.mem, l.tasks
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration. A missing config
// file is not fatal: defaults apply and the API key may arrive via
// GEMINI_API_KEY.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		cfg := config.Default()
		cfg.Gemini.APIKey = os.Getenv("GEMINI_API_KEY")
		return cfg, "(defaults)", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if cfg.Gemini.APIKey == "" {
		cfg.Gemini.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	return cfg, cfgPath, nil
}
