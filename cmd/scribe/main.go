// Scribe is a research assistant backend.
//
// It answers questions about a user's project data through a streaming
// HTTP endpoint, orchestrating LLM tool calls against a local store of
// uploaded documents, images, and notes. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	scribe init [dir]                  Create a workspace with a default config
//	scribe serve                       Start the API server
//	scribe ingest <project> <file.md>  Import a markdown document
//	scribe version                     Print version and build information
//	scribe -o json version             Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/scribe-agent/scribe/internal/agent"
	"github.com/scribe-agent/scribe/internal/api"
	"github.com/scribe-agent/scribe/internal/buildinfo"
	"github.com/scribe-agent/scribe/internal/config"
	"github.com/scribe-agent/scribe/internal/convlog"
	"github.com/scribe-agent/scribe/internal/email"
	"github.com/scribe-agent/scribe/internal/embeddings"
	"github.com/scribe-agent/scribe/internal/ingest"
	"github.com/scribe-agent/scribe/internal/llm"
	"github.com/scribe-agent/scribe/internal/project"
	"github.com/scribe-agent/scribe/internal/recall"
	"github.com/scribe-agent/scribe/internal/search"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the scribe command. Arguments are
// parsed by hand: the flag package relies on package-level globals
// (flag.CommandLine), which makes it impossible to call run()
// concurrently from tests, and the argument surface here is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
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
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ingest":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: scribe ingest <project-id> <file.md>")
		}
		return runIngest(ctx, stdout, configPath, cmdArgs[0], cmdArgs[1])
	case "version":
		return printVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, `Scribe is a research assistant backend.

Usage:
  scribe init [dir]                  Create a workspace with a default config
  scribe serve                       Start the API server
  scribe ingest <project> <file.md>  Import a markdown document
  scribe version                     Print version and build information

Flags:
  -config <path>   Use an explicit config file
  -o text|json     Output format for version`)
	return nil
}

func printVersion(w io.Writer, format string) error {
	if format == "json" {
		return json.NewEncoder(w).Encode(buildinfo.RuntimeInfo())
	}
	fmt.Fprintln(w, buildinfo.String())
	return nil
}

// shutdownTimeout bounds graceful shutdown on SIGINT/SIGTERM.
const shutdownTimeout = 10 * time.Second

// runServe starts the API server and blocks until the context is
// canceled or the listener fails.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// trigger a graceful shutdown.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("scribe starting",
		"version", buildinfo.Version,
		"config", cfgPath,
		"model", cfg.Model,
	)

	if cfg.Anthropic.APIKey == "" {
		return fmt.Errorf("anthropic.api_key is required")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	deps, closers, err := buildDeps(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, *deps, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildDeps wires up the stores, clients, and orchestration loop.
func buildDeps(cfg *config.Config, logger *slog.Logger) (*api.Deps, []io.Closer, error) {
	var closers []io.Closer

	projects, err := project.NewStore(filepath.Join(cfg.DataDir, "projects.db"))
	if err != nil {
		return nil, closers, fmt.Errorf("open project store: %w", err)
	}
	closers = append(closers, projects)

	conversations, err := convlog.NewStore(filepath.Join(cfg.DataDir, "conversations.db"))
	if err != nil {
		return nil, closers, fmt.Errorf("open conversation store: %w", err)
	}
	closers = append(closers, conversations)

	memories, err := recall.NewStore(filepath.Join(cfg.DataDir, "memories.db"))
	if err != nil {
		return nil, closers, fmt.Errorf("open memory store: %w", err)
	}
	closers = append(closers, memories)

	var embedder *embeddings.Client
	if cfg.Embeddings.Enabled && cfg.Embeddings.BaseURL != "" {
		embedder = embeddings.New(embeddings.Config{
			BaseURL: cfg.Embeddings.BaseURL,
			Model:   cfg.Embeddings.Model,
		})
		projects.SetEmbedder(embedder)
		memories.SetEmbedder(embedder)
		logger.Info("embeddings enabled", "model", cfg.Embeddings.Model)
	} else {
		logger.Warn("embeddings disabled; search falls back to keyword matching")
	}

	searchMgr := search.NewManager(cfg.Search.Primary)
	if cfg.Search.Brave.APIKey != "" {
		searchMgr.Register(search.NewBrave(cfg.Search.Brave.APIKey))
	}
	if cfg.Search.SearXNG.BaseURL != "" {
		searchMgr.Register(search.NewSearXNG(cfg.Search.SearXNG.BaseURL))
	}
	if searchMgr.Configured() {
		logger.Info("web search enabled", "providers", searchMgr.Providers())
	}

	smtpCfg := email.SMTPConfig{
		Host:     cfg.Email.Host,
		Port:     cfg.Email.Port,
		Username: cfg.Email.Username,
		Password: cfg.Email.Password,
		From:     cfg.Email.From,
		StartTLS: cfg.Email.StartTLS,
	}
	if smtpCfg.Configured() {
		logger.Info("email delivery enabled", "host", smtpCfg.Host)
	}

	client := llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
	loop := agent.NewLoop(logger, client, cfg.Model, conversations)

	deps := &api.Deps{
		Loop:             loop,
		LLM:              client,
		Model:            cfg.Model,
		Projects:         projects,
		Convlog:          conversations,
		Recall:           memories,
		Search:           searchMgr,
		Email:            smtpCfg,
		GeneralStepLimit: cfg.Agent.GeneralStepLimit,
		DeepStepLimit:    cfg.Agent.DeepStepLimit,
	}
	if embedder != nil {
		deps.Embedder = embedder
	}
	return deps, closers, nil
}

// runIngest imports a markdown file into a project from the command line.
func runIngest(ctx context.Context, stdout io.Writer, configPath, projectID, path string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	projects, err := project.NewStore(filepath.Join(cfg.DataDir, "projects.db"))
	if err != nil {
		return fmt.Errorf("open project store: %w", err)
	}
	defer projects.Close()

	var embedder ingest.Embedder
	if cfg.Embeddings.Enabled && cfg.Embeddings.BaseURL != "" {
		e := embeddings.New(embeddings.Config{
			BaseURL: cfg.Embeddings.BaseURL,
			Model:   cfg.Embeddings.Model,
		})
		embedder = e
		projects.SetEmbedder(e)
	}

	ingester := ingest.NewMarkdownIngester(projects, embedder, projectID)
	count, err := ingester.IngestFile(ctx, path)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "imported %d items from %s\n", count, path)
	return nil
}

// newLogger builds the process logger in the configured format.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
