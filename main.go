package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/promptchain/server/internal/agent/graph"
	"github.com/promptchain/server/internal/agent/graph/breaker"
	"github.com/promptchain/server/internal/agent/graph/nodes"
	"github.com/promptchain/server/internal/agent/graph/prompts"
	"github.com/promptchain/server/internal/agent/model"
	"github.com/promptchain/server/internal/agent/repo"
	"github.com/promptchain/server/internal/core"
	"github.com/promptchain/server/internal/mcptool"
	"github.com/promptchain/server/internal/server"
	"github.com/promptchain/server/internal/telemetry"
	logx "github.com/promptchain/server/pkg/logger"
	pkgredis "github.com/promptchain/server/pkg/redis"
)

// AppConfig defines all configurable parameters of the service, sourced from
// environment variables (loaded from .env for local runs).
type AppConfig struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL"`

	// Infrastructure
	Server     server.Config
	Redis      pkgredis.Config
	UsageStore model.UsageStoreConfig
	Telemetry  telemetry.Config

	// LLM provider
	APIKey         string `envconfig:"GEMINI_API_KEY" required:"true"`
	BaseURL        string `envconfig:"GEMINI_BASE_URL"`
	ThinkingBudget int32  `envconfig:"GEMINI_THINKING_BUDGET" default:"0"`

	// Pipeline
	Chain       model.ChainConfig
	Breaker     model.BreakerConfig
	PromptsFile string `envconfig:"PROMPTS_FILE"`
}

func main() {
	mode := "serve"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}
	switch mode {
	case "serve", "mcp":
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", mode)
		printUsage()
		os.Exit(1)
	}

	if err := run(mode); err != nil {
		log.Fatalf("promptchain: %v", err)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: promptchain [command]

Commands:
  serve   run the OpenAI-compatible HTTP server (default)
  mcp     serve the chain_answer tool over MCP stdio`)
}

func run(mode string) error {
	// Load .env file
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	// Load structured config from env
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return fmt.Errorf("failed to process environment config: %w", err)
	}

	// stdout belongs to the MCP transport in mcp mode
	var out io.Writer = os.Stdout
	if mode == "mcp" {
		out = os.Stderr
	}
	logx.Init(logx.LoggerOpts{
		Environment: core.ParseEnvironment(cfg.Environment),
		Level:       cfg.LogLevel,
		Output:      out,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(cfg.Telemetry, out)
	if err != nil {
		return fmt.Errorf("failed to initialise telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logx.Warn().Err(err).Msg("Failed to flush traces")
		}
	}()

	usage, closeUsage, err := openUsageStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeUsage()

	runner, err := buildRunner(ctx, cfg, usage)
	if err != nil {
		return err
	}

	if mode == "mcp" {
		logx.Info().Str("model", runner.ModelName()).Msg("Serving MCP over stdio")
		return mcpserver.ServeStdio(mcptool.NewServer(runner))
	}

	srv := server.New(cfg.Server, runner, usage)
	return srv.Start(ctx)
}

func buildRunner(ctx context.Context, cfg AppConfig, usage model.UsageRepository) (*graph.Runner, error) {
	chain := cfg.Chain.WithDefaults()

	cb := breaker.New(breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Timeout:          cfg.Breaker.Timeout,
		HalfOpenAttempts: cfg.Breaker.HalfOpenAttempts,
		OnStateChange: func(name string, from, to breaker.State) {
			logx.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		},
	})

	library, err := prompts.LoadLibrary(cfg.PromptsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt library: %w", err)
	}

	models, err := nodes.NewChatModels(ctx, nodes.ChatModelConfig{
		APIKey:         cfg.APIKey,
		BaseURL:        cfg.BaseURL,
		ThinkingBudget: cfg.ThinkingBudget,
		Chain:          chain,
	})
	if err != nil {
		return nil, err
	}

	runner, err := graph.BuildGraph(ctx, &graph.Config{
		Chain:   chain,
		Models:  models,
		Breaker: cb,
		Prompts: library,
		Usage:   usage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build graph: %w", err)
	}

	logx.Info().
		Str("model", chain.ModelName).
		Str("analyze", chain.Analyze.Model).
		Str("process", chain.Process.Model).
		Str("synthesize", chain.Synthesize.Model).
		Strs("prompts", library.Refs()).
		Msg("Pipeline ready")
	return runner, nil
}

// openUsageStore selects the usage ledger backend. A nil repository disables
// the ledger.
func openUsageStore(ctx context.Context, cfg AppConfig) (model.UsageRepository, func(), error) {
	noop := func() {}

	switch strings.ToLower(strings.TrimSpace(cfg.UsageStore.Backend)) {
	case "redis":
		if !cfg.Redis.Enabled() {
			logx.Warn().Msg("REDIS_URL is empty, usage ledger disabled")
			return nil, noop, nil
		}
		rdb, err := cfg.Redis.New(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to initialise Redis client: %w", err)
		}
		logx.Info().Msg("Connected to Redis successfully")
		return repo.NewRedisUsageRepository(rdb, cfg.UsageStore.TTL), func() { _ = rdb.Close() }, nil

	case "sqlite":
		store, err := repo.NewSQLiteUsageRepository(cfg.UsageStore.SQLitePath)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to open sqlite usage store: %w", err)
		}
		logx.Info().Str("path", cfg.UsageStore.SQLitePath).Msg("Opened sqlite usage store")
		return store, func() { _ = store.Close() }, nil

	case "memory":
		return repo.NewMemoryUsageRepository(), noop, nil

	case "none", "":
		return nil, noop, nil

	default:
		return nil, noop, fmt.Errorf("unknown usage store backend %q", cfg.UsageStore.Backend)
	}
}
