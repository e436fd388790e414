// Command botengine is the platform process: it wires storage (Postgres,
// Redis, the object store), the LLM advisory client, the capital-management
// and exchange-adapter packages, and runs the three always-on loops spec §5
// names as independent goroutines under one process — the scheduler sweep,
// the execution-queue dispatcher, and the position-sync reconciler.
//
// Configuration is entirely environment-driven, matching spec §6's
// "Environment variables (engine)" list, rather than the teacher's own
// internal/config YAML loader: that loader's schema (TradingConfig,
// RiskControlConfig, a single current_exchange) describes one single-tenant
// market-making process's tuning, not a multi-tenant control plane's
// connection strings, and forcing this engine's env vars through its
// `validate:"oneof=grid arbitrage"` tags would fight the schema rather than
// reuse it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"botplatform/internal/bot/botlib"
	"botplatform/internal/bot/capital"
	"botplatform/internal/bot/exchange"
	"botplatform/internal/bot/llm"
	"botplatform/internal/bot/loader"
	"botplatform/internal/bot/objectstore"
	"botplatform/internal/bot/orchestrator"
	"botplatform/internal/bot/queue"
	"botplatform/internal/bot/reconciler"
	"botplatform/internal/bot/scheduler"
	"botplatform/internal/bot/store"
)

// runner is satisfied by every long-lived loop this process starts:
// scheduler.Scheduler, reconciler.Reconciler, and queue.Dispatcher all
// expose this exact Start/Stop shape already.
type runner interface {
	Start(ctx context.Context) error
	Stop() error
}

func main() {
	logger := botlib.NewZapLogger(getenv("LOG_LEVEL", "INFO"))

	if err := run(logger); err != nil {
		logger.Error("botengine exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *botlib.ZapLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dsn := mustEnv("DATABASE_URL")
	db, err := store.Open(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	if err := db.ApplySchema(ctx); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	redisOpts, err := redis.ParseURL(mustEnv("REDIS_URL"))
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	objStore, err := objectstore.New(
		mustEnv("OBJECT_STORE_ENDPOINT"),
		mustEnv("OBJECT_STORE_ACCESS_KEY"),
		mustEnv("OBJECT_STORE_SECRET_KEY"),
		mustEnv("OBJECT_STORE_BUCKET"),
		getenv("OBJECT_STORE_USE_SSL", "true") == "true",
	)
	if err != nil {
		return fmt.Errorf("connect object store: %w", err)
	}

	llmClient, err := buildLLMClient(redisOpts, logger)
	if err != nil {
		// Per spec §4.B: a nil LLM client is a supported degrade path, not
		// a fatal condition — sizing and signal generation both fall back
		// to their non-LLM methods.
		logger.Warn("llm client unavailable, continuing without LLM advice", "error", err)
	}

	registry := loader.NewRegistry()
	ldr := loader.New(db, objStore, registry)
	capitalMgr := capital.NewManager(capital.DefaultConfig(), logger)

	orch := orchestrator.New(db, ldr, capitalMgr, llmClient, exchange.NewFuturesAdapter, redisClient, logger)

	execQueue := queue.NewRedisQueue(redisClient, queue.QueueBotExecution, logger)
	dispatcher := queue.NewDispatcher(execQueue, orch, envInt("EXECUTION_WORKERS", 10), envInt("EXECUTION_QUEUE_CAPACITY", 200), logger)

	sched := scheduler.New(db, execQueue, logger, actionLogRetention())

	cleaner := reconciler.NewOrderCleaner(logger)
	recon := reconciler.New(db, exchange.NewFuturesAdapter, cleaner, logger, reconcileInterval())

	runners := []runner{sched, dispatcher, recon}

	for _, r := range runners {
		if err := r.Start(ctx); err != nil {
			return fmt.Errorf("start %T: %w", r, err)
		}
	}

	logger.Info("botengine started",
		"network_default", getenv("NETWORK_DEFAULT", string(botlib.NetworkTestnet)))

	<-ctx.Done()

	logger.Info("shutting down")
	for _, r := range runners {
		if err := r.Stop(); err != nil {
			logger.Error("stop failed", "component", fmt.Sprintf("%T", r), "error", err)
		}
	}
	return nil
}

// buildLLMClient wires whichever of OPENAI_API_KEY/CLAUDE_API_KEY/
// GEMINI_API_KEY is present as the default provider, per spec §6. At least
// one must be set for the LLM advisory layer to be active; absent all
// three, run() logs and continues without it.
func buildLLMClient(redisOpts *redis.Options, logger botlib.Logger) (llm.Client, error) {
	providers := map[string]llm.ProviderConfig{}
	var defaultProvider string

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		providers["openai"] = llm.ProviderConfig{Family: llm.FamilyOpenAI, BaseURL: "https://api.openai.com/v1", APIKey: key, Model: getenv("OPENAI_MODEL", "gpt-4o-mini")}
		defaultProvider = "openai"
	}
	if key := os.Getenv("CLAUDE_API_KEY"); key != "" {
		providers["anthropic"] = llm.ProviderConfig{Family: llm.FamilyAnthropic, BaseURL: "https://api.anthropic.com/v1", APIKey: key, Model: getenv("CLAUDE_MODEL", "claude-3-5-sonnet-latest")}
		if defaultProvider == "" {
			defaultProvider = "anthropic"
		}
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		providers["gemini"] = llm.ProviderConfig{Family: llm.FamilyGemini, BaseURL: "https://generativelanguage.googleapis.com/v1beta", APIKey: key, Model: getenv("GEMINI_MODEL", "gemini-1.5-flash")}
		if defaultProvider == "" {
			defaultProvider = "gemini"
		}
	}
	if defaultProvider == "" {
		return nil, fmt.Errorf("no LLM provider API key set")
	}

	cfg := llm.Config{
		RedisAddr:       redisOpts.Addr,
		RedisPassword:   redisOpts.Password,
		RedisDB:         redisOpts.DB,
		DefaultProvider: defaultProvider,
		Providers:       providers,
	}
	return llm.NewClient(cfg, logger)
}

func actionLogRetention() time.Duration {
	days := envInt("ACTION_LOG_RETENTION_DAYS", 30)
	return time.Duration(days) * 24 * time.Hour
}

func reconcileInterval() time.Duration {
	seconds := envInt("RECONCILE_INTERVAL_SECONDS", 45)
	return time.Duration(seconds) * time.Second
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		fmt.Fprintf(os.Stderr, "botengine: required environment variable %s is not set\n", key)
		os.Exit(1)
	}
	return v
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
