package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"ragent/internal/adapter/executor"
	"ragent/internal/adapter/gateway"
	"ragent/internal/adapter/llm"
	"ragent/internal/infra/config"
	"ragent/internal/infra/logger"
	"ragent/internal/infra/tracer"
	"ragent/internal/usecase"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "version":
			fmt.Println("ragentd (development build)")
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`ragentd - R analysis agent daemon

USAGE:
    ragentd [FLAGS]

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: RAGENT_* variables override config
                 OPENAI_API_KEY / GROQ_API_KEY register providers

EXAMPLES:
    ragentd                               # Run with config.yaml
    ragentd --config /etc/ragent/config.yaml
    RAGENT_GATEWAY_ADDR=:9090 ragentd`)
}

// configPath extracts --config from os.Args, defaulting to ./config.yaml.
func configPath() string {
	for i := 1; i < len(os.Args); i++ {
		switch {
		case os.Args[i] == "--config" && i+1 < len(os.Args):
			return os.Args[i+1]
		case strings.HasPrefix(os.Args[i], "--config="):
			return strings.TrimPrefix(os.Args[i], "--config=")
		}
	}
	return "./config.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. LLM provider chain (failover + circuit breaker per config)
	provider, registry, err := llm.BuildProvider(cfg.LLM, log)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}

	// 4. Session pool with per-session script executors
	factory := executor.Factory(cfg.Executor, cfg.Sessions.WorkspaceDir, log)
	pool := usecase.NewSessionPool(usecase.PoolConfig{
		DataDir:      cfg.Sessions.DataDir,
		SystemPrompt: cfg.Agent.SystemPrompt,
		MaxSessions:  cfg.Sessions.MaxSessions,
		TTL:          cfg.Sessions.TTL,
	}, factory)

	// 5. Agent loop
	var guard *usecase.ContextGuard
	if cfg.Agent.ContextGuard.Enabled {
		counter := usecase.NewTokenCounter(defaultModel(cfg))
		guard = usecase.NewContextGuard(usecase.ContextGuardSettings{
			MaxTokens:     cfg.Agent.ContextGuard.MaxTokens,
			ReserveTokens: cfg.Agent.ContextGuard.ReserveTokens,
			SafetyMargin:  cfg.Agent.ContextGuard.SafetyMargin,
		}, counter, log)
	}

	agent := usecase.NewAgent(usecase.AgentDeps{
		LLM:            provider,
		Logger:         log,
		Heuristics:     usecase.NewHeuristics(cfg.Agent.Heuristics),
		ContextGuard:   guard,
		MaxIterations:  cfg.Agent.MaxIterations,
		MaxMessages:    cfg.Agent.MaxMessages,
		Persistent:     cfg.Sessions.Persistent,
		MaxRetries:     cfg.LLM.MaxRetries,
		RetryBaseDelay: cfg.LLM.RetryBaseDelay,
		TurnTimeout:    cfg.Agent.TurnTimeout,
	})

	engine := usecase.NewEngine(usecase.EngineDeps{
		Pool:       pool,
		Agent:      agent,
		Logger:     log,
		Persistent: cfg.Sessions.Persistent,
		BufSize:    cfg.Gateway.SendBuffer,
	})

	// 6. Background session reaper
	sweeper := cron.New()
	_, err = sweeper.AddFunc(cfg.Sessions.ReapSchedule, func() {
		if n := pool.Reap(); n > 0 {
			log.Info("session sweep", "reaped", n, "remaining", pool.Len())
		}
	})
	if err != nil {
		return fmt.Errorf("reap schedule %q: %w", cfg.Sessions.ReapSchedule, err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	// 7. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 8. Gateway
	srv := gateway.NewServer(engine, cfg.Gateway, log)

	log.Info("ragentd starting",
		"addr", cfg.Gateway.Addr,
		"provider", provider.Name(),
		"providers", len(registry.List()),
		"persistent", cfg.Sessions.Persistent,
		"max_sessions", cfg.Sessions.MaxSessions,
		"session_ttl", cfg.Sessions.TTL,
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("gateway shutdown error", "error", err)
	}
	log.Info("ragentd stopped", slog.Int("sessions", pool.Len()))
	return nil
}

// defaultModel returns the configured model of the default provider, if any.
func defaultModel(cfg *config.Config) string {
	for _, p := range cfg.LLM.Providers {
		if p.Name == cfg.LLM.DefaultProvider {
			return p.Model
		}
	}
	return ""
}
