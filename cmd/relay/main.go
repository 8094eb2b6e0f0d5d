package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/memchat-relay/internal/config"
	"github.com/tjfontaine/memchat-relay/internal/llm/openai"
	"github.com/tjfontaine/memchat-relay/internal/memory"
	"github.com/tjfontaine/memchat-relay/internal/orchestrator"
	"github.com/tjfontaine/memchat-relay/internal/pricing"
	"github.com/tjfontaine/memchat-relay/internal/prompt"
	"github.com/tjfontaine/memchat-relay/internal/resilience"
	"github.com/tjfontaine/memchat-relay/internal/server"
	"github.com/tjfontaine/memchat-relay/internal/telemetry"
	"github.com/tjfontaine/memchat-relay/internal/tokens"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	shutdownTracer, err := telemetry.InitTracer("memchat-relay", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	for _, path := range []string{cfg.Pricing.DBPath, cfg.Telemetry.DBPath} {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			log.Fatalf("Failed to create data directory for %s: %v", path, err)
		}
	}

	// Telemetry: logged through slog, persisted to sqlite
	eventStore, err := telemetry.NewSQLiteStore(cfg.Telemetry.DBPath)
	if err != nil {
		log.Fatalf("Failed to open telemetry store: %v", err)
	}
	defer eventStore.Close()
	recorder := telemetry.NewLogRecorder(logger, eventStore)
	defer recorder.Drain()

	// Pricing: sqlite table seeded from config at startup
	pricingStore, err := pricing.NewStore(cfg.Pricing.DBPath)
	if err != nil {
		log.Fatalf("Failed to open pricing store: %v", err)
	}
	defer pricingStore.Close()
	if rows := cfg.Pricing.SeedRows(); len(rows) > 0 {
		if err := pricingStore.Seed(context.Background(), rows); err != nil {
			log.Fatalf("Failed to seed pricing table: %v", err)
		}
		logger.Info("pricing table seeded", slog.Int("models", len(rows)))
	}
	calculator := pricing.NewCalculator(pricingStore, pricing.DefaultRates, logger)

	// Memory service: client behind retry, circuit breaker, and result cache
	memoryClient := memory.NewClient(cfg.Memory.APIKey, memory.WithBaseURL(cfg.Memory.BaseURL))
	memoryBreaker := resilience.NewBreaker("memory-service", cfg.Memory.Breaker.BreakerConfig())
	fallback := memory.NewFallbackService(memoryClient, memoryBreaker, recorder, logger, cfg.Memory.FallbackConfig())

	// LLM provider
	providerOpts := []openai.Option{}
	if cfg.LLM.BaseURL != "" {
		providerOpts = append(providerOpts, openai.WithBaseURL(cfg.LLM.BaseURL))
	}
	provider := openai.New(cfg.LLM.APIKey, providerOpts...)

	orch := orchestrator.New(
		provider,
		fallback,
		memoryClient,
		prompt.NewAssembler(cfg.Prompt.Budgets),
		tokens.NewRegistry(),
		calculator,
		recorder,
		logger,
		orchestrator.Config{
			SystemText:        cfg.Prompt.SystemText,
			DefaultModel:      cfg.LLM.DefaultModel,
			MaxTokens:         cfg.LLM.MaxTokens,
			Retrieval:         cfg.Retrieval,
			HeartbeatInterval: cfg.Stream.HeartbeatInterval(),
		},
	)
	handler := orchestrator.NewHandler(orch)

	srv := server.New(cfg.Server.Port, logger)
	srv.Router.Post("/v1/chat", handler.HandleChat)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case <-sigChan:
		logger.Info("shutdown signal received, draining connections")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
