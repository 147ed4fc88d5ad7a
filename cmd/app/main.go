package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shopbot/internal/cache"
	"shopbot/internal/coalesce"
	"shopbot/internal/config"
	"shopbot/internal/convo"
	"shopbot/internal/guard"
	"shopbot/internal/httpserver"
	"shopbot/internal/logging"
	"shopbot/internal/metrics"
	"shopbot/internal/nlu"
	"shopbot/internal/reply"
	"shopbot/internal/repo"
	"shopbot/internal/search"
	"shopbot/internal/wa"
	"shopbot/migrations"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.AppEnv)
	logger.Info("starting shopbot", "env", cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	store, err := repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer store.Close()

	if err := store.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	if err := store.SyncGeminiKeys(ctx, cfg.GeminiAPIKeys); err != nil {
		return fmt.Errorf("sync gemini keys: %w", err)
	}

	redisClient := cache.New(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		UseTLS:   cfg.RedisTLS,
	}, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed closing redis", "error", err)
		}
	}()
	if err := redisClient.Ping(ctx); err != nil {
		logger.Warn("redis ping failed", "error", err)
	}

	nluClient := nlu.New(store, logger, metricRegistry, nlu.Config{
		Model:    cfg.GeminiModel,
		Timeout:  cfg.GeminiTimeout,
		Cooldown: cfg.GeminiCooldown,
		Retry:    nlu.RetryPolicy{MaxAttempts: cfg.GeminiRetries},
	})

	searchClient := search.New(search.Config{
		BaseURL:       cfg.SearchBaseURL,
		APIKey:        cfg.SearchAPIKey,
		Timeout:       cfg.SearchTimeout,
		EmbedCacheTTL: cfg.EmbedCacheTTL,
		MatchCount:    cfg.MatchCount,
		MinSimilarity: cfg.MinSimilarity,
	}, logger, metricRegistry, redisClient)

	responseCache := guard.NewResponseCache(cfg.ResponseCacheTTL)
	breaker := guard.NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, func(open bool) {
		if open {
			metricRegistry.BreakerOpen.Set(1)
		} else {
			metricRegistry.BreakerOpen.Set(0)
		}
	})
	orchestrator := reply.NewOrchestrator(nluClient, store, responseCache, breaker, logger)

	waClient, err := wa.New(ctx, wa.Config{
		StorePath: cfg.WhatsAppStorePath,
		LogLevel:  cfg.WhatsAppLogLevel,
		Metrics:   metricRegistry,
	}, logger)
	if err != nil {
		return fmt.Errorf("init whatsapp client: %w", err)
	}
	defer waClient.Close()

	engine := convo.New(convo.Config{
		Store:       store,
		Retriever:   searchClient,
		Replier:     orchestrator,
		Sender:      waClient,
		Coalescer:   coalesce.New(cfg.CoalesceWindow, cfg.CoalesceSettle, logger),
		Replays:     guard.NewReplayCache(cfg.ReplayTTL),
		UserLimit:   guard.NewRateLimiter(cfg.UserRateMax, cfg.UserRateWindow),
		GlobalLimit: guard.NewRateLimiter(cfg.GlobalRateMax, cfg.GlobalRateWindow),
		MaxEventAge: cfg.MaxEventAge,
		Metrics:     metricRegistry,
		Logger:      logger,
	})
	waClient.SetEventHandler(engine)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 1m", func() {
		engine.Sweep()
		responseCache.Sweep()
	}); err != nil {
		return fmt.Errorf("schedule sweeps: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	waCtx, waCancel := context.WithCancel(ctx)
	defer waCancel()
	go func() {
		if err := waClient.Start(waCtx); err != nil {
			logger.Error("whatsapp client stopped", "error", err)
			stop()
		}
	}()

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, cfg.HTTPBasePath)
	httpSrv.SetDependencies(httpserver.Dependencies{
		Store:         store,
		Redis:         redisClient,
		ResponseCache: responseCache,
		Engine:        engine,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}
