package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/financing-ledger-backend/internal/api/rest"
	"github.com/davidleathers/financing-ledger-backend/internal/api/websocket"
	"github.com/davidleathers/financing-ledger-backend/internal/infrastructure/cache"
	"github.com/davidleathers/financing-ledger-backend/internal/infrastructure/config"
	"github.com/davidleathers/financing-ledger-backend/internal/infrastructure/database"
	"github.com/davidleathers/financing-ledger-backend/internal/infrastructure/repository"
	"github.com/davidleathers/financing-ledger-backend/internal/infrastructure/telemetry"
	"github.com/davidleathers/financing-ledger-backend/internal/metrics"
	"github.com/davidleathers/financing-ledger-backend/internal/service/ledger"
)

func main() {
	configPath := flag.String("config", config.DefaultFile, "Path to configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("application failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) (err error) {
	logger.Info("starting financing ledger",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment),
		zap.Int("port", cfg.Server.Port))

	provider, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version, cfg.Environment)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		err = errors.Join(err, provider.Shutdown(context.WithoutCancel(ctx)))
	}()

	if cfg.Database.AutoMigrate {
		if err := migrate(cfg, logger); err != nil {
			return err
		}
	}

	pool, err := database.NewPool(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	registry, err := metrics.NewRegistry(provider.MeterProvider)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	go samplePoolStats(ctx, pool, registry)

	hub := websocket.NewHub(logger.Named("events"), registry.SetWebsocketClients)
	go hub.Run(ctx)
	defer hub.Stop()

	service := ledger.NewService(
		repository.NewRepositories(pool),
		database.NewTxManager(pool, logger),
		logger.Named("ledger"),
		ledger.Config{DefaultCurrency: cfg.Ledger.DefaultCurrency},
		ledger.WithPublisher(hub),
		ledger.WithMetrics(registry),
	)

	checks := map[string]rest.HealthCheck{
		"postgres": func(ctx context.Context) error { return pool.Ping(ctx) },
	}

	var idempotency rest.IdempotencyStore
	if cfg.Redis.Enabled {
		client, err := cache.NewRedisClient(ctx, cfg.Redis, logger)
		if err != nil {
			return err
		}
		defer closeRedis(client, logger)
		idempotency = cache.NewIdempotencyStore(client, cfg.Redis.IdempotencyTTL, logger.Named("idempotency"))
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}

	server, err := rest.NewServer(rest.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Ledger:       service,
		Idempotency:  idempotency,
		Events:       hub,
		Metrics:      metrics.NewHTTPMetrics(),
		HealthChecks: checks,
	})
	if err != nil {
		return err
	}

	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Info("shut down gracefully")
	return nil
}

func migrate(cfg *config.Config, logger *zap.Logger) error {
	m, err := database.NewMigrator(cfg.Database.URL, logger)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	defer func() { _ = m.Close() }()
	return m.Up()
}

func closeRedis(client *redis.Client, logger *zap.Logger) {
	if err := client.Close(); err != nil {
		logger.Warn("failed to close redis client", zap.Error(err))
	}
}
