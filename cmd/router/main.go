package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/devrev/shardrouter/internal/config"
	"github.com/devrev/shardrouter/internal/directory"
	"github.com/devrev/shardrouter/internal/handler"
	"github.com/devrev/shardrouter/internal/health"
	"github.com/devrev/shardrouter/internal/metrics"
	"github.com/devrev/shardrouter/internal/migration"
	"github.com/devrev/shardrouter/internal/model"
	"github.com/devrev/shardrouter/internal/router"
	"github.com/devrev/shardrouter/internal/server"
	"github.com/devrev/shardrouter/internal/store"
	"github.com/devrev/shardrouter/internal/strategy"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting shard router",
		zap.Int("port", cfg.Server.Port),
		zap.String("strategy", cfg.Routing.Strategy),
		zap.String("database_host", cfg.Database.Host),
		zap.String("redis_host", cfg.Redis.Host))

	// Directory store: PostgreSQL when configured, in-memory otherwise.
	var dirStore store.DirectoryStore
	if cfg.Database.Host != "" {
		pg, err := store.NewPostgresDirectoryStore(
			cfg.Database.Host,
			cfg.Database.Port,
			cfg.Database.Database,
			cfg.Database.User,
			cfg.Database.Password,
			cfg.Database.MaxConnections,
			cfg.Database.MinConnections,
			logger,
		)
		if err != nil {
			logger.Fatal("Failed to initialize directory store", zap.Error(err))
		}
		dirStore = pg
	} else {
		logger.Warn("No database configured, using in-memory directory store")
		dirStore = store.NewMemoryDirectoryStore()
	}
	defer dirStore.Close()

	// Idempotency store: Redis when configured, in-memory otherwise.
	var idemStore store.IdempotencyStore
	if cfg.Redis.Host != "" {
		rs, err := store.NewRedisIdempotencyStore(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			logger,
		)
		if err != nil {
			logger.Fatal("Failed to initialize idempotency store", zap.Error(err))
		}
		idemStore = rs
	} else {
		logger.Warn("No Redis configured, using in-memory idempotency store")
		idemStore = store.NewMemoryIdempotencyStore()
	}
	defer idemStore.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mtr := metrics.New(reg)

	dir := directory.New(dirStore, logger)

	strat, err := buildStrategy(cfg.Routing)
	if err != nil {
		logger.Fatal("Failed to initialize routing strategy", zap.Error(err))
	}

	mover := migration.NewHTTPMover(cfg.Migration.MoveTimeout)
	coord := migration.NewCoordinator(dirStore, dir, mover, migration.Config{
		Concurrency:    cfg.Migration.Concurrency,
		CopyRetryMax:   cfg.Migration.CopyRetryMax,
		BackoffBase:    cfg.Migration.BackoffBase,
		BackoffCap:     cfg.Migration.BackoffCap,
		VerifyRetryMax: cfg.Migration.VerifyRetryMax,
		Retention:      cfg.Migration.Retention,
		TaskDeadline:   cfg.Migration.TaskDeadline,
	}, mtr, logger)

	rt := router.New(router.Config{
		StrategyName:   cfg.Routing.Strategy,
		BaseVNodes:     cfg.Routing.VirtualNodes,
		RequireHealthy: cfg.Routing.RequireHealthy,
	}, dir, strat, coord, idemStore, mtr, logger)

	startCtx, cancelStart := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	if err := rt.Start(startCtx); err != nil {
		cancelStart()
		logger.Fatal("Failed to start router", zap.Error(err))
	}
	cancelStart()

	healthCtx, cancelHealth := context.WithCancel(context.Background())
	defer cancelHealth()
	if cfg.Health.Enabled {
		checker := health.NewChecker(dir, cfg.Health.Interval, cfg.Health.Timeout, cfg.Health.Concurrency, logger)
		go checker.Run(healthCtx)
		logger.Info("Health checker started", zap.Duration("interval", cfg.Health.Interval))
	}

	handlers := handler.NewHandlers(rt, logger)
	srv := server.New(*cfg, handlers, reg, logger)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down gracefully")

	cancelHealth()
	if err := srv.Shutdown(); err != nil {
		logger.Warn("HTTP server shutdown failed", zap.Error(err))
	}
	coord.Shutdown()
	rt.Stop()

	logger.Info("Shard router stopped")
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zapCfg.Level = level
	return zapCfg.Build()
}

func buildStrategy(cfg config.RoutingConfig) (strategy.Resolver, error) {
	switch cfg.Strategy {
	case strategy.NameHashModulo:
		return strategy.NewHashModulo(), nil
	case strategy.NameRange:
		ranges := make([]model.KeyRange, 0, len(cfg.Ranges))
		for _, r := range cfg.Ranges {
			ranges = append(ranges, model.KeyRange{
				LowerBound: r.LowerBound,
				UpperBound: r.UpperBound,
				ShardID:    r.ShardID,
			})
		}
		return strategy.NewRange(ranges), nil
	case strategy.NameConsistentHash:
		return strategy.NewConsistentHash(cfg.VirtualNodes), nil
	default:
		return nil, fmt.Errorf("unknown routing strategy %q", cfg.Strategy)
	}
}
