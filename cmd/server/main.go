package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/cirx-otc/service/config"
	"github.com/brojonat/cirx-otc/service/metrics"
	"github.com/brojonat/cirx-otc/service/pipeline"
	"github.com/brojonat/cirx-otc/service/server"
	"github.com/brojonat/cirx-otc/service/temporal"
	"github.com/brojonat/cirx-otc/service/worker"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"trigger_mode", cfg.TriggerMode,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	stores, closeStore, err := pipeline.OpenStore(ctx, cfg, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	trigger, stopTrigger, err := newTrigger(ctx, cfg, stores, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to set up worker trigger", "error", err)
		os.Exit(1)
	}
	defer stopTrigger()

	httpServer := server.New(
		cfg.ServerAddr,
		pipeline.NewSettlement(cfg, stores.Swaps, logger),
		trigger,
		metricsCollector,
		logger,
	)

	logger.Info("server initialized, all dependencies ready",
		"nats_enabled", cfg.NATSURL != "",
		"indexer_enabled", cfg.IndexerURL != "",
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// newTrigger builds the handler for POST /api/v1/workers/{name}/trigger.
// Temporal mode starts a sweep workflow; http mode runs the pass inside the
// request; cron mode queues it on a pool owned by this process.
func newTrigger(ctx context.Context, cfg *config.Config, stores *pipeline.Stores, m *metrics.Metrics, logger *slog.Logger) (server.PassTrigger, func(), error) {
	if cfg.TriggerMode == config.TriggerTemporal {
		temporalClient, err := temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, cfg.TemporalTaskQueue, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("connected to temporal", "host", cfg.TemporalHost, "namespace", cfg.TemporalNamespace)
		return server.TemporalTrigger{
			Starter:     temporalClient,
			PassTimeout: temporal.PassTimeout(cfg.WorkerBatchSize, cfg.ConfirmationWait),
		}, temporalClient.Close, nil
	}

	runner, closeRunner, err := pipeline.NewRunner(ctx, cfg, stores.Swaps, m, logger)
	if err != nil {
		return nil, nil, err
	}

	if cfg.TriggerMode == config.TriggerHTTP {
		return server.InlineTrigger{Runner: runner}, closeRunner, nil
	}

	pool := worker.NewPool(runner, cfg.WorkerPoolSize, cfg.WorkerQueueSize, m, logger)
	runner.SetRequeuer(pool)
	poolCtx, stopPool := context.WithCancel(ctx)
	go pool.Run(poolCtx)
	return server.QueueTrigger{Requeuer: pool}, func() {
		stopPool()
		closeRunner()
	}, nil
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
