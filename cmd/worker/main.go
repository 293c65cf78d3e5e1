package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/cirx-otc/service/config"
	"github.com/brojonat/cirx-otc/service/metrics"
	"github.com/brojonat/cirx-otc/service/pipeline"
	"github.com/brojonat/cirx-otc/service/temporal"
	"github.com/brojonat/cirx-otc/service/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Load and validate configuration from environment
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting settlement worker",
		"trigger_mode", cfg.TriggerMode,
		"pass_interval", cfg.PassInterval,
		"recovery_sample_rate", cfg.RecoverySampleRate,
		"log_level", cfg.LogLevel,
	)

	if cfg.TriggerMode == config.TriggerHTTP {
		logger.Error("TRIGGER_MODE=http runs passes inside the API server; start cmd/server instead")
		os.Exit(1)
	}

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry
	logger.Info("Prometheus metrics collector initialized")

	// Start metrics HTTP server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.Handler(),
	}

	go func() {
		logger.Info("starting metrics HTTP server", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
	}()

	stores, closeStore, err := pipeline.OpenStore(ctx, cfg, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	runner, closeRunner, err := pipeline.NewRunner(ctx, cfg, stores.Swaps, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to build worker runner", "error", err)
		os.Exit(1)
	}
	defer closeRunner()

	var (
		workerErrors = make(chan error, 1)
		stop         func()
	)
	switch cfg.TriggerMode {
	case config.TriggerTemporal:
		stop, err = startTemporal(ctx, cfg, runner, metricsCollector, logger, workerErrors)
	default:
		stop, err = startCron(ctx, cfg, runner, metricsCollector, logger, workerErrors)
	}
	if err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// Wait for shutdown signal or worker error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-workerErrors:
		logger.Error("worker error", "error", err)
		stop()
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
		stop()
		logger.Info("shutdown complete")
	}
}

// startCron runs the pass pool in-process, fed by the cron scheduler.
func startCron(ctx context.Context, cfg *config.Config, runner *worker.Runner, m *metrics.Metrics, logger *slog.Logger, errs chan<- error) (func(), error) {
	pool := worker.NewPool(runner, cfg.WorkerPoolSize, cfg.WorkerQueueSize, m, logger)
	runner.SetRequeuer(pool)

	scheduler, err := worker.NewScheduler(pool, cfg.PassInterval, cfg.RecoverySampleRate, logger)
	if err != nil {
		return nil, err
	}

	poolCtx, stopPool := context.WithCancel(ctx)
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := pool.Run(poolCtx); err != nil {
			errs <- err
		}
	}()

	// Run one sweep immediately rather than waiting a full interval.
	scheduler.Tick()
	scheduler.Start()
	logger.Info("cron scheduler started",
		"pool_size", cfg.WorkerPoolSize,
		"queue_size", cfg.WorkerQueueSize,
	)

	return func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		scheduler.Stop(stopCtx)
		stopPool()
		select {
		case <-poolDone:
		case <-stopCtx.Done():
			logger.Warn("pool did not drain before shutdown deadline")
		}
		logger.Info("cron scheduler stopped")
	}, nil
}

// startTemporal registers the sweep schedules and runs the Temporal worker
// that executes them.
func startTemporal(ctx context.Context, cfg *config.Config, runner *worker.Runner, m *metrics.Metrics, logger *slog.Logger, errs chan<- error) (func(), error) {
	temporalClient, err := temporal.NewClient(
		cfg.TemporalHost,
		cfg.TemporalNamespace,
		cfg.TemporalTaskQueue,
		logger,
	)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to temporal for schedule management",
		"host", cfg.TemporalHost,
		"namespace", cfg.TemporalNamespace,
	)

	passTimeout := temporal.PassTimeout(cfg.WorkerBatchSize, cfg.ConfirmationWait)
	if err := temporal.EnsureSweepSchedules(ctx, temporalClient, cfg.PassInterval, cfg.RecoverySampleRate, passTimeout); err != nil {
		temporalClient.Close()
		return nil, err
	}

	w, err := temporal.NewWorker(temporal.WorkerConfig{
		TemporalHost:      cfg.TemporalHost,
		TemporalNamespace: cfg.TemporalNamespace,
		TaskQueue:         cfg.TemporalTaskQueue,
		Runner:            runner,
		Metrics:           m,
		Logger:            logger,
	})
	if err != nil {
		temporalClient.Close()
		return nil, err
	}

	go func() {
		logger.Info("starting temporal worker", "task_queue", cfg.TemporalTaskQueue)
		if err := w.Start(); err != nil {
			errs <- err
		}
	}()

	return func() {
		logger.Info("stopping temporal worker")
		w.Stop()
		temporalClient.Close()
		logger.Info("temporal worker stopped")
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
