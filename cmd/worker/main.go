package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/dunamismax/pixelbatch/internal/app"
	"github.com/dunamismax/pixelbatch/internal/config"
	"github.com/dunamismax/pixelbatch/internal/logging"
	"github.com/dunamismax/pixelbatch/internal/telemetry"
	"github.com/dunamismax/pixelbatch/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, "worker")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("worker exited")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	if cfg.Store.Backend == config.StoreBackendMemory {
		return errors.New("worker needs a shared store; memory requests are processed by the api process")
	}

	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Tracing, "worker", logger)
	if err != nil {
		return err
	}
	defer shutdownWith(logger, "tracing", shutdownTracing)

	st, closeStore, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer shutdownWith(logger, "store", closeStore)

	publisher, err := app.NewPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}

	registry := worker.NewRegistry()
	rt, err := app.NewRuntime(ctx, cfg, logger, st, publisher, registry)
	if err != nil {
		return err
	}
	// Runs after the asynq server has drained, so every completion event
	// queued by a finished batch is delivered before exit.
	defer shutdownWith(logger, "runtime", rt.Close)

	srv, err := worker.NewServer(logging.Component(logger, "worker"), cfg.Queue, cfg.Worker, rt.Orchestrator, registry)
	if err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           metricsMux(srv),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.Worker.MetricsAddr).Msg("metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	defer shutdownWith(logger, "metrics server", metricsServer.Shutdown)

	logger.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Int("max_active_jobs", cfg.Worker.MaxActiveJobs).
		Int("product_concurrency", cfg.Worker.ProductConcurrency).
		Str("queue", cfg.Queue.Name).
		Str("redis", cfg.Queue.RedisAddr).
		Str("store", cfg.Store.Backend).
		Str("publisher", cfg.Publish.Backend).
		Msg("starting worker")

	// Run blocks until SIGINT or SIGTERM and waits for active tasks.
	if err := srv.Run(); err != nil {
		return fmt.Errorf("run worker: %w", err)
	}
	logger.Info().Msg("worker stopped")
	return nil
}

func metricsMux(srv *worker.Server) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", srv.MetricsHandler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func shutdownWith(logger zerolog.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Warn().Err(err).Str("resource", name).Msg("shutdown failed")
	}
}
