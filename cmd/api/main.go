package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dunamismax/pixelbatch/internal/api"
	"github.com/dunamismax/pixelbatch/internal/app"
	"github.com/dunamismax/pixelbatch/internal/batch"
	"github.com/dunamismax/pixelbatch/internal/config"
	"github.com/dunamismax/pixelbatch/internal/logging"
	"github.com/dunamismax/pixelbatch/internal/queue"
	"github.com/dunamismax/pixelbatch/internal/ratelimit"
	"github.com/dunamismax/pixelbatch/internal/store"
	"github.com/dunamismax/pixelbatch/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, "api")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("api exited")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Tracing, "api", logger)
	if err != nil {
		return err
	}
	defer shutdownWith(logger, "tracing", shutdownTracing)

	st, closeStore, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer shutdownWith(logger, "store", closeStore)

	registry := api.NewRegistry()
	enqueuer, metrics, closeEnqueuer, err := newEnqueuer(ctx, cfg, logger, st, registry)
	if err != nil {
		return err
	}
	defer shutdownWith(logger, "enqueuer", closeEnqueuer)

	svc := batch.NewService(logging.Component(logger, "batch"), st, enqueuer, metrics)

	opts := []api.Option{api.WithRegistry(registry)}
	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn().Err(err).Msg("close redis client")
			}
		}()

		limiter, err := ratelimit.NewTokenBucket(redisClient, cfg.RateLimit)
		if err != nil {
			return fmt.Errorf("create rate limiter: %w", err)
		}
		opts = append(opts, api.WithRateLimiter(limiter, cfg.RateLimit.UserIDHeader))
		logger.Info().
			Int("capacity", cfg.RateLimit.Capacity).
			Dur("window", cfg.RateLimit.Window).
			Msg("rate limiting enabled")
	}

	srv, err := api.NewServer(logging.Component(logger, "http"), svc, opts...)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.API.Addr).Str("store", cfg.Store.Backend).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve http: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	return nil
}

// newEnqueuer returns the asynq client for shared stores. With the memory
// store nothing outside this process can see the request, so batches run
// in-process instead.
func newEnqueuer(ctx context.Context, cfg config.Config, logger zerolog.Logger, st store.Store, registry *prometheus.Registry) (batch.Enqueuer, *batch.Metrics, app.CloseFunc, error) {
	if cfg.Store.Backend != config.StoreBackendMemory {
		client := queue.NewClient(cfg.Queue)
		return client, batch.NewMetrics(registry), func(context.Context) error { return client.Close() }, nil
	}

	publisher, err := app.NewPublisher(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	rt, err := app.NewRuntime(ctx, cfg, logger, st, publisher, registry)
	if err != nil {
		return nil, nil, nil, err
	}
	inline := batch.NewInlineEnqueuer(logging.Component(logger, "inline"), rt.Orchestrator)
	logger.Info().Msg("processing batches in-process")

	return inline, rt.Metrics, func(ctx context.Context) error {
		inline.Wait()
		return rt.Close(ctx)
	}, nil
}

func shutdownWith(logger zerolog.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Warn().Err(err).Str("resource", name).Msg("shutdown failed")
	}
}
