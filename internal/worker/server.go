// Package worker hosts the batch orchestrator behind an asynq server.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/pixelbatch/internal/config"
	"github.com/dunamismax/pixelbatch/internal/queue"
)

type batchRunner interface {
	Run(ctx context.Context, requestID string) error
	Fail(ctx context.Context, requestID string, cause error) error
}

type Server struct {
	logger  zerolog.Logger
	server  *asynq.Server
	sem     chan struct{}
	runner  batchRunner
	metrics *metrics
	tracer  trace.Tracer
}

func NewServer(
	logger zerolog.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	runner batchRunner,
	registry *prometheus.Registry,
) (*Server, error) {
	if runner == nil {
		return nil, errors.New("batch runner is required")
	}
	if registry == nil {
		registry = NewRegistry()
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: max(1, workerCfg.Concurrency),
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				Logger:   asynqLogger{logger: logger.With().Str("component", "asynq").Logger()},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Error().
						Err(err).
						Str("task_type", task.Type()).
						Int("retry", retried).
						Int("max_retry", maxRetry).
						Msg("task failed")
				}),
			},
		),
		sem:     make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		runner:  runner,
		metrics: newMetrics(registry),
		tracer:  otel.Tracer("pixelbatch/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	return s.server.Run(s.mux())
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeProcessBatch, s.handleProcessBatch)
	return mux
}

func (s *Server) handleProcessBatch(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := "failed"

	payload, err := queue.ParseProcessBatchPayload(task)
	if err != nil {
		s.metrics.tasksTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.process_batch", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("request.id", payload.RequestID),
		attribute.String("task.requested_at", payload.RequestedAt.Format(time.RFC3339)),
	)
	defer span.End()
	defer func() {
		s.metrics.taskDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.tasksTotal.WithLabelValues(outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		// Tasks are never retried, so the request must still reach a
		// terminal status.
		cause := fmt.Errorf("waiting for batch slot: %w", ctx.Err())
		outcome = "expired"
		span.RecordError(cause)
		span.SetStatus(codes.Error, "batch slot wait expired")
		_ = s.runner.Fail(ctx, payload.RequestID, cause)
		return fmt.Errorf("run batch %s: %v: %w", payload.RequestID, cause, asynq.SkipRetry)
	}
	s.metrics.activeTasks.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeTasks.Dec()
	}()

	s.logger.Info().
		Str("request_id", payload.RequestID).
		Dur("queued_for", time.Since(payload.RequestedAt)).
		Msg("batch picked up")

	if err := s.runner.Run(ctx, payload.RequestID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch failed")
		return fmt.Errorf("run batch %s: %v: %w", payload.RequestID, err, asynq.SkipRetry)
	}

	outcome = "succeeded"
	span.SetStatus(codes.Ok, "processed")
	return nil
}

// asynqLogger routes asynq's internal logging through zerolog.
type asynqLogger struct {
	logger zerolog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }
