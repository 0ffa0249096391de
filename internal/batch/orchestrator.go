// Package batch drives processing requests from Received to a terminal
// status and exposes the submit/status/export operations on top of it.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dunamismax/pixelbatch/internal/domain"
	"github.com/dunamismax/pixelbatch/internal/export"
	"github.com/dunamismax/pixelbatch/internal/pipeline"
	"github.com/dunamismax/pixelbatch/internal/store"
)

const failStatusTimeout = 10 * time.Second

type ProductProcessor interface {
	Process(ctx context.Context, requestID string, product domain.Product) pipeline.Result
}

type Notifier interface {
	Dispatch(requestID string)
}

type OrchestratorConfig struct {
	// ProductConcurrency bounds how many products of one request run at
	// once. Values below 1 mean sequential.
	ProductConcurrency int
	Notifier           Notifier
	Metrics            *Metrics
}

type Orchestrator struct {
	store              store.RequestStore
	products           ProductProcessor
	notifier           Notifier
	metrics            *Metrics
	productConcurrency int
	logger             zerolog.Logger
	tracer             trace.Tracer
}

func NewOrchestrator(logger zerolog.Logger, st store.RequestStore, products ProductProcessor, cfg OrchestratorConfig) (*Orchestrator, error) {
	if st == nil {
		return nil, errors.New("request store is required")
	}
	if products == nil {
		return nil, errors.New("product processor is required")
	}

	return &Orchestrator{
		store:              st,
		products:           products,
		notifier:           cfg.Notifier,
		metrics:            cfg.Metrics,
		productConcurrency: max(1, cfg.ProductConcurrency),
		logger:             logger,
		tracer:             otel.Tracer("pixelbatch/batch"),
	}, nil
}

// Run processes every product of the request and completes it with an
// export. Requests that are already Completed or Failed are left alone.
// Image-level failures never surface here; any returned error means the
// request was moved to Failed.
func (o *Orchestrator) Run(ctx context.Context, requestID string) error {
	startedAt := time.Now()
	outcome := string(domain.StatusFailed)

	ctx, span := o.tracer.Start(ctx, "batch.run")
	span.SetAttributes(attribute.String("request.id", requestID))
	defer span.End()

	o.metrics.batchStarted()
	defer func() {
		o.metrics.batchFinished(outcome, time.Since(startedAt))
	}()

	logger := o.logger.With().Str("request_id", requestID).Logger()

	req, found, err := o.store.Get(ctx, requestID)
	if err != nil {
		return o.fail(ctx, span, logger, requestID, &PersistenceError{Op: "load request", Err: err})
	}
	if !found {
		return o.fail(ctx, span, logger, requestID, fmt.Errorf("%w: %s", domain.ErrRequestNotFound, requestID))
	}
	if req.Status.IsTerminal() {
		outcome = "skipped"
		logger.Info().Str("status", string(req.Status)).Msg("request already finished, nothing to do")
		return nil
	}

	if err := o.store.UpdateStatus(ctx, requestID, domain.StatusProcessing); err != nil {
		return o.fail(ctx, span, logger, requestID, &PersistenceError{Op: "mark processing", Err: err})
	}
	span.SetAttributes(attribute.Int("request.products", len(req.Products)))
	logger.Info().Int("products", len(req.Products)).Msg("processing started")

	results, err := o.runProducts(ctx, logger, req)
	if err != nil {
		return o.fail(ctx, span, logger, requestID, err)
	}

	final := make([]domain.Product, len(req.Products))
	for i, p := range req.Products {
		p.OutputURLs = results[i].OutputURLs
		p.Status = domain.StatusCompleted
		final[i] = p
	}

	csv := export.Build(final)
	if err := o.store.CompleteWithExport(ctx, requestID, csv); err != nil {
		return o.fail(ctx, span, logger, requestID, &PersistenceError{Op: "store export", Err: err})
	}

	outcome = string(domain.StatusCompleted)
	span.SetStatus(codes.Ok, "completed")
	logger.Info().
		Dur("elapsed", time.Since(startedAt)).
		Int("export_bytes", len(csv)).
		Msg("processing completed")

	if o.notifier != nil {
		o.notifier.Dispatch(requestID)
	}
	return nil
}

// runProducts returns one result per product, indexed like req.Products,
// whatever order they finish in. Each product is persisted as soon as it
// completes.
func (o *Orchestrator) runProducts(ctx context.Context, logger zerolog.Logger, req domain.ProcessingRequest) ([]pipeline.Result, error) {
	results := make([]pipeline.Result, len(req.Products))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.productConcurrency)

	for i, product := range req.Products {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}

			res := o.processProduct(gctx, req.ID, product)
			// Images cut short by cancellation look like fetch skips; such a
			// product must not be stored as Completed.
			if err := gctx.Err(); err != nil {
				return fmt.Errorf("product %d interrupted: %w", product.SerialNumber, err)
			}
			err := o.store.UpdateProduct(gctx, req.ID, product.SerialNumber, store.ProductUpdate{
				OutputURLs: res.OutputURLs,
				Status:     domain.StatusCompleted,
			})
			if err != nil {
				return &PersistenceError{Op: fmt.Sprintf("update product %d", product.SerialNumber), Err: err}
			}

			results[i] = res
			o.metrics.productProcessed(res)
			logger.Info().
				Int("serial_number", product.SerialNumber).
				Int("published", res.Succeeded).
				Int("attempted", res.Attempted).
				Msg("product completed")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	// Cancellation may have stopped the loop without any goroutine failing.
	if err := ctx.Err(); err != nil {
		return nil, &PersistenceError{Op: "process products", Err: err}
	}
	return results, nil
}

func (o *Orchestrator) processProduct(ctx context.Context, requestID string, product domain.Product) pipeline.Result {
	ctx, span := o.tracer.Start(ctx, "batch.product")
	span.SetAttributes(
		attribute.String("request.id", requestID),
		attribute.Int("product.serial_number", product.SerialNumber),
		attribute.Int("product.input_urls", len(product.InputURLs)),
	)
	defer span.End()

	res := o.products.Process(ctx, requestID, product)
	span.SetAttributes(attribute.Int("product.output_urls", len(res.OutputURLs)))
	return res
}

// Fail records that the run for requestID could not start, for example
// because the task expired while waiting for a worker slot. Requests that
// already reached a terminal status are left unchanged. It returns cause.
func (o *Orchestrator) Fail(ctx context.Context, requestID string, cause error) error {
	logger := o.logger.With().Str("request_id", requestID).Logger()

	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failStatusTimeout)
	defer cancel()
	req, found, err := o.store.Get(lookupCtx, requestID)
	if err == nil && found && req.Status.IsTerminal() {
		logger.Info().Err(cause).Str("status", string(req.Status)).Msg("run abandoned for finished request")
		return cause
	}

	return o.fail(ctx, trace.SpanFromContext(ctx), logger, requestID, cause)
}

// fail marks the request Failed and returns cause. The status write is
// detached from ctx so a cancelled run still records its outcome.
func (o *Orchestrator) fail(ctx context.Context, span trace.Span, logger zerolog.Logger, requestID string, cause error) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, "batch failed")

	var persistErr *PersistenceError
	event := logger.Error().Err(cause)
	if errors.As(cause, &persistErr) {
		event = event.Str("op", persistErr.Op)
	}
	event.Msg("processing failed")

	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failStatusTimeout)
	defer cancel()

	if err := o.store.UpdateStatus(failCtx, requestID, domain.StatusFailed); err != nil {
		if errors.Is(err, domain.ErrRequestNotFound) {
			logger.Debug().Msg("request record missing, failed status not stored")
		} else {
			logger.Error().Err(err).Msg("could not mark request failed")
		}
	}
	return cause
}
