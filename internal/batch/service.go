package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/dunamismax/pixelbatch/internal/domain"
	"github.com/dunamismax/pixelbatch/internal/id"
	"github.com/dunamismax/pixelbatch/internal/queue"
	"github.com/dunamismax/pixelbatch/internal/store"
)

type Enqueuer interface {
	EnqueueProcessBatch(ctx context.Context, payload queue.ProcessBatchPayload) (*asynq.TaskInfo, error)
}

type Service struct {
	store    store.Store
	enqueuer Enqueuer
	metrics  *Metrics
	logger   zerolog.Logger
	newID    func() string
	now      func() time.Time
}

func NewService(logger zerolog.Logger, st store.Store, enqueuer Enqueuer, metrics *Metrics) *Service {
	return &Service{
		store:    st,
		enqueuer: enqueuer,
		metrics:  metrics,
		logger:   logger,
		newID:    id.New,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Submit validates the manifest, stores a Received request and schedules its
// processing. It returns before any image is touched.
func (s *Service) Submit(ctx context.Context, manifest domain.Manifest) (string, error) {
	if err := manifest.Validate(); err != nil {
		return "", err
	}

	now := s.now()
	req := manifest.NewRequest(s.newID(), now)
	if err := s.store.Create(ctx, req); err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	_, err := s.enqueuer.EnqueueProcessBatch(ctx, queue.ProcessBatchPayload{
		RequestID:   req.ID,
		RequestedAt: now,
	})
	if err != nil {
		// Nothing will ever pick the request up, so it must not stay Received.
		failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failStatusTimeout)
		defer cancel()
		if markErr := s.store.UpdateStatus(failCtx, req.ID, domain.StatusFailed); markErr != nil {
			s.logger.Error().Err(markErr).Str("request_id", req.ID).Msg("could not mark unscheduled request failed")
		}
		return "", fmt.Errorf("enqueue request %s: %w", req.ID, err)
	}

	s.metrics.submitted()
	s.logger.Info().
		Str("request_id", req.ID).
		Int("products", len(req.Products)).
		Msg("request accepted")
	return req.ID, nil
}

func (s *Service) Status(ctx context.Context, requestID string) (domain.ProcessingRequest, error) {
	req, found, err := s.store.Get(ctx, requestID)
	if err != nil {
		return domain.ProcessingRequest{}, fmt.Errorf("load request: %w", err)
	}
	if !found {
		return domain.ProcessingRequest{}, domain.ErrRequestNotFound
	}
	return req, nil
}

// Export returns the CSV export. ok is false until the request is Completed.
func (s *Service) Export(ctx context.Context, requestID string) ([]byte, bool, error) {
	req, err := s.Status(ctx, requestID)
	if err != nil {
		return nil, false, err
	}
	if req.Status != domain.StatusCompleted || !req.HasExport() {
		return nil, false, nil
	}
	return req.Export, true, nil
}

// ConfigureWebhook replaces the single notification target and activates it.
func (s *Service) ConfigureWebhook(ctx context.Context, target domain.NotificationTarget) (domain.NotificationTarget, error) {
	if err := target.Validate(); err != nil {
		return domain.NotificationTarget{}, err
	}
	if len(target.Events) == 0 {
		target.Events = []string{domain.EventProcessingCompleted}
	}
	target.Active = true
	target.UpdatedAt = s.now()

	if err := s.store.SaveTarget(ctx, target); err != nil {
		return domain.NotificationTarget{}, fmt.Errorf("save webhook: %w", err)
	}
	return target, nil
}

// InlineEnqueuer runs the orchestrator on a goroutine in the current process
// instead of going through the queue. It backs the single-process mode used
// with the memory store.
type InlineEnqueuer struct {
	orchestrator *Orchestrator
	logger       zerolog.Logger
	wg           sync.WaitGroup
}

func NewInlineEnqueuer(logger zerolog.Logger, orchestrator *Orchestrator) *InlineEnqueuer {
	return &InlineEnqueuer{orchestrator: orchestrator, logger: logger}
}

func (e *InlineEnqueuer) EnqueueProcessBatch(_ context.Context, payload queue.ProcessBatchPayload) (*asynq.TaskInfo, error) {
	if e.orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.orchestrator.Run(context.Background(), payload.RequestID); err != nil {
			e.logger.Error().Err(err).Str("request_id", payload.RequestID).Msg("inline batch run failed")
		}
	}()
	return &asynq.TaskInfo{ID: payload.RequestID, Type: queue.TypeProcessBatch}, nil
}

// Wait blocks until every inline run has finished.
func (e *InlineEnqueuer) Wait() {
	e.wg.Wait()
}
