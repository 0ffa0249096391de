// Package notify tells interested parties that a request finished. Delivery
// is best effort: failures are logged and never reach the orchestrator.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dunamismax/pixelbatch/internal/domain"
	"github.com/dunamismax/pixelbatch/internal/store"
)

const defaultDispatchTimeout = 15 * time.Second

type Event struct {
	RequestID  string        `json:"request_id"`
	Status     domain.Status `json:"status"`
	Event      string        `json:"event"`
	OccurredAt time.Time     `json:"occurred_at"`
}

type NotificationError struct {
	RequestID string
	Err       error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notify request %s: %v", e.RequestID, e.Err)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// EventWriter is an additional sink that receives every completion event.
type EventWriter interface {
	WriteEvent(ctx context.Context, event Event) error
}

type requestReader interface {
	Get(ctx context.Context, id string) (domain.ProcessingRequest, bool, error)
}

type Dispatcher struct {
	logger   zerolog.Logger
	requests requestReader
	targets  store.TargetStore
	webhook  webhookSender
	events   EventWriter
	timeout  time.Duration
	now      func() time.Time

	wg sync.WaitGroup
}

type Option func(*Dispatcher)

func WithEventWriter(w EventWriter) Option {
	return func(d *Dispatcher) { d.events = w }
}

func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

func NewDispatcher(logger zerolog.Logger, st store.Store, webhook webhookSender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:   logger,
		requests: st,
		targets:  st,
		webhook:  webhook,
		timeout:  defaultDispatchTimeout,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify sends the completion event for requestID synchronously.
func (d *Dispatcher) Notify(ctx context.Context, requestID string) error {
	target, hasTarget, err := d.targets.ActiveTarget(ctx)
	if err != nil {
		return &NotificationError{RequestID: requestID, Err: fmt.Errorf("load notification target: %w", err)}
	}
	if !hasTarget && d.events == nil {
		return nil
	}

	req, found, err := d.requests.Get(ctx, requestID)
	if err != nil {
		return &NotificationError{RequestID: requestID, Err: fmt.Errorf("load request: %w", err)}
	}
	if !found {
		return &NotificationError{RequestID: requestID, Err: domain.ErrRequestNotFound}
	}

	event := Event{
		RequestID:  req.ID,
		Status:     req.Status,
		Event:      domain.EventProcessingCompleted,
		OccurredAt: d.now(),
	}

	var errs []error
	if hasTarget && target.Wants(event.Event) && d.webhook != nil {
		if err := d.webhook.Send(ctx, target.URL, event.Event, event); err != nil {
			errs = append(errs, fmt.Errorf("webhook: %w", err))
		}
	}
	if d.events != nil {
		if err := d.events.WriteEvent(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("event stream: %w", err))
		}
	}
	if len(errs) > 0 {
		return &NotificationError{RequestID: requestID, Err: errors.Join(errs...)}
	}
	return nil
}

// Dispatch runs Notify in the background with its own timeout and returns
// immediately.
func (d *Dispatcher) Dispatch(requestID string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.Notify(ctx, requestID); err != nil {
			d.logger.Warn().Err(err).Str("request_id", requestID).Msg("completion notification failed")
			return
		}
		d.logger.Debug().Str("request_id", requestID).Msg("completion notification sent")
	}()
}

// Wait blocks until in-flight dispatches finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
