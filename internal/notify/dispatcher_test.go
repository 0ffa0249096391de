package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dunamismax/pixelbatch/internal/config"
	"github.com/dunamismax/pixelbatch/internal/domain"
	"github.com/dunamismax/pixelbatch/internal/store"
	"github.com/dunamismax/pixelbatch/internal/webhook"
)

type recordingEvents struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingEvents) WriteEvent(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func seedCompletedRequest(t *testing.T, st *store.MemoryStore, id string) {
	t.Helper()

	ctx := context.Background()
	req := domain.Manifest{Products: []domain.ManifestProduct{
		{SerialNumber: 1, Name: "Widget", InputURLs: []string{"https://img.example.com/a.jpg"}},
	}}.NewRequest(id, time.Now().UTC())
	if err := st.Create(ctx, req); err != nil {
		t.Fatalf("create request: %v", err)
	}
	if err := st.CompleteWithExport(ctx, id, []byte("csv")); err != nil {
		t.Fatalf("complete request: %v", err)
	}
}

func TestNotifySendsWebhookEvent(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Event
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt Event
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			t.Errorf("decode event: %v", err)
		}
		if got := r.Header.Get(webhook.HeaderEvent); got != domain.EventProcessingCompleted {
			t.Errorf("unexpected event header %q", got)
		}
		mu.Lock()
		received = append(received, evt)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	seedCompletedRequest(t, st, "req-1")
	if err := st.SaveTarget(context.Background(), domain.NotificationTarget{URL: srv.URL, Active: true}); err != nil {
		t.Fatalf("save target: %v", err)
	}

	d := NewDispatcher(zerolog.Nop(), st, webhook.NewClient(config.NotifyConfig{Timeout: time.Second}))
	if err := d.Notify(context.Background(), "req-1"); err != nil {
		t.Fatalf("notify: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected one webhook call, got %d", len(received))
	}
	if received[0].RequestID != "req-1" || received[0].Status != domain.StatusCompleted {
		t.Fatalf("unexpected event %+v", received[0])
	}
}

func TestNotifyWithoutTargetIsNoop(t *testing.T) {
	st := store.NewMemoryStore()
	seedCompletedRequest(t, st, "req-2")

	d := NewDispatcher(zerolog.Nop(), st, webhook.NewClient(config.NotifyConfig{}))
	if err := d.Notify(context.Background(), "req-2"); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestNotifyRespectsEventFilter(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	seedCompletedRequest(t, st, "req-3")
	_ = st.SaveTarget(context.Background(), domain.NotificationTarget{URL: srv.URL, Events: []string{"something.else"}, Active: true})

	d := NewDispatcher(zerolog.Nop(), st, webhook.NewClient(config.NotifyConfig{}))
	if err := d.Notify(context.Background(), "req-3"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if called {
		t.Fatal("webhook should not be called for unsubscribed events")
	}
}

func TestNotifyFailureIsNotificationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	seedCompletedRequest(t, st, "req-4")
	_ = st.SaveTarget(context.Background(), domain.NotificationTarget{URL: srv.URL, Active: true})

	events := &recordingEvents{}
	d := NewDispatcher(zerolog.Nop(), st, webhook.NewClient(config.NotifyConfig{}), WithEventWriter(events))

	err := d.Notify(context.Background(), "req-4")
	var notifyErr *NotificationError
	if !errors.As(err, &notifyErr) {
		t.Fatalf("expected NotificationError, got %v", err)
	}
	if len(events.events) != 1 {
		t.Fatal("event stream should still receive the event when the webhook fails")
	}
}

func TestDispatchLogsFailuresAndWaitDrains(t *testing.T) {
	st := store.NewMemoryStore()
	seedCompletedRequest(t, st, "req-5")

	var logs bytes.Buffer
	events := &recordingEvents{err: errors.New("broker unavailable")}
	d := NewDispatcher(zerolog.New(&logs), st, nil, WithEventWriter(events), WithTimeout(time.Second))

	d.Dispatch("req-5")
	d.Wait()

	if len(events.events) != 1 || events.events[0].RequestID != "req-5" {
		t.Fatalf("unexpected events %+v", events.events)
	}
	if !strings.Contains(logs.String(), "completion notification failed") {
		t.Fatalf("expected failure to be logged, got %q", logs.String())
	}
}
