package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dunamismax/pixelbatch/internal/config"
)

func TestSendAddsSigningHeaders(t *testing.T) {
	var (
		gotSig  string
		gotTS   string
		gotEvt  string
		gotBody []byte
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderSignature)
		gotTS = r.Header.Get(HeaderTimestamp)
		gotEvt = r.Header.Get(HeaderEvent)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(config.NotifyConfig{
		SigningSecret: "test-secret",
		Timeout:       2 * time.Second,
	})

	err := client.Send(context.Background(), srv.URL, "processing.completed", map[string]any{"request_id": "req-1"})
	if err != nil {
		t.Fatalf("send returned error: %v", err)
	}

	if gotTS == "" {
		t.Fatal("expected timestamp header")
	}
	if gotSig != Sign("test-secret", gotTS, gotBody) {
		t.Fatalf("signature mismatch: %q", gotSig)
	}
	if gotEvt != "processing.completed" {
		t.Fatalf("expected event header processing.completed, got %q", gotEvt)
	}
}

func TestSendDoesNotRetry(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(config.NotifyConfig{Timeout: time.Second})
	if err := client.Send(context.Background(), srv.URL, "processing.completed", map[string]any{}); err == nil {
		t.Fatal("expected error for 503 response")
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("expected exactly one attempt, got %d", got)
	}
}

func TestSendSkipsEmptyEndpoint(t *testing.T) {
	client := NewClient(config.NotifyConfig{})
	if err := client.Send(context.Background(), "  ", "processing.completed", nil); err != nil {
		t.Fatalf("expected no-op for empty endpoint, got %v", err)
	}
}
