package store

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/pixelbatch/internal/domain"
	"github.com/dunamismax/pixelbatch/internal/id"
)

// runStoreContract exercises behaviour every backend must share.
func runStoreContract(t *testing.T, s Store) {
	t.Helper()

	t.Run("create and get", func(t *testing.T) {
		ctx := context.Background()
		req := newTestRequest(t)
		if err := s.Create(ctx, req); err != nil {
			t.Fatalf("create: %v", err)
		}

		got, ok, err := s.Get(ctx, req.ID)
		if err != nil || !ok {
			t.Fatalf("get: ok=%v err=%v", ok, err)
		}
		if got.Status != domain.StatusReceived {
			t.Fatalf("expected received, got %s", got.Status)
		}
		if len(got.Products) != 3 || got.Products[1].SerialNumber != 2 {
			t.Fatalf("unexpected products: %+v", got.Products)
		}
		if got.Products[0].OutputURLs == nil {
			t.Fatal("expected non-nil output urls")
		}
		if got.HasExport() {
			t.Fatal("new request must not have an export")
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		ctx := context.Background()
		if _, ok, err := s.Get(ctx, "does-not-exist"); ok || err != nil {
			t.Fatalf("expected not found without error, got ok=%v err=%v", ok, err)
		}
		if err := s.UpdateStatus(ctx, "does-not-exist", domain.StatusFailed); !errors.Is(err, domain.ErrRequestNotFound) {
			t.Fatalf("update status: expected ErrRequestNotFound, got %v", err)
		}
		if err := s.UpdateProduct(ctx, "does-not-exist", 1, ProductUpdate{Status: domain.StatusCompleted}); !errors.Is(err, domain.ErrRequestNotFound) {
			t.Fatalf("update product: expected ErrRequestNotFound, got %v", err)
		}
		if err := s.CompleteWithExport(ctx, "does-not-exist", []byte("x")); !errors.Is(err, domain.ErrRequestNotFound) {
			t.Fatalf("complete: expected ErrRequestNotFound, got %v", err)
		}
	})

	t.Run("update product targets one sibling", func(t *testing.T) {
		ctx := context.Background()
		req := newTestRequest(t)
		if err := s.Create(ctx, req); err != nil {
			t.Fatalf("create: %v", err)
		}

		err := s.UpdateProduct(ctx, req.ID, 2, ProductUpdate{
			OutputURLs: []string{"https://cdn.example.com/2-0.jpg"},
			Status:     domain.StatusCompleted,
		})
		if err != nil {
			t.Fatalf("update product: %v", err)
		}

		got, _, err := s.Get(ctx, req.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		for _, p := range got.Products {
			switch p.SerialNumber {
			case 2:
				if p.Status != domain.StatusCompleted || !slices.Equal(p.OutputURLs, []string{"https://cdn.example.com/2-0.jpg"}) {
					t.Fatalf("product 2 not updated: %+v", p)
				}
			default:
				if p.Status != domain.StatusReceived || len(p.OutputURLs) != 0 {
					t.Fatalf("sibling %d was modified: %+v", p.SerialNumber, p)
				}
			}
		}
		if got.Products[0].SerialNumber != 1 || got.Products[2].SerialNumber != 3 {
			t.Fatalf("product order changed: %+v", got.Products)
		}

		if err := s.UpdateProduct(ctx, req.ID, 99, ProductUpdate{Status: domain.StatusCompleted}); !errors.Is(err, ErrProductNotFound) {
			t.Fatalf("expected ErrProductNotFound, got %v", err)
		}
	})

	t.Run("concurrent product updates", func(t *testing.T) {
		ctx := context.Background()
		req := newTestRequest(t)
		if err := s.Create(ctx, req); err != nil {
			t.Fatalf("create: %v", err)
		}

		var wg sync.WaitGroup
		for _, p := range req.Products {
			wg.Add(1)
			go func(serial int) {
				defer wg.Done()
				_ = s.UpdateProduct(ctx, req.ID, serial, ProductUpdate{
					OutputURLs: []string{"https://cdn.example.com/" + string(rune('a'+serial))},
					Status:     domain.StatusCompleted,
				})
			}(p.SerialNumber)
		}
		wg.Wait()

		got, _, err := s.Get(ctx, req.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		for _, p := range got.Products {
			want := "https://cdn.example.com/" + string(rune('a'+p.SerialNumber))
			if p.Status != domain.StatusCompleted || len(p.OutputURLs) != 1 || p.OutputURLs[0] != want {
				t.Fatalf("product %d has unexpected state %+v", p.SerialNumber, p)
			}
		}
	})

	t.Run("export is set once", func(t *testing.T) {
		ctx := context.Background()
		req := newTestRequest(t)
		if err := s.Create(ctx, req); err != nil {
			t.Fatalf("create: %v", err)
		}

		if err := s.CompleteWithExport(ctx, req.ID, []byte("header\r\nrow\r\n")); err != nil {
			t.Fatalf("complete: %v", err)
		}
		if err := s.CompleteWithExport(ctx, req.ID, []byte("other")); !errors.Is(err, ErrExportAlreadySet) {
			t.Fatalf("expected ErrExportAlreadySet, got %v", err)
		}

		got, _, err := s.Get(ctx, req.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != domain.StatusCompleted {
			t.Fatalf("expected completed, got %s", got.Status)
		}
		if string(got.Export) != "header\r\nrow\r\n" {
			t.Fatalf("export was overwritten: %q", got.Export)
		}
	})

	t.Run("notification target", func(t *testing.T) {
		ctx := context.Background()
		if err := s.SaveTarget(ctx, domain.NotificationTarget{URL: "https://hooks.example.com/a", Events: []string{domain.EventProcessingCompleted}, Active: true}); err != nil {
			t.Fatalf("save target: %v", err)
		}
		if err := s.SaveTarget(ctx, domain.NotificationTarget{URL: "https://hooks.example.com/b", Events: []string{domain.EventProcessingCompleted}, Active: true}); err != nil {
			t.Fatalf("save target: %v", err)
		}

		target, ok, err := s.ActiveTarget(ctx)
		if err != nil || !ok {
			t.Fatalf("active target: ok=%v err=%v", ok, err)
		}
		if target.URL != "https://hooks.example.com/b" {
			t.Fatalf("expected upserted target, got %q", target.URL)
		}

		if err := s.SaveTarget(ctx, domain.NotificationTarget{URL: "https://hooks.example.com/b", Active: false}); err != nil {
			t.Fatalf("deactivate target: %v", err)
		}
		if _, ok, err := s.ActiveTarget(ctx); ok || err != nil {
			t.Fatalf("expected no active target, got ok=%v err=%v", ok, err)
		}
	})
}

func newTestRequest(t *testing.T) domain.ProcessingRequest {
	t.Helper()

	m := domain.Manifest{Products: []domain.ManifestProduct{
		{SerialNumber: 1, Name: "Widget", InputURLs: []string{"https://img.example.com/1.jpg"}},
		{SerialNumber: 2, Name: "Gadget", InputURLs: []string{"https://img.example.com/2.jpg", "https://img.example.com/2b.jpg"}},
		{SerialNumber: 3, Name: "Gizmo", InputURLs: []string{"https://img.example.com/3.jpg"}},
	}}
	return m.NewRequest(id.New(), time.Now().UTC().Truncate(time.Millisecond))
}
