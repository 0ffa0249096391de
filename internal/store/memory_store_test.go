package store

import (
	"context"
	"testing"
)

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	req := newTestRequest(t)
	if err := s.Create(ctx, req); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, _, _ := s.Get(ctx, req.ID)
	got.Products[0].Name = "mutated"
	got.Products[0].OutputURLs = append(got.Products[0].OutputURLs, "https://evil.example.com")

	again, _, _ := s.Get(ctx, req.ID)
	if again.Products[0].Name != "Widget" || len(again.Products[0].OutputURLs) != 0 {
		t.Fatalf("stored request was mutated through a snapshot: %+v", again.Products[0])
	}
}

func TestMemoryStoreRejectsDuplicateIDs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	req := newTestRequest(t)
	if err := s.Create(ctx, req); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, req); err == nil {
		t.Fatal("expected duplicate create to fail")
	}
}
