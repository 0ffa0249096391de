package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dunamismax/pixelbatch/internal/domain"
)

type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]domain.ProcessingRequest
	target   *domain.NotificationTarget
	now      func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]domain.ProcessingRequest),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(_ context.Context, req domain.ProcessingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.ID]; exists {
		return fmt.Errorf("insert request %s: duplicate id", req.ID)
	}
	s.requests[req.ID] = req.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (domain.ProcessingRequest, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return domain.ProcessingRequest{}, false, nil
	}
	return req.Clone(), true, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return domain.ErrRequestNotFound
	}
	req.Status = status
	req.UpdatedAt = s.now()
	s.requests[id] = req
	return nil
}

func (s *MemoryStore) UpdateProduct(_ context.Context, id string, serial int, update ProductUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return domain.ErrRequestNotFound
	}

	idx := slices.IndexFunc(req.Products, func(p domain.Product) bool { return p.SerialNumber == serial })
	if idx < 0 {
		return ErrProductNotFound
	}

	// Copy the slice so snapshots handed out earlier stay untouched.
	products := slices.Clone(req.Products)
	products[idx].OutputURLs = slices.Clone(outputURLs(update.OutputURLs))
	products[idx].Status = update.Status
	req.Products = products
	req.UpdatedAt = s.now()
	s.requests[id] = req
	return nil
}

func (s *MemoryStore) CompleteWithExport(_ context.Context, id string, export []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return domain.ErrRequestNotFound
	}
	if req.HasExport() {
		return ErrExportAlreadySet
	}
	req.Export = slices.Clone(export)
	req.Status = domain.StatusCompleted
	req.UpdatedAt = s.now()
	s.requests[id] = req
	return nil
}

func (s *MemoryStore) SaveTarget(_ context.Context, target domain.NotificationTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target.Events = slices.Clone(target.Events)
	if target.UpdatedAt.IsZero() {
		target.UpdatedAt = s.now()
	}
	s.target = &target
	return nil
}

func (s *MemoryStore) ActiveTarget(_ context.Context) (domain.NotificationTarget, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.target == nil || !s.target.Active {
		return domain.NotificationTarget{}, false, nil
	}
	out := *s.target
	out.Events = slices.Clone(out.Events)
	return out, true, nil
}
