// Package store persists processing requests and the notification target.
// Every mutation is a targeted update so concurrent status reads never see a
// product update applied to the wrong sibling.
package store

import (
	"context"
	"errors"

	"github.com/dunamismax/pixelbatch/internal/domain"
)

var (
	ErrProductNotFound  = errors.New("product not found in request")
	ErrExportAlreadySet = errors.New("export already set")
)

type ProductUpdate struct {
	OutputURLs []string
	Status     domain.Status
}

type RequestStore interface {
	Create(ctx context.Context, req domain.ProcessingRequest) error
	Get(ctx context.Context, id string) (domain.ProcessingRequest, bool, error)
	UpdateStatus(ctx context.Context, id string, status domain.Status) error
	UpdateProduct(ctx context.Context, id string, serial int, update ProductUpdate) error
	// CompleteWithExport stores the export and sets the Completed status in
	// one atomic update. It fails with ErrExportAlreadySet on a second call.
	CompleteWithExport(ctx context.Context, id string, export []byte) error
}

type TargetStore interface {
	SaveTarget(ctx context.Context, target domain.NotificationTarget) error
	ActiveTarget(ctx context.Context) (domain.NotificationTarget, bool, error)
}

type Store interface {
	RequestStore
	TargetStore
}

func outputURLs(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
