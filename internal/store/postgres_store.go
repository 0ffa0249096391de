package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/dunamismax/pixelbatch/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

const webhookRowID = 1

type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Migrate applies the embedded goose migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil && !errors.Is(err, goose.ErrNoNextVersion) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Create(ctx context.Context, req domain.ProcessingRequest) error {
	productsJSON, err := json.Marshal(req.Products)
	if err != nil {
		return fmt.Errorf("marshal products: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO processing_requests (request_id, status, products, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		req.ID,
		req.Status,
		string(productsJSON),
		req.CreatedAt,
		req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (domain.ProcessingRequest, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT request_id, status, products, csv_data, created_at, updated_at
		 FROM processing_requests
		 WHERE request_id = $1`,
		id,
	)

	var (
		req          domain.ProcessingRequest
		productsJSON []byte
	)
	if err := row.Scan(
		&req.ID,
		&req.Status,
		&productsJSON,
		&req.Export,
		&req.CreatedAt,
		&req.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ProcessingRequest{}, false, nil
		}
		return domain.ProcessingRequest{}, false, fmt.Errorf("query request: %w", err)
	}

	if err := json.Unmarshal(productsJSON, &req.Products); err != nil {
		return domain.ProcessingRequest{}, false, fmt.Errorf("unmarshal products: %w", err)
	}
	for i := range req.Products {
		req.Products[i].OutputURLs = outputURLs(req.Products[i].OutputURLs)
	}
	return req, true, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status domain.Status) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE processing_requests
		 SET status = $1, updated_at = $2
		 WHERE request_id = $3`,
		status,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("update request status: %w", err)
	}
	return requireRow(res, func() error { return domain.ErrRequestNotFound })
}

// UpdateProduct rewrites only the array element whose serial_number matches,
// keeping element order.
func (s *PostgresStore) UpdateProduct(ctx context.Context, id string, serial int, update ProductUpdate) error {
	urlsJSON, err := json.Marshal(outputURLs(update.OutputURLs))
	if err != nil {
		return fmt.Errorf("marshal output urls: %w", err)
	}

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE processing_requests
		 SET products = (
		 	SELECT jsonb_agg(
		 		CASE WHEN (elem->>'serial_number')::int = $2
		 			THEN elem || jsonb_build_object('output_urls', $3::jsonb, 'processing_status', $4::text)
		 			ELSE elem
		 		END
		 		ORDER BY ord
		 	)
		 	FROM jsonb_array_elements(products) WITH ORDINALITY AS t(elem, ord)
		 ),
		 updated_at = $5
		 WHERE request_id = $1
		   AND products @> jsonb_build_array(jsonb_build_object('serial_number', $2::int))`,
		id,
		serial,
		string(urlsJSON),
		string(update.Status),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update product %d: %w", serial, err)
	}
	return requireRow(res, func() error { return s.missing(ctx, id, ErrProductNotFound) })
}

func (s *PostgresStore) CompleteWithExport(ctx context.Context, id string, export []byte) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE processing_requests
		 SET csv_data = $1, status = $2, updated_at = $3
		 WHERE request_id = $4 AND csv_data IS NULL`,
		export,
		domain.StatusCompleted,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("complete request: %w", err)
	}
	return requireRow(res, func() error { return s.missing(ctx, id, ErrExportAlreadySet) })
}

func (s *PostgresStore) SaveTarget(ctx context.Context, target domain.NotificationTarget) error {
	eventsJSON, err := json.Marshal(target.Events)
	if err != nil {
		return fmt.Errorf("marshal webhook events: %w", err)
	}
	if target.UpdatedAt.IsZero() {
		target.UpdatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO webhooks (id, webhook_url, events, active, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET webhook_url = EXCLUDED.webhook_url,
		     events = EXCLUDED.events,
		     active = EXCLUDED.active,
		     updated_at = EXCLUDED.updated_at`,
		webhookRowID,
		target.URL,
		string(eventsJSON),
		target.Active,
		target.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert webhook: %w", err)
	}
	return nil
}

func (s *PostgresStore) ActiveTarget(ctx context.Context) (domain.NotificationTarget, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT webhook_url, events, active, updated_at
		 FROM webhooks
		 WHERE id = $1 AND active`,
		webhookRowID,
	)

	var (
		target     domain.NotificationTarget
		eventsJSON []byte
	)
	if err := row.Scan(&target.URL, &eventsJSON, &target.Active, &target.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NotificationTarget{}, false, nil
		}
		return domain.NotificationTarget{}, false, fmt.Errorf("query webhook: %w", err)
	}
	if err := json.Unmarshal(eventsJSON, &target.Events); err != nil {
		return domain.NotificationTarget{}, false, fmt.Errorf("unmarshal webhook events: %w", err)
	}
	return target, true, nil
}

// missing reports ErrRequestNotFound when the request row is gone and
// otherwise returns cause.
func (s *PostgresStore) missing(ctx context.Context, id string, cause error) error {
	var exists bool
	err := s.db.QueryRowContext(
		ctx,
		`SELECT EXISTS (SELECT 1 FROM processing_requests WHERE request_id = $1)`,
		id,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check request existence: %w", err)
	}
	if !exists {
		return domain.ErrRequestNotFound
	}
	return cause
}

func requireRow(res sql.Result, onZero func() error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read affected rows: %w", err)
	}
	if n == 0 {
		return onZero()
	}
	return nil
}
