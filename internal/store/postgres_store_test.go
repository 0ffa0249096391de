package store

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestPostgresStoreContract(t *testing.T) {
	dsn := os.Getenv("PIXELBATCH_TEST_POSTGRES_DSN")
	if testing.Short() || dsn == "" {
		t.Skip("set PIXELBATCH_TEST_POSTGRES_DSN to run postgres integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	// Running migrations twice is a no-op.
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("re-run migrations: %v", err)
	}

	runStoreContract(t, s)
}
