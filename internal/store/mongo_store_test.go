package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/dunamismax/pixelbatch/internal/id"
)

func TestMongoStoreContract(t *testing.T) {
	uri := os.Getenv("PIXELBATCH_TEST_MONGO_URI")
	if testing.Short() || uri == "" {
		t.Skip("set PIXELBATCH_TEST_MONGO_URI to run mongo integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	database := "pixelbatch_test_" + id.New()[:8]
	s, err := NewMongoStore(ctx, uri, database)
	if err != nil {
		t.Fatalf("new mongo store: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.client.Database(database).Drop(cleanupCtx)
		_ = s.Close(cleanupCtx)
	})

	runStoreContract(t, s)
}
