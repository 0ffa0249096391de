package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pixelbatch.yaml")
	contents := []byte(`
store:
  backend: mongo
codec:
  quality: 70
notify:
  enabled: true
  kafka_brokers: ["kafka-a:9092"]
worker:
  product_concurrency: 3
`)
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("PIXELBATCH_CONFIG", path)
	t.Setenv("CODEC_QUALITY", "40")
	t.Setenv("FETCH_TIMEOUT", "5s")
	t.Setenv("NOTIFY_KAFKA_BROKERS", "kafka-b:9092, kafka-c:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Store.Backend != StoreBackendMongo {
		t.Fatalf("expected store backend from file, got %s", cfg.Store.Backend)
	}
	if cfg.Codec.Quality != 40 {
		t.Fatalf("expected env to override quality, got %d", cfg.Codec.Quality)
	}
	if cfg.Fetch.Timeout != 5*time.Second {
		t.Fatalf("expected fetch timeout 5s, got %s", cfg.Fetch.Timeout)
	}
	if !cfg.Notify.Enabled {
		t.Fatal("expected notifications enabled from file")
	}
	if len(cfg.Notify.KafkaBrokers) != 2 || cfg.Notify.KafkaBrokers[1] != "kafka-c:9092" {
		t.Fatalf("unexpected kafka brokers: %v", cfg.Notify.KafkaBrokers)
	}
	if cfg.Worker.ProductConcurrency != 3 {
		t.Fatalf("expected product concurrency 3, got %d", cfg.Worker.ProductConcurrency)
	}
}

func TestDefaultsMatchObservedBehaviour(t *testing.T) {
	cfg := Defaults()
	if cfg.Codec.Quality != 50 {
		t.Fatalf("expected default quality 50, got %d", cfg.Codec.Quality)
	}
	if cfg.Notify.Enabled {
		t.Fatal("expected notifications disabled by default")
	}
	if cfg.Worker.ProductConcurrency != 1 {
		t.Fatalf("expected sequential products by default, got %d", cfg.Worker.ProductConcurrency)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestValidateRejectsUnknownBackends(t *testing.T) {
	cfg := Defaults()
	cfg.Store.Backend = "cassandra"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown store backend")
	}

	cfg = Defaults()
	cfg.Publish.Backend = PublishBackendHTTP
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for http publisher without client id")
	}

	cfg = Defaults()
	cfg.Codec.Quality = 101
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for quality above 100")
	}
}

func TestLoadKeepsZeroQuality(t *testing.T) {
	t.Setenv("PIXELBATCH_CONFIG", "")
	t.Setenv("CODEC_QUALITY", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Codec.Quality != 0 {
		t.Fatalf("expected CODEC_QUALITY=0 to be honoured, got %d", cfg.Codec.Quality)
	}
}
