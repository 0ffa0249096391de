package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/dunamismax/pixelbatch/internal/config"
)

func TestNewWithWriterEmitsStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewWithWriter(config.LogConfig{Level: "debug", Format: "json"}, "worker", &buf), "batch")

	logger.Info().Str("request_id", "req-1").Msg("batch completed")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["service"] != "worker" || entry["component"] != "batch" || entry["request_id"] != "req-1" {
		t.Fatalf("missing structured fields: %v", entry)
	}
}

func TestNewWithWriterFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LogConfig{Level: "chatty"}, "api", &buf)

	logger.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug to be filtered at info level, got %q", buf.String())
	}
}
