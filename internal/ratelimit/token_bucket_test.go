package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dunamismax/pixelbatch/internal/config"
)

func TestNewTokenBucketValidation(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = client.Close() })

	if _, err := NewTokenBucket(nil, config.RateLimitConfig{Capacity: 1, Window: time.Second}); err == nil {
		t.Fatal("expected error for nil client")
	}
	if _, err := NewTokenBucket(client, config.RateLimitConfig{Capacity: 0, Window: time.Second}); err == nil {
		t.Fatal("expected error for zero capacity")
	}
	if _, err := NewTokenBucket(client, config.RateLimitConfig{Capacity: 5, Window: 0}); err == nil {
		t.Fatal("expected error for zero window")
	}

	bucket, err := NewTokenBucket(client, config.RateLimitConfig{Capacity: 30, Window: time.Minute})
	if err != nil {
		t.Fatalf("new token bucket: %v", err)
	}
	if bucket.ttl != 2*time.Minute {
		t.Fatalf("expected ttl of two windows, got %s", bucket.ttl)
	}
	if got := bucket.refillPerMS * float64(time.Minute.Milliseconds()); got < 29.999 || got > 30.001 {
		t.Fatalf("expected 30 tokens per window, got %f", got)
	}
}

func TestTokenBucketKey(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = client.Close() })

	bucket, err := newTokenBucket(client, 1, time.Second, "")
	if err != nil {
		t.Fatalf("new token bucket: %v", err)
	}
	if got := bucket.key("  "); got != "pixelbatch:ratelimit:anonymous" {
		t.Fatalf("unexpected anonymous key %q", got)
	}
	if got := bucket.key("user-7:/v1/batches"); got != "pixelbatch:ratelimit:user-7:/v1/batches" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestParseReply(t *testing.T) {
	decision, err := parseReply([]any{int64(0), int64(3), "1500"})
	if err != nil {
		t.Fatalf("parse reply: %v", err)
	}
	if decision.Allowed || decision.Remaining != 3 || decision.RetryAfter != 1500*time.Millisecond {
		t.Fatalf("unexpected decision %+v", decision)
	}

	if _, err := parseReply([]any{int64(1)}); !errors.Is(err, errMalformedReply) {
		t.Fatalf("expected malformed reply error, got %v", err)
	}
	if _, err := parseReply([]any{int64(1), true, int64(0)}); !errors.Is(err, errMalformedReply) {
		t.Fatalf("expected malformed reply error for bool element, got %v", err)
	}
}

func TestToInt64(t *testing.T) {
	tests := []struct {
		in      any
		want    int64
		wantErr bool
	}{
		{in: int64(4), want: 4},
		{in: 9, want: 9},
		{in: 2.9, want: 2},
		{in: "12", want: 12},
		{in: "x", wantErr: true},
		{in: nil, wantErr: true},
	}
	for _, tt := range tests {
		got, err := toInt64(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("toInt64(%v) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if !tt.wantErr && got != tt.want {
			t.Fatalf("toInt64(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
