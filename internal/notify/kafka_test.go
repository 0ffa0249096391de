package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/dunamismax/pixelbatch/internal/domain"
)

type fakeMessageWriter struct {
	messages []kafka.Message
	closed   bool
}

func (f *fakeMessageWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeMessageWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaWriterKeysByRequestID(t *testing.T) {
	fake := &fakeMessageWriter{}
	w := &KafkaWriter{writer: fake}

	event := Event{RequestID: "req-9", Status: domain.StatusCompleted, Event: domain.EventProcessingCompleted, OccurredAt: time.Unix(0, 0).UTC()}
	if err := w.WriteEvent(context.Background(), event); err != nil {
		t.Fatalf("write event: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if len(fake.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(fake.messages))
	}
	msg := fake.messages[0]
	if string(msg.Key) != "req-9" {
		t.Fatalf("unexpected key %q", msg.Key)
	}
	var decoded Event
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if decoded.Event != domain.EventProcessingCompleted {
		t.Fatalf("unexpected event %+v", decoded)
	}
	if !fake.closed {
		t.Fatal("expected underlying writer to be closed")
	}
}

func TestNewKafkaWriterValidates(t *testing.T) {
	if _, err := NewKafkaWriter(nil, "topic"); err == nil {
		t.Fatal("expected error without brokers")
	}
	if _, err := NewKafkaWriter([]string{"localhost:9092"}, ""); err == nil {
		t.Fatal("expected error without topic")
	}
}
