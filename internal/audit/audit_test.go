package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type collectingWriter struct {
	mu      sync.Mutex
	records []*Record
}

func (w *collectingWriter) Write(_ context.Context, rec *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = append(w.records, rec)
	return nil
}

func (w *collectingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.records)
}

type blockingWriter struct {
	release chan struct{}
}

func (w *blockingWriter) Write(_ context.Context, _ *Record) error {
	<-w.release
	return nil
}

func TestSinkFlushesOnClose(t *testing.T) {
	writer := &collectingWriter{}
	sink := NewSink(zap.NewNop(), writer, 16)

	for i := 0; i < 5; i++ {
		sink.Record(EventCapitalAllocation, "portfolio", "main", Options{
			Metadata: map[string]any{"run": i},
		})
	}
	sink.Close()

	if got := writer.count(); got != 5 {
		t.Fatalf("expected 5 records flushed, got %d", got)
	}

	writer.mu.Lock()
	first := writer.records[0]
	writer.mu.Unlock()
	if first.ID == "" {
		t.Error("expected a generated record ID")
	}
	if first.EventType != EventCapitalAllocation {
		t.Errorf("expected event type %s, got %s", EventCapitalAllocation, first.EventType)
	}
	if first.CreatedAt.IsZero() {
		t.Error("expected a timestamp")
	}
}

func TestSinkDropsWhenQueueFull(t *testing.T) {
	writer := &blockingWriter{release: make(chan struct{})}
	sink := NewSink(zap.NewNop(), writer, 1)

	// First record occupies the drain goroutine, second fills the queue.
	sink.Record(EventRiskEvaluation, "deployment", "dep-1", Options{})

	deadline := time.Now().Add(time.Second)
	for sink.dropped.Load() == 0 {
		sink.Record(EventRiskEvaluation, "deployment", "dep-1", Options{})
		if time.Now().After(deadline) {
			t.Fatal("expected a dropped record once the queue filled")
		}
	}

	close(writer.release)
	sink.Close()
}

func TestSinkIgnoresRecordsAfterClose(t *testing.T) {
	writer := &collectingWriter{}
	sink := NewSink(zap.NewNop(), writer, 16)
	sink.Close()

	sink.Record(EventAutoDemotion, "deployment", "dep-1", Options{})
	if got := writer.count(); got != 0 {
		t.Errorf("expected no records after close, got %d", got)
	}
}

func TestZapWriter(t *testing.T) {
	writer := NewZapWriter(zap.NewNop())
	err := writer.Write(context.Background(), &Record{
		EventType:  EventRegimeOverride,
		EntityType: "regime",
		EntityID:   "BTCUSDT",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
