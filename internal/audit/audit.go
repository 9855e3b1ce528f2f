// Package audit provides the fire-and-forget audit trail for engine
// decisions. Records are submitted without blocking the caller's critical
// path; write failures are logged, never propagated.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types recorded by the engines.
const (
	EventCapitalAllocation   = "capital_allocation"
	EventPromotionEvaluation = "promotion_evaluation"
	EventRiskEvaluation      = "risk_evaluation"
	EventAutoDemotion        = "auto_demotion"
	EventRegimeRefresh       = "regime_refresh"
	EventRegimeOverride      = "regime_override"

	EventDeploymentStatusChange = "deployment_status_change"
)

// Record is a single audit log entry.
type Record struct {
	ID          string         `json:"id" db:"id"`
	EventType   string         `json:"eventType" db:"event_type"`
	EntityType  string         `json:"entityType" db:"entity_type"`
	EntityID    string         `json:"entityId" db:"entity_id"`
	UserID      string         `json:"userId,omitempty" db:"user_id"`
	BeforeState map[string]any `json:"beforeState,omitempty" db:"-"`
	AfterState  map[string]any `json:"afterState,omitempty" db:"-"`
	Metadata    map[string]any `json:"metadata,omitempty" db:"-"`
	CreatedAt   time.Time      `json:"createdAt" db:"created_at"`
}

// Options carries the optional fields of an audit record.
type Options struct {
	UserID      string
	BeforeState map[string]any
	AfterState  map[string]any
	Metadata    map[string]any
}

// Logger is the interface the engines record against.
type Logger interface {
	Record(eventType, entityType, entityID string, opts Options)
}

// Writer persists a completed record.
type Writer interface {
	Write(ctx context.Context, rec *Record) error
}

// Sink is an asynchronous audit logger with a bounded queue and a single
// drain goroutine. A full queue drops the record with a warning rather
// than blocking the caller.
type Sink struct {
	logger  *zap.Logger
	writer  Writer
	queue   chan *Record
	wg      sync.WaitGroup
	closed  atomic.Bool
	dropped atomic.Int64
}

// NewSink creates and starts an audit sink.
func NewSink(logger *zap.Logger, writer Writer, queueSize int) *Sink {
	if queueSize <= 0 {
		queueSize = 1024
	}
	s := &Sink{
		logger: logger.Named("audit-sink"),
		writer: writer,
		queue:  make(chan *Record, queueSize),
	}
	s.wg.Add(1)
	go s.drain()
	return s
}

// Record enqueues an audit entry without blocking.
func (s *Sink) Record(eventType, entityType, entityID string, opts Options) {
	if s.closed.Load() {
		return
	}
	rec := &Record{
		ID:          uuid.NewString(),
		EventType:   eventType,
		EntityType:  entityType,
		EntityID:    entityID,
		UserID:      opts.UserID,
		BeforeState: opts.BeforeState,
		AfterState:  opts.AfterState,
		Metadata:    opts.Metadata,
		CreatedAt:   time.Now().UTC(),
	}
	select {
	case s.queue <- rec:
	default:
		n := s.dropped.Add(1)
		s.logger.Warn("Audit queue full, record dropped",
			zap.String("eventType", eventType),
			zap.String("entityId", entityID),
			zap.Int64("totalDropped", n),
		)
	}
}

// drain writes queued records until the queue is closed.
func (s *Sink) drain() {
	defer s.wg.Done()
	for rec := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.writer.Write(ctx, rec); err != nil {
			s.logger.Error("Audit write failed",
				zap.String("eventType", rec.EventType),
				zap.String("entityId", rec.EntityID),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Close stops accepting records and flushes the queue.
func (s *Sink) Close() {
	if s.closed.Swap(true) {
		return
	}
	close(s.queue)
	s.wg.Wait()
}

// ZapWriter writes audit records to the application log. Used when no
// database is configured.
type ZapWriter struct {
	logger *zap.Logger
}

// NewZapWriter creates a log-backed audit writer.
func NewZapWriter(logger *zap.Logger) *ZapWriter {
	return &ZapWriter{logger: logger.Named("audit")}
}

// Write logs the record at info level.
func (w *ZapWriter) Write(_ context.Context, rec *Record) error {
	w.logger.Info("audit",
		zap.String("eventType", rec.EventType),
		zap.String("entityType", rec.EntityType),
		zap.String("entityId", rec.EntityID),
		zap.String("userId", rec.UserID),
		zap.Any("metadata", rec.Metadata),
	)
	return nil
}

// Nop returns a Logger that discards every record.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Record(string, string, string, Options) {}
