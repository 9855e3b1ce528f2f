package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantfolio/advisor-backend/internal/audit"
)

// AuditWriter persists audit records to the audit_logs table.
type AuditWriter struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAuditWriter creates a PostgreSQL-backed audit writer.
func NewAuditWriter(db *sqlx.DB, queryTimeout time.Duration) *AuditWriter {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	return &AuditWriter{db: db, timeout: queryTimeout}
}

// Write implements audit.Writer.
func (w *AuditWriter) Write(ctx context.Context, rec *audit.Record) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	before, err := marshalState(rec.BeforeState)
	if err != nil {
		return fmt.Errorf("encoding before state: %w", err)
	}
	after, err := marshalState(rec.AfterState)
	if err != nil {
		return fmt.Errorf("encoding after state: %w", err)
	}
	metadata, err := marshalState(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	_, err = w.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, event_type, entity_type, entity_id, user_id,
			before_state, after_state, metadata, created_at
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9)`,
		rec.ID, rec.EventType, rec.EntityType, rec.EntityID, rec.UserID,
		before, after, metadata, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting audit record %s: %w", rec.ID, err)
	}
	return nil
}

func marshalState(state map[string]any) ([]byte, error) {
	if state == nil {
		return nil, nil
	}
	return json.Marshal(state)
}
