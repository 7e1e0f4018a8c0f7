package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditRecord captures one status transition or configuration change for the
// external append-only audit store.
type AuditRecord struct {
	EntityType string
	EntityID   string
	Action     string
	Changes    map[string]any
	ActorID    int64
	CreatedAt  time.Time
}

// AuditLogger writes records into audit_log.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the audit entry.
func (l *AuditLogger) Record(ctx context.Context, record AuditRecord) error {
	if l == nil {
		return errors.New("audit logger not initialised")
	}
	if record.Action == "" || record.EntityType == "" || record.EntityID == "" {
		return errors.New("audit record requires action/entity_type/entity_id")
	}
	changesJSON, err := json.Marshal(record.Changes)
	if err != nil {
		return err
	}
	at := record.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_log (entity_type, entity_id, action, changes, actor_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		record.EntityType, record.EntityID, record.Action, changesJSON, record.ActorID, at)
	return err
}
