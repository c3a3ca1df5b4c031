package storage

import (
	"context"
	"time"

	"ledger/internal/core"
)

// InsertAuditEvent appends to the audit trail. Rows are never updated or
// deleted through this repository.
func (r *SQLiteRepository) InsertAuditEvent(ctx context.Context, ev core.AuditEvent) error {
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := ev.Status
	if status == "" {
		status = "RECORDED"
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (entity_type, action, old_value, new_value, actor, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.EntityType, string(ev.Action), ev.OldValue, ev.NewValue, ev.Actor,
		createdAt.Format(time.RFC3339), status)
	if err != nil {
		return &core.PersistenceError{Op: "insert audit event", Err: err}
	}
	return nil
}

// ListAuditEvents returns an actor's audit trail, oldest first.
func (r *SQLiteRepository) ListAuditEvents(ctx context.Context, actor int64) ([]core.AuditEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, entity_type, action, old_value, new_value, actor, created_at, status
		FROM audit_events WHERE actor = ? ORDER BY id`, actor)
	if err != nil {
		return nil, &core.PersistenceError{Op: "list audit events", Err: err}
	}
	defer rows.Close()

	var events []core.AuditEvent
	for rows.Next() {
		var (
			ev        core.AuditEvent
			action    string
			createdAt string
		)
		if err := rows.Scan(&ev.ID, &ev.EntityType, &action, &ev.OldValue, &ev.NewValue,
			&ev.Actor, &createdAt, &ev.Status); err != nil {
			return nil, &core.PersistenceError{Op: "list audit events", Err: err}
		}
		ev.Action = core.AuditAction(action)
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			ev.CreatedAt = t
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
