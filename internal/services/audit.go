package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"ledger/internal/core"
	"ledger/internal/storage"
)

// AuditPublisher ships audit events to an external sink. Optional: a nil
// publisher keeps the trail local to storage.
type AuditPublisher interface {
	PublishAudit(ctx context.Context, ev core.AuditEvent) error
}

// AuditRecorder persists before/after snapshots of mutated expenses and
// forwards them to the audit sink. Invoked only post-commit; failures are
// logged and never fail the primary write.
type AuditRecorder struct {
	storage   *storage.SQLiteRepository
	publisher AuditPublisher
}

func NewAuditRecorder(storage *storage.SQLiteRepository, publisher AuditPublisher) *AuditRecorder {
	return &AuditRecorder{storage: storage, publisher: publisher}
}

// RecordExpense captures a single expense mutation. oldValue is nil for
// CREATE, newValue is nil for DELETE.
func (a *AuditRecorder) RecordExpense(ctx context.Context, action core.AuditAction, oldValue, newValue *core.Expense, actor int64) {
	a.record(ctx, expenseAuditEvent(action, oldValue, newValue, actor))
}

// RecordExpenseBatch captures many mutations of the same action at once,
// e.g. after a multi-batch bulk delete commits.
func (a *AuditRecorder) RecordExpenseBatch(ctx context.Context, action core.AuditAction, oldValues, newValues []core.Expense, actor int64) {
	n := len(oldValues)
	if len(newValues) > n {
		n = len(newValues)
	}
	for i := 0; i < n; i++ {
		var oldValue, newValue *core.Expense
		if i < len(oldValues) {
			oldValue = &oldValues[i]
		}
		if i < len(newValues) {
			newValue = &newValues[i]
		}
		a.record(ctx, expenseAuditEvent(action, oldValue, newValue, actor))
	}
}

func (a *AuditRecorder) record(ctx context.Context, ev core.AuditEvent) {
	if err := a.storage.InsertAuditEvent(ctx, ev); err != nil {
		slog.ErrorContext(ctx, "Failed to persist audit event",
			"action", ev.Action, "actor", ev.Actor, "error", err)
	}

	if a.publisher == nil {
		return
	}
	if err := a.publisher.PublishAudit(ctx, ev); err != nil {
		slog.WarnContext(ctx, "Failed to publish audit event",
			"action", ev.Action, "actor", ev.Actor, "error", err)
	}
}

func expenseAuditEvent(action core.AuditAction, oldValue, newValue *core.Expense, actor int64) core.AuditEvent {
	return core.AuditEvent{
		EntityType: "EXPENSE",
		Action:     action,
		OldValue:   snapshotJSON(oldValue),
		NewValue:   snapshotJSON(newValue),
		Actor:      actor,
		CreatedAt:  time.Now().UTC(),
		Status:     "RECORDED",
	}
}

func snapshotJSON(e *core.Expense) string {
	if e == nil {
		return ""
	}
	data, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	return string(data)
}
