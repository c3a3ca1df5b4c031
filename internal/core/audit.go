package core

import "time"

const (
	AuditCreate AuditAction = "CREATE"
	AuditUpdate AuditAction = "UPDATE"
	AuditDelete AuditAction = "DELETE"
)

type AuditAction string

// AuditEvent is an immutable, append-only trail entry. It is recorded only
// after the owning transaction commits, so rolled-back writes never appear.
type AuditEvent struct {
	ID         int64
	EntityType string
	Action     AuditAction
	OldValue   string // JSON snapshot, empty for CREATE
	NewValue   string // JSON snapshot, empty for DELETE
	Actor      int64
	CreatedAt  time.Time
	Status     string
}
