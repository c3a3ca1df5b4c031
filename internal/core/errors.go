package core

import (
	"fmt"
	"strings"
)

// ValidationError rejects malformed input before any write happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NotFoundError means the referenced entity is absent or not owned by the caller.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	if e.ID == 0 {
		return fmt.Sprintf("%s not found", e.Entity)
	}
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

// ImmutableEntityError rejects mutation of bill-origin expenses.
type ImmutableEntityError struct {
	Entity string
	ID     int64
}

func (e *ImmutableEntityError) Error() string {
	return fmt.Sprintf("%s %d is immutable", e.Entity, e.ID)
}

// AuthorizationError means the row belongs to a different owner.
type AuthorizationError struct {
	Entity string
	ID     int64
	UserID int64
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s %d does not belong to user %d", e.Entity, e.ID, e.UserID)
}

// PersistenceError wraps a storage-layer fault. Fatal for the call.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// BulkRowError records one failed row of a bulk call.
type BulkRowError struct {
	ID  int64
	Err error
}

func (e BulkRowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.ID, e.Err)
}

// PartialBulkFailure reports a bulk call where some rows succeeded and
// others failed. Nothing is silently dropped: both lists are returned.
type PartialBulkFailure struct {
	Succeeded []int64
	Failed    []BulkRowError
}

func (e *PartialBulkFailure) Error() string {
	msgs := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		msgs = append(msgs, f.Error())
	}
	return fmt.Sprintf("%d of %d rows failed: %s",
		len(e.Failed), len(e.Failed)+len(e.Succeeded), strings.Join(msgs, "; "))
}
