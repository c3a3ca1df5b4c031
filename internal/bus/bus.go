package bus

import (
	"context"
	"time"
)

const (
	KindCategory      LinkKind = "category"
	KindBudget        LinkKind = "budget"
	KindPaymentMethod LinkKind = "payment_method"
)

const (
	OpAdd    LinkOp = "add"
	OpRemove LinkOp = "remove"
)

type (
	LinkKind string
	LinkOp   string
)

// Kinds lists every link event kind, in the order their queues are declared.
func Kinds() []LinkKind {
	return []LinkKind{KindCategory, KindBudget, KindPaymentMethod}
}

// LinkEvent instructs a membership index to add or remove expense ids for a
// user. Application must be idempotent: delivery is at-least-once, and the
// same event may arrive more than once. Events about the same target are
// applied in emission order.
type LinkEvent struct {
	Kind       LinkKind  `json:"kind"`
	Op         LinkOp    `json:"op"`
	UserID     int64     `json:"user_id"`
	TargetID   int64     `json:"target_id"`
	ExpenseIDs []int64   `json:"expense_ids"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher is the engine-side face of the link-maintenance bus. Publication
// is fire-and-forget from the write path's perspective: failures are logged
// by the caller, never surfaced to the client.
type Publisher interface {
	PublishLink(ctx context.Context, ev LinkEvent) error
}
