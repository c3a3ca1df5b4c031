package amqp

import (
	"encoding/json"
	"fmt"
	"time"

	"ledger/internal/bus"
	"ledger/internal/core"
)

// linkMessage is the wire form of a bus.LinkEvent.
type linkMessage struct {
	Kind       string    `json:"kind"`
	Op         string    `json:"op"`
	UserID     int64     `json:"user_id"`
	TargetID   int64     `json:"target_id"`
	ExpenseIDs []int64   `json:"expense_ids"`
	Timestamp  time.Time `json:"timestamp"`
}

// auditMessage is the wire form of a core.AuditEvent.
type auditMessage struct {
	EntityType string    `json:"entity_type"`
	Action     string    `json:"action"`
	OldValue   string    `json:"old_value,omitempty"`
	NewValue   string    `json:"new_value,omitempty"`
	Actor      int64     `json:"actor"`
	CreatedAt  time.Time `json:"created_at"`
	Status     string    `json:"status"`
}

func marshalLinkMessage(ev bus.LinkEvent) ([]byte, error) {
	return json.Marshal(linkMessage{
		Kind:       string(ev.Kind),
		Op:         string(ev.Op),
		UserID:     ev.UserID,
		TargetID:   ev.TargetID,
		ExpenseIDs: ev.ExpenseIDs,
		Timestamp:  ev.Timestamp,
	})
}

func unmarshalLinkMessage(data []byte) (bus.LinkEvent, error) {
	var msg linkMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return bus.LinkEvent{}, err
	}

	switch bus.LinkOp(msg.Op) {
	case bus.OpAdd, bus.OpRemove:
	default:
		return bus.LinkEvent{}, fmt.Errorf("unknown link op %q", msg.Op)
	}

	return bus.LinkEvent{
		Kind:       bus.LinkKind(msg.Kind),
		Op:         bus.LinkOp(msg.Op),
		UserID:     msg.UserID,
		TargetID:   msg.TargetID,
		ExpenseIDs: msg.ExpenseIDs,
		Timestamp:  msg.Timestamp,
	}, nil
}

func marshalAuditMessage(ev core.AuditEvent) ([]byte, error) {
	return json.Marshal(auditMessage{
		EntityType: ev.EntityType,
		Action:     string(ev.Action),
		OldValue:   ev.OldValue,
		NewValue:   ev.NewValue,
		Actor:      ev.Actor,
		CreatedAt:  ev.CreatedAt,
		Status:     ev.Status,
	})
}
