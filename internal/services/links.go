package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ledger/internal/bus"
	"ledger/internal/core"
	"ledger/internal/storage"
)

// LinkConsumer applies link-maintenance events to the membership indexes.
// Application is idempotent (adds are insert-or-ignore, removes are plain
// deletes), so at-least-once delivery is safe. Per-kind queues keep events
// about the same target in emission order.
type LinkConsumer struct {
	storage *storage.SQLiteRepository
}

func NewLinkConsumer(repo *storage.SQLiteRepository) *LinkConsumer {
	return &LinkConsumer{storage: repo}
}

// Apply mutates the membership index named by the event. A target that no
// longer exists makes the event a no-op: membership holds weak references
// and dangling ids are pruned on the next touch, never treated as an error.
func (c *LinkConsumer) Apply(ctx context.Context, ev bus.LinkEvent) error {
	switch ev.Kind {
	case bus.KindCategory:
		return c.applyCategory(ctx, ev)
	case bus.KindBudget:
		return c.applyBudget(ctx, ev)
	case bus.KindPaymentMethod:
		return c.applyPaymentMethod(ctx, ev)
	default:
		return fmt.Errorf("unknown link kind %q", ev.Kind)
	}
}

func (c *LinkConsumer) applyCategory(ctx context.Context, ev bus.LinkEvent) error {
	if ev.Op == bus.OpRemove {
		return c.storage.RemoveCategoryMembers(ctx, ev.TargetID, ev.UserID, ev.ExpenseIDs)
	}

	if _, err := c.storage.ResolveCategoryByID(ctx, ev.TargetID, ev.UserID); err != nil {
		var notFound *core.NotFoundError
		if errors.As(err, &notFound) {
			slog.WarnContext(ctx, "Dropping link event for missing category",
				"category_id", ev.TargetID, "user_id", ev.UserID)
			return nil
		}
		return err
	}

	if err := c.storage.AddCategoryMembers(ctx, ev.TargetID, ev.UserID, ev.ExpenseIDs); err != nil {
		return err
	}

	slog.DebugContext(ctx, "Category membership updated",
		"category_id", ev.TargetID, "user_id", ev.UserID, "count", len(ev.ExpenseIDs))
	return nil
}

func (c *LinkConsumer) applyBudget(ctx context.Context, ev bus.LinkEvent) error {
	if ev.Op == bus.OpRemove {
		return c.storage.RemoveBudgetMembers(ctx, ev.TargetID, ev.ExpenseIDs)
	}

	if _, err := c.storage.GetBudget(ctx, ev.TargetID, ev.UserID); err != nil {
		var notFound *core.NotFoundError
		if errors.As(err, &notFound) {
			slog.WarnContext(ctx, "Dropping link event for missing budget",
				"budget_id", ev.TargetID, "user_id", ev.UserID)
			return nil
		}
		return err
	}

	if err := c.storage.AddBudgetMembers(ctx, ev.TargetID, ev.ExpenseIDs); err != nil {
		return err
	}

	slog.DebugContext(ctx, "Budget membership updated",
		"budget_id", ev.TargetID, "user_id", ev.UserID, "count", len(ev.ExpenseIDs))
	return nil
}

func (c *LinkConsumer) applyPaymentMethod(ctx context.Context, ev bus.LinkEvent) error {
	if ev.Op == bus.OpRemove {
		return c.storage.RemovePaymentMethodMembers(ctx, ev.TargetID, ev.UserID, ev.ExpenseIDs)
	}

	if err := c.storage.AddPaymentMethodMembers(ctx, ev.TargetID, ev.UserID, ev.ExpenseIDs); err != nil {
		return err
	}

	slog.DebugContext(ctx, "Payment method membership updated",
		"method_id", ev.TargetID, "user_id", ev.UserID, "count", len(ev.ExpenseIDs))
	return nil
}

// SubscribeAll wires the consumer to every kind on an in-process bus, for
// single-binary deployments and tests.
func (c *LinkConsumer) SubscribeAll(memory *bus.MemoryBus) {
	for _, kind := range bus.Kinds() {
		memory.Subscribe(kind, c.Apply)
	}
}
