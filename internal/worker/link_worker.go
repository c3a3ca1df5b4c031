package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"ledger/internal/amqp"
	"ledger/internal/bus"
	"ledger/internal/services"
	"ledger/internal/storage"
)

// LinkWorker consumes the three link-maintenance queues and applies
// membership mutations. It also runs a reconciliation sweep that repairs
// memberships whose events were lost, as a backup for the at-least-once bus.
type LinkWorker struct {
	storage   *storage.SQLiteRepository
	consumer  *services.LinkConsumer
	client    *amqp.Client
	batchSize int
}

func NewLinkWorker(repo *storage.SQLiteRepository, client *amqp.Client, batchSize int) *LinkWorker {
	return &LinkWorker{
		storage:   repo,
		consumer:  services.NewLinkConsumer(repo),
		client:    client,
		batchSize: batchSize,
	}
}

// ConsumeAll runs one consumer loop per event kind and blocks until ctx is
// cancelled or a loop fails.
func (w *LinkWorker) ConsumeAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, kind := range bus.Kinds() {
		kind := kind
		g.Go(func() error {
			return w.client.ConsumeLinks(ctx, kind, w.consumer.Apply)
		})
	}

	return g.Wait()
}

// ReconcileMissingLinks repairs category memberships whose add events never
// arrived. Bounded per sweep; repeated sweeps drain any backlog.
func (w *LinkWorker) ReconcileMissingLinks(ctx context.Context) error {
	unlinked, err := w.storage.ExpensesMissingCategoryLink(ctx, w.batchSize)
	if err != nil {
		return fmt.Errorf("find unlinked expenses: %w", err)
	}

	if len(unlinked) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "Repairing missing category memberships", "count", len(unlinked))

	repaired := 0
	for _, e := range unlinked {
		// Route repairs through the consumer so a dangling category id is
		// dropped the same way a late link event for it would be.
		err := w.consumer.Apply(ctx, bus.LinkEvent{
			Kind:       bus.KindCategory,
			Op:         bus.OpAdd,
			UserID:     e.UserID,
			TargetID:   e.CategoryID,
			ExpenseIDs: []int64{e.ID},
			Timestamp:  time.Now().UTC(),
		})
		if err != nil {
			slog.ErrorContext(ctx, "Failed to repair category membership",
				"expense_id", e.ID, "category_id", e.CategoryID, "error", err)
			continue
		}
		repaired++
	}

	slog.InfoContext(ctx, "Reconciliation sweep completed",
		"total", len(unlinked), "repaired", repaired)

	return nil
}
