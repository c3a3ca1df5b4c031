package services

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger/internal/bus"
	"ledger/internal/core"
	"ledger/internal/storage"
)

func newTestConsumer(t *testing.T) (*LinkConsumer, *storage.SQLiteRepository) {
	t.Helper()
	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return NewLinkConsumer(repo), repo
}

func TestApplyCategoryAddIsIdempotent(t *testing.T) {
	consumer, repo := newTestConsumer(t)
	ctx := context.Background()

	category, err := repo.EnsureOthersCategory(ctx, 1)
	require.NoError(t, err)

	ev := bus.LinkEvent{
		Kind:       bus.KindCategory,
		Op:         bus.OpAdd,
		UserID:     1,
		TargetID:   category.ID,
		ExpenseIDs: []int64{100, 101},
	}
	require.NoError(t, consumer.Apply(ctx, ev))
	require.NoError(t, consumer.Apply(ctx, ev), "redelivery must be a no-op")

	members, err := repo.CategoryMembers(ctx, category.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 101}, members)
}

func TestApplyDropsAddForMissingTarget(t *testing.T) {
	consumer, repo := newTestConsumer(t)
	ctx := context.Background()

	err := consumer.Apply(ctx, bus.LinkEvent{
		Kind:       bus.KindCategory,
		Op:         bus.OpAdd,
		UserID:     1,
		TargetID:   999,
		ExpenseIDs: []int64{100},
	})
	require.NoError(t, err, "a gone target makes the event a no-op, not an error")

	members, err := repo.CategoryMembers(ctx, 999, 1)
	require.NoError(t, err)
	assert.Empty(t, members)

	err = consumer.Apply(ctx, bus.LinkEvent{
		Kind:       bus.KindBudget,
		Op:         bus.OpAdd,
		UserID:     1,
		TargetID:   999,
		ExpenseIDs: []int64{100},
	})
	require.NoError(t, err)
}

func TestApplyRemove(t *testing.T) {
	consumer, repo := newTestConsumer(t)
	ctx := context.Background()

	require.NoError(t, repo.AddPaymentMethodMembers(ctx, 3, 1, []int64{100, 101}))

	err := consumer.Apply(ctx, bus.LinkEvent{
		Kind:       bus.KindPaymentMethod,
		Op:         bus.OpRemove,
		UserID:     1,
		TargetID:   3,
		ExpenseIDs: []int64{100},
	})
	require.NoError(t, err)

	members, err := repo.PaymentMethodMembers(ctx, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{101}, members)
}

func TestApplyUnknownKind(t *testing.T) {
	consumer, _ := newTestConsumer(t)

	err := consumer.Apply(context.Background(), bus.LinkEvent{Kind: "bogus", Op: bus.OpAdd})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown link kind")
}

func TestApplyBudgetAddVerifiesOwnership(t *testing.T) {
	consumer, repo := newTestConsumer(t)
	ctx := context.Background()

	budget, err := repo.SaveBudget(ctx, core.Budget{
		UserID:    2,
		StartDate: core.NewDate(2025, 3, 1),
		EndDate:   core.NewDate(2025, 3, 31),
	})
	require.NoError(t, err)

	// user 1 does not own the budget, so the add is dropped
	err = consumer.Apply(ctx, bus.LinkEvent{
		Kind:       bus.KindBudget,
		Op:         bus.OpAdd,
		UserID:     1,
		TargetID:   budget.ID,
		ExpenseIDs: []int64{100},
	})
	require.NoError(t, err)

	members, err := repo.BudgetMembers(ctx, budget.ID)
	require.NoError(t, err)
	assert.Empty(t, members)
}
