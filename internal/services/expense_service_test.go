package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger/internal/bus"
	"ledger/internal/cache"
	"ledger/internal/core"
	"ledger/internal/progress"
	"ledger/internal/storage"
)

// newTestEngine wires a real repository to an in-process bus so link events
// are applied synchronously and membership state can be asserted right after
// each write.
func newTestEngine(t *testing.T, opts Options) (*ExpenseService, *storage.SQLiteRepository) {
	t.Helper()

	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	memBus := bus.NewMemoryBus()
	NewLinkConsumer(repo).SubscribeAll(memBus)

	svc := NewExpenseService(repo, memBus,
		NewAuditRecorder(repo, nil),
		cache.NewExpenseListCache(100, time.Minute),
		progress.NewTracker(time.Hour),
		opts)
	t.Cleanup(func() { _ = svc.Close() })

	return svc, repo
}

func inputExpense() core.Expense {
	return core.Expense{
		Date: core.NewDate(2025, 3, 10),
		Detail: core.ExpenseDetail{
			Name:          "groceries",
			Amount:        core.Money{Cents: 2500},
			Type:          core.Loss,
			PaymentMethod: "card",
		},
	}
}

func TestCreateFallsBackToOthers(t *testing.T) {
	svc, repo := newTestEngine(t, DefaultOptions())
	ctx := context.Background()

	input := inputExpense()
	input.CategoryName = "NoSuchCategory"
	input.CategoryID = 999

	created, err := svc.Create(ctx, input, 1)
	require.NoError(t, err)
	assert.Equal(t, core.OthersCategoryName, created.CategoryName)
	require.NotZero(t, created.CategoryID)

	members, err := repo.CategoryMembers(ctx, created.CategoryID, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{created.ID}, members)
}

func TestCreateResolvesCategoryByName(t *testing.T) {
	svc, repo := newTestEngine(t, DefaultOptions())
	ctx := context.Background()

	food, err := repo.SaveCategory(ctx, core.Category{UserID: 1, Name: "Food"})
	require.NoError(t, err)

	input := inputExpense()
	input.CategoryName = "Food"
	input.CategoryID = 12345 // name wins over a bogus id

	created, err := svc.Create(ctx, input, 1)
	require.NoError(t, err)
	assert.Equal(t, food.ID, created.CategoryID)
}

func TestCreateResolvesCategoryByID(t *testing.T) {
	svc, repo := newTestEngine(t, DefaultOptions())
	ctx := context.Background()

	travel, err := repo.SaveCategory(ctx, core.Category{UserID: 1, Name: "Travel"})
	require.NoError(t, err)

	input := inputExpense()
	input.CategoryID = travel.ID

	created, err := svc.Create(ctx, input, 1)
	require.NoError(t, err)
	assert.Equal(t, travel.ID, created.CategoryID)
	assert.Equal(t, "Travel", created.CategoryName)
}

func TestCreateFiltersBudgetsByDateRange(t *testing.T) {
	svc, repo := newTestEngine(t, DefaultOptions())
	ctx := context.Background()

	march, err := repo.SaveBudget(ctx, core.Budget{
		UserID:    1,
		Amount:    core.Money{Cents: 100000},
		StartDate: core.NewDate(2025, 3, 1),
		EndDate:   core.NewDate(2025, 3, 31),
	})
	require.NoError(t, err)

	input := inputExpense()
	input.BudgetIDs = []int64{march.ID, 999}

	created, err := svc.Create(ctx, input, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{march.ID}, created.BudgetIDs, "unknown ids are dropped silently")

	members, err := repo.BudgetMembers(ctx, march.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{created.ID}, members)

	outOfRange := inputExpense()
	outOfRange.Date = core.NewDate(2025, 4, 5)
	outOfRange.BudgetIDs = []int64{march.ID}

	created, err = svc.Create(ctx, outOfRange, 1)
	require.NoError(t, err)
	assert.Empty(t, created.BudgetIDs, "budget outside the expense date is dropped")
}

func TestCreateRegistersPaymentMethodMembership(t *testing.T) {
	svc, repo := newTestEngine(t, DefaultOptions())
	ctx := context.Background()

	created, err := svc.Create(ctx, inputExpense(), 1)
	require.NoError(t, err)

	method, err := repo.EnsurePaymentMethod(ctx, 1, "card", core.MethodExpense)
	require.NoError(t, err)

	members, err := repo.PaymentMethodMembers(ctx, method.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{created.ID}, members)
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	svc, _ := newTestEngine(t, DefaultOptions())

	input := inputExpense()
	input.Detail.Name = ""

	_, err := svc.Create(context.Background(), input, 1)
	var vErr *core.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestUpdateRetractsStaleMemberships(t *testing.T) {
	svc, repo := newTestEngine(t, DefaultOptions())
	ctx := context.Background()

	food, err := repo.SaveCategory(ctx, core.Category{UserID: 1, Name: "Food"})
	require.NoError(t, err)
	march, err := repo.SaveBudget(ctx, core.Budget{
		UserID:    1,
		StartDate: core.NewDate(2025, 3, 1),
		EndDate:   core.NewDate(2025, 3, 31),
	})
	require.NoError(t, err)

	input := inputExpense()
	input.CategoryName = "Food"
	input.BudgetIDs = []int64{march.ID}
	created, err := svc.Create(ctx, input, 1)
	require.NoError(t, err)

	travel, err := repo.SaveCategory(ctx, core.Category{UserID: 1, Name: "Travel"})
	require.NoError(t, err)

	updated := inputExpense()
	updated.CategoryName = "Travel"
	updated.Detail.PaymentMethod = "cash"
	got, err := svc.Update(ctx, created.ID, updated, 1)
	require.NoError(t, err)
	assert.Equal(t, travel.ID, got.CategoryID)
	assert.Equal(t, "cash", got.Detail.PaymentMethod)
	assert.Empty(t, got.BudgetIDs)

	oldCat, err := repo.CategoryMembers(ctx, food.ID, 1)
	require.NoError(t, err)
	assert.Empty(t, oldCat, "old category membership retracted")

	newCat, err := repo.CategoryMembers(ctx, travel.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{created.ID}, newCat)

	budMembers, err := repo.BudgetMembers(ctx, march.ID)
	require.NoError(t, err)
	assert.Empty(t, budMembers, "dropped budget membership retracted")

	oldMethod, err := repo.EnsurePaymentMethod(ctx, 1, "card", core.MethodExpense)
	require.NoError(t, err)
	oldPM, err := repo.PaymentMethodMembers(ctx, oldMethod.ID, 1)
	require.NoError(t, err)
	assert.Empty(t, oldPM, "old payment method membership retracted")

	newMethod, err := repo.EnsurePaymentMethod(ctx, 1, "cash", core.MethodExpense)
	require.NoError(t, err)
	newPM, err := repo.PaymentMethodMembers(ctx, newMethod.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{created.ID}, newPM)
}

func TestUpdateRecomputesNetAmount(t *testing.T) {
	svc, _ := newTestEngine(t, DefaultOptions())
	ctx := context.Background()

	created, err := svc.Create(ctx, inputExpense(), 1)
	require.NoError(t, err)

	updated := inputExpense()
	updated.Detail.Amount = core.Money{Cents: 4000}
	updated.Detail.NetAmount = core.Money{Cents: 12345} // caller-supplied, ignored

	got, err := svc.Update(ctx, created.ID, updated, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(-4000), got.Detail.NetAmount.Cents)
}

func TestBillsAreImmutable(t *testing.T) {
	svc, repo := newTestEngine(t, DefaultOptions())
	ctx := context.Background()

	bill := inputExpense()
	bill.UserID = 1
	bill.IsBill = true
	bill.Normalize()
	created, err := repo.CreateExpense(ctx, bill)
	require.NoError(t, err)

	var immutable *core.ImmutableEntityError

	_, err = svc.Update(ctx, created.ID, inputExpense(), 1)
	require.ErrorAs(t, err, &immutable)

	err = svc.Delete(ctx, created.ID, 1)
	require.ErrorAs(t, err, &immutable)

	// still there
	_, err = svc.Get(ctx, created.ID, 1)
	require.NoError(t, err)
}

func TestDeleteRetractsSynchronously(t *testing.T) {
	svc, repo := newTestEngine(t, DefaultOptions())
	ctx := context.Background()

	march, err := repo.SaveBudget(ctx, core.Budget{
		UserID:    1,
		StartDate: core.NewDate(2025, 3, 1),
		EndDate:   core.NewDate(2025, 3, 31),
	})
	require.NoError(t, err)

	input := inputExpense()
	input.BudgetIDs = []int64{march.ID}
	created, err := svc.Create(ctx, input, 1)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, created.ID, 1))

	_, err = svc.Get(ctx, created.ID, 1)
	var notFound *core.NotFoundError
	require.ErrorAs(t, err, &notFound)

	catMembers, err := repo.CategoryMembers(ctx, created.CategoryID, 1)
	require.NoError(t, err)
	assert.Empty(t, catMembers)

	budMembers, err := repo.BudgetMembers(ctx, march.ID)
	require.NoError(t, err)
	assert.Empty(t, budMembers)
}

func TestDeleteEnforcesOwnership(t *testing.T) {
	svc, _ := newTestEngine(t, DefaultOptions())
	ctx := context.Background()

	created, err := svc.Create(ctx, inputExpense(), 1)
	require.NoError(t, err)

	err = svc.Delete(ctx, created.ID, 2)
	var notFound *core.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestListServesFromCacheAfterCreate(t *testing.T) {
	svc, _ := newTestEngine(t, DefaultOptions())
	ctx := context.Background()

	first, err := svc.Create(ctx, inputExpense(), 1)
	require.NoError(t, err)

	list, err := svc.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)

	second, err := svc.Create(ctx, inputExpense(), 1)
	require.NoError(t, err)

	list, err = svc.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
}

func TestMaskingAppliesToReads(t *testing.T) {
	svc, repo := newTestEngine(t, DefaultOptions())
	ctx := context.Background()

	created, err := svc.Create(ctx, inputExpense(), 1)
	require.NoError(t, err)

	require.NoError(t, repo.SaveUserSettings(ctx, 1, core.UserSettings{MaskSensitiveData: true}))

	got, err := svc.Get(ctx, created.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "***", got.Detail.Name)
	assert.Zero(t, got.Detail.Amount.Cents)
	assert.Zero(t, got.Detail.NetAmount.Cents)

	list, err := svc.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "***", list[0].Detail.Name)

	// storage keeps the real values
	stored, err := repo.GetExpense(ctx, created.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "groceries", stored.Detail.Name)
}

func TestAuditTrailRecordsLifecycle(t *testing.T) {
	svc, repo := newTestEngine(t, DefaultOptions())
	ctx := context.Background()

	created, err := svc.Create(ctx, inputExpense(), 1)
	require.NoError(t, err)

	_, err = svc.Update(ctx, created.ID, inputExpense(), 1)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, created.ID, 1))

	events, err := repo.ListAuditEvents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, core.AuditCreate, events[0].Action)
	assert.Equal(t, core.AuditUpdate, events[1].Action)
	assert.Equal(t, core.AuditDelete, events[2].Action)

	assert.Empty(t, events[0].OldValue)
	assert.NotEmpty(t, events[0].NewValue)
	assert.NotEmpty(t, events[1].OldValue)
	assert.NotEmpty(t, events[1].NewValue)
	assert.NotEmpty(t, events[2].OldValue)
	assert.Empty(t, events[2].NewValue)
}
