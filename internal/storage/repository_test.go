package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger/internal/core"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testExpense(userID int64) core.Expense {
	e := core.Expense{
		UserID: userID,
		Date:   core.NewDate(2025, 3, 10),
		Detail: core.ExpenseDetail{
			Name:          "groceries",
			Amount:        core.Money{Cents: 2500},
			Type:          core.Loss,
			PaymentMethod: "card",
		},
	}
	e.Normalize()
	return e
}

func TestCreateAndGetExpense(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	created, err := repo.CreateExpense(ctx, testExpense(1))
	require.NoError(t, err)
	require.NotZero(t, created.ID)

	got, err := repo.GetExpense(ctx, created.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "groceries", got.Detail.Name)
	assert.Equal(t, int64(2500), got.Detail.Amount.Cents)
	assert.Equal(t, int64(-2500), got.Detail.NetAmount.Cents)
	assert.Equal(t, "2025-03-10", got.Date.Format("2006-01-02"))
}

func TestGetExpenseEnforcesOwnership(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	created, err := repo.CreateExpense(ctx, testExpense(1))
	require.NoError(t, err)

	_, err = repo.GetExpense(ctx, created.ID, 2)
	var notFound *core.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, created.ID, notFound.ID)
}

func TestUpdateExpenseReplacesBudgetSet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	e := testExpense(1)
	e.BudgetIDs = []int64{10, 20}
	created, err := repo.CreateExpense(ctx, e)
	require.NoError(t, err)

	created.BudgetIDs = []int64{30}
	created.Detail.Comment = "updated"
	require.NoError(t, repo.UpdateExpense(ctx, created))

	got, err := repo.GetExpense(ctx, created.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{30}, got.BudgetIDs)
	assert.Equal(t, "updated", got.Detail.Comment)
}

func TestUpdateMissingExpense(t *testing.T) {
	repo := newTestRepo(t)

	e := testExpense(1)
	e.ID = 999
	err := repo.UpdateExpense(context.Background(), e)

	var notFound *core.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestDeleteExpensesInBatches(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		created, err := repo.CreateExpense(ctx, testExpense(1))
		require.NoError(t, err)
		ids = append(ids, created.ID)
	}

	require.NoError(t, repo.DeleteExpenses(ctx, ids, 2))

	remaining, err := repo.ExpenseIDsForUser(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestExpenseOwners(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	a, err := repo.CreateExpense(ctx, testExpense(1))
	require.NoError(t, err)
	b, err := repo.CreateExpense(ctx, testExpense(2))
	require.NoError(t, err)

	owners, err := repo.ExpenseOwners(ctx, []int64{a.ID, b.ID, 999})
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{a.ID: 1, b.ID: 2}, owners)
}

func TestGetExpensesByIDsSkipsMissing(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	e := testExpense(1)
	e.BudgetIDs = []int64{7}
	created, err := repo.CreateExpense(ctx, e)
	require.NoError(t, err)

	got, err := repo.GetExpensesByIDs(ctx, []int64{created.ID, 999})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, created.ID, got[0].ID)
	assert.Equal(t, []int64{7}, got[0].BudgetIDs)
}

func TestCategoryMembershipIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.AddCategoryMembers(ctx, 5, 1, []int64{100, 101}))
	require.NoError(t, repo.AddCategoryMembers(ctx, 5, 1, []int64{100, 101}))

	members, err := repo.CategoryMembers(ctx, 5, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 101}, members)

	require.NoError(t, repo.RemoveCategoryMembers(ctx, 5, 1, []int64{100}))
	require.NoError(t, repo.RemoveCategoryMembers(ctx, 5, 1, []int64{100}))

	members, err = repo.CategoryMembers(ctx, 5, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{101}, members)
}

func TestBudgetMembershipAndDerivedFlag(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	has, err := repo.BudgetHasExpenses(ctx, 3)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, repo.AddBudgetMembers(ctx, 3, []int64{100}))
	require.NoError(t, repo.AddBudgetMembers(ctx, 3, []int64{100}))

	has, err = repo.BudgetHasExpenses(ctx, 3)
	require.NoError(t, err)
	assert.True(t, has)

	members, err := repo.BudgetMembers(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{100}, members)
}

func TestRemoveExpenseLinksPurgesAllIndexes(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.AddCategoryMembers(ctx, 1, 1, []int64{100}))
	require.NoError(t, repo.AddBudgetMembers(ctx, 2, []int64{100}))
	require.NoError(t, repo.AddPaymentMethodMembers(ctx, 3, 1, []int64{100}))

	require.NoError(t, repo.RemoveExpenseLinks(ctx, []int64{100}))

	catMembers, err := repo.CategoryMembers(ctx, 1, 1)
	require.NoError(t, err)
	assert.Empty(t, catMembers)
	budMembers, err := repo.BudgetMembers(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, budMembers)
	pmMembers, err := repo.PaymentMethodMembers(ctx, 3, 1)
	require.NoError(t, err)
	assert.Empty(t, pmMembers)
}

func TestEnsureOthersCategoryIsStable(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	first, err := repo.EnsureOthersCategory(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, core.OthersCategoryName, first.Name)

	second, err := repo.EnsureOthersCategory(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	other, err := repo.EnsureOthersCategory(ctx, 2)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID, "fallback category is per user")
}

func TestResolveCategoryVisibility(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	owned, err := repo.SaveCategory(ctx, core.Category{UserID: 1, Name: "Food"})
	require.NoError(t, err)
	global, err := repo.SaveCategory(ctx, core.Category{UserID: 2, Name: "Travel", Global: true})
	require.NoError(t, err)

	got, err := repo.ResolveCategoryByID(ctx, owned.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "Food", got.Name)

	got, err = repo.ResolveCategoryByID(ctx, global.ID, 1)
	require.NoError(t, err)
	assert.True(t, got.Global)

	_, err = repo.ResolveCategoryByID(ctx, owned.ID, 3)
	var notFound *core.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestEnsurePaymentMethodKeyedByTriple(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	expense, err := repo.EnsurePaymentMethod(ctx, 1, "card", core.MethodExpense)
	require.NoError(t, err)

	again, err := repo.EnsurePaymentMethod(ctx, 1, "card", core.MethodExpense)
	require.NoError(t, err)
	assert.Equal(t, expense.ID, again.ID)

	income, err := repo.EnsurePaymentMethod(ctx, 1, "card", core.MethodIncome)
	require.NoError(t, err)
	assert.NotEqual(t, expense.ID, income.ID, "same name, different type is a distinct method")

	methods, err := repo.FindPaymentMethods(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, methods, 2)
}

func TestUserSettingsAbsentMeansNoMasking(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	settings, err := repo.GetUserSettings(ctx, 1)
	require.NoError(t, err)
	assert.False(t, settings.MaskSensitiveData)

	require.NoError(t, repo.SaveUserSettings(ctx, 1, core.UserSettings{MaskSensitiveData: true}))
	settings, err = repo.GetUserSettings(ctx, 1)
	require.NoError(t, err)
	assert.True(t, settings.MaskSensitiveData)

	require.NoError(t, repo.SaveUserSettings(ctx, 1, core.UserSettings{MaskSensitiveData: false}))
	settings, err = repo.GetUserSettings(ctx, 1)
	require.NoError(t, err)
	assert.False(t, settings.MaskSensitiveData)
}

func TestExpensesMissingCategoryLink(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	category, err := repo.EnsureOthersCategory(ctx, 1)
	require.NoError(t, err)

	e := testExpense(1)
	e.CategoryID = category.ID
	e.CategoryName = category.Name
	created, err := repo.CreateExpense(ctx, e)
	require.NoError(t, err)

	unlinked, err := repo.ExpensesMissingCategoryLink(ctx, 100)
	require.NoError(t, err)
	require.Len(t, unlinked, 1)
	assert.Equal(t, created.ID, unlinked[0].ID)

	require.NoError(t, repo.AddCategoryMembers(ctx, category.ID, 1, []int64{created.ID}))

	unlinked, err = repo.ExpensesMissingCategoryLink(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, unlinked)
}

func TestAuditEventsRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.InsertAuditEvent(ctx, core.AuditEvent{
		EntityType: "EXPENSE",
		Action:     core.AuditCreate,
		NewValue:   `{"id":1}`,
		Actor:      1,
	}))
	require.NoError(t, repo.InsertAuditEvent(ctx, core.AuditEvent{
		EntityType: "EXPENSE",
		Action:     core.AuditDelete,
		OldValue:   `{"id":1}`,
		Actor:      1,
	}))

	events, err := repo.ListAuditEvents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, core.AuditCreate, events[0].Action)
	assert.Equal(t, core.AuditDelete, events[1].Action)
	assert.Equal(t, "RECORDED", events[0].Status)
	assert.False(t, events[0].CreatedAt.IsZero())

	events, err = repo.ListAuditEvents(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, events)
}
