package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"ledger/internal/bus"
	"ledger/internal/cache"
	"ledger/internal/core"
	"ledger/internal/progress"
	"ledger/internal/storage"
)

// Options tunes the ingestion engine's batching behaviour.
type Options struct {
	// StatelessThreshold is the row count at which bulk creates switch from
	// the single-transaction batched path to the chunk-committed direct path.
	StatelessThreshold int

	// FlushSize is how many rows go between flushes on the batched path and
	// per chunk on the direct path.
	FlushSize int

	// DeleteBatchSize caps how many rows a single delete statement touches.
	DeleteBatchSize int

	// MaxConcurrentJobs bounds background bulk jobs running at once.
	MaxConcurrentJobs int
}

// DefaultOptions returns sensible defaults
func DefaultOptions() Options {
	return Options{
		StatelessThreshold: 10000,
		FlushSize:          500,
		DeleteBatchSize:    1000,
		MaxConcurrentJobs:  4,
	}
}

// ExpenseService is the ingestion engine: it validates and normalizes input,
// resolves category and budget assignment, persists rows, repairs the
// per-user cache and drives link-maintenance and audit publication.
type ExpenseService struct {
	storage    *storage.SQLiteRepository
	categories CategoryService
	budgets    BudgetService
	methods    PaymentMethodService
	settings   SettingsService
	publisher  bus.Publisher
	audit      *AuditRecorder
	cache      *cache.ExpenseListCache
	tracker    *progress.Tracker
	opts       Options

	jobs   *errgroup.Group
	jobCtx context.Context
}

func NewExpenseService(
	repo *storage.SQLiteRepository,
	publisher bus.Publisher,
	audit *AuditRecorder,
	listCache *cache.ExpenseListCache,
	tracker *progress.Tracker,
	opts Options,
) *ExpenseService {
	jobs := &errgroup.Group{}
	if opts.MaxConcurrentJobs > 0 {
		jobs.SetLimit(opts.MaxConcurrentJobs)
	}

	return &ExpenseService{
		storage:    repo,
		categories: repo,
		budgets:    repo,
		methods:    repo,
		settings:   repo,
		publisher:  publisher,
		audit:      audit,
		cache:      listCache,
		tracker:    tracker,
		opts:       opts,
		jobs:       jobs,
		jobCtx:     context.Background(),
	}
}

// Create validates, persists and links a single expense. Returns the
// persisted row masked per the owner's settings.
func (s *ExpenseService) Create(ctx context.Context, input core.Expense, ownerID int64) (core.Expense, error) {
	input.UserID = ownerID
	if err := input.Validate(); err != nil {
		return core.Expense{}, err
	}
	input.Normalize()

	category, err := s.resolveCategory(ctx, input, ownerID)
	if err != nil {
		return core.Expense{}, err
	}
	input.CategoryID = category.ID
	input.CategoryName = category.Name

	input.BudgetIDs, err = s.filterBudgets(ctx, ownerID, input.Date, input.BudgetIDs)
	if err != nil {
		return core.Expense{}, err
	}

	method, err := s.methods.EnsurePaymentMethod(ctx, ownerID,
		input.Detail.PaymentMethod, core.MethodTypeFor(input.Detail.Type))
	if err != nil {
		return core.Expense{}, err
	}

	created, err := s.storage.CreateExpense(ctx, input)
	if err != nil {
		return core.Expense{}, err
	}

	// The write is committed; cache repair and side effects may now run.
	s.cache.Append(ownerID, created)

	var after deferred
	after.add(s.linkAdd(bus.KindPaymentMethod, method.ID, ownerID, created.ID))
	after.add(s.linkAdd(bus.KindCategory, category.ID, ownerID, created.ID))
	for _, budgetID := range created.BudgetIDs {
		after.add(s.linkAdd(bus.KindBudget, budgetID, ownerID, created.ID))
	}
	snapshot := created.Clone()
	after.add(func(ctx context.Context) {
		s.audit.RecordExpense(ctx, core.AuditCreate, nil, &snapshot, ownerID)
	})
	after.run(ctx)

	slog.InfoContext(ctx, "Expense created",
		"expense_id", created.ID,
		"user_id", ownerID,
		"category", created.CategoryName,
		"budgets", len(created.BudgetIDs))

	return s.maskForUser(ctx, created), nil
}

// Update rewrites an expense, synchronously retracting stale memberships and
// asynchronously adding new ones. The returned row is re-fetched from
// storage so the caller observes committed state.
func (s *ExpenseService) Update(ctx context.Context, id int64, input core.Expense, ownerID int64) (core.Expense, error) {
	existing, err := s.storage.GetExpense(ctx, id, ownerID)
	if err != nil {
		return core.Expense{}, err
	}
	if existing.IsBill {
		return core.Expense{}, &core.ImmutableEntityError{Entity: "expense", ID: id}
	}
	before := existing.Clone()

	input.UserID = ownerID
	if err := input.Validate(); err != nil {
		return core.Expense{}, err
	}
	input.Normalize()
	input.ID = id
	input.IsBill = existing.IsBill

	category, err := s.resolveCategory(ctx, input, ownerID)
	if err != nil {
		return core.Expense{}, err
	}
	input.CategoryID = category.ID
	input.CategoryName = category.Name

	input.BudgetIDs, err = s.filterBudgets(ctx, ownerID, input.Date, input.BudgetIDs)
	if err != nil {
		return core.Expense{}, err
	}

	newType := core.MethodTypeFor(input.Detail.Type)
	method, err := s.methods.EnsurePaymentMethod(ctx, ownerID, input.Detail.PaymentMethod, newType)
	if err != nil {
		return core.Expense{}, err
	}

	if err := s.storage.UpdateExpense(ctx, input); err != nil {
		return core.Expense{}, err
	}

	// Stale associations are retracted synchronously so the caller never
	// observes a membership pointing at outdated state.
	s.retractStale(ctx, before, input, method)

	var after deferred
	after.add(s.linkAdd(bus.KindPaymentMethod, method.ID, ownerID, id))
	after.add(s.linkAdd(bus.KindCategory, category.ID, ownerID, id))
	for _, budgetID := range input.BudgetIDs {
		if !before.HasBudget(budgetID) {
			after.add(s.linkAdd(bus.KindBudget, budgetID, ownerID, id))
		}
	}

	refreshed, err := s.storage.GetExpense(ctx, id, ownerID)
	if err != nil {
		return core.Expense{}, err
	}
	snapshot := refreshed.Clone()
	after.add(func(ctx context.Context) {
		s.audit.RecordExpense(ctx, core.AuditUpdate, &before, &snapshot, ownerID)
	})
	after.run(ctx)

	// The list cache is not authoritative for updated content; evict and let
	// the next read repopulate.
	s.cache.Evict(ownerID)

	slog.InfoContext(ctx, "Expense updated", "expense_id", id, "user_id", ownerID)

	return s.maskForUser(ctx, refreshed), nil
}

// Delete removes an expense and synchronously purges its id from every
// membership set. Deletion is the one path with no eventual-consistency
// window: a dangling reference to a gone row is a correctness bug.
func (s *ExpenseService) Delete(ctx context.Context, id, ownerID int64) error {
	existing, err := s.storage.GetExpense(ctx, id, ownerID)
	if err != nil {
		return err
	}
	if existing.IsBill {
		return &core.ImmutableEntityError{Entity: "expense", ID: id}
	}
	before := existing.Clone()

	if err := s.storage.DeleteExpenses(ctx, []int64{id}, s.opts.DeleteBatchSize); err != nil {
		return err
	}

	if err := s.storage.RemoveExpenseLinks(ctx, []int64{id}); err != nil {
		return err
	}

	// Repair the cached list in place instead of evicting it wholesale.
	s.cache.Remove(ownerID, id)

	s.audit.RecordExpense(ctx, core.AuditDelete, &before, nil, ownerID)

	slog.InfoContext(ctx, "Expense deleted", "expense_id", id, "user_id", ownerID)

	return nil
}

// Get returns one expense, masked per the owner's settings.
func (s *ExpenseService) Get(ctx context.Context, id, ownerID int64) (core.Expense, error) {
	e, err := s.storage.GetExpense(ctx, id, ownerID)
	if err != nil {
		return core.Expense{}, err
	}
	return s.maskForUser(ctx, e), nil
}

// List returns the owner's full expense list through the per-user cache.
func (s *ExpenseService) List(ctx context.Context, ownerID int64) ([]core.Expense, error) {
	if cached, ok := s.cache.Get(ownerID); ok {
		return s.maskList(ctx, ownerID, cached), nil
	}

	expenses, err := s.storage.ListExpenses(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	s.cache.Put(ownerID, expenses)

	return s.maskList(ctx, ownerID, expenses), nil
}

func (s *ExpenseService) maskList(ctx context.Context, ownerID int64, expenses []core.Expense) []core.Expense {
	settings, err := s.settings.GetUserSettings(ctx, ownerID)
	if err != nil {
		slog.WarnContext(ctx, "Failed to load user settings for masking",
			"user_id", ownerID, "error", err)
		return expenses
	}
	if !settings.MaskSensitiveData {
		return expenses
	}
	for i := range expenses {
		expenses[i] = maskExpense(expenses[i], settings)
	}
	return expenses
}

// resolveCategory resolves by name first, then by id, then falls back to the
// user's "Others" category, creating it if absent. Unresolvable references
// never fail the write.
func (s *ExpenseService) resolveCategory(ctx context.Context, input core.Expense, ownerID int64) (core.Category, error) {
	if input.CategoryName != "" && input.CategoryName != core.OthersCategoryName {
		matches, err := s.categories.ResolveCategoriesByName(ctx, input.CategoryName, ownerID)
		if err == nil && len(matches) > 0 {
			return matches[0], nil
		}
	}

	if input.CategoryID != 0 {
		category, err := s.categories.ResolveCategoryByID(ctx, input.CategoryID, ownerID)
		if err == nil {
			return category, nil
		}
		var notFound *core.NotFoundError
		if !errors.As(err, &notFound) {
			return core.Category{}, err
		}
	}

	return s.categories.EnsureOthersCategory(ctx, ownerID)
}

// filterBudgets keeps only the budget ids whose date range contains day.
// Unknown ids and out-of-range budgets are dropped silently.
func (s *ExpenseService) filterBudgets(ctx context.Context, ownerID int64, day core.Date, requested []int64) ([]int64, error) {
	if len(requested) == 0 {
		return nil, nil
	}

	valid := make([]int64, 0, len(requested))
	seen := make(map[int64]struct{}, len(requested))
	for _, id := range requested {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		budget, err := s.budgets.GetBudget(ctx, id, ownerID)
		if err != nil {
			var notFound *core.NotFoundError
			if errors.As(err, &notFound) {
				continue
			}
			return nil, err
		}
		if budget.Contains(day) {
			valid = append(valid, id)
		}
	}
	return valid, nil
}

// retractStale removes memberships invalidated by an update: the old payment
// method pair if it changed, the old category if it changed, and budgets the
// expense no longer belongs to.
func (s *ExpenseService) retractStale(ctx context.Context, before, updated core.Expense, newMethod core.PaymentMethod) {
	ownerID := before.UserID

	oldType := core.MethodTypeFor(before.Detail.Type)
	if before.Detail.PaymentMethod != updated.Detail.PaymentMethod || oldType != newMethod.Type {
		oldMethod, err := s.methods.EnsurePaymentMethod(ctx, ownerID, before.Detail.PaymentMethod, oldType)
		if err != nil {
			slog.WarnContext(ctx, "Failed to resolve old payment method for retraction",
				"user_id", ownerID, "method", before.Detail.PaymentMethod, "error", err)
		} else if err := s.storage.RemovePaymentMethodMembers(ctx, oldMethod.ID, ownerID, []int64{before.ID}); err != nil {
			slog.ErrorContext(ctx, "Failed to retract payment method membership",
				"expense_id", before.ID, "method_id", oldMethod.ID, "error", err)
		}
	}

	if before.CategoryID != 0 && before.CategoryID != updated.CategoryID {
		if err := s.storage.RemoveCategoryMembers(ctx, before.CategoryID, ownerID, []int64{before.ID}); err != nil {
			slog.ErrorContext(ctx, "Failed to retract category membership",
				"expense_id", before.ID, "category_id", before.CategoryID, "error", err)
		}
	}

	for _, budgetID := range before.BudgetIDs {
		if !updated.HasBudget(budgetID) {
			if err := s.storage.RemoveBudgetMembers(ctx, budgetID, []int64{before.ID}); err != nil {
				slog.ErrorContext(ctx, "Failed to retract budget membership",
					"expense_id", before.ID, "budget_id", budgetID, "error", err)
			}
		}
	}
}

// linkAdd builds a deferred, best-effort link event publication.
func (s *ExpenseService) linkAdd(kind bus.LinkKind, targetID, ownerID int64, expenseIDs ...int64) func(context.Context) {
	ev := bus.LinkEvent{
		Kind:       kind,
		Op:         bus.OpAdd,
		UserID:     ownerID,
		TargetID:   targetID,
		ExpenseIDs: expenseIDs,
		Timestamp:  time.Now().UTC(),
	}
	return func(ctx context.Context) {
		if err := s.publisher.PublishLink(ctx, ev); err != nil {
			slog.WarnContext(ctx, "Failed to publish link event",
				"kind", kind, "target_id", targetID, "error", err)
		}
	}
}

// Close waits for in-flight background jobs to finish.
func (s *ExpenseService) Close() error {
	if err := s.jobs.Wait(); err != nil {
		return fmt.Errorf("background jobs: %w", err)
	}
	return nil
}
