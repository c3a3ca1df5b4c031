package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"ledger/internal/bus"
	"ledger/internal/core"
	"ledger/internal/progress"
)

// BulkCreate ingests many expenses in one call. Below the stateless
// threshold the whole call is one transaction; at or above it the direct
// path commits chunk by chunk, trading atomicity for throughput. If a later
// chunk fails, the committed prefix is returned alongside the error.
// Category and budget resolution is memoized per call, and link events are
// emitted once per affected target after the batch commits, not per row.
func (s *ExpenseService) BulkCreate(ctx context.Context, inputs []core.Expense, ownerID int64) ([]core.Expense, error) {
	return s.bulkCreate(ctx, inputs, ownerID, nil)
}

// BulkCreateAsync submits the same work as a background job and returns a
// job id immediately. Callers poll JobStatus; progress is incremented in
// coalesced steps, and a persistence failure marks the job failed with the
// error message.
func (s *ExpenseService) BulkCreateAsync(ctx context.Context, inputs []core.Expense, ownerID int64, jobID string) (string, error) {
	if jobID == "" {
		jobID = uuid.NewString()
	}
	s.tracker.Start(jobID, int64(len(inputs)))

	items := make([]core.Expense, len(inputs))
	for i, e := range inputs {
		items[i] = e.Clone()
	}

	s.jobs.Go(func() error {
		jobCtx := s.jobCtx

		if _, err := s.bulkCreate(jobCtx, items, ownerID, func(n int) {
			s.tracker.Add(jobID, int64(n))
		}); err != nil {
			s.tracker.Fail(jobID, err.Error())
			slog.ErrorContext(jobCtx, "Bulk job failed",
				"job_id", jobID, "user_id", ownerID, "error", err)
			return nil // job failure is reported through the tracker
		}

		s.tracker.Complete(jobID)
		slog.InfoContext(jobCtx, "Bulk job completed",
			"job_id", jobID, "user_id", ownerID, "count", len(items))
		return nil
	})

	return jobID, nil
}

// JobStatus reports a bulk job's progress.
func (s *ExpenseService) JobStatus(jobID string) (progress.Status, error) {
	status, ok := s.tracker.Status(jobID)
	if !ok {
		return progress.Status{}, &core.NotFoundError{Entity: "job"}
	}
	return status, nil
}

func (s *ExpenseService) bulkCreate(ctx context.Context, inputs []core.Expense, ownerID int64, onProgress func(int)) ([]core.Expense, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	// Validate everything up front: malformed input fails the call before
	// any row is written.
	for i := range inputs {
		inputs[i].UserID = ownerID
		if err := inputs[i].Validate(); err != nil {
			return nil, err
		}
	}

	resolver := newBulkResolver(s, ownerID)
	prepared := make([]core.Expense, len(inputs))
	for i, input := range inputs {
		input.Normalize()

		category, err := resolver.category(ctx, input)
		if err != nil {
			return nil, err
		}
		input.CategoryID = category.ID
		input.CategoryName = category.Name

		input.BudgetIDs, err = resolver.validBudgets(ctx, input.Date, input.BudgetIDs)
		if err != nil {
			return nil, err
		}

		if _, err := resolver.method(ctx, input.Detail.PaymentMethod, core.MethodTypeFor(input.Detail.Type)); err != nil {
			return nil, err
		}

		prepared[i] = input
	}

	persisted, insertErr := s.insertBulk(ctx, prepared, onProgress)

	// On the direct path a failing chunk leaves earlier chunks committed, and
	// committed rows must never go dark: the caller gets the persisted prefix
	// back with the error, and cache repair, link events and audit run for it
	// exactly as they would for a full success.
	if len(persisted) > 0 {
		s.cache.Append(ownerID, persisted...)
		s.publishBulkLinks(ctx, ownerID, persisted, resolver)
		s.audit.RecordExpenseBatch(ctx, core.AuditCreate, nil, persisted, ownerID)
	}

	if insertErr != nil {
		slog.ErrorContext(ctx, "Bulk create failed",
			"user_id", ownerID, "persisted", len(persisted), "error", insertErr)
		return persisted, insertErr
	}

	slog.InfoContext(ctx, "Bulk create finished",
		"user_id", ownerID, "count", len(persisted))

	return persisted, nil
}

// insertBulk picks the insert strategy by row count.
func (s *ExpenseService) insertBulk(ctx context.Context, items []core.Expense, onProgress func(int)) ([]core.Expense, error) {
	if len(items) >= s.opts.StatelessThreshold {
		slog.InfoContext(ctx, "Using direct bulk insert path",
			"count", len(items), "threshold", s.opts.StatelessThreshold)
		return s.storage.BulkInsertDirect(ctx, items, s.opts.FlushSize, onProgress)
	}
	return s.storage.BulkInsertBatched(ctx, items, s.opts.FlushSize, onProgress)
}

// publishBulkLinks emits one add event per affected target id, carrying the
// whole id set, so event volume is bounded by unique targets touched.
func (s *ExpenseService) publishBulkLinks(ctx context.Context, ownerID int64, persisted []core.Expense, resolver *bulkResolver) {
	categoryAdds := make(map[int64][]int64)
	budgetAdds := make(map[int64][]int64)
	methodAdds := make(map[int64][]int64)

	for _, e := range persisted {
		categoryAdds[e.CategoryID] = append(categoryAdds[e.CategoryID], e.ID)
		for _, budgetID := range e.BudgetIDs {
			budgetAdds[budgetID] = append(budgetAdds[budgetID], e.ID)
		}
		if method, ok := resolver.cachedMethod(e.Detail.PaymentMethod, core.MethodTypeFor(e.Detail.Type)); ok {
			methodAdds[method.ID] = append(methodAdds[method.ID], e.ID)
		}
	}

	var after deferred
	for methodID, ids := range methodAdds {
		after.add(s.linkAdd(bus.KindPaymentMethod, methodID, ownerID, ids...))
	}
	for categoryID, ids := range categoryAdds {
		after.add(s.linkAdd(bus.KindCategory, categoryID, ownerID, ids...))
	}
	for budgetID, ids := range budgetAdds {
		after.add(s.linkAdd(bus.KindBudget, budgetID, ownerID, ids...))
	}
	after.run(ctx)
}

// BulkDelete removes the given expenses. Per-row authorization failures do
// not stop the rest: authorized rows are deleted and the failures reported
// together as a PartialBulkFailure.
func (s *ExpenseService) BulkDelete(ctx context.Context, ids []int64, ownerID int64) error {
	return s.deleteRows(ctx, ids, ownerID)
}

// DeleteAll removes every expense the owner has.
func (s *ExpenseService) DeleteAll(ctx context.Context, ownerID int64) error {
	ids, err := s.storage.ExpenseIDsForUser(ctx, ownerID)
	if err != nil {
		return err
	}
	return s.deleteRows(ctx, ids, ownerID)
}

func (s *ExpenseService) deleteRows(ctx context.Context, ids []int64, ownerID int64) error {
	if len(ids) == 0 {
		return nil
	}

	owners, err := s.storage.ExpenseOwners(ctx, ids)
	if err != nil {
		return err
	}

	var rowErrors []core.BulkRowError
	authorized := make([]int64, 0, len(ids))
	for _, id := range ids {
		owner, exists := owners[id]
		switch {
		case !exists:
			rowErrors = append(rowErrors, core.BulkRowError{
				ID: id, Err: &core.NotFoundError{Entity: "expense", ID: id}})
		case owner != ownerID:
			rowErrors = append(rowErrors, core.BulkRowError{
				ID: id, Err: &core.AuthorizationError{Entity: "expense", ID: id, UserID: ownerID}})
		default:
			authorized = append(authorized, id)
		}
	}

	// Detached copies captured before deletion: they feed retraction and
	// audit without re-querying rows that no longer exist.
	copies, err := s.storage.GetExpensesByIDs(ctx, authorized)
	if err != nil {
		return err
	}

	deletable := make([]core.Expense, 0, len(copies))
	deletableIDs := make([]int64, 0, len(copies))
	for _, e := range copies {
		if e.IsBill {
			rowErrors = append(rowErrors, core.BulkRowError{
				ID: e.ID, Err: &core.ImmutableEntityError{Entity: "expense", ID: e.ID}})
			continue
		}
		deletable = append(deletable, e)
		deletableIDs = append(deletableIDs, e.ID)
	}

	if len(deletableIDs) > 0 {
		if err := s.storage.DeleteExpenses(ctx, deletableIDs, s.opts.DeleteBatchSize); err != nil {
			return err
		}

		// Retraction and audit run once, after the whole multi-batch delete.
		if err := s.storage.RemoveExpenseLinks(ctx, deletableIDs); err != nil {
			slog.ErrorContext(ctx, "Failed to retract memberships after bulk delete",
				"user_id", ownerID, "count", len(deletableIDs), "error", err)
		}
		s.cache.Remove(ownerID, deletableIDs...)
		s.audit.RecordExpenseBatch(ctx, core.AuditDelete, deletable, nil, ownerID)
	}

	slog.InfoContext(ctx, "Bulk delete finished",
		"user_id", ownerID, "deleted", len(deletableIDs), "failed", len(rowErrors))

	if len(rowErrors) > 0 {
		return &core.PartialBulkFailure{Succeeded: deletableIDs, Failed: rowErrors}
	}
	return nil
}

// bulkResolver memoizes category, budget and payment-method lookups for one
// bulk call. Repeated external lookups dominate cost at scale; the "Others"
// fallback in particular is resolved exactly once and reused.
type bulkResolver struct {
	svc    *ExpenseService
	userID int64

	categoriesByID   map[int64]*core.Category
	categoriesByName map[string]*core.Category
	others           *core.Category
	budgets          map[int64]*core.Budget
	methods          map[methodKey]core.PaymentMethod
}

type methodKey struct {
	name       string
	methodType core.MethodType
}

func newBulkResolver(svc *ExpenseService, userID int64) *bulkResolver {
	return &bulkResolver{
		svc:              svc,
		userID:           userID,
		categoriesByID:   make(map[int64]*core.Category),
		categoriesByName: make(map[string]*core.Category),
		budgets:          make(map[int64]*core.Budget),
		methods:          make(map[methodKey]core.PaymentMethod),
	}
}

func (r *bulkResolver) category(ctx context.Context, input core.Expense) (core.Category, error) {
	if input.CategoryName != "" && input.CategoryName != core.OthersCategoryName {
		if cached, ok := r.categoriesByName[input.CategoryName]; ok {
			if cached != nil {
				return *cached, nil
			}
		} else {
			matches, err := r.svc.categories.ResolveCategoriesByName(ctx, input.CategoryName, r.userID)
			if err == nil && len(matches) > 0 {
				match := matches[0]
				r.categoriesByName[input.CategoryName] = &match
				return match, nil
			}
			r.categoriesByName[input.CategoryName] = nil
		}
	}

	if input.CategoryID != 0 {
		if cached, ok := r.categoriesByID[input.CategoryID]; ok {
			if cached != nil {
				return *cached, nil
			}
		} else {
			category, err := r.svc.categories.ResolveCategoryByID(ctx, input.CategoryID, r.userID)
			if err == nil {
				r.categoriesByID[input.CategoryID] = &category
				return category, nil
			}
			var notFound *core.NotFoundError
			if !errors.As(err, &notFound) {
				return core.Category{}, err
			}
			r.categoriesByID[input.CategoryID] = nil
		}
	}

	if r.others == nil {
		others, err := r.svc.categories.EnsureOthersCategory(ctx, r.userID)
		if err != nil {
			return core.Category{}, err
		}
		r.others = &others
	}
	return *r.others, nil
}

func (r *bulkResolver) validBudgets(ctx context.Context, day core.Date, requested []int64) ([]int64, error) {
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

		budget, ok := r.budgets[id]
		if !ok {
			b, err := r.svc.budgets.GetBudget(ctx, id, r.userID)
			if err != nil {
				var notFound *core.NotFoundError
				if !errors.As(err, &notFound) {
					return nil, err
				}
				r.budgets[id] = nil
				continue
			}
			budget = &b
			r.budgets[id] = budget
		}
		if budget != nil && budget.Contains(day) {
			valid = append(valid, id)
		}
	}
	return valid, nil
}

func (r *bulkResolver) method(ctx context.Context, name string, methodType core.MethodType) (core.PaymentMethod, error) {
	key := methodKey{name: name, methodType: methodType}
	if cached, ok := r.methods[key]; ok {
		return cached, nil
	}
	method, err := r.svc.methods.EnsurePaymentMethod(ctx, r.userID, name, methodType)
	if err != nil {
		return core.PaymentMethod{}, err
	}
	r.methods[key] = method
	return method, nil
}

func (r *bulkResolver) cachedMethod(name string, methodType core.MethodType) (core.PaymentMethod, bool) {
	method, ok := r.methods[methodKey{name: name, methodType: methodType}]
	return method, ok
}
