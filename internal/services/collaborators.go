package services

import (
	"context"

	"ledger/internal/core"
)

// Collaborator interfaces consumed by the ingestion engine. The SQLite
// repository satisfies all of them; tests may substitute any one of them.

type CategoryService interface {
	ResolveCategoryByID(ctx context.Context, id, userID int64) (core.Category, error)
	ResolveCategoriesByName(ctx context.Context, name string, userID int64) ([]core.Category, error)
	EnsureOthersCategory(ctx context.Context, userID int64) (core.Category, error)
}

type BudgetService interface {
	GetBudget(ctx context.Context, id, userID int64) (core.Budget, error)
}

type PaymentMethodService interface {
	FindPaymentMethods(ctx context.Context, userID int64) ([]core.PaymentMethod, error)
	EnsurePaymentMethod(ctx context.Context, userID int64, name string, methodType core.MethodType) (core.PaymentMethod, error)
}

type SettingsService interface {
	GetUserSettings(ctx context.Context, userID int64) (core.UserSettings, error)
}

// deferred collects side effects that must only run after the owning write
// has committed. A rolled-back write discards them, so no membership update
// or audit entry can ever describe a write that did not happen.
type deferred []func(context.Context)

func (d *deferred) add(fn func(context.Context)) {
	*d = append(*d, fn)
}

func (d deferred) run(ctx context.Context) {
	for _, fn := range d {
		fn(ctx)
	}
}
