package storage

import (
	"context"
	"database/sql"
	"errors"

	"ledger/internal/core"
)

// Membership index operations. All adds are INSERT OR IGNORE and all removes
// are plain DELETEs, so applying the same link event twice is a no-op. The
// index tables hold weak references: a dangling expense id is simply pruned
// on the next touch, never an error.

// AddCategoryMembers records expense ids under (categoryID, userID).
func (r *SQLiteRepository) AddCategoryMembers(ctx context.Context, categoryID, userID int64, expenseIDs []int64) error {
	return r.addMembers(ctx,
		`INSERT OR IGNORE INTO category_expenses (category_id, user_id, expense_id) VALUES (?, ?, ?)`,
		categoryID, userID, expenseIDs, "add category members")
}

// RemoveCategoryMembers drops expense ids from (categoryID, userID).
func (r *SQLiteRepository) RemoveCategoryMembers(ctx context.Context, categoryID, userID int64, expenseIDs []int64) error {
	return r.removeMembers(ctx,
		`DELETE FROM category_expenses WHERE category_id = ? AND user_id = ? AND expense_id IN `,
		categoryID, userID, expenseIDs, "remove category members")
}

// CategoryMembers lists the expense ids a user placed in a category.
func (r *SQLiteRepository) CategoryMembers(ctx context.Context, categoryID, userID int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT expense_id FROM category_expenses WHERE category_id = ? AND user_id = ? ORDER BY expense_id`,
		categoryID, userID)
	if err != nil {
		return nil, &core.PersistenceError{Op: "list category members", Err: err}
	}
	defer rows.Close()
	return collectIDs(rows, "list category members")
}

// AddBudgetMembers records expense ids in a budget's member set.
func (r *SQLiteRepository) AddBudgetMembers(ctx context.Context, budgetID int64, expenseIDs []int64) error {
	for _, expenseID := range expenseIDs {
		if _, err := r.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO budget_expenses (budget_id, expense_id) VALUES (?, ?)`,
			budgetID, expenseID); err != nil {
			return &core.PersistenceError{Op: "add budget members", Err: err}
		}
	}
	return nil
}

// RemoveBudgetMembers drops expense ids from a budget's member set.
func (r *SQLiteRepository) RemoveBudgetMembers(ctx context.Context, budgetID int64, expenseIDs []int64) error {
	if len(expenseIDs) == 0 {
		return nil
	}
	placeholders, args := inClause(expenseIDs)
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM budget_expenses WHERE budget_id = ? AND expense_id IN (`+placeholders+`)`,
		append([]any{budgetID}, args...)...); err != nil {
		return &core.PersistenceError{Op: "remove budget members", Err: err}
	}
	return nil
}

// BudgetMembers lists a budget's member expense ids.
func (r *SQLiteRepository) BudgetMembers(ctx context.Context, budgetID int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT expense_id FROM budget_expenses WHERE budget_id = ? ORDER BY expense_id`, budgetID)
	if err != nil {
		return nil, &core.PersistenceError{Op: "list budget members", Err: err}
	}
	defer rows.Close()
	return collectIDs(rows, "list budget members")
}

// BudgetHasExpenses is the derived flag: member set non-empty.
func (r *SQLiteRepository) BudgetHasExpenses(ctx context.Context, budgetID int64) (bool, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM budget_expenses WHERE budget_id = ?`, budgetID).Scan(&n)
	if err != nil {
		return false, &core.PersistenceError{Op: "count budget members", Err: err}
	}
	return n > 0, nil
}

// AddPaymentMethodMembers records expense ids under (methodID, userID).
func (r *SQLiteRepository) AddPaymentMethodMembers(ctx context.Context, methodID, userID int64, expenseIDs []int64) error {
	return r.addMembers(ctx,
		`INSERT OR IGNORE INTO payment_method_expenses (method_id, user_id, expense_id) VALUES (?, ?, ?)`,
		methodID, userID, expenseIDs, "add payment method members")
}

// RemovePaymentMethodMembers drops expense ids from (methodID, userID).
func (r *SQLiteRepository) RemovePaymentMethodMembers(ctx context.Context, methodID, userID int64, expenseIDs []int64) error {
	return r.removeMembers(ctx,
		`DELETE FROM payment_method_expenses WHERE method_id = ? AND user_id = ? AND expense_id IN `,
		methodID, userID, expenseIDs, "remove payment method members")
}

// PaymentMethodMembers lists the expense ids recorded under (methodID, userID).
func (r *SQLiteRepository) PaymentMethodMembers(ctx context.Context, methodID, userID int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT expense_id FROM payment_method_expenses WHERE method_id = ? AND user_id = ? ORDER BY expense_id`,
		methodID, userID)
	if err != nil {
		return nil, &core.PersistenceError{Op: "list payment method members", Err: err}
	}
	defer rows.Close()
	return collectIDs(rows, "list payment method members")
}

// RemoveExpenseLinks purges expense ids from every membership index at once.
// This is the synchronous retraction used by deletes, where a dangling
// reference would be a correctness bug rather than a staleness window.
func (r *SQLiteRepository) RemoveExpenseLinks(ctx context.Context, expenseIDs []int64) error {
	if len(expenseIDs) == 0 {
		return nil
	}
	placeholders, args := inClause(expenseIDs)

	for _, stmt := range []string{
		`DELETE FROM category_expenses WHERE expense_id IN (` + placeholders + `)`,
		`DELETE FROM budget_expenses WHERE expense_id IN (` + placeholders + `)`,
		`DELETE FROM payment_method_expenses WHERE expense_id IN (` + placeholders + `)`,
	} {
		if _, err := r.db.ExecContext(ctx, stmt, args...); err != nil {
			return &core.PersistenceError{Op: "remove expense links", Err: err}
		}
	}
	return nil
}

func (r *SQLiteRepository) addMembers(ctx context.Context, stmt string, targetID, userID int64, expenseIDs []int64, op string) error {
	for _, expenseID := range expenseIDs {
		if _, err := r.db.ExecContext(ctx, stmt, targetID, userID, expenseID); err != nil {
			return &core.PersistenceError{Op: op, Err: err}
		}
	}
	return nil
}

func (r *SQLiteRepository) removeMembers(ctx context.Context, prefix string, targetID, userID int64, expenseIDs []int64, op string) error {
	if len(expenseIDs) == 0 {
		return nil
	}
	placeholders, args := inClause(expenseIDs)
	if _, err := r.db.ExecContext(ctx, prefix+`(`+placeholders+`)`,
		append([]any{targetID, userID}, args...)...); err != nil {
		return &core.PersistenceError{Op: op, Err: err}
	}
	return nil
}

// --- Category collaborator ---

// ResolveCategoryByID returns a category visible to userID: either owned or global.
func (r *SQLiteRepository) ResolveCategoryByID(ctx context.Context, id, userID int64) (core.Category, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, color, icon, is_global
		FROM categories
		WHERE id = ? AND (user_id = ? OR is_global = 1)`, id, userID)
	return scanCategory(row, id)
}

// ResolveCategoriesByName returns categories matching name, owned or global.
func (r *SQLiteRepository) ResolveCategoriesByName(ctx context.Context, name string, userID int64) ([]core.Category, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, name, color, icon, is_global
		FROM categories
		WHERE name = ? AND (user_id = ? OR is_global = 1)
		ORDER BY is_global, id`, name, userID)
	if err != nil {
		return nil, &core.PersistenceError{Op: "resolve categories by name", Err: err}
	}
	defer rows.Close()

	var categories []core.Category
	for rows.Next() {
		var (
			c        core.Category
			isGlobal int
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Color, &c.Icon, &isGlobal); err != nil {
			return nil, &core.PersistenceError{Op: "resolve categories by name", Err: err}
		}
		c.Global = isGlobal != 0
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// SaveCategory inserts a category and returns it with its id.
func (r *SQLiteRepository) SaveCategory(ctx context.Context, c core.Category) (core.Category, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO categories (user_id, name, color, icon, is_global)
		VALUES (?, ?, ?, ?, ?)`,
		c.UserID, c.Name, c.Color, c.Icon, boolToInt(c.Global))
	if err != nil {
		return core.Category{}, &core.PersistenceError{Op: "save category", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return core.Category{}, &core.PersistenceError{Op: "save category", Err: err}
	}
	c.ID = id
	return c, nil
}

// EnsureOthersCategory returns the user's "Others" fallback category,
// creating it on first use.
func (r *SQLiteRepository) EnsureOthersCategory(ctx context.Context, userID int64) (core.Category, error) {
	if _, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO categories (user_id, name) VALUES (?, ?)`,
		userID, core.OthersCategoryName); err != nil {
		return core.Category{}, &core.PersistenceError{Op: "ensure others category", Err: err}
	}

	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, color, icon, is_global
		FROM categories
		WHERE user_id = ? AND name = ?`, userID, core.OthersCategoryName)
	return scanCategory(row, 0)
}

func scanCategory(row *sql.Row, id int64) (core.Category, error) {
	var (
		c        core.Category
		isGlobal int
	)
	err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.Color, &c.Icon, &isGlobal)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Category{}, &core.NotFoundError{Entity: "category", ID: id}
		}
		return core.Category{}, &core.PersistenceError{Op: "get category", Err: err}
	}
	c.Global = isGlobal != 0
	return c, nil
}

// --- Budget collaborator ---

// GetBudget fetches a budget owned by userID.
func (r *SQLiteRepository) GetBudget(ctx context.Context, id, userID int64) (core.Budget, error) {
	var (
		b        core.Budget
		startStr string
		endStr   string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, amount_cents, start_date, end_date
		FROM budgets WHERE id = ? AND user_id = ?`, id, userID).
		Scan(&b.ID, &b.UserID, &b.Amount.Cents, &startStr, &endStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Budget{}, &core.NotFoundError{Entity: "budget", ID: id}
		}
		return core.Budget{}, &core.PersistenceError{Op: "get budget", Err: err}
	}

	if b.StartDate, err = parseDate(startStr); err != nil {
		return core.Budget{}, &core.PersistenceError{Op: "get budget", Err: err}
	}
	if b.EndDate, err = parseDate(endStr); err != nil {
		return core.Budget{}, &core.PersistenceError{Op: "get budget", Err: err}
	}
	return b, nil
}

// SaveBudget inserts a budget and returns it with its id.
func (r *SQLiteRepository) SaveBudget(ctx context.Context, b core.Budget) (core.Budget, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO budgets (user_id, amount_cents, start_date, end_date)
		VALUES (?, ?, ?, ?)`,
		b.UserID, b.Amount.Cents, formatDate(b.StartDate), formatDate(b.EndDate))
	if err != nil {
		return core.Budget{}, &core.PersistenceError{Op: "save budget", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return core.Budget{}, &core.PersistenceError{Op: "save budget", Err: err}
	}
	b.ID = id
	return b, nil
}

// --- Payment-method collaborator ---

// FindPaymentMethods lists a user's payment methods.
func (r *SQLiteRepository) FindPaymentMethods(ctx context.Context, userID int64) ([]core.PaymentMethod, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, name, method_type
		FROM payment_methods WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, &core.PersistenceError{Op: "find payment methods", Err: err}
	}
	defer rows.Close()

	var methods []core.PaymentMethod
	for rows.Next() {
		var (
			m          core.PaymentMethod
			methodType string
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.Name, &methodType); err != nil {
			return nil, &core.PersistenceError{Op: "find payment methods", Err: err}
		}
		m.Type = core.MethodType(methodType)
		methods = append(methods, m)
	}
	return methods, rows.Err()
}

// EnsurePaymentMethod returns the method for (userID, name, type), creating
// it when no match exists. Uniqueness is by the triple, not the id.
func (r *SQLiteRepository) EnsurePaymentMethod(ctx context.Context, userID int64, name string, methodType core.MethodType) (core.PaymentMethod, error) {
	if _, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO payment_methods (user_id, name, method_type) VALUES (?, ?, ?)`,
		userID, name, string(methodType)); err != nil {
		return core.PaymentMethod{}, &core.PersistenceError{Op: "ensure payment method", Err: err}
	}

	var m core.PaymentMethod
	var storedType string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, method_type
		FROM payment_methods WHERE user_id = ? AND name = ? AND method_type = ?`,
		userID, name, string(methodType)).
		Scan(&m.ID, &m.UserID, &m.Name, &storedType)
	if err != nil {
		return core.PaymentMethod{}, &core.PersistenceError{Op: "ensure payment method", Err: err}
	}
	m.Type = core.MethodType(storedType)
	return m, nil
}

// --- User settings collaborator ---

// GetUserSettings returns the user's masking preference; absent rows mean
// no masking.
func (r *SQLiteRepository) GetUserSettings(ctx context.Context, userID int64) (core.UserSettings, error) {
	var mask int
	err := r.db.QueryRowContext(ctx,
		`SELECT mask_sensitive_data FROM user_settings WHERE user_id = ?`, userID).Scan(&mask)
	if errors.Is(err, sql.ErrNoRows) {
		return core.UserSettings{}, nil
	}
	if err != nil {
		return core.UserSettings{}, &core.PersistenceError{Op: "get user settings", Err: err}
	}
	return core.UserSettings{MaskSensitiveData: mask != 0}, nil
}

// SaveUserSettings upserts the user's settings row.
func (r *SQLiteRepository) SaveUserSettings(ctx context.Context, userID int64, s core.UserSettings) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_settings (user_id, mask_sensitive_data) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET mask_sensitive_data = excluded.mask_sensitive_data`,
		userID, boolToInt(s.MaskSensitiveData))
	if err != nil {
		return &core.PersistenceError{Op: "save user settings", Err: err}
	}
	return nil
}

// --- Reconciliation ---

// ExpensesMissingCategoryLink finds expenses whose category membership row
// never landed (a lost link event) so the worker can repair them.
func (r *SQLiteRepository) ExpensesMissingCategoryLink(ctx context.Context, limit int) ([]core.Expense, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT e.id, e.user_id, e.date, e.category_id, e.category_name, e.include_in_budget, e.is_bill,
		       d.name, d.amount_cents, d.entry_type, d.payment_method, d.net_amount_cents, d.comment, d.credit_due_cents
		FROM expenses e
		JOIN expense_details d ON d.expense_id = e.id
		WHERE e.category_id != 0
		  AND NOT EXISTS (
			SELECT 1 FROM category_expenses ce
			WHERE ce.category_id = e.category_id AND ce.user_id = e.user_id AND ce.expense_id = e.id
		  )
		ORDER BY e.id
		LIMIT ?`, limit)
	if err != nil {
		return nil, &core.PersistenceError{Op: "find unlinked expenses", Err: err}
	}
	defer rows.Close()

	var expenses []core.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, &core.PersistenceError{Op: "find unlinked expenses", Err: err}
		}
		expenses = append(expenses, e)
	}
	return expenses, rows.Err()
}
