package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ledger/internal/core"

	_ "modernc.org/sqlite"
)

const dateLayout = "2006-01-02"

// SQLiteRepository persists expenses, their details, the three membership
// indexes and the audit trail. It also backs the collaborator services the
// ingestion engine consumes (categories, budgets, payment methods, settings).
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" && !strings.HasPrefix(dbPath, ":memory:") {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// Single writer: avoids SQLITE_BUSY under concurrent bulk jobs and keeps
	// in-memory databases on one connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func formatDate(d core.Date) string {
	return d.Truncate().Format(dateLayout)
}

func parseDate(s string) (core.Date, error) {
	t, err := time.ParseInLocation(dateLayout, s, time.UTC)
	if err != nil {
		return core.Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return core.Date{Time: t}, nil
}

// CreateExpense persists an expense and its detail as one unit and returns
// the row with its server-assigned id.
func (r *SQLiteRepository) CreateExpense(ctx context.Context, e core.Expense) (core.Expense, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Expense{}, &core.PersistenceError{Op: "create expense", Err: err}
	}
	defer tx.Rollback()

	created, err := insertExpenseTx(ctx, tx, e)
	if err != nil {
		return core.Expense{}, err
	}

	if err := tx.Commit(); err != nil {
		return core.Expense{}, &core.PersistenceError{Op: "create expense", Err: err}
	}

	slog.DebugContext(ctx, "Expense saved",
		"expense_id", created.ID,
		"user_id", created.UserID,
		"amount_cents", created.Detail.Amount.Cents)

	return created, nil
}

func insertExpenseTx(ctx context.Context, tx *sql.Tx, e core.Expense) (core.Expense, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO expenses (user_id, date, category_id, category_name, include_in_budget, is_bill)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.UserID, formatDate(e.Date), e.CategoryID, e.CategoryName,
		boolToInt(e.IncludeInBudget), boolToInt(e.IsBill))
	if err != nil {
		return core.Expense{}, &core.PersistenceError{Op: "insert expense", Err: err}
	}

	id, err := res.LastInsertId()
	if err != nil {
		return core.Expense{}, &core.PersistenceError{Op: "insert expense", Err: err}
	}
	e.ID = id

	_, err = tx.ExecContext(ctx, `
		INSERT INTO expense_details
			(expense_id, name, amount_cents, entry_type, payment_method, net_amount_cents, comment, credit_due_cents)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, e.Detail.Name, e.Detail.Amount.Cents, string(e.Detail.Type), e.Detail.PaymentMethod,
		e.Detail.NetAmount.Cents, e.Detail.Comment, e.Detail.CreditDue.Cents)
	if err != nil {
		return core.Expense{}, &core.PersistenceError{Op: "insert expense detail", Err: err}
	}

	for _, budgetID := range e.BudgetIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO expense_budgets (expense_id, budget_id) VALUES (?, ?)`,
			id, budgetID); err != nil {
			return core.Expense{}, &core.PersistenceError{Op: "insert expense budget", Err: err}
		}
	}

	return e, nil
}

// GetExpense fetches one expense owned by userID, with detail and budget set.
func (r *SQLiteRepository) GetExpense(ctx context.Context, id, userID int64) (core.Expense, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT e.id, e.user_id, e.date, e.category_id, e.category_name, e.include_in_budget, e.is_bill,
		       d.name, d.amount_cents, d.entry_type, d.payment_method, d.net_amount_cents, d.comment, d.credit_due_cents
		FROM expenses e
		JOIN expense_details d ON d.expense_id = e.id
		WHERE e.id = ? AND e.user_id = ?`, id, userID)

	e, err := scanExpense(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Expense{}, &core.NotFoundError{Entity: "expense", ID: id}
		}
		return core.Expense{}, &core.PersistenceError{Op: "get expense", Err: err}
	}

	budgets, err := r.expenseBudgets(ctx, id)
	if err != nil {
		return core.Expense{}, err
	}
	e.BudgetIDs = budgets

	return e, nil
}

// ListExpenses returns all expenses for a user, detail and budget sets included.
func (r *SQLiteRepository) ListExpenses(ctx context.Context, userID int64) ([]core.Expense, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT e.id, e.user_id, e.date, e.category_id, e.category_name, e.include_in_budget, e.is_bill,
		       d.name, d.amount_cents, d.entry_type, d.payment_method, d.net_amount_cents, d.comment, d.credit_due_cents
		FROM expenses e
		JOIN expense_details d ON d.expense_id = e.id
		WHERE e.user_id = ?
		ORDER BY e.id`, userID)
	if err != nil {
		return nil, &core.PersistenceError{Op: "list expenses", Err: err}
	}
	defer rows.Close()

	var expenses []core.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, &core.PersistenceError{Op: "list expenses", Err: err}
		}
		expenses = append(expenses, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &core.PersistenceError{Op: "list expenses", Err: err}
	}

	budgetsByExpense, err := r.budgetSetsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range expenses {
		expenses[i].BudgetIDs = budgetsByExpense[expenses[i].ID]
	}

	return expenses, nil
}

// UpdateExpense rewrites the expense row, its detail and its budget set.
// Last write wins: there is no concurrency token on the row.
func (r *SQLiteRepository) UpdateExpense(ctx context.Context, e core.Expense) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &core.PersistenceError{Op: "update expense", Err: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE expenses
		SET date = ?, category_id = ?, category_name = ?, include_in_budget = ?
		WHERE id = ? AND user_id = ?`,
		formatDate(e.Date), e.CategoryID, e.CategoryName, boolToInt(e.IncludeInBudget),
		e.ID, e.UserID)
	if err != nil {
		return &core.PersistenceError{Op: "update expense", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Entity: "expense", ID: e.ID}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE expense_details
		SET name = ?, amount_cents = ?, entry_type = ?, payment_method = ?,
		    net_amount_cents = ?, comment = ?, credit_due_cents = ?
		WHERE expense_id = ?`,
		e.Detail.Name, e.Detail.Amount.Cents, string(e.Detail.Type), e.Detail.PaymentMethod,
		e.Detail.NetAmount.Cents, e.Detail.Comment, e.Detail.CreditDue.Cents, e.ID)
	if err != nil {
		return &core.PersistenceError{Op: "update expense detail", Err: err}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM expense_budgets WHERE expense_id = ?`, e.ID); err != nil {
		return &core.PersistenceError{Op: "update expense budgets", Err: err}
	}
	for _, budgetID := range e.BudgetIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO expense_budgets (expense_id, budget_id) VALUES (?, ?)`,
			e.ID, budgetID); err != nil {
			return &core.PersistenceError{Op: "update expense budgets", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &core.PersistenceError{Op: "update expense", Err: err}
	}

	return nil
}

// DeleteExpenses removes expenses and their owned child rows in capped
// batches, each batch in its own transaction. Membership retraction is the
// caller's job (it holds detached copies captured before deletion).
func (r *SQLiteRepository) DeleteExpenses(ctx context.Context, ids []int64, batchSize int) error {
	if batchSize < 1 {
		batchSize = len(ids)
	}

	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		if err := r.deleteExpenseBatch(ctx, ids[start:end]); err != nil {
			return err
		}
	}

	return nil
}

func (r *SQLiteRepository) deleteExpenseBatch(ctx context.Context, ids []int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &core.PersistenceError{Op: "delete expenses", Err: err}
	}
	defer tx.Rollback()

	placeholders, args := inClause(ids)

	for _, stmt := range []string{
		`DELETE FROM expense_details WHERE expense_id IN (` + placeholders + `)`,
		`DELETE FROM expense_budgets WHERE expense_id IN (` + placeholders + `)`,
		`DELETE FROM expenses WHERE id IN (` + placeholders + `)`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return &core.PersistenceError{Op: "delete expenses", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &core.PersistenceError{Op: "delete expenses", Err: err}
	}

	return nil
}

// GetExpensesByIDs loads full expenses (detail and budget sets included)
// for the given ids, in id order. Missing ids are skipped.
func (r *SQLiteRepository) GetExpensesByIDs(ctx context.Context, ids []int64) ([]core.Expense, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders, args := inClause(ids)
	rows, err := r.db.QueryContext(ctx, `
		SELECT e.id, e.user_id, e.date, e.category_id, e.category_name, e.include_in_budget, e.is_bill,
		       d.name, d.amount_cents, d.entry_type, d.payment_method, d.net_amount_cents, d.comment, d.credit_due_cents
		FROM expenses e
		JOIN expense_details d ON d.expense_id = e.id
		WHERE e.id IN (`+placeholders+`)
		ORDER BY e.id`, args...)
	if err != nil {
		return nil, &core.PersistenceError{Op: "get expenses by ids", Err: err}
	}
	defer rows.Close()

	var expenses []core.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, &core.PersistenceError{Op: "get expenses by ids", Err: err}
		}
		expenses = append(expenses, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &core.PersistenceError{Op: "get expenses by ids", Err: err}
	}

	linkRows, err := r.db.QueryContext(ctx, `
		SELECT expense_id, budget_id FROM expense_budgets
		WHERE expense_id IN (`+placeholders+`)
		ORDER BY expense_id, budget_id`, args...)
	if err != nil {
		return nil, &core.PersistenceError{Op: "get expenses by ids", Err: err}
	}
	defer linkRows.Close()

	sets := make(map[int64][]int64)
	for linkRows.Next() {
		var expenseID, budgetID int64
		if err := linkRows.Scan(&expenseID, &budgetID); err != nil {
			return nil, &core.PersistenceError{Op: "get expenses by ids", Err: err}
		}
		sets[expenseID] = append(sets[expenseID], budgetID)
	}
	if err := linkRows.Err(); err != nil {
		return nil, &core.PersistenceError{Op: "get expenses by ids", Err: err}
	}
	for i := range expenses {
		expenses[i].BudgetIDs = sets[expenses[i].ID]
	}

	return expenses, nil
}

// ExpenseIDsForUser returns every expense id owned by userID.
func (r *SQLiteRepository) ExpenseIDsForUser(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM expenses WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, &core.PersistenceError{Op: "list expense ids", Err: err}
	}
	defer rows.Close()
	return collectIDs(rows, "list expense ids")
}

// ExpenseOwners maps each requested id to its owner. Missing ids are absent
// from the result.
func (r *SQLiteRepository) ExpenseOwners(ctx context.Context, ids []int64) (map[int64]int64, error) {
	owners := make(map[int64]int64, len(ids))
	if len(ids) == 0 {
		return owners, nil
	}

	placeholders, args := inClause(ids)
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id FROM expenses WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, &core.PersistenceError{Op: "resolve expense owners", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var id, owner int64
		if err := rows.Scan(&id, &owner); err != nil {
			return nil, &core.PersistenceError{Op: "resolve expense owners", Err: err}
		}
		owners[id] = owner
	}
	return owners, rows.Err()
}

func (r *SQLiteRepository) expenseBudgets(ctx context.Context, expenseID int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT budget_id FROM expense_budgets WHERE expense_id = ? ORDER BY budget_id`, expenseID)
	if err != nil {
		return nil, &core.PersistenceError{Op: "load expense budgets", Err: err}
	}
	defer rows.Close()
	return collectIDs(rows, "load expense budgets")
}

func (r *SQLiteRepository) budgetSetsForUser(ctx context.Context, userID int64) (map[int64][]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT eb.expense_id, eb.budget_id
		FROM expense_budgets eb
		JOIN expenses e ON e.id = eb.expense_id
		WHERE e.user_id = ?
		ORDER BY eb.expense_id, eb.budget_id`, userID)
	if err != nil {
		return nil, &core.PersistenceError{Op: "load budget sets", Err: err}
	}
	defer rows.Close()

	sets := make(map[int64][]int64)
	for rows.Next() {
		var expenseID, budgetID int64
		if err := rows.Scan(&expenseID, &budgetID); err != nil {
			return nil, &core.PersistenceError{Op: "load budget sets", Err: err}
		}
		sets[expenseID] = append(sets[expenseID], budgetID)
	}
	return sets, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExpense(row rowScanner) (core.Expense, error) {
	var (
		e               core.Expense
		dateStr         string
		entryType       string
		includeInBudget int
		isBill          int
	)
	err := row.Scan(
		&e.ID, &e.UserID, &dateStr, &e.CategoryID, &e.CategoryName, &includeInBudget, &isBill,
		&e.Detail.Name, &e.Detail.Amount.Cents, &entryType, &e.Detail.PaymentMethod,
		&e.Detail.NetAmount.Cents, &e.Detail.Comment, &e.Detail.CreditDue.Cents)
	if err != nil {
		return core.Expense{}, err
	}

	date, err := parseDate(dateStr)
	if err != nil {
		return core.Expense{}, err
	}
	e.Date = date
	e.Detail.Type = core.EntryType(entryType)
	e.IncludeInBudget = includeInBudget != 0
	e.IsBill = isBill != 0

	return e, nil
}

func collectIDs(rows *sql.Rows, op string) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, &core.PersistenceError{Op: op, Err: err}
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, &core.PersistenceError{Op: op, Err: err}
	}
	return ids, nil
}

func inClause(ids []int64) (string, []any) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return placeholders, args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
