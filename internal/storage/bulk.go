package storage

import (
	"context"
	"strings"

	"ledger/internal/core"
)

// Two bulk insert paths. BulkInsertBatched runs the whole call in one
// transaction with per-row prepared statements, so a failure rolls the call
// back atomically. BulkInsertDirect trades that atomicity for throughput:
// rows go in as multi-row statements committed chunk by chunk, and chunks
// already committed stay committed if a later one fails.
//
// Both invoke onFlush(n) after each flushed chunk so the caller can drive a
// progress counter in coalesced steps instead of per row.

// BulkInsertBatched inserts items in a single transaction, flushing progress
// every flushSize rows. Returns the persisted rows with assigned ids.
func (r *SQLiteRepository) BulkInsertBatched(ctx context.Context, items []core.Expense, flushSize int, onFlush func(int)) ([]core.Expense, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if flushSize < 1 {
		flushSize = len(items)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &core.PersistenceError{Op: "bulk insert", Err: err}
	}
	defer tx.Rollback()

	insertExpense, err := tx.PrepareContext(ctx, `
		INSERT INTO expenses (user_id, date, category_id, category_name, include_in_budget, is_bill)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, &core.PersistenceError{Op: "bulk insert", Err: err}
	}
	defer insertExpense.Close()

	insertDetail, err := tx.PrepareContext(ctx, `
		INSERT INTO expense_details
			(expense_id, name, amount_cents, entry_type, payment_method, net_amount_cents, comment, credit_due_cents)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, &core.PersistenceError{Op: "bulk insert", Err: err}
	}
	defer insertDetail.Close()

	insertBudget, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO expense_budgets (expense_id, budget_id) VALUES (?, ?)`)
	if err != nil {
		return nil, &core.PersistenceError{Op: "bulk insert", Err: err}
	}
	defer insertBudget.Close()

	persisted := make([]core.Expense, 0, len(items))
	sinceFlush := 0

	for _, e := range items {
		res, err := insertExpense.ExecContext(ctx,
			e.UserID, formatDate(e.Date), e.CategoryID, e.CategoryName,
			boolToInt(e.IncludeInBudget), boolToInt(e.IsBill))
		if err != nil {
			return nil, &core.PersistenceError{Op: "bulk insert expense", Err: err}
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, &core.PersistenceError{Op: "bulk insert expense", Err: err}
		}
		e.ID = id

		if _, err := insertDetail.ExecContext(ctx,
			id, e.Detail.Name, e.Detail.Amount.Cents, string(e.Detail.Type), e.Detail.PaymentMethod,
			e.Detail.NetAmount.Cents, e.Detail.Comment, e.Detail.CreditDue.Cents); err != nil {
			return nil, &core.PersistenceError{Op: "bulk insert detail", Err: err}
		}

		for _, budgetID := range e.BudgetIDs {
			if _, err := insertBudget.ExecContext(ctx, id, budgetID); err != nil {
				return nil, &core.PersistenceError{Op: "bulk insert budget link", Err: err}
			}
		}

		persisted = append(persisted, e)
		sinceFlush++
		if sinceFlush >= flushSize {
			if onFlush != nil {
				onFlush(sinceFlush)
			}
			sinceFlush = 0
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, &core.PersistenceError{Op: "bulk insert", Err: err}
	}

	if sinceFlush > 0 && onFlush != nil {
		onFlush(sinceFlush)
	}

	return persisted, nil
}

// BulkInsertDirect inserts items as multi-row statements, one transaction
// per chunk. Ids are assigned consecutively within each chunk statement.
// A failing chunk aborts the call; earlier chunks remain committed.
func (r *SQLiteRepository) BulkInsertDirect(ctx context.Context, items []core.Expense, chunkSize int, onFlush func(int)) ([]core.Expense, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if chunkSize < 1 {
		chunkSize = len(items)
	}

	persisted := make([]core.Expense, 0, len(items))

	for start := 0; start < len(items); start += chunkSize {
		end := start + chunkSize
		if end > len(items) {
			end = len(items)
		}

		chunk, err := r.insertDirectChunk(ctx, items[start:end])
		if err != nil {
			return persisted, err
		}
		persisted = append(persisted, chunk...)

		if onFlush != nil {
			onFlush(len(chunk))
		}
	}

	return persisted, nil
}

func (r *SQLiteRepository) insertDirectChunk(ctx context.Context, chunk []core.Expense) ([]core.Expense, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &core.PersistenceError{Op: "bulk insert chunk", Err: err}
	}
	defer tx.Rollback()

	var (
		expenseSQL  strings.Builder
		expenseArgs = make([]any, 0, len(chunk)*6)
	)
	expenseSQL.WriteString(`INSERT INTO expenses (user_id, date, category_id, category_name, include_in_budget, is_bill) VALUES `)
	for i, e := range chunk {
		if i > 0 {
			expenseSQL.WriteString(",")
		}
		expenseSQL.WriteString("(?, ?, ?, ?, ?, ?)")
		expenseArgs = append(expenseArgs,
			e.UserID, formatDate(e.Date), e.CategoryID, e.CategoryName,
			boolToInt(e.IncludeInBudget), boolToInt(e.IsBill))
	}

	res, err := tx.ExecContext(ctx, expenseSQL.String(), expenseArgs...)
	if err != nil {
		return nil, &core.PersistenceError{Op: "bulk insert chunk", Err: err}
	}

	// A single multi-row INSERT assigns consecutive rowids; LastInsertId is
	// the id of the final row.
	lastID, err := res.LastInsertId()
	if err != nil {
		return nil, &core.PersistenceError{Op: "bulk insert chunk", Err: err}
	}
	firstID := lastID - int64(len(chunk)) + 1

	var (
		detailSQL  strings.Builder
		detailArgs = make([]any, 0, len(chunk)*8)
		budgetSQL  strings.Builder
		budgetArgs []any
	)
	detailSQL.WriteString(`INSERT INTO expense_details (expense_id, name, amount_cents, entry_type, payment_method, net_amount_cents, comment, credit_due_cents) VALUES `)

	persisted := make([]core.Expense, len(chunk))
	for i, e := range chunk {
		e.ID = firstID + int64(i)
		persisted[i] = e

		if i > 0 {
			detailSQL.WriteString(",")
		}
		detailSQL.WriteString("(?, ?, ?, ?, ?, ?, ?, ?)")
		detailArgs = append(detailArgs,
			e.ID, e.Detail.Name, e.Detail.Amount.Cents, string(e.Detail.Type), e.Detail.PaymentMethod,
			e.Detail.NetAmount.Cents, e.Detail.Comment, e.Detail.CreditDue.Cents)

		for _, budgetID := range e.BudgetIDs {
			if budgetSQL.Len() == 0 {
				budgetSQL.WriteString(`INSERT OR IGNORE INTO expense_budgets (expense_id, budget_id) VALUES `)
			} else {
				budgetSQL.WriteString(",")
			}
			budgetSQL.WriteString("(?, ?)")
			budgetArgs = append(budgetArgs, e.ID, budgetID)
		}
	}

	if _, err := tx.ExecContext(ctx, detailSQL.String(), detailArgs...); err != nil {
		return nil, &core.PersistenceError{Op: "bulk insert chunk details", Err: err}
	}

	if budgetSQL.Len() > 0 {
		if _, err := tx.ExecContext(ctx, budgetSQL.String(), budgetArgs...); err != nil {
			return nil, &core.PersistenceError{Op: "bulk insert chunk budget links", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, &core.PersistenceError{Op: "bulk insert chunk", Err: err}
	}

	return persisted, nil
}
