package core

import (
	"strings"
	"time"
)

const (
	Gain EntryType = "gain"
	Loss EntryType = "loss"
)

const (
	MethodIncome  MethodType = "income"
	MethodExpense MethodType = "expense"
)

// OthersCategoryName is the fallback category every user ends up with when a
// requested category cannot be resolved. It is created lazily on first use.
const OthersCategoryName = "Others"

type (
	EntryType  string
	MethodType string

	// Date is a calendar day; the time-of-day component is always zero.
	Date struct {
		time.Time
	}

	Money struct {
		Cents int64
	}

	// ExpenseDetail is the single child record of an Expense. It is created
	// and destroyed with its parent.
	ExpenseDetail struct {
		Name          string
		Amount        Money
		Type          EntryType
		PaymentMethod string
		NetAmount     Money // derived: +Amount for gain, -Amount for loss
		Comment       string
		CreditDue     Money
	}

	Expense struct {
		ID              int64
		UserID          int64
		Date            Date
		CategoryID      int64
		CategoryName    string
		BudgetIDs       []int64
		IncludeInBudget bool
		IsBill          bool
		Detail          ExpenseDetail
	}

	Category struct {
		ID     int64
		UserID int64
		Name   string
		Color  string
		Icon   string
		Global bool
	}

	// Budget membership is only valid for expenses dated within
	// [StartDate, EndDate] inclusive.
	Budget struct {
		ID        int64
		UserID    int64
		Amount    Money
		StartDate Date
		EndDate   Date
	}

	// PaymentMethod is unique per (UserID, Name, Type), not by ID alone.
	PaymentMethod struct {
		ID     int64
		UserID int64
		Name   string
		Type   MethodType
	}

	// UserSettings controls how an expense is rendered back to its owner.
	UserSettings struct {
		MaskSensitiveData bool
	}
)

// NewDate creates a Date from year, month, day.
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// Truncate drops any time-of-day component.
func (d Date) Truncate() Date {
	y, m, day := d.Date()
	return NewDate(y, int(m), day)
}

func (d Date) Validate() error {
	if d.IsZero() {
		return &ValidationError{Field: "date", Reason: "date cannot be zero"}
	}
	return nil
}

// Contains reports whether day falls within the budget's inclusive range.
func (b Budget) Contains(day Date) bool {
	t := day.Truncate().Time
	return !t.Before(b.StartDate.Truncate().Time) && !t.After(b.EndDate.Truncate().Time)
}

// MethodTypeFor derives the payment-method type from an entry type:
// losses are paid with an expense method, everything else with an income one.
func MethodTypeFor(t EntryType) MethodType {
	if t == Loss {
		return MethodExpense
	}
	return MethodIncome
}

// Net computes the signed amount for a detail.
func (d ExpenseDetail) Net() Money {
	if d.Type == Gain {
		return d.Amount
	}
	return Money{Cents: -d.Amount.Cents}
}

// Normalize resets server-assigned identity, truncates the date and
// recomputes derived detail fields. Always applied before persisting input.
func (e *Expense) Normalize() {
	e.ID = 0
	e.Date = e.Date.Truncate()
	e.Detail.Name = strings.TrimSpace(e.Detail.Name)
	e.Detail.PaymentMethod = strings.TrimSpace(e.Detail.PaymentMethod)
	e.Detail.NetAmount = e.Detail.Net()
}

func (e Expense) Validate() error {
	if err := e.Date.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(e.Detail.Name) == "" {
		return &ValidationError{Field: "detail.name", Reason: "name cannot be empty"}
	}
	if e.Detail.Amount.Cents < 0 {
		return &ValidationError{Field: "detail.amount", Reason: "amount cannot be negative"}
	}
	if strings.TrimSpace(e.Detail.PaymentMethod) == "" {
		return &ValidationError{Field: "detail.paymentMethod", Reason: "payment method cannot be empty"}
	}
	switch e.Detail.Type {
	case Gain, Loss:
	case "":
		return &ValidationError{Field: "detail.type", Reason: "type cannot be empty"}
	default:
		return &ValidationError{Field: "detail.type", Reason: "type must be gain or loss"}
	}
	if e.Detail.CreditDue.Cents < 0 {
		return &ValidationError{Field: "detail.creditDue", Reason: "credit due cannot be negative"}
	}
	return nil
}

// HasBudget reports whether id is in the expense's budget set.
func (e Expense) HasBudget(id int64) bool {
	for _, b := range e.BudgetIDs {
		if b == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe for caching and snapshots.
func (e Expense) Clone() Expense {
	c := e
	c.BudgetIDs = append([]int64(nil), e.BudgetIDs...)
	return c
}
