package services

import (
	"context"
	"log/slog"

	"ledger/internal/core"
)

const maskedText = "***"

// maskExpense redacts amounts and names when the owner's settings ask for it.
// Masking applies only to the returned representation, never to storage.
func maskExpense(e core.Expense, settings core.UserSettings) core.Expense {
	if !settings.MaskSensitiveData {
		return e
	}
	masked := e.Clone()
	masked.Detail.Name = maskedText
	masked.Detail.Comment = maskedText
	masked.Detail.Amount = core.Money{}
	masked.Detail.NetAmount = core.Money{}
	masked.Detail.CreditDue = core.Money{}
	return masked
}

func (s *ExpenseService) maskForUser(ctx context.Context, e core.Expense) core.Expense {
	settings, err := s.settings.GetUserSettings(ctx, e.UserID)
	if err != nil {
		// Fail open: return the unmasked row rather than failing the read.
		slog.WarnContext(ctx, "Failed to load user settings for masking",
			"user_id", e.UserID, "error", err)
		return e
	}
	return maskExpense(e, settings)
}
