package ledger

import (
	"context"

	"aigc-platform/internal/models"
)

// Ledger owns account balances and credit holds. Balances are mutated only
// through these operations; a hold's amount is deducted at placement, so the
// readable balance is always the available balance.
//
// SettleHold and ReleaseHold are idempotent per hold: repeating the
// finalization already applied is a no-op success, while requesting the
// opposite finalization fails with models.ErrHoldFinalized.
type Ledger interface {
	CreateAccount(ctx context.Context, accountID string, initialBalance int64) error
	Deposit(ctx context.Context, accountID string, amount int64) (int64, error)
	GetBalance(ctx context.Context, accountID string) (int64, error)
	PlaceHold(ctx context.Context, accountID string, amount int64) (models.Hold, error)
	SettleHold(ctx context.Context, holdID string) error
	ReleaseHold(ctx context.Context, holdID string) error
}
