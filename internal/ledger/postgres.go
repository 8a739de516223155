package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"aigc-platform/internal/models"
)

// Postgres implements the ledger on pgx. Per-account serialization comes from
// row-level locking on the guarded UPDATE, so concurrent holds against the
// same account queue on its row while other accounts proceed independently.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) CreateAccount(ctx context.Context, accountID string, initialBalance int64) error {
	if initialBalance < 0 {
		return fmt.Errorf("initial balance must be non-negative, got %d", initialBalance)
	}
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO accounts (id, balance) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, accountID, initialBalance)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s already exists", accountID)
	}
	return nil
}

func (p *Postgres) Deposit(ctx context.Context, accountID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("deposit amount must be positive, got %d", amount)
	}
	var balance int64
	err := p.pool.QueryRow(ctx, `
		UPDATE accounts SET balance = balance + $2, version = version + 1
		WHERE id = $1
		RETURNING balance
	`, accountID, amount).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, models.ErrUnknownAccount
	}
	if err != nil {
		return 0, fmt.Errorf("deposit: %w", err)
	}
	return balance, nil
}

func (p *Postgres) GetBalance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := p.pool.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, models.ErrUnknownAccount
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

func (p *Postgres) PlaceHold(ctx context.Context, accountID string, amount int64) (models.Hold, error) {
	if amount <= 0 {
		return models.Hold{}, fmt.Errorf("hold amount must be positive, got %d", amount)
	}
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Hold{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		UPDATE accounts SET balance = balance - $2, version = version + 1
		WHERE id = $1 AND balance >= $2
	`, accountID, amount)
	if err != nil {
		return models.Hold{}, fmt.Errorf("deduct balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, accountID).Scan(&exists); err != nil {
			return models.Hold{}, fmt.Errorf("check account: %w", err)
		}
		if !exists {
			return models.Hold{}, models.ErrUnknownAccount
		}
		return models.Hold{}, models.ErrInsufficientCredit
	}

	h := models.Hold{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Amount:    amount,
		State:     models.HoldActive,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO holds (id, account_id, amount, state)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, h.ID, h.AccountID, h.Amount, h.State).Scan(&h.CreatedAt)
	if err != nil {
		return models.Hold{}, fmt.Errorf("insert hold: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Hold{}, fmt.Errorf("commit: %w", err)
	}
	return h, nil
}

func (p *Postgres) SettleHold(ctx context.Context, holdID string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE holds SET state = $2, finalized_at = NOW()
		WHERE id = $1 AND state = $3
	`, holdID, models.HoldSettled, models.HoldActive)
	if err != nil {
		return fmt.Errorf("settle hold: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return p.finalizedState(ctx, holdID, models.HoldSettled)
}

func (p *Postgres) ReleaseHold(ctx context.Context, holdID string) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var accountID string
	var amount int64
	err = tx.QueryRow(ctx, `
		UPDATE holds SET state = $2, finalized_at = NOW()
		WHERE id = $1 AND state = $3
		RETURNING account_id, amount
	`, holdID, models.HoldReleased, models.HoldActive).Scan(&accountID, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return p.finalizedState(ctx, holdID, models.HoldReleased)
	}
	if err != nil {
		return fmt.Errorf("release hold: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE accounts SET balance = balance + $2, version = version + 1 WHERE id = $1
	`, accountID, amount); err != nil {
		return fmt.Errorf("refund balance: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// finalizedState resolves the idempotency outcome when the guarded update
// matched no row: repeating the applied finalization succeeds, anything else
// is an invariant signal for the caller to log.
func (p *Postgres) finalizedState(ctx context.Context, holdID, want string) error {
	var state string
	err := p.pool.QueryRow(ctx, `SELECT state FROM holds WHERE id = $1`, holdID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrUnknownHold
	}
	if err != nil {
		return fmt.Errorf("read hold state: %w", err)
	}
	if state == want {
		return nil
	}
	return models.ErrHoldFinalized
}
