package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"aigc-platform/internal/models"
)

// Memory is an in-process ledger used for tests and single-node development.
// Each account carries its own lock so unrelated accounts never serialize;
// hold finalization locks the owning account only.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]*memAccount
	holds    map[string]*memHold
}

type memAccount struct {
	mu      sync.Mutex
	balance int64
	version int64
	created time.Time
}

type memHold struct {
	accountID   string
	amount      int64
	state       string
	created     time.Time
	finalizedAt *time.Time
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]*memAccount),
		holds:    make(map[string]*memHold),
	}
}

// CreateAccount registers an account with an initial balance. Creating an
// existing account is an error.
func (m *Memory) CreateAccount(_ context.Context, accountID string, initialBalance int64) error {
	if initialBalance < 0 {
		return fmt.Errorf("initial balance must be non-negative, got %d", initialBalance)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[accountID]; ok {
		return fmt.Errorf("account %s already exists", accountID)
	}
	m.accounts[accountID] = &memAccount{balance: initialBalance, created: time.Now().UTC()}
	return nil
}

func (m *Memory) account(accountID string) (*memAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[accountID]
	if !ok {
		return nil, models.ErrUnknownAccount
	}
	return acc, nil
}

// Deposit credits the account and returns the new balance.
func (m *Memory) Deposit(_ context.Context, accountID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("deposit amount must be positive, got %d", amount)
	}
	acc, err := m.account(accountID)
	if err != nil {
		return 0, err
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	acc.balance += amount
	acc.version++
	return acc.balance, nil
}

// GetBalance reads the current available balance.
func (m *Memory) GetBalance(_ context.Context, accountID string) (int64, error) {
	acc, err := m.account(accountID)
	if err != nil {
		return 0, err
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.balance, nil
}

// PlaceHold atomically checks and deducts the amount, creating an active
// hold. Fails with models.ErrInsufficientCredit without side effects if the
// balance does not cover the amount.
func (m *Memory) PlaceHold(_ context.Context, accountID string, amount int64) (models.Hold, error) {
	if amount <= 0 {
		return models.Hold{}, fmt.Errorf("hold amount must be positive, got %d", amount)
	}
	acc, err := m.account(accountID)
	if err != nil {
		return models.Hold{}, err
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()
	if acc.balance < amount {
		return models.Hold{}, models.ErrInsufficientCredit
	}
	acc.balance -= amount
	acc.version++

	h := &memHold{
		accountID: accountID,
		amount:    amount,
		state:     models.HoldActive,
		created:   time.Now().UTC(),
	}
	id := uuid.New().String()
	m.mu.Lock()
	m.holds[id] = h
	m.mu.Unlock()

	return models.Hold{
		ID:        id,
		AccountID: accountID,
		Amount:    amount,
		State:     h.state,
		CreatedAt: h.created,
	}, nil
}

// SettleHold marks the hold settled. The amount was deducted at placement, so
// no balance change happens here.
func (m *Memory) SettleHold(_ context.Context, holdID string) error {
	return m.finalize(holdID, models.HoldSettled, nil)
}

// ReleaseHold marks the hold released and credits the amount back.
func (m *Memory) ReleaseHold(_ context.Context, holdID string) error {
	return m.finalize(holdID, models.HoldReleased, func(acc *memAccount, amount int64) {
		acc.balance += amount
		acc.version++
	})
}

func (m *Memory) finalize(holdID, target string, refund func(*memAccount, int64)) error {
	m.mu.RLock()
	h, ok := m.holds[holdID]
	var acc *memAccount
	if ok {
		acc = m.accounts[h.accountID]
	}
	m.mu.RUnlock()
	if !ok || acc == nil {
		return models.ErrUnknownHold
	}

	// The account lock also guards the hold state: every hold mutation after
	// placement happens under its owning account's lock.
	acc.mu.Lock()
	defer acc.mu.Unlock()
	switch h.state {
	case target:
		return nil
	case models.HoldActive:
	default:
		return models.ErrHoldFinalized
	}
	h.state = target
	now := time.Now().UTC()
	h.finalizedAt = &now
	if refund != nil {
		refund(acc, h.amount)
	}
	return nil
}

// GetHold reads a hold snapshot, mainly for tests and diagnostics.
func (m *Memory) GetHold(holdID string) (models.Hold, error) {
	m.mu.RLock()
	h, ok := m.holds[holdID]
	m.mu.RUnlock()
	if !ok {
		return models.Hold{}, models.ErrUnknownHold
	}
	acc := m.accounts[h.accountID]
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return models.Hold{
		ID:          holdID,
		AccountID:   h.accountID,
		Amount:      h.amount,
		State:       h.state,
		CreatedAt:   h.created,
		FinalizedAt: h.finalizedAt,
	}, nil
}
