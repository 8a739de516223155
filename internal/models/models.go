package models

import (
	"time"
)

// Task states persisted by the task store. Completed and failed are terminal.
const (
	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// Hold states. A hold is finalized exactly once, when its task goes terminal.
const (
	HoldActive   = "active"
	HoldSettled  = "settled"
	HoldReleased = "released"
)

// Well-known failure reasons written by the sweeper and the cancel path.
const (
	ReasonTimeout   = "timeout"
	ReasonCancelled = "cancelled"
)

// Account owns a credit balance. Balance already reflects active holds as
// unavailable, so the available amount is always exactly Balance.
type Account struct {
	ID        string    `json:"id"`
	Balance   int64     `json:"balance"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// Hold is a credit reservation owned by exactly one task.
type Hold struct {
	ID          string     `json:"id"`
	AccountID   string     `json:"account_id"`
	Amount      int64      `json:"amount"`
	State       string     `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

// Task is one unit of asynchronous generation work.
type Task struct {
	ID            string         `json:"id"`
	AccountID     string         `json:"account_id"`
	ServiceID     string         `json:"service_id"`
	Cost          int64          `json:"cost"`
	HoldID        string         `json:"-"`
	Input         map[string]any `json:"input"`
	Result        map[string]any `json:"result,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	State         string         `json:"state"`
	Attempts      int            `json:"attempts"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// Terminal reports whether the task reached completed or failed.
func (t Task) Terminal() bool {
	return t.State == TaskCompleted || t.State == TaskFailed
}

// View strips store-internal fields for the read-side API. The hold is never
// exposed to callers.
func (t Task) View() TaskView {
	return TaskView{
		ID:            t.ID,
		AccountID:     t.AccountID,
		ServiceID:     t.ServiceID,
		Cost:          t.Cost,
		Input:         t.Input,
		Result:        t.Result,
		FailureReason: t.FailureReason,
		State:         t.State,
		CreatedAt:     t.CreatedAt,
		StartedAt:     t.StartedAt,
		CompletedAt:   t.CompletedAt,
	}
}

// TaskView is the caller-facing projection of a task.
type TaskView struct {
	ID            string         `json:"id"`
	AccountID     string         `json:"account_id"`
	ServiceID     string         `json:"service_id"`
	Cost          int64          `json:"cost"`
	Input         map[string]any `json:"input"`
	Result        map[string]any `json:"result,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	State         string         `json:"state"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// ServiceDescriptor is a static catalog entry. The catalog owns these; the
// core only reads cost and the active flag at submit time.
type ServiceDescriptor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Cost        int64  `json:"cost"`
	Active      bool   `json:"active"`
}

// CreditPackage is a purchasable credit bundle, surfaced read-only; the
// payment gateway confirms purchases out of band and calls the deposit hook.
type CreditPackage struct {
	ID      int     `json:"id"`
	Name    string  `json:"name"`
	Credits int64   `json:"credits"`
	Bonus   int64   `json:"bonus"`
	Price   float64 `json:"price"`
}
