package models

import "errors"

// Request-level errors, surfaced verbatim to the caller.
var (
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrStaleCost          = errors.New("stale cost")
	ErrServiceInactive    = errors.New("service inactive")
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnknownService     = errors.New("unknown service")
)

// Internal invariant signals. These never cross the API boundary: all
// finalizing operations are idempotent, so callers recover locally and the
// anomaly counter records conflicting deliveries.
var (
	ErrUnknownAccount     = errors.New("unknown account")
	ErrUnknownHold        = errors.New("unknown hold")
	ErrHoldFinalized      = errors.New("hold already finalized")
	ErrUnknownTask        = errors.New("unknown task")
	ErrTaskFinalized      = errors.New("task already finalized")
	ErrConflictingOutcome = errors.New("conflicting outcome for finalized task")
)
