package taskstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"aigc-platform/internal/catalog"
	"aigc-platform/internal/ledger"
	"aigc-platform/internal/models"
	"aigc-platform/internal/telemetry"
)

// Filter narrows List results. Zero values mean "no constraint".
type Filter struct {
	Status string
	From   time.Time
	To     time.Time
	Search string
	Limit  int
}

// Repo is the persistence contract behind the store. Implementations must
// make MarkRunning and Finalize compare-and-set operations: exactly one
// caller observes applied=true for any given transition, which is the
// idempotency boundary that makes duplicate callbacks safe.
type Repo interface {
	Create(ctx context.Context, t models.Task) error
	Get(ctx context.Context, id string) (models.Task, error)
	List(ctx context.Context, accountID string, f Filter) ([]models.Task, error)
	// MarkRunning transitions queued -> running and sets startedAt. applied
	// is false when the task was not queued; the returned task carries the
	// current state either way.
	MarkRunning(ctx context.Context, id string, at time.Time) (t models.Task, applied bool, err error)
	// Finalize transitions queued/running -> state, recording result or
	// failure reason and completedAt.
	Finalize(ctx context.Context, id, state string, result map[string]any, reason string, at time.Time) (t models.Task, applied bool, err error)
	// RecordAttempt increments the task's backend attempt counter.
	RecordAttempt(ctx context.Context, id string) error
	// Stale returns non-terminal tasks whose last activity (startedAt if
	// running, createdAt otherwise) is older than cutoff.
	Stale(ctx context.Context, cutoff time.Time, limit int) ([]models.Task, error)
}

// Enqueuer hands a freshly admitted task to the dispatch queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskID string) error
}

// Store owns the task state machine. It is the single path by which holds are
// settled or released: the dispatcher and sweeper call Succeed/Fail here and
// never touch the ledger directly.
type Store struct {
	repo    Repo
	ledger  ledger.Ledger
	catalog catalog.Catalog
	queue   Enqueuer
}

// New wires the store. queue may be nil when dispatch is driven externally
// (tests, sweeper-only deployments).
func New(repo Repo, l ledger.Ledger, c catalog.Catalog, queue Enqueuer) *Store {
	return &Store{repo: repo, ledger: l, catalog: c, queue: queue}
}

// SubmitParams is the admission request. Cost is the price quoted to the
// client; it must still match the catalog at submit time.
type SubmitParams struct {
	AccountID string
	ServiceID string
	Cost      int64
	Input     map[string]any
}

// Submit validates the request, reserves credit, creates the task in queued
// state and hands it to the dispatch queue. On insufficient credit nothing is
// created and the balance is untouched.
func (s *Store) Submit(ctx context.Context, p SubmitParams) (models.Task, error) {
	desc, err := s.catalog.Get(ctx, p.ServiceID)
	if err != nil {
		telemetry.SubmitRejects.Inc()
		return models.Task{}, err
	}
	if !desc.Active {
		telemetry.SubmitRejects.Inc()
		return models.Task{}, models.ErrServiceInactive
	}
	if p.Cost != desc.Cost {
		telemetry.SubmitRejects.Inc()
		return models.Task{}, fmt.Errorf("%w: quoted %d, current %d", models.ErrStaleCost, p.Cost, desc.Cost)
	}
	if err := s.catalog.ValidateInput(p.ServiceID, p.Input); err != nil {
		telemetry.SubmitRejects.Inc()
		return models.Task{}, err
	}

	hold, err := s.ledger.PlaceHold(ctx, p.AccountID, desc.Cost)
	if err != nil {
		if errors.Is(err, models.ErrInsufficientCredit) {
			telemetry.InsufficientCred.Inc()
		}
		return models.Task{}, err
	}

	t := models.Task{
		ID:        uuid.New().String(),
		AccountID: p.AccountID,
		ServiceID: p.ServiceID,
		Cost:      desc.Cost,
		HoldID:    hold.ID,
		Input:     p.Input,
		State:     models.TaskQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, t); err != nil {
		// The hold must not outlive a task that was never recorded.
		if relErr := s.ledger.ReleaseHold(ctx, hold.ID); relErr != nil {
			log.Printf("taskstore: release hold %s after failed create: %v", hold.ID, relErr)
		}
		return models.Task{}, fmt.Errorf("create task: %w", err)
	}

	if s.queue != nil {
		if err := s.queue.Enqueue(ctx, t.ID); err != nil {
			_ = s.Fail(ctx, t.ID, "enqueue: "+err.Error())
			return models.Task{}, fmt.Errorf("enqueue task: %w", err)
		}
	}

	telemetry.TasksSubmitted.Inc()
	return t, nil
}

// MarkRunning records dispatch acceptance. Re-dispatch of an already running
// task (lease reclaim) is not an error; dispatch of a terminal task is.
func (s *Store) MarkRunning(ctx context.Context, taskID string) (models.Task, error) {
	t, _, err := s.repo.MarkRunning(ctx, taskID, time.Now().UTC())
	if err != nil {
		return models.Task{}, err
	}
	if t.Terminal() {
		return t, models.ErrTaskFinalized
	}
	return t, nil
}

// Succeed completes the task and settles its hold. Duplicate success
// deliveries are no-op successes; a success after a recorded failure is a
// conflicting outcome.
func (s *Store) Succeed(ctx context.Context, taskID string, result map[string]any) error {
	t, applied, err := s.repo.Finalize(ctx, taskID, models.TaskCompleted, result, "", time.Now().UTC())
	if err != nil {
		return err
	}
	if applied {
		s.finalizeHold(ctx, t, s.ledger.SettleHold, telemetry.HoldsSettled)
		return nil
	}
	if t.State == models.TaskCompleted {
		return nil
	}
	telemetry.Anomalies.Inc()
	log.Printf("taskstore: success delivered for task %s already %s", taskID, t.State)
	return models.ErrConflictingOutcome
}

// Fail fails the task and releases its hold, refunding the credit. Duplicate
// failure deliveries are no-op successes regardless of reason; a failure
// after a recorded success is a conflicting outcome.
func (s *Store) Fail(ctx context.Context, taskID, reason string) error {
	t, applied, err := s.repo.Finalize(ctx, taskID, models.TaskFailed, nil, reason, time.Now().UTC())
	if err != nil {
		return err
	}
	if applied {
		s.finalizeHold(ctx, t, s.ledger.ReleaseHold, telemetry.HoldsReleased)
		return nil
	}
	if t.State == models.TaskFailed {
		return nil
	}
	telemetry.Anomalies.Inc()
	log.Printf("taskstore: failure (%s) delivered for task %s already %s", reason, taskID, t.State)
	return models.ErrConflictingOutcome
}

// finalizeHold applies settle or release for the single Finalize winner.
// Ledger idempotency signals here mean a broken invariant, not a caller
// error, so they are logged and counted rather than surfaced.
func (s *Store) finalizeHold(ctx context.Context, t models.Task, op func(context.Context, string) error, counter interface{ Inc() }) {
	if err := op(ctx, t.HoldID); err != nil {
		telemetry.Anomalies.Inc()
		log.Printf("taskstore: finalize hold %s for task %s: %v", t.HoldID, t.ID, err)
		return
	}
	counter.Inc()
}

// Cancel honors a user cancel request while the task is still queued or
// running, implemented as a failure with the cancelled reason.
func (s *Store) Cancel(ctx context.Context, taskID string) error {
	t, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Terminal() {
		return models.ErrTaskFinalized
	}
	if err := s.Fail(ctx, taskID, models.ReasonCancelled); err != nil {
		// Lost the race against a terminal callback.
		if errors.Is(err, models.ErrConflictingOutcome) {
			return models.ErrTaskFinalized
		}
		return err
	}
	return nil
}

// Get reads a task snapshot.
func (s *Store) Get(ctx context.Context, taskID string) (models.Task, error) {
	return s.repo.Get(ctx, taskID)
}

// List returns an account's tasks, newest first.
func (s *Store) List(ctx context.Context, accountID string, f Filter) ([]models.Task, error) {
	return s.repo.List(ctx, accountID, f)
}

// RecordAttempt counts one backend invocation for the task.
func (s *Store) RecordAttempt(ctx context.Context, taskID string) error {
	return s.repo.RecordAttempt(ctx, taskID)
}

// StaleTasks returns non-terminal tasks inactive for longer than threshold.
func (s *Store) StaleTasks(ctx context.Context, threshold time.Duration, limit int) ([]models.Task, error) {
	return s.repo.Stale(ctx, time.Now().UTC().Add(-threshold), limit)
}
