package sweeper

import (
	"context"
	"errors"
	"log"
	"time"

	"aigc-platform/internal/models"
	"aigc-platform/internal/taskstore"
	"aigc-platform/internal/telemetry"
)

// Sweeper is the backstop against a dead dispatcher or a backend that never
// answers: any task stuck non-terminal past the staleness threshold is forced
// to failed, which releases its hold. It acts only through the task store's
// transition methods, so it is safe to run alongside live dispatch.
type Sweeper struct {
	store     *taskstore.Store
	threshold time.Duration
	interval  time.Duration
	batch     int
}

// New builds a sweeper.
func New(store *taskstore.Store, threshold, interval time.Duration, batch int) *Sweeper {
	if threshold == 0 {
		threshold = 10 * time.Minute
	}
	if interval == 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{store: store, threshold: threshold, interval: interval, batch: batch}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if n, err := s.Sweep(ctx); err != nil {
			log.Printf("sweeper: sweep: %v", err)
		} else if n > 0 {
			log.Printf("sweeper: force-failed %d stale tasks", n)
		}
	}
}

// Sweep force-fails every stale task once and returns how many transitions
// it won. Losing the race to a live terminal callback is not an error.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	stale, err := s.store.StaleTasks(ctx, s.threshold, s.batch)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, t := range stale {
		err := s.store.Fail(ctx, t.ID, models.ReasonTimeout)
		if err != nil {
			if errors.Is(err, models.ErrConflictingOutcome) {
				continue
			}
			log.Printf("sweeper: fail task %s: %v", t.ID, err)
			continue
		}
		swept++
		telemetry.SweeperReclaims.Inc()
	}
	return swept, nil
}
