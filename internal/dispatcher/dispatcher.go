package dispatcher

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"aigc-platform/internal/assets"
	"aigc-platform/internal/backend"
	"aigc-platform/internal/models"
	"aigc-platform/internal/taskstore"
	"aigc-platform/internal/telemetry"
)

// Queue is the slice of the dispatch queue the worker pool needs.
type Queue interface {
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, taskID string, extension time.Duration) error
	Ack(ctx context.Context, taskID string) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	Depth(ctx context.Context) (int64, error)
}

// Options tune the worker pool and retry policy.
type Options struct {
	Workers        int
	PollInterval   time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	ExecTimeout    time.Duration
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.PollInterval == 0 {
		o.PollInterval = time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffInitial == 0 {
		o.BackoffInitial = 2 * time.Second
	}
	if o.BackoffMax == 0 {
		o.BackoffMax = time.Minute
	}
	if o.ExecTimeout == 0 {
		o.ExecTimeout = 60 * time.Second
	}
}

// Dispatcher consumes queued tasks and drives them through the backend. It
// reports outcomes only through the task store's transition methods; holds
// are never touched from here.
type Dispatcher struct {
	opts    Options
	queue   Queue
	store   *taskstore.Store
	backend backend.Executor
	assets  assets.Store
}

// New builds a dispatcher. assetStore may be nil; result images then stay
// inline in the result payload.
func New(opts Options, q Queue, store *taskstore.Store, exec backend.Executor, assetStore assets.Store) *Dispatcher {
	opts.defaults()
	return &Dispatcher{opts: opts, queue: q, store: store, backend: exec, assets: assetStore}
}

// Run starts the bounded worker pool and the lease housekeeping loop, and
// blocks until the context is cancelled. A full pool simply stops dequeuing,
// so excess tasks wait in the queue instead of piling onto the backend.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.workerLoop(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.housekeeping(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

func (d *Dispatcher) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		taskID, err := d.queue.DequeueWithLease(ctx)
		if err != nil || taskID == "" {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.opts.PollInterval):
			}
			continue
		}

		d.process(ctx, taskID)
		_ = d.queue.Ack(ctx, taskID)
	}
}

func (d *Dispatcher) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(d.opts.PollInterval * 5)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if reclaimed, err := d.queue.RequeueExpired(ctx, time.Now(), 100); err == nil && len(reclaimed) > 0 {
			log.Printf("dispatcher: reclaimed %d expired leases", len(reclaimed))
		}
		if depth, err := d.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

// process runs a single task to a terminal outcome.
func (d *Dispatcher) process(ctx context.Context, taskID string) {
	t, err := d.store.MarkRunning(ctx, taskID)
	if err != nil {
		// Unknown, cancelled, or already swept: nothing to execute.
		if !errors.Is(err, models.ErrTaskFinalized) && !errors.Is(err, models.ErrUnknownTask) {
			log.Printf("dispatcher: mark running %s: %v", taskID, err)
		}
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	for attempt := 1; ; attempt++ {
		if err := d.store.RecordAttempt(ctx, t.ID); err != nil {
			log.Printf("dispatcher: record attempt %s: %v", t.ID, err)
		}

		execCtx, cancel := context.WithTimeout(ctx, d.opts.ExecTimeout)
		result, err := d.backend.Execute(execCtx, t.ServiceID, t.Input)
		cancel()

		if err == nil {
			result = d.persistResult(ctx, t, result)
			if err := d.store.Succeed(ctx, t.ID, result); err != nil {
				log.Printf("dispatcher: succeed %s: %v", t.ID, err)
			}
			return
		}

		if !backend.IsTransient(err) || attempt >= d.opts.MaxAttempts {
			if failErr := d.store.Fail(ctx, t.ID, err.Error()); failErr != nil {
				log.Printf("dispatcher: fail %s: %v", t.ID, failErr)
			}
			return
		}

		telemetry.BackendRetries.Inc()
		wait := backoffWithJitter(d.opts.BackoffInitial, d.opts.BackoffMax, attempt)
		_ = d.queue.ExtendLease(ctx, t.ID, wait+d.opts.ExecTimeout)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// persistResult moves an inline base64 result image into the asset store,
// replacing it with a reference. Persistence failures keep the inline image
// rather than losing the result.
func (d *Dispatcher) persistResult(ctx context.Context, t models.Task, result map[string]any) map[string]any {
	if d.assets == nil || result == nil {
		return result
	}
	encoded, ok := result["image_base64"].(string)
	if !ok || encoded == "" {
		return result
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		log.Printf("dispatcher: decode result image for %s: %v", t.ID, err)
		return result
	}
	ref, err := d.assets.Put(ctx, fmt.Sprintf("results/%s.png", t.ID), data, "image/png")
	if err != nil {
		log.Printf("dispatcher: store result image for %s: %v", t.ID, err)
		return result
	}
	delete(result, "image_base64")
	result["result_ref"] = ref
	return result
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
