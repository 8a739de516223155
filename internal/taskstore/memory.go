package taskstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"aigc-platform/internal/models"
)

// MemoryRepo keeps tasks in process memory. Each task has its own lock, so
// terminal transitions CAS per task without a global writer lock.
type MemoryRepo struct {
	mu    sync.RWMutex
	tasks map[string]*memTask
}

type memTask struct {
	mu   sync.Mutex
	task models.Task
}

// NewMemoryRepo returns an empty repo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{tasks: make(map[string]*memTask)}
}

func (r *MemoryRepo) Create(_ context.Context, t models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; ok {
		return models.ErrTaskFinalized
	}
	r.tasks[t.ID] = &memTask{task: cloneTask(t)}
	return nil
}

func (r *MemoryRepo) entry(id string) (*memTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tasks[id]
	if !ok {
		return nil, models.ErrUnknownTask
	}
	return e, nil
}

func (r *MemoryRepo) Get(_ context.Context, id string) (models.Task, error) {
	e, err := r.entry(id)
	if err != nil {
		return models.Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneTask(e.task), nil
}

func (r *MemoryRepo) List(_ context.Context, accountID string, f Filter) ([]models.Task, error) {
	r.mu.RLock()
	entries := make([]*memTask, 0, len(r.tasks))
	for _, e := range r.tasks {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]models.Task, 0)
	for _, e := range entries {
		e.mu.Lock()
		t := cloneTask(e.task)
		e.mu.Unlock()
		if t.AccountID != accountID || !matches(t, f) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(t models.Task, f Filter) bool {
	if f.Status != "" && t.State != f.Status {
		return false
	}
	if !f.From.IsZero() && t.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && t.CreatedAt.After(f.To) {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(t.ServiceID), q) &&
			!strings.Contains(strings.ToLower(t.ID), q) &&
			!strings.Contains(strings.ToLower(t.FailureReason), q) {
			return false
		}
	}
	return true
}

func (r *MemoryRepo) MarkRunning(_ context.Context, id string, at time.Time) (models.Task, bool, error) {
	e, err := r.entry(id)
	if err != nil {
		return models.Task{}, false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task.State != models.TaskQueued {
		return cloneTask(e.task), false, nil
	}
	e.task.State = models.TaskRunning
	started := at
	e.task.StartedAt = &started
	return cloneTask(e.task), true, nil
}

func (r *MemoryRepo) Finalize(_ context.Context, id, state string, result map[string]any, reason string, at time.Time) (models.Task, bool, error) {
	e, err := r.entry(id)
	if err != nil {
		return models.Task{}, false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task.Terminal() {
		return cloneTask(e.task), false, nil
	}
	e.task.State = state
	e.task.Result = result
	e.task.FailureReason = reason
	completed := at
	e.task.CompletedAt = &completed
	return cloneTask(e.task), true, nil
}

func (r *MemoryRepo) RecordAttempt(_ context.Context, id string) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.task.Attempts++
	return nil
}

func (r *MemoryRepo) Stale(_ context.Context, cutoff time.Time, limit int) ([]models.Task, error) {
	r.mu.RLock()
	entries := make([]*memTask, 0, len(r.tasks))
	for _, e := range r.tasks {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]models.Task, 0)
	for _, e := range entries {
		e.mu.Lock()
		t := cloneTask(e.task)
		e.mu.Unlock()
		if t.Terminal() {
			continue
		}
		activity := t.CreatedAt
		if t.StartedAt != nil {
			activity = *t.StartedAt
		}
		if activity.Before(cutoff) {
			out = append(out, t)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func cloneTask(t models.Task) models.Task {
	c := t
	if t.Input != nil {
		c.Input = make(map[string]any, len(t.Input))
		for k, v := range t.Input {
			c.Input[k] = v
		}
	}
	if t.Result != nil {
		c.Result = make(map[string]any, len(t.Result))
		for k, v := range t.Result {
			c.Result[k] = v
		}
	}
	return c
}
