package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aigc-platform/internal/catalog"
	"aigc-platform/internal/ledger"
	"aigc-platform/internal/models"
	"aigc-platform/internal/taskstore"
)

type noopQueue struct{}

func (noopQueue) Enqueue(context.Context, string) error { return nil }

func newEnv(t *testing.T) (*taskstore.Store, *ledger.Memory) {
	t.Helper()
	led := ledger.NewMemory()
	require.NoError(t, led.CreateAccount(context.Background(), "alice", 100))
	cat := catalog.NewStatic()
	cat.Register(models.ServiceDescriptor{ID: "portrait", Cost: 10, Active: true}, nil)
	return taskstore.New(taskstore.NewMemoryRepo(), led, cat, noopQueue{}), led
}

func submit(t *testing.T, store *taskstore.Store) models.Task {
	t.Helper()
	task, err := store.Submit(context.Background(), taskstore.SubmitParams{
		AccountID: "alice", ServiceID: "portrait", Cost: 10,
	})
	require.NoError(t, err)
	return task
}

func TestSweepForceFailsStaleTasks(t *testing.T) {
	ctx := context.Background()
	store, led := newEnv(t)

	stuck := submit(t, store)
	_, err := store.MarkRunning(ctx, stuck.ID)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	sw := New(store, time.Millisecond, time.Minute, 100)
	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, got.State)
	assert.Equal(t, models.ReasonTimeout, got.FailureReason)

	balance, err := led.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance, "sweeping must release the hold")
}

func TestSweepIgnoresFreshAndTerminalTasks(t *testing.T) {
	ctx := context.Background()
	store, _ := newEnv(t)

	done := submit(t, store)
	require.NoError(t, store.Succeed(ctx, done.ID, nil))

	time.Sleep(5 * time.Millisecond)
	fresh := submit(t, store)

	sw := New(store, time.Minute, time.Minute, 100)
	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, _ := store.Get(ctx, fresh.ID)
	assert.Equal(t, models.TaskQueued, got.State)
	got, _ = store.Get(ctx, done.ID)
	assert.Equal(t, models.TaskCompleted, got.State)
}

func TestSweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, led := newEnv(t)

	submit(t, store)
	time.Sleep(5 * time.Millisecond)

	sw := New(store, time.Millisecond, time.Minute, 100)
	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// A second pass finds nothing non-terminal.
	n, err = sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	balance, _ := led.GetBalance(ctx, "alice")
	assert.Equal(t, int64(100), balance, "hold must be released exactly once")
}
