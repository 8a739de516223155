package query

import (
	"context"

	"aigc-platform/internal/ledger"
	"aigc-platform/internal/models"
	"aigc-platform/internal/taskstore"
)

// Gateway is the read-only surface composed over the ledger and the task
// store. It holds no state of its own and never mutates anything, which
// keeps the polling UI isolated from the write path.
type Gateway struct {
	ledger ledger.Ledger
	store  *taskstore.Store
}

// New composes the gateway.
func New(l ledger.Ledger, s *taskstore.Store) *Gateway {
	return &Gateway{ledger: l, store: s}
}

// Task returns the caller-facing view of a task.
func (g *Gateway) Task(ctx context.Context, taskID string) (models.TaskView, error) {
	t, err := g.store.Get(ctx, taskID)
	if err != nil {
		return models.TaskView{}, err
	}
	return t.View(), nil
}

// Tasks lists an account's tasks, newest first.
func (g *Gateway) Tasks(ctx context.Context, accountID string, f taskstore.Filter) ([]models.TaskView, error) {
	tasks, err := g.store.List(ctx, accountID, f)
	if err != nil {
		return nil, err
	}
	views := make([]models.TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, t.View())
	}
	return views, nil
}

// Balance reads the account's available balance.
func (g *Gateway) Balance(ctx context.Context, accountID string) (int64, error) {
	return g.ledger.GetBalance(ctx, accountID)
}
