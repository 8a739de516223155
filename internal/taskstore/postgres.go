package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"aigc-platform/internal/models"
)

// PostgresRepo persists tasks in Postgres. Compare-and-set transitions are
// guarded UPDATEs on the state column.
type PostgresRepo struct {
	pool *pgxpool.Pool
}

// NewPostgresRepo wraps an existing pool.
func NewPostgresRepo(pool *pgxpool.Pool) *PostgresRepo {
	return &PostgresRepo{pool: pool}
}

const taskColumns = `id, account_id, service_id, cost, hold_id, input, result, failure_reason, state, attempts, created_at, started_at, completed_at`

func (r *PostgresRepo) Create(ctx context.Context, t models.Task) error {
	input, err := json.Marshal(t.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO tasks (id, account_id, service_id, cost, hold_id, input, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.AccountID, t.ServiceID, t.Cost, t.HoldID, input, t.State, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (models.Task, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (r *PostgresRepo) List(ctx context.Context, accountID string, f Filter) ([]models.Task, error) {
	where := []string{"account_id = $1"}
	args := []any{accountID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Status != "" {
		where = append(where, "state = "+arg(f.Status))
	}
	if !f.From.IsZero() {
		where = append(where, "created_at >= "+arg(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "created_at <= "+arg(f.To))
	}
	if f.Search != "" {
		p := arg("%" + f.Search + "%")
		where = append(where, fmt.Sprintf("(service_id ILIKE %s OR id ILIKE %s OR failure_reason ILIKE %s)", p, p, p))
	}
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]models.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) MarkRunning(ctx context.Context, id string, at time.Time) (models.Task, bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks SET state = $2, started_at = $3
		WHERE id = $1 AND state = $4
	`, id, models.TaskRunning, at, models.TaskQueued)
	if err != nil {
		return models.Task{}, false, fmt.Errorf("mark running: %w", err)
	}
	t, err := r.Get(ctx, id)
	if err != nil {
		return models.Task{}, false, err
	}
	return t, tag.RowsAffected() == 1, nil
}

func (r *PostgresRepo) Finalize(ctx context.Context, id, state string, result map[string]any, reason string, at time.Time) (models.Task, bool, error) {
	var resultJSON []byte
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return models.Task{}, false, fmt.Errorf("marshal result: %w", err)
		}
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks SET state = $2, result = $3, failure_reason = NULLIF($4, ''), completed_at = $5
		WHERE id = $1 AND state = ANY($6)
	`, id, state, resultJSON, reason, at, []string{models.TaskQueued, models.TaskRunning})
	if err != nil {
		return models.Task{}, false, fmt.Errorf("finalize task: %w", err)
	}
	t, err := r.Get(ctx, id)
	if err != nil {
		return models.Task{}, false, err
	}
	return t, tag.RowsAffected() == 1, nil
}

func (r *PostgresRepo) RecordAttempt(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE tasks SET attempts = attempts + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrUnknownTask
	}
	return nil
}

func (r *PostgresRepo) Stale(ctx context.Context, cutoff time.Time, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE state = ANY($1) AND COALESCE(started_at, created_at) < $2
		ORDER BY created_at
		LIMIT $3
	`, []string{models.TaskQueued, models.TaskRunning}, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale tasks: %w", err)
	}
	defer rows.Close()

	out := make([]models.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row pgx.Row) (models.Task, error) {
	var t models.Task
	var input, result []byte
	var reason pgtype.Text
	var started, completed pgtype.Timestamptz

	err := row.Scan(&t.ID, &t.AccountID, &t.ServiceID, &t.Cost, &t.HoldID, &input, &result,
		&reason, &t.State, &t.Attempts, &t.CreatedAt, &started, &completed)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, models.ErrUnknownTask
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("scan task: %w", err)
	}

	if len(input) > 0 {
		if err := json.Unmarshal(input, &t.Input); err != nil {
			return models.Task{}, fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &t.Result); err != nil {
			return models.Task{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if reason.Valid {
		t.FailureReason = reason.String
	}
	if started.Valid {
		ts := started.Time
		t.StartedAt = &ts
	}
	if completed.Valid {
		ts := completed.Time
		t.CompletedAt = &ts
	}
	return t, nil
}
