package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantlab/alphaflow/internal/domain"
)

// TaskProvider is the contract the scheduler consumes: a source of
// pending work plus durable status persistence.
type TaskProvider interface {
	// FetchPending returns up to count tasks in PENDING state, ordered by
	// descending priority then ascending creation time. Returned rows are
	// atomically flipped to SCHEDULED so no two callers can reserve the
	// same task.
	FetchPending(ctx context.Context, count int) ([]*domain.Task, error)
	// PersistStatus applies a status transition. Re-applying the same
	// terminal status is a no-op, never an error. The outcome (result or
	// error text) is recorded when the status is terminal.
	PersistStatus(ctx context.Context, taskID string, status domain.Status, outcome *domain.Outcome) error
}

// TaskStore extends TaskProvider with the operations used by ingest, the
// HTTP control surface and the janitor.
type TaskStore interface {
	TaskProvider
	CreateTask(ctx context.Context, task *domain.Task) error
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Task, error)
	// SweepStale requeues SCHEDULED and RUNNING rows untouched for longer
	// than olderThan — work orphaned by a crashed process.
	SweepStale(ctx context.Context, olderThan time.Duration) (int, error)
}

const taskColumns = `id, group_key, signature, priority, status, regular, payload,
	       dependencies, result, error, created_at, updated_at, scheduled_at, completed_at`

// DB is the subset of pgxpool.Pool the provider uses. Tests substitute
// a mock connection through it.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Provider implements TaskStore on a pgx connection pool.
type Provider struct {
	pool DB
}

// NewProvider wraps a pgx pool with the TaskStore interface.
func NewProvider(pool DB) *Provider {
	return &Provider{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// FetchPending reserves up to count pending tasks in a single
// transaction. FOR UPDATE SKIP LOCKED keeps concurrent fetchers from
// seeing each other's rows; the status flip inside the same transaction
// makes the reservation durable.
func (p *Provider) FetchPending(ctx context.Context, count int) ([]*domain.Task, error) {
	if count <= 0 {
		return nil, nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, &domain.ProviderUnavailableError{Op: "fetch", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = $1
		ORDER BY priority DESC, created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, string(domain.StatusPending), count)
	if err != nil {
		return nil, &domain.ProviderUnavailableError{Op: "fetch", Err: err}
	}

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		tasks = append(tasks, task)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, &domain.ProviderUnavailableError{Op: "fetch", Err: err}
	}
	if len(tasks) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE tasks SET status = $1, updated_at = $2 WHERE id = ANY($3)
	`, string(domain.StatusScheduled), now, ids); err != nil {
		return nil, &domain.ProviderUnavailableError{Op: "fetch", Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, &domain.ProviderUnavailableError{Op: "fetch", Err: err}
	}

	for _, t := range tasks {
		t.Status = domain.StatusScheduled
		t.UpdatedAt = now
	}
	return tasks, nil
}

// PersistStatus applies a transition. Rows already in a terminal state
// are never modified, which makes terminal writes idempotent and keeps a
// late arrival from regressing a finished task. scheduled_at and
// completed_at are stamped only while null (set exactly once).
func (p *Provider) PersistStatus(ctx context.Context, taskID string, status domain.Status, outcome *domain.Outcome) error {
	now := time.Now().UTC()

	var result []byte
	var errText string
	if outcome != nil {
		result = outcome.Result
		errText = outcome.Error
	}

	_, err := p.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $2,
		    updated_at = $3,
		    scheduled_at = CASE
		        WHEN $2 = 'SCHEDULED' AND scheduled_at IS NULL THEN $3
		        ELSE scheduled_at END,
		    completed_at = CASE
		        WHEN $2 IN ('COMPLETE','ERROR','CANCELLED') AND completed_at IS NULL THEN $3
		        ELSE completed_at END,
		    result = COALESCE($4, result),
		    error = CASE WHEN $5 <> '' THEN $5 ELSE error END
		WHERE id = $1
		  AND status NOT IN ('COMPLETE','ERROR','CANCELLED')
	`, taskID, string(status), now, result, errText)
	if err != nil {
		return &domain.ProviderUnavailableError{Op: "persist_status", Err: err}
	}
	return nil
}

func (p *Provider) CreateTask(ctx context.Context, task *domain.Task) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO tasks
			(id, group_key, signature, priority, status, regular, payload,
			 dependencies, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		task.ID, task.GroupKey, task.Signature, task.Priority, string(task.Status),
		task.Regular, task.Payload, task.Dependencies, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return &domain.DuplicateTaskError{Signature: task.Signature}
		}
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

func (p *Provider) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = $1
	`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, err
	}
	return task, nil
}

func (p *Provider) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Task, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status %s: %w", status, err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// SweepStale requeues reservations that were never dispatched and
// RUNNING rows whose process died before settling them. The olderThan
// margin must exceed the longest healthy batch so in-flight work of a
// live process is not stolen.
func (p *Provider) SweepStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := p.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $1, updated_at = now()
		WHERE status IN ($2, $3) AND updated_at < $4
	`, string(domain.StatusPending), string(domain.StatusScheduled), string(domain.StatusRunning), cutoff)
	if err != nil {
		return 0, &domain.ProviderUnavailableError{Op: "sweep", Err: err}
	}
	return int(tag.RowsAffected()), nil
}

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.Task, error) {
	var task domain.Task
	var statusStr string
	err := row.Scan(
		&task.ID, &task.GroupKey, &task.Signature, &task.Priority, &statusStr,
		&task.Regular, &task.Payload, &task.Dependencies, &task.Result, &task.Error,
		&task.CreatedAt, &task.UpdatedAt, &task.ScheduledAt, &task.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Status = domain.Status(statusStr)
	return &task, nil
}
