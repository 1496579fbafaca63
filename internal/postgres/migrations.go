package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied by the migrate command. The dependencies column is
// written by producers that know about inter-task graphs but is never
// read by the scheduler; tasks are treated as independent.
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id           TEXT PRIMARY KEY,
    group_key    TEXT        NOT NULL,
    signature    TEXT        NOT NULL UNIQUE,
    priority     INTEGER     NOT NULL DEFAULT 0,
    status       TEXT        NOT NULL DEFAULT 'PENDING',
    regular      TEXT        NOT NULL,
    payload      JSONB       NOT NULL,
    dependencies JSONB,
    result       JSONB,
    error        TEXT        NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL,
    scheduled_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_tasks_pending
    ON tasks (priority DESC, created_at ASC)
    WHERE status = 'PENDING';

CREATE INDEX IF NOT EXISTS idx_tasks_group_key ON tasks (group_key);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);
`

// Migrate applies the schema. Statements are idempotent so re-running is
// safe.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
