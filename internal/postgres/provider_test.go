package postgres

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantlab/alphaflow/internal/domain"
)

func TestPersistStatusTerminalIsIdempotent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	provider := NewProvider(mock)
	outcome := &domain.Outcome{Status: domain.StatusComplete, Result: []byte(`{"sharpe":1.2}`)}

	// First write lands on a live row.
	mock.ExpectExec(`UPDATE tasks`).
		WithArgs("t-1", string(domain.StatusComplete), pgxmock.AnyArg(), []byte(`{"sharpe":1.2}`), "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, provider.PersistStatus(context.Background(), "t-1", domain.StatusComplete, outcome))

	// Replaying the same terminal outcome matches no row: the statement's
	// terminal guard filters it out, and that is not an error.
	mock.ExpectExec(`UPDATE tasks`).
		WithArgs("t-1", string(domain.StatusComplete), pgxmock.AnyArg(), []byte(`{"sharpe":1.2}`), "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.NoError(t, provider.PersistStatus(context.Background(), "t-1", domain.StatusComplete, outcome))

	assert.NoError(t, mock.ExpectationsWereMet())
}

// The statement itself must carry the terminal guard and the set-once
// timestamp clauses; a late non-terminal arrival updates zero rows
// without an error.
func TestPersistStatusGuardsFinishedRows(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	provider := NewProvider(mock)

	mock.ExpectExec(`(?s)UPDATE tasks.*scheduled_at IS NULL.*completed_at IS NULL.*status NOT IN \('COMPLETE','ERROR','CANCELLED'\)`).
		WithArgs("t-9", string(domain.StatusPending), pgxmock.AnyArg(), pgxmock.AnyArg(), "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.NoError(t, provider.PersistStatus(context.Background(), "t-9", domain.StatusPending, nil))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepStaleTargetsOrphanedRows(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	provider := NewProvider(mock)

	mock.ExpectExec(`UPDATE tasks`).
		WithArgs(string(domain.StatusPending), string(domain.StatusScheduled), string(domain.StatusRunning), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))
	n, err := provider.SweepStale(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.NoError(t, mock.ExpectationsWereMet())
}
