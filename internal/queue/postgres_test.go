package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockBackend(t *testing.T) (*PostgresBackend, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return NewPostgresBackend(mock), mock
}

var jobCols = []string{"id", "queue", "key", "payload", "state", "attempt", "max_attempts", "run_at", "last_error", "created_at", "updated_at"}

func TestPostgresBackend_Migrate(t *testing.T) {
	b, mock := newMockBackend(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS queue_jobs`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, b.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_EnqueueCreates(t *testing.T) {
	b, mock := newMockBackend(t)
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`INSERT INTO queue_jobs .* ON CONFLICT \(queue, key\) WHERE state IN \('queued','running'\) DO NOTHING`).
		WithArgs("job-1", "matching", "match:r1", []byte(`{}`), 4, now, now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("job-1"))

	id, created, err := b.Enqueue(context.Background(), &Job{
		ID: "job-1", Queue: Matching, Key: "match:r1", Payload: []byte(`{}`),
		MaxAttempts: 4, RunAt: now, CreatedAt: now,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "job-1", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_EnqueueCollapsesActiveKey(t *testing.T) {
	b, mock := newMockBackend(t)
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`INSERT INTO queue_jobs`).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT id FROM queue_jobs WHERE queue = \$1 AND key = \$2`).
		WithArgs("matching", "match:r1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("existing"))

	id, created, err := b.Enqueue(context.Background(), &Job{
		ID: "job-2", Queue: Matching, Key: "match:r1", MaxAttempts: 4, RunAt: now, CreatedAt: now,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "existing", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_EnqueueError(t *testing.T) {
	b, mock := newMockBackend(t)
	mock.ExpectQuery(`INSERT INTO queue_jobs`).WillReturnError(errors.New("conn closed"))

	_, _, err := b.Enqueue(context.Background(), &Job{Queue: Matching, Key: "match:r1"})
	assert.ErrorContains(t, err, "queue: enqueue match:r1")
}

func TestPostgresBackend_Claim(t *testing.T) {
	b, mock := newMockBackend(t)
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`UPDATE queue_jobs SET state = 'running', attempt = attempt \+ 1 .* FOR UPDATE SKIP LOCKED`).
		WithArgs("fulfillment", now, now.Add(-3*time.Minute)).
		WillReturnRows(pgxmock.NewRows(jobCols).
			AddRow("j1", "fulfillment", "fulfill:r1:c1", []byte(`{"request_id":"r1"}`), "running", 1, 4, now, "", now, now))

	j, err := b.Claim(context.Background(), Fulfillment, now, now.Add(-3*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, StateRunning, j.State)
	assert.Equal(t, 1, j.Attempt)
	assert.Equal(t, Fulfillment, j.Queue)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_ClaimReclaimsAbandonedJob(t *testing.T) {
	b, mock := newMockBackend(t)
	now := time.Date(2026, 7, 1, 0, 10, 0, 0, time.UTC)
	staleBefore := now.Add(-3 * time.Minute)
	claimedAt := now.Add(-9 * time.Minute)

	mock.ExpectQuery(`WHERE queue = \$1\s+AND \(\(state = 'queued' AND run_at <= \$2\) OR \(state = 'running' AND updated_at < \$3\)\)`).
		WithArgs("fulfillment", now, staleBefore).
		WillReturnRows(pgxmock.NewRows(jobCols).
			AddRow("j1", "fulfillment", "fulfill:r1:c1", []byte(`{"job_id":"fj1"}`), "running", 2, 4, claimedAt, "", claimedAt, now))

	j, err := b.Claim(context.Background(), Fulfillment, now, staleBefore)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "j1", j.ID)
	assert.Equal(t, 2, j.Attempt, "the abandoned attempt still counts")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_ClaimEmpty(t *testing.T) {
	b, mock := newMockBackend(t)
	mock.ExpectQuery(`UPDATE queue_jobs SET state = 'running'`).WillReturnError(pgx.ErrNoRows)

	j, err := b.Claim(context.Background(), Fulfillment, time.Now(), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestPostgresBackend_CompleteTrimsHistory(t *testing.T) {
	b, mock := newMockBackend(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE queue_jobs SET state = \$1, last_error = \$2`).
		WithArgs("completed", "", "j1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`DELETE FROM queue_jobs WHERE queue = \$1 AND state = \$2 AND id NOT IN`).
		WithArgs("matching", "completed", 100).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectCommit()

	require.NoError(t, b.Complete(context.Background(), &Job{ID: "j1", Queue: Matching}, 100))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_FailRequeues(t *testing.T) {
	b, mock := newMockBackend(t)
	retryAt := time.Date(2026, 7, 1, 0, 0, 2, 0, time.UTC)

	mock.ExpectExec(`UPDATE queue_jobs SET state = 'queued', run_at = \$1`).
		WithArgs(retryAt, "timeout", "j1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, b.Fail(context.Background(), &Job{ID: "j1", Queue: Matching}, "timeout", &retryAt, 100))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_SnoozeReturnsAttempt(t *testing.T) {
	b, mock := newMockBackend(t)
	runAt := time.Date(2026, 7, 1, 0, 1, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE queue_jobs SET state = 'queued', run_at = \$1, last_error = \$2,\s+attempt = GREATEST\(attempt - 1, 0\)`).
		WithArgs(runAt, "no agent online", "j1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, b.Snooze(context.Background(), &Job{ID: "j1", Queue: Fulfillment}, "no agent online", runAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_Stats(t *testing.T) {
	b, mock := newMockBackend(t)
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT count\(\*\) FILTER`).
		WithArgs("embedding").
		WillReturnRows(pgxmock.NewRows([]string{"queued", "running"}).AddRow(2, 1))
	mock.ExpectQuery(`FROM queue_jobs\s+WHERE queue = \$1 AND state IN \('completed','failed'\)`).
		WithArgs("embedding").
		WillReturnRows(pgxmock.NewRows(jobCols).
			AddRow("j2", "embedding", "embed:c2", []byte(`{}`), "failed", 4, 4, now, "api down", now, now).
			AddRow("j1", "embedding", "embed:c1", []byte(`{}`), "completed", 1, 4, now, "", now, now))

	s, err := b.Stats(context.Background(), Embedding)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Queued)
	assert.Equal(t, 1, s.Running)
	require.Len(t, s.Completed, 1)
	require.Len(t, s.Failed, 1)
	assert.Equal(t, "api down", s.Failed[0].LastError)
	assert.NoError(t, mock.ExpectationsWereMet())
}
