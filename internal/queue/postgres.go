package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/quote-engine/internal/db"
)

// PostgresBackend keeps queue jobs in a single table. Claims use
// FOR UPDATE SKIP LOCKED so each job goes to exactly one worker.
type PostgresBackend struct {
	pool db.Pool
}

// NewPostgresBackend wraps a pool shared with the store.
func NewPostgresBackend(pool db.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

// Migration creates the queue table. It is idempotent.
const Migration = `
CREATE TABLE IF NOT EXISTS queue_jobs (
	id           TEXT PRIMARY KEY,
	queue        TEXT NOT NULL,
	key          TEXT NOT NULL,
	payload      JSONB,
	state        TEXT NOT NULL DEFAULT 'queued',
	attempt      INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 4,
	run_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_jobs_active_key ON queue_jobs(queue, key)
	WHERE state IN ('queued','running');
CREATE INDEX IF NOT EXISTS idx_queue_jobs_ready ON queue_jobs(queue, state, run_at);
`

// Migrate creates the queue table.
func (b *PostgresBackend) Migrate(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, Migration)
	return eris.Wrap(err, "queue: migrate")
}

const jobReturning = `id, queue, key, payload, state, attempt, max_attempts, run_at, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var payload []byte
	var q, st string
	if err := row.Scan(&j.ID, &q, &j.Key, &payload, &st, &j.Attempt, &j.MaxAttempts,
		&j.RunAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Queue, j.State, j.Payload = Name(q), State(st), payload
	return &j, nil
}

func (b *PostgresBackend) Enqueue(ctx context.Context, job *Job) (string, bool, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	var id string
	err := b.pool.QueryRow(ctx,
		`INSERT INTO queue_jobs (id, queue, key, payload, state, max_attempts, run_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'queued', $5, $6, $7, $7)
		 ON CONFLICT (queue, key) WHERE state IN ('queued','running') DO NOTHING
		 RETURNING id`,
		job.ID, string(job.Queue), job.Key, []byte(job.Payload), job.MaxAttempts, job.RunAt, job.CreatedAt,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, eris.Wrapf(err, "queue: enqueue %s", job.Key)
	}

	err = b.pool.QueryRow(ctx,
		`SELECT id FROM queue_jobs WHERE queue = $1 AND key = $2 AND state IN ('queued','running') LIMIT 1`,
		string(job.Queue), job.Key,
	).Scan(&id)
	if err != nil {
		return "", false, eris.Wrapf(err, "queue: lookup active %s", job.Key)
	}
	return id, false, nil
}

func (b *PostgresBackend) Claim(ctx context.Context, queue Name, now, staleBefore time.Time) (*Job, error) {
	j, err := scanJob(b.pool.QueryRow(ctx,
		`UPDATE queue_jobs SET state = 'running', attempt = attempt + 1, updated_at = $2
		 WHERE id = (
			SELECT id FROM queue_jobs
			WHERE queue = $1
			  AND ((state = 'queued' AND run_at <= $2) OR (state = 'running' AND updated_at < $3))
			ORDER BY run_at, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobReturning,
		string(queue), now, staleBefore,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return j, eris.Wrapf(err, "queue: claim %s", queue)
}

func (b *PostgresBackend) Complete(ctx context.Context, job *Job, keep int) error {
	return b.finish(ctx, job, StateCompleted, "", keep)
}

func (b *PostgresBackend) Fail(ctx context.Context, job *Job, reason string, retryAt *time.Time, keep int) error {
	if retryAt != nil {
		_, err := b.pool.Exec(ctx,
			`UPDATE queue_jobs SET state = 'queued', run_at = $1, last_error = $2, updated_at = now() WHERE id = $3`,
			*retryAt, reason, job.ID,
		)
		return eris.Wrapf(err, "queue: requeue %s", job.ID)
	}
	return b.finish(ctx, job, StateFailed, reason, keep)
}

func (b *PostgresBackend) Snooze(ctx context.Context, job *Job, reason string, runAt time.Time) error {
	_, err := b.pool.Exec(ctx,
		`UPDATE queue_jobs SET state = 'queued', run_at = $1, last_error = $2,
		 attempt = GREATEST(attempt - 1, 0), updated_at = now() WHERE id = $3`,
		runAt, reason, job.ID,
	)
	return eris.Wrapf(err, "queue: snooze %s", job.ID)
}

// finish moves the job to a final state and trims that state's history so the
// table stays bounded.
func (b *PostgresBackend) finish(ctx context.Context, job *Job, state State, reason string, keep int) error {
	return db.InTx(ctx, b.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE queue_jobs SET state = $1, last_error = $2, updated_at = now() WHERE id = $3`,
			string(state), reason, job.ID,
		); err != nil {
			return eris.Wrapf(err, "queue: finish %s", job.ID)
		}
		if keep <= 0 {
			return nil
		}
		_, err := tx.Exec(ctx,
			`DELETE FROM queue_jobs WHERE queue = $1 AND state = $2 AND id NOT IN (
				SELECT id FROM queue_jobs WHERE queue = $1 AND state = $2 ORDER BY updated_at DESC LIMIT $3
			)`,
			string(job.Queue), string(state), keep,
		)
		return eris.Wrapf(err, "queue: trim %s history", job.Queue)
	})
}

func (b *PostgresBackend) Stats(ctx context.Context, queue Name) (Stats, error) {
	s := Stats{Queue: queue}
	err := b.pool.QueryRow(ctx,
		`SELECT count(*) FILTER (WHERE state = 'queued'), count(*) FILTER (WHERE state = 'running')
		 FROM queue_jobs WHERE queue = $1`,
		string(queue),
	).Scan(&s.Queued, &s.Running)
	if err != nil {
		return s, eris.Wrapf(err, "queue: count %s", queue)
	}

	rows, err := b.pool.Query(ctx,
		`SELECT `+jobReturning+` FROM queue_jobs
		 WHERE queue = $1 AND state IN ('completed','failed')
		 ORDER BY updated_at DESC`,
		string(queue),
	)
	if err != nil {
		return s, eris.Wrapf(err, "queue: history %s", queue)
	}
	defer rows.Close()
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return s, eris.Wrap(err, "queue: scan history")
		}
		if j.State == StateCompleted {
			s.Completed = append(s.Completed, *j)
		} else {
			s.Failed = append(s.Failed, *j)
		}
	}
	return s, eris.Wrap(rows.Err(), "queue: iterate history")
}

func (b *PostgresBackend) Ping(ctx context.Context) error {
	return eris.Wrap(b.pool.Ping(ctx), "queue: ping")
}
