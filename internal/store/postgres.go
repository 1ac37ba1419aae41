package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/sells-group/quote-engine/internal/db"
	"github.com/sells-group/quote-engine/internal/model"
)

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres connects a pool and wraps it in a PostgresStore.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	maxConns, minConns := int32(10), int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pool, err := db.Connect(ctx, connString, maxConns, minConns)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. The caller owns its lifetime.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying pool for subsystems that share it (the queue backend).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS requests (
	id           TEXT PRIMARY KEY,
	demand_id    TEXT NOT NULL,
	requester_id TEXT NOT NULL DEFAULT '',
	category     TEXT NOT NULL DEFAULT '',
	embedding    JSONB,
	quantity     INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_requests_demand ON requests(demand_id, created_at DESC);

CREATE TABLE IF NOT EXISTS candidates (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL DEFAULT '',
	category             TEXT NOT NULL DEFAULT '',
	embedding            JSONB,
	profile              TEXT NOT NULL DEFAULT '',
	live                 BOOLEAN NOT NULL DEFAULT false,
	trust                DOUBLE PRECISION NOT NULL DEFAULT 0,
	response_rate        DOUBLE PRECISION NOT NULL DEFAULT 0,
	certified            BOOLEAN NOT NULL DEFAULT false,
	quality_rating       DOUBLE PRECISION NOT NULL DEFAULT 0,
	embedding_updated_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_candidates_category ON candidates(category);

CREATE TABLE IF NOT EXISTS match_results (
	request_id     TEXT NOT NULL,
	candidate_id   TEXT NOT NULL,
	rank           INTEGER NOT NULL,
	semantic       DOUBLE PRECISION NOT NULL,
	responsiveness DOUBLE PRECISION NOT NULL,
	trust          DOUBLE PRECISION NOT NULL,
	composite      DOUBLE PRECISION NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (request_id, candidate_id)
);

CREATE TABLE IF NOT EXISTS fulfillment_jobs (
	id           TEXT PRIMARY KEY,
	request_id   TEXT NOT NULL,
	candidate_id TEXT NOT NULL,
	requester_id TEXT NOT NULL DEFAULT '',
	mode         TEXT NOT NULL,
	status       TEXT NOT NULL,
	attempt      INTEGER NOT NULL DEFAULT 1,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	deadline     TIMESTAMPTZ NOT NULL,
	last_mode    TEXT NOT NULL DEFAULT '',
	last_error   TEXT NOT NULL DEFAULT '',
	offer        JSONB,
	started_at   TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON fulfillment_jobs(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_pair ON fulfillment_jobs(request_id, candidate_id)
	WHERE status IN ('pending','in_progress','timeout');

CREATE TABLE IF NOT EXISTS agents (
	id             TEXT PRIMARY KEY,
	candidate_id   TEXT NOT NULL,
	state          TEXT NOT NULL,
	registered_at  TIMESTAMPTZ NOT NULL,
	last_heartbeat TIMESTAMPTZ,
	doc            JSONB NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Requests ---

func (s *PostgresStore) SaveRequest(ctx context.Context, req *model.Request) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	emb, err := json.Marshal(req.Embedding)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal embedding")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO requests (id, demand_id, requester_id, category, embedding, quantity, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		req.ID, req.DemandID, req.RequesterID, req.Category, emb, req.Quantity, req.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert request %s", req.ID)
}

const requestColumns = `id, demand_id, requester_id, category, embedding, quantity, created_at`

func scanRequest(row pgx.Row) (*model.Request, error) {
	var r model.Request
	var emb []byte
	if err := row.Scan(&r.ID, &r.DemandID, &r.RequesterID, &r.Category, &emb, &r.Quantity, &r.CreatedAt); err != nil {
		return nil, err
	}
	v, err := unmarshalVector(emb)
	if err != nil {
		return nil, err
	}
	r.Embedding = v
	return &r, nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	r, err := scanRequest(s.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, eris.Wrapf(err, "postgres: get request %s", id)
}

func (s *PostgresStore) LatestRequest(ctx context.Context, demandID string) (*model.Request, error) {
	r, err := scanRequest(s.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE demand_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`,
		demandID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, eris.Wrapf(err, "postgres: latest request for demand %s", demandID)
}

// --- Candidates ---

func (s *PostgresStore) UpsertCandidate(ctx context.Context, c *model.Candidate) error {
	emb, err := json.Marshal(c.Embedding)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal embedding")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO candidates (id, name, category, embedding, profile, live, trust, response_rate, certified, quality_rating, embedding_updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, category = EXCLUDED.category, embedding = EXCLUDED.embedding,
			profile = EXCLUDED.profile, live = EXCLUDED.live, trust = EXCLUDED.trust,
			response_rate = EXCLUDED.response_rate, certified = EXCLUDED.certified,
			quality_rating = EXCLUDED.quality_rating, embedding_updated_at = EXCLUDED.embedding_updated_at`,
		c.ID, c.Name, c.Category, emb, c.Profile, c.Live, c.Trust, c.ResponseRate, c.Certified, c.QualityRating, c.EmbeddingUpdatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert candidate %s", c.ID)
}

const candidateColumns = `id, name, category, embedding, profile, live, trust, response_rate, certified, quality_rating, embedding_updated_at`

func scanCandidate(row pgx.Row) (*model.Candidate, error) {
	var c model.Candidate
	var emb []byte
	if err := row.Scan(&c.ID, &c.Name, &c.Category, &emb, &c.Profile, &c.Live, &c.Trust,
		&c.ResponseRate, &c.Certified, &c.QualityRating, &c.EmbeddingUpdatedAt); err != nil {
		return nil, err
	}
	v, err := unmarshalVector(emb)
	if err != nil {
		return nil, err
	}
	c.Embedding = v
	return &c, nil
}

func (s *PostgresStore) GetCandidate(ctx context.Context, id string) (*model.Candidate, error) {
	c, err := scanCandidate(s.pool.QueryRow(ctx, `SELECT `+candidateColumns+` FROM candidates WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, eris.Wrapf(err, "postgres: get candidate %s", id)
}

func (s *PostgresStore) ListCandidates(ctx context.Context) ([]model.Candidate, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+candidateColumns+` FROM candidates ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list candidates")
	}
	defer rows.Close()

	var out []model.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan candidate")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate candidates")
}

// --- Match results ---

var matchColumns = []string{"request_id", "candidate_id", "rank", "semantic", "responsiveness", "trust", "composite", "created_at"}

// ReplaceMatchResults deletes the request's previous set and copies the new
// one in a single transaction.
func (s *PostgresStore) ReplaceMatchResults(ctx context.Context, requestID string, results []model.MatchResult) error {
	rows := make([][]any, len(results))
	for i, r := range results {
		created := r.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		rows[i] = []any{requestID, r.CandidateID, r.Rank, r.Semantic, r.Responsiveness, r.Trust, r.Composite, created}
	}

	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM match_results WHERE request_id = $1`, requestID); err != nil {
			return eris.Wrapf(err, "postgres: delete match results %s", requestID)
		}
		if _, err := db.CopyFrom(ctx, tx, "match_results", matchColumns, rows); err != nil {
			return eris.Wrapf(err, "postgres: insert match results %s", requestID)
		}
		return nil
	})
}

func (s *PostgresStore) ListMatchResults(ctx context.Context, requestID string) ([]model.MatchResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT request_id, candidate_id, rank, semantic, responsiveness, trust, composite, created_at
		 FROM match_results WHERE request_id = $1 ORDER BY rank`, requestID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list match results %s", requestID)
	}
	defer rows.Close()

	var out []model.MatchResult
	for rows.Next() {
		var r model.MatchResult
		if err := rows.Scan(&r.RequestID, &r.CandidateID, &r.Rank, &r.Semantic, &r.Responsiveness, &r.Trust, &r.Composite, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan match result")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate match results")
}

// --- Fulfillment jobs ---

const jobColumns = `id, request_id, candidate_id, requester_id, mode, status, attempt, max_attempts, deadline, last_mode, last_error, offer, started_at, created_at, updated_at`

func scanJob(row pgx.Row) (*model.FulfillmentJob, error) {
	var j model.FulfillmentJob
	var offer []byte
	if err := row.Scan(&j.ID, &j.RequestID, &j.CandidateID, &j.RequesterID, &j.Mode, &j.Status,
		&j.Attempt, &j.MaxAttempts, &j.Deadline, &j.LastMode, &j.LastError, &offer,
		&j.StartedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	o, err := unmarshalOffer(offer)
	if err != nil {
		return nil, err
	}
	j.Offer = o
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.FulfillmentJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	offer, err := marshalOffer(job.Offer)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO fulfillment_jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		job.ID, job.RequestID, job.CandidateID, job.RequesterID, string(job.Mode), string(job.Status),
		job.Attempt, job.MaxAttempts, job.Deadline, string(job.LastMode), job.LastError, offer,
		job.StartedAt, job.CreatedAt, job.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrActiveJobExists
	}
	return eris.Wrapf(err, "postgres: insert job %s", job.ID)
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.FulfillmentJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM fulfillment_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, eris.Wrapf(err, "postgres: get job %s", id)
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *model.FulfillmentJob) error {
	job.UpdatedAt = time.Now().UTC()
	offer, err := marshalOffer(job.Offer)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE fulfillment_jobs SET mode = $1, status = $2, attempt = $3, max_attempts = $4, deadline = $5,
			last_mode = $6, last_error = $7, offer = $8, started_at = $9, updated_at = $10
		 WHERE id = $11`,
		string(job.Mode), string(job.Status), job.Attempt, job.MaxAttempts, job.Deadline,
		string(job.LastMode), job.LastError, offer, job.StartedAt, job.UpdatedAt, job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job %s", job.ID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.FulfillmentJob, error) {
	query := `SELECT ` + jobColumns + ` FROM fulfillment_jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.RequestID != "" {
		query += fmt.Sprintf(` AND request_id = $%d`, argIdx)
		args = append(args, filter.RequestID)
		argIdx++
	}
	if filter.CandidateID != "" {
		query += fmt.Sprintf(` AND candidate_id = $%d`, argIdx)
		args = append(args, filter.CandidateID)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var out []model.FulfillmentJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		out = append(out, *j)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate jobs")
}

func (s *PostgresStore) FindActiveJob(ctx context.Context, requestID, candidateID string) (*model.FulfillmentJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM fulfillment_jobs
		 WHERE request_id = $1 AND candidate_id = $2 AND status IN (`+activeStatusList()+`)
		 LIMIT 1`,
		requestID, candidateID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return j, eris.Wrap(err, "postgres: find active job")
}

// --- Agent snapshot ---

var agentUpsert = db.UpsertConfig{
	Table:        "agents",
	Columns:      []string{"id", "candidate_id", "state", "registered_at", "last_heartbeat", "doc", "updated_at"},
	ConflictKeys: []string{"id"},
}

func (s *PostgresStore) SaveAgentSnapshot(ctx context.Context, agents []model.Agent) error {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(agents))
	for _, a := range agents {
		doc, err := json.Marshal(agentDoc{Capabilities: a.Capabilities, Stats: a.Stats, Pending: a.Pending})
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal agent %s", a.ID)
		}
		rows = append(rows, []any{a.ID, a.CandidateID, string(a.State), a.RegisteredAt, a.LastHeartbeat, doc, now})
	}
	_, err := db.BulkUpsert(ctx, s.pool, agentUpsert, rows)
	return eris.Wrap(err, "postgres: save agent snapshot")
}

func (s *PostgresStore) LoadAgentSnapshot(ctx context.Context) ([]model.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, candidate_id, state, registered_at, last_heartbeat, doc FROM agents ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load agents")
	}
	defer rows.Close()

	var out []model.Agent
	for rows.Next() {
		var a model.Agent
		var doc []byte
		if err := rows.Scan(&a.ID, &a.CandidateID, &a.State, &a.RegisteredAt, &a.LastHeartbeat, &doc); err != nil {
			return nil, eris.Wrap(err, "postgres: scan agent")
		}
		var d agentDoc
		if err := json.Unmarshal(doc, &d); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal agent %s", a.ID)
		}
		a.Capabilities, a.Stats, a.Pending = d.Capabilities, d.Stats, d.Pending
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate agents")
}
