package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/quote-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local runs
// and tests.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS requests (
	id           TEXT PRIMARY KEY,
	demand_id    TEXT NOT NULL,
	requester_id TEXT NOT NULL DEFAULT '',
	category     TEXT NOT NULL DEFAULT '',
	embedding    TEXT,
	quantity     INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_demand ON requests(demand_id, created_at);

CREATE TABLE IF NOT EXISTS candidates (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL DEFAULT '',
	category             TEXT NOT NULL DEFAULT '',
	embedding            TEXT,
	profile              TEXT NOT NULL DEFAULT '',
	live                 BOOLEAN NOT NULL DEFAULT 0,
	trust                REAL NOT NULL DEFAULT 0,
	response_rate        REAL NOT NULL DEFAULT 0,
	certified            BOOLEAN NOT NULL DEFAULT 0,
	quality_rating       REAL NOT NULL DEFAULT 0,
	embedding_updated_at DATETIME
);

CREATE TABLE IF NOT EXISTS match_results (
	request_id     TEXT NOT NULL,
	candidate_id   TEXT NOT NULL,
	rank           INTEGER NOT NULL,
	semantic       REAL NOT NULL,
	responsiveness REAL NOT NULL,
	trust          REAL NOT NULL,
	composite      REAL NOT NULL,
	created_at     DATETIME NOT NULL,
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
	deadline     DATETIME NOT NULL,
	last_mode    TEXT NOT NULL DEFAULT '',
	last_error   TEXT NOT NULL DEFAULT '',
	offer        TEXT,
	started_at   DATETIME,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON fulfillment_jobs(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_pair ON fulfillment_jobs(request_id, candidate_id)
	WHERE status IN ('pending','in_progress','timeout');

CREATE TABLE IF NOT EXISTS agents (
	id             TEXT PRIMARY KEY,
	candidate_id   TEXT NOT NULL,
	state          TEXT NOT NULL,
	registered_at  DATETIME NOT NULL,
	last_heartbeat DATETIME,
	doc            TEXT NOT NULL,
	updated_at     DATETIME NOT NULL
);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scannable interface {
	Scan(dest ...any) error
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// --- Requests ---

func (s *SQLiteStore) SaveRequest(ctx context.Context, req *model.Request) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	emb, err := json.Marshal(req.Embedding)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal embedding")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO requests (id, demand_id, requester_id, category, embedding, quantity, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.DemandID, req.RequesterID, req.Category, string(emb), req.Quantity, req.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert request %s", req.ID)
}

func scanSQLiteRequest(row scannable) (*model.Request, error) {
	var r model.Request
	var emb sql.NullString
	if err := row.Scan(&r.ID, &r.DemandID, &r.RequesterID, &r.Category, &emb, &r.Quantity, &r.CreatedAt); err != nil {
		return nil, err
	}
	v, err := unmarshalVector([]byte(emb.String))
	if err != nil {
		return nil, err
	}
	r.Embedding = v
	return &r, nil
}

func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	r, err := scanSQLiteRequest(s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, eris.Wrapf(err, "sqlite: get request %s", id)
}

func (s *SQLiteStore) LatestRequest(ctx context.Context, demandID string) (*model.Request, error) {
	r, err := scanSQLiteRequest(s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE demand_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		demandID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, eris.Wrapf(err, "sqlite: latest request for demand %s", demandID)
}

// --- Candidates ---

func (s *SQLiteStore) UpsertCandidate(ctx context.Context, c *model.Candidate) error {
	emb, err := json.Marshal(c.Embedding)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal embedding")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO candidates (`+candidateColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, category = excluded.category, embedding = excluded.embedding,
			profile = excluded.profile, live = excluded.live, trust = excluded.trust,
			response_rate = excluded.response_rate, certified = excluded.certified,
			quality_rating = excluded.quality_rating, embedding_updated_at = excluded.embedding_updated_at`,
		c.ID, c.Name, c.Category, string(emb), c.Profile, c.Live, c.Trust, c.ResponseRate,
		c.Certified, c.QualityRating, nullTime(c.EmbeddingUpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: upsert candidate %s", c.ID)
}

func scanSQLiteCandidate(row scannable) (*model.Candidate, error) {
	var c model.Candidate
	var emb sql.NullString
	var embAt sql.NullTime
	if err := row.Scan(&c.ID, &c.Name, &c.Category, &emb, &c.Profile, &c.Live, &c.Trust,
		&c.ResponseRate, &c.Certified, &c.QualityRating, &embAt); err != nil {
		return nil, err
	}
	v, err := unmarshalVector([]byte(emb.String))
	if err != nil {
		return nil, err
	}
	c.Embedding = v
	c.EmbeddingUpdatedAt = timePtr(embAt)
	return &c, nil
}

func (s *SQLiteStore) GetCandidate(ctx context.Context, id string) (*model.Candidate, error) {
	c, err := scanSQLiteCandidate(s.db.QueryRowContext(ctx,
		`SELECT `+candidateColumns+` FROM candidates WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, eris.Wrapf(err, "sqlite: get candidate %s", id)
}

func (s *SQLiteStore) ListCandidates(ctx context.Context) ([]model.Candidate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+candidateColumns+` FROM candidates ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list candidates")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Candidate
	for rows.Next() {
		c, err := scanSQLiteCandidate(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan candidate")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate candidates")
}

// --- Match results ---

func (s *SQLiteStore) ReplaceMatchResults(ctx context.Context, requestID string, results []model.MatchResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM match_results WHERE request_id = ?`, requestID); err != nil {
		return eris.Wrapf(err, "sqlite: delete match results %s", requestID)
	}
	for _, r := range results {
		created := r.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO match_results (request_id, candidate_id, rank, semantic, responsiveness, trust, composite, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			requestID, r.CandidateID, r.Rank, r.Semantic, r.Responsiveness, r.Trust, r.Composite, created.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert match result %s/%s", requestID, r.CandidateID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit match results")
}

func (s *SQLiteStore) ListMatchResults(ctx context.Context, requestID string) ([]model.MatchResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, candidate_id, rank, semantic, responsiveness, trust, composite, created_at
		 FROM match_results WHERE request_id = ? ORDER BY rank`, requestID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list match results %s", requestID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.MatchResult
	for rows.Next() {
		var r model.MatchResult
		if err := rows.Scan(&r.RequestID, &r.CandidateID, &r.Rank, &r.Semantic, &r.Responsiveness, &r.Trust, &r.Composite, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan match result")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate match results")
}

// --- Fulfillment jobs ---

func scanSQLiteJob(row scannable) (*model.FulfillmentJob, error) {
	var j model.FulfillmentJob
	var mode, status, lastMode string
	var offer sql.NullString
	var started sql.NullTime
	if err := row.Scan(&j.ID, &j.RequestID, &j.CandidateID, &j.RequesterID, &mode, &status,
		&j.Attempt, &j.MaxAttempts, &j.Deadline, &lastMode, &j.LastError, &offer,
		&started, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Mode, j.Status, j.LastMode = model.JobMode(mode), model.JobStatus(status), model.JobMode(lastMode)
	j.StartedAt = timePtr(started)
	o, err := unmarshalOffer([]byte(offer.String))
	if err != nil {
		return nil, err
	}
	j.Offer = o
	return &j, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.FulfillmentJob) error {
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

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO fulfillment_jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.RequestID, job.CandidateID, job.RequesterID, string(job.Mode), string(job.Status),
		job.Attempt, job.MaxAttempts, job.Deadline.UTC(), string(job.LastMode), job.LastError, nullBytes(offer),
		nullTime(job.StartedAt), job.CreatedAt.UTC(), job.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrActiveJobExists
	}
	return eris.Wrapf(err, "sqlite: insert job %s", job.ID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.FulfillmentJob, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM fulfillment_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, eris.Wrapf(err, "sqlite: get job %s", id)
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *model.FulfillmentJob) error {
	job.UpdatedAt = time.Now().UTC()
	offer, err := marshalOffer(job.Offer)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE fulfillment_jobs SET mode = ?, status = ?, attempt = ?, max_attempts = ?, deadline = ?,
			last_mode = ?, last_error = ?, offer = ?, started_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(job.Mode), string(job.Status), job.Attempt, job.MaxAttempts, job.Deadline.UTC(),
		string(job.LastMode), job.LastError, nullBytes(offer), nullTime(job.StartedAt), job.UpdatedAt, job.ID,
	)
	if isUniqueViolation(err) {
		return ErrActiveJobExists
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job %s", job.ID)
	}
	return checkRowsAffected(res)
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.FulfillmentJob, error) {
	query := `SELECT ` + jobColumns + ` FROM fulfillment_jobs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.RequestID != "" {
		query += ` AND request_id = ?`
		args = append(args, filter.RequestID)
	}
	if filter.CandidateID != "" {
		query += ` AND candidate_id = ?`
		args = append(args, filter.CandidateID)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, listLimit(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.FulfillmentJob
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		out = append(out, *j)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate jobs")
}

func (s *SQLiteStore) FindActiveJob(ctx context.Context, requestID, candidateID string) (*model.FulfillmentJob, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM fulfillment_jobs
		 WHERE request_id = ? AND candidate_id = ? AND status IN (`+activeStatusList()+`)
		 LIMIT 1`,
		requestID, candidateID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, eris.Wrap(err, "sqlite: find active job")
}

// --- Agent snapshot ---

func (s *SQLiteStore) SaveAgentSnapshot(ctx context.Context, agents []model.Agent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for _, a := range agents {
		doc, err := json.Marshal(agentDoc{Capabilities: a.Capabilities, Stats: a.Stats, Pending: a.Pending})
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal agent %s", a.ID)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO agents (id, candidate_id, state, registered_at, last_heartbeat, doc, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET candidate_id = excluded.candidate_id, state = excluded.state,
				registered_at = excluded.registered_at, last_heartbeat = excluded.last_heartbeat,
				doc = excluded.doc, updated_at = excluded.updated_at`,
			a.ID, a.CandidateID, string(a.State), a.RegisteredAt.UTC(), nullTime(a.LastHeartbeat), string(doc), now,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert agent %s", a.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit agent snapshot")
}

func (s *SQLiteStore) LoadAgentSnapshot(ctx context.Context) ([]model.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, candidate_id, state, registered_at, last_heartbeat, doc FROM agents ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load agents")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Agent
	for rows.Next() {
		var a model.Agent
		var state, doc string
		var hb sql.NullTime
		if err := rows.Scan(&a.ID, &a.CandidateID, &state, &a.RegisteredAt, &hb, &doc); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan agent")
		}
		var d agentDoc
		if err := json.Unmarshal([]byte(doc), &d); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal agent %s", a.ID)
		}
		a.State = model.AgentState(state)
		a.LastHeartbeat = timePtr(hb)
		a.Capabilities, a.Stats, a.Pending = d.Capabilities, d.Stats, d.Pending
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate agents")
}
