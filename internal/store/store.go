// Package store persists requests, candidates, match sets, fulfillment jobs
// and the agent registry snapshot.
package store

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/quote-engine/internal/model"
)

// ErrNotFound is returned when a lookup by ID matches nothing.
var ErrNotFound = eris.New("store: not found")

// ErrActiveJobExists is returned by CreateJob when the (request, candidate)
// pair already has a non-terminal job.
var ErrActiveJobExists = eris.New("store: active job exists")

// JobFilter specifies criteria for listing fulfillment jobs.
type JobFilter struct {
	Status      model.JobStatus `json:"status,omitempty"`
	RequestID   string          `json:"request_id,omitempty"`
	CandidateID string          `json:"candidate_id,omitempty"`
	Limit       int             `json:"limit,omitempty"`
	Offset      int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the engine.
type Store interface {
	// Requests
	SaveRequest(ctx context.Context, req *model.Request) error
	GetRequest(ctx context.Context, id string) (*model.Request, error)
	LatestRequest(ctx context.Context, demandID string) (*model.Request, error)

	// Candidates
	UpsertCandidate(ctx context.Context, c *model.Candidate) error
	GetCandidate(ctx context.Context, id string) (*model.Candidate, error)
	ListCandidates(ctx context.Context) ([]model.Candidate, error)

	// Match results are replaced as a whole set per request.
	ReplaceMatchResults(ctx context.Context, requestID string, results []model.MatchResult) error
	ListMatchResults(ctx context.Context, requestID string) ([]model.MatchResult, error)

	// Fulfillment jobs
	CreateJob(ctx context.Context, job *model.FulfillmentJob) error
	GetJob(ctx context.Context, id string) (*model.FulfillmentJob, error)
	UpdateJob(ctx context.Context, job *model.FulfillmentJob) error
	ListJobs(ctx context.Context, filter JobFilter) ([]model.FulfillmentJob, error)
	FindActiveJob(ctx context.Context, requestID, candidateID string) (*model.FulfillmentJob, error)

	// Agent registry snapshot
	SaveAgentSnapshot(ctx context.Context, agents []model.Agent) error
	LoadAgentSnapshot(ctx context.Context) ([]model.Agent, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

var activeStatuses = []string{
	string(model.JobStatusPending),
	string(model.JobStatusInProgress),
	string(model.JobStatusTimeout),
}

func activeStatusList() string {
	return "'" + strings.Join(activeStatuses, "','") + "'"
}

func listLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}

func marshalOffer(o *model.QuoteOffer) ([]byte, error) {
	if o == nil {
		return nil, nil
	}
	b, err := json.Marshal(o)
	return b, eris.Wrap(err, "store: marshal offer")
}

func unmarshalOffer(b []byte) (*model.QuoteOffer, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var o model.QuoteOffer
	if err := json.Unmarshal(b, &o); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal offer")
	}
	return &o, nil
}

func unmarshalVector(b []byte) ([]float64, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var v []float64
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal embedding")
	}
	return v, nil
}

// agentDoc is the JSON-encoded part of an agent snapshot row.
type agentDoc struct {
	Capabilities []model.Capability `json:"capabilities"`
	Stats        model.AgentStats   `json:"stats"`
	Pending      []model.AgentTask  `json:"pending"`
}
