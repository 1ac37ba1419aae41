package model

import "time"

// JobMode is the fulfillment path a FulfillmentJob is on.
type JobMode string

const (
	ModeDirectSource  JobMode = "direct_source"
	ModeAgentDispatch JobMode = "agent_dispatch"
	ModeManual        JobMode = "manual"
)

// JobStatus is the lifecycle state of a FulfillmentJob.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusTimeout    JobStatus = "timeout"
	JobStatusFulfilled  JobStatus = "fulfilled"
	JobStatusFailed     JobStatus = "failed"
	JobStatusEscalated  JobStatus = "escalated"
)

// IsTerminal reports whether no further transition is expected.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusFulfilled, JobStatusFailed, JobStatusEscalated:
		return true
	default:
		return false
	}
}

// IsActive reports whether the job is still being worked on.
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusInProgress || s == JobStatusTimeout
}

// FulfillmentJob tracks progress toward a priced quote for one
// (Request, Candidate) pair. It is created by the orchestrator and mutated
// only by queue workers and the timeout monitor.
type FulfillmentJob struct {
	ID          string      `json:"id"`
	RequestID   string      `json:"request_id"`
	CandidateID string      `json:"candidate_id"`
	RequesterID string      `json:"requester_id"`
	Mode        JobMode     `json:"mode"`
	Status      JobStatus   `json:"status"`
	Attempt     int         `json:"attempt"`
	MaxAttempts int         `json:"max_attempts"`
	Deadline    time.Time   `json:"deadline"`
	LastMode    JobMode     `json:"last_mode,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
	Offer       *QuoteOffer `json:"offer,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// CanRetry reports whether another attempt is allowed.
func (j *FulfillmentJob) CanRetry() bool {
	return j.Attempt < j.MaxAttempts
}

// Age returns how long the job has been in progress, measured from StartedAt
// (or UpdatedAt when it never started).
func (j *FulfillmentJob) Age(now time.Time) time.Duration {
	if j.StartedAt != nil {
		return now.Sub(*j.StartedAt)
	}
	return now.Sub(j.UpdatedAt)
}
