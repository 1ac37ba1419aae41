// Package queue implements durable named job queues with idempotency keys,
// bounded retries and fixed-size worker pools.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
)

// Name identifies a queue.
type Name string

// Queues used by the engine.
const (
	Matching    Name = "matching"
	Embedding   Name = "embedding"
	Fulfillment Name = "fulfillment"
	Expiry      Name = "expiry"
)

// State is the lifecycle state of a queued job.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is one unit of queued work.
type Job struct {
	ID          string          `json:"id"`
	Queue       Name            `json:"queue"`
	Key         string          `json:"key"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	State       State           `json:"state"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	RunAt       time.Time       `json:"run_at"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// SnoozeError is returned by a handler whose job cannot make progress yet.
// The job runs again after Delay and the attempt is not counted.
type SnoozeError struct {
	Delay  time.Duration
	Reason string
}

func (e *SnoozeError) Error() string {
	return fmt.Sprintf("queue: snoozed for %s: %s", e.Delay, e.Reason)
}

// Snooze builds a SnoozeError.
func Snooze(delay time.Duration, reason string) error {
	return &SnoozeError{Delay: delay, Reason: reason}
}

// Decode unmarshals the job payload into T.
func Decode[T any](j *Job) (T, error) {
	var v T
	if len(j.Payload) == 0 {
		return v, eris.Errorf("queue: job %s has no payload", j.ID)
	}
	if err := json.Unmarshal(j.Payload, &v); err != nil {
		return v, eris.Wrapf(err, "queue: decode payload of job %s", j.ID)
	}
	return v, nil
}

// MatchKey is the idempotency key for matching a request.
func MatchKey(requestID string) string { return "match:" + requestID }

// FulfillKey is the idempotency key for fulfilling a request with a candidate.
func FulfillKey(requestID, candidateID string) string {
	return "fulfill:" + requestID + ":" + candidateID
}

// EmbedKey is the idempotency key for recomputing a candidate embedding.
func EmbedKey(candidateID string) string { return "embed:" + candidateID }

// ExpiryKey is the idempotency key for a fulfillment job's deadline.
func ExpiryKey(jobID string) string { return "expire:" + jobID }

// Stats summarises a queue for observability.
type Stats struct {
	Queue     Name  `json:"queue"`
	Queued    int   `json:"queued"`
	Running   int   `json:"running"`
	Completed []Job `json:"completed"`
	Failed    []Job `json:"failed"`
}

// Backend stores queue jobs. Enqueue must collapse a key that is already
// queued or running onto the existing job.
type Backend interface {
	// Enqueue inserts job unless its key is active, returning the ID of the
	// job that now owns the key and whether it was newly created.
	Enqueue(ctx context.Context, job *Job) (string, bool, error)
	// Claim marks the next ready job of queue running and returns it, or nil.
	// A job left running since before staleBefore counts as ready again, so a
	// worker that died mid-job does not hold its key forever.
	Claim(ctx context.Context, queue Name, now, staleBefore time.Time) (*Job, error)
	// Complete marks a job completed, keeping at most keep completed jobs.
	Complete(ctx context.Context, job *Job, keep int) error
	// Fail records a failure. A non-nil retryAt requeues the job; otherwise it
	// is failed for good and at most keep failed jobs are retained.
	Fail(ctx context.Context, job *Job, reason string, retryAt *time.Time, keep int) error
	// Snooze requeues a job at runAt and gives back the attempt it used.
	Snooze(ctx context.Context, job *Job, reason string, runAt time.Time) error
	Stats(ctx context.Context, queue Name) (Stats, error)
	Ping(ctx context.Context) error
}
