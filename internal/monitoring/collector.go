package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/quote-engine/internal/model"
	"github.com/sells-group/quote-engine/internal/queue"
	"github.com/sells-group/quote-engine/internal/store"
)

// Snapshot is a point-in-time view of fulfillment health.
type Snapshot struct {
	Jobs          int                     `json:"jobs"`
	ByStatus      map[model.JobStatus]int `json:"by_status"`
	ByMode        map[model.JobMode]int   `json:"by_mode"`
	FailRate      float64                 `json:"fail_rate"`
	Queues        []queue.Stats           `json:"queues,omitempty"`
	LookbackHours int                     `json:"lookback_hours"`
	CollectedAt   time.Time               `json:"collected_at"`
}

// JobLister lists fulfillment jobs.
type JobLister interface {
	ListJobs(ctx context.Context, filter store.JobFilter) ([]model.FulfillmentJob, error)
}

// QueueStatter reports queue depth.
type QueueStatter interface {
	Stats(ctx context.Context) ([]queue.Stats, error)
}

// Collector gathers a Snapshot from the store and the queues.
type Collector struct {
	jobs    JobLister
	queues  QueueStatter
	nowFunc func() time.Time
}

// NewCollector creates a Collector. queues may be nil.
func NewCollector(jobs JobLister, queues QueueStatter) *Collector {
	return &Collector{jobs: jobs, queues: queues, nowFunc: time.Now}
}

// Collect summarises jobs created within the lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.nowFunc().UTC()
	snap := &Snapshot{
		ByStatus:      make(map[model.JobStatus]int),
		ByMode:        make(map[model.JobMode]int),
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	jobs, err := c.jobs.ListJobs(ctx, store.JobFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list jobs")
	}
	for _, j := range jobs {
		if lookbackHours > 0 && j.CreatedAt.Before(cutoff) {
			continue
		}
		snap.Jobs++
		snap.ByStatus[j.Status]++
		snap.ByMode[j.Mode]++
	}

	failed := snap.ByStatus[model.JobStatusFailed]
	if finished := failed + snap.ByStatus[model.JobStatusFulfilled]; finished > 0 {
		snap.FailRate = float64(failed) / float64(finished)
	}

	if c.queues != nil {
		stats, err := c.queues.Stats(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: queue stats")
		}
		snap.Queues = stats
	}
	return snap, nil
}
