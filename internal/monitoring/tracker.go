package monitoring

import (
	"fmt"
	"sync"
	"time"

	"github.com/sells-group/quote-engine/internal/model"
)

// FailureTracker counts consecutive fulfillment failures per candidate
// inside a rolling window. A success clears the streak.
type FailureTracker struct {
	threshold int
	window    time.Duration

	mu      sync.Mutex
	streaks map[string][]time.Time
}

// NewFailureTracker creates a tracker that reports degradation on the
// threshold-th consecutive failure within window. Defaults: 3 in 1h.
func NewFailureTracker(threshold int, window time.Duration) *FailureTracker {
	if threshold < 1 {
		threshold = 3
	}
	if window <= 0 {
		window = time.Hour
	}
	return &FailureTracker{threshold: threshold, window: window, streaks: make(map[string][]time.Time)}
}

// RecordFailure adds a failure at now and reports whether this failure is
// exactly the threshold-th of the current streak.
func (t *FailureTracker) RecordFailure(candidateID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-t.window)
	kept := t.streaks[candidateID][:0]
	for _, at := range t.streaks[candidateID] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	kept = append(kept, now)
	t.streaks[candidateID] = kept
	return len(kept) == t.threshold
}

// RecordSuccess clears the candidate's streak.
func (t *FailureTracker) RecordSuccess(candidateID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streaks, candidateID)
}

// Streak returns the number of failures in the candidate's current window.
func (t *FailureTracker) Streak(candidateID string, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	cutoff := now.Add(-t.window)
	for _, at := range t.streaks[candidateID] {
		if at.After(cutoff) {
			n++
		}
	}
	return n
}

// Degraded records a failed job for its candidate. When that failure
// completes a streak it returns the degradation alert to raise.
func (t *FailureTracker) Degraded(job *model.FulfillmentJob, now time.Time) (model.Alert, bool) {
	if !t.RecordFailure(job.CandidateID, now) {
		return model.Alert{}, false
	}
	return model.Alert{
		Kind:        model.AlertDegraded,
		JobID:       job.ID,
		CandidateID: job.CandidateID,
		Message:     fmt.Sprintf("%d consecutive fulfillment failures within %s", t.threshold, t.window),
		Timestamp:   now,
	}, true
}
