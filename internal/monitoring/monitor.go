// Package monitoring times out stalled fulfillment jobs, retries or fails
// them, and raises degradation alerts for candidates that keep failing.
package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quote-engine/internal/config"
	"github.com/sells-group/quote-engine/internal/model"
	"github.com/sells-group/quote-engine/internal/store"
)

// JobStore is the subset of store.Store the monitor needs.
type JobStore interface {
	ListJobs(ctx context.Context, filter store.JobFilter) ([]model.FulfillmentJob, error)
	UpdateJob(ctx context.Context, job *model.FulfillmentJob) error
}

// Requeuer puts a timed-out job back on its fulfillment path.
type Requeuer interface {
	Requeue(ctx context.Context, job *model.FulfillmentJob) error
}

// Notifier receives progress events and alerts.
type Notifier interface {
	Progress(ctx context.Context, ev model.ProgressEvent)
	Alert(ctx context.Context, a model.Alert)
}

// SweepResult summarises one sweep.
type SweepResult struct {
	TimedOut int `json:"timed_out"`
	Requeued int `json:"requeued"`
	Failed   int `json:"failed"`
}

const sweepLimit = 1000

// Monitor runs the periodic timeout sweep.
type Monitor struct {
	store    JobStore
	requeuer Requeuer
	notifier Notifier
	tracker  *FailureTracker
	interval time.Duration
	timeout  time.Duration
	nowFunc  func() time.Time
}

// NewMonitor creates a Monitor from config. Zero values default to a 5m
// sweep, a 30m timeout and 3 failures per hour for degradation.
func NewMonitor(st JobStore, rq Requeuer, n Notifier, cfg config.MonitorConfig) *Monitor {
	interval := time.Duration(cfg.SweepIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	timeout := time.Duration(cfg.TimeoutMins) * time.Minute
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Monitor{
		store:    st,
		requeuer: rq,
		notifier: n,
		tracker:  NewFailureTracker(cfg.DegradationThreshold, time.Duration(cfg.DegradationWindowMin)*time.Minute),
		interval: interval,
		timeout:  timeout,
		nowFunc:  time.Now,
	}
}

// Tracker returns the failure tracker shared with the fulfillment path.
func (m *Monitor) Tracker() *FailureTracker { return m.tracker }

// Run starts the periodic sweep loop. It blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.monitor"))
	log.Info("starting timeout monitor",
		zap.Duration("interval", m.interval),
		zap.Duration("timeout", m.timeout),
	)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("timeout monitor stopped")
			return
		case <-ticker.C:
			res, err := m.Sweep(ctx)
			if err != nil {
				log.Error("monitoring: sweep failed", zap.Error(err))
				continue
			}
			if res.TimedOut > 0 {
				log.Info("monitoring: sweep complete",
					zap.Int("timed_out", res.TimedOut),
					zap.Int("requeued", res.Requeued),
					zap.Int("failed", res.Failed),
				)
			}
		}
	}
}

// Sweep times out in-progress jobs older than the timeout, then retries or
// fails them. Jobs left in timeout by an earlier failed requeue are retried
// too.
func (m *Monitor) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := m.nowFunc().UTC()

	running, err := m.store.ListJobs(ctx, store.JobFilter{Status: model.JobStatusInProgress, Limit: sweepLimit})
	if err != nil {
		return res, eris.Wrap(err, "monitoring: list in-progress jobs")
	}
	stuck, err := m.store.ListJobs(ctx, store.JobFilter{Status: model.JobStatusTimeout, Limit: sweepLimit})
	if err != nil {
		return res, eris.Wrap(err, "monitoring: list timed-out jobs")
	}

	for i := range running {
		job := &running[i]
		if job.Age(now) <= m.timeout {
			continue
		}
		job.Status = model.JobStatusTimeout
		job.LastMode = job.Mode
		job.LastError = fmt.Sprintf("no quote after %s", m.timeout)
		job.UpdatedAt = now
		if err := m.store.UpdateJob(ctx, job); err != nil {
			zap.L().Warn("monitoring: mark timeout failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		res.TimedOut++
		m.notifier.Alert(ctx, model.Alert{
			Kind:        model.AlertTimeout,
			JobID:       job.ID,
			CandidateID: job.CandidateID,
			Message:     fmt.Sprintf("no quote in mode %s after %s (attempt %d of %d)", job.Mode, m.timeout, job.Attempt, job.MaxAttempts),
			Timestamp:   now,
		})
		stuck = append(stuck, *job)
	}

	for i := range stuck {
		job := &stuck[i]
		if !job.CanRetry() {
			if err := m.Fail(ctx, job, job.LastError); err != nil {
				zap.L().Warn("monitoring: fail job", zap.String("job_id", job.ID), zap.Error(err))
				continue
			}
			res.Failed++
			continue
		}
		if err := m.retry(ctx, job, now); err != nil {
			zap.L().Warn("monitoring: requeue failed, will retry next sweep",
				zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		res.Requeued++
	}
	return res, nil
}

func (m *Monitor) retry(ctx context.Context, job *model.FulfillmentJob, now time.Time) error {
	job.Attempt++
	job.Status = model.JobStatusPending
	job.StartedAt = nil
	job.UpdatedAt = now
	if err := m.store.UpdateJob(ctx, job); err != nil {
		return eris.Wrapf(err, "monitoring: update job %s", job.ID)
	}
	if err := m.requeuer.Requeue(ctx, job); err != nil {
		job.Attempt--
		job.Status = model.JobStatusTimeout
		if uerr := m.store.UpdateJob(ctx, job); uerr != nil {
			zap.L().Warn("monitoring: restore timeout state", zap.String("job_id", job.ID), zap.Error(uerr))
		}
		return eris.Wrapf(err, "monitoring: requeue job %s", job.ID)
	}
	return nil
}

// Fail marks the job failed, tells the requester and operators, and raises
// a degradation alert when the candidate reaches the failure threshold.
func (m *Monitor) Fail(ctx context.Context, job *model.FulfillmentJob, reason string) error {
	now := m.nowFunc().UTC()
	job.Status = model.JobStatusFailed
	if job.LastMode == "" {
		job.LastMode = job.Mode
	}
	job.LastError = reason
	job.UpdatedAt = now
	if err := m.store.UpdateJob(ctx, job); err != nil {
		return eris.Wrapf(err, "monitoring: update job %s", job.ID)
	}

	m.notifier.Progress(ctx, model.ProgressEvent{
		Stage:       model.StageFailed,
		RequesterID: job.RequesterID,
		RequestID:   job.RequestID,
		CandidateID: job.CandidateID,
		Message:     fmt.Sprintf("no quote after %d attempts (last mode %s)", job.Attempt, job.LastMode),
		Timestamp:   now,
	})
	m.notifier.Alert(ctx, model.Alert{
		Kind:        model.AlertFailed,
		JobID:       job.ID,
		CandidateID: job.CandidateID,
		Message:     fmt.Sprintf("fulfillment failed after %d attempts: %s", job.Attempt, reason),
		Timestamp:   now,
	})

	if alert, ok := m.tracker.Degraded(job, now); ok {
		m.notifier.Alert(ctx, alert)
	}
	return nil
}
