package monitoring

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/quote-engine/internal/config"
	"github.com/sells-group/quote-engine/internal/model"
	"github.com/sells-group/quote-engine/internal/queue"
	"github.com/sells-group/quote-engine/internal/store"
)

// memJobs is an in-memory JobStore.
type memJobs struct {
	mu      sync.Mutex
	jobs    map[string]model.FulfillmentJob
	listErr error
}

func newMemJobs(jobs ...model.FulfillmentJob) *memJobs {
	m := &memJobs{jobs: make(map[string]model.FulfillmentJob)}
	for _, j := range jobs {
		m.jobs[j.ID] = j
	}
	return m
}

func (m *memJobs) ListJobs(_ context.Context, f store.JobFilter) ([]model.FulfillmentJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []model.FulfillmentJob
	for _, j := range m.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (m *memJobs) UpdateJob(_ context.Context, j *model.FulfillmentJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = *j
	return nil
}

func (m *memJobs) get(id string) model.FulfillmentJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id]
}

type fakeRequeuer struct {
	mu   sync.Mutex
	jobs []model.FulfillmentJob
	err  error
}

func (f *fakeRequeuer) Requeue(_ context.Context, j *model.FulfillmentJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, *j)
	return nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	progress []model.ProgressEvent
	alerts   []model.Alert
}

func (r *recordingNotifier) Progress(_ context.Context, ev model.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, ev)
}

func (r *recordingNotifier) Alert(_ context.Context, a model.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *recordingNotifier) kinds() []model.AlertKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.AlertKind
	for _, a := range r.alerts {
		out = append(out, a.Kind)
	}
	return out
}

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func inProgress(id, candidate string, started time.Time, attempt int) model.FulfillmentJob {
	return model.FulfillmentJob{
		ID: id, RequestID: "r1", CandidateID: candidate, RequesterID: "u1",
		Mode: model.ModeAgentDispatch, Status: model.JobStatusInProgress,
		Attempt: attempt, MaxAttempts: 3, StartedAt: &started, CreatedAt: started, UpdatedAt: started,
	}
}

func newTestMonitor(st JobStore, rq Requeuer, n Notifier, now *time.Time) *Monitor {
	m := NewMonitor(st, rq, n, config.MonitorConfig{})
	m.nowFunc = func() time.Time { return *now }
	return m
}

func TestSweep_TimesOutAndRequeues(t *testing.T) {
	now := t0
	st := newMemJobs(
		inProgress("old", "c1", t0.Add(-31*time.Minute), 1),
		inProgress("fresh", "c2", t0.Add(-29*time.Minute), 1),
	)
	rq := &fakeRequeuer{}
	n := &recordingNotifier{}
	m := newTestMonitor(st, rq, n, &now)

	res, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{TimedOut: 1, Requeued: 1}, res)

	require.Len(t, rq.jobs, 1)
	assert.Equal(t, "old", rq.jobs[0].ID)
	assert.Equal(t, 2, rq.jobs[0].Attempt)
	assert.Equal(t, model.ModeAgentDispatch, rq.jobs[0].Mode, "same mode on retry")

	old := st.get("old")
	assert.Equal(t, model.JobStatusPending, old.Status)
	assert.Equal(t, 2, old.Attempt)
	assert.Nil(t, old.StartedAt)
	assert.Equal(t, model.JobStatusInProgress, st.get("fresh").Status)
	assert.Equal(t, []model.AlertKind{model.AlertTimeout}, n.kinds())
	assert.Equal(t, "old", n.alerts[0].JobID)
	assert.Contains(t, n.alerts[0].Message, "agent_dispatch")
}

func TestSweep_FailsAtMaxAttempts(t *testing.T) {
	now := t0
	st := newMemJobs(inProgress("j", "c1", t0.Add(-time.Hour), 3))
	rq := &fakeRequeuer{}
	n := &recordingNotifier{}
	m := newTestMonitor(st, rq, n, &now)

	res, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{TimedOut: 1, Failed: 1}, res)
	assert.Empty(t, rq.jobs)

	j := st.get("j")
	assert.Equal(t, model.JobStatusFailed, j.Status)
	assert.Equal(t, model.ModeAgentDispatch, j.LastMode)
	assert.Contains(t, j.LastError, "no quote after")

	assert.Equal(t, []model.AlertKind{model.AlertTimeout, model.AlertFailed}, n.kinds())
	require.Len(t, n.progress, 1)
	assert.Equal(t, model.StageFailed, n.progress[0].Stage)
	assert.Equal(t, "u1", n.progress[0].RequesterID)
}

func TestSweep_RequeueFailureLeavesTimeoutForNextSweep(t *testing.T) {
	now := t0
	st := newMemJobs(inProgress("j", "c1", t0.Add(-time.Hour), 1))
	rq := &fakeRequeuer{err: errors.New("queue down")}
	n := &recordingNotifier{}
	m := newTestMonitor(st, rq, n, &now)

	res, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{TimedOut: 1}, res)
	j := st.get("j")
	assert.Equal(t, model.JobStatusTimeout, j.Status)
	assert.Equal(t, 1, j.Attempt)

	rq.err = nil
	res, err = m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Requeued: 1}, res)
	assert.Equal(t, 2, st.get("j").Attempt)
	assert.Equal(t, []model.AlertKind{model.AlertTimeout}, n.kinds(), "one alert per timeout transition")
}

func TestSweep_ListError(t *testing.T) {
	now := t0
	st := newMemJobs()
	st.listErr = errors.New("db gone")
	_, err := newTestMonitor(st, &fakeRequeuer{}, &recordingNotifier{}, &now).Sweep(context.Background())
	assert.ErrorContains(t, err, "monitoring: list in-progress jobs")
}

func TestFail_DegradedAlertExactlyOnThirdFailure(t *testing.T) {
	now := t0
	st := newMemJobs()
	n := &recordingNotifier{}
	m := newTestMonitor(st, &fakeRequeuer{}, n, &now)

	for i := 0; i < 4; i++ {
		job := inProgress("j"+string(rune('a'+i)), "c1", now, 3)
		require.NoError(t, m.Fail(context.Background(), &job, "boom"))
		now = now.Add(10 * time.Minute)
	}

	degraded := 0
	for _, k := range n.kinds() {
		if k == model.AlertDegraded {
			degraded++
		}
	}
	assert.Equal(t, 1, degraded, "one degradation alert for the streak")
	assert.Equal(t, "jc", n.alerts[len(n.alerts)-2].JobID, "raised on the third failure")
}

func TestFail_SuccessResetsStreak(t *testing.T) {
	now := t0
	n := &recordingNotifier{}
	m := newTestMonitor(newMemJobs(), &fakeRequeuer{}, n, &now)

	fail := func(id string) {
		job := inProgress(id, "c1", now, 3)
		require.NoError(t, m.Fail(context.Background(), &job, "boom"))
	}
	fail("a")
	fail("b")
	m.Tracker().RecordSuccess("c1")
	fail("c")
	fail("d")
	assert.NotContains(t, n.kinds(), model.AlertDegraded)

	fail("e")
	assert.Contains(t, n.kinds(), model.AlertDegraded)
}

func TestRun_StopsOnCancel(t *testing.T) {
	m := NewMonitor(newMemJobs(), &fakeRequeuer{}, &recordingNotifier{}, config.MonitorConfig{SweepIntervalSecs: 1})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Monitor.Run did not stop after context cancellation")
	}
}

func TestNewMonitor_Defaults(t *testing.T) {
	m := NewMonitor(newMemJobs(), &fakeRequeuer{}, &recordingNotifier{}, config.MonitorConfig{})
	assert.Equal(t, 5*time.Minute, m.interval)
	assert.Equal(t, 30*time.Minute, m.timeout)
	assert.Equal(t, 3, m.tracker.threshold)
	assert.Equal(t, time.Hour, m.tracker.window)
}

func TestFailureTracker_Window(t *testing.T) {
	tr := NewFailureTracker(3, time.Hour)
	assert.False(t, tr.RecordFailure("c1", t0))
	assert.False(t, tr.RecordFailure("c1", t0.Add(30*time.Minute)))
	// The first failure has left the window.
	assert.False(t, tr.RecordFailure("c1", t0.Add(61*time.Minute)))
	assert.Equal(t, 2, tr.Streak("c1", t0.Add(61*time.Minute)))
	assert.True(t, tr.RecordFailure("c1", t0.Add(70*time.Minute)))
	assert.False(t, tr.RecordFailure("c1", t0.Add(71*time.Minute)))

	assert.False(t, tr.RecordFailure("c2", t0), "candidates are tracked separately")
}

type fakeStats struct {
	stats []queue.Stats
	err   error
}

func (f fakeStats) Stats(context.Context) ([]queue.Stats, error) { return f.stats, f.err }

func TestCollector_CollectSnapshot(t *testing.T) {
	job := func(id string, status model.JobStatus, mode model.JobMode, created time.Time) model.FulfillmentJob {
		return model.FulfillmentJob{ID: id, Status: status, Mode: mode, CreatedAt: created}
	}
	st := newMemJobs(
		job("a", model.JobStatusFulfilled, model.ModeDirectSource, t0.Add(-time.Hour)),
		job("b", model.JobStatusFulfilled, model.ModeAgentDispatch, t0.Add(-2*time.Hour)),
		job("c", model.JobStatusFailed, model.ModeAgentDispatch, t0.Add(-3*time.Hour)),
		job("d", model.JobStatusPending, model.ModeManual, t0.Add(-4*time.Hour)),
		job("old", model.JobStatusFailed, model.ModeManual, t0.Add(-48*time.Hour)),
	)
	c := NewCollector(st, fakeStats{stats: []queue.Stats{{Queue: queue.Fulfillment, Queued: 2}}})
	c.nowFunc = func() time.Time { return t0 }

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.Jobs)
	assert.Equal(t, 2, snap.ByStatus[model.JobStatusFulfilled])
	assert.Equal(t, 2, snap.ByMode[model.ModeAgentDispatch])
	assert.InDelta(t, 1.0/3, snap.FailRate, 0.001)
	require.Len(t, snap.Queues, 1)
	assert.Equal(t, 2, snap.Queues[0].Queued)
}

func TestCollector_ErrorMessages(t *testing.T) {
	st := newMemJobs()
	st.listErr = errors.New("boom")
	_, err := NewCollector(st, nil).Collect(context.Background(), 24)
	assert.ErrorContains(t, err, "monitoring: list jobs")

	_, err = NewCollector(newMemJobs(), fakeStats{err: errors.New("down")}).Collect(context.Background(), 24)
	assert.ErrorContains(t, err, "monitoring: queue stats")
}
