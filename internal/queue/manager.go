package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/quote-engine/internal/config"
	"github.com/sells-group/quote-engine/internal/resilience"
)

// Handler processes one job. Returning an input error fails the job without
// retrying it.
type Handler func(ctx context.Context, job *Job) error

// Options configures one queue.
type Options struct {
	Retries     int
	Backoff     resilience.Backoff
	Concurrency int
	HistorySize int
	JobTimeout  time.Duration
}

// OptionsFromConfig converts a config.QueueConfig.
func OptionsFromConfig(c config.QueueConfig) Options {
	return Options{
		Retries:     c.Retries,
		Backoff:     resilience.BackoffFromMillis(c.InitialBackoffMs, c.MaxBackoffMs, c.Multiplier),
		Concurrency: c.Concurrency,
		HistorySize: c.HistorySize,
		JobTimeout:  time.Duration(c.JobTimeoutSecs) * time.Second,
	}
}

func (o Options) withDefaults() Options {
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 100
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 2 * time.Minute
	}
	return o
}

// lease is how long a claimed job may stay running before another worker
// may take it over. Handlers are cancelled at JobTimeout, so anything still
// running a minute later belongs to a dead worker.
func (o Options) lease() time.Duration {
	return o.JobTimeout + time.Minute
}

type registration struct {
	opts    Options
	handler Handler
}

// EnqueueOption adjusts a single enqueue.
type EnqueueOption func(*Job)

// RunAt delays the job until t.
func RunAt(t time.Time) EnqueueOption {
	return func(j *Job) { j.RunAt = t }
}

// Manager owns the registered queues and their worker pools.
type Manager struct {
	backend Backend
	poll    time.Duration

	mu     sync.RWMutex
	queues map[Name]registration

	nowFunc func() time.Time
}

// ManagerOption configures NewManager.
type ManagerOption func(*Manager)

// WithClock replaces the wall clock used for run_at, retry and lease times.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.nowFunc = now }
}

// NewManager creates a Manager polling backend every poll interval when idle.
func NewManager(backend Backend, poll time.Duration, opts ...ManagerOption) *Manager {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	m := &Manager{
		backend: backend,
		poll:    poll,
		queues:  make(map[Name]registration),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register attaches a handler and options to a queue. It must be called
// before Run.
func (m *Manager) Register(name Name, opts Options, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[name] = registration{opts: opts.withDefaults(), handler: h}
}

func (m *Manager) registration(name Name) (registration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.queues[name]
	return r, ok
}

// Enqueue adds a job keyed by key. If a job with the same key is queued or
// running, its ID is returned and nothing is added. Backend failures are
// reported as systemic errors.
func (m *Manager) Enqueue(ctx context.Context, name Name, key string, payload any, opts ...EnqueueOption) (string, error) {
	reg, ok := m.registration(name)
	if !ok {
		return "", eris.Errorf("queue: %s is not registered", name)
	}
	if key == "" {
		return "", resilience.Inputf("key", "empty idempotency key for queue %s", name)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", resilience.NewInputError("payload", err)
	}

	now := m.nowFunc().UTC()
	job := &Job{
		Queue:       name,
		Key:         key,
		Payload:     raw,
		MaxAttempts: reg.opts.Retries + 1,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, o := range opts {
		o(job)
	}

	id, created, err := m.backend.Enqueue(ctx, job)
	if err != nil {
		return "", resilience.NewSystemicError("queue", err)
	}
	if !created {
		zap.L().Debug("queue: duplicate enqueue collapsed",
			zap.String("queue", string(name)),
			zap.String("key", key),
			zap.String("job_id", id),
		)
	}
	return id, nil
}

// Run starts every registered queue's workers and blocks until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.RLock()
	names := make([]Name, 0, len(m.queues))
	for n := range m.queues {
		names = append(names, n)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		reg, _ := m.registration(name)
		for i := 0; i < reg.opts.Concurrency; i++ {
			g.Go(func() error {
				m.work(gctx, name, i)
				return nil
			})
		}
		zap.L().Info("queue: workers started",
			zap.String("queue", string(name)),
			zap.Int("concurrency", reg.opts.Concurrency),
		)
	}
	return g.Wait()
}

func (m *Manager) work(ctx context.Context, name Name, worker int) {
	log := zap.L().With(zap.String("component", "queue"), zap.String("queue", string(name)), zap.Int("worker", worker))
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := m.ProcessOne(ctx, name)
		if err != nil {
			log.Warn("queue: process failed", zap.Error(err))
		}
		if processed {
			continue
		}
		t := time.NewTimer(m.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// ProcessOne claims and runs a single ready job. It reports whether a job was
// claimed.
func (m *Manager) ProcessOne(ctx context.Context, name Name) (bool, error) {
	reg, ok := m.registration(name)
	if !ok {
		return false, eris.Errorf("queue: %s is not registered", name)
	}

	now := m.nowFunc().UTC()
	job, err := m.backend.Claim(ctx, name, now, now.Add(-reg.opts.lease()))
	if err != nil {
		return false, resilience.NewSystemicError("queue", err)
	}
	if job == nil {
		return false, nil
	}

	herr := m.invoke(ctx, reg, job)
	job.UpdatedAt = m.nowFunc().UTC()

	if herr == nil {
		return true, m.backend.Complete(ctx, job, reg.opts.HistorySize)
	}

	log := zap.L().With(
		zap.String("queue", string(name)),
		zap.String("job_id", job.ID),
		zap.String("key", job.Key),
		zap.Int("attempt", job.Attempt),
		zap.Error(herr),
	)

	var snooze *SnoozeError
	if errors.As(herr, &snooze) {
		runAt := job.UpdatedAt.Add(snooze.Delay)
		log.Debug("queue: job snoozed", zap.Time("run_at", runAt))
		return true, m.backend.Snooze(ctx, job, snooze.Reason, runAt)
	}

	if resilience.IsInput(herr) || job.Attempt >= job.MaxAttempts {
		log.Warn("queue: job failed")
		return true, m.backend.Fail(ctx, job, herr.Error(), nil, reg.opts.HistorySize)
	}

	retryAt := m.nowFunc().UTC().Add(reg.opts.Backoff.Delay(job.Attempt - 1))
	log.Info("queue: job will retry", zap.Time("retry_at", retryAt))
	return true, m.backend.Fail(ctx, job, herr.Error(), &retryAt, reg.opts.HistorySize)
}

func (m *Manager) invoke(ctx context.Context, reg registration, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("queue: handler panic: %v", r)
		}
	}()
	hctx, cancel := context.WithTimeout(ctx, reg.opts.JobTimeout)
	defer cancel()
	return reg.handler(hctx, job)
}

// Stats returns statistics for every registered queue, ordered by name.
func (m *Manager) Stats(ctx context.Context) ([]Stats, error) {
	m.mu.RLock()
	names := make([]Name, 0, len(m.queues))
	for n := range m.queues {
		names = append(names, n)
	}
	m.mu.RUnlock()
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	out := make([]Stats, 0, len(names))
	for _, n := range names {
		s, err := m.backend.Stats(ctx, n)
		if err != nil {
			return nil, resilience.NewSystemicError("queue", err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Ping reports whether the backend is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	return m.backend.Ping(ctx)
}
