package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBackend is an in-process Backend for sqlite/local runs and tests.
type MemoryBackend struct {
	mu      sync.Mutex
	jobs    map[string]*Job // queued and running
	active  map[string]string
	history map[Name]map[State][]Job
	down    error
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		jobs:    make(map[string]*Job),
		active:  make(map[string]string),
		history: make(map[Name]map[State][]Job),
	}
}

// SetUnavailable makes every call fail with err (nil restores service).
func (b *MemoryBackend) SetUnavailable(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = err
}

func activeKey(q Name, key string) string { return string(q) + "|" + key }

func (b *MemoryBackend) Enqueue(_ context.Context, job *Job) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down != nil {
		return "", false, b.down
	}

	ak := activeKey(job.Queue, job.Key)
	if id, ok := b.active[ak]; ok {
		return id, false, nil
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	j := *job
	j.State = StateQueued
	b.jobs[j.ID] = &j
	b.active[ak] = j.ID
	return j.ID, true, nil
}

func (b *MemoryBackend) Claim(_ context.Context, queue Name, now, staleBefore time.Time) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down != nil {
		return nil, b.down
	}

	var ready []*Job
	for _, j := range b.jobs {
		if j.Queue != queue {
			continue
		}
		queued := j.State == StateQueued && !j.RunAt.After(now)
		abandoned := j.State == StateRunning && j.UpdatedAt.Before(staleBefore)
		if queued || abandoned {
			ready = append(ready, j)
		}
	}
	if len(ready) == 0 {
		return nil, nil
	}
	sort.Slice(ready, func(i, k int) bool {
		if !ready[i].RunAt.Equal(ready[k].RunAt) {
			return ready[i].RunAt.Before(ready[k].RunAt)
		}
		return ready[i].CreatedAt.Before(ready[k].CreatedAt)
	})

	j := ready[0]
	j.State = StateRunning
	j.Attempt++
	j.UpdatedAt = now
	out := *j
	return &out, nil
}

func (b *MemoryBackend) Complete(_ context.Context, job *Job, keep int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down != nil {
		return b.down
	}
	b.finish(job, StateCompleted, "", keep)
	return nil
}

func (b *MemoryBackend) Fail(_ context.Context, job *Job, reason string, retryAt *time.Time, keep int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down != nil {
		return b.down
	}
	if retryAt != nil {
		if j, ok := b.jobs[job.ID]; ok {
			j.State = StateQueued
			j.RunAt = *retryAt
			j.LastError = reason
		}
		return nil
	}
	b.finish(job, StateFailed, reason, keep)
	return nil
}

func (b *MemoryBackend) Snooze(_ context.Context, job *Job, reason string, runAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down != nil {
		return b.down
	}
	if j, ok := b.jobs[job.ID]; ok {
		j.State = StateQueued
		j.RunAt = runAt
		j.LastError = reason
		j.UpdatedAt = job.UpdatedAt
		if j.Attempt > 0 {
			j.Attempt--
		}
	}
	return nil
}

func (b *MemoryBackend) finish(job *Job, state State, reason string, keep int) {
	j, ok := b.jobs[job.ID]
	if !ok {
		return
	}
	delete(b.jobs, job.ID)
	delete(b.active, activeKey(j.Queue, j.Key))

	j.State = state
	j.LastError = reason
	j.UpdatedAt = job.UpdatedAt

	if b.history[j.Queue] == nil {
		b.history[j.Queue] = make(map[State][]Job)
	}
	h := append(b.history[j.Queue][state], *j)
	if keep > 0 && len(h) > keep {
		h = h[len(h)-keep:]
	}
	b.history[j.Queue][state] = h
}

func (b *MemoryBackend) Stats(_ context.Context, queue Name) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down != nil {
		return Stats{}, b.down
	}
	s := Stats{Queue: queue}
	for _, j := range b.jobs {
		if j.Queue != queue {
			continue
		}
		switch j.State {
		case StateQueued:
			s.Queued++
		case StateRunning:
			s.Running++
		}
	}
	s.Completed = newestFirst(b.history[queue][StateCompleted])
	s.Failed = newestFirst(b.history[queue][StateFailed])
	return s, nil
}

func newestFirst(h []Job) []Job {
	out := make([]Job, len(h))
	for i, j := range h {
		out[len(h)-1-i] = j
	}
	return out
}

func (b *MemoryBackend) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.down
}
