// Package agent tracks supplier-side agents, their liveness and the tasks
// waiting to be delivered to them. The Registry is the only owner of agent
// state; callers receive copies.
package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/quote-engine/internal/config"
	"github.com/sells-group/quote-engine/internal/model"
	"github.com/sells-group/quote-engine/internal/resilience"
)

// ErrUnknownAgent is returned for operations on an agent that never registered.
var ErrUnknownAgent = resilience.NewInputError("agent_id", eris.New("agent is not registered"))

// AlertSink receives offline and recovered alerts.
type AlertSink interface {
	Alert(ctx context.Context, a model.Alert)
}

// Options configures a Registry.
type Options struct {
	Window     time.Duration
	MaxPending int
	// PushRate limits PushTask calls per second across all agents. Zero
	// disables the limit.
	PushRate float64
}

// OptionsFromConfig converts config.AgentConfig.
func OptionsFromConfig(c config.AgentConfig) Options {
	return Options{
		Window:     time.Duration(c.LivenessWindowSecs) * time.Second,
		MaxPending: c.MaxPendingTasks,
		PushRate:   c.PushRatePerSec,
	}
}

// DeriveState computes an agent's state from its last heartbeat.
func DeriveState(now time.Time, last *time.Time, window time.Duration) model.AgentState {
	if last == nil {
		return model.AgentRegistered
	}
	if now.Sub(*last) <= window {
		return model.AgentOnline
	}
	return model.AgentOffline
}

// Registry holds every known agent. Stored state on each agent is the last
// state the sweep or a heartbeat committed; reads always derive the current
// state from the heartbeat timestamp.
type Registry struct {
	mu     sync.Mutex
	agents map[string]*model.Agent

	opts    Options
	limiter *rate.Limiter
	alerts  AlertSink
	nowFunc func() time.Time
}

// NewRegistry creates an empty Registry. alerts may be nil.
func NewRegistry(opts Options, alerts AlertSink) *Registry {
	if opts.Window <= 0 {
		opts.Window = 3 * time.Minute
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 50
	}
	r := &Registry{
		agents:  make(map[string]*model.Agent),
		opts:    opts,
		alerts:  alerts,
		nowFunc: time.Now,
	}
	if opts.PushRate > 0 {
		burst := int(opts.PushRate)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(opts.PushRate), burst)
	}
	return r
}

// Register adds or refreshes an agent. Re-registration replaces the
// capabilities and keeps pending tasks and the last heartbeat.
func (r *Registry) Register(agentID, candidateID string, caps []model.Capability) (model.Agent, error) {
	if agentID == "" {
		return model.Agent{}, resilience.Inputf("agent_id", "required")
	}
	if candidateID == "" {
		return model.Agent{}, resilience.Inputf("candidate_id", "required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFunc().UTC()
	a, ok := r.agents[agentID]
	if !ok {
		a = &model.Agent{
			ID:           agentID,
			State:        model.AgentRegistered,
			RegisteredAt: now,
		}
		r.agents[agentID] = a
	}
	a.CandidateID = candidateID
	a.Capabilities = append([]model.Capability(nil), caps...)

	zap.L().Info("agent: registered",
		zap.String("agent_id", agentID),
		zap.String("candidate_id", candidateID),
		zap.Int("capabilities", len(caps)),
	)
	return r.view(a, now), nil
}

// Heartbeat records liveness, prunes completed tasks and returns the tasks
// not yet handed to the agent. A heartbeat after a committed offline state
// emits a recovered alert.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, stats model.AgentStats, completed []string) ([]model.AgentTask, error) {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrUnknownAgent
	}

	now := r.nowFunc().UTC()
	a.LastHeartbeat = &now
	a.Stats = stats
	prune(a, completed)

	recovered := a.State == model.AgentOffline
	a.State = model.AgentOnline

	var out []model.AgentTask
	for i := range a.Pending {
		if !a.Pending[i].Delivered {
			a.Pending[i].Delivered = true
			out = append(out, a.Pending[i])
		}
	}
	candidateID := a.CandidateID
	r.mu.Unlock()

	if recovered {
		zap.L().Info("agent: recovered", zap.String("agent_id", agentID))
		r.emit(ctx, model.Alert{
			Kind:        model.AlertRecovered,
			AgentID:     agentID,
			CandidateID: candidateID,
			Message:     "agent " + agentID + " is back online",
			Timestamp:   now,
		})
	}
	return out, nil
}

// Acknowledge removes a task from the agent's pending list.
func (r *Registry) Acknowledge(agentID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}
	prune(a, []string{taskID})
	return nil
}

// CompleteTask removes taskID from whichever agent holds it. It reports
// whether a task was found.
func (r *Registry) CompleteTask(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents {
		before := len(a.Pending)
		prune(a, []string{taskID})
		if len(a.Pending) != before {
			return true
		}
	}
	return false
}

// PushTask queues task on an agent serving candidateID. It returns true only
// if such an agent is online at call time and the push was accepted.
func (r *Registry) PushTask(candidateID string, task model.AgentTask) bool {
	if r.limiter != nil && !r.limiter.Allow() {
		zap.L().Warn("agent: push throttled", zap.String("candidate_id", candidateID), zap.String("task_id", task.ID))
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFunc().UTC()
	a := r.onlineFor(candidateID, now)
	if a == nil {
		return false
	}

	for _, p := range a.Pending {
		if p.ID == task.ID {
			return true
		}
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.Delivered = false
	a.Pending = append(a.Pending, task)
	if over := len(a.Pending) - r.opts.MaxPending; over > 0 {
		zap.L().Warn("agent: pending list full, dropping oldest",
			zap.String("agent_id", a.ID),
			zap.Int("dropped", over),
		)
		a.Pending = append([]model.AgentTask(nil), a.Pending[over:]...)
	}
	return true
}

// onlineFor returns the most recently seen online agent for candidateID.
// Callers hold r.mu.
func (r *Registry) onlineFor(candidateID string, now time.Time) *model.Agent {
	var best *model.Agent
	for _, a := range r.agents {
		if a.CandidateID != candidateID {
			continue
		}
		if DeriveState(now, a.LastHeartbeat, r.opts.Window) != model.AgentOnline {
			continue
		}
		if best == nil || a.LastHeartbeat.After(*best.LastHeartbeat) ||
			(a.LastHeartbeat.Equal(*best.LastHeartbeat) && a.ID < best.ID) {
			best = a
		}
	}
	return best
}

// IsOnline reports whether any agent serving candidateID is online now.
func (r *Registry) IsOnline(candidateID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onlineFor(candidateID, r.nowFunc().UTC()) != nil
}

// HasRegistered reports whether an agent was ever registered for candidateID.
func (r *Registry) HasRegistered(candidateID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents {
		if a.CandidateID == candidateID {
			return true
		}
	}
	return false
}

// Status returns a copy of one agent with its derived state.
func (r *Registry) Status(agentID string) (model.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return model.Agent{}, ErrUnknownAgent
	}
	return r.view(a, r.nowFunc().UTC()), nil
}

// List returns every agent with its derived state, ordered by ID.
func (r *Registry) List() []model.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.nowFunc().UTC()
	out := make([]model.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, r.view(a, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sweep commits online to offline for agents whose heartbeat has lapsed and
// emits one offline alert per transition. It returns the alerts raised.
func (r *Registry) Sweep(ctx context.Context) []model.Alert {
	r.mu.Lock()
	now := r.nowFunc().UTC()
	var alerts []model.Alert
	for _, a := range r.agents {
		if a.State != model.AgentOnline {
			continue
		}
		if DeriveState(now, a.LastHeartbeat, r.opts.Window) != model.AgentOffline {
			continue
		}
		a.State = model.AgentOffline
		alerts = append(alerts, model.Alert{
			Kind:        model.AlertOffline,
			AgentID:     a.ID,
			CandidateID: a.CandidateID,
			Message:     "agent " + a.ID + " missed heartbeats since " + a.LastHeartbeat.Format(time.RFC3339),
			Timestamp:   now,
		})
	}
	r.mu.Unlock()

	sort.Slice(alerts, func(i, j int) bool { return alerts[i].AgentID < alerts[j].AgentID })
	for _, al := range alerts {
		zap.L().Warn("agent: offline", zap.String("agent_id", al.AgentID), zap.String("candidate_id", al.CandidateID))
		r.emit(ctx, al)
	}
	return alerts
}

// Snapshot returns copies of every agent with stored (not derived) state,
// suitable for persistence.
func (r *Registry) Snapshot() []model.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, clone(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore loads a persisted snapshot, replacing nothing that is already
// registered.
func (r *Registry) Restore(agents []model.Agent) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range agents {
		if agents[i].ID == "" {
			continue
		}
		if _, ok := r.agents[agents[i].ID]; ok {
			continue
		}
		a := clone(&agents[i])
		if len(a.Pending) > r.opts.MaxPending {
			a.Pending = a.Pending[len(a.Pending)-r.opts.MaxPending:]
		}
		r.agents[a.ID] = &a
		n++
	}
	return n
}

func (r *Registry) view(a *model.Agent, now time.Time) model.Agent {
	out := clone(a)
	out.State = DeriveState(now, a.LastHeartbeat, r.opts.Window)
	return out
}

func (r *Registry) emit(ctx context.Context, al model.Alert) {
	if r.alerts != nil {
		r.alerts.Alert(ctx, al)
	}
}

func clone(a *model.Agent) model.Agent {
	out := *a
	out.Capabilities = append([]model.Capability(nil), a.Capabilities...)
	out.Pending = append([]model.AgentTask(nil), a.Pending...)
	if a.LastHeartbeat != nil {
		t := *a.LastHeartbeat
		out.LastHeartbeat = &t
	}
	return out
}

func prune(a *model.Agent, ids []string) {
	if len(ids) == 0 || len(a.Pending) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := a.Pending[:0]
	for _, t := range a.Pending {
		if _, ok := drop[t.ID]; !ok {
			kept = append(kept, t)
		}
	}
	a.Pending = kept
}
