// Package orchestrator ties scoring, data sources, agents and queues into the
// match-and-fulfill flow. For every selected candidate it tries the data
// sources inline, falls back to agent dispatch through the fulfillment queue,
// and escalates to manual handling when neither path can proceed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/quote-engine/internal/config"
	"github.com/sells-group/quote-engine/internal/model"
	"github.com/sells-group/quote-engine/internal/monitoring"
	"github.com/sells-group/quote-engine/internal/queue"
	"github.com/sells-group/quote-engine/internal/resilience"
	"github.com/sells-group/quote-engine/internal/scorer"
	"github.com/sells-group/quote-engine/internal/store"
	"github.com/sells-group/quote-engine/internal/waterfall"
	"github.com/sells-group/quote-engine/internal/waterfall/provider"
	"github.com/sells-group/quote-engine/pkg/embedding"
)

// Sources prices a candidate through the adapter fallback chain.
type Sources interface {
	FetchWithFallback(ctx context.Context, p provider.FetchParams) (*waterfall.Result, error)
	WriteBack(ctx context.Context, p provider.FetchParams, offer *model.QuoteOffer, source string) int
}

// Agents is the part of the agent registry the orchestrator uses.
type Agents interface {
	PushTask(candidateID string, task model.AgentTask) bool
	HasRegistered(candidateID string) bool
	CompleteTask(taskID string) bool
}

// Enqueuer adds jobs to the named queues.
type Enqueuer interface {
	Enqueue(ctx context.Context, name queue.Name, key string, payload any, opts ...queue.EnqueueOption) (string, error)
}

// Options tunes the fulfillment flow.
type Options struct {
	InlineTimeout time.Duration
	MaxAttempts   int
	Deadline      time.Duration
	Concurrency   int
	Park          time.Duration
}

// OptionsFromConfig converts config.OrchestratorConfig.
func OptionsFromConfig(c config.OrchestratorConfig) Options {
	return Options{
		InlineTimeout: time.Duration(c.InlineTimeoutSecs) * time.Second,
		MaxAttempts:   c.MaxAttempts,
		Deadline:      time.Duration(c.DeadlineMins) * time.Minute,
		Concurrency:   c.Concurrency,
		Park:          time.Duration(c.ParkSecs) * time.Second,
	}
}

func (o Options) withDefaults() Options {
	if o.InlineTimeout <= 0 {
		o.InlineTimeout = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Deadline <= 0 {
		o.Deadline = 2 * time.Hour
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.Park <= 0 {
		o.Park = time.Minute
	}
	return o
}

// Deps are the collaborators of an Orchestrator. Embedder may be nil when
// no embedding API is configured.
type Deps struct {
	Store    store.Store
	Scorer   *scorer.Scorer
	Sources  Sources
	Agents   Agents
	Queue    Enqueuer
	Notifier monitoring.Notifier
	Tracker  *monitoring.FailureTracker
	Monitor  *monitoring.Monitor
	Quotes   *provider.QuoteBook
	Embedder embedding.Client
}

// Orchestrator runs the match-and-fulfill flow.
type Orchestrator struct {
	Deps
	opts    Options
	nowFunc func() time.Time
	log     *zap.Logger
}

// New creates an Orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if deps.Tracker == nil {
		if deps.Monitor != nil {
			deps.Tracker = deps.Monitor.Tracker()
		} else {
			deps.Tracker = monitoring.NewFailureTracker(0, 0)
		}
	}
	if deps.Quotes == nil {
		deps.Quotes = provider.NewQuoteBook()
	}
	return &Orchestrator{
		Deps:    deps,
		opts:    opts.withDefaults(),
		nowFunc: time.Now,
		log:     zap.L().With(zap.String("component", "orchestrator")),
	}
}

func (o *Orchestrator) now() time.Time { return o.nowFunc().UTC() }

// CandidateOutcome reports what happened to one selected candidate.
type CandidateOutcome struct {
	CandidateID string        `json:"candidate_id"`
	JobID       string        `json:"job_id,omitempty"`
	Mode        model.JobMode `json:"mode,omitempty"`
	Source      string        `json:"source,omitempty"`
	Pushed      bool          `json:"pushed,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Outcome is the result of Fulfill.
type Outcome struct {
	RequestID  string              `json:"request_id"`
	Matches    []model.MatchResult `json:"matches"`
	Candidates []CandidateOutcome  `json:"candidates"`
}

type matchPayload struct {
	RequestID string `json:"request_id"`
}

type jobPayload struct {
	JobID string `json:"job_id"`
}

type embedPayload struct {
	CandidateID string `json:"candidate_id"`
}

// Submit stores a request and enqueues it for matching. It returns the
// matching job ID. A queue outage is returned as a systemic error.
func (o *Orchestrator) Submit(ctx context.Context, req *model.Request) (string, error) {
	if req.DemandID == "" {
		return "", resilience.Inputf("demand_id", "demand id is required")
	}
	if req.RequesterID == "" {
		return "", resilience.Inputf("requester_id", "requester id is required")
	}
	if len(req.Embedding) == 0 {
		return "", resilience.Inputf("embedding", "request embedding is required")
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = o.now()
	}
	if err := o.Store.SaveRequest(ctx, req); err != nil {
		return "", eris.Wrap(err, "orchestrator: save request")
	}
	id, err := o.Queue.Enqueue(ctx, queue.Matching, queue.MatchKey(req.ID), matchPayload{RequestID: req.ID})
	if err != nil {
		return "", eris.Wrap(err, "orchestrator: enqueue matching")
	}
	o.log.Info("request submitted",
		zap.String("request_id", req.ID),
		zap.String("demand_id", req.DemandID),
		zap.String("job_id", id),
	)
	return id, nil
}

// Fulfill scores the candidate pool for req, replaces its match set and
// starts fulfillment for every selected candidate concurrently.
func (o *Orchestrator) Fulfill(ctx context.Context, req *model.Request) (*Outcome, error) {
	o.progress(ctx, req, "", model.StageStarted, "matching started")

	pool, err := o.Store.ListCandidates(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: list candidates")
	}
	matches, err := o.Scorer.Rank(*req, pool)
	if err != nil {
		o.progress(ctx, req, "", model.StageFailed, err.Error())
		return nil, eris.Wrap(err, "orchestrator: rank candidates")
	}
	now := o.now()
	for i := range matches {
		matches[i].CreatedAt = now
	}
	if err := o.Store.ReplaceMatchResults(ctx, req.ID, matches); err != nil {
		return nil, eris.Wrap(err, "orchestrator: save match results")
	}

	out := &Outcome{RequestID: req.ID, Matches: matches, Candidates: make([]CandidateOutcome, len(matches))}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)
	for i, m := range matches {
		g.Go(func() error {
			co, err := o.fulfillCandidate(gctx, req, m.CandidateID)
			if err != nil {
				o.log.Error("orchestrator: candidate fulfillment failed",
					zap.String("request_id", req.ID),
					zap.String("candidate_id", m.CandidateID),
					zap.Error(err),
				)
				co.Error = err.Error()
			}
			co.CandidateID = m.CandidateID
			out.Candidates[i] = co
			return nil
		})
	}
	_ = g.Wait()

	o.log.Info("request fulfilled",
		zap.String("request_id", req.ID),
		zap.Int("matches", len(matches)),
	)
	return out, nil
}

func (o *Orchestrator) params(req *model.Request, candidateID string) provider.FetchParams {
	return provider.FetchParams{
		RequestID:   req.ID,
		CandidateID: candidateID,
		Category:    req.Category,
		Quantity:    req.Quantity,
	}
}

func (o *Orchestrator) newJob(req *model.Request, candidateID string, mode model.JobMode) *model.FulfillmentJob {
	now := o.now()
	return &model.FulfillmentJob{
		ID:          uuid.New().String(),
		RequestID:   req.ID,
		CandidateID: candidateID,
		RequesterID: req.RequesterID,
		Mode:        mode,
		Status:      model.JobStatusPending,
		Attempt:     1,
		MaxAttempts: o.opts.MaxAttempts,
		Deadline:    now.Add(o.opts.Deadline),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (o *Orchestrator) fulfillCandidate(ctx context.Context, req *model.Request, candidateID string) (CandidateOutcome, error) {
	// A retried matching job must not start the pair twice.
	existing, err := o.Store.ListJobs(ctx, store.JobFilter{RequestID: req.ID, CandidateID: candidateID, Limit: 1})
	if err != nil {
		return CandidateOutcome{}, eris.Wrap(err, "orchestrator: list jobs")
	}
	if len(existing) > 0 {
		return CandidateOutcome{JobID: existing[0].ID, Mode: existing[0].Mode}, nil
	}

	p := o.params(req, candidateID)
	ictx, cancel := context.WithTimeout(ctx, o.opts.InlineTimeout)
	res, ferr := o.Sources.FetchWithFallback(ictx, p)
	cancel()

	if ferr == nil {
		job := o.newJob(req, candidateID, model.ModeDirectSource)
		winner, err := o.createJob(ctx, job)
		if err != nil {
			return CandidateOutcome{}, err
		}
		if winner != nil {
			return CandidateOutcome{JobID: winner.ID, Mode: winner.Mode}, nil
		}
		o.progress(ctx, req, candidateID, model.StageSourceFound, "price found in "+res.Source)
		if err := o.complete(ctx, job, req, res.Offer, res.Source); err != nil {
			return CandidateOutcome{JobID: job.ID, Mode: job.Mode}, err
		}
		return CandidateOutcome{JobID: job.ID, Mode: job.Mode, Source: res.Source}, nil
	}

	o.log.Info("inline sources exhausted, dispatching",
		zap.String("request_id", req.ID),
		zap.String("candidate_id", candidateID),
		zap.Error(ferr),
	)
	return o.dispatch(ctx, req, candidateID, ferr)
}

// dispatch creates an agent_dispatch job, pushes it to the candidate's agent
// when one is online and always enqueues it for fulfillment. When the queue
// is unreachable and no agent accepted the task, the job becomes manual.
func (o *Orchestrator) dispatch(ctx context.Context, req *model.Request, candidateID string, cause error) (CandidateOutcome, error) {
	job := o.newJob(req, candidateID, model.ModeAgentDispatch)
	job.LastMode = model.ModeDirectSource
	job.LastError = cause.Error()

	winner, err := o.createJob(ctx, job)
	if err != nil {
		return CandidateOutcome{}, err
	}
	if winner != nil {
		return CandidateOutcome{JobID: winner.ID, Mode: winner.Mode}, nil
	}
	pushed := o.Agents.PushTask(candidateID, o.task(job, req))
	if pushed {
		if err := o.markStarted(ctx, job); err != nil {
			return CandidateOutcome{JobID: job.ID, Mode: job.Mode}, err
		}
	}
	co := CandidateOutcome{JobID: job.ID, Mode: job.Mode, Pushed: pushed}

	_, qerr := o.Queue.Enqueue(ctx, queue.Fulfillment, queue.FulfillKey(req.ID, candidateID), jobPayload{JobID: job.ID})
	if qerr == nil {
		o.scheduleExpiry(ctx, job)
		o.progress(ctx, req, candidateID, model.StageQueued, "waiting for supplier quote")
		return co, nil
	}
	if !resilience.IsSystemic(qerr) {
		return co, eris.Wrap(qerr, "orchestrator: enqueue fulfillment")
	}

	if pushed {
		o.log.Warn("orchestrator: fulfillment queue unavailable, relying on agent",
			zap.String("job_id", job.ID), zap.Error(qerr))
		o.progress(ctx, req, candidateID, model.StageQueued, "waiting for supplier agent")
		return co, nil
	}

	reason := fmt.Sprintf("queue unavailable and no agent online: %v", qerr)
	if !o.Agents.HasRegistered(candidateID) {
		reason = fmt.Sprintf("queue unavailable and no agent registered: %v", qerr)
	}
	if err := o.toManual(ctx, job, model.JobStatusPending, reason); err != nil {
		return co, err
	}
	o.Notifier.Alert(ctx, model.Alert{
		Kind:        model.AlertDegraded,
		JobID:       job.ID,
		CandidateID: candidateID,
		Message:     fmt.Sprintf("moved to manual from %s: %s", job.LastMode, reason),
		Timestamp:   o.now(),
	})
	co.Mode = model.ModeManual
	return co, nil
}

func (o *Orchestrator) task(job *model.FulfillmentJob, req *model.Request) model.AgentTask {
	return model.AgentTask{
		ID:          job.ID,
		RequestID:   job.RequestID,
		CandidateID: job.CandidateID,
		Category:    req.Category,
		Quantity:    req.Quantity,
		CreatedAt:   o.now(),
	}
}

// markStarted moves the job to in_progress so the timeout monitor watches it.
func (o *Orchestrator) markStarted(ctx context.Context, job *model.FulfillmentJob) error {
	if job.Status == model.JobStatusInProgress && job.StartedAt != nil {
		return nil
	}
	started := o.now()
	job.Status = model.JobStatusInProgress
	job.StartedAt = &started
	job.UpdatedAt = started
	return eris.Wrapf(o.Store.UpdateJob(ctx, job), "orchestrator: start job %s", job.ID)
}

// createJob stores job. When a concurrent run already opened a job for the
// same pair, that job is returned instead and job is discarded.
func (o *Orchestrator) createJob(ctx context.Context, job *model.FulfillmentJob) (*model.FulfillmentJob, error) {
	err := o.Store.CreateJob(ctx, job)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, store.ErrActiveJobExists) {
		return nil, eris.Wrap(err, "orchestrator: create job")
	}
	jobs, lerr := o.Store.ListJobs(ctx, store.JobFilter{RequestID: job.RequestID, CandidateID: job.CandidateID})
	if lerr != nil {
		return nil, eris.Wrap(lerr, "orchestrator: load active job")
	}
	for i := range jobs {
		if !jobs[i].Status.IsTerminal() {
			return &jobs[i], nil
		}
	}
	return nil, eris.Wrapf(err, "orchestrator: create job for %s/%s", job.RequestID, job.CandidateID)
}

func (o *Orchestrator) scheduleExpiry(ctx context.Context, job *model.FulfillmentJob) {
	_, err := o.Queue.Enqueue(ctx, queue.Expiry, queue.ExpiryKey(job.ID), jobPayload{JobID: job.ID}, queue.RunAt(job.Deadline))
	if err != nil {
		o.log.Warn("orchestrator: schedule expiry failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// toManual hands the job to a human. status is pending when nothing was
// attempted on the automated paths yet, escalated when they gave up.
func (o *Orchestrator) toManual(ctx context.Context, job *model.FulfillmentJob, status model.JobStatus, reason string) error {
	if job.Mode != model.ModeManual {
		job.LastMode = job.Mode
	}
	job.Mode = model.ModeManual
	job.Status = status
	job.LastError = reason
	job.UpdatedAt = o.now()
	if err := o.Store.UpdateJob(ctx, job); err != nil {
		return eris.Wrapf(err, "orchestrator: move job %s to manual", job.ID)
	}
	o.log.Warn("job moved to manual handling",
		zap.String("job_id", job.ID),
		zap.String("candidate_id", job.CandidateID),
		zap.String("reason", reason),
	)
	o.Notifier.Progress(ctx, model.ProgressEvent{
		Stage:       model.StageManual,
		RequesterID: job.RequesterID,
		RequestID:   job.RequestID,
		CandidateID: job.CandidateID,
		Message:     "quote will be prepared manually",
		Timestamp:   o.now(),
	})
	return nil
}

// escalate hands the job to a human after the automated paths gave up,
// alerts operators and counts the failure toward the candidate's streak.
func (o *Orchestrator) escalate(ctx context.Context, job *model.FulfillmentJob, kind model.AlertKind, reason string) error {
	if err := o.toManual(ctx, job, model.JobStatusEscalated, reason); err != nil {
		return err
	}
	now := o.now()
	o.Notifier.Alert(ctx, model.Alert{
		Kind:        kind,
		JobID:       job.ID,
		CandidateID: job.CandidateID,
		Message:     fmt.Sprintf("escalated to manual from %s: %s", job.LastMode, reason),
		Timestamp:   now,
	})
	if alert, ok := o.Tracker.Degraded(job, now); ok {
		o.Notifier.Alert(ctx, alert)
	}
	return nil
}

// complete records a priced offer on the job and notifies the requester.
func (o *Orchestrator) complete(ctx context.Context, job *model.FulfillmentJob, req *model.Request, offer *model.QuoteOffer, source string) error {
	job.Status = model.JobStatusFulfilled
	job.Offer = offer
	job.LastError = ""
	job.UpdatedAt = o.now()
	if err := o.Store.UpdateJob(ctx, job); err != nil {
		return eris.Wrapf(err, "orchestrator: complete job %s", job.ID)
	}
	o.Tracker.RecordSuccess(job.CandidateID)

	if source != model.SourceStructuredTable {
		if n := o.Sources.WriteBack(ctx, o.params(req, job.CandidateID), offer, source); n > 0 {
			o.log.Debug("quote written back", zap.String("job_id", job.ID), zap.Int("targets", n))
		}
	}

	o.progress(ctx, req, job.CandidateID, model.StageQuoteGenerated,
		fmt.Sprintf("%.2f %s per unit (%s)", offer.PriceFor(req.Quantity), offer.Currency, offer.Provenance))
	o.progress(ctx, req, job.CandidateID, model.StageDelivered, "quote delivered")
	return nil
}

func (o *Orchestrator) progress(ctx context.Context, req *model.Request, candidateID string, stage model.ProgressStage, msg string) {
	o.Notifier.Progress(ctx, model.ProgressEvent{
		Stage:       stage,
		RequesterID: req.RequesterID,
		RequestID:   req.ID,
		CandidateID: candidateID,
		Message:     msg,
		Timestamp:   o.now(),
	})
}
