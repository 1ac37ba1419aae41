package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quote-engine/internal/config"
	"github.com/sells-group/quote-engine/internal/model"
	"github.com/sells-group/quote-engine/internal/queue"
	"github.com/sells-group/quote-engine/internal/resilience"
	"github.com/sells-group/quote-engine/internal/store"
)

// Registrar is implemented by queue.Manager.
type Registrar interface {
	Register(name queue.Name, opts queue.Options, h queue.Handler)
}

// RegisterQueues attaches the engine's handlers to every named queue.
func (o *Orchestrator) RegisterQueues(r Registrar, cfg config.QueuesConfig) {
	r.Register(queue.Matching, queue.OptionsFromConfig(cfg.Matching), o.HandleMatch)
	r.Register(queue.Embedding, queue.OptionsFromConfig(cfg.Embedding), o.HandleEmbedding)
	r.Register(queue.Fulfillment, queue.OptionsFromConfig(cfg.Fulfillment), o.HandleFulfillment)
	r.Register(queue.Expiry, queue.OptionsFromConfig(cfg.Expiry), o.HandleExpiry)
}

// HandleMatch runs Fulfill for a queued request. Superseded requests are
// still processed; readers prefer the latest request for a demand.
func (o *Orchestrator) HandleMatch(ctx context.Context, job *queue.Job) error {
	p, err := queue.Decode[matchPayload](job)
	if err != nil {
		return resilience.NewInputError("payload", err)
	}
	req, err := o.Store.GetRequest(ctx, p.RequestID)
	if errors.Is(err, store.ErrNotFound) {
		return resilience.Inputf("request_id", "request %s does not exist", p.RequestID)
	}
	if err != nil {
		return eris.Wrap(err, "orchestrator: load request")
	}
	_, err = o.Fulfill(ctx, req)
	return err
}

// HandleFulfillment works a queued FulfillmentJob. It retries the data
// sources, then makes sure the candidate's agent has the task. With no
// source and no online agent the job is parked: the queue snoozes it
// without spending an attempt, so an agent that comes online before the
// deadline still gets the task. Past the deadline the job is escalated.
func (o *Orchestrator) HandleFulfillment(ctx context.Context, qjob *queue.Job) error {
	job, req, err := o.loadJob(ctx, qjob)
	if err != nil || job == nil {
		return err
	}
	if job.Mode == model.ModeManual {
		return nil
	}

	p := o.params(req, job.CandidateID)
	res, ferr := o.Sources.FetchWithFallback(ctx, p)
	if ferr == nil {
		o.progress(ctx, req, job.CandidateID, model.StageSourceFound, "price found in "+res.Source)
		return o.complete(ctx, job, req, res.Offer, res.Source)
	}

	if o.Agents.PushTask(job.CandidateID, o.task(job, req)) {
		if err := o.markStarted(ctx, job); err != nil {
			return err
		}
		o.log.Debug("task with agent, waiting for callback", zap.String("job_id", job.ID))
		return nil
	}

	now := o.now()
	job.LastMode = job.Mode
	job.LastError = ferr.Error()
	if !job.Deadline.IsZero() && !now.Before(job.Deadline) {
		exhausted := resilience.NewExhaustedError(string(job.Mode), ferr)
		return o.escalate(ctx, job, model.AlertFailed, exhausted.Error())
	}
	job.UpdatedAt = now
	if err := o.Store.UpdateJob(ctx, job); err != nil {
		return eris.Wrapf(err, "orchestrator: update job %s", job.ID)
	}

	wait := o.opts.Park
	if left := job.Deadline.Sub(now); !job.Deadline.IsZero() && left < wait {
		wait = left
	}
	return queue.Snooze(wait, fmt.Sprintf("no source or online agent for job %s: %v", job.ID, ferr))
}

// HandleExpiry escalates a job that is still open at its deadline.
func (o *Orchestrator) HandleExpiry(ctx context.Context, qjob *queue.Job) error {
	job, _, err := o.loadJob(ctx, qjob)
	if err != nil || job == nil {
		return err
	}
	reason := fmt.Sprintf("deadline %s passed in mode %s", job.Deadline.Format("2006-01-02T15:04:05Z07:00"), job.Mode)
	return o.escalate(ctx, job, model.AlertTimeout, reason)
}

// loadJob decodes the payload and loads the job and its request. A nil job
// with a nil error means the job is already terminal.
func (o *Orchestrator) loadJob(ctx context.Context, qjob *queue.Job) (*model.FulfillmentJob, *model.Request, error) {
	p, err := queue.Decode[jobPayload](qjob)
	if err != nil {
		return nil, nil, resilience.NewInputError("payload", err)
	}
	job, err := o.Store.GetJob(ctx, p.JobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, resilience.Inputf("job_id", "job %s does not exist", p.JobID)
	}
	if err != nil {
		return nil, nil, eris.Wrap(err, "orchestrator: load job")
	}
	if job.Status.IsTerminal() {
		return nil, nil, nil
	}
	req, err := o.Store.GetRequest(ctx, job.RequestID)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "orchestrator: load request for job %s", job.ID)
	}
	return job, req, nil
}

// Requeue puts a timed-out job back on the fulfillment queue and re-pushes
// it to the candidate's agent. It implements monitoring.Requeuer.
func (o *Orchestrator) Requeue(ctx context.Context, job *model.FulfillmentJob) error {
	req, err := o.Store.GetRequest(ctx, job.RequestID)
	if err != nil {
		return eris.Wrapf(err, "orchestrator: load request for job %s", job.ID)
	}
	o.Agents.PushTask(job.CandidateID, o.task(job, req))
	if _, err := o.Queue.Enqueue(ctx, queue.Fulfillment, queue.FulfillKey(job.RequestID, job.CandidateID), jobPayload{JobID: job.ID}); err != nil {
		return eris.Wrap(err, "orchestrator: requeue fulfillment")
	}
	o.progress(ctx, req, job.CandidateID, model.StageQueued, fmt.Sprintf("retrying, attempt %d of %d", job.Attempt, job.MaxAttempts))
	return nil
}

// HandleEmbedding recomputes a candidate's embedding from its profile.
func (o *Orchestrator) HandleEmbedding(ctx context.Context, qjob *queue.Job) error {
	p, err := queue.Decode[embedPayload](qjob)
	if err != nil {
		return resilience.NewInputError("payload", err)
	}
	if o.Embedder == nil {
		return resilience.Inputf("embedding", "no embedding client configured")
	}
	c, err := o.Store.GetCandidate(ctx, p.CandidateID)
	if errors.Is(err, store.ErrNotFound) {
		return resilience.Inputf("candidate_id", "candidate %s does not exist", p.CandidateID)
	}
	if err != nil {
		return eris.Wrap(err, "orchestrator: load candidate")
	}
	if c.Profile == "" {
		return resilience.Inputf("profile", "candidate %s has no profile text", c.ID)
	}

	vec, err := o.Embedder.Embed(ctx, c.Profile)
	if err != nil {
		return resilience.NewTransientError(eris.Wrapf(err, "orchestrator: embed candidate %s", c.ID), 0)
	}
	now := o.now()
	c.Embedding = vec
	c.EmbeddingUpdatedAt = &now
	if err := o.Store.UpsertCandidate(ctx, c); err != nil {
		return eris.Wrap(err, "orchestrator: save embedding")
	}
	o.log.Info("candidate embedding refreshed",
		zap.String("candidate_id", c.ID),
		zap.Int("dims", len(vec)),
		zap.String("model", o.Embedder.Model()),
	)
	return nil
}

// SaveCandidate stores a candidate and queues an embedding refresh when its
// profile changed or it has no embedding yet.
func (o *Orchestrator) SaveCandidate(ctx context.Context, c *model.Candidate) error {
	if c.ID == "" {
		return resilience.Inputf("id", "candidate id is required")
	}
	prev, err := o.Store.GetCandidate(ctx, c.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return eris.Wrap(err, "orchestrator: load candidate")
	}
	if prev != nil && prev.Profile == c.Profile && len(c.Embedding) == 0 {
		c.Embedding, c.EmbeddingUpdatedAt = prev.Embedding, prev.EmbeddingUpdatedAt
	}
	if err := o.Store.UpsertCandidate(ctx, c); err != nil {
		return eris.Wrap(err, "orchestrator: save candidate")
	}

	profileChanged := prev == nil || prev.Profile != c.Profile
	if c.Profile == "" || o.Embedder == nil || (!profileChanged && len(c.Embedding) > 0) {
		return nil
	}
	if _, err := o.Queue.Enqueue(ctx, queue.Embedding, queue.EmbedKey(c.ID), embedPayload{CandidateID: c.ID}); err != nil {
		o.log.Warn("orchestrator: queue embedding refresh failed", zap.String("candidate_id", c.ID), zap.Error(err))
	}
	return nil
}
