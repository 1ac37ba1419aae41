package orchestrator

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quote-engine/internal/model"
	"github.com/sells-group/quote-engine/internal/resilience"
	"github.com/sells-group/quote-engine/internal/store"
	"github.com/sells-group/quote-engine/internal/waterfall/provider"
)

// CompleteTask records a quote delivered by a supplier agent for taskID
// (the FulfillmentJob ID). A repeated callback for an already fulfilled job
// returns the job unchanged.
func (o *Orchestrator) CompleteTask(ctx context.Context, taskID string, offer model.QuoteOffer) (*model.FulfillmentJob, error) {
	job, err := o.Store.GetJob(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, resilience.Inputf("task_id", "unknown task %s", taskID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: load job")
	}
	if job.Status == model.JobStatusFulfilled {
		o.Agents.CompleteTask(taskID)
		return job, nil
	}
	if job.Status.IsTerminal() {
		return nil, resilience.Inputf("task_id", "job %s is already %s", job.ID, job.Status)
	}

	if offer.Provenance == "" {
		offer.Provenance = model.SourceAgentPush
	}
	if offer.Currency == "" {
		offer.Currency = "USD"
	}
	if offer.Confidence <= 0 || offer.Confidence > provider.AgentReportedConfidence {
		offer.Confidence = provider.AgentReportedConfidence
	}
	if offer.DataAsOf == nil {
		now := o.now()
		offer.DataAsOf = &now
	}
	if err := offer.Validate(); err != nil {
		return nil, resilience.NewInputError("offer", err)
	}

	req, err := o.Store.GetRequest(ctx, job.RequestID)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: load request for job %s", job.ID)
	}

	if err := o.complete(ctx, job, req, &offer, offer.Provenance); err != nil {
		return nil, err
	}
	o.Agents.CompleteTask(taskID)
	o.Quotes.Put(job.CandidateID, req.Category, offer)

	o.log.Info("agent quote received",
		zap.String("job_id", job.ID),
		zap.String("candidate_id", job.CandidateID),
		zap.Float64("unit_price", offer.UnitPrice),
	)
	return job, nil
}

// LatestMatches returns the newest request for a demand and its match set.
func (o *Orchestrator) LatestMatches(ctx context.Context, demandID string) (*model.Request, []model.MatchResult, error) {
	req, err := o.Store.LatestRequest(ctx, demandID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, eris.Wrapf(err, "orchestrator: no request for demand %s", demandID)
	}
	if err != nil {
		return nil, nil, eris.Wrap(err, "orchestrator: latest request")
	}
	matches, err := o.Store.ListMatchResults(ctx, req.ID)
	if err != nil {
		return nil, nil, eris.Wrap(err, "orchestrator: list match results")
	}
	return req, matches, nil
}
