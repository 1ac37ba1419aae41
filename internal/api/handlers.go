package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/quote-engine/internal/model"
	"github.com/sells-group/quote-engine/internal/resilience"
	"github.com/sells-group/quote-engine/internal/store"
	"github.com/sells-group/quote-engine/internal/waterfall"
)

type healthResponse struct {
	Status  string                   `json:"status"`
	Store   string                   `json:"store"`
	Queue   string                   `json:"queue"`
	Sources []waterfall.SourceHealth `json:"sources,omitempty"`
}

func checkStatus(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	storeErr := s.deps.Jobs.Ping(ctx)
	queueErr := s.deps.Queues.Ping(ctx)
	resp := healthResponse{
		Status: "ok",
		Store:  checkStatus(storeErr),
		Queue:  checkStatus(queueErr),
	}
	if s.deps.Sources != nil {
		resp.Sources = s.deps.Sources.Health(ctx)
	}

	status := http.StatusOK
	switch {
	case storeErr != nil:
		resp.Status = "down"
		status = http.StatusServiceUnavailable
	case queueErr != nil:
		// Requests still complete inline or manually without the queue.
		resp.Status = "degraded"
	}
	writeJSON(w, status, resp)
}

type submitRequest struct {
	DemandID    string    `json:"demand_id"`
	RequesterID string    `json:"requester_id"`
	Category    string    `json:"category"`
	Embedding   []float64 `json:"embedding"`
	Quantity    int       `json:"quantity"`
}

type submitResponse struct {
	RequestID string `json:"request_id"`
	JobID     string `json:"job_id"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req := &model.Request{
		DemandID:    body.DemandID,
		RequesterID: body.RequesterID,
		Category:    body.Category,
		Embedding:   body.Embedding,
		Quantity:    body.Quantity,
	}
	jobID, err := s.deps.Engine.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{RequestID: req.ID, JobID: jobID})
}

type matchesResponse struct {
	Request *model.Request      `json:"request"`
	Matches []model.MatchResult `json:"matches"`
}

func (s *Server) matches(w http.ResponseWriter, r *http.Request) {
	req, matches, err := s.deps.Engine.LatestMatches(r.Context(), chi.URLParam(r, "demandID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if matches == nil {
		matches = []model.MatchResult{}
	}
	writeJSON(w, http.StatusOK, matchesResponse{Request: req, Matches: matches})
}

func (s *Server) saveCandidate(w http.ResponseWriter, r *http.Request) {
	var c model.Candidate
	if err := decodeBody(r, &c); err != nil {
		s.writeError(w, r, err)
		return
	}
	c.ID = chi.URLParam(r, "candidateID")
	if err := s.deps.Engine.SaveCandidate(r.Context(), &c); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type registerRequest struct {
	AgentID      string             `json:"agent_id"`
	CandidateID  string             `json:"candidate_id"`
	Capabilities []model.Capability `json:"capabilities"`
}

func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.deps.Agents.Register(body.AgentID, body.CandidateID, body.Capabilities)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) listAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Agents.List())
}

func (s *Server) agentStatus(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Agents.Status(chi.URLParam(r, "agentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type heartbeatRequest struct {
	Stats     model.AgentStats `json:"stats"`
	Completed []string         `json:"completed"`
}

type heartbeatResponse struct {
	Tasks []model.AgentTask `json:"tasks"`
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var body heartbeatRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	tasks, err := s.deps.Agents.Heartbeat(r.Context(), chi.URLParam(r, "agentID"), body.Stats, body.Completed)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []model.AgentTask{}
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{Tasks: tasks})
}

func (s *Server) ackTask(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Agents.Acknowledge(chi.URLParam(r, "agentID"), chi.URLParam(r, "taskID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, resilience.Inputf(name, "must be a non-negative integer, got %q", raw)
	}
	return n, nil
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	jobs, err := s.deps.Jobs.ListJobs(r.Context(), store.JobFilter{
		Status:      model.JobStatus(q.Get("status")),
		RequestID:   q.Get("request_id"),
		CandidateID: q.Get("candidate_id"),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []model.FulfillmentJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Queues.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stats == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "stats are not enabled"})
		return
	}
	hours, err := queryInt(r, "hours", 24)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.deps.Stats.Collect(r.Context(), hours)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
