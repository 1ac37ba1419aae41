// Package api exposes the engine over HTTP: request submission, agent
// registration and heartbeats, signed supplier callbacks, operational
// read endpoints and the websocket progress and alert streams.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quote-engine/internal/agent"
	"github.com/sells-group/quote-engine/internal/config"
	"github.com/sells-group/quote-engine/internal/model"
	"github.com/sells-group/quote-engine/internal/monitoring"
	"github.com/sells-group/quote-engine/internal/orchestrator"
	"github.com/sells-group/quote-engine/internal/queue"
	"github.com/sells-group/quote-engine/internal/resilience"
	"github.com/sells-group/quote-engine/internal/store"
	"github.com/sells-group/quote-engine/internal/waterfall"
)

// Engine is the orchestrator surface used by the handlers.
type Engine interface {
	Submit(ctx context.Context, req *model.Request) (string, error)
	LatestMatches(ctx context.Context, demandID string) (*model.Request, []model.MatchResult, error)
	CompleteTask(ctx context.Context, taskID string, offer model.QuoteOffer) (*model.FulfillmentJob, error)
	SaveCandidate(ctx context.Context, c *model.Candidate) error
}

// Agents is the agent registry surface used by the handlers.
type Agents interface {
	Register(agentID, candidateID string, caps []model.Capability) (model.Agent, error)
	Heartbeat(ctx context.Context, agentID string, stats model.AgentStats, completed []string) ([]model.AgentTask, error)
	Acknowledge(agentID, taskID string) error
	Status(agentID string) (model.Agent, error)
	List() []model.Agent
}

// Jobs reads fulfillment jobs and reports store health.
type Jobs interface {
	GetJob(ctx context.Context, id string) (*model.FulfillmentJob, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]model.FulfillmentJob, error)
	Ping(ctx context.Context) error
}

// Queues reports queue depth and backend health.
type Queues interface {
	Stats(ctx context.Context) ([]queue.Stats, error)
	Ping(ctx context.Context) error
}

// Sources reports adapter availability.
type Sources interface {
	Health(ctx context.Context) []waterfall.SourceHealth
}

// Stats collects the job summary served at /stats.
type Stats interface {
	Collect(ctx context.Context, lookbackHours int) (*monitoring.Snapshot, error)
}

// Live serves the websocket streams.
type Live interface {
	ServeProgress(w http.ResponseWriter, r *http.Request, requesterID string)
	ServeAlerts(w http.ResponseWriter, r *http.Request)
}

// Deps are the collaborators of a Server. Sources, Stats and Live may be nil.
type Deps struct {
	Engine  Engine
	Agents  Agents
	Jobs    Jobs
	Queues  Queues
	Sources Sources
	Stats   Stats
	Live    Live
}

// Server is the HTTP ingress.
type Server struct {
	deps    Deps
	cfg     config.ServerConfig
	secret  []byte
	handler http.Handler
	log     *zap.Logger
}

var (
	_ Engine = (*orchestrator.Orchestrator)(nil)
	_ Agents = (*agent.Registry)(nil)
)

// NewServer builds the router. An empty callback secret rejects every
// callback.
func NewServer(deps Deps, cfg config.ServerConfig, cb config.CallbackConfig) *Server {
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		secret: []byte(cb.Secret),
		log:    zap.L().With(zap.String("component", "api")),
	}
	s.handler = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", callbackSecretHeader, callbackSignatureHeader},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)

	r.Post("/requests", s.submit)
	r.Get("/requests/{demandID}/matches", s.matches)
	r.Put("/candidates/{candidateID}", s.saveCandidate)

	r.Route("/agents", func(r chi.Router) {
		r.Get("/", s.listAgents)
		r.Post("/", s.registerAgent)
		r.Get("/{agentID}", s.agentStatus)
		r.Post("/{agentID}/heartbeat", s.heartbeat)
		r.Post("/{agentID}/tasks/{taskID}/ack", s.ackTask)
	})
	r.Post("/callbacks/{taskID}", s.callback)

	r.Get("/jobs", s.listJobs)
	r.Get("/jobs/{jobID}", s.getJob)
	r.Get("/queues", s.queueStats)
	r.Get("/stats", s.stats)

	if s.deps.Live != nil {
		r.Get("/ws/progress", func(w http.ResponseWriter, r *http.Request) {
			s.deps.Live.ServeProgress(w, r, r.URL.Query().Get("requester"))
		})
		r.Get("/ws/alerts", s.deps.Live.ServeAlerts)
	}
	return r
}

// Serve listens on the configured port until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, port int) error {
	if port == 0 {
		port = s.cfg.Port
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	s.log.Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "api: listen")
	}
	return nil
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type errorBody struct {
	Error string `json:"error"`
	Class string `json:"class,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, agent.ErrUnknownAgent):
		return http.StatusNotFound
	case resilience.IsInput(err):
		return http.StatusBadRequest
	case resilience.IsSystemic(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Class: resilience.Classify(err).String()})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return resilience.NewInputError("body", err)
	}
	return nil
}

const maxBodyBytes = 1 << 20
