package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/quote-engine/internal/agent"
	"github.com/sells-group/quote-engine/internal/config"
	"github.com/sells-group/quote-engine/internal/model"
	"github.com/sells-group/quote-engine/internal/monitoring"
	"github.com/sells-group/quote-engine/internal/notify"
	"github.com/sells-group/quote-engine/internal/queue"
	"github.com/sells-group/quote-engine/internal/resilience"
	"github.com/sells-group/quote-engine/internal/store"
	"github.com/sells-group/quote-engine/internal/waterfall"
)

const testSecret = "s3cret"

type mockEngine struct{ mock.Mock }

func (m *mockEngine) Submit(ctx context.Context, req *model.Request) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *mockEngine) LatestMatches(ctx context.Context, demandID string) (*model.Request, []model.MatchResult, error) {
	args := m.Called(ctx, demandID)
	req, _ := args.Get(0).(*model.Request)
	matches, _ := args.Get(1).([]model.MatchResult)
	return req, matches, args.Error(2)
}

func (m *mockEngine) CompleteTask(ctx context.Context, taskID string, offer model.QuoteOffer) (*model.FulfillmentJob, error) {
	args := m.Called(ctx, taskID, offer)
	job, _ := args.Get(0).(*model.FulfillmentJob)
	return job, args.Error(1)
}

func (m *mockEngine) SaveCandidate(ctx context.Context, c *model.Candidate) error {
	return m.Called(ctx, c).Error(0)
}

type fakeJobs struct {
	jobs    []model.FulfillmentJob
	filter  store.JobFilter
	pingErr error
}

func (f *fakeJobs) GetJob(_ context.Context, id string) (*model.FulfillmentJob, error) {
	for i := range f.jobs {
		if f.jobs[i].ID == id {
			return &f.jobs[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeJobs) ListJobs(_ context.Context, filter store.JobFilter) ([]model.FulfillmentJob, error) {
	f.filter = filter
	return f.jobs, nil
}

func (f *fakeJobs) Ping(context.Context) error { return f.pingErr }

type fakeQueues struct {
	stats   []queue.Stats
	pingErr error
}

func (f *fakeQueues) Stats(context.Context) ([]queue.Stats, error) {
	if f.pingErr != nil {
		return nil, resilience.NewSystemicError("queue", f.pingErr)
	}
	return f.stats, nil
}

func (f *fakeQueues) Ping(context.Context) error { return f.pingErr }

type fakeSources struct{}

func (fakeSources) Health(context.Context) []waterfall.SourceHealth {
	return []waterfall.SourceHealth{{Type: model.SourceStructuredTable, Priority: 1, Enabled: true, Available: false, Breaker: "open"}}
}

type fakeStats struct{ snap *monitoring.Snapshot }

func (f fakeStats) Collect(_ context.Context, hours int) (*monitoring.Snapshot, error) {
	s := *f.snap
	s.LookbackHours = hours
	return &s, nil
}

type testEnv struct {
	srv    *httptest.Server
	engine *mockEngine
	agents *agent.Registry
	jobs   *fakeJobs
	queues *fakeQueues
	hub    *notify.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		engine: &mockEngine{},
		agents: agent.NewRegistry(agent.Options{}, nil),
		jobs:   &fakeJobs{},
		queues: &fakeQueues{stats: []queue.Stats{{Queue: queue.Fulfillment, Queued: 2}}},
		hub:    notify.NewHub(nil),
	}
	s := NewServer(Deps{
		Engine:  env.engine,
		Agents:  env.agents,
		Jobs:    env.jobs,
		Queues:  env.queues,
		Sources: fakeSources{},
		Stats:   fakeStats{snap: &monitoring.Snapshot{Jobs: 4, FailRate: 0.25}},
		Live:    env.hub,
	}, config.ServerConfig{AllowedOrigins: []string{"https://ops.example.com"}}, config.CallbackConfig{Secret: testSecret})
	env.srv = httptest.NewServer(s.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case []byte:
		rdr = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() }) //nolint:errcheck
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	h := decode[healthResponse](t, resp)
	assert.Equal(t, "ok", h.Status)
	require.Len(t, h.Sources, 1)
	assert.Equal(t, "open", h.Sources[0].Breaker)

	env.queues.pingErr = errors.New("connection refused")
	resp = env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	h = decode[healthResponse](t, resp)
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "connection refused", h.Queue)

	env.jobs.pingErr = errors.New("db gone")
	resp = env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "down", decode[healthResponse](t, resp).Status)
}

func TestSubmit(t *testing.T) {
	env := newTestEnv(t)
	env.engine.On("Submit", mock.Anything, mock.MatchedBy(func(r *model.Request) bool {
		return r.DemandID == "d1" && r.RequesterID == "u1" && r.Quantity == 500
	})).Run(func(args mock.Arguments) {
		args.Get(1).(*model.Request).ID = "r1"
	}).Return("q1", nil).Once()

	resp := env.do(t, http.MethodPost, "/requests", submitRequest{
		DemandID: "d1", RequesterID: "u1", Category: "valves", Embedding: []float64{1, 0}, Quantity: 500,
	}, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, submitResponse{RequestID: "r1", JobID: "q1"}, decode[submitResponse](t, resp))
	env.engine.AssertExpectations(t)
}

func TestSubmit_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		class  string
	}{
		{"input", resilience.Inputf("embedding", "request embedding is required"), http.StatusBadRequest, "input"},
		{"systemic", eris.Wrap(resilience.NewSystemicError("queue", errors.New("refused")), "orchestrator: enqueue matching"), http.StatusServiceUnavailable, "systemic"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.engine.On("Submit", mock.Anything, mock.Anything).Return("", tt.err)

			resp := env.do(t, http.MethodPost, "/requests", submitRequest{DemandID: "d1"}, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.class, decode[errorBody](t, resp).Class)
		})
	}
}

func TestSubmit_MalformedBody(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/requests", []byte(`{"demand_id":`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	env.engine.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestMatches(t *testing.T) {
	env := newTestEnv(t)
	env.engine.On("LatestMatches", mock.Anything, "d1").Return(
		&model.Request{ID: "r2", DemandID: "d1"},
		[]model.MatchResult{{RequestID: "r2", CandidateID: "c1", Rank: 1, Composite: 91}},
		nil,
	)
	env.engine.On("LatestMatches", mock.Anything, "nope").Return(nil, nil, eris.Wrap(store.ErrNotFound, "orchestrator: no request"))

	resp := env.do(t, http.MethodGet, "/requests/d1/matches", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[matchesResponse](t, resp)
	assert.Equal(t, "r2", got.Request.ID)
	require.Len(t, got.Matches, 1)
	assert.Equal(t, 91.0, got.Matches[0].Composite)

	resp = env.do(t, http.MethodGet, "/requests/nope/matches", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSaveCandidate(t *testing.T) {
	env := newTestEnv(t)
	env.engine.On("SaveCandidate", mock.Anything, mock.MatchedBy(func(c *model.Candidate) bool {
		return c.ID == "c9" && c.Profile == "brass valves"
	})).Return(nil).Once()

	resp := env.do(t, http.MethodPut, "/candidates/c9", model.Candidate{ID: "ignored", Profile: "brass valves"}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "c9", decode[model.Candidate](t, resp).ID)
	env.engine.AssertExpectations(t)
}

func TestAgentLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/agents", registerRequest{
		AgentID: "a1", CandidateID: "c1",
		Capabilities: []model.Capability{{Type: "quote", Configured: true}},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.AgentRegistered, decode[model.Agent](t, resp).State)

	resp = env.do(t, http.MethodPost, "/agents/a1/heartbeat", heartbeatRequest{Stats: model.AgentStats{ActiveTasks: 1}}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[heartbeatResponse](t, resp).Tasks)

	require.True(t, env.agents.PushTask("c1", model.AgentTask{ID: "j1", CandidateID: "c1"}))
	resp = env.do(t, http.MethodPost, "/agents/a1/heartbeat", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tasks := decode[heartbeatResponse](t, resp).Tasks
	require.Len(t, tasks, 1)
	assert.Equal(t, "j1", tasks[0].ID)

	resp = env.do(t, http.MethodPost, "/agents/a1/tasks/j1/ack", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/agents/a1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	a := decode[model.Agent](t, resp)
	assert.Equal(t, model.AgentOnline, a.State)
	assert.Empty(t, a.Pending)

	resp = env.do(t, http.MethodGet, "/agents", nil, nil)
	assert.Len(t, decode[[]model.Agent](t, resp), 1)

	resp = env.do(t, http.MethodPost, "/agents/ghost/heartbeat", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/agents", registerRequest{AgentID: "a2"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func signed(body []byte) map[string]string {
	return map[string]string{
		callbackSecretHeader:    testSecret,
		callbackSignatureHeader: "sha256=" + Sign([]byte(testSecret), body),
	}
}

func TestCallback(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"unit_price":12.5,"currency":"USD","lead_time_days":7}`)
	env.engine.On("CompleteTask", mock.Anything, "j1", mock.MatchedBy(func(o model.QuoteOffer) bool {
		return o.UnitPrice == 12.5 && o.LeadTimeDays == 7
	})).Return(&model.FulfillmentJob{ID: "j1", Status: model.JobStatusFulfilled}, nil).Once()

	resp := env.do(t, http.MethodPost, "/callbacks/j1", body, signed(body))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.JobStatusFulfilled, decode[model.FulfillmentJob](t, resp).Status)
	env.engine.AssertExpectations(t)
}

func TestCallback_Rejected(t *testing.T) {
	body := []byte(`{"unit_price":12.5,"currency":"USD"}`)
	tests := []struct {
		name    string
		headers map[string]string
	}{
		{"no headers", nil},
		{"wrong secret", map[string]string{callbackSecretHeader: "nope", callbackSignatureHeader: Sign([]byte(testSecret), body)}},
		{"wrong signature", map[string]string{callbackSecretHeader: testSecret, callbackSignatureHeader: Sign([]byte("other"), body)}},
		{"not hex", map[string]string{callbackSecretHeader: testSecret, callbackSignatureHeader: "zz"}},
		{"tampered body", signed([]byte(`{"unit_price":1,"currency":"USD"}`))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			resp := env.do(t, http.MethodPost, "/callbacks/j1", body, tt.headers)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			env.engine.AssertNotCalled(t, "CompleteTask", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestCallback_EngineRejects(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"unit_price":0,"currency":"USD"}`)
	env.engine.On("CompleteTask", mock.Anything, "j1", mock.Anything).
		Return(nil, resilience.Inputf("offer", "unit price must be positive"))

	resp := env.do(t, http.MethodPost, "/callbacks/j1", body, signed(body))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	bad := []byte(`not json`)
	resp = env.do(t, http.MethodPost, "/callbacks/j1", bad, signed(bad))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCallback_NoSecretConfigured(t *testing.T) {
	s := NewServer(Deps{Engine: &mockEngine{}}, config.ServerConfig{}, config.CallbackConfig{})
	body := []byte(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/callbacks/j1", bytes.NewReader(body))
	req.Header.Set(callbackSecretHeader, "")
	req.Header.Set(callbackSignatureHeader, Sign(nil, body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJobs(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.jobs = []model.FulfillmentJob{{ID: "j1", Status: model.JobStatusEscalated, Mode: model.ModeManual}}

	resp := env.do(t, http.MethodGet, "/jobs?status=escalated&candidate_id=c1&limit=10&offset=5", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]model.FulfillmentJob](t, resp), 1)
	assert.Equal(t, store.JobFilter{Status: model.JobStatusEscalated, CandidateID: "c1", Limit: 10, Offset: 5}, env.jobs.filter)

	resp = env.do(t, http.MethodGet, "/jobs?limit=-1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/jobs/j1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.ModeManual, decode[model.FulfillmentJob](t, resp).Mode)

	resp = env.do(t, http.MethodGet, "/jobs/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQueuesAndStats(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/queues", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[[]queue.Stats](t, resp)
	require.Len(t, stats, 1)
	assert.Equal(t, 2, stats[0].Queued)

	resp = env.do(t, http.MethodGet, "/stats?hours=6", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[monitoring.Snapshot](t, resp)
	assert.Equal(t, 6, snap.LookbackHours)
	assert.Equal(t, 0.25, snap.FailRate)

	env.queues.pingErr = errors.New("down")
	resp = env.do(t, http.MethodGet, "/queues", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodOptions, "/requests", nil, map[string]string{
		"Origin":                        "https://ops.example.com",
		"Access-Control-Request-Method": http.MethodPost,
	})
	assert.Equal(t, "https://ops.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = env.do(t, http.MethodOptions, "/requests", nil, map[string]string{
		"Origin":                        "https://evil.example.com",
		"Access-Control-Request-Method": http.MethodPost,
	})
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebsocketStreams(t *testing.T) {
	env := newTestEnv(t)
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http")

	progress, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/progress?requester=u1", nil)
	require.NoError(t, err)
	defer progress.Close() //nolint:errcheck
	alerts, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/alerts", nil)
	require.NoError(t, err)
	defer alerts.Close() //nolint:errcheck

	require.Eventually(t, func() bool {
		return env.hub.Subscribers("u1") == 1 && env.hub.Operators() == 1
	}, 2*time.Second, 10*time.Millisecond)

	env.hub.PublishProgress(model.ProgressEvent{Stage: model.StageQueued, RequesterID: "u1", RequestID: "r1"})
	env.hub.PublishAlert(model.Alert{Kind: model.AlertDegraded, CandidateID: "c1"})

	_ = progress.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pm notify.Message
	require.NoError(t, progress.ReadJSON(&pm))
	require.NotNil(t, pm.Progress)
	assert.Equal(t, model.StageQueued, pm.Progress.Stage)

	_ = alerts.SetReadDeadline(time.Now().Add(2 * time.Second))
	var am notify.Message
	require.NoError(t, alerts.ReadJSON(&am))
	require.NotNil(t, am.Alert)
	assert.Equal(t, model.AlertDegraded, am.Alert.Kind)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"/ws/progress", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
