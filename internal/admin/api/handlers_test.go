package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcom/agentcom/internal/agent/lifecycle"
	"github.com/agentcom/agentcom/internal/common/config"
	"github.com/agentcom/agentcom/internal/common/logger"
	"github.com/agentcom/agentcom/internal/events/bus"
	"github.com/agentcom/agentcom/internal/hubfsm"
	"github.com/agentcom/agentcom/internal/ratelimit"
	"github.com/agentcom/agentcom/internal/task/queue"
	"github.com/agentcom/agentcom/internal/task/store"
	v1 "github.com/agentcom/agentcom/pkg/api/v1"
)

type fixture struct {
	router *gin.Engine
	queue  *queue.Manager
	agents *lifecycle.Manager
	fsm    *hubfsm.FSM
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)

	q, err := queue.NewManager(context.Background(), config.QueueConfig{
		SoftCap:                100,
		MaxRetriesDefault:      3,
		OverdueSweepIntervalMs: 60_000,
		AssignmentTTLMs:        600_000,
		HistoryCap:             50,
	}, store.NewMemoryStore(), eventBus, log)
	require.NoError(t, err)

	agents := lifecycle.NewManager(config.LifecycleConfig{AcceptanceTimeoutMs: 60_000}, q, eventBus, log)
	limiter := ratelimit.NewLimiter(config.RateLimitConfig{
		Light:          config.RateLimitTier{Capacity: 1000, RefillPerMin: 60000},
		Normal:         config.RateLimitTier{Capacity: 1000, RefillPerMin: 60000},
		Heavy:          config.RateLimitTier{Capacity: 1000, RefillPerMin: 60000},
		BackoffCurveMs: []int{1000},
		QuietResetMs:   60_000,
	}, eventBus, log)
	fsm := hubfsm.New(config.FSMConfig{
		TickMs:            5_000,
		HealingWatchdogMs: 300_000,
		HealingCooldownMs: 900_000,
	}, nil, func() hubfsm.Snapshot { return hubfsm.Snapshot{} }, eventBus, log)

	router := gin.New()
	SetupRoutes(router, q, agents, limiter, fsm, log)

	return &fixture{router: router, queue: q, agents: agents, fsm: fsm}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) submit(t *testing.T, description string) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/v1/tasks", SubmitTaskRequest{Description: description})
	require.Equal(t, http.StatusCreated, w.Code)
	var resp SubmitTaskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.TaskID
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSubmitAndGetTask(t *testing.T) {
	f := newFixture(t)
	taskID := f.submit(t, "review PR 42")

	w := f.do(t, http.MethodGet, "/api/v1/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var task v1.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.Equal(t, "review PR 42", task.Description)
	assert.Equal(t, v1.TaskStatusQueued, task.Status)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/tasks", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	bad := 7
	w = f.do(t, http.MethodPost, "/api/v1/tasks", SubmitTaskRequest{
		Description: "x",
		Priority:    &bad,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetTaskNotFound(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/v1/tasks/t-missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListTasksFilters(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "one")
	f.submit(t, "two")

	w := f.do(t, http.MethodGet, "/api/v1/tasks?status=queued", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp TasksListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)

	w = f.do(t, http.MethodGet, "/api/v1/tasks?priority=9", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReclaimRequiresAssigned(t *testing.T) {
	f := newFixture(t)
	taskID := f.submit(t, "queued task")

	// a queued task cannot be reclaimed
	w := f.do(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/reclaim", ReclaimTaskRequest{})
	assert.Equal(t, http.StatusConflict, w.Code)

	_, err := f.queue.Assign(context.Background(), taskID, "a-1")
	require.NoError(t, err)

	w = f.do(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/reclaim", ReclaimTaskRequest{Reason: "operator"})
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestDeadLetterRoundTrip(t *testing.T) {
	f := newFixture(t)

	zero := 0
	w := f.do(t, http.MethodPost, "/api/v1/tasks", SubmitTaskRequest{
		Description: "doomed",
		MaxRetries:  &zero,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var resp SubmitTaskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	env, err := f.queue.Assign(context.Background(), resp.TaskID, "a-1")
	require.NoError(t, err)
	require.NoError(t, f.queue.Fail(context.Background(), resp.TaskID, env.Generation, "boom"))

	w = f.do(t, http.MethodGet, "/api/v1/dead-letter", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list TasksListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, 1, list.Total)

	w = f.do(t, http.MethodPost, "/api/v1/dead-letter/"+resp.TaskID+"/retry", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/dead-letter", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 0, list.Total)
}

type stubSession struct{ id string }

func (s *stubSession) AgentID() string              { return s.id }
func (s *stubSession) Send(frame interface{}) error { return nil }
func (s *stubSession) Close(reason string)          {}

func TestListAgents(t *testing.T) {
	f := newFixture(t)
	f.agents.Ensure("a-1", []string{"golang"}, &stubSession{id: "a-1"})

	w := f.do(t, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp AgentsListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "a-1", resp.Agents[0].ID)
	assert.Equal(t, v1.AgentStateIdle, resp.Agents[0].State)
	assert.False(t, resp.Agents[0].RateLimited)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "pending work")

	w := f.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Queue.Queued)
	assert.Equal(t, 0, resp.Agents.Total)
}

func TestRateOverrideValidation(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/ratelimit/overrides", RateOverrideRequest{
		AgentID: "a-1", Tier: "extreme", Capacity: 10, RefillPerMin: 10,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/ratelimit/overrides", RateOverrideRequest{
		AgentID: "a-1", Tier: "heavy", Capacity: 100, RefillPerMin: 50,
	})
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestExempt(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/v1/ratelimit/exemptions", ExemptRequest{AgentID: "a-9"})
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestFSMEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/fsm", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var info hubfsm.Info
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, hubfsm.StateResting, info.State)

	w = f.do(t, http.MethodPost, "/api/v1/fsm/transition", ForceTransitionRequest{
		Target: "contemplating", Reason: "operator",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	// forcing the current state conflicts
	w = f.do(t, http.MethodPost, "/api/v1/fsm/transition", ForceTransitionRequest{
		Target: "contemplating", Reason: "again",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/fsm/transition", ForceTransitionRequest{
		Target: "debugging", Reason: "nope",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/fsm/history", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/fsm/pause", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodPost, "/api/v1/fsm/resume", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCallerRateLimit(t *testing.T) {
	f := newFixture(t)
	gin.SetMode(gin.TestMode)
	log := testLogger(t)

	// a dedicated router with a one-token normal bucket
	limiter := ratelimit.NewLimiter(config.RateLimitConfig{
		Light:          config.RateLimitTier{Capacity: 1000, RefillPerMin: 60000},
		Normal:         config.RateLimitTier{Capacity: 1, RefillPerMin: 1},
		Heavy:          config.RateLimitTier{Capacity: 1000, RefillPerMin: 60000},
		BackoffCurveMs: []int{1000},
		QuietResetMs:   60_000,
	}, bus.NewMemoryEventBus(log), log)
	router := gin.New()
	SetupRoutes(router, f.queue, f.agents, limiter, f.fsm, log)

	body := SubmitTaskRequest{Description: "first"}
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", &buf)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	require.NoError(t, json.NewEncoder(&buf).Encode(SubmitTaskRequest{Description: "second"}))
	req = httptest.NewRequest(http.MethodPost, "/api/v1/tasks", &buf)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}
