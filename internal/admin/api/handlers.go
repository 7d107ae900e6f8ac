package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentcom/agentcom/internal/agent/lifecycle"
	"github.com/agentcom/agentcom/internal/common/config"
	"github.com/agentcom/agentcom/internal/common/errors"
	"github.com/agentcom/agentcom/internal/common/logger"
	"github.com/agentcom/agentcom/internal/hubfsm"
	"github.com/agentcom/agentcom/internal/ratelimit"
	"github.com/agentcom/agentcom/internal/task/queue"
	v1 "github.com/agentcom/agentcom/pkg/api/v1"
)

// Handler contains HTTP handlers for the operator API
type Handler struct {
	queue   *queue.Manager
	agents  *lifecycle.Manager
	limiter *ratelimit.Limiter
	fsm     *hubfsm.FSM
	logger  *logger.Logger
}

// NewHandler creates a new operator API handler
func NewHandler(q *queue.Manager, agents *lifecycle.Manager, limiter *ratelimit.Limiter,
	fsm *hubfsm.FSM, log *logger.Logger) *Handler {
	return &Handler{
		queue:   q,
		agents:  agents,
		limiter: limiter,
		fsm:     fsm,
		logger:  log,
	}
}

// respondError maps any error to its HTTP representation
func respondError(c *gin.Context, err error) {
	appErr := errors.Wrap(err, "request failed")
	c.JSON(appErr.HTTPStatus, appErr)
}

// Task endpoints

// SubmitTask enqueues a new task
// POST /api/v1/tasks
func (h *Handler) SubmitTask(c *gin.Context) {
	var req SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.InvalidArgs("body", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	taskID, err := h.queue.Submit(c.Request.Context(), queue.SubmitParams{
		Description:        req.Description,
		Priority:           req.Priority,
		NeededCapabilities: req.NeededCapabilities,
		Metadata:           req.Metadata,
		MaxRetries:         req.MaxRetries,
		CompleteBy:         req.CompleteBy,
	})
	if err != nil {
		h.logger.Warn("Task submission rejected", zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, SubmitTaskResponse{TaskID: taskID})
}

// GetTask retrieves a task by ID, including dead-lettered ones
// GET /api/v1/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.queue.Get(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// ListTasks returns tasks matching the query filters
// GET /api/v1/tasks?status=&priority=&assigned_to=&limit=
func (h *Handler) ListTasks(c *gin.Context) {
	filter := v1.TaskFilter{
		Status:     v1.TaskStatus(c.Query("status")),
		AssignedTo: c.Query("assigned_to"),
	}
	if p := c.Query("priority"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || !v1.ValidPriority(n) {
			appErr := errors.InvalidArgs("priority", "must be an integer between 0 and 3")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		filter.Priority = &n
	}
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			appErr := errors.InvalidArgs("limit", "must be a non-negative integer")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		filter.Limit = n
	}

	tasks := h.queue.List(c.Request.Context(), filter)
	c.JSON(http.StatusOK, TasksListResponse{Tasks: tasks, Total: len(tasks)})
}

// ReclaimTask forces an assigned task back into the queue
// POST /api/v1/tasks/:taskId/reclaim
func (h *Handler) ReclaimTask(c *gin.Context) {
	taskID := c.Param("taskId")

	if err := h.queue.Reclaim(c.Request.Context(), taskID); err != nil {
		respondError(c, err)
		return
	}

	h.logger.Info("Task reclaimed by operator", zap.String("task_id", taskID))
	c.Status(http.StatusNoContent)
}

// ListDeadLetter returns the dead letter lane
// GET /api/v1/dead-letter
func (h *Handler) ListDeadLetter(c *gin.Context) {
	tasks, err := h.queue.ListDeadLetter(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, TasksListResponse{Tasks: tasks, Total: len(tasks)})
}

// RetryDeadLetter moves a dead-lettered task back into the queue
// POST /api/v1/dead-letter/:taskId/retry
func (h *Handler) RetryDeadLetter(c *gin.Context) {
	taskID := c.Param("taskId")

	if err := h.queue.RetryDeadLetter(c.Request.Context(), taskID); err != nil {
		respondError(c, err)
		return
	}

	h.logger.Info("Dead-lettered task requeued", zap.String("task_id", taskID))
	c.Status(http.StatusNoContent)
}

// Agent endpoints

// ListAgents returns all known agents with their rate-limit gate state
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	agents := h.agents.ListAll()
	entries := make([]AgentEntry, len(agents))
	for i, a := range agents {
		entries[i] = AgentEntry{
			AgentInfo:   a,
			RateLimited: h.limiter.IsRateLimited(a.ID),
		}
	}
	c.JSON(http.StatusOK, AgentsListResponse{Agents: entries, Total: len(entries)})
}

// Stats returns the aggregate hub view
// GET /api/v1/stats
func (h *Handler) Stats(c *gin.Context) {
	agents := h.agents.ListAll()
	counts := AgentCounts{
		Total:   len(agents),
		ByState: make(map[string]int),
	}
	for _, a := range agents {
		counts.ByState[string(a.State)]++
		if a.State == v1.AgentStateIdle {
			counts.IdleList = append(counts.IdleList, a.ID)
		}
	}

	c.JSON(http.StatusOK, StatsResponse{
		Queue:  h.queue.Stats(c.Request.Context()),
		Agents: counts,
	})
}

// Rate limit endpoints

// SetRateOverride installs per-agent bucket parameters
// POST /api/v1/ratelimit/overrides
func (h *Handler) SetRateOverride(c *gin.Context) {
	var req RateOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.InvalidArgs("body", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	tier := ratelimit.Tier(req.Tier)
	if !ratelimit.ValidTier(tier) {
		appErr := errors.InvalidArgs("tier", "must be one of: light, normal, heavy")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if req.Capacity <= 0 || req.RefillPerMin <= 0 {
		appErr := errors.InvalidArgs("capacity", "capacity and refill_per_min must be positive")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	h.limiter.SetOverride(req.AgentID, tier, config.RateLimitTier{
		Capacity:     req.Capacity,
		RefillPerMin: req.RefillPerMin,
	})
	h.logger.Info("Rate override installed",
		zap.String("agent_id", req.AgentID),
		zap.String("tier", req.Tier))
	c.Status(http.StatusNoContent)
}

// AddExempt marks an agent as exempt from rate limiting
// POST /api/v1/ratelimit/exemptions
func (h *Handler) AddExempt(c *gin.Context) {
	var req ExemptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.InvalidArgs("body", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	h.limiter.AddExempt(req.AgentID)
	h.logger.Info("Rate limit exemption added", zap.String("agent_id", req.AgentID))
	c.Status(http.StatusNoContent)
}

// FSM endpoints

// FSMState returns the hub FSM counters
// GET /api/v1/fsm
func (h *Handler) FSMState(c *gin.Context) {
	c.JSON(http.StatusOK, h.fsm.StateInfo())
}

// FSMHistory returns recent transitions
// GET /api/v1/fsm/history?limit=
func (h *Handler) FSMHistory(c *gin.Context) {
	limit := 0
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			appErr := errors.InvalidArgs("limit", "must be a non-negative integer")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, h.fsm.History(limit))
}

// ForceTransition applies an operator-requested FSM transition
// POST /api/v1/fsm/transition
func (h *Handler) ForceTransition(c *gin.Context) {
	var req ForceTransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.InvalidArgs("body", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.fsm.Force(hubfsm.State(req.Target), req.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.fsm.StateInfo())
}

// PauseFSM suspends automatic FSM ticks
// POST /api/v1/fsm/pause
func (h *Handler) PauseFSM(c *gin.Context) {
	h.fsm.Pause()
	c.JSON(http.StatusOK, h.fsm.StateInfo())
}

// ResumeFSM re-enables automatic FSM ticks
// POST /api/v1/fsm/resume
func (h *Handler) ResumeFSM(c *gin.Context) {
	h.fsm.Resume()
	c.JSON(http.StatusOK, h.fsm.StateInfo())
}

// Health is the liveness endpoint
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
