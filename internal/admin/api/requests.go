package api

import (
	v1 "github.com/agentcom/agentcom/pkg/api/v1"
)

// SubmitTaskRequest is the payload for POST /api/v1/tasks
type SubmitTaskRequest struct {
	Description        string                 `json:"description" binding:"required"`
	Priority           *int                   `json:"priority,omitempty"`
	NeededCapabilities []string               `json:"needed_capabilities,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	MaxRetries         *int                   `json:"max_retries,omitempty"`
	CompleteBy         int64                  `json:"complete_by,omitempty"`
}

// SubmitTaskResponse returns the id of the enqueued task
type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
}

// ReclaimTaskRequest is the payload for POST /api/v1/tasks/:taskId/reclaim
type ReclaimTaskRequest struct {
	Reason string `json:"reason,omitempty"`
}

// TasksListResponse wraps a task listing
type TasksListResponse struct {
	Tasks []*v1.Task `json:"tasks"`
	Total int        `json:"total"`
}

// AgentEntry is one agent in a listing, annotated with its current
// rate-limit gate.
type AgentEntry struct {
	*v1.AgentInfo
	RateLimited bool `json:"rate_limited"`
}

// AgentsListResponse wraps an agent listing
type AgentsListResponse struct {
	Agents []AgentEntry `json:"agents"`
	Total  int          `json:"total"`
}

// RateOverrideRequest is the payload for POST /api/v1/ratelimit/overrides
type RateOverrideRequest struct {
	AgentID      string `json:"agent_id" binding:"required"`
	Tier         string `json:"tier" binding:"required"`
	Capacity     int    `json:"capacity" binding:"required"`
	RefillPerMin int    `json:"refill_per_min" binding:"required"`
}

// ExemptRequest is the payload for POST /api/v1/ratelimit/exemptions
type ExemptRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
}

// ForceTransitionRequest is the payload for POST /api/v1/fsm/transition
type ForceTransitionRequest struct {
	Target string `json:"target" binding:"required"`
	Reason string `json:"reason,omitempty"`
}

// StatsResponse aggregates the hub view for GET /api/v1/stats
type StatsResponse struct {
	Queue  *v1.QueueStats `json:"queue"`
	Agents AgentCounts    `json:"agents"`
}

// AgentCounts summarizes connected agents by state
type AgentCounts struct {
	Total    int            `json:"total"`
	ByState  map[string]int `json:"by_state"`
	IdleList []string       `json:"idle,omitempty"`
}
