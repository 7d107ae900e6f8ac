// Package events provides event types and utilities for the AgentCom event system.
package events

// Event types for tasks
const (
	TaskSubmitted    = "task.submitted"
	TaskAssigned     = "task.assigned"
	TaskCompleted    = "task.completed"
	TaskRetried      = "task.retried"
	TaskReclaimed    = "task.reclaimed"
	TaskDeadLettered = "task.dead_lettered"
	TaskProgress     = "task.progress"
)

// Event types for agents
const (
	AgentJoined = "agent.joined"
	AgentLeft   = "agent.left"
	AgentIdle   = "agent.idle"
)

// Event types for the rate limiter
const (
	RateLimitViolated = "ratelimit.violated"
	RateLimitCleared  = "ratelimit.cleared"
)

// Event types for the hub FSM
const (
	FSMTransition = "fsm.transition"
)

// Source identifiers used in published events.
const (
	SourceTaskQueue   = "task-queue"
	SourceLifecycle   = "agent-lifecycle"
	SourceScheduler   = "scheduler"
	SourceRateLimiter = "rate-limiter"
	SourceHubFSM      = "hub-fsm"
)
