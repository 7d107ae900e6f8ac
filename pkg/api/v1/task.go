// Package v1 contains the public data types shared by the hub core, the
// admin API, and the agent wire protocol.
package v1

import "time"

// TaskStatus represents the lifecycle status of a task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusDead      TaskStatus = "dead"
)

// IsTerminal reports whether the status permits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusDead
}

// Task priorities. Lower values are selected first.
const (
	PriorityUrgent = 0
	PriorityHigh   = 1
	PriorityNormal = 2
	PriorityLow    = 3
)

// ValidPriority reports whether p is within the supported priority range.
func ValidPriority(p int) bool {
	return p >= PriorityUrgent && p <= PriorityLow
}

// HistoryEntry records one task status transition.
type HistoryEntry struct {
	Timestamp int64      `json:"ts"` // epoch-ms
	From      TaskStatus `json:"old_status"`
	To        TaskStatus `json:"new_status"`
	Reason    string     `json:"reason,omitempty"`
}

// Task is the durable task record. Time fields are epoch milliseconds.
type Task struct {
	ID                 string                 `json:"id"`
	Status             TaskStatus             `json:"status"`
	Priority           int                    `json:"priority"`
	CreatedAt          int64                  `json:"created_at"`
	UpdatedAt          int64                  `json:"updated_at"`
	CompleteBy         int64                  `json:"complete_by,omitempty"` // 0 = no deadline
	Generation         int64                  `json:"generation"`
	AssignedTo         string                 `json:"assigned_to,omitempty"`
	AssignedAt         int64                  `json:"assigned_at,omitempty"`
	QueuedAt           int64                  `json:"queued_at,omitempty"` // last enqueue, drives lane ordering
	NeededCapabilities []string               `json:"needed_capabilities,omitempty"`
	Description        string                 `json:"description"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	RetryCount         int                    `json:"retry_count"`
	MaxRetries         int                    `json:"max_retries"`
	Progress           int                    `json:"progress,omitempty"` // advisory percentage
	History            []HistoryEntry         `json:"history,omitempty"`
	LastError          string                 `json:"last_error,omitempty"`
	Result             map[string]interface{} `json:"result,omitempty"`
}

// Clone returns a deep-enough copy of the task for handing to readers.
// Metadata and Result maps are shared; callers treat them as read-only.
func (t *Task) Clone() *Task {
	c := *t
	c.NeededCapabilities = append([]string(nil), t.NeededCapabilities...)
	c.History = append([]HistoryEntry(nil), t.History...)
	return &c
}

// MatchesCapabilities reports whether every needed capability is present in
// the given capability set.
func (t *Task) MatchesCapabilities(caps []string) bool {
	if len(t.NeededCapabilities) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	for _, need := range t.NeededCapabilities {
		if _, ok := set[need]; !ok {
			return false
		}
	}
	return true
}

// AssignmentEnvelope is the payload pushed to an agent when a task is
// assigned to it. The generation must be echoed back on completion or
// failure.
type AssignmentEnvelope struct {
	TaskID             string                 `json:"task_id"`
	Generation         int64                  `json:"generation"`
	Description        string                 `json:"description"`
	NeededCapabilities []string               `json:"needed_capabilities,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	AssignedAt         int64                  `json:"assigned_at"`
}

// TaskFilter selects tasks for list operations. Zero values match everything.
type TaskFilter struct {
	Status     TaskStatus `json:"status,omitempty"`
	Priority   *int       `json:"priority,omitempty"`
	AssignedTo string     `json:"assigned_to,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

// QueueStats summarizes queue occupancy for the stats endpoint.
type QueueStats struct {
	Queued     int           `json:"queued"`
	Assigned   int           `json:"assigned"`
	Completed  int           `json:"completed"`
	Dead       int           `json:"dead"`
	ByPriority map[int]int   `json:"by_priority"`
	Oldest     int64         `json:"oldest_queued_at,omitempty"`
}

// NowMs returns the current wall clock as epoch milliseconds.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
