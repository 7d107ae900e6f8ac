package v1

// AgentState represents the lifecycle state of a connected agent.
type AgentState string

const (
	AgentStateIdle     AgentState = "idle"
	AgentStateAssigned AgentState = "assigned"
	AgentStateWorking  AgentState = "working"
	AgentStateBlocked  AgentState = "blocked"
	AgentStateOffline  AgentState = "offline"
)

// CanAcceptTask reports whether an agent in this state may receive a new
// assignment.
func (s AgentState) CanAcceptTask() bool {
	return s == AgentStateIdle
}

// AgentInfo is the read-only view of an agent's lifecycle record exposed to
// the admin API and the scheduler.
type AgentInfo struct {
	ID            string     `json:"id"`
	State         AgentState `json:"state"`
	Capabilities  []string   `json:"capabilities,omitempty"`
	CurrentTaskID string     `json:"current_task_id,omitempty"`
	ConnectedAt   int64      `json:"connected_at,omitempty"`
	LastActiveAt  int64      `json:"last_active_at,omitempty"`
	BlockedReason string     `json:"blocked_reason,omitempty"`
}

// Clone returns a copy safe to hand out of the lifecycle manager.
func (a *AgentInfo) Clone() *AgentInfo {
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	return &c
}
