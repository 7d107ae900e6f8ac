package protocol

// Identify is the first frame a client sends after connecting.
type Identify struct {
	Type            MessageType `json:"type"`
	ProtocolVersion int         `json:"protocol_version"`
	AgentID         string      `json:"agent_id"`
	Token           string      `json:"token"`
	Capabilities    []string    `json:"capabilities"`
	ClientType      string      `json:"client_type,omitempty"`
}

// Identified confirms a successful handshake.
type Identified struct {
	Type            MessageType `json:"type"`
	ProtocolVersion int         `json:"protocol_version"`
	AgentID         string      `json:"agent_id"`
}

// IdentifyError rejects a handshake; the connection closes after it is sent.
type IdentifyError struct {
	Type            MessageType `json:"type"`
	ProtocolVersion int         `json:"protocol_version"`
	Reason          string      `json:"reason"`
}

// TaskAssign pushes an assignment to an agent. It must be answered with
// TaskAccepted or TaskRejected within the acceptance timeout.
type TaskAssign struct {
	Type               MessageType            `json:"type"`
	ProtocolVersion    int                    `json:"protocol_version"`
	TaskID             string                 `json:"task_id"`
	Generation         int64                  `json:"generation"`
	Description        string                 `json:"description"`
	NeededCapabilities []string               `json:"needed_capabilities,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	AssignedAt         int64                  `json:"assigned_at"`
}

// TaskAccepted acknowledges an assignment; the agent starts working.
type TaskAccepted struct {
	Type            MessageType `json:"type"`
	ProtocolVersion int         `json:"protocol_version"`
	TaskID          string      `json:"task_id"`
	Generation      int64       `json:"generation"`
}

// TaskRejected declines an assignment; the hub reclaims the task.
type TaskRejected struct {
	Type            MessageType `json:"type"`
	ProtocolVersion int         `json:"protocol_version"`
	TaskID          string      `json:"task_id"`
	Generation      int64       `json:"generation"`
	Reason          string      `json:"reason,omitempty"`
}

// TaskProgress is an advisory progress report. Never acked.
type TaskProgress struct {
	Type            MessageType `json:"type"`
	ProtocolVersion int         `json:"protocol_version"`
	TaskID          string      `json:"task_id"`
	Generation      int64       `json:"generation"`
	Percent         int         `json:"percent"`
}

// TaskComplete reports fenced completion. The hub answers with TaskAck.
type TaskComplete struct {
	Type            MessageType            `json:"type"`
	ProtocolVersion int                    `json:"protocol_version"`
	TaskID          string                 `json:"task_id"`
	Generation      int64                  `json:"generation"`
	Result          map[string]interface{} `json:"result,omitempty"`
	TokensUsed      int64                  `json:"tokens_used,omitempty"`
}

// TaskFailed reports fenced failure. The hub answers with TaskAck.
type TaskFailed struct {
	Type            MessageType `json:"type"`
	ProtocolVersion int         `json:"protocol_version"`
	TaskID          string      `json:"task_id"`
	Generation      int64       `json:"generation"`
	Reason          string      `json:"reason"`
}

// Ack statuses returned in TaskAck frames.
const (
	AckStatusComplete = "complete"
	AckStatusFailed   = "failed"
	AckStatusStale    = "stale"
	AckStatusUnknown  = "unknown"
)

// TaskAck is the hub's reply to TaskComplete and TaskFailed. A stale
// generation is acked with AckStatusStale and causes no state change.
type TaskAck struct {
	Type            MessageType `json:"type"`
	ProtocolVersion int         `json:"protocol_version"`
	TaskID          string      `json:"task_id"`
	Status          string      `json:"status"`
}

// TaskAbandon tells an agent to drop the task it believes it is running.
// Sent during reconnect reconciliation when the agent's view is obsolete.
type TaskAbandon struct {
	Type            MessageType `json:"type"`
	ProtocolVersion int         `json:"protocol_version"`
	TaskID          string      `json:"task_id"`
	Reason          string      `json:"reason,omitempty"`
}

// StateReport is sent by an agent on reconnect so the hub can reconcile
// the agent's view of its current task against the hub's.
type StateReport struct {
	Type            MessageType `json:"type"`
	ProtocolVersion int         `json:"protocol_version"`
	TaskID          string      `json:"task_id,omitempty"`
	Status          string      `json:"status"`
	Generation      int64       `json:"generation,omitempty"`
}

// RateLimited warns an agent that it hit or is approaching a limit.
type RateLimited struct {
	Type            MessageType `json:"type"`
	ProtocolVersion int         `json:"protocol_version"`
	Tier            string      `json:"tier"`
	RetryAfterMs    int64       `json:"retry_after_ms"`
}

// Ping is a keepalive probe; the peer echoes the nonce in a Pong.
type Ping struct {
	Type            MessageType `json:"type"`
	ProtocolVersion int         `json:"protocol_version"`
	Nonce           string      `json:"nonce,omitempty"`
}

// Pong answers a Ping.
type Pong struct {
	Type            MessageType `json:"type"`
	ProtocolVersion int         `json:"protocol_version"`
	Nonce           string      `json:"nonce,omitempty"`
}

// Close announces a graceful shutdown of the connection.
type Close struct {
	Type            MessageType `json:"type"`
	ProtocolVersion int         `json:"protocol_version"`
	Code            int         `json:"code,omitempty"`
	Reason          string      `json:"reason,omitempty"`
}
