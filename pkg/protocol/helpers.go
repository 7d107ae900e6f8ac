package protocol

import v1 "github.com/agentcom/agentcom/pkg/api/v1"

// NewIdentified creates the handshake confirmation frame.
func NewIdentified(agentID string) *Identified {
	return &Identified{
		Type:            MessageTypeIdentified,
		ProtocolVersion: ProtocolVersion,
		AgentID:         agentID,
	}
}

// NewIdentifyError creates a handshake rejection frame.
func NewIdentifyError(reason string) *IdentifyError {
	return &IdentifyError{
		Type:            MessageTypeIdentifyError,
		ProtocolVersion: ProtocolVersion,
		Reason:          reason,
	}
}

// NewTaskAssign creates an assignment frame from an assignment envelope.
func NewTaskAssign(env *v1.AssignmentEnvelope) *TaskAssign {
	return &TaskAssign{
		Type:               MessageTypeTaskAssign,
		ProtocolVersion:    ProtocolVersion,
		TaskID:             env.TaskID,
		Generation:         env.Generation,
		Description:        env.Description,
		NeededCapabilities: env.NeededCapabilities,
		Metadata:           env.Metadata,
		AssignedAt:         env.AssignedAt,
	}
}

// NewTaskAck creates a completion/failure acknowledgement frame.
func NewTaskAck(taskID, status string) *TaskAck {
	return &TaskAck{
		Type:            MessageTypeTaskAck,
		ProtocolVersion: ProtocolVersion,
		TaskID:          taskID,
		Status:          status,
	}
}

// NewTaskAbandon creates an abandon directive frame.
func NewTaskAbandon(taskID, reason string) *TaskAbandon {
	return &TaskAbandon{
		Type:            MessageTypeTaskAbandon,
		ProtocolVersion: ProtocolVersion,
		TaskID:          taskID,
		Reason:          reason,
	}
}

// NewRateLimited creates a rate-limit warning frame.
func NewRateLimited(tier string, retryAfterMs int64) *RateLimited {
	return &RateLimited{
		Type:            MessageTypeRateLimited,
		ProtocolVersion: ProtocolVersion,
		Tier:            tier,
		RetryAfterMs:    retryAfterMs,
	}
}

// NewPing creates a keepalive probe frame.
func NewPing(nonce string) *Ping {
	return &Ping{
		Type:            MessageTypePing,
		ProtocolVersion: ProtocolVersion,
		Nonce:           nonce,
	}
}

// NewPong creates a keepalive reply frame echoing the probe nonce.
func NewPong(nonce string) *Pong {
	return &Pong{
		Type:            MessageTypePong,
		ProtocolVersion: ProtocolVersion,
		Nonce:           nonce,
	}
}

// NewClose creates a graceful close frame.
func NewClose(code int, reason string) *Close {
	return &Close{
		Type:            MessageTypeClose,
		ProtocolVersion: ProtocolVersion,
		Code:            code,
		Reason:          reason,
	}
}
