// Package protocol defines the JSON wire protocol spoken between the hub
// and remote agent processes over a full-duplex framed connection.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the current wire protocol version. Additive fields are
// permitted within a version; breaking changes bump it.
const ProtocolVersion = 1

// MessageType identifies a wire frame.
type MessageType string

const (
	// Handshake
	MessageTypeIdentify      MessageType = "identify"
	MessageTypeIdentified    MessageType = "identified"
	MessageTypeIdentifyError MessageType = "identify_error"

	// Task lifecycle
	MessageTypeTaskAssign   MessageType = "task_assign"
	MessageTypeTaskAccepted MessageType = "task_accepted"
	MessageTypeTaskRejected MessageType = "task_rejected"
	MessageTypeTaskProgress MessageType = "task_progress"
	MessageTypeTaskComplete MessageType = "task_complete"
	MessageTypeTaskFailed   MessageType = "task_failed"
	MessageTypeTaskAck      MessageType = "task_ack"
	MessageTypeTaskAbandon  MessageType = "task_abandon"

	// Reconnect reconciliation
	MessageTypeStateReport MessageType = "state_report"

	// Flow control and keepalive
	MessageTypeRateLimited MessageType = "rate_limited"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeClose       MessageType = "close"
)

// knownTypes lists every frame type the hub understands. Frames with any
// other type close the connection.
var knownTypes = map[MessageType]bool{
	MessageTypeIdentify:      true,
	MessageTypeIdentified:    true,
	MessageTypeIdentifyError: true,
	MessageTypeTaskAssign:    true,
	MessageTypeTaskAccepted:  true,
	MessageTypeTaskRejected:  true,
	MessageTypeTaskProgress:  true,
	MessageTypeTaskComplete:  true,
	MessageTypeTaskFailed:    true,
	MessageTypeTaskAck:       true,
	MessageTypeTaskAbandon:   true,
	MessageTypeStateReport:   true,
	MessageTypeRateLimited:   true,
	MessageTypePing:          true,
	MessageTypePong:          true,
	MessageTypeClose:         true,
}

// IsKnownType reports whether t is a frame type this protocol version
// understands.
func IsKnownType(t MessageType) bool {
	return knownTypes[t]
}

// Envelope carries the fields common to every frame. Decoding a frame is a
// two-step process: decode the envelope to learn the type, then decode the
// full typed struct.
type Envelope struct {
	Type            MessageType `json:"type"`
	ProtocolVersion int         `json:"protocol_version"`
}

// PeekType decodes only the envelope of a raw frame.
func PeekType(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("frame missing type field")
	}
	return &env, nil
}

// Decode unmarshals a raw frame into the given typed message struct.
// Unknown fields are ignored.
func Decode(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("malformed %T frame: %w", v, err)
	}
	return nil
}

// Encode marshals a typed message struct into a raw frame.
func Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T frame: %w", v, err)
	}
	return data, nil
}
