package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/agentcom/agentcom/pkg/api/v1"
)

func TestPeekType(t *testing.T) {
	raw := []byte(`{"type":"task_accepted","protocol_version":1,"task_id":"t-1","generation":1}`)
	env, err := PeekType(raw)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeTaskAccepted, env.Type)
	assert.Equal(t, 1, env.ProtocolVersion)
}

func TestPeekTypeMissingType(t *testing.T) {
	_, err := PeekType([]byte(`{"protocol_version":1}`))
	assert.Error(t, err)
}

func TestPeekTypeMalformed(t *testing.T) {
	_, err := PeekType([]byte(`{not json`))
	assert.Error(t, err)
}

func TestIsKnownType(t *testing.T) {
	assert.True(t, IsKnownType(MessageTypeIdentify))
	assert.True(t, IsKnownType(MessageTypeStateReport))
	assert.False(t, IsKnownType(MessageType("task_explode")))
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	raw := []byte(`{"type":"task_complete","protocol_version":1,"task_id":"t-1","generation":3,"result":{"status":"success"},"tokens_used":42,"future_field":"ignored"}`)

	var msg TaskComplete
	require.NoError(t, Decode(raw, &msg))
	assert.Equal(t, "t-1", msg.TaskID)
	assert.Equal(t, int64(3), msg.Generation)
	assert.Equal(t, "success", msg.Result["status"])
	assert.Equal(t, int64(42), msg.TokensUsed)
}

func TestTaskAssignFromEnvelope(t *testing.T) {
	env := &v1.AssignmentEnvelope{
		TaskID:             "t-ab12",
		Generation:         3,
		Description:        "refactor the parser",
		NeededCapabilities: []string{"code"},
		Metadata:           map[string]interface{}{"repo": "core"},
		AssignedAt:         1739558400123,
	}

	frame := NewTaskAssign(env)
	data, err := Encode(frame)
	require.NoError(t, err)

	var decoded TaskAssign
	require.NoError(t, Decode(data, &decoded))
	assert.Equal(t, MessageTypeTaskAssign, decoded.Type)
	assert.Equal(t, ProtocolVersion, decoded.ProtocolVersion)
	assert.Equal(t, "t-ab12", decoded.TaskID)
	assert.Equal(t, int64(3), decoded.Generation)
	assert.Equal(t, int64(1739558400123), decoded.AssignedAt)
}

func TestPingPongNonceEcho(t *testing.T) {
	ping := NewPing("n-42")
	pong := NewPong(ping.Nonce)
	assert.Equal(t, ping.Nonce, pong.Nonce)
	assert.Equal(t, MessageTypePong, pong.Type)
}
