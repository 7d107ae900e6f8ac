package session

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcom/agentcom/internal/agent/lifecycle"
	"github.com/agentcom/agentcom/internal/auth"
	"github.com/agentcom/agentcom/internal/common/config"
	apperrors "github.com/agentcom/agentcom/internal/common/errors"
	"github.com/agentcom/agentcom/internal/common/logger"
	"github.com/agentcom/agentcom/internal/events/bus"
	"github.com/agentcom/agentcom/internal/ratelimit"
	"github.com/agentcom/agentcom/pkg/protocol"
)

type fakeLifecycle struct {
	mu          sync.Mutex
	ensured     chan string
	accepted    chan string
	completed   chan string
	failed      chan string
	rejected    chan string
	progressed  chan string
	sessionLoss chan string

	completeErr error
	failErr     error
	verdict     lifecycle.ReconcileVerdict
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{
		ensured:     make(chan string, 4),
		accepted:    make(chan string, 4),
		completed:   make(chan string, 4),
		failed:      make(chan string, 4),
		rejected:    make(chan string, 4),
		progressed:  make(chan string, 4),
		sessionLoss: make(chan string, 4),
		verdict:     lifecycle.ReconcileContinue,
	}
}

func (f *fakeLifecycle) Ensure(agentID string, capabilities []string, session lifecycle.SessionHandle) {
	f.ensured <- agentID
}

func (f *fakeLifecycle) OnAccepted(agentID, taskID string, generation int64) {
	f.accepted <- taskID
}

func (f *fakeLifecycle) OnCompleted(ctx context.Context, agentID, taskID string, generation int64, result map[string]interface{}) error {
	f.mu.Lock()
	err := f.completeErr
	f.mu.Unlock()
	f.completed <- taskID
	return err
}

func (f *fakeLifecycle) OnFailed(ctx context.Context, agentID, taskID string, generation int64, reason string) error {
	f.mu.Lock()
	err := f.failErr
	f.mu.Unlock()
	f.failed <- taskID
	return err
}

func (f *fakeLifecycle) OnRejected(ctx context.Context, agentID, taskID string, generation int64, reason string) {
	f.rejected <- taskID
}

func (f *fakeLifecycle) OnSessionLoss(agentID string, session lifecycle.SessionHandle) {
	f.sessionLoss <- agentID
}

func (f *fakeLifecycle) ReconcileStateReport(ctx context.Context, agentID, taskID, status string, generation int64) lifecycle.ReconcileVerdict {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verdict
}

type fakeProgress struct {
	reports chan string
}

func (f *fakeProgress) UpdateProgress(ctx context.Context, taskID string, generation int64, percent int) {
	f.reports <- taskID
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func generousRateConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		Light:          config.RateLimitTier{Capacity: 1000, RefillPerMin: 60000},
		Normal:         config.RateLimitTier{Capacity: 1000, RefillPerMin: 60000},
		Heavy:          config.RateLimitTier{Capacity: 1000, RefillPerMin: 60000},
		BackoffCurveMs: []int{1000},
		QuietResetMs:   60000,
	}
}

type fixture struct {
	lc       *fakeLifecycle
	progress *fakeProgress
	srv      *httptest.Server
}

func newFixture(t *testing.T, rateCfg config.RateLimitConfig) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := testLogger(t)

	lc := newFakeLifecycle()
	progress := &fakeProgress{reports: make(chan string, 4)}
	limiter := ratelimit.NewLimiter(rateCfg, bus.NewMemoryEventBus(log), log)
	validator := auth.NewStaticValidator(config.AuthConfig{
		Tokens: map[string]string{"a-1": "secret"},
	}, log)

	server := NewServer(config.SessionConfig{
		KeepaliveMs:   30_000,
		MaxFrameBytes: 512 * 1024,
	}, lc, progress, limiter, validator, log)

	router := gin.New()
	server.RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &fixture{lc: lc, progress: progress, srv: srv}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame interface{}) {
	t.Helper()
	data, err := protocol.Encode(frame)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readFrame(t *testing.T, conn *websocket.Conn) (protocol.MessageType, []byte) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.PeekType(raw)
	require.NoError(t, err)
	return env.Type, raw
}

func identify(t *testing.T, f *fixture, conn *websocket.Conn) {
	t.Helper()
	writeFrame(t, conn, &protocol.Identify{
		Type:            protocol.MessageTypeIdentify,
		ProtocolVersion: protocol.ProtocolVersion,
		AgentID:         "a-1",
		Token:           "secret",
		Capabilities:    []string{"golang"},
	})
	msgType, raw := readFrame(t, conn)
	require.Equal(t, protocol.MessageTypeIdentified, msgType)

	var msg protocol.Identified
	require.NoError(t, protocol.Decode(raw, &msg))
	assert.Equal(t, "a-1", msg.AgentID)

	select {
	case id := <-f.lc.ensured:
		assert.Equal(t, "a-1", id)
	case <-time.After(time.Second):
		t.Fatal("lifecycle never saw the agent")
	}
}

func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestIdentifyHandshake(t *testing.T) {
	f := newFixture(t, generousRateConfig())
	conn := f.dial(t)
	identify(t, f, conn)
}

func TestFrameBeforeIdentifyRejected(t *testing.T) {
	f := newFixture(t, generousRateConfig())
	conn := f.dial(t)

	writeFrame(t, conn, protocol.NewPing("n1"))
	msgType, _ := readFrame(t, conn)
	assert.Equal(t, protocol.MessageTypeIdentifyError, msgType)
	expectClosed(t, conn)
}

func TestIdentifyBadToken(t *testing.T) {
	f := newFixture(t, generousRateConfig())
	conn := f.dial(t)

	writeFrame(t, conn, &protocol.Identify{
		Type:            protocol.MessageTypeIdentify,
		ProtocolVersion: protocol.ProtocolVersion,
		AgentID:         "a-1",
		Token:           "wrong",
	})
	msgType, _ := readFrame(t, conn)
	assert.Equal(t, protocol.MessageTypeIdentifyError, msgType)
	expectClosed(t, conn)
}

func TestIdentifyBadProtocolVersion(t *testing.T) {
	f := newFixture(t, generousRateConfig())
	conn := f.dial(t)

	writeFrame(t, conn, &protocol.Identify{
		Type:            protocol.MessageTypeIdentify,
		ProtocolVersion: 99,
		AgentID:         "a-1",
		Token:           "secret",
	})
	msgType, raw := readFrame(t, conn)
	require.Equal(t, protocol.MessageTypeIdentifyError, msgType)

	var msg protocol.IdentifyError
	require.NoError(t, protocol.Decode(raw, &msg))
	assert.Contains(t, msg.Reason, "protocol version")
}

func TestCompleteAckStatuses(t *testing.T) {
	f := newFixture(t, generousRateConfig())
	conn := f.dial(t)
	identify(t, f, conn)

	writeFrame(t, conn, &protocol.TaskComplete{
		Type:            protocol.MessageTypeTaskComplete,
		ProtocolVersion: protocol.ProtocolVersion,
		TaskID:          "t-1",
		Generation:      1,
	})
	msgType, raw := readFrame(t, conn)
	require.Equal(t, protocol.MessageTypeTaskAck, msgType)
	var ack protocol.TaskAck
	require.NoError(t, protocol.Decode(raw, &ack))
	assert.Equal(t, protocol.AckStatusComplete, ack.Status)

	// a fenced-out completion acks stale
	f.lc.mu.Lock()
	f.lc.completeErr = apperrors.StaleGeneration("t-1", 1, 2)
	f.lc.mu.Unlock()

	writeFrame(t, conn, &protocol.TaskComplete{
		Type:            protocol.MessageTypeTaskComplete,
		ProtocolVersion: protocol.ProtocolVersion,
		TaskID:          "t-1",
		Generation:      1,
	})
	msgType, raw = readFrame(t, conn)
	require.Equal(t, protocol.MessageTypeTaskAck, msgType)
	require.NoError(t, protocol.Decode(raw, &ack))
	assert.Equal(t, protocol.AckStatusStale, ack.Status)
}

func TestFailedAckUnknownTask(t *testing.T) {
	f := newFixture(t, generousRateConfig())
	conn := f.dial(t)
	identify(t, f, conn)

	f.lc.mu.Lock()
	f.lc.failErr = apperrors.NotFound("task", "t-missing")
	f.lc.mu.Unlock()

	writeFrame(t, conn, &protocol.TaskFailed{
		Type:            protocol.MessageTypeTaskFailed,
		ProtocolVersion: protocol.ProtocolVersion,
		TaskID:          "t-missing",
		Generation:      1,
		Reason:          "boom",
	})
	msgType, raw := readFrame(t, conn)
	require.Equal(t, protocol.MessageTypeTaskAck, msgType)
	var ack protocol.TaskAck
	require.NoError(t, protocol.Decode(raw, &ack))
	assert.Equal(t, protocol.AckStatusUnknown, ack.Status)
}

func TestStateReportAbandon(t *testing.T) {
	f := newFixture(t, generousRateConfig())
	f.lc.mu.Lock()
	f.lc.verdict = lifecycle.ReconcileAbandon
	f.lc.mu.Unlock()

	conn := f.dial(t)
	identify(t, f, conn)

	writeFrame(t, conn, &protocol.StateReport{
		Type:            protocol.MessageTypeStateReport,
		ProtocolVersion: protocol.ProtocolVersion,
		TaskID:          "t-old",
		Status:          "working",
		Generation:      1,
	})
	msgType, raw := readFrame(t, conn)
	require.Equal(t, protocol.MessageTypeTaskAbandon, msgType)

	var msg protocol.TaskAbandon
	require.NoError(t, protocol.Decode(raw, &msg))
	assert.Equal(t, "t-old", msg.TaskID)
}

func TestProgressForwarded(t *testing.T) {
	f := newFixture(t, generousRateConfig())
	conn := f.dial(t)
	identify(t, f, conn)

	writeFrame(t, conn, &protocol.TaskProgress{
		Type:            protocol.MessageTypeTaskProgress,
		ProtocolVersion: protocol.ProtocolVersion,
		TaskID:          "t-1",
		Generation:      1,
		Percent:         40,
	})
	select {
	case id := <-f.progress.reports:
		assert.Equal(t, "t-1", id)
	case <-time.After(time.Second):
		t.Fatal("progress never forwarded")
	}
}

func TestPingPongEcho(t *testing.T) {
	f := newFixture(t, generousRateConfig())
	conn := f.dial(t)
	identify(t, f, conn)

	writeFrame(t, conn, protocol.NewPing("nonce-7"))
	msgType, raw := readFrame(t, conn)
	require.Equal(t, protocol.MessageTypePong, msgType)

	var msg protocol.Pong
	require.NoError(t, protocol.Decode(raw, &msg))
	assert.Equal(t, "nonce-7", msg.Nonce)
}

func TestUnknownTypeClosesConnection(t *testing.T) {
	f := newFixture(t, generousRateConfig())
	conn := f.dial(t)
	identify(t, f, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"teleport","protocol_version":1}`)))
	expectClosed(t, conn)
}

func TestRateLimitedFrameDropped(t *testing.T) {
	cfg := generousRateConfig()
	cfg.Normal = config.RateLimitTier{Capacity: 1, RefillPerMin: 1}
	f := newFixture(t, cfg)

	conn := f.dial(t)
	identify(t, f, conn)

	// first ping drains the single normal token, second is denied
	writeFrame(t, conn, protocol.NewPing("p1"))
	writeFrame(t, conn, protocol.NewPing("p2"))

	var sawDeny bool
	for i := 0; i < 4 && !sawDeny; i++ {
		msgType, raw := readFrame(t, conn)
		if msgType != protocol.MessageTypeRateLimited {
			continue
		}
		var msg protocol.RateLimited
		require.NoError(t, protocol.Decode(raw, &msg))
		if msg.RetryAfterMs > 0 {
			sawDeny = true
		}
	}
	assert.True(t, sawDeny, "expected a deny with retry_after_ms > 0")
}

func TestSessionLossReported(t *testing.T) {
	f := newFixture(t, generousRateConfig())
	conn := f.dial(t)
	identify(t, f, conn)

	require.NoError(t, conn.Close())
	select {
	case id := <-f.lc.sessionLoss:
		assert.Equal(t, "a-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("session loss never reported")
	}
}

func TestUnidentifiedDisconnectSilent(t *testing.T) {
	f := newFixture(t, generousRateConfig())
	conn := f.dial(t)

	require.NoError(t, conn.Close())
	select {
	case <-f.lc.sessionLoss:
		t.Fatal("unidentified session must not report loss")
	case <-time.After(200 * time.Millisecond):
	}
}
