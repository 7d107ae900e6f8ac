// Package session owns one full-duplex connection per remote agent. It
// translates inbound frames into lifecycle calls and serializes outbound
// pushes through a per-session writer.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentcom/agentcom/internal/agent/lifecycle"
	"github.com/agentcom/agentcom/internal/auth"
	"github.com/agentcom/agentcom/internal/common/config"
	apperrors "github.com/agentcom/agentcom/internal/common/errors"
	"github.com/agentcom/agentcom/internal/common/logger"
	"github.com/agentcom/agentcom/internal/ratelimit"
	"github.com/agentcom/agentcom/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Outbound queue depth per session
	sendBuffer = 256
)

var errSessionClosed = errors.New("session closed")

// Lifecycle is the slice of the lifecycle manager a session drives.
type Lifecycle interface {
	Ensure(agentID string, capabilities []string, session lifecycle.SessionHandle)
	OnAccepted(agentID, taskID string, generation int64)
	OnCompleted(ctx context.Context, agentID, taskID string, generation int64, result map[string]interface{}) error
	OnFailed(ctx context.Context, agentID, taskID string, generation int64, reason string) error
	OnRejected(ctx context.Context, agentID, taskID string, generation int64, reason string)
	OnSessionLoss(agentID string, session lifecycle.SessionHandle)
	ReconcileStateReport(ctx context.Context, agentID, taskID, status string, generation int64) lifecycle.ReconcileVerdict
}

// ProgressSink receives advisory progress reports.
type ProgressSink interface {
	UpdateProgress(ctx context.Context, taskID string, generation int64, percent int)
}

// Session is one live agent connection.
type Session struct {
	conn      *websocket.Conn
	cfg       config.SessionConfig
	lifecycle Lifecycle
	progress  ProgressSink
	limiter   *ratelimit.Limiter
	validator auth.TokenValidator
	logger    *logger.Logger

	agentID    string
	identified bool

	send       chan []byte
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
}

var _ lifecycle.SessionHandle = (*Session)(nil)

// New creates a session for an upgraded connection. Run must be called to
// start the pumps.
func New(conn *websocket.Conn, cfg config.SessionConfig, lc Lifecycle, progress ProgressSink,
	limiter *ratelimit.Limiter, validator auth.TokenValidator, log *logger.Logger) *Session {
	return &Session{
		conn:       conn,
		cfg:        cfg,
		lifecycle:  lc,
		progress:   progress,
		limiter:    limiter,
		validator:  validator,
		logger:     log.WithFields(zap.String("component", "session")),
		send:       make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// AgentID returns the identified agent id, empty before the handshake.
func (s *Session) AgentID() string {
	return s.agentID
}

// Send queues a frame for delivery. Frames to one agent go out in the
// order they were queued. A full queue closes the session: a consumer
// that cannot drain its queue is indistinguishable from a dead one.
func (s *Session) Send(frame interface{}) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return errSessionClosed
	default:
		s.logger.Warn("Outbound queue full, closing session",
			zap.String("agent_id", s.agentID))
		s.Close("slow consumer")
		return errSessionClosed
	}
}

// Close tears the connection down. Idempotent.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		if data, err := protocol.Encode(protocol.NewClose(websocket.CloseNormalClosure, reason)); err == nil {
			select {
			case s.send <- data:
			default:
			}
		}
		// give the writer a moment to flush, then force-close
		time.AfterFunc(writeWait, func() { _ = s.conn.Close() })
	})
}

// Run executes the read and write pumps, returning when the connection
// dies. It always reports session loss to the lifecycle.
func (s *Session) Run(ctx context.Context) {
	go s.writePump()
	s.readPump(ctx)

	close(s.done)
	// take over the writer and push out anything still queued, so a
	// final rejection or ack reaches the peer before the close
	<-s.writerDone
	s.flushPending()
	_ = s.conn.Close()

	if s.identified {
		s.lifecycle.OnSessionLoss(s.agentID, s)
	}
}

// flushPending drains frames queued before the session ended. Only
// called after the write pump has exited.
func (s *Session) flushPending() {
	for {
		select {
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// pongWait is the inbound idle ceiling: two missed keepalives close the
// connection.
func (s *Session) pongWait() time.Duration {
	return 2 * s.cfg.Keepalive()
}

func (s *Session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(int64(s.cfg.MaxFrameBytes))
	_ = s.conn.SetReadDeadline(time.Now().Add(s.pongWait()))

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("Read error", zap.String("agent_id", s.agentID), zap.Error(err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.pongWait()))

		if !s.handleFrame(ctx, raw) {
			return
		}
	}
}

// handleFrame processes one inbound frame. Returns false to close the
// connection.
func (s *Session) handleFrame(ctx context.Context, raw []byte) bool {
	env, err := protocol.PeekType(raw)
	if err != nil {
		s.logger.Warn("Malformed frame", zap.String("agent_id", s.agentID), zap.Error(err))
		return false
	}
	if !protocol.IsKnownType(env.Type) {
		s.logger.Warn("Unknown frame type closes connection",
			zap.String("agent_id", s.agentID),
			zap.String("type", string(env.Type)))
		return false
	}

	if !s.identified {
		if env.Type != protocol.MessageTypeIdentify {
			_ = s.Send(protocol.NewIdentifyError("identify required before any other message"))
			return false
		}
		return s.handleIdentify(raw)
	}

	// every post-handshake frame passes the rate limit gate
	tier := frameTier(env.Type)
	decision := s.limiter.Check(s.agentID, ratelimit.ChannelWS, tier, 1)
	if !decision.Allow {
		_ = s.Send(protocol.NewRateLimited(string(tier), decision.RetryAfterMs))
		return true // drop the frame, keep the connection
	}
	if decision.Warn {
		_ = s.Send(protocol.NewRateLimited(string(tier), 0))
	}

	return s.dispatch(ctx, env.Type, raw)
}

// frameTier classifies inbound frames for bucket selection.
func frameTier(t protocol.MessageType) ratelimit.Tier {
	switch t {
	case protocol.MessageTypeTaskProgress, protocol.MessageTypePong:
		return ratelimit.TierLight
	case protocol.MessageTypeTaskComplete, protocol.MessageTypeTaskFailed, protocol.MessageTypeIdentify:
		return ratelimit.TierHeavy
	default:
		return ratelimit.TierNormal
	}
}

func (s *Session) handleIdentify(raw []byte) bool {
	var msg protocol.Identify
	if err := protocol.Decode(raw, &msg); err != nil {
		_ = s.Send(protocol.NewIdentifyError("malformed identify"))
		return false
	}
	if msg.ProtocolVersion != protocol.ProtocolVersion {
		_ = s.Send(protocol.NewIdentifyError("unsupported protocol version"))
		return false
	}

	// identify is heavy-tier on the connecting agent's own buckets
	decision := s.limiter.Check(msg.AgentID, ratelimit.ChannelWS, ratelimit.TierHeavy, 1)
	if !decision.Allow {
		_ = s.Send(protocol.NewIdentifyError("rate limited"))
		return false
	}

	if err := s.validator.Validate(msg.AgentID, msg.Token); err != nil {
		s.logger.Warn("Identify rejected",
			zap.String("agent_id", msg.AgentID),
			zap.Error(err))
		_ = s.Send(protocol.NewIdentifyError("authentication failed"))
		return false
	}

	s.agentID = msg.AgentID
	s.identified = true
	s.logger = s.logger.WithFields(zap.String("agent_id", msg.AgentID))
	s.lifecycle.Ensure(msg.AgentID, msg.Capabilities, s)
	_ = s.Send(protocol.NewIdentified(msg.AgentID))

	s.logger.Info("Agent session established",
		zap.Strings("capabilities", msg.Capabilities),
		zap.String("client_type", msg.ClientType))
	return true
}

// dispatch routes one identified frame to its handler.
func (s *Session) dispatch(ctx context.Context, msgType protocol.MessageType, raw []byte) bool {
	switch msgType {
	case protocol.MessageTypeTaskAccepted:
		var msg protocol.TaskAccepted
		if err := protocol.Decode(raw, &msg); err != nil {
			return true
		}
		s.lifecycle.OnAccepted(s.agentID, msg.TaskID, msg.Generation)

	case protocol.MessageTypeTaskRejected:
		var msg protocol.TaskRejected
		if err := protocol.Decode(raw, &msg); err != nil {
			return true
		}
		s.lifecycle.OnRejected(ctx, s.agentID, msg.TaskID, msg.Generation, msg.Reason)

	case protocol.MessageTypeTaskProgress:
		var msg protocol.TaskProgress
		if err := protocol.Decode(raw, &msg); err != nil {
			return true
		}
		s.progress.UpdateProgress(ctx, msg.TaskID, msg.Generation, msg.Percent)

	case protocol.MessageTypeTaskComplete:
		var msg protocol.TaskComplete
		if err := protocol.Decode(raw, &msg); err != nil {
			return true
		}
		err := s.lifecycle.OnCompleted(ctx, s.agentID, msg.TaskID, msg.Generation, msg.Result)
		_ = s.Send(protocol.NewTaskAck(msg.TaskID, ackStatus(err, protocol.AckStatusComplete)))

	case protocol.MessageTypeTaskFailed:
		var msg protocol.TaskFailed
		if err := protocol.Decode(raw, &msg); err != nil {
			return true
		}
		err := s.lifecycle.OnFailed(ctx, s.agentID, msg.TaskID, msg.Generation, msg.Reason)
		_ = s.Send(protocol.NewTaskAck(msg.TaskID, ackStatus(err, protocol.AckStatusFailed)))

	case protocol.MessageTypeStateReport:
		var msg protocol.StateReport
		if err := protocol.Decode(raw, &msg); err != nil {
			return true
		}
		verdict := s.lifecycle.ReconcileStateReport(ctx, s.agentID, msg.TaskID, msg.Status, msg.Generation)
		if verdict == lifecycle.ReconcileAbandon {
			_ = s.Send(protocol.NewTaskAbandon(msg.TaskID, "obsolete after reconnect"))
		}

	case protocol.MessageTypePing:
		var msg protocol.Ping
		if err := protocol.Decode(raw, &msg); err != nil {
			return true
		}
		_ = s.Send(protocol.NewPong(msg.Nonce))

	case protocol.MessageTypePong:
		// read deadline already refreshed

	case protocol.MessageTypeClose:
		return false

	default:
		// hub-to-agent types arriving inbound are protocol violations
		s.logger.Warn("Unexpected inbound frame type",
			zap.String("type", string(msgType)))
		return false
	}
	return true
}

// ackStatus maps a settlement error to the wire ack status.
func ackStatus(err error, success string) string {
	switch {
	case err == nil:
		return success
	case apperrors.IsStaleGeneration(err) || apperrors.IsWrongState(err):
		return protocol.AckStatusStale
	case apperrors.IsNotFound(err):
		return protocol.AckStatusUnknown
	default:
		return protocol.AckStatusUnknown
	}
}

// writePump serializes outbound frames and emits keepalive pings.
func (s *Session) writePump() {
	defer close(s.writerDone)
	ticker := time.NewTicker(s.cfg.Keepalive())
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			ping, err := protocol.Encode(protocol.NewPing(uuid.New().String()[:8]))
			if err != nil {
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}
