// Package lifecycle owns the per-agent finite state machine: identify,
// assignment push, acceptance timeout, completion settlement, and session
// loss handling.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentcom/agentcom/internal/common/config"
	apperrors "github.com/agentcom/agentcom/internal/common/errors"
	"github.com/agentcom/agentcom/internal/common/logger"
	"github.com/agentcom/agentcom/internal/events"
	"github.com/agentcom/agentcom/internal/events/bus"
	v1 "github.com/agentcom/agentcom/pkg/api/v1"
	"github.com/agentcom/agentcom/pkg/protocol"
)

// SessionHandle is the lifecycle's view of a live agent connection.
// Sends are fire-and-forget; delivery order to one agent is preserved by
// the session itself.
type SessionHandle interface {
	AgentID() string
	Send(frame interface{}) error
	Close(reason string)
}

// TaskSettler is the slice of the task queue the lifecycle needs to settle
// outcomes and return reclaimed work.
type TaskSettler interface {
	Complete(ctx context.Context, taskID string, generation int64, result map[string]interface{}) error
	Fail(ctx context.Context, taskID string, generation int64, reason string) error
	Reclaim(ctx context.Context, taskID string) error
}

// agentRecord is the in-memory FSM state for one agent. Nothing here is
// persisted: it is rebuilt from identify and state_report on reconnect.
type agentRecord struct {
	id              string
	capabilities    []string
	state           v1.AgentState
	currentTaskID   string
	currentGen      int64
	connectedAt     int64
	lastStateChange int64
	blockedReason   string
	session         SessionHandle
	acceptTimer     *time.Timer
}

// Manager supervises every agent FSM.
type Manager struct {
	mu       sync.RWMutex
	agents   map[string]*agentRecord
	queue    TaskSettler
	eventBus bus.EventBus
	logger   *logger.Logger

	acceptanceTimeout time.Duration
}

// NewManager creates the lifecycle manager.
func NewManager(cfg config.LifecycleConfig, queue TaskSettler, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		agents:            make(map[string]*agentRecord),
		queue:             queue,
		eventBus:          eventBus,
		logger:            log.WithFields(zap.String("component", "agent-lifecycle")),
		acceptanceTimeout: cfg.AcceptanceTimeout(),
	}
}

// Ensure registers or refreshes an agent on identify. A reconnecting agent
// that the hub still shows holding a task keeps it; reconciliation via
// state_report settles who is right. Otherwise the agent lands in idle.
func (m *Manager) Ensure(agentID string, capabilities []string, session SessionHandle) {
	m.mu.Lock()

	now := v1.NowMs()
	rec, exists := m.agents[agentID]
	if !exists {
		rec = &agentRecord{id: agentID, state: v1.AgentStateOffline}
		m.agents[agentID] = rec
	}

	// a stale connection for the same agent is superseded
	old := rec.session
	rec.session = session
	rec.capabilities = append([]string(nil), capabilities...)
	rec.connectedAt = now

	holdsTask := rec.state == v1.AgentStateAssigned || rec.state == v1.AgentStateWorking
	if !holdsTask {
		m.setState(rec, v1.AgentStateIdle, now)
	}
	m.mu.Unlock()

	if old != nil && old != session {
		old.Close("superseded by new connection")
	}

	m.publish(events.AgentJoined, agentID, map[string]interface{}{
		"capabilities": capabilities,
	})
	m.logger.Info("Agent identified",
		zap.String("agent_id", agentID),
		zap.Strings("capabilities", capabilities),
		zap.Bool("holds_task", holdsTask))
}

// PushTask delivers an assignment to an idle agent and arms the acceptance
// timer. The caller (scheduler) reclaims the task if this fails.
func (m *Manager) PushTask(agentID string, env *v1.AssignmentEnvelope) error {
	m.mu.Lock()

	rec, ok := m.agents[agentID]
	if !ok || rec.session == nil {
		m.mu.Unlock()
		return apperrors.AgentOffline(agentID)
	}
	if rec.state != v1.AgentStateIdle {
		m.mu.Unlock()
		return apperrors.AgentBusy(agentID)
	}

	now := v1.NowMs()
	m.setState(rec, v1.AgentStateAssigned, now)
	rec.currentTaskID = env.TaskID
	rec.currentGen = env.Generation
	session := rec.session

	taskID, gen := env.TaskID, env.Generation
	rec.acceptTimer = time.AfterFunc(m.acceptanceTimeout, func() {
		m.onAcceptanceTimeout(agentID, taskID, gen)
	})
	m.mu.Unlock()

	if err := session.Send(protocol.NewTaskAssign(env)); err != nil {
		m.mu.Lock()
		if rec.currentTaskID == env.TaskID && rec.currentGen == env.Generation {
			m.clearAssignment(rec)
			m.setState(rec, v1.AgentStateIdle, v1.NowMs())
		}
		m.mu.Unlock()
		return apperrors.Wrap(err, "failed to send assignment")
	}

	m.logger.Info("Assignment pushed",
		zap.String("agent_id", agentID),
		zap.String("task_id", env.TaskID),
		zap.Int64("generation", env.Generation))
	return nil
}

// OnAccepted moves the agent to working. A report for a task or generation
// the hub does not recognize is dropped.
func (m *Manager) OnAccepted(agentID, taskID string, generation int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.agents[agentID]
	if !ok || rec.state != v1.AgentStateAssigned ||
		rec.currentTaskID != taskID || rec.currentGen != generation {
		return
	}
	m.clearAcceptTimer(rec)
	m.setState(rec, v1.AgentStateWorking, v1.NowMs())
	m.logger.Info("Assignment accepted",
		zap.String("agent_id", agentID),
		zap.String("task_id", taskID))
}

// OnCompleted settles a completion through the queue and idles the agent.
// The returned error carries the queue's fencing verdict for the ack.
func (m *Manager) OnCompleted(ctx context.Context, agentID, taskID string, generation int64, result map[string]interface{}) error {
	err := m.queue.Complete(ctx, taskID, generation, result)
	m.settleIfCurrent(agentID, taskID, generation, err)
	return err
}

// OnFailed settles a failure through the queue and idles the agent.
func (m *Manager) OnFailed(ctx context.Context, agentID, taskID string, generation int64, reason string) error {
	err := m.queue.Fail(ctx, taskID, generation, reason)
	m.settleIfCurrent(agentID, taskID, generation, err)
	return err
}

// settleIfCurrent idles the agent after its current task was settled.
// A fencing rejection also releases the agent when it still holds the
// exact reported assignment: the task was reclaimed or retired under
// it, and the report is the agent letting go. Any other error leaves
// the record untouched.
func (m *Manager) settleIfCurrent(agentID, taskID string, generation int64, settleErr error) {
	if settleErr != nil &&
		!apperrors.IsStaleGeneration(settleErr) && !apperrors.IsWrongState(settleErr) {
		return
	}

	m.mu.Lock()
	rec, ok := m.agents[agentID]
	if !ok || rec.currentTaskID != taskID || rec.currentGen != generation {
		m.mu.Unlock()
		return
	}
	m.clearAssignment(rec)
	m.setState(rec, v1.AgentStateIdle, v1.NowMs())
	m.mu.Unlock()

	m.publish(events.AgentIdle, agentID, nil)
}

// OnRejected returns a declined assignment to the queue and idles the
// agent.
func (m *Manager) OnRejected(ctx context.Context, agentID, taskID string, generation int64, reason string) {
	m.mu.Lock()
	rec, ok := m.agents[agentID]
	if !ok || rec.state != v1.AgentStateAssigned ||
		rec.currentTaskID != taskID || rec.currentGen != generation {
		m.mu.Unlock()
		return
	}
	m.clearAcceptTimer(rec)
	m.clearAssignment(rec)
	m.setState(rec, v1.AgentStateIdle, v1.NowMs())
	m.mu.Unlock()

	if err := m.queue.Reclaim(ctx, taskID); err != nil {
		m.logger.Warn("Failed to reclaim rejected task",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
	m.logger.Info("Assignment rejected",
		zap.String("agent_id", agentID),
		zap.String("task_id", taskID),
		zap.String("reason", reason))
	m.publish(events.AgentIdle, agentID, nil)
}

// onAcceptanceTimeout fires when an assignment was neither accepted nor
// rejected in time. Only the generation-matched assignment is reclaimed.
func (m *Manager) onAcceptanceTimeout(agentID, taskID string, generation int64) {
	m.mu.Lock()
	rec, ok := m.agents[agentID]
	if !ok || rec.state != v1.AgentStateAssigned ||
		rec.currentTaskID != taskID || rec.currentGen != generation {
		m.mu.Unlock()
		return
	}
	m.clearAssignment(rec)
	m.setState(rec, v1.AgentStateIdle, v1.NowMs())
	m.mu.Unlock()

	if err := m.queue.Reclaim(context.Background(), taskID); err != nil {
		m.logger.Warn("Failed to reclaim timed-out assignment",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
	m.logger.Warn("Acceptance timeout",
		zap.String("agent_id", agentID),
		zap.String("task_id", taskID))
	m.publish(events.AgentIdle, agentID, nil)
}

// OnSessionLoss marks the agent offline and reclaims any held task. Safe
// to call repeatedly; only the current session's loss counts.
func (m *Manager) OnSessionLoss(agentID string, session SessionHandle) {
	m.mu.Lock()
	rec, ok := m.agents[agentID]
	if !ok || rec.state == v1.AgentStateOffline {
		m.mu.Unlock()
		return
	}
	if session != nil && rec.session != session {
		// a newer connection already took over
		m.mu.Unlock()
		return
	}

	held := rec.currentTaskID
	m.clearAcceptTimer(rec)
	m.clearAssignment(rec)
	rec.session = nil
	rec.connectedAt = 0
	m.setState(rec, v1.AgentStateOffline, v1.NowMs())
	m.mu.Unlock()

	if held != "" {
		if err := m.queue.Reclaim(context.Background(), held); err != nil {
			m.logger.Warn("Failed to reclaim task on session loss",
				zap.String("task_id", held),
				zap.Error(err))
		}
	}

	m.publish(events.AgentLeft, agentID, nil)
	m.logger.Info("Agent offline",
		zap.String("agent_id", agentID),
		zap.String("reclaimed_task", held))
}

// ReconcileVerdict tells the session how to answer a state_report.
type ReconcileVerdict int

const (
	// ReconcileContinue means the agent's view matches the hub's.
	ReconcileContinue ReconcileVerdict = iota
	// ReconcileAbandon means the agent's work is obsolete and must stop.
	ReconcileAbandon
)

// ReconcileStateReport compares the agent's reported task against the
// hub's view after a reconnect.
func (m *Manager) ReconcileStateReport(ctx context.Context, agentID, taskID, status string, generation int64) ReconcileVerdict {
	m.mu.Lock()
	rec, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return ReconcileAbandon
	}

	hubTask, hubGen := rec.currentTaskID, rec.currentGen

	// agent claims to be idle but the hub still has it on a task
	if taskID == "" || status == "idle" {
		if hubTask == "" {
			m.mu.Unlock()
			return ReconcileContinue
		}
		m.clearAcceptTimer(rec)
		m.clearAssignment(rec)
		m.setState(rec, v1.AgentStateIdle, v1.NowMs())
		m.mu.Unlock()

		if err := m.queue.Reclaim(ctx, hubTask); err != nil {
			m.logger.Warn("Failed to reclaim after idle state report",
				zap.String("task_id", hubTask),
				zap.Error(err))
		}
		m.publish(events.AgentIdle, agentID, nil)
		return ReconcileContinue
	}

	// hub has nothing for this agent: whatever it is doing is obsolete
	if hubTask == "" {
		m.mu.Unlock()
		return ReconcileAbandon
	}

	if hubTask == taskID && hubGen == generation {
		// the agent kept working across the reconnect
		if rec.state == v1.AgentStateAssigned && status == "working" {
			m.clearAcceptTimer(rec)
			m.setState(rec, v1.AgentStateWorking, v1.NowMs())
		}
		m.mu.Unlock()
		return ReconcileContinue
	}

	// stale task or generation
	m.mu.Unlock()
	return ReconcileAbandon
}

// IsWorkingOnline reports whether the agent is online and in the working
// state. Implements the queue's overdue sweep probe.
func (m *Manager) IsWorkingOnline(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.agents[agentID]
	return ok && rec.session != nil && rec.state == v1.AgentStateWorking
}

// Get returns the agent's current info.
func (m *Manager) Get(agentID string) (*v1.AgentInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return nil, apperrors.NotFound("agent", agentID)
	}
	return m.info(rec), nil
}

// ListIdle returns idle, online agents ordered least recently active
// first, so assignment spreads across the fleet.
func (m *Manager) ListIdle() []*v1.AgentInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*v1.AgentInfo
	for _, rec := range m.agents {
		if rec.state == v1.AgentStateIdle && rec.session != nil {
			out = append(out, m.info(rec))
		}
	}
	sortByLastActive(out)
	return out
}

// ListAll returns every known agent, including offline records.
func (m *Manager) ListAll() []*v1.AgentInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*v1.AgentInfo, 0, len(m.agents))
	for _, rec := range m.agents {
		out = append(out, m.info(rec))
	}
	sortByLastActive(out)
	return out
}

// SweepStuck reclaims assignments stuck past the acceptance deadline in
// case the per-assignment timer was lost. Returns the number reclaimed.
func (m *Manager) SweepStuck(ctx context.Context) int {
	type stuck struct {
		agentID string
		taskID  string
		gen     int64
	}

	deadline := v1.NowMs() - m.acceptanceTimeout.Milliseconds()

	m.mu.RLock()
	var found []stuck
	for _, rec := range m.agents {
		if rec.state == v1.AgentStateAssigned && rec.lastStateChange < deadline {
			found = append(found, stuck{rec.id, rec.currentTaskID, rec.currentGen})
		}
	}
	m.mu.RUnlock()

	for _, s := range found {
		m.onAcceptanceTimeout(s.agentID, s.taskID, s.gen)
	}
	return len(found)
}

// Session returns the live session handle for an agent, if any.
func (m *Manager) Session(agentID string) SessionHandle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.agents[agentID]; ok {
		return rec.session
	}
	return nil
}

func (m *Manager) info(rec *agentRecord) *v1.AgentInfo {
	return &v1.AgentInfo{
		ID:            rec.id,
		State:         rec.state,
		Capabilities:  append([]string(nil), rec.capabilities...),
		CurrentTaskID: rec.currentTaskID,
		ConnectedAt:   rec.connectedAt,
		LastActiveAt:  rec.lastStateChange,
		BlockedReason: rec.blockedReason,
	}
}

// setState records a transition. Callers hold the mutex.
func (m *Manager) setState(rec *agentRecord, to v1.AgentState, now int64) {
	if rec.state == to {
		return
	}
	rec.state = to
	rec.lastStateChange = now
}

func (m *Manager) clearAssignment(rec *agentRecord) {
	m.clearAcceptTimer(rec)
	rec.currentTaskID = ""
	rec.currentGen = 0
}

func (m *Manager) clearAcceptTimer(rec *agentRecord) {
	if rec.acceptTimer != nil {
		rec.acceptTimer.Stop()
		rec.acceptTimer = nil
	}
}

func (m *Manager) publish(eventType, agentID string, extra map[string]interface{}) {
	data := map[string]interface{}{"agent_id": agentID}
	for k, v := range extra {
		data[k] = v
	}
	event := bus.NewEvent(eventType, events.SourceLifecycle, data)
	if err := m.eventBus.Publish(context.Background(), eventType, event); err != nil {
		m.logger.Warn("Failed to publish agent event",
			zap.String("event_type", eventType),
			zap.String("agent_id", agentID),
			zap.Error(err))
	}
}
