// Package queue implements the durable priority task queue. All mutations
// are serialized through one Manager so the status, generation, and
// durability invariants hold under concurrent callers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentcom/agentcom/internal/common/config"
	apperrors "github.com/agentcom/agentcom/internal/common/errors"
	"github.com/agentcom/agentcom/internal/common/logger"
	"github.com/agentcom/agentcom/internal/events"
	"github.com/agentcom/agentcom/internal/events/bus"
	"github.com/agentcom/agentcom/internal/task/store"
	v1 "github.com/agentcom/agentcom/pkg/api/v1"
)

// AgentProbe answers whether an assigned agent is online and actively
// working. The overdue sweep uses it to grant one extra sweep interval of
// patience before reclaiming.
type AgentProbe interface {
	IsWorkingOnline(agentID string) bool
}

// SubmitParams carries the caller-supplied fields of a new task.
type SubmitParams struct {
	Description        string                 `json:"description"`
	Priority           *int                   `json:"priority,omitempty"`
	NeededCapabilities []string               `json:"needed_capabilities,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	MaxRetries         *int                   `json:"max_retries,omitempty"`
	CompleteBy         int64                  `json:"complete_by,omitempty"`
}

// Manager is the single owner of all task records. Every mutation is
// written and flushed to the durable store before it becomes visible in
// memory, and events are published only after the flush.
type Manager struct {
	mu     sync.Mutex
	cfg    config.QueueConfig
	store  store.Store
	bus    bus.EventBus
	logger *logger.Logger

	tasks map[string]*v1.Task // active set: queued, assigned, completed
	index *priorityIndex      // queued tasks only, priority order

	probe AgentProbe
	// patience records tasks granted one extra sweep interval, keyed by
	// task id with the generation at grant time.
	patience map[string]int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager builds the queue and recovers state from the durable store:
// the priority index is rebuilt and any record left in assigned status by
// a crash is force-reclaimed.
func NewManager(ctx context.Context, cfg config.QueueConfig, st store.Store, eventBus bus.EventBus, log *logger.Logger) (*Manager, error) {
	m := &Manager{
		cfg:      cfg,
		store:    st,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "task-queue")),
		tasks:    make(map[string]*v1.Task),
		index:    newPriorityIndex(),
		patience: make(map[string]int64),
		stopCh:   make(chan struct{}),
	}

	if err := m.recover(ctx); err != nil {
		return nil, fmt.Errorf("failed to recover task queue: %w", err)
	}
	return m, nil
}

// SetAgentProbe wires the lifecycle probe used by the overdue sweep. Must
// be called before Start.
func (m *Manager) SetAgentProbe(p AgentProbe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probe = p
}

// Start launches the overdue sweep loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.sweepLoop()
}

// Stop terminates the sweep loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// recover folds the active table, rebuilding the in-memory state. Assigned
// records are stranded from a previous run: their agent sessions are gone,
// so each is reclaimed with a bumped generation. Records caught mid-move
// between the two tables by a crash are rolled forward: a dead-status
// record still in the active table finishes its trip to the dead table,
// and a dead-table copy of a task the active table still holds is a
// leftover from a restore and is dropped.
func (m *Manager) recover(ctx context.Context) error {
	var stranded, interrupted []*v1.Task

	err := m.store.Fold(ctx, store.TableActive, func(key string, value []byte) error {
		var task v1.Task
		if err := json.Unmarshal(value, &task); err != nil {
			return fmt.Errorf("corrupt task record %s: %w", key, err)
		}
		if task.Status == v1.TaskStatusDead {
			interrupted = append(interrupted, &task)
			return nil
		}
		m.tasks[task.ID] = &task
		switch task.Status {
		case v1.TaskStatusQueued:
			m.index.insert(task.Priority, task.QueuedAt, task.ID)
		case v1.TaskStatusAssigned:
			stranded = append(stranded, &task)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, task := range interrupted {
		if err := m.moveToDead(ctx, task); err != nil {
			return err
		}
		m.logger.Info("Finished interrupted dead-letter move on startup",
			zap.String("task_id", task.ID))
	}

	var leftover []string
	err = m.store.Fold(ctx, store.TableDead, func(key string, value []byte) error {
		if _, live := m.tasks[key]; live {
			leftover = append(leftover, key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range leftover {
		if err := m.store.Delete(ctx, store.TableDead, id); err != nil {
			return err
		}
		m.logger.Info("Dropped stale dead-letter copy of live task on startup",
			zap.String("task_id", id))
	}
	if len(leftover) > 0 {
		if err := m.store.Sync(ctx, store.TableDead); err != nil {
			return err
		}
	}

	for _, task := range stranded {
		now := v1.NowMs()
		m.transition(task, v1.TaskStatusQueued, "reclaimed on startup", now)
		task.Generation++
		task.AssignedTo = ""
		task.AssignedAt = 0
		task.QueuedAt = now
		if err := m.persist(ctx, task); err != nil {
			return err
		}
		m.index.insert(task.Priority, task.QueuedAt, task.ID)
		m.logger.Info("Reclaimed stranded task on startup",
			zap.String("task_id", task.ID),
			zap.Int64("generation", task.Generation))
	}

	m.logger.Info("Task queue recovered",
		zap.Int("active", len(m.tasks)),
		zap.Int("queued", m.index.len()),
		zap.Int("reclaimed", len(stranded)))
	return nil
}

// Submit validates and enqueues a new task, returning its id.
func (m *Manager) Submit(ctx context.Context, params SubmitParams) (string, error) {
	if params.Description == "" {
		return "", apperrors.InvalidArgs("description", "must not be empty")
	}
	priority := v1.PriorityNormal
	if params.Priority != nil {
		if !v1.ValidPriority(*params.Priority) {
			return "", apperrors.InvalidArgs("priority", "must be between 0 and 3")
		}
		priority = *params.Priority
	}
	maxRetries := m.cfg.MaxRetriesDefault
	if params.MaxRetries != nil {
		if *params.MaxRetries < 0 {
			return "", apperrors.InvalidArgs("max_retries", "must be non-negative")
		}
		maxRetries = *params.MaxRetries
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.SoftCap > 0 && m.index.len() >= m.cfg.SoftCap {
		return "", apperrors.QueueFull(m.cfg.SoftCap)
	}

	now := v1.NowMs()
	task := &v1.Task{
		ID:                 "t-" + uuid.New().String(),
		Status:             v1.TaskStatusQueued,
		Priority:           priority,
		CreatedAt:          now,
		UpdatedAt:          now,
		QueuedAt:           now,
		CompleteBy:         params.CompleteBy,
		Generation:         0,
		NeededCapabilities: params.NeededCapabilities,
		Description:        params.Description,
		Metadata:           params.Metadata,
		MaxRetries:         maxRetries,
	}

	if err := m.persist(ctx, task); err != nil {
		return "", err
	}
	m.tasks[task.ID] = task
	m.index.insert(task.Priority, task.QueuedAt, task.ID)

	m.publish(events.TaskSubmitted, task, nil)
	m.logger.Info("Task submitted",
		zap.String("task_id", task.ID),
		zap.Int("priority", task.Priority))
	return task.ID, nil
}

// Assign atomically moves a queued task to an agent, bumping the
// generation, and returns the assignment envelope.
func (m *Manager) Assign(ctx context.Context, taskID, agentID string) (*v1.AssignmentEnvelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return nil, apperrors.NotFound("task", taskID)
	}
	if task.Status != v1.TaskStatusQueued {
		return nil, apperrors.WrongState("task", taskID, string(task.Status))
	}

	now := v1.NowMs()
	updated := task.Clone()
	m.transition(updated, v1.TaskStatusAssigned, "assigned to "+agentID, now)
	updated.Generation++
	updated.AssignedTo = agentID
	updated.AssignedAt = now
	updated.Progress = 0

	if err := m.persist(ctx, updated); err != nil {
		return nil, err
	}
	m.tasks[taskID] = updated
	m.index.remove(taskID)

	m.publish(events.TaskAssigned, updated, map[string]interface{}{"agent_id": agentID})
	m.logger.Info("Task assigned",
		zap.String("task_id", taskID),
		zap.String("agent_id", agentID),
		zap.Int64("generation", updated.Generation))

	return &v1.AssignmentEnvelope{
		TaskID:             updated.ID,
		Generation:         updated.Generation,
		Description:        updated.Description,
		NeededCapabilities: append([]string(nil), updated.NeededCapabilities...),
		Metadata:           updated.Metadata,
		AssignedAt:         updated.AssignedAt,
	}, nil
}

// fence validates a generation-carrying mutation against the current
// record. Callers hold the mutex.
func (m *Manager) fence(taskID string, generation int64) (*v1.Task, error) {
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, apperrors.NotFound("task", taskID)
	}
	if generation != task.Generation {
		return nil, apperrors.StaleGeneration(taskID, generation, task.Generation)
	}
	if task.Status != v1.TaskStatusAssigned {
		// A terminal record with a matching generation means the work was
		// already settled; report the retry as stale so the agent stops.
		if task.Status.IsTerminal() {
			return nil, apperrors.StaleGeneration(taskID, generation, task.Generation)
		}
		return nil, apperrors.WrongState("task", taskID, string(task.Status))
	}
	return task, nil
}

// Complete settles a fenced completion. A stale generation is reported but
// mutates nothing.
func (m *Manager) Complete(ctx context.Context, taskID string, generation int64, result map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.fence(taskID, generation)
	if err != nil {
		return err
	}

	now := v1.NowMs()
	updated := task.Clone()
	m.transition(updated, v1.TaskStatusCompleted, "completed", now)
	updated.AssignedTo = ""
	updated.AssignedAt = 0
	updated.Result = result
	updated.Progress = 100

	if err := m.persist(ctx, updated); err != nil {
		return err
	}
	m.tasks[taskID] = updated
	delete(m.patience, taskID)

	m.publish(events.TaskCompleted, updated, nil)
	m.logger.Info("Task completed",
		zap.String("task_id", taskID),
		zap.Int64("generation", generation))
	return nil
}

// Fail settles a fenced failure: requeue at the tail of the priority lane
// while retries remain, dead-letter otherwise.
func (m *Manager) Fail(ctx context.Context, taskID string, generation int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.fence(taskID, generation)
	if err != nil {
		return err
	}

	now := v1.NowMs()
	updated := task.Clone()
	updated.LastError = reason
	updated.AssignedTo = ""
	updated.AssignedAt = 0

	if updated.RetryCount < updated.MaxRetries {
		m.transition(updated, v1.TaskStatusQueued, "failed: "+reason, now)
		updated.RetryCount++
		updated.Generation++
		updated.QueuedAt = now

		if err := m.persist(ctx, updated); err != nil {
			return err
		}
		m.tasks[taskID] = updated
		m.index.insert(updated.Priority, updated.QueuedAt, updated.ID)
		delete(m.patience, taskID)

		m.publish(events.TaskRetried, updated, map[string]interface{}{"reason": reason})
		m.logger.Info("Task requeued after failure",
			zap.String("task_id", taskID),
			zap.Int("retry_count", updated.RetryCount))
		return nil
	}

	m.transition(updated, v1.TaskStatusDead, "retries exhausted: "+reason, now)
	if err := m.moveToDead(ctx, updated); err != nil {
		return err
	}
	delete(m.tasks, taskID)
	delete(m.patience, taskID)

	m.publish(events.TaskDeadLettered, updated, map[string]interface{}{"reason": reason})
	m.logger.Warn("Task dead-lettered",
		zap.String("task_id", taskID),
		zap.Int("retry_count", updated.RetryCount),
		zap.String("reason", reason))
	return nil
}

// Reclaim returns an assigned task to the queue with a bumped generation.
// Used by the overdue sweep, session loss handling, and operators.
func (m *Manager) Reclaim(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reclaimLocked(ctx, taskID, "reclaimed")
}

func (m *Manager) reclaimLocked(ctx context.Context, taskID, reason string) error {
	task, ok := m.tasks[taskID]
	if !ok {
		return apperrors.NotFound("task", taskID)
	}
	if task.Status != v1.TaskStatusAssigned {
		return apperrors.WrongState("task", taskID, string(task.Status))
	}

	now := v1.NowMs()
	agentID := task.AssignedTo
	updated := task.Clone()
	m.transition(updated, v1.TaskStatusQueued, reason, now)
	updated.Generation++
	updated.AssignedTo = ""
	updated.AssignedAt = 0
	updated.QueuedAt = now

	if err := m.persist(ctx, updated); err != nil {
		return err
	}
	m.tasks[taskID] = updated
	m.index.insert(updated.Priority, updated.QueuedAt, updated.ID)
	delete(m.patience, taskID)

	m.publish(events.TaskReclaimed, updated, map[string]interface{}{"agent_id": agentID, "reason": reason})
	m.logger.Info("Task reclaimed",
		zap.String("task_id", taskID),
		zap.String("agent_id", agentID),
		zap.Int64("generation", updated.Generation),
		zap.String("reason", reason))
	return nil
}

// UpdateProgress records an advisory progress report. No fencing, no sync:
// a lost or stale report costs nothing.
func (m *Manager) UpdateProgress(ctx context.Context, taskID string, generation int64, percent int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok || task.Status != v1.TaskStatusAssigned || generation != task.Generation {
		return
	}
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}
	task.Progress = percent
	task.UpdatedAt = v1.NowMs()

	if data, err := json.Marshal(task); err == nil {
		// best effort, skip the durable sync
		_ = m.store.Put(ctx, store.TableActive, task.ID, data)
	}
	m.publish(events.TaskProgress, task, map[string]interface{}{"percent": percent})
}

// Get returns a copy of the task, looking in the dead table's memory view
// as a fallback.
func (m *Manager) Get(ctx context.Context, taskID string) (*v1.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if task, ok := m.tasks[taskID]; ok {
		return task.Clone(), nil
	}

	data, err := m.store.Get(ctx, store.TableDead, taskID)
	if err != nil {
		return nil, apperrors.NotFound("task", taskID)
	}
	var task v1.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, apperrors.InternalError("corrupt dead-letter record", err)
	}
	return &task, nil
}

// List returns copies of active tasks matching the filter, newest first.
func (m *Manager) List(ctx context.Context, filter v1.TaskFilter) []*v1.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*v1.Task
	for _, task := range m.tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.Priority != nil && task.Priority != *filter.Priority {
			continue
		}
		if filter.AssignedTo != "" && task.AssignedTo != filter.AssignedTo {
			continue
		}
		out = append(out, task.Clone())
	}
	sortTasksNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// QueuedSnapshot returns copies of all queued tasks in priority order, for
// one scheduler matching pass.
func (m *Manager) QueuedSnapshot() []*v1.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*v1.Task, 0, m.index.len())
	m.index.walk(func(taskID string) bool {
		if task, ok := m.tasks[taskID]; ok {
			out = append(out, task.Clone())
		}
		return true
	})
	return out
}

// Stats summarizes queue occupancy.
func (m *Manager) Stats(ctx context.Context) *v1.QueueStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &v1.QueueStats{ByPriority: make(map[int]int)}
	for _, task := range m.tasks {
		switch task.Status {
		case v1.TaskStatusQueued:
			stats.Queued++
			stats.ByPriority[task.Priority]++
			if stats.Oldest == 0 || task.QueuedAt < stats.Oldest {
				stats.Oldest = task.QueuedAt
			}
		case v1.TaskStatusAssigned:
			stats.Assigned++
		case v1.TaskStatusCompleted:
			stats.Completed++
		}
	}

	_ = m.store.Fold(ctx, store.TableDead, func(string, []byte) error {
		stats.Dead++
		return nil
	})
	return stats
}

// ListDeadLetter returns every dead-lettered task.
func (m *Manager) ListDeadLetter(ctx context.Context) ([]*v1.Task, error) {
	var out []*v1.Task
	err := m.store.Fold(ctx, store.TableDead, func(key string, value []byte) error {
		var task v1.Task
		if err := json.Unmarshal(value, &task); err != nil {
			return fmt.Errorf("corrupt dead-letter record %s: %w", key, err)
		}
		out = append(out, &task)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortTasksNewestFirst(out)
	return out, nil
}

// RetryDeadLetter restores a dead task to queued with a fresh retry budget.
func (m *Manager) RetryDeadLetter(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := m.store.Get(ctx, store.TableDead, taskID)
	if err != nil {
		return apperrors.NotFound("task", taskID)
	}
	var task v1.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return apperrors.InternalError("corrupt dead-letter record", err)
	}

	now := v1.NowMs()
	m.transition(&task, v1.TaskStatusQueued, "restored from dead-letter", now)
	task.Generation++
	task.RetryCount = 0
	task.QueuedAt = now
	task.LastError = ""

	if err := m.persist(ctx, &task); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, store.TableDead, taskID); err != nil {
		return err
	}
	m.tasks[task.ID] = &task
	m.index.insert(task.Priority, task.QueuedAt, task.ID)

	m.publish(events.TaskRetried, &task, map[string]interface{}{"reason": "restored from dead-letter"})
	m.logger.Info("Dead-lettered task restored", zap.String("task_id", taskID))
	return nil
}

// sweepLoop periodically reclaims overdue assignments.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.OverdueSweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepOverdue(context.Background())
		}
	}
}

// sweepOverdue reclaims assigned tasks past their deadline. An agent that
// is still online and working earns one extra sweep interval of patience.
func (m *Manager) sweepOverdue(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := v1.NowMs()
	ttl := m.cfg.AssignmentTTL().Milliseconds()

	var overdue []string
	for id, task := range m.tasks {
		if task.Status != v1.TaskStatusAssigned {
			continue
		}
		deadline := task.AssignedAt + ttl
		if task.CompleteBy != 0 && task.CompleteBy < deadline {
			deadline = task.CompleteBy
		}
		if now <= deadline {
			continue
		}

		if m.probe != nil && m.probe.IsWorkingOnline(task.AssignedTo) {
			if gen, extended := m.patience[id]; !extended || gen != task.Generation {
				m.patience[id] = task.Generation
				m.logger.Debug("Extending patience for working agent",
					zap.String("task_id", id),
					zap.String("agent_id", task.AssignedTo))
				continue
			}
		}
		overdue = append(overdue, id)
	}

	for _, id := range overdue {
		if err := m.reclaimLocked(ctx, id, "overdue"); err != nil {
			m.logger.Error("Failed to reclaim overdue task",
				zap.String("task_id", id),
				zap.Error(err))
		}
	}
}

// transition updates status, timestamps, and the capped history.
func (m *Manager) transition(task *v1.Task, to v1.TaskStatus, reason string, now int64) {
	entry := v1.HistoryEntry{
		Timestamp: now,
		From:      task.Status,
		To:        to,
		Reason:    reason,
	}
	task.History = append(task.History, entry)
	if limit := m.cfg.HistoryCap; limit > 0 && len(task.History) > limit {
		task.History = task.History[len(task.History)-limit:]
	}
	task.Status = to
	task.UpdatedAt = now
}

// persist writes and flushes a task record to the active table. Nothing
// becomes observable until this returns.
func (m *Manager) persist(ctx context.Context, task *v1.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return apperrors.InternalError("failed to serialize task", err)
	}
	if err := m.store.Put(ctx, store.TableActive, task.ID, data); err != nil {
		return apperrors.InternalError("failed to persist task", err)
	}
	if err := m.store.Sync(ctx, store.TableActive); err != nil {
		return apperrors.InternalError("failed to sync task store", err)
	}
	return nil
}

// moveToDead persists the record to the dead table and removes it from the
// active table, syncing both before returning.
func (m *Manager) moveToDead(ctx context.Context, task *v1.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return apperrors.InternalError("failed to serialize task", err)
	}
	if err := m.store.Put(ctx, store.TableDead, task.ID, data); err != nil {
		return apperrors.InternalError("failed to persist dead-letter task", err)
	}
	if err := m.store.Sync(ctx, store.TableDead); err != nil {
		return apperrors.InternalError("failed to sync dead-letter store", err)
	}
	if err := m.store.Delete(ctx, store.TableActive, task.ID); err != nil {
		return apperrors.InternalError("failed to remove dead task from active table", err)
	}
	if err := m.store.Sync(ctx, store.TableActive); err != nil {
		return apperrors.InternalError("failed to sync task store", err)
	}
	return nil
}

// publish emits a task lifecycle event. Callers invoke it only after the
// durable sync, so a published event always reflects crash-safe state.
func (m *Manager) publish(eventType string, task *v1.Task, extra map[string]interface{}) {
	data := map[string]interface{}{
		"task_id":    task.ID,
		"status":     string(task.Status),
		"priority":   task.Priority,
		"generation": task.Generation,
	}
	for k, v := range extra {
		data[k] = v
	}
	event := bus.NewEvent(eventType, events.SourceTaskQueue, data)
	if err := m.bus.Publish(context.Background(), eventType, event); err != nil {
		m.logger.Warn("Failed to publish task event",
			zap.String("event_type", eventType),
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}
