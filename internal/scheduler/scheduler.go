// Package scheduler pairs queued tasks with idle agents. It holds no
// state of its own: every pass reads fresh snapshots from the queue and
// the lifecycle manager.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentcom/agentcom/internal/common/errors"
	"github.com/agentcom/agentcom/internal/common/logger"
	"github.com/agentcom/agentcom/internal/events"
	"github.com/agentcom/agentcom/internal/events/bus"
	v1 "github.com/agentcom/agentcom/pkg/api/v1"
)

// TaskSource is the queue API one matching pass consumes.
type TaskSource interface {
	QueuedSnapshot() []*v1.Task
	Assign(ctx context.Context, taskID, agentID string) (*v1.AssignmentEnvelope, error)
	Reclaim(ctx context.Context, taskID string) error
}

// AgentPool is the lifecycle API one matching pass consumes.
type AgentPool interface {
	ListIdle() []*v1.AgentInfo
	PushTask(agentID string, env *v1.AssignmentEnvelope) error
	SweepStuck(ctx context.Context) int
}

// RateGate excludes rate-limited agents from the idle pool.
type RateGate interface {
	IsRateLimited(agentID string) bool
}

// stuckSweepInterval is the period of the defensive cross-check for agents
// stuck in assigned past the acceptance deadline.
const stuckSweepInterval = 30 * time.Second

// Scheduler reacts to queue and agent events with one matching pass per
// trigger. Triggers are coalesced: a burst of events costs one pass.
type Scheduler struct {
	queue  TaskSource
	agents AgentPool
	gate   RateGate
	bus    bus.EventBus
	logger *logger.Logger

	trigger chan struct{}
	subs    []bus.Subscription
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates the scheduler.
func New(queue TaskSource, agents AgentPool, gate RateGate, eventBus bus.EventBus, log *logger.Logger) *Scheduler {
	return &Scheduler{
		queue:   queue,
		agents:  agents,
		gate:    gate,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "scheduler")),
		trigger: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// rearming topics: any of these can make a new match possible.
var rearmTopics = []string{
	events.TaskSubmitted,
	events.TaskRetried,
	events.TaskReclaimed,
	events.AgentIdle,
	events.AgentJoined,
	events.RateLimitCleared,
}

// Start subscribes to the rearming topics and launches the matching loop.
func (s *Scheduler) Start() error {
	for _, topic := range rearmTopics {
		sub, err := s.bus.Subscribe(topic, func(ctx context.Context, e *bus.Event) error {
			s.Kick()
			return nil
		})
		if err != nil {
			return err
		}
		s.subs = append(s.subs, sub)
	}

	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop unsubscribes and waits for the loop to exit.
func (s *Scheduler) Stop() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	close(s.stopCh)
	s.wg.Wait()
}

// Kick requests a matching pass. Safe from any goroutine; redundant kicks
// coalesce.
func (s *Scheduler) Kick() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(stuckSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-s.trigger:
			s.MatchPass(context.Background())
		case <-ticker.C:
			if n := s.agents.SweepStuck(context.Background()); n > 0 {
				s.logger.Warn("Stuck-agent sweep reclaimed assignments", zap.Int("count", n))
			}
			s.MatchPass(context.Background())
		}
	}
}

// MatchPass runs one greedy matching pass: tasks in priority order against
// idle agents ordered least recently active first.
func (s *Scheduler) MatchPass(ctx context.Context) int {
	tasks := s.queue.QueuedSnapshot()
	if len(tasks) == 0 {
		return 0
	}

	var idle []*v1.AgentInfo
	for _, agent := range s.agents.ListIdle() {
		if s.gate != nil && s.gate.IsRateLimited(agent.ID) {
			continue
		}
		idle = append(idle, agent)
	}
	if len(idle) == 0 {
		return 0
	}

	matched := 0
	for _, task := range tasks {
		agentIdx := -1
		for i, agent := range idle {
			if task.MatchesCapabilities(agent.Capabilities) {
				agentIdx = i
				break
			}
		}
		if agentIdx == -1 {
			// no eligible agent; the task stays queued with no reservation
			continue
		}

		agent := idle[agentIdx]
		if s.assign(ctx, task.ID, agent.ID) {
			matched++
		}
		// the agent leaves the pool even on failure: its state is in
		// flux and the next event re-evaluates it
		idle = append(idle[:agentIdx], idle[agentIdx+1:]...)
		if len(idle) == 0 {
			break
		}
	}

	if matched > 0 {
		s.logger.Debug("Matching pass complete", zap.Int("matched", matched))
	}
	return matched
}

// assign performs queue assignment then push, reclaiming on push failure.
func (s *Scheduler) assign(ctx context.Context, taskID, agentID string) bool {
	env, err := s.queue.Assign(ctx, taskID, agentID)
	if err != nil {
		// lost the race with another event's pass; skip
		if !apperrors.IsWrongState(err) && !apperrors.IsNotFound(err) {
			s.logger.Warn("Assignment failed",
				zap.String("task_id", taskID),
				zap.String("agent_id", agentID),
				zap.Error(err))
		}
		return false
	}

	if err := s.agents.PushTask(agentID, env); err != nil {
		s.logger.Warn("Push failed, reclaiming task",
			zap.String("task_id", taskID),
			zap.String("agent_id", agentID),
			zap.Error(err))
		if rerr := s.queue.Reclaim(ctx, taskID); rerr != nil {
			s.logger.Error("Failed to reclaim after push failure",
				zap.String("task_id", taskID),
				zap.Error(rerr))
		}
		return false
	}
	return true
}
