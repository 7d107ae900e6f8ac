package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcom/agentcom/internal/agent/lifecycle"
	"github.com/agentcom/agentcom/internal/common/config"
	"github.com/agentcom/agentcom/internal/common/logger"
	"github.com/agentcom/agentcom/internal/events/bus"
	"github.com/agentcom/agentcom/internal/ratelimit"
	"github.com/agentcom/agentcom/internal/task/queue"
	"github.com/agentcom/agentcom/internal/task/store"
	v1 "github.com/agentcom/agentcom/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

// fakeSession accepts every outbound frame.
type fakeSession struct{ agentID string }

func (s *fakeSession) AgentID() string             { return s.agentID }
func (s *fakeSession) Send(frame interface{}) error { return nil }
func (s *fakeSession) Close(reason string)          {}

type fixture struct {
	sched     *Scheduler
	queue     *queue.Manager
	lifecycle *lifecycle.Manager
	limiter   *ratelimit.Limiter
	bus       *bus.MemoryEventBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	q, err := queue.NewManager(ctx, config.QueueConfig{
		MaxRetriesDefault:      3,
		OverdueSweepIntervalMs: 30_000,
		AssignmentTTLMs:        600_000,
		HistoryCap:             50,
	}, store.NewMemoryStore(), eventBus, log)
	require.NoError(t, err)

	lc := lifecycle.NewManager(config.LifecycleConfig{AcceptanceTimeoutMs: 60_000}, q, eventBus, log)
	q.SetAgentProbe(lc)

	limiter := ratelimit.NewLimiter(config.RateLimitConfig{
		Light:          config.RateLimitTier{Capacity: 120, RefillPerMin: 120},
		Normal:         config.RateLimitTier{Capacity: 60, RefillPerMin: 60},
		Heavy:          config.RateLimitTier{Capacity: 10, RefillPerMin: 10},
		BackoffCurveMs: []int{1000, 2000, 5000, 10000, 30000},
		QuietResetMs:   60_000,
	}, eventBus, log)

	sched := New(q, lc, limiter, eventBus, log)
	return &fixture{sched: sched, queue: q, lifecycle: lc, limiter: limiter, bus: eventBus}
}

func (f *fixture) connect(agentID string, caps ...string) {
	f.lifecycle.Ensure(agentID, caps, &fakeSession{agentID: agentID})
}

func intPtr(v int) *int { return &v }

func TestMatchPassAssignsByCapability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.queue.Submit(ctx, queue.SubmitParams{
		Description:        "review the patch",
		NeededCapabilities: []string{"review"},
	})
	require.NoError(t, err)

	f.connect("coder", "code")
	f.connect("reviewer", "code", "review")

	matched := f.sched.MatchPass(ctx)
	assert.Equal(t, 1, matched)

	task, err := f.queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusAssigned, task.Status)
	assert.Equal(t, "reviewer", task.AssignedTo)
}

func TestMatchPassRespectsPriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	low, err := f.queue.Submit(ctx, queue.SubmitParams{
		Description: "background cleanup",
		Priority:    intPtr(v1.PriorityNormal),
	})
	require.NoError(t, err)
	urgent, err := f.queue.Submit(ctx, queue.SubmitParams{
		Description: "fix the outage",
		Priority:    intPtr(v1.PriorityUrgent),
	})
	require.NoError(t, err)

	f.connect("a-1", "code")
	require.Equal(t, 1, f.sched.MatchPass(ctx))

	urgentTask, _ := f.queue.Get(ctx, urgent)
	assert.Equal(t, v1.TaskStatusAssigned, urgentTask.Status)

	lowTask, _ := f.queue.Get(ctx, low)
	assert.Equal(t, v1.TaskStatusQueued, lowTask.Status)
}

func TestMatchPassSkipsUnmatchableHead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// head of the queue needs a capability nobody has
	_, err := f.queue.Submit(ctx, queue.SubmitParams{
		Description:        "needs gpu",
		Priority:           intPtr(v1.PriorityUrgent),
		NeededCapabilities: []string{"gpu"},
	})
	require.NoError(t, err)
	plain, err := f.queue.Submit(ctx, queue.SubmitParams{Description: "plain work"})
	require.NoError(t, err)

	f.connect("a-1", "code")
	require.Equal(t, 1, f.sched.MatchPass(ctx))

	task, _ := f.queue.Get(ctx, plain)
	assert.Equal(t, v1.TaskStatusAssigned, task.Status)
}

func TestMatchPassExcludesRateLimitedAgents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.queue.Submit(ctx, queue.SubmitParams{Description: "work"})
	require.NoError(t, err)

	f.connect("a-1", "code")
	f.limiter.RecordViolation("a-1")

	assert.Equal(t, 0, f.sched.MatchPass(ctx))
}

func TestMatchPassSpreadsLoad(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.connect("a-1")
	time.Sleep(2 * time.Millisecond)
	f.connect("a-2")

	// a-1 connected first, so it is least recently active and takes the
	// first task
	id1, _ := f.queue.Submit(ctx, queue.SubmitParams{Description: "first"})
	require.Equal(t, 1, f.sched.MatchPass(ctx))

	task, _ := f.queue.Get(ctx, id1)
	assert.Equal(t, "a-1", task.AssignedTo)

	id2, _ := f.queue.Submit(ctx, queue.SubmitParams{Description: "second"})
	require.Equal(t, 1, f.sched.MatchPass(ctx))
	task2, _ := f.queue.Get(ctx, id2)
	assert.Equal(t, "a-2", task2.AssignedTo)
}

func TestMatchPassOneTaskPerAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.queue.Submit(ctx, queue.SubmitParams{Description: "one"})
	f.queue.Submit(ctx, queue.SubmitParams{Description: "two"})
	f.connect("a-1")

	assert.Equal(t, 1, f.sched.MatchPass(ctx))

	stats := f.queue.Stats(ctx)
	assert.Equal(t, 1, stats.Assigned)
	assert.Equal(t, 1, stats.Queued)
}

func TestEventDrivenMatching(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.sched.Start())
	defer f.sched.Stop()

	f.connect("a-1", "code")

	id, err := f.queue.Submit(ctx, queue.SubmitParams{Description: "event driven"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, err := f.queue.Get(ctx, id)
		return err == nil && task.Status == v1.TaskStatusAssigned
	}, 2*time.Second, 10*time.Millisecond, "task.submitted event should trigger a pass")
}

func TestAgentIdleEventRearms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.sched.Start())
	defer f.sched.Stop()

	f.connect("a-1")
	first, err := f.queue.Submit(ctx, queue.SubmitParams{Description: "first"})
	require.NoError(t, err)

	var env *v1.AssignmentEnvelope
	require.Eventually(t, func() bool {
		task, err := f.queue.Get(ctx, first)
		if err != nil || task.Status != v1.TaskStatusAssigned {
			return false
		}
		env = &v1.AssignmentEnvelope{TaskID: first, Generation: task.Generation}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	second, err := f.queue.Submit(ctx, queue.SubmitParams{Description: "second"})
	require.NoError(t, err)

	// finish the first task; the agent_idle event must trigger the next
	// assignment
	f.lifecycle.OnAccepted("a-1", env.TaskID, env.Generation)
	require.NoError(t, f.lifecycle.OnCompleted(ctx, "a-1", env.TaskID, env.Generation, nil))

	require.Eventually(t, func() bool {
		task, err := f.queue.Get(ctx, second)
		return err == nil && task.Status == v1.TaskStatusAssigned
	}, 2*time.Second, 10*time.Millisecond)
}
