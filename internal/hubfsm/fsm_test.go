package hubfsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcom/agentcom/internal/common/config"
	apperrors "github.com/agentcom/agentcom/internal/common/errors"
	"github.com/agentcom/agentcom/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func testFSMConfig() config.FSMConfig {
	return config.FSMConfig{
		TickMs:            5_000,
		HealingWatchdogMs: 300_000,
		HealingCooldownMs: 900_000,
	}
}

type snapHolder struct {
	snap Snapshot
}

func (h *snapHolder) fn() Snapshot { return h.snap }

func newTestFSM(t *testing.T, ledger Ledger) (*FSM, *snapHolder) {
	t.Helper()
	h := &snapHolder{}
	return New(testFSMConfig(), ledger, h.fn, nil, testLogger(t)), h
}

func TestStartsResting(t *testing.T) {
	f, _ := newTestFSM(t, nil)
	assert.Equal(t, StateResting, f.StateInfo().State)
}

func TestPendingGoalsWakeExecuting(t *testing.T) {
	f, h := newTestFSM(t, nil)

	f.Tick()
	// without pending goals the resting hub moves to background work
	assert.Equal(t, StateImproving, f.StateInfo().State)

	f2, h2 := newTestFSM(t, nil)
	h2.snap.PendingGoals = 2
	f2.Tick()
	assert.Equal(t, StateExecuting, f2.StateInfo().State)
	_ = h
}

func TestHealthCriticalPreemptsEverything(t *testing.T) {
	f, h := newTestFSM(t, nil)
	h.snap.PendingGoals = 5
	f.Tick()
	require.Equal(t, StateExecuting, f.StateInfo().State)

	h.snap.HealthCritical = true
	f.Tick()
	assert.Equal(t, StateHealing, f.StateInfo().State)
}

func TestBudgetExhaustionForcesRest(t *testing.T) {
	ledger := NewBudgetLedger(map[State]int{StateExecuting: 1})
	f, h := newTestFSM(t, ledger)

	h.snap.PendingGoals = 1
	f.Tick()
	require.Equal(t, StateExecuting, f.StateInfo().State)

	// the single quantum is consumed; the next tick must rest
	f.Tick()
	assert.Equal(t, StateResting, f.StateInfo().State)
}

func TestHealingCooldownBlocksReentry(t *testing.T) {
	f, h := newTestFSM(t, nil)
	h.snap.HealthCritical = true

	f.Tick()
	require.Equal(t, StateHealing, f.StateInfo().State)

	// leave healing; re-entry is blocked by the cooldown
	require.NoError(t, f.Force(StateResting, "operator"))
	f.Tick()
	assert.NotEqual(t, StateHealing, f.StateInfo().State)
}

func TestHealingWatchdog(t *testing.T) {
	f, h := newTestFSM(t, nil)
	h.snap.HealthCritical = true
	f.Tick()
	require.Equal(t, StateHealing, f.StateInfo().State)

	// backdate the healing entry past the watchdog ceiling
	f.mu.Lock()
	f.healingEnteredAt -= 400_000
	f.mu.Unlock()

	f.Tick()
	assert.Equal(t, StateResting, f.StateInfo().State)

	hist := f.History(1)
	require.Len(t, hist, 1)
	assert.Contains(t, hist[0].Reason, "watchdog")
}

func TestForceTransition(t *testing.T) {
	f, _ := newTestFSM(t, nil)

	require.NoError(t, f.Force(StateContemplating, "operator request"))
	info := f.StateInfo()
	assert.Equal(t, StateContemplating, info.State)
	assert.Equal(t, int64(1), info.TransitionCount)

	hist := f.History(0)
	require.Len(t, hist, 1)
	assert.True(t, hist[0].Forced)

	// forcing the current state is rejected
	err := f.Force(StateContemplating, "again")
	assert.True(t, apperrors.IsWrongState(err))

	// unknown states are rejected
	err = f.Force(State("debugging"), "nope")
	assert.Equal(t, apperrors.ErrCodeInvalidArgs, apperrors.Code(err))
}

func TestPauseStopsTicks(t *testing.T) {
	f, h := newTestFSM(t, nil)
	h.snap.PendingGoals = 1

	f.Pause()
	f.Tick()
	assert.Equal(t, StateResting, f.StateInfo().State)
	assert.True(t, f.StateInfo().Paused)

	f.Resume()
	f.Tick()
	assert.Equal(t, StateExecuting, f.StateInfo().State)
}

func TestHistoryCapped(t *testing.T) {
	f, _ := newTestFSM(t, nil)

	states := []State{StateExecuting, StateResting}
	for i := 0; i < 250; i++ {
		require.NoError(t, f.Force(states[i%2], "churn"))
	}

	assert.Len(t, f.History(0), historyCap)
	assert.Len(t, f.History(10), 10)
}

func TestBudgetLedgerReset(t *testing.T) {
	ledger := NewBudgetLedger(map[State]int{StateHealing: 1})

	require.NoError(t, ledger.CheckBudget(StateHealing))
	ledger.RecordInvocation(StateHealing, nil)
	assert.Error(t, ledger.CheckBudget(StateHealing))

	ledger.Reset()
	assert.NoError(t, ledger.CheckBudget(StateHealing))

	// unlisted states are unlimited
	assert.NoError(t, ledger.CheckBudget(StateImproving))
}
