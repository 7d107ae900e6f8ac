// Package hubfsm drives the hub's autonomous work cycle: a periodic tick
// evaluates system predicates and moves the hub between work modes,
// gated by an external invocation budget.
package hubfsm

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
)

// State is one hub work mode.
type State string

const (
	StateResting       State = "resting"
	StateExecuting     State = "executing"
	StateImproving     State = "improving"
	StateContemplating State = "contemplating"
	StateHealing       State = "healing"
)

// ValidState reports whether s names a known work mode.
func ValidState(s State) bool {
	switch s {
	case StateResting, StateExecuting, StateImproving, StateContemplating, StateHealing:
		return true
	}
	return false
}

// historyCap bounds the retained transition log.
const historyCap = 200

// Snapshot is the system view one tick evaluates.
type Snapshot struct {
	PendingGoals   int  `json:"pending_goals"`
	ActiveGoals    int  `json:"active_goals"`
	HealthCritical bool `json:"health_critical"`
}

// SnapshotFunc produces the current system snapshot.
type SnapshotFunc func() Snapshot

// Ledger accounts invocation budget per work mode. CheckBudget returns nil
// when a quantum is available.
type Ledger interface {
	CheckBudget(state State) error
	RecordInvocation(state State, meta map[string]interface{})
}

// Transition is one recorded state change.
type Transition struct {
	From      State  `json:"from"`
	To        State  `json:"to"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"ts"`
	Forced    bool   `json:"forced,omitempty"`
}

// Info is the externally visible FSM state.
type Info struct {
	State           State `json:"state"`
	CycleCount      int64 `json:"cycle_count"`
	TransitionCount int64 `json:"transition_count"`
	Paused          bool  `json:"paused"`
}

// FSM is the hub control state machine.
type FSM struct {
	mu  sync.Mutex
	cfg config.FSMConfig

	state           State
	cycleCount      int64
	transitionCount int64
	paused          bool
	history         []Transition

	healingEnteredAt     int64 // epoch-ms, 0 when not healing
	healingCooldownUntil int64 // epoch-ms

	ledger   Ledger
	snapshot SnapshotFunc
	eventBus bus.EventBus
	logger   *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates the FSM in the resting state.
func New(cfg config.FSMConfig, ledger Ledger, snapshot SnapshotFunc, eventBus bus.EventBus, log *logger.Logger) *FSM {
	return &FSM{
		cfg:      cfg,
		state:    StateResting,
		ledger:   ledger,
		snapshot: snapshot,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "hub-fsm")),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the tick loop.
func (f *FSM) Start() {
	f.wg.Add(1)
	go f.loop()
}

// Stop terminates the tick loop.
func (f *FSM) Stop() {
	close(f.stopCh)
	f.wg.Wait()
}

func (f *FSM) loop() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.Tick())
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.Tick()
		}
	}
}

// Tick runs one predicate evaluation. Exported so tests and the operator
// surface can drive the FSM without waiting for the timer.
func (f *FSM) Tick() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.paused {
		return
	}
	f.cycleCount++
	now := v1.NowMs()

	// healing watchdog: a healing pass may not exceed its ceiling
	if f.state == StateHealing && f.healingEnteredAt > 0 &&
		now-f.healingEnteredAt > f.cfg.HealingWatchdog().Milliseconds() {
		f.logger.Warn("Healing watchdog fired, forcing rest")
		f.transitionLocked(StateResting, "healing watchdog expired", false, now)
		return
	}

	snap := f.snapshot()

	// 1. health takes precedence over all other work
	if snap.HealthCritical && f.state != StateHealing &&
		now >= f.healingCooldownUntil && f.budgetOK(StateHealing) {
		f.transitionLocked(StateHealing, "health critical", false, now)
		return
	}

	// 2. pending goals wake the hub
	if f.state == StateResting && snap.PendingGoals > 0 && f.budgetOK(StateExecuting) {
		f.transitionLocked(StateExecuting, "pending goals", false, now)
		return
	}

	// 3. spare budget funds background improvement
	if f.state == StateResting && f.budgetOK(StateImproving) {
		f.transitionLocked(StateImproving, "improving budget available", false, now)
		return
	}

	// 4. exhausted budget forces rest
	if f.state != StateResting && !f.budgetOK(f.state) {
		f.transitionLocked(StateResting, "budget exhausted", false, now)
		return
	}
}

func (f *FSM) budgetOK(state State) bool {
	if f.ledger == nil {
		return true
	}
	return f.ledger.CheckBudget(state) == nil
}

// Force applies an operator-requested transition. Recorded identically to
// predicate-driven ones.
func (f *FSM) Force(target State, reason string) error {
	if !ValidState(target) {
		return apperrors.InvalidArgs("target_state", "unknown state "+string(target))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if target == f.state {
		return apperrors.WrongState("hub", "fsm", string(f.state))
	}
	f.transitionLocked(target, "forced: "+reason, true, v1.NowMs())
	return nil
}

// Pause suspends automatic ticks until Resume.
func (f *FSM) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
	f.logger.Info("FSM paused")
}

// Resume re-enables automatic ticks.
func (f *FSM) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
	f.logger.Info("FSM resumed")
}

// StateInfo returns the current FSM counters.
func (f *FSM) StateInfo() Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Info{
		State:           f.state,
		CycleCount:      f.cycleCount,
		TransitionCount: f.transitionCount,
		Paused:          f.paused,
	}
}

// History returns the most recent transitions, newest last, at most limit
// entries (0 means all retained).
func (f *FSM) History(limit int) []Transition {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]Transition(nil), f.history...)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// transitionLocked performs a state change. Callers hold the mutex.
func (f *FSM) transitionLocked(to State, reason string, forced bool, now int64) {
	from := f.state

	// leaving healing starts the cooldown
	if from == StateHealing {
		f.healingCooldownUntil = now + f.cfg.HealingCooldown().Milliseconds()
		f.healingEnteredAt = 0
	}
	if to == StateHealing {
		f.healingEnteredAt = now
	}

	f.state = to
	f.transitionCount++
	f.history = append(f.history, Transition{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: now,
		Forced:    forced,
	})
	if len(f.history) > historyCap {
		f.history = f.history[len(f.history)-historyCap:]
	}

	if to != StateResting && f.ledger != nil {
		f.ledger.RecordInvocation(to, map[string]interface{}{
			"reason": reason,
			"forced": forced,
		})
	}

	f.logger.Info("FSM transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
		zap.Bool("forced", forced))

	if f.eventBus != nil {
		event := bus.NewEvent(events.FSMTransition, events.SourceHubFSM, map[string]interface{}{
			"from":   string(from),
			"to":     string(to),
			"reason": reason,
			"forced": forced,
		})
		if err := f.eventBus.Publish(context.Background(), events.FSMTransition, event); err != nil {
			f.logger.Warn("Failed to publish FSM transition", zap.Error(err))
		}
	}
}
