package hubfsm

import (
	"sync"

	apperrors "github.com/agentcom/agentcom/internal/common/errors"
)

// BudgetLedger is a simple in-process Ledger granting a fixed number of
// invocation quanta per state. A zero allowance means unlimited. The
// production deployment can swap in an external ledger behind the same
// interface.
type BudgetLedger struct {
	mu        sync.Mutex
	allowance map[State]int
	used      map[State]int
}

var _ Ledger = (*BudgetLedger)(nil)

// NewBudgetLedger creates a ledger with per-state allowances.
func NewBudgetLedger(allowance map[State]int) *BudgetLedger {
	cp := make(map[State]int, len(allowance))
	for k, v := range allowance {
		cp[k] = v
	}
	return &BudgetLedger{allowance: cp, used: make(map[State]int)}
}

// CheckBudget returns nil while quanta remain for the state.
func (l *BudgetLedger) CheckBudget(state State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	limit, ok := l.allowance[state]
	if !ok || limit == 0 {
		return nil
	}
	if l.used[state] >= limit {
		return apperrors.WrongState("budget", string(state), "exhausted")
	}
	return nil
}

// RecordInvocation consumes one quantum.
func (l *BudgetLedger) RecordInvocation(state State, meta map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.used[state]++
}

// Reset restores the full allowance, e.g. at the top of a billing window.
func (l *BudgetLedger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.used = make(map[State]int)
}
