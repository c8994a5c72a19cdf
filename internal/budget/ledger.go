// Package budget tracks the consumable work allowance for a run. Every
// capability execution is paid for through the Ledger before it starts;
// a denied authorization consumes nothing and is terminal for escalation.
package budget

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrExhausted is returned by Authorize when the requested cost would push
// spend past the cap. The spend counter is left untouched.
var ErrExhausted = errors.New("budget exhausted")

// State is the persisted shape of the budget. LastSpent records the spend
// at the previous checkpoint so monotonicity survives process restarts.
type State struct {
	Cap       int `json:"cap"`
	Spent     int `json:"spent"`
	LastSpent int `json:"last_spent"`
}

// Remaining returns the unspent allowance, never negative.
func (s State) Remaining() int {
	if r := s.Cap - s.Spent; r > 0 {
		return r
	}
	return 0
}

// Ledger is the single authorization point for spending budget. Authorize
// is the only mutator of the spend counter and runs as one atomic critical
// section, so concurrent capability executions can call it safely.
type Ledger struct {
	mu     sync.Mutex
	state  State
	logger *zap.Logger
}

// NewLedger creates a ledger with a fresh spend counter.
func NewLedger(cap int, logger *zap.Logger) *Ledger {
	return Resume(State{Cap: cap}, logger)
}

// Resume rebuilds a ledger from persisted budget state.
func Resume(state State, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{state: state, logger: logger}
}

// Authorize debits cost from the remaining budget. On success the spend
// counter is incremented atomically; on denial it is left unchanged and
// ErrExhausted is returned. Negative costs are a caller bug.
func (l *Ledger) Authorize(cost int) error {
	if cost < 0 {
		return fmt.Errorf("negative cost %d", cost)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.Spent+cost > l.state.Cap {
		l.logger.Debug("budget authorization denied",
			zap.Int("cost", cost),
			zap.Int("spent", l.state.Spent),
			zap.Int("cap", l.state.Cap))
		return ErrExhausted
	}
	l.state.Spent += cost
	l.logger.Debug("budget authorized",
		zap.Int("cost", cost),
		zap.Int("spent", l.state.Spent),
		zap.Int("cap", l.state.Cap))
	return nil
}

// Snapshot returns a copy of the current budget state for checkpointing.
func (l *Ledger) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Remaining returns the unspent allowance.
func (l *Ledger) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Remaining()
}

// Exhausted reports whether no further spend is possible at all.
func (l *Ledger) Exhausted() bool {
	return l.Remaining() == 0
}
