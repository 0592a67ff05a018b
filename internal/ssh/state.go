package ssh

import (
	"sync"
	"time"
)

// ConnectionState is the pool's view of one keyed session.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// transitionHistorySize is how many transitions are retained per key.
const transitionHistorySize = 50

// StateTransition records a single state change.
type StateTransition struct {
	From      ConnectionState `json:"from"`
	To        ConnectionState `json:"to"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason"`
}

// StateChangeCallback is invoked synchronously after every state change,
// outside the tracker's lock.
type StateChangeCallback func(key string, from, to ConnectionState)

type stateEntry struct {
	current     ConnectionState
	transitions [transitionHistorySize]StateTransition
	head        int
	count       int
}

func (e *stateEntry) record(from, to ConnectionState, reason string, at time.Time) {
	e.transitions[e.head] = StateTransition{From: from, To: to, Timestamp: at, Reason: reason}
	e.head = (e.head + 1) % transitionHistorySize
	if e.count < transitionHistorySize {
		e.count++
	}
}

// history returns transitions oldest first.
func (e *stateEntry) history() []StateTransition {
	if e.count == 0 {
		return nil
	}
	out := make([]StateTransition, e.count)
	if e.count < transitionHistorySize {
		copy(out, e.transitions[:e.count])
		return out
	}
	n := copy(out, e.transitions[e.head:])
	copy(out[n:], e.transitions[:e.head])
	return out
}

type stateTracker struct {
	mu        sync.RWMutex
	states    map[string]*stateEntry
	callbacks []StateChangeCallback
	now       func() time.Time
}

func newStateTracker(now func() time.Time) *stateTracker {
	if now == nil {
		now = time.Now
	}
	return &stateTracker{states: make(map[string]*stateEntry), now: now}
}

// set updates the state for key. Setting the current state again is a no-op.
func (st *stateTracker) set(key string, state ConnectionState, reason string) {
	st.mu.Lock()
	entry, ok := st.states[key]
	if !ok {
		entry = &stateEntry{current: StateDisconnected}
		st.states[key] = entry
	}
	from := entry.current
	if from == state {
		st.mu.Unlock()
		return
	}
	entry.current = state
	entry.record(from, state, reason, st.now())
	cbs := append([]StateChangeCallback(nil), st.callbacks...)
	st.mu.Unlock()

	for _, cb := range cbs {
		cb(key, from, state)
	}
}

func (st *stateTracker) get(key string) ConnectionState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if entry, ok := st.states[key]; ok {
		return entry.current
	}
	return StateDisconnected
}

func (st *stateTracker) transitions(key string) []StateTransition {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if entry, ok := st.states[key]; ok {
		return entry.history()
	}
	return nil
}

func (st *stateTracker) onChange(cb StateChangeCallback) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.callbacks = append(st.callbacks, cb)
}

func (st *stateTracker) remove(key string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.states, key)
}
