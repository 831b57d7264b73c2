package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/tgsync/internal/bus"
)

// State is a lifecycle state of the supervised worker process.
type State string

const (
	Stopped               State = "STOPPED"
	Starting              State = "STARTING"
	Running               State = "RUNNING"
	CrashedPendingRestart State = "CRASHED_PENDING_RESTART"
	PermanentlyFailed     State = "PERMANENTLY_FAILED"
)

// All lists every state, e.g. for resetting per-state gauges.
var All = []State{Stopped, Starting, Running, CrashedPendingRestart, PermanentlyFailed}

// validTransitions defines allowed state transitions. PermanentlyFailed is terminal.
var validTransitions = map[State][]State{
	Stopped:               {Starting},
	Starting:              {Running, CrashedPendingRestart, Stopped},
	Running:               {CrashedPendingRestart, Stopped},
	CrashedPendingRestart: {Starting, PermanentlyFailed, Stopped},
	PermanentlyFailed:     {},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return len(validTransitions[s]) == 0
}

// Machine tracks and enforces worker lifecycle transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Stopped state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Stopped,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Emit(bus.KindWorkerState, StatusChange{From: from, To: to})
	return nil
}

// StatusChange is the payload for worker.state_changed events.
type StatusChange struct {
	From State
	To   State
}
