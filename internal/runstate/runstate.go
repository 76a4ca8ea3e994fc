// Package runstate tracks the daemon's runtime state and announces
// transitions on the event bus.
package runstate

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/warelay/warelay/internal/bus"
)

// State represents a daemon runtime state.
type State string

const (
	// Booting: store opening, migrations running, server not yet listening.
	Booting State = "BOOTING"
	// Ready: webhook listening and the outbox draining.
	Ready State = "READY"
	// Degraded: serving webhooks but outbound provider calls are failing.
	Degraded State = "DEGRADED"
	// Error: unrecoverable fault, restart required.
	Error State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:  {Ready, Error},
	Ready:    {Degraded, Error},
	Degraded: {Ready, Error},
	Error:    {Booting},
}

// Machine tracks and enforces daemon runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
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

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindDaemonState,
			Timestamp: time.Now(),
			Payload:   StateChange{From: from, To: to},
		})
	}
	return nil
}

// StateChange is the payload for daemon state change events.
type StateChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}
