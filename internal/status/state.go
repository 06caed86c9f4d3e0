package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pmelo/clipchat/internal/bus"
)

// State represents the broker connection state of a session.
type State string

const (
	// Offline means no transport exists and none is being built.
	Offline State = "OFFLINE"
	// Connecting means a connect attempt is in flight.
	Connecting State = "CONNECTING"
	// Connected means the transport is live and subscriptions are possible.
	Connected State = "CONNECTED"
	// Reconnecting means the transport dropped and bounded automatic
	// reconnection is in progress.
	Reconnecting State = "RECONNECTING"
	// Suspended means the reconnection budget is exhausted. Only an explicit
	// Connect call leaves this state.
	Suspended State = "SUSPENDED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Offline:      {Connecting},
	Connecting:   {Connected, Offline, Reconnecting},
	Connected:    {Reconnecting, Offline},
	Reconnecting: {Connected, Suspended, Offline},
	Suspended:    {Connecting, Offline},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Offline.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Offline,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed.
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
			Kind:      bus.KindConnStatus,
			Timestamp: time.Now(),
			Payload: Change{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// Change is the payload for connection status change events.
type Change struct {
	From State
	To   State
}
