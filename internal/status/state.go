package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/tandemapp/chatkit/internal/bus"
)

// State represents the duplex connection's lifecycle state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	Failed       State = "FAILED"
)

// validTransitions defines allowed state transitions. Failed is re-entrant:
// an explicit Connect() may always try again.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Failed, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Failed, Disconnected},
	Failed:       {Connecting},
}

// Machine tracks and enforces connection state transitions. When a state
// changes it publishes a conn.state_changed event on the bus.
type Machine struct {
	mu      sync.RWMutex
	current State
	reason  error
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Disconnected.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Reason returns the failure reason. Non-nil only while in Failed.
func (m *Machine) Reason() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reason
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed from the current state.
func (m *Machine) Transition(to State) error {
	return m.transition(to, nil)
}

// Fail moves to Failed recording the reason.
func (m *Machine) Fail(reason error) error {
	return m.transition(Failed, reason)
}

func (m *Machine) transition(to State, reason error) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.reason = reason
	m.mu.Unlock()

	if m.bus != nil {
		reasonText := ""
		if reason != nil {
			reasonText = reason.Error()
		}
		m.bus.Publish(bus.Event{
			Kind:      "conn.state_changed",
			Timestamp: time.Now(),
			Payload: Change{
				From:   from,
				To:     to,
				Reason: reasonText,
			},
		})
	}
	return nil
}

// Change is the payload for conn.state_changed events.
type Change struct {
	From   State
	To     State
	Reason string
}
