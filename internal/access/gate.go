// Package access implements the single-fire guard for forbidden responses.
package access

import "sync"

// Gate runs a corrective action (forced logout) at most once, no matter how
// many concurrent requests observe a forbidden response. The check-and-set is
// atomic: callers that arrive while the gate is tripped are ignored, even if
// the action is still running.
type Gate struct {
	mu      sync.Mutex
	tripped bool
	action  func()
}

// New creates a gate that invokes action on the first Trip.
func New(action func()) *Gate {
	return &Gate{action: action}
}

// Trip fires the corrective action if the gate has not tripped yet.
func (g *Gate) Trip() {
	g.mu.Lock()
	if g.tripped {
		g.mu.Unlock()
		return
	}
	g.tripped = true
	action := g.action
	g.mu.Unlock()

	if action != nil {
		action()
	}
}

// Tripped reports whether the gate has fired.
func (g *Gate) Tripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tripped
}

// Reset re-arms the gate. Intended for test isolation only.
func (g *Gate) Reset() {
	g.mu.Lock()
	g.tripped = false
	g.mu.Unlock()
}
