package connectivity

import "sync"

// NetworkWatcher reports link-layer connectivity the way a browser
// does: a last-known flag plus change notifications. Link-layer
// connectivity says nothing about application reachability, so the
// Monitor always follows an "up" notification with an active probe.
type NetworkWatcher interface {
	// LastKnown returns the most recent link state.
	LastKnown() bool

	// Changes delivers link state transitions. A nil channel is valid
	// and means the watcher never reports transitions.
	Changes() <-chan bool
}

// Static is a watcher with a fixed link state and no transitions.
// Hosts without a link-state source run with Static(true) and rely on
// the periodic probe to detect outages.
type Static bool

// LastKnown implements NetworkWatcher.
func (s Static) LastKnown() bool { return bool(s) }

// Changes implements NetworkWatcher.
func (s Static) Changes() <-chan bool { return nil }

// Signal is a watcher the host application (or a test) drives by hand.
type Signal struct {
	mu   sync.Mutex
	last bool
	ch   chan bool
}

// NewSignal creates a Signal watcher seeded with the given state.
func NewSignal(initial bool) *Signal {
	return &Signal{last: initial, ch: make(chan bool, 16)}
}

// Set records and announces a link state transition. Announcements are
// dropped, not blocked on, if nobody is draining the channel.
func (s *Signal) Set(online bool) {
	s.mu.Lock()
	s.last = online
	s.mu.Unlock()

	select {
	case s.ch <- online:
	default:
	}
}

// LastKnown implements NetworkWatcher.
func (s *Signal) LastKnown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Changes implements NetworkWatcher.
func (s *Signal) Changes() <-chan bool { return s.ch }
