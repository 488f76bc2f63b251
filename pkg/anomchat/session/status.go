package session

import (
	"time"
)

// State is a session lifecycle state.
type State string

const (
	StateUninitialized  State = "uninitialized"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
	StateDisconnected   State = "disconnected"
	StateTerminated     State = "terminated"
)

// Snapshot is the read-only status surface. A new value is published on
// every transition; readers never see a partially updated snapshot.
type Snapshot struct {
	State         State     `json:"state"`
	Authenticated bool      `json:"authenticated"`
	LastError     string    `json:"last_error,omitempty"`
	Challenge     string    `json:"challenge,omitempty"`
	Driver        string    `json:"driver"`
	Attempts      int64     `json:"reconnect_attempts"`
	Since         time.Time `json:"since"`
}

// Observer is notified after every published snapshot.
type Observer func(prev, next Snapshot)

// AddObserver registers an observer. Observers are called in transition
// order on the transitioning goroutine, so they must return quickly and
// must not call back into the manager. A panicking observer is logged and
// skipped.
func (m *Manager) AddObserver(obs Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, obs)
}

// Status returns the current snapshot.
func (m *Manager) Status() Snapshot {
	if s := m.snapshot.Load(); s != nil {
		return *s
	}
	return Snapshot{State: StateUninitialized}
}

// publish stores next and fans it out to observers. Caller holds m.mu so
// snapshots are published in transition order.
func (m *Manager) publish(next Snapshot) {
	prevPtr := m.snapshot.Swap(&next)
	var prev Snapshot
	if prevPtr != nil {
		prev = *prevPtr
	}

	m.obsMu.Lock()
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.obsMu.Unlock()

	for _, obs := range observers {
		m.notify(obs, prev, next)
	}
}

func (m *Manager) notify(obs Observer, prev, next Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("session: status observer panic", "error", r)
		}
	}()
	obs(prev, next)
}
