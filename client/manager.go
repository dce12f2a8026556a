package client

import (
	"sync"

	"grid-rpc/runtime"
)

// Manager owns the set of live client sessions in the process. All sessions
// share the manager's runtime, which bounds the thread count no matter how
// many peers the process talks to. A stopped manager refuses new sessions
// and drives every live one to FAILED.
type Manager struct {
	rt *runtime.Runtime

	mu       sync.Mutex
	sessions map[*Session]struct{}
	stopped  bool
}

func NewManager(rt *runtime.Runtime) *Manager {
	return &Manager{
		rt:       rt,
		sessions: make(map[*Session]struct{}),
	}
}

// CreateClient starts a session to host:port speaking the given protocol
// version. Returns nil if the manager is stopped. The session is tracked
// until it fails; failed sessions drop out of the table on their own.
func (m *Manager) CreateClient(version uint8, host string, port uint16, maxFrame uint32, onEvent func(SessionState, string)) *Session {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	var s *Session
	wrapped := func(state SessionState, msg string) {
		if state == StateFailed {
			m.remove(s)
		}
		if onEvent != nil {
			onEvent(state, msg)
		}
	}
	s = newSession(m.rt, version, host, port, maxFrame, wrapped)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		s.Stop()
		return nil
	}
	m.sessions[s] = struct{}{}
	m.mu.Unlock()

	// The session dials only now: wrapped cannot observe s before the
	// assignment above completed, and a fast failure finds the table entry
	// it has to remove.
	s.start()
	return s
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s)
	m.mu.Unlock()
}

// IsStopped reports whether Stop has been called.
func (m *Manager) IsStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Stop prevents new sessions and stops every live one. The table lock is
// never held while calling into a session.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	live := make([]*Session, 0, len(m.sessions))
	for s := range m.sessions {
		live = append(live, s)
	}
	m.sessions = make(map[*Session]struct{})
	m.mu.Unlock()

	for _, s := range live {
		s.Stop()
	}
}
