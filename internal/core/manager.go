package core

import (
	"sync"
)

// Manager keeps one Session per identity, created on first use.
type Manager struct {
	deps SessionDeps

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager takes deps whose Repo is unbound; each session gets a copy
// bound to its identity.
func NewManager(deps SessionDeps) *Manager {
	return &Manager{deps: deps, sessions: map[string]*Session{}}
}

func (m *Manager) Session(id Identity) *Session {
	key := id.Key()
	if id.Guest || id.UID == "" {
		key = "guest:" + key
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		return s
	}
	deps := m.deps
	deps.Repo = m.deps.Repo.For(id)
	s := NewSession(deps)
	m.sessions[key] = s
	return s
}

// Repository returns the repository bound to id.
func (m *Manager) Repository(id Identity) *Repository {
	return m.deps.Repo.For(id)
}

// Wait blocks until background work of every session finishes.
func (m *Manager) Wait() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Wait()
	}
}
