package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process. Used when REDIS_URL is unset and in
// tests; sessions do not survive a restart.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, userID int64) (*Session, error) {
	s, err := newSession(userID, m.now())
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	cp := *s
	m.sessions[s.ID] = &cp
	return s, nil
}

func (m *MemoryStore) Get(_ context.Context, id, token string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || m.expiredLocked(s) {
		delete(m.sessions, id)
		return nil, ErrNotFound
	}
	if !tokenMatches(s, token) {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Touch(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || m.expiredLocked(s) {
		return ErrNotFound
	}
	s.LastActivity = m.now()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) expiredLocked(s *Session) bool {
	return m.now().Sub(s.LastActivity) > m.ttl
}

func (m *MemoryStore) sweepLocked() {
	for id, s := range m.sessions {
		if m.expiredLocked(s) {
			delete(m.sessions, id)
		}
	}
}
