package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[StorageKey(id)]
	m.mu.RUnlock()
	if !ok || s.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	s.ID = id
	return &s, nil
}

func (m *MemoryStore) Put(_ context.Context, s *Session) error {
	if s == nil || s.ID == "" {
		return errors.New("session: missing session id")
	}
	if s.Expired(time.Now()) {
		return errors.New("session: expires_at must be in the future")
	}
	m.mu.Lock()
	m.sessions[StorageKey(s.ID)] = *s
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, StorageKey(id))
	m.mu.Unlock()
	return nil
}

// PurgeExpired drops every session expired at now and returns how many were
// removed.
func (m *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for k, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, k)
			removed++
		}
	}
	return removed, nil
}
