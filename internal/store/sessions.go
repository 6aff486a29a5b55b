package store

import (
	"context"
	"sync"
	"time"
)

// SessionRepository loads and saves sessions by key. Load returns (nil, nil) for
// an unknown key.
type SessionRepository interface {
	Load(ctx context.Context, key string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, key string) error
}

// MemorySessionRepository keeps sessions in process memory. Stored values are
// copies so callers never share a *Session across requests. An entry not saved
// for ttl is gone; ttl <= 0 keeps entries until deleted.
type MemorySessionRepository struct {
	mu       sync.RWMutex
	sessions map[string]memoryEntry
	ttl      time.Duration
	now      func() time.Time
}

type memoryEntry struct {
	session   *Session
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

func NewMemorySessionRepository(ttl time.Duration) *MemorySessionRepository {
	return &MemorySessionRepository{sessions: map[string]memoryEntry{}, ttl: ttl, now: time.Now}
}

func (r *MemorySessionRepository) Load(ctx context.Context, key string) (*Session, error) {
	r.mu.RLock()
	e, ok := r.sessions[key]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if e.expired(r.now()) {
		r.mu.Lock()
		if cur, ok := r.sessions[key]; ok && cur.expired(r.now()) {
			delete(r.sessions, key)
		}
		r.mu.Unlock()
		return nil, nil
	}
	return e.session.Clone(), nil
}

// Save stores a copy of s and restarts its ttl. Expired entries are swept on
// the way.
func (r *MemorySessionRepository) Save(ctx context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for key, e := range r.sessions {
		if e.expired(now) {
			delete(r.sessions, key)
		}
	}
	e := memoryEntry{session: s.Clone()}
	if r.ttl > 0 {
		e.expiresAt = now.Add(r.ttl)
	}
	r.sessions[s.Key] = e
	return nil
}

func (r *MemorySessionRepository) Delete(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, key)
	return nil
}

// Len reports how many sessions are held.
func (r *MemorySessionRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
