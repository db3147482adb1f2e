// Package memory provides an in-process session store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/xenking/storefront/internal/domain/cart"
)

type entry struct {
	value     string
	expiresAt time.Time
}

// SessionStore keeps session values in memory. Values expire TTL after their
// last write; a zero TTL keeps them until Purge or process exit.
type SessionStore struct {
	ttl   time.Duration
	clock clockwork.Clock

	mu       sync.RWMutex
	sessions map[string]map[string]entry
}

// NewSessionStore creates an empty store.
func NewSessionStore(ttl time.Duration, clock clockwork.Clock) *SessionStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SessionStore{
		ttl:      ttl,
		clock:    clock,
		sessions: make(map[string]map[string]entry),
	}
}

// Session returns the store scoped to one session.
func (s *SessionStore) Session(id string) cart.Store {
	return &session{store: s, id: id}
}

// Ping always succeeds.
func (s *SessionStore) Ping(context.Context) error {
	return nil
}

// Purge removes expired values and empty sessions, returning the number of
// removed values.
func (s *SessionStore) Purge(context.Context) (int64, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, values := range s.sessions {
		for key, e := range values {
			if s.expired(e, now) {
				delete(values, key)
				n++
			}
		}
		if len(values) == 0 {
			delete(s.sessions, id)
		}
	}
	return n, nil
}

func (s *SessionStore) expired(e entry, now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

func (s *SessionStore) get(id, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.sessions[id][key]
	if !ok || s.expired(e, s.clock.Now()) {
		return "", false
	}
	return e.value, true
}

func (s *SessionStore) set(id, key, value string) {
	e := entry{value: value}
	if s.ttl > 0 {
		e.expiresAt = s.clock.Now().Add(s.ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	values, ok := s.sessions[id]
	if !ok {
		values = make(map[string]entry)
		s.sessions[id] = values
	}
	values[key] = e
}

type session struct {
	store *SessionStore
	id    string
}

func (s *session) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	v, ok := s.store.get(s.id, key)
	return v, ok, nil
}

func (s *session) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.store.set(s.id, key, value)
	return nil
}
