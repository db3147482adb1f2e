// Package redis provides a Redis-backed session store.
package redis

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/storefront/internal/domain/cart"
)

const keyPrefix = "session:"

// Connect creates a client for addr and verifies the connection.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}

// SessionStore keeps session values in Redis under session:<id>:<key>. Every
// write refreshes the key's TTL, so a session ends after TTL of inactivity.
type SessionStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewSessionStore creates a store on client. A zero TTL stores keys without
// expiry.
func NewSessionStore(client redis.UniversalClient, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, ttl: ttl}
}

// Session returns the store scoped to one session.
func (s *SessionStore) Session(id string) cart.Store {
	return &session{store: s, id: id}
}

// Ping checks the connection.
func (s *SessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func key(id, k string) string {
	return keyPrefix + id + ":" + k
}

type session struct {
	store *SessionStore
	id    string
}

func (s *session) Get(ctx context.Context, k string) (string, bool, error) {
	v, err := s.store.client.Get(ctx, key(s.id, k)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", false, nil
	case err != nil:
		return "", false, errors.Wrap(err, "redis get")
	}
	return v, true, nil
}

func (s *session) Set(ctx context.Context, k, value string) error {
	if err := s.store.client.Set(ctx, key(s.id, k), value, s.store.ttl).Err(); err != nil {
		return errors.Wrap(err, "redis set")
	}
	return nil
}
