package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/cart"
)

const (
	getValueSQL = `SELECT value FROM session_values
WHERE session_id = $1 AND key = $2 AND (expires_at IS NULL OR expires_at > $3)`

	setValueSQL = `INSERT INTO session_values (session_id, key, value, cart_total, expires_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (session_id, key) DO UPDATE
SET value = EXCLUDED.value, cart_total = EXCLUDED.cart_total,
    expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at`

	openCartsSQL = `SELECT count(*), COALESCE(sum(cart_total), 0) FROM session_values
WHERE key = $1 AND cart_total > 0 AND (expires_at IS NULL OR expires_at > $2)`

	purgeSQL = `DELETE FROM session_values WHERE expires_at IS NOT NULL AND expires_at <= $1`
)

// SessionStore keeps session values in the session_values table. Every write
// moves the row's expiry TTL into the future; expired rows are invisible to
// reads and removed by Purge. Cart values also record their exact total in
// the cart_total column.
type SessionStore struct {
	db    DBTX
	ttl   time.Duration
	clock clockwork.Clock
}

// NewSessionStore creates a store on db. A zero TTL stores rows without
// expiry.
func NewSessionStore(db DBTX, ttl time.Duration, clock clockwork.Clock) *SessionStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SessionStore{db: db, ttl: ttl, clock: clock}
}

// Session returns the store scoped to one session.
func (s *SessionStore) Session(id string) cart.Store {
	return &session{store: s, id: id}
}

// Ping checks the connection.
func (s *SessionStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Purge deletes expired rows and returns how many were removed.
func (s *SessionStore) Purge(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, purgeSQL, s.clock.Now().UTC())
	if err != nil {
		return 0, errors.Wrap(err, "purge session values")
	}
	return tag.RowsAffected(), nil
}

// CartStats summarizes the non-empty carts of live sessions.
type CartStats struct {
	Carts int64
	Value decimal.Decimal
}

// OpenCarts returns the number and exact total value of non-empty carts that
// have not expired.
func (s *SessionStore) OpenCarts(ctx context.Context) (CartStats, error) {
	var stats CartStats
	if err := s.db.QueryRow(ctx, openCartsSQL, cart.StorageKey, s.clock.Now().UTC()).
		Scan(&stats.Carts, &stats.Value); err != nil {
		return CartStats{}, errors.Wrap(err, "query open carts")
	}
	return stats, nil
}

// cartTotal returns the total of a persisted cart, or nil for other keys and
// unparsable values.
func cartTotal(key, value string) *decimal.Decimal {
	if key != cart.StorageKey {
		return nil
	}
	items, err := cart.Decode([]byte(value))
	if err != nil {
		return nil
	}
	total := cart.Total(items)
	return &total
}

type session struct {
	store *SessionStore
	id    string
}

func (s *session) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.store.db.QueryRow(ctx, getValueSQL, s.id, key, s.store.clock.Now().UTC()).Scan(&value)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, errors.Wrapf(err, "get session value %q", key)
	}
	return value, true, nil
}

func (s *session) Set(ctx context.Context, key, value string) error {
	now := s.store.clock.Now().UTC()
	var expiresAt *time.Time
	if s.store.ttl > 0 {
		t := now.Add(s.store.ttl)
		expiresAt = &t
	}
	if _, err := s.store.db.Exec(ctx, setValueSQL,
		s.id, key, value, cartTotal(key, value), expiresAt, now,
	); err != nil {
		return errors.Wrapf(err, "set session value %q", key)
	}
	return nil
}
