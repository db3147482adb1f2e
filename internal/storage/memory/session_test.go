package memory

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/product"
)

func TestSessionStore_GetSet(t *testing.T) {
	ctx := context.Background()
	s := NewSessionStore(0, nil)

	a := s.Session("a")
	b := s.Session("b")

	_, ok, err := a.Get(ctx, "cart")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Set(ctx, "cart", "[1]"))
	require.NoError(t, b.Set(ctx, "cart", "[2]"))
	require.NoError(t, a.Set(ctx, "cart", "[3]"))

	v, ok, err := a.Get(ctx, "cart")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "[3]", v)

	v, _, err = s.Session("b").Get(ctx, "cart")
	require.NoError(t, err)
	assert.Equal(t, "[2]", v)
}

func TestSessionStore_TTL(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s := NewSessionStore(time.Hour, clock)
	sess := s.Session("a")

	require.NoError(t, sess.Set(ctx, "cart", "[]"))
	clock.Advance(59 * time.Minute)

	// Writes refresh the expiry.
	require.NoError(t, sess.Set(ctx, "cart", "[1]"))
	clock.Advance(59 * time.Minute)
	_, ok, err := sess.Get(ctx, "cart")
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(time.Minute)
	_, ok, err = sess.Get(ctx, "cart")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Empty(t, s.sessions)
}

func TestSessionStore_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sess := NewSessionStore(0, nil).Session("a")
	require.ErrorIs(t, sess.Set(ctx, "cart", "[]"), context.Canceled)
	_, _, err := sess.Get(ctx, "cart")
	require.ErrorIs(t, err, context.Canceled)
}

func TestSessionStore_CartRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewSessionStore(0, nil)

	m := cart.NewManager(ctx, s.Session("visitor"))
	p := product.Product{ID: 9, Title: "Monitor", Price: decimal.RequireFromString("599")}
	require.NoError(t, m.Add(ctx, p))
	require.NoError(t, m.Increment(ctx, p.ID))

	restored := cart.NewManager(ctx, s.Session("visitor"))
	assert.Equal(t, 2, restored.Count())
	assert.Equal(t, "1198.00", restored.Snapshot().DisplayTotal())

	other := cart.NewManager(ctx, s.Session("someone-else"))
	assert.Zero(t, other.Count())
}
