package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront/internal/domain/product"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

func pendingTimers(f *Filterer) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

func settled(f *Filterer) func() bool {
	return func() bool {
		return !f.State().Filtering
	}
}

func TestFilterer_LatestQueryWins(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := NewFilterer(WithClock(clock))
	defer f.Close()

	products := sampleProducts()
	q1 := Query{Category: "home"}
	q2 := Query{Search: "shirt"}

	f.SetProducts(products)
	f.SetQuery(q1)
	clock.Advance(100 * time.Millisecond)
	f.SetQuery(q2)

	state := f.State()
	assert.True(t, state.Filtering)
	assert.Equal(t, uint64(3), state.Seq)
	assert.Equal(t, q2, state.Query)

	// Requests issued at t=0 complete first and are discarded.
	clock.Advance(200 * time.Millisecond)
	require.Eventually(t, func() bool { return pendingTimers(f) == 1 }, waitFor, tick)
	state = f.State()
	assert.True(t, state.Filtering)
	assert.Nil(t, state.Result)

	clock.Advance(100 * time.Millisecond)
	require.Eventually(t, settled(f), waitFor, tick)
	state = f.State()
	assert.Equal(t, Filter(products, q2), state.Result)
	assert.NotEqual(t, ids(Filter(products, q1)), ids(state.Result))
	assert.Equal(t, 3, state.Shown())
}

func TestFilterer_ApplyStale(t *testing.T) {
	f := NewFilterer(WithClock(clockwork.NewFakeClock()))
	defer f.Close()

	f.SetQuery(Query{Search: "a"})
	f.SetQuery(Query{Search: "b"})

	stale := []product.Product{{ID: 100}}
	require.ErrorIs(t, f.apply(1, stale), ErrSuperseded)
	assert.Nil(t, f.State().Result)
	assert.True(t, f.State().Filtering)

	fresh := []product.Product{{ID: 200}}
	require.NoError(t, f.apply(2, fresh))
	assert.Equal(t, fresh, f.State().Result)
	assert.False(t, f.State().Filtering)

	// A late stale completion never overwrites the fresher result.
	require.ErrorIs(t, f.apply(1, stale), ErrSuperseded)
	assert.Equal(t, fresh, f.State().Result)
}

func TestFilterer_Subscribe(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := NewFilterer(WithClock(clock), WithDelay(50*time.Millisecond))
	defer f.Close()

	states := make(chan State, 4)
	cancel := f.Subscribe(func(s State) { states <- s })
	defer cancel()

	f.SetProducts(sampleProducts())
	f.SetQuery(Query{Category: "home"})
	clock.Advance(50 * time.Millisecond)

	select {
	case s := <-states:
		assert.Equal(t, []int64{2, 3}, ids(s.Result))
		assert.False(t, s.Filtering)
		assert.Equal(t, uint64(2), s.Seq)
	case <-time.After(waitFor):
		t.Fatal("no state notification")
	}

	require.Eventually(t, func() bool { return pendingTimers(f) == 0 }, waitFor, tick)
	assert.Empty(t, states, "superseded request must not notify")
}

func TestFilterer_Reset(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := NewFilterer(WithClock(clock))
	defer f.Close()

	products := sampleProducts()
	f.SetProducts(products)
	f.SetQuery(Query{Search: "mug"})
	clock.Advance(DefaultDelay)
	require.Eventually(t, settled(f), waitFor, tick)
	assert.Equal(t, []int64{2}, ids(f.State().Result))

	f.Reset()
	assert.True(t, f.State().Filtering)
	clock.Advance(DefaultDelay)
	require.Eventually(t, settled(f), waitFor, tick)
	assert.Equal(t, Query{}, f.State().Query)
	assert.Equal(t, products, f.State().Result)
}

type runResult struct {
	products []product.Product
	err      error
}

func TestFilterer_Run(t *testing.T) {
	ctx := context.Background()
	products := sampleProducts()

	t.Run("Result", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		f := NewFilterer(WithClock(clock))
		defer f.Close()

		done := make(chan runResult, 1)
		go func() {
			out, err := f.Run(ctx, products, Query{Category: "home"})
			done <- runResult{out, err}
		}()

		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		assert.True(t, f.State().Filtering)
		clock.Advance(DefaultDelay)

		res := <-done
		require.NoError(t, res.err)
		assert.Equal(t, []int64{2, 3}, ids(res.products))
		assert.Equal(t, res.products, f.State().Result)
		assert.False(t, f.State().Filtering)
	})
	t.Run("Superseded", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		f := NewFilterer(WithClock(clock))
		defer f.Close()

		first := make(chan runResult, 1)
		go func() {
			out, err := f.Run(ctx, products, Query{Search: "lamp"})
			first <- runResult{out, err}
		}()
		require.NoError(t, clock.BlockUntilContext(ctx, 1))

		second := make(chan runResult, 1)
		go func() {
			out, err := f.Run(ctx, products, Query{Search: "mug"})
			second <- runResult{out, err}
		}()
		require.NoError(t, clock.BlockUntilContext(ctx, 2))

		clock.Advance(DefaultDelay)

		res := <-first
		require.ErrorIs(t, res.err, ErrSuperseded)
		assert.Nil(t, res.products)

		res = <-second
		require.NoError(t, res.err)
		assert.Equal(t, []int64{2}, ids(res.products))
		assert.Equal(t, []int64{2}, ids(f.State().Result))
	})
	t.Run("Canceled", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		f := NewFilterer(WithClock(clock))
		defer f.Close()

		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := f.Run(cctx, products, Query{Search: "mug"})
		require.ErrorIs(t, err, context.Canceled)
		assert.True(t, f.State().Filtering, "request stays scheduled")

		clock.Advance(DefaultDelay)
		require.Eventually(t, settled(f), waitFor, tick)
		assert.Equal(t, []int64{2}, ids(f.State().Result))
	})
	t.Run("CanceledAfterSettled", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		f := NewFilterer(WithClock(clock))
		defer f.Close()

		f.SetProducts(products)
		f.SetQuery(Query{Category: "home"})
		clock.Advance(DefaultDelay)
		require.Eventually(t, settled(f), waitFor, tick)
		require.Equal(t, []int64{2, 3}, ids(f.State().Result))

		cctx, cancel := context.WithCancel(ctx)
		done := make(chan runResult, 1)
		go func() {
			out, err := f.Run(cctx, products, Query{Search: "shirt"})
			done <- runResult{out, err}
		}()
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		cancel()
		require.ErrorIs(t, (<-done).err, context.Canceled)

		clock.Advance(time.Second)
		require.Eventually(t, settled(f), waitFor, tick)
		state := f.State()
		assert.Equal(t, Query{Search: "shirt"}, state.Query)
		assert.Equal(t, Filter(products, Query{Search: "shirt"}), state.Result)
	})
	t.Run("ClosedWhileWaiting", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		f := NewFilterer(WithClock(clock))

		done := make(chan runResult, 1)
		go func() {
			out, err := f.Run(ctx, products, Query{})
			done <- runResult{out, err}
		}()
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		f.Close()
		require.ErrorIs(t, (<-done).err, ErrClosed)
	})
	t.Run("Closed", func(t *testing.T) {
		f := NewFilterer(WithClock(clockwork.NewFakeClock()))
		f.Close()

		_, err := f.Run(ctx, products, Query{})
		require.ErrorIs(t, err, ErrClosed)
	})
}

func TestFilterer_Close(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := NewFilterer(WithClock(clock))

	f.SetProducts(sampleProducts())
	f.SetQuery(Query{Search: "shirt"})
	f.Close()

	assert.Zero(t, pendingTimers(f))
	assert.False(t, f.State().Filtering)

	clock.Advance(DefaultDelay)
	assert.Nil(t, f.State().Result)

	// Changes after Close are recorded but never scheduled.
	f.SetQuery(Query{Search: "mug"})
	assert.Zero(t, pendingTimers(f))
}
