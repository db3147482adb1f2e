package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passing(context.Context) error { return nil }

func failingWith(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func hit(h http.HandlerFunc) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/", nil))
	return w
}

func runN(c *check, n int) {
	for range n {
		c.run(context.Background())
	}
}

func TestLiveEndpoint(t *testing.T) {
	t.Run("NoChecks", func(t *testing.T) {
		w := hit(New().LiveEndpoint)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	})
	t.Run("Failing", func(t *testing.T) {
		h := New()
		h.AddLivenessCheck("goroutines", passing)
		h.AddLivenessCheck("gc", failingWith("GC pause 2s, limit 1s"))
		runN(h.liveness[1], DefaultFailureThreshold)

		w := hit(h.LiveEndpoint)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.JSONEq(t, `{"status":"unhealthy","checks":{"gc":"GC pause 2s, limit 1s"}}`, w.Body.String())
	})
	t.Run("BelowThreshold", func(t *testing.T) {
		h := New()
		h.AddLivenessCheck("flaky", failingWith("temporary"))
		runN(h.liveness[0], DefaultFailureThreshold-1)

		assert.Equal(t, http.StatusOK, hit(h.LiveEndpoint).Code)
	})
}

func TestReadyEndpoint(t *testing.T) {
	h := New()
	h.AddReadinessCheck("sessions", passing)
	h.AddReadinessCheck("catalog", failingWith("connection refused"), WithThresholds(1, 1))

	w := hit(h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"unhealthy","checks":{"_readiness":"service is not ready"}}`, w.Body.String())
	assert.False(t, h.IsReady())

	h.SetReady(true)
	assert.Equal(t, http.StatusOK, hit(h.ReadyEndpoint).Code)
	assert.True(t, h.IsReady())

	runN(h.readiness[1], 1)
	w = hit(h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"unhealthy","checks":{"catalog":"connection refused"}}`, w.Body.String())
	assert.False(t, h.IsReady())

	h.SetReady(false)
	w = hit(h.ReadyEndpoint)
	assert.JSONEq(t, `{"status":"unhealthy","checks":{"catalog":"connection refused","_readiness":"service is not ready"}}`, w.Body.String())
}

func TestCheck_Thresholds(t *testing.T) {
	failing := true
	c := newCheck("flaky", func(context.Context) error {
		if failing {
			return errors.New("down")
		}
		return nil
	}, []CheckOption{WithThresholds(2, 2)})

	assert.Nil(t, c.err())
	assert.False(t, c.run(context.Background()))
	assert.EqualError(t, c.err(), "down")
	assert.True(t, c.run(context.Background()), "second failure flips the check")
	assert.False(t, c.healthy.Load())

	failing = false
	assert.False(t, c.run(context.Background()))
	assert.False(t, c.healthy.Load())
	assert.True(t, c.run(context.Background()), "second success recovers")
	assert.True(t, c.healthy.Load())
	assert.NoError(t, c.err())
}

func TestCheck_Timeout(t *testing.T) {
	c := newCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, []CheckOption{WithTimeout(time.Millisecond), WithThresholds(1, 1)})

	c.run(context.Background())
	assert.ErrorIs(t, c.err(), context.DeadlineExceeded)
	assert.False(t, c.healthy.Load())
}

func TestStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	h := New(WithClock(clock))
	h.SetReady(true)

	var calls atomic.Int32
	h.AddReadinessCheck("sessions", func(context.Context) error {
		calls.Add(1)
		return errors.New("unreachable")
	}, WithThresholds(2, 1))

	h.Start(ctx, 5*time.Second)
	defer h.Stop()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, h.IsReady())

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !h.IsReady() }, time.Second, 5*time.Millisecond)

	h.Stop()
	h.Stop()
}

func TestConcurrentProbes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := New()
	h.AddLivenessCheck("failing", failingWith("err"))
	h.AddReadinessCheck("passing", passing)
	h.SetReady(true)
	h.Start(ctx, 10*time.Millisecond)
	defer h.Stop()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				h.IsReady()
				hit(h.LiveEndpoint)
				hit(h.ReadyEndpoint)
			}
		}()
	}
	wg.Wait()
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestCheckers(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, GoroutineCountCheck(100000)(ctx))
	assert.ErrorContains(t, GoroutineCountCheck(0)(ctx), "limit 0")

	assert.NoError(t, GCPauseCheck(time.Hour)(ctx))

	assert.NoError(t, PingCheck(pinger{})(ctx))
	assert.ErrorContains(t, PingCheck(pinger{err: errors.New("refused")})(ctx), "refused")
}
