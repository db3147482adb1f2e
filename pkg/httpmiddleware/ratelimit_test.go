package httpmiddleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-faster/jx"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestLimiter(limit int, keyFunc func(*http.Request) string) (*RateLimiter, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(epoch)
	return NewRateLimiter(RateLimitConfig{
		Max:     limit,
		Window:  time.Minute,
		KeyFunc: keyFunc,
		Clock:   clock,
	}), clock
}

func serveFrom(h http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/products", nil)
	req.RemoteAddr = remoteAddr
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimit_UnderLimit(t *testing.T) {
	rl, _ := newTestLimiter(5, nil)
	h := rl.Middleware()(okHandler())

	for i := range 5 {
		w := serveFrom(h, "192.168.1.1:12345")
		assert.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
		assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(4-i), w.Header().Get("X-RateLimit-Remaining"))
		assert.Equal(t, strconv.FormatInt(epoch.Add(time.Minute).Unix(), 10), w.Header().Get("X-RateLimit-Reset"))
	}
}

func TestRateLimit_OverLimit(t *testing.T) {
	rl, clock := newTestLimiter(2, nil)
	h := rl.Middleware()(okHandler())

	for range 2 {
		require.Equal(t, http.StatusOK, serveFrom(h, "10.0.0.1:9999").Code)
	}
	clock.Advance(15 * time.Second)

	w := serveFrom(h, "10.0.0.1:9999")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "45", w.Header().Get("Retry-After"))

	var (
		code    int
		message string
	)
	require.NoError(t, jx.DecodeBytes(w.Body.Bytes()).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			code, err = d.Int()
		case "message":
			message, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	}))
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rate limit exceeded", message)
}

func TestRateLimit_SlidingWindow(t *testing.T) {
	rl, clock := newTestLimiter(2, nil)

	for range 2 {
		_, _, ok := rl.Allow("k")
		require.True(t, ok)
	}

	// The full previous window still counts at the window boundary.
	clock.Advance(time.Minute)
	_, _, ok := rl.Allow("k")
	assert.False(t, ok)

	// Half-way through, half of the previous window remains.
	clock.Advance(30 * time.Second)
	remaining, reset, ok := rl.Allow("k")
	assert.True(t, ok)
	assert.Zero(t, remaining)
	assert.Equal(t, epoch.Add(2*time.Minute), reset)

	_, _, ok = rl.Allow("k")
	assert.False(t, ok)

	// After two idle windows the key starts fresh.
	clock.Advance(2 * time.Minute)
	remaining, _, ok = rl.Allow("k")
	assert.True(t, ok)
	assert.Equal(t, 1, remaining)
}

func TestRateLimit_DifferentIPs(t *testing.T) {
	rl, _ := newTestLimiter(1, nil)
	h := rl.Middleware()(okHandler())

	assert.Equal(t, http.StatusOK, serveFrom(h, "10.0.0.1:1234").Code)
	assert.Equal(t, http.StatusOK, serveFrom(h, "10.0.0.2:1234").Code)
	assert.Equal(t, http.StatusTooManyRequests, serveFrom(h, "10.0.0.1:5678").Code)
}

func TestRateLimit_RotatingCookies(t *testing.T) {
	rl, _ := newTestLimiter(2, nil)
	h := rl.Middleware()(okHandler())

	serve := func(i int) int {
		req := httptest.NewRequest(http.MethodGet, "/api/cart", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		req.AddCookie(&http.Cookie{Name: "sid", Value: "session-" + strconv.Itoa(i)})
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, serve(1))
	assert.Equal(t, http.StatusOK, serve(2))
	for i := 3; i < 10; i++ {
		assert.Equal(t, http.StatusTooManyRequests, serve(i), "request %d", i)
	}
	assert.Equal(t, 1, rl.Len(), "one bucket per address")
}

func TestClientIP(t *testing.T) {
	for _, tt := range []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "RemoteAddr", remote: "192.168.1.1:4444", want: "192.168.1.1"},
		{name: "NoPort", remote: "192.168.1.1", want: "192.168.1.1"},
		{
			name:    "XForwardedFor",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.50, 70.41.3.18"},
			remote:  "192.168.1.1:4444",
			want:    "203.0.113.50",
		},
		{
			name:    "XRealIP",
			headers: map[string]string{"X-Real-IP": "198.51.100.7"},
			remote:  "192.168.1.1:4444",
			want:    "198.51.100.7",
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(req))
		})
	}
}

func TestRateLimit_Cleanup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl, clock := newTestLimiter(1, nil)

	rl.Allow("a")
	clock.Advance(time.Minute)
	rl.Allow("b")
	require.Equal(t, 2, rl.Len())

	done := make(chan error, 1)
	go func() { done <- rl.Run(ctx) }()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool { return rl.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
