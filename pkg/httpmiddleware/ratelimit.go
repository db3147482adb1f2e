package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RateLimitConfig configures a sliding window rate limiter.
type RateLimitConfig struct {
	// Max is the number of requests allowed per window for one key.
	Max int
	// Window is the window length.
	Window time.Duration
	// KeyFunc groups requests. Defaults to ClientIP.
	KeyFunc func(*http.Request) string
	Clock   clockwork.Clock
}

// window counts requests of one key in the current and previous windows.
type window struct {
	start time.Time
	curr  float64
	prev  float64
}

// estimate weights the previous window by its overlap with the sliding
// window ending at now.
func (w *window) estimate(now time.Time, size time.Duration) float64 {
	overlap := 1 - float64(now.Sub(w.start))/float64(size)
	return w.prev*max(overlap, 0) + w.curr
}

func (w *window) advance(now time.Time, size time.Duration) {
	elapsed := now.Sub(w.start)
	switch {
	case elapsed < size:
		return
	case elapsed < 2*size:
		w.prev = w.curr
	default:
		w.prev = 0
	}
	w.curr = 0
	w.start = now.Truncate(size)
}

// RateLimiter limits requests per key.
type RateLimiter struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	windows map[string]*window
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientIP
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &RateLimiter{cfg: cfg, windows: make(map[string]*window)}
}

// Allow records a request for key. It returns the remaining budget, the end
// of the current window and whether the request may proceed.
func (rl *RateLimiter) Allow(key string) (remaining int, reset time.Time, ok bool) {
	now := rl.cfg.Clock.Now()
	limit := float64(rl.cfg.Max)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, found := rl.windows[key]
	if !found {
		w = &window{start: now.Truncate(rl.cfg.Window)}
		rl.windows[key] = w
	}
	w.advance(now, rl.cfg.Window)
	reset = w.start.Add(rl.cfg.Window)

	used := w.estimate(now, rl.cfg.Window)
	if used >= limit {
		return 0, reset, false
	}
	w.curr++
	return max(int(limit-used-1), 0), reset, true
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

// Cleanup forgets keys without requests in the last two windows.
func (rl *RateLimiter) Cleanup() {
	now := rl.cfg.Clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, w := range rl.windows {
		if now.Sub(w.start) >= 2*rl.cfg.Window {
			delete(rl.windows, key)
		}
	}
}

// Run calls Cleanup every two windows until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) error {
	ticker := rl.cfg.Clock.NewTicker(2 * rl.cfg.Window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			rl.Cleanup()
		}
	}
}

// Middleware rejects requests over the limit with 429. Every response carries
// the X-RateLimit-* headers.
func (rl *RateLimiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			remaining, reset, ok := rl.Allow(rl.cfg.KeyFunc(r))

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(rl.cfg.Max))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

			if !ok {
				wait := max(reset.Sub(rl.cfg.Clock.Now()), 0)
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP keys requests by X-Forwarded-For, X-Real-IP or the remote address,
// in that order.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
