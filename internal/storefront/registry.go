// Package storefront keeps the per-visitor state of the shop: a cart and a
// debounced catalog view for every browsing session.
package storefront

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/domain/product"
)

// Backend provides session-scoped stores.
type Backend interface {
	Session(id string) cart.Store
	Ping(ctx context.Context) error
}

// Options configures a Registry.
type Options struct {
	// FilterDelay is the settling delay of the catalog view.
	FilterDelay time.Duration
	// AddDelay is waited before a product is added to the cart.
	AddDelay time.Duration
	// IdleTimeout evicts sessions not opened for this long. Zero disables
	// eviction.
	IdleTimeout time.Duration

	Clock         clockwork.Clock
	MeterProvider metric.MeterProvider
}

func (o *Options) setDefaults() {
	if o.FilterDelay <= 0 {
		o.FilterDelay = catalog.DefaultDelay
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.MeterProvider == nil {
		o.MeterProvider = noop.NewMeterProvider()
	}
}

// Session is the state of one visitor.
type Session struct {
	ID     string
	Cart   *cart.Manager
	Browse *catalog.Filterer

	addDelay time.Duration
	clock    clockwork.Clock
	lastSeen atomic.Int64
	seeded   atomic.Bool
	cancel   func()
}

// AddToCart adds p to the cart after the configured add delay.
func (s *Session) AddToCart(ctx context.Context, p product.Product) error {
	if s.addDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.addDelay):
		}
	}
	return s.Cart.Add(ctx, p)
}

// SeedBrowse hands the product list to the catalog view once per session.
// It reports whether products were applied.
func (s *Session) SeedBrowse(products []product.Product) bool {
	if !s.seeded.CompareAndSwap(false, true) {
		return false
	}
	s.Browse.SetProducts(products)
	return true
}

// Seeded reports whether SeedBrowse has applied a product list.
func (s *Session) Seeded() bool {
	return s.seeded.Load()
}

func (s *Session) touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

func (s *Session) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastSeen.Load()))
}

func (s *Session) close() {
	s.cancel()
	s.Browse.Close()
}

type registryMetrics struct {
	opened    metric.Int64Counter
	evicted   metric.Int64Counter
	active    metric.Int64UpDownCounter
	mutations metric.Int64Counter
}

func newRegistryMetrics(mp metric.MeterProvider) (*registryMetrics, error) {
	meter := mp.Meter("github.com/xenking/storefront/internal/storefront")

	var (
		m   registryMetrics
		err error
	)
	if m.opened, err = meter.Int64Counter("storefront.sessions.opened",
		metric.WithDescription("Sessions created or restored"),
	); err != nil {
		return nil, errors.Wrap(err, "sessions.opened")
	}
	if m.evicted, err = meter.Int64Counter("storefront.sessions.evicted",
		metric.WithDescription("Sessions evicted after being idle"),
	); err != nil {
		return nil, errors.Wrap(err, "sessions.evicted")
	}
	if m.active, err = meter.Int64UpDownCounter("storefront.sessions.active",
		metric.WithDescription("Sessions held in memory"),
	); err != nil {
		return nil, errors.Wrap(err, "sessions.active")
	}
	if m.mutations, err = meter.Int64Counter("storefront.cart.mutations",
		metric.WithDescription("Applied cart changes"),
	); err != nil {
		return nil, errors.Wrap(err, "cart.mutations")
	}
	return &m, nil
}

// Registry owns the live sessions. It is created once per process and shared
// by all handlers.
type Registry struct {
	backend Backend
	opts    Options
	metrics *registryMetrics

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a Registry storing carts in backend.
func NewRegistry(backend Backend, opts Options) (*Registry, error) {
	opts.setDefaults()
	m, err := newRegistryMetrics(opts.MeterProvider)
	if err != nil {
		return nil, errors.Wrap(err, "create metrics")
	}
	return &Registry{
		backend:  backend,
		opts:     opts,
		metrics:  m,
		sessions: make(map[string]*Session),
	}, nil
}

// Open returns the session for id, restoring its cart from the backend on
// first use.
func (r *Registry) Open(ctx context.Context, id string) *Session {
	now := r.opts.Clock.Now()

	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		s.touch(now)
		r.mu.Unlock()
		return s
	}
	r.mu.Unlock()

	// Restoring reads the backend, so it runs without the registry lock.
	created := r.newSession(ctx, id)

	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		created.close()
		s.touch(now)
		return s
	}
	created.touch(now)
	r.sessions[id] = created
	r.mu.Unlock()

	r.metrics.opened.Add(ctx, 1)
	r.metrics.active.Add(ctx, 1)
	zctx.From(ctx).Debug("Session opened",
		zap.String("session", id),
		zap.Int("cart_items", created.Cart.Count()),
	)
	return created
}

func (r *Registry) newSession(ctx context.Context, id string) *Session {
	s := &Session{
		ID:   id,
		Cart: cart.NewManager(ctx, r.backend.Session(id)),
		Browse: catalog.NewFilterer(
			catalog.WithClock(r.opts.Clock),
			catalog.WithDelay(r.opts.FilterDelay),
		),
		addDelay: r.opts.AddDelay,
		clock:    r.opts.Clock,
	}
	s.cancel = s.Cart.Subscribe(func(cart.Snapshot) {
		r.metrics.mutations.Add(context.Background(), 1)
	})
	return s
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Ping checks the session backend.
func (r *Registry) Ping(ctx context.Context) error {
	return r.backend.Ping(ctx)
}

// Sweep evicts sessions idle for at least the idle timeout and returns how
// many were evicted. Their carts stay in the backend.
func (r *Registry) Sweep(ctx context.Context) int {
	if r.opts.IdleTimeout <= 0 {
		return 0
	}
	now := r.opts.Clock.Now()

	var evicted []*Session
	r.mu.Lock()
	for id, s := range r.sessions {
		if s.idleSince(now) >= r.opts.IdleTimeout {
			delete(r.sessions, id)
			evicted = append(evicted, s)
		}
	}
	r.mu.Unlock()

	for _, s := range evicted {
		s.close()
	}
	if n := int64(len(evicted)); n > 0 {
		r.metrics.evicted.Add(ctx, n)
		r.metrics.active.Add(ctx, -n)
		zctx.From(ctx).Debug("Idle sessions evicted", zap.Int64("count", n))
	}
	return len(evicted)
}

// Run sweeps idle sessions until ctx is done, then closes every session.
func (r *Registry) Run(ctx context.Context) error {
	defer r.Close()

	if r.opts.IdleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := r.opts.Clock.NewTicker(max(r.opts.IdleTimeout/2, time.Second))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			r.Sweep(ctx)
		}
	}
}

// Close closes all sessions.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	if n := int64(len(sessions)); n > 0 {
		r.metrics.active.Add(context.Background(), -n)
	}
}
