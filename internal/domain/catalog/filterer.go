package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/jonboulle/clockwork"

	"github.com/xenking/storefront/internal/domain/product"
)

// DefaultDelay is the settling delay applied before a filter request is
// computed.
const DefaultDelay = 300 * time.Millisecond

var (
	// ErrSuperseded is returned by Run when a newer request was issued before
	// the result could be applied.
	ErrSuperseded = errors.New("filter request superseded")
	// ErrClosed is returned by Run after Close.
	ErrClosed = errors.New("filterer closed")
)

// State is the observable view of a Filterer.
type State struct {
	Query    Query
	Products []product.Product
	// Result is the last applied result. It may lag behind Query and Products
	// while Filtering is true.
	Result    []product.Product
	Filtering bool
	// Seq is the sequence number of the latest issued request.
	Seq uint64
}

// Option configures a Filterer.
type Option func(*Filterer)

// WithClock sets the time source used for the settling delay.
func WithClock(c clockwork.Clock) Option {
	return func(f *Filterer) {
		f.clock = c
	}
}

// WithDelay sets the settling delay. Negative values are treated as zero.
func WithDelay(d time.Duration) Option {
	return func(f *Filterer) {
		f.delay = max(d, 0)
	}
}

// Filterer is a debounced filter over a product list. Every change of the
// products or the query issues a new request with a larger sequence number;
// a request's result is applied only if no newer request was issued
// meanwhile, so results are ordered by issue order, never by completion
// order.
type Filterer struct {
	clock clockwork.Clock
	delay time.Duration

	mu        sync.Mutex
	state     State
	timers    map[uint64]clockwork.Timer
	listeners map[uint64]func(State)
	nextSub   uint64
	closed    bool
	done      chan struct{}
}

// NewFilterer creates an idle Filterer with no products.
func NewFilterer(opts ...Option) *Filterer {
	f := &Filterer{
		clock:     clockwork.NewRealClock(),
		delay:     DefaultDelay,
		timers:    make(map[uint64]clockwork.Timer),
		listeners: make(map[uint64]func(State)),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// SetProducts replaces the product list and schedules a new filter request.
func (f *Filterer) SetProducts(products []product.Product) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Products = products
	f.scheduleLocked()
}

// SetQuery replaces the query and schedules a new filter request.
func (f *Filterer) SetQuery(q Query) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Query = q
	f.scheduleLocked()
}

// Reset clears the query.
func (f *Filterer) Reset() {
	f.SetQuery(Query{})
}

// State returns the current state.
func (f *Filterer) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Subscribe registers fn to be called with the new state after every applied
// result. The returned function unregisters it.
func (f *Filterer) Subscribe(fn func(State)) (cancel func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextSub
	f.nextSub++
	f.listeners[id] = fn

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

// Run sets products and query, waits the settling delay and returns the
// result. It returns ErrSuperseded if another request was issued while it
// waited. Cancelling ctx only stops the wait: the request stays scheduled and
// is applied like any other if it is still the latest one.
func (f *Filterer) Run(ctx context.Context, products []product.Product, q Query) ([]product.Product, error) {
	type outcome struct {
		result []product.Product
		err    error
	}
	done := make(chan outcome, 1)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrClosed
	}
	f.state.Products = products
	f.state.Query = q
	seq := f.beginLocked()
	f.timers[seq] = f.clock.AfterFunc(f.delay, func() {
		result := Filter(products, q)
		done <- outcome{result: result, err: f.apply(seq, result)}
	})
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return nil, ErrClosed
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		return out.result, nil
	}
}

// Close stops pending requests. Results computed after Close are dropped.
func (f *Filterer) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.closed {
		f.closed = true
		close(f.done)
	}
	f.state.Filtering = false
	for seq, t := range f.timers {
		t.Stop()
		delete(f.timers, seq)
	}
}

func (f *Filterer) beginLocked() uint64 {
	f.state.Seq++
	f.state.Filtering = true
	return f.state.Seq
}

func (f *Filterer) scheduleLocked() {
	if f.closed {
		return
	}
	seq := f.beginLocked()
	products, q := f.state.Products, f.state.Query
	f.timers[seq] = f.clock.AfterFunc(f.delay, func() {
		_ = f.apply(seq, Filter(products, q))
	})
}

// apply stores result if seq is still the latest request.
func (f *Filterer) apply(seq uint64, result []product.Product) error {
	f.mu.Lock()
	delete(f.timers, seq)
	switch {
	case f.closed:
		f.mu.Unlock()
		return ErrClosed
	case seq != f.state.Seq:
		f.mu.Unlock()
		return ErrSuperseded
	}
	f.state.Result = result
	f.state.Filtering = false
	state := f.state
	listeners := make([]func(State), 0, len(f.listeners))
	for _, fn := range f.listeners {
		listeners = append(listeners, fn)
	}
	f.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
	return nil
}

// Shown returns the number of products in the last applied result.
func (s State) Shown() int {
	return len(s.Result)
}
