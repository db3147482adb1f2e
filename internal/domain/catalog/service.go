package catalog

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-faster/sdk/zctx"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xenking/storefront/internal/domain/product"
)

// DefaultCacheTTL is how long a fetched product list is served from memory.
const DefaultCacheTTL = 5 * time.Minute

// ServiceOptions configures a Service.
type ServiceOptions struct {
	// TTL is how long the product list is cached. Zero means DefaultCacheTTL.
	TTL   time.Duration
	Clock clockwork.Clock
}

func (o *ServiceOptions) setDefaults() {
	if o.TTL <= 0 {
		o.TTL = DefaultCacheTTL
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
}

// Service answers catalog reads from a cached copy of the product list, so
// every session shares one fetch.
type Service struct {
	source product.Source
	ttl    time.Duration
	clock  clockwork.Clock
	sfg    singleflight.Group

	mu        sync.RWMutex
	products  []product.Product
	byID      map[int64]int
	fetchedAt time.Time
}

// NewService creates a Service reading from source.
func NewService(source product.Source, opts ServiceOptions) *Service {
	opts.setDefaults()
	return &Service{
		source: source,
		ttl:    opts.TTL,
		clock:  opts.Clock,
	}
}

// Products returns the full product list, fetching it when the cache is
// empty or expired.
func (s *Service) Products(ctx context.Context) ([]product.Product, error) {
	if products, ok := s.cached(); ok {
		return products, nil
	}

	v, err, _ := s.sfg.Do("products", func() (any, error) {
		// Shared by concurrent callers, so it outlives any single one.
		products, err := s.source.List(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		s.store(products)
		zctx.From(ctx).Debug("Product list fetched", zap.Int("products", len(products)))
		return products, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]product.Product), nil
}

// Product returns a single product. Cached products are served without a
// remote call.
func (s *Service) Product(ctx context.Context, id int64) (*product.Product, error) {
	s.mu.RLock()
	if i, ok := s.byID[id]; ok && s.freshLocked() {
		p := s.products[i]
		s.mu.RUnlock()
		return &p, nil
	}
	s.mu.RUnlock()

	v, err, _ := s.sfg.Do("product:"+strconv.FormatInt(id, 10), func() (any, error) {
		return s.source.GetByID(context.WithoutCancel(ctx), id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*product.Product), nil
}

// Categories returns the distinct categories of the product list.
func (s *Service) Categories(ctx context.Context) ([]string, error) {
	products, err := s.Products(ctx)
	if err != nil {
		return nil, err
	}
	return Categories(products), nil
}

// Search filters the product list synchronously.
func (s *Service) Search(ctx context.Context, q Query) ([]product.Product, error) {
	products, err := s.Products(ctx)
	if err != nil {
		return nil, err
	}
	return Filter(products, q), nil
}

// Invalidate drops the cached product list.
func (s *Service) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products = nil
	s.byID = nil
	s.fetchedAt = time.Time{}
}

// Check reports whether the product list can be obtained.
func (s *Service) Check(ctx context.Context) error {
	_, err := s.Products(ctx)
	return err
}

func (s *Service) cached() ([]product.Product, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.byID == nil || !s.freshLocked() {
		return nil, false
	}
	return s.products, true
}

func (s *Service) freshLocked() bool {
	return s.clock.Since(s.fetchedAt) < s.ttl
}

func (s *Service) store(products []product.Product) {
	byID := make(map[int64]int, len(products))
	for i, p := range products {
		byID[p.ID] = i
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.products = products
	s.byID = byID
	s.fetchedAt = s.clock.Now()
}
