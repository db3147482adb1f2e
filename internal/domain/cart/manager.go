package cart

import (
	"context"
	"math"
	"slices"
	"sync"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/product"
)

// Listener receives a snapshot after every applied change.
type Listener func(Snapshot)

// Manager owns the line items of one browsing session and keeps them in the
// session store. All operations are safe for concurrent use: every mutation
// holds the manager lock for the whole mutate-then-persist step, so writes to
// the store happen in the same order as the mutations.
//
// Operations on a product that is not in the cart are no-ops. A quantity that
// drops to zero or below removes the line item. Quantities saturate at
// math.MaxInt.
type Manager struct {
	store Store

	mu        sync.Mutex
	items     []LineItem
	version   uint64
	listeners map[uint64]Listener
	nextSub   uint64
}

// NewManager creates a Manager restored from the session store. A missing or
// unparsable snapshot yields an empty cart; restore problems are logged and
// never returned.
func NewManager(ctx context.Context, store Store) *Manager {
	return &Manager{
		store:     store,
		items:     restore(ctx, store),
		listeners: make(map[uint64]Listener),
	}
}

func restore(ctx context.Context, store Store) []LineItem {
	lg := zctx.From(ctx)

	raw, ok, err := store.Get(ctx, StorageKey)
	if err != nil {
		lg.Warn("Cart restore failed, starting empty", zap.Error(err))
		return nil
	}
	if !ok || raw == "" {
		return nil
	}

	items, err := Decode([]byte(raw))
	if err != nil {
		lg.Warn("Cart snapshot is unparsable, starting empty", zap.Error(err))
		return nil
	}
	return normalize(items)
}

// Add increments the quantity of the product's line item, or appends a new
// line item with quantity 1.
func (m *Manager) Add(ctx context.Context, p product.Product) error {
	return m.mutate(ctx, func() bool {
		if i := m.index(p.ID); i >= 0 {
			return m.incrementLocked(i)
		}
		m.items = append(m.items, LineItem{Product: p, Quantity: 1})
		return true
	})
}

// Remove deletes the line item for productID.
func (m *Manager) Remove(ctx context.Context, productID int64) error {
	return m.mutate(ctx, func() bool {
		return m.removeLocked(productID)
	})
}

// UpdateQuantity sets the quantity of the line item for productID to exactly
// quantity. A non-positive quantity removes the line item.
func (m *Manager) UpdateQuantity(ctx context.Context, productID int64, quantity int) error {
	return m.mutate(ctx, func() bool {
		i := m.index(productID)
		switch {
		case i < 0:
			return false
		case quantity <= 0:
			return m.removeLocked(productID)
		case m.items[i].Quantity == quantity:
			return false
		}
		m.items[i].Quantity = quantity
		return true
	})
}

// Increment adds one to the quantity of the line item for productID.
func (m *Manager) Increment(ctx context.Context, productID int64) error {
	return m.mutate(ctx, func() bool {
		i := m.index(productID)
		if i < 0 {
			return false
		}
		return m.incrementLocked(i)
	})
}

// Decrement subtracts one from the quantity of the line item for productID,
// removing it when the quantity was 1.
func (m *Manager) Decrement(ctx context.Context, productID int64) error {
	return m.mutate(ctx, func() bool {
		i := m.index(productID)
		if i < 0 {
			return false
		}
		if m.items[i].Quantity <= 1 {
			return m.removeLocked(productID)
		}
		m.items[i].Quantity--
		return true
	})
}

// Items returns a copy of the line items in insertion order.
func (m *Manager) Items() []LineItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.items)
}

// Count returns the sum of all line item quantities.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Count(m.items)
}

// Total returns the exact sum of price × quantity over all line items.
func (m *Manager) Total() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Total(m.items)
}

// Snapshot returns the current state of the cart.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Subscribe registers fn to be called after every applied change. The
// returned function unregisters it.
func (m *Manager) Subscribe(fn Listener) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	m.listeners[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// mutate runs apply under the lock and, if it reports a change, persists the
// new state and notifies listeners. The change stays applied even when
// persisting fails; the error is returned so the caller can report it.
func (m *Manager) mutate(ctx context.Context, apply func() bool) error {
	m.mu.Lock()
	if !apply() {
		m.mu.Unlock()
		return nil
	}
	m.version++
	snap := m.snapshotLocked()
	err := m.store.Set(ctx, StorageKey, string(Encode(snap.Items)))
	listeners := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	// Listeners run outside the lock so they may read the manager.
	for _, fn := range listeners {
		fn(snap)
	}

	if err != nil {
		return errors.Wrap(err, "persist cart")
	}
	return nil
}

func (m *Manager) snapshotLocked() Snapshot {
	items := slices.Clone(m.items)
	return Snapshot{
		Version: m.version,
		Items:   items,
		Count:   Count(items),
		Total:   Total(items),
	}
}

func (m *Manager) index(productID int64) int {
	return slices.IndexFunc(m.items, func(li LineItem) bool {
		return li.Product.ID == productID
	})
}

func (m *Manager) incrementLocked(i int) bool {
	if m.items[i].Quantity == math.MaxInt {
		return false
	}
	m.items[i].Quantity++
	return true
}

func (m *Manager) removeLocked(productID int64) bool {
	i := m.index(productID)
	if i < 0 {
		return false
	}
	m.items = slices.Delete(m.items, i, i+1)
	return true
}
