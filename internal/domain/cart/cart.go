package cart

import (
	"context"
	"math"

	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/product"
)

// StorageKey is the fixed session store key the cart is persisted under.
const StorageKey = "cart"

// LineItem pairs a product with a positive quantity.
type LineItem struct {
	Product  product.Product
	Quantity int
}

// Subtotal returns price × quantity without rounding.
func (li LineItem) Subtotal() decimal.Decimal {
	return li.Product.Price.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Snapshot is an immutable view of the cart taken after a change.
type Snapshot struct {
	// Version increases by one on every applied change, so listeners can drop
	// snapshots that arrive out of order.
	Version uint64
	Items   []LineItem
	Count   int
	Total   decimal.Decimal
}

// DisplayTotal formats the total rounded to two decimal places.
func (s Snapshot) DisplayTotal() string {
	return s.Total.StringFixed(2)
}

// Store is a session-scoped key-value store. Get reports false when the key
// holds no value.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Count sums the quantities of all line items, saturating at math.MaxInt.
func Count(items []LineItem) int {
	var n int
	for _, li := range items {
		n = addQuantity(n, li.Quantity)
	}
	return n
}

func addQuantity(a, b int) int {
	if b > 0 && a > math.MaxInt-b {
		return math.MaxInt
	}
	return a + b
}

// Total sums price × quantity over all line items as an exact decimal.
func Total(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, li := range items {
		total = total.Add(li.Subtotal())
	}
	return total
}
