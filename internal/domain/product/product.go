package product

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.New("product not found")

// Product represents a catalog item as served by the remote product API.
// Values are immutable once fetched.
type Product struct {
	ID          int64
	Title       string
	Price       decimal.Decimal
	Category    string
	Description string
	Image       string
	Rating      Rating
}

// Rating holds the aggregated customer rating reported by the product API.
type Rating struct {
	Rate  decimal.Decimal
	Count int
}

// Source defines read operations against the remote product catalog.
type Source interface {
	List(ctx context.Context) ([]Product, error)
	GetByID(ctx context.Context, id int64) (*Product, error)
	Categories(ctx context.Context) ([]string, error)
}

// FetchError reports that a call to the product source did not complete
// successfully. Callers do not retry it.
type FetchError struct {
	Op     string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
