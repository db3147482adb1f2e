package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/cart"
)

func encodeCart(s cart.Snapshot) func(e *jx.Encoder) {
	return func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("items")
		e.ArrStart()
		for _, li := range s.Items {
			e.ObjStart()
			e.FieldStart("product")
			li.Product.Encode(e)
			e.FieldStart("quantity")
			e.Int(li.Quantity)
			e.FieldStart("subtotal")
			e.Str(li.Subtotal().StringFixed(2))
			e.ObjEnd()
		}
		e.ArrEnd()
		e.FieldStart("count")
		e.Int(s.Count)
		e.FieldStart("total")
		e.Str(s.DisplayTotal())
		e.ObjEnd()
	}
}

// respondCart writes the cart after a mutation. A change that was applied but
// not persisted is still reported as a success.
func respondCart(w http.ResponseWriter, r *http.Request, m *cart.Manager, err error) {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeError(w, r, err)
			return
		}
		zctx.From(r.Context()).Warn("Cart not persisted", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, encodeCart(m.Snapshot()))
}

// GetCart serves GET /api/cart.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, encodeCart(sessionFrom(r.Context()).Cart.Snapshot()))
}

// AddCartItem serves POST /api/cart/items with {"productId":n}.
func (h *Handler) AddCartItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var id int64
	if err := decodeBody(r, func(d *jx.Decoder, key string) error {
		if key != "productId" {
			return d.Skip()
		}
		v, err := d.Int64()
		id = v
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}
	if id < 1 {
		writeError(w, r, badRequest("productId is required"))
		return
	}

	p, err := h.catalog.Product(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s := sessionFrom(ctx)
	respondCart(w, r, s.Cart, s.AddToCart(ctx, *p))
}

// UpdateCartItem serves PUT /api/cart/items/{id} with {"quantity":n}.
// A quantity below one removes the item.
func (h *Handler) UpdateCartItem(w http.ResponseWriter, r *http.Request) {
	id, err := productID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var (
		quantity int
		set      bool
	)
	if err := decodeBody(r, func(d *jx.Decoder, key string) error {
		if key != "quantity" {
			return d.Skip()
		}
		v, err := d.Int()
		quantity, set = v, true
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}
	if !set {
		writeError(w, r, badRequest("quantity is required"))
		return
	}

	m := sessionFrom(r.Context()).Cart
	respondCart(w, r, m, m.UpdateQuantity(r.Context(), id, quantity))
}

// RemoveCartItem serves DELETE /api/cart/items/{id}.
func (h *Handler) RemoveCartItem(w http.ResponseWriter, r *http.Request) {
	h.mutateItem(w, r, (*cart.Manager).Remove)
}

// IncrementCartItem serves POST /api/cart/items/{id}/increment.
func (h *Handler) IncrementCartItem(w http.ResponseWriter, r *http.Request) {
	h.mutateItem(w, r, (*cart.Manager).Increment)
}

// DecrementCartItem serves POST /api/cart/items/{id}/decrement.
func (h *Handler) DecrementCartItem(w http.ResponseWriter, r *http.Request) {
	h.mutateItem(w, r, (*cart.Manager).Decrement)
}

func (h *Handler) mutateItem(
	w http.ResponseWriter,
	r *http.Request,
	mutate func(*cart.Manager, context.Context, int64) error,
) {
	id, err := productID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	m := sessionFrom(r.Context()).Cart
	respondCart(w, r, m, mutate(m, r.Context(), id))
}
