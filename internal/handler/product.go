package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/domain/product"
)

func queryFrom(r *http.Request) catalog.Query {
	v := r.URL.Query()
	return catalog.Query{
		Search:   v.Get("search"),
		Category: v.Get("category"),
	}
}

// ListProducts serves GET /api/products?search=&category=.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	all, err := h.catalog.Products(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	shown := catalog.Filter(all, queryFrom(r))

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("products")
		product.EncodeList(e, shown)
		e.FieldStart("total")
		e.Int(len(all))
		e.FieldStart("shown")
		e.Int(len(shown))
		e.ObjEnd()
	})
}

// GetProduct serves GET /api/products/{id}.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := productID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.catalog.Product(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p.Encode)
}

// ListCategories serves GET /api/categories.
func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.catalog.Categories(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for _, c := range categories {
			e.Str(c)
		}
		e.ArrEnd()
	})
}
