package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-faster/jx"

	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/domain/product"
	"github.com/xenking/storefront/internal/storefront"
)

func encodeBrowse(s catalog.State) func(e *jx.Encoder) {
	return func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("query")
		e.ObjStart()
		e.FieldStart("search")
		e.Str(s.Query.Search)
		e.FieldStart("category")
		e.Str(s.Query.Category)
		e.ObjEnd()
		e.FieldStart("filtering")
		e.Bool(s.Filtering)
		e.FieldStart("seq")
		e.UInt64(s.Seq)
		e.FieldStart("products")
		product.EncodeList(e, s.Result)
		e.FieldStart("shown")
		e.Int(s.Shown())
		e.FieldStart("total")
		e.Int(len(s.Products))
		e.ObjEnd()
	}
}

// seed hands the catalog to the session's view on its first browse request.
func (h *Handler) seed(ctx context.Context, s *storefront.Session) error {
	if s.Seeded() {
		return nil
	}
	products, err := h.catalog.Products(ctx)
	if err != nil {
		return err
	}
	s.SeedBrowse(products)
	return nil
}

// GetBrowse serves GET /api/browse. The view is seeded with the catalog on
// first use; until the settling delay passes the response reports
// filtering=true.
func (h *Handler) GetBrowse(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r.Context())
	if err := h.seed(r.Context(), s); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeBrowse(s.Browse.State()))
}

// SetBrowseQuery serves PUT /api/browse with {"search","category"}. With
// ?wait=true the response is sent once the filter settles, or with 409 if a
// newer query replaced it meanwhile. Otherwise it returns 202 immediately.
func (h *Handler) SetBrowseQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := sessionFrom(ctx)

	var q catalog.Query
	if err := decodeBody(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "search":
			q.Search, err = d.Str()
		case "category":
			q.Category, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}
	wait, err := strconv.ParseBool(r.URL.Query().Get("wait"))
	if err != nil && r.URL.Query().Has("wait") {
		writeError(w, r, badRequest("invalid wait %q", r.URL.Query().Get("wait")))
		return
	}
	if err := h.seed(ctx, s); err != nil {
		writeError(w, r, err)
		return
	}

	if !wait {
		s.Browse.SetQuery(q)
		writeJSON(w, http.StatusAccepted, encodeBrowse(s.Browse.State()))
		return
	}
	if _, err := s.Browse.Run(ctx, s.Browse.State().Products, q); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeBrowse(s.Browse.State()))
}

// ResetBrowse serves DELETE /api/browse.
func (h *Handler) ResetBrowse(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r.Context())
	s.Browse.Reset()
	writeJSON(w, http.StatusAccepted, encodeBrowse(s.Browse.State()))
}
