package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/domain/product"
	"github.com/xenking/storefront/pkg/httpmiddleware"
)

const maxBodySize = 64 << 10

// requestError is a client input error. Its message is sent to the client.
type requestError struct {
	msg string
}

func (e *requestError) Error() string {
	return e.msg
}

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

// writeError maps err to a status and a {"code","message"} body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	lg := zctx.From(r.Context())

	var (
		reqErr   *requestError
		fetchErr *product.FetchError
	)
	switch {
	case errors.As(err, &reqErr):
		httpmiddleware.WriteError(w, http.StatusBadRequest, reqErr.msg)
	case errors.Is(err, product.ErrNotFound):
		httpmiddleware.WriteError(w, http.StatusNotFound, "product not found")
	case errors.As(err, &fetchErr):
		lg.Warn("Product fetch failed", zap.Error(err))
		httpmiddleware.WriteError(w, http.StatusBadGateway, "failed to fetch products")
	case errors.Is(err, catalog.ErrSuperseded):
		httpmiddleware.WriteError(w, http.StatusConflict, "filter request superseded")
	case errors.Is(err, catalog.ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		httpmiddleware.WriteError(w, http.StatusServiceUnavailable, "request canceled")
	default:
		lg.Error("Request failed", zap.Error(err))
		httpmiddleware.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody decodes a JSON object from the request body, passing every
// field to fn.
func decodeBody(r *http.Request, fn func(d *jx.Decoder, key string) error) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return errors.Wrap(err, "read body")
	}
	if len(data) > maxBodySize {
		return badRequest("body exceeds %d bytes", maxBodySize)
	}
	if err := jx.DecodeBytes(data).Obj(fn); err != nil {
		return badRequest("invalid json: %v", err)
	}
	return nil
}

func productID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, badRequest("invalid product id %q", raw)
	}
	return id, nil
}
