// Package handler serves the storefront HTTP API.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/storefront/internal/domain/product"
	"github.com/xenking/storefront/internal/storefront"
	"github.com/xenking/storefront/pkg/httpmiddleware"
)

// Catalog is the read side of the product catalog.
type Catalog interface {
	Products(ctx context.Context) ([]product.Product, error)
	Product(ctx context.Context, id int64) (*product.Product, error)
	Categories(ctx context.Context) ([]string, error)
}

// Sessions opens visitor sessions.
type Sessions interface {
	Open(ctx context.Context, id string) *storefront.Session
}

// HandlerConfig holds non-dependency configuration for the Handler.
type HandlerConfig struct {
	// CookieName is the session cookie. Defaults to "sid".
	CookieName string
	// CookieSecure marks the session cookie Secure.
	CookieSecure bool
	// CookieMaxAge is the session cookie lifetime. Zero makes it a browser
	// session cookie.
	CookieMaxAge time.Duration
}

// DefaultCookieName names the session cookie.
const DefaultCookieName = "sid"

// Handler serves the catalog, cart and browse endpoints.
type Handler struct {
	catalog  Catalog
	sessions Sessions
	cookie   HandlerConfig
}

// NewHandler constructs a Handler.
func NewHandler(cfg HandlerConfig, catalog Catalog, sessions Sessions) *Handler {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	return &Handler{
		catalog:  catalog,
		sessions: sessions,
		cookie:   cfg,
	}
}

// Routes returns the API router. Middlewares run inside the router, after
// the route is matched.
func (h *Handler) Routes(middlewares ...httpmiddleware.Middleware) chi.Router {
	r := chi.NewRouter()
	for _, m := range middlewares {
		r.Use(m)
	}
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httpmiddleware.WriteError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		httpmiddleware.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/products", h.ListProducts)
		r.Get("/products/{id}", h.GetProduct)
		r.Get("/categories", h.ListCategories)

		r.Group(func(r chi.Router) {
			r.Use(h.session)

			r.Get("/cart", h.GetCart)
			r.Post("/cart/items", h.AddCartItem)
			r.Put("/cart/items/{id}", h.UpdateCartItem)
			r.Delete("/cart/items/{id}", h.RemoveCartItem)
			r.Post("/cart/items/{id}/increment", h.IncrementCartItem)
			r.Post("/cart/items/{id}/decrement", h.DecrementCartItem)

			r.Get("/browse", h.GetBrowse)
			r.Put("/browse", h.SetBrowseQuery)
			r.Delete("/browse", h.ResetBrowse)
		})
	})
	return r
}
