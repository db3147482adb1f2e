package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/storefront"
)

type sessionKey struct{}

// session opens the visitor session named by the session cookie, issuing a
// new cookie when the request carries none or a malformed one.
func (h *Handler) session(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.sessionID(r)
		if !ok {
			id = uuid.NewString()
			http.SetCookie(w, h.newCookie(id))
		}

		ctx := zctx.With(r.Context(), zap.String("session", id))
		s := h.sessions.Open(ctx, id)
		ctx = context.WithValue(ctx, sessionKey{}, s)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) sessionID(r *http.Request) (string, bool) {
	c, err := r.Cookie(h.cookie.CookieName)
	if err != nil {
		return "", false
	}
	id, err := uuid.Parse(c.Value)
	if err != nil {
		return "", false
	}
	return id.String(), true
}

func (h *Handler) newCookie(id string) *http.Cookie {
	c := &http.Cookie{
		Name:     h.cookie.CookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cookie.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	if h.cookie.CookieMaxAge > 0 {
		c.MaxAge = int(h.cookie.CookieMaxAge.Seconds())
	}
	return c
}

func sessionFrom(ctx context.Context) *storefront.Session {
	return ctx.Value(sessionKey{}).(*storefront.Session)
}
