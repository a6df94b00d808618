// Package cookie carries the caller's cart reference between HTTP requests.
// Anonymous carts are identified by a bearer token kept in the cart_token
// cookie or the X-Cart-Token header; signed-in callers are identified by
// the user id set by the upstream gateway.
package cookie

import (
	"net/http"
	"time"

	"github.com/dukerupert/cartengine/internal/domain"
)

// Common cookie and header names.
const (
	// CartCookieName stores the anonymous cart token.
	CartCookieName = "cart_token"

	// HeaderCartToken carries the cart token for clients without cookies.
	HeaderCartToken = "X-Cart-Token"

	// HeaderUserID carries the authenticated user id set by the gateway.
	HeaderUserID = "X-User-ID"
)

// maxTokenLength bounds tokens read from the request.
const maxTokenLength = 128

// Config holds cookie configuration.
type Config struct {
	// Domain scopes the cookie. Empty means host-only.
	Domain string

	// Secure determines whether cookies require HTTPS.
	// Should be true in production, false in development.
	Secure bool
}

// NewConfig creates a new cookie configuration.
func NewConfig(domain string, secure bool) *Config {
	return &Config{
		Domain: domain,
		Secure: secure,
	}
}

// SetCartToken writes the cart token cookie, expiring with the cart.
func (c *Config) SetCartToken(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     CartCookieName,
		Value:    token,
		Domain:   c.Domain,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	w.Header().Set(HeaderCartToken, token)
}

// ClearCartToken removes the cart token cookie by setting MaxAge to -1.
func (c *Config) ClearCartToken(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CartCookieName,
		Value:    "",
		Domain:   c.Domain,
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Get retrieves a cookie value from the request.
// Returns empty string if cookie not found.
func Get(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// CartRef reads the caller's cart reference. The header wins over the
// cookie so API clients can address a cart explicitly. Oversized values are
// ignored.
func CartRef(r *http.Request) domain.CartRef {
	token := r.Header.Get(HeaderCartToken)
	if token == "" {
		token = Get(r, CartCookieName)
	}
	if len(token) > maxTokenLength {
		token = ""
	}
	userID := r.Header.Get(HeaderUserID)
	if len(userID) > maxTokenLength {
		userID = ""
	}
	return domain.CartRef{Token: token, UserID: userID}
}

// Middleware stores the request's cart reference on the context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := domain.NewContextWithCartRef(r.Context(), CartRef(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RateLimitKey keys rate limiting by cart token when present, falling back
// to fallback (typically the client IP).
func RateLimitKey(fallback func(*http.Request) string) func(*http.Request) string {
	return func(r *http.Request) string {
		if ref := CartRef(r); ref.Token != "" {
			return "cart:" + ref.Token
		}
		return fallback(r)
	}
}
