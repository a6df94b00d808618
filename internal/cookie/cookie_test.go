package cookie

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dukerupert/cartengine/internal/domain"
)

func TestCartRef(t *testing.T) {
	tests := []struct {
		name     string
		cookie   string
		header   string
		userID   string
		expected domain.CartRef
	}{
		{
			name:     "cookie token",
			cookie:   "tok-cookie",
			expected: domain.CartRef{Token: "tok-cookie"},
		},
		{
			name:     "header wins over cookie",
			cookie:   "tok-cookie",
			header:   "tok-header",
			expected: domain.CartRef{Token: "tok-header"},
		},
		{
			name:     "user id only",
			userID:   "user-1",
			expected: domain.CartRef{UserID: "user-1"},
		},
		{
			name:     "oversized token ignored",
			header:   strings.Repeat("x", maxTokenLength+1),
			expected: domain.CartRef{},
		},
		{
			name:     "nothing presented",
			expected: domain.CartRef{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/cart", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: CartCookieName, Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set(HeaderCartToken, tt.header)
			}
			if tt.userID != "" {
				req.Header.Set(HeaderUserID, tt.userID)
			}

			if got := CartRef(req); got != tt.expected {
				t.Errorf("CartRef() = %+v, want %+v", got, tt.expected)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	var got domain.CartRef
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = domain.CartRefFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/cart", nil)
	req.AddCookie(&http.Cookie{Name: CartCookieName, Value: "tok"})
	req.Header.Set(HeaderUserID, "user-1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got.Token != "tok" || got.UserID != "user-1" {
		t.Errorf("context ref = %+v", got)
	}
}

func TestSetCartToken(t *testing.T) {
	cfg := NewConfig("", true)
	w := httptest.NewRecorder()
	expires := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	cfg.SetCartToken(w, "tok", expires)

	cookies := w.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected 1 cookie, got %d", len(cookies))
	}
	c := cookies[0]
	if c.Name != CartCookieName || c.Value != "tok" {
		t.Errorf("cookie = %s=%s", c.Name, c.Value)
	}
	if !c.HttpOnly || !c.Secure {
		t.Error("cookie should be HttpOnly and Secure")
	}
	if !c.Expires.Equal(expires) {
		t.Errorf("expires = %v, want %v", c.Expires, expires)
	}
	if got := w.Header().Get(HeaderCartToken); got != "tok" {
		t.Errorf("%s = %q", HeaderCartToken, got)
	}
}

func TestClearCartToken(t *testing.T) {
	w := httptest.NewRecorder()
	NewConfig("", false).ClearCartToken(w)

	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Fatalf("expected an expiring cookie, got %+v", cookies)
	}
}

func TestRateLimitKey(t *testing.T) {
	key := RateLimitKey(func(*http.Request) string { return "ip" })

	req := httptest.NewRequest(http.MethodPost, "/cart/items", nil)
	if got := key(req); got != "ip" {
		t.Errorf("key without token = %q, want ip", got)
	}

	req.Header.Set(HeaderCartToken, "tok")
	if got := key(req); got != "cart:tok" {
		t.Errorf("key with token = %q, want cart:tok", got)
	}
}
