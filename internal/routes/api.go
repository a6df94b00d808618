package routes

import (
	"net/http"

	"github.com/dukerupert/cartengine/internal/cookie"
	"github.com/dukerupert/cartengine/internal/router"
)

// RegisterAPIRoutes registers the cart JSON API. Every cart route reads the
// caller's cart reference from the cookie or headers.
func RegisterAPIRoutes(r *router.Router, deps APIDeps) {
	carts := r.Group(cookie.Middleware)

	// Reads
	carts.Get("/cart", deps.CartHandler.Get)

	// Writes (throttled when a limiter is configured)
	writes := carts
	if deps.WriteLimit != nil {
		writes = carts.Group(deps.WriteLimit)
	}
	writes.Post("/cart/items", deps.CartHandler.AddItem)
	writes.Patch("/cart/items/{id}", deps.CartHandler.UpdateItem)
	writes.Delete("/cart/items/{id}", deps.CartHandler.RemoveItem)
	writes.Delete("/cart/items", deps.CartHandler.Clear)
	writes.Post("/cart/merge", deps.CartHandler.Merge)
	writes.Put("/cart/shipping", deps.CartHandler.SetShipping)

	// Admin tooling
	if deps.CatalogHandler != nil {
		r.Post("/catalog/variants/validate", deps.CatalogHandler.ValidateVariant)
	}
}

// RegisterOpsRoutes registers health and metrics endpoints.
func RegisterOpsRoutes(r *router.Router, deps OpsDeps) {
	health := deps.Health
	if health == nil {
		health = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte("ok"))
		})
	}
	r.Get("/healthz", health.ServeHTTP)

	if deps.Metrics != nil {
		r.Get("/metrics", deps.Metrics.ServeHTTP)
	}
}
