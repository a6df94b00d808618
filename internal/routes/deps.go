package routes

import (
	"net/http"

	"github.com/dukerupert/cartengine/internal/handler/api"
	"github.com/dukerupert/cartengine/internal/router"
)

// APIDeps contains dependencies for the cart API routes
type APIDeps struct {
	CartHandler    *api.CartHandler
	CatalogHandler *api.CatalogHandler

	// WriteLimit throttles cart writes. Nil disables throttling.
	WriteLimit router.Middleware
}

// OpsDeps contains dependencies for operational routes
type OpsDeps struct {
	// Health answers liveness checks. Nil serves a static 200.
	Health http.Handler

	// Metrics serves the Prometheus registry. Nil leaves /metrics unrouted.
	Metrics http.Handler
}
