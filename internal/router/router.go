package router

import (
	"net/http"
	"slices"

	"github.com/dukerupert/cartengine/internal/domain"
	"github.com/dukerupert/cartengine/internal/handler"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Router registers method-scoped routes on an http.ServeMux and answers
// requests that match no route with the JSON error envelope.
type Router struct {
	mux       *http.ServeMux
	chain     []Middleware
	unmatched http.Handler
}

// New returns a Router whose global middleware also runs for unmatched
// requests.
func New(middleware ...Middleware) *Router {
	r := &Router{
		mux:   http.NewServeMux(),
		chain: middleware,
	}
	r.unmatched = r.wrap(http.HandlerFunc(r.serveUnmatched), nil)
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if _, pattern := r.mux.Handler(req); pattern == "" {
		r.unmatched.ServeHTTP(w, req)
		return
	}
	// Dispatch through the mux so handlers see PathValue.
	r.mux.ServeHTTP(w, req)
}

// serveUnmatched asks the mux why nothing matched. ServeMux answers 405 with
// an Allow header when the path exists under another method and 404
// otherwise; both are rewritten as API errors.
func (r *Router) serveUnmatched(w http.ResponseWriter, req *http.Request) {
	h, _ := r.mux.Handler(req)
	rec := &statusRecorder{header: make(http.Header)}
	h.ServeHTTP(rec, req)

	if rec.status == http.StatusMethodNotAllowed {
		if allow := rec.header.Get("Allow"); allow != "" {
			w.Header().Set("Allow", allow)
		}
		handler.ErrorResponse(w, req, domain.Errorf(domain.EMETHODNOTALLOWED, "router",
			"Method %s is not allowed for %s", req.Method, req.URL.Path))
		return
	}
	handler.ErrorResponse(w, req, domain.Errorf(domain.ENOTFOUND, "router",
		"No route for %s %s", req.Method, req.URL.Path))
}

// statusRecorder keeps the status and headers a handler writes and drops the
// body.
type statusRecorder struct {
	header http.Header
	status int
}

func (s *statusRecorder) Header() http.Header { return s.header }

func (s *statusRecorder) WriteHeader(status int) {
	if s.status == 0 {
		s.status = status
	}
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.WriteHeader(http.StatusOK)
	return len(b), nil
}

func (r *Router) Get(pattern string, h http.HandlerFunc, middleware ...Middleware) {
	r.Handle(http.MethodGet, pattern, h, middleware...)
}

func (r *Router) Post(pattern string, h http.HandlerFunc, middleware ...Middleware) {
	r.Handle(http.MethodPost, pattern, h, middleware...)
}

func (r *Router) Put(pattern string, h http.HandlerFunc, middleware ...Middleware) {
	r.Handle(http.MethodPut, pattern, h, middleware...)
}

func (r *Router) Patch(pattern string, h http.HandlerFunc, middleware ...Middleware) {
	r.Handle(http.MethodPatch, pattern, h, middleware...)
}

func (r *Router) Delete(pattern string, h http.HandlerFunc, middleware ...Middleware) {
	r.Handle(http.MethodDelete, pattern, h, middleware...)
}

// Handle registers h for method and pattern behind the router's chain plus
// any route-specific middleware.
func (r *Router) Handle(method, pattern string, h http.Handler, middleware ...Middleware) {
	r.mux.Handle(method+" "+pattern, r.wrap(h, middleware))
}

// wrap builds the handler so middleware runs in registration order, global
// chain first.
func (r *Router) wrap(h http.Handler, extra []Middleware) http.Handler {
	chain := append(slices.Clone(r.chain), extra...)
	for i := len(chain) - 1; i >= 0; i-- {
		h = chain[i](h)
	}
	return h
}

// Group returns a Router that shares the mux and adds middleware to the
// routes registered through it.
func (r *Router) Group(middleware ...Middleware) *Router {
	return &Router{
		mux:       r.mux,
		chain:     append(slices.Clone(r.chain), middleware...),
		unmatched: r.unmatched,
	}
}
