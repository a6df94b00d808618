// Package domain provides the cart aggregate, catalog types, the error
// taxonomy and context helpers shared by every layer of the engine.
//
// Context helpers centralize request-scoped data access so handlers and
// services read the caller's identity the same way.
package domain

import "context"

// contextKey is an unexported type for context keys to prevent collisions.
type contextKey int

const (
	// cartRefContextKey stores the caller's cart reference (token and user).
	cartRefContextKey contextKey = iota

	// requestIDContextKey stores the request ID for tracing.
	requestIDContextKey
)

// --- Cart Reference Context Helpers ---

// NewContextWithCartRef returns a new context with the caller's cart reference.
func NewContextWithCartRef(ctx context.Context, ref CartRef) context.Context {
	return context.WithValue(ctx, cartRefContextKey, ref)
}

// CartRefFromContext retrieves the caller's cart reference.
// Returns the zero CartRef if none is present.
func CartRefFromContext(ctx context.Context) CartRef {
	ref, _ := ctx.Value(cartRefContextKey).(CartRef)
	return ref
}

// UserIDFromContext returns the authenticated user id, or "".
func UserIDFromContext(ctx context.Context) string {
	return CartRefFromContext(ctx).UserID
}

// --- Request ID Context Helpers ---

// NewContextWithRequestID returns a new context with the request ID attached.
func NewContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey, requestID)
}

// RequestIDFromContext retrieves the request ID from context.
// Returns empty string if no request ID is present.
func RequestIDFromContext(ctx context.Context) string {
	requestID, _ := ctx.Value(requestIDContextKey).(string)
	return requestID
}

// IsAuthenticated returns true if there is a user in context.
func IsAuthenticated(ctx context.Context) bool {
	return UserIDFromContext(ctx) != ""
}
