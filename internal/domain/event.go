package domain

import (
	"context"
	"time"
)

// CartUpdated is emitted after a cart mutation commits.
type CartUpdated struct {
	CartID     string    `json:"cart_id"`
	Version    int64     `json:"version"`
	Total      int64     `json:"total"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventEmitter publishes cart events. Emit is fire-and-forget from the
// caller's point of view; errors are logged, never surfaced to clients.
type EventEmitter interface {
	EmitCartUpdated(ctx context.Context, event CartUpdated) error
}
