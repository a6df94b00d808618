// Package lock owns the per-cart critical section: an advisory lock keyed by
// cart id with a bounded wait, then one database transaction holding the
// cart's row lock.
package lock

import (
	"context"
	"time"
)

// Locker grants advisory locks keyed by string.
type Locker interface {
	// Acquire blocks until the lock is held, ctx is done, or the locker's
	// wait budget runs out. A timeout yields domain.ErrLockTimeout.
	Acquire(ctx context.Context, key string) (Lease, error)
}

// Lease is a held advisory lock.
type Lease interface {
	// Release gives the lock up. Releasing twice is a no-op.
	Release(ctx context.Context) error
}

// Observer receives lock wait measurements.
type Observer interface {
	LockAcquired(wait time.Duration)
	LockTimedOut(wait time.Duration)
}

// CartKey is the advisory lock key for a cart.
func CartKey(cartID string) string {
	return "cart-lock:" + cartID
}
