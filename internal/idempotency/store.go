// Package idempotency deduplicates keyed write requests. The first request
// with a key wins an atomic insert and runs; later requests with the same key
// and body replay the stored response, and requests reusing the key for a
// different body are rejected.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/dukerupert/cartengine/internal/domain"
)

var (
	// ErrDuplicateKey is returned by Store.Insert when the key exists.
	ErrDuplicateKey = errors.New("idempotency key already exists")

	// ErrNotOwner is returned by Complete and Fail when the record was
	// reclaimed by another request in the meantime.
	ErrNotOwner = errors.New("idempotency record owned by another request")
)

// Store persists idempotency records.
type Store interface {
	// Insert creates a record, failing with ErrDuplicateKey if the key exists.
	Insert(ctx context.Context, rec *domain.IdempotencyRecord) error

	// Get returns the record for key, or (nil, nil).
	Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error)

	// Reclaim replaces prev with next only if the stored record still has
	// prev's status, owner and creation time. Reports whether it did.
	Reclaim(ctx context.Context, prev, next *domain.IdempotencyRecord) (bool, error)

	// Complete moves an IN_PROGRESS record owned by owner to COMPLETED.
	Complete(ctx context.Context, key, owner string, httpStatus int, body []byte) error

	// Fail moves an IN_PROGRESS record owned by owner to FAILED.
	Fail(ctx context.Context, key, owner string) error

	// DeleteExpired removes up to limit records expired at now.
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error)
}
