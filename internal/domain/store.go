package domain

import (
	"context"
	"time"
)

// CartTx is the set of cart writes available inside one transaction.
type CartTx interface {
	// LockCart loads the cart and its items under a row-level write lock.
	LockCart(ctx context.Context, cartID string) (*Cart, error)
	// SaveCart persists header fields: version, totals, shipping, owner, timestamps.
	SaveCart(ctx context.Context, cart *Cart) error
	InsertItem(ctx context.Context, item *CartItem) error
	UpdateItem(ctx context.Context, item *CartItem) error
	// DeleteItem reports whether a line was deleted.
	DeleteItem(ctx context.Context, cartID, itemID string) (bool, error)
	DeleteItems(ctx context.Context, cartID string) error
}

// CartStore persists carts.
type CartStore interface {
	// InTx runs fn in one transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(ctx context.Context, tx CartTx) error) error

	CreateCart(ctx context.Context, cart *Cart) error
	// GetCart reads a cart and its items without locking.
	GetCart(ctx context.Context, cartID string) (*Cart, error)
	FindCartByToken(ctx context.Context, token string) (*Cart, error)
	// FindCartByUser returns the user's most recently updated live cart.
	FindCartByUser(ctx context.Context, userID string, now time.Time) (*Cart, error)
	// DeleteExpiredCarts removes up to limit carts expired before now.
	DeleteExpiredCarts(ctx context.Context, now time.Time, limit int) (int64, error)
}
