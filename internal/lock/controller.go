package lock

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/dukerupert/cartengine/internal/domain"
)

// Phase is a step of the per-cart mutation state machine.
type Phase string

const (
	PhaseRequested       Phase = "REQUESTED"
	PhaseLockAcquired    Phase = "LOCK_ACQUIRED"
	PhaseTransactionOpen Phase = "TRANSACTION_OPEN"
	PhaseCommitted       Phase = "COMMITTED"
	PhaseAborted         Phase = "ABORTED"
	PhaseLockReleased    Phase = "LOCK_RELEASED"
)

// Controller serializes mutations of a cart. The advisory lock bounds the
// cross-process wait; the row lock taken inside the transaction is the
// correctness guarantee. With a nil Locker only the row lock is used.
type Controller struct {
	store    domain.CartStore
	locker   Locker
	observer Observer
	logger   *slog.Logger
}

// NewController creates a controller. locker and observer may be nil.
func NewController(store domain.CartStore, locker Locker, observer Observer, logger *slog.Logger) *Controller {
	return &Controller{
		store:    store,
		locker:   locker,
		observer: observer,
		logger:   logger,
	}
}

// WithCart runs fn inside the cart's critical section. cart is read after
// both locks are held. Any error from fn rolls the transaction back.
func (c *Controller) WithCart(ctx context.Context, cartID string, fn func(ctx context.Context, tx domain.CartTx, cart *domain.Cart) error) error {
	return c.WithCarts(ctx, []string{cartID}, func(ctx context.Context, tx domain.CartTx, carts map[string]*domain.Cart) error {
		return fn(ctx, tx, carts[cartID])
	})
}

// WithCarts locks several carts in id order and runs fn in one transaction.
func (c *Controller) WithCarts(ctx context.Context, cartIDs []string, fn func(ctx context.Context, tx domain.CartTx, carts map[string]*domain.Cart) error) error {
	ids := slices.Clone(cartIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	logger := c.logger.With("cart_ids", ids)
	logger.Debug("cart critical section", "phase", PhaseRequested)

	leases, err := c.acquire(ctx, ids)
	if err != nil {
		return err
	}
	defer func() {
		for i := len(leases) - 1; i >= 0; i-- {
			if err := leases[i].Release(ctx); err != nil {
				logger.Warn("failed to release cart lock", "error", err)
			}
		}
		logger.Debug("cart critical section", "phase", PhaseLockReleased)
	}()
	logger.Debug("cart critical section", "phase", PhaseLockAcquired)

	err = c.store.InTx(ctx, func(ctx context.Context, tx domain.CartTx) error {
		logger.Debug("cart critical section", "phase", PhaseTransactionOpen)
		carts := make(map[string]*domain.Cart, len(ids))
		for _, id := range ids {
			cart, err := tx.LockCart(ctx, id)
			if err != nil {
				return err
			}
			carts[id] = cart
		}
		return fn(ctx, tx, carts)
	})
	if err != nil {
		logger.Debug("cart critical section", "phase", PhaseAborted, "error", err)
		return err
	}
	logger.Debug("cart critical section", "phase", PhaseCommitted)
	return nil
}

func (c *Controller) acquire(ctx context.Context, ids []string) ([]Lease, error) {
	if c.locker == nil {
		return nil, nil
	}

	start := time.Now()
	leases := make([]Lease, 0, len(ids))
	for _, id := range ids {
		lease, err := c.locker.Acquire(ctx, CartKey(id))
		if err != nil {
			for i := len(leases) - 1; i >= 0; i-- {
				_ = leases[i].Release(ctx)
			}
			if c.observer != nil && errors.Is(err, domain.ErrLockTimeout) {
				c.observer.LockTimedOut(time.Since(start))
			}
			return nil, err
		}
		leases = append(leases, lease)
	}
	if c.observer != nil {
		c.observer.LockAcquired(time.Since(start))
	}
	return leases, nil
}
