package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/cartengine/internal/domain"
	"github.com/dukerupert/cartengine/internal/lock"
	"github.com/dukerupert/cartengine/internal/precondition"
	"github.com/dukerupert/cartengine/internal/pricing"
	"github.com/dukerupert/cartengine/internal/stock"
)

// Operation names used for logging, metrics and error ops.
const (
	OpCreateCart  = "create_cart"
	OpClaimCart   = "claim_cart"
	OpAddItem     = "add_item"
	OpUpdateItem  = "update_item"
	OpRemoveItem  = "remove_item"
	OpClearCart   = "clear_cart"
	OpMerge       = "merge"
	OpSetShipping = "set_shipping"
	OpSetDiscount = "set_discount"
)

// MutationObserver receives the outcome of every cart write.
type MutationObserver interface {
	ObserveMutation(op, outcome string, took time.Duration)
}

// CartConfig holds the defaults applied to new carts.
type CartConfig struct {
	Currency      string
	PricingPolicy domain.PricingPolicy
	// TTL is how long a cart stays live after its last write.
	TTL time.Duration
}

// CartDeps groups the collaborators of the cart service.
type CartDeps struct {
	Store        domain.CartStore
	Catalog      domain.Catalog
	Ledger       *stock.Ledger
	Pricing      *pricing.Engine
	Controller   *lock.Controller
	Precondition *precondition.Guard
	Events       domain.EventEmitter
	Observer     MutationObserver
	Logger       *slog.Logger
}

type cartService struct {
	store        domain.CartStore
	catalog      domain.Catalog
	ledger       *stock.Ledger
	pricing      *pricing.Engine
	controller   *lock.Controller
	precondition *precondition.Guard
	events       domain.EventEmitter
	observer     MutationObserver
	logger       *slog.Logger
	cfg          CartConfig

	now func() time.Time
}

// NewCartService creates a new CartService instance
func NewCartService(deps CartDeps, cfg CartConfig) (domain.CartService, error) {
	if deps.Store == nil || deps.Catalog == nil {
		return nil, errors.New("cart service: store and catalog are required")
	}
	if cfg.PricingPolicy == "" {
		cfg.PricingPolicy = domain.PricingSnapshot
	}
	if !cfg.PricingPolicy.Valid() {
		return nil, fmt.Errorf("cart service: unknown pricing policy %q", cfg.PricingPolicy)
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * 24 * time.Hour
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &cartService{
		store:        deps.Store,
		catalog:      deps.Catalog,
		ledger:       deps.Ledger,
		pricing:      deps.Pricing,
		controller:   deps.Controller,
		precondition: deps.Precondition,
		events:       deps.Events,
		observer:     deps.Observer,
		logger:       logger,
		cfg:          cfg,
		now:          defaultNow,
	}
	if s.ledger == nil {
		s.ledger = stock.NewLedger(deps.Catalog)
	}
	if s.pricing == nil {
		s.pricing = pricing.NewEngine(deps.Catalog)
	}
	if s.controller == nil {
		s.controller = lock.NewController(deps.Store, nil, nil, logger)
	}
	if s.precondition == nil {
		s.precondition = precondition.NewGuard(precondition.ModeCompatible, nil)
	}
	return s, nil
}

// defaultNow truncates to microseconds so timestamps, and the ETags derived
// from them, survive a round trip through Postgres.
func defaultNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// =============================================================================
// RESOLUTION AND READS
// =============================================================================

// ResolveCart finds the caller's live cart: the user's most recent cart
// first, then the bearer token. An expired or foreign cart is not found.
func (s *cartService) ResolveCart(ctx context.Context, ref domain.CartRef) (*domain.Cart, error) {
	now := s.now()

	if ref.UserID != "" {
		cart, err := s.store.FindCartByUser(ctx, ref.UserID, now)
		if err == nil {
			return cart, nil
		}
		if !errors.Is(err, domain.ErrCartNotFound) {
			return nil, fmt.Errorf("find cart by user: %w", err)
		}
	}

	if ref.Token == "" {
		return nil, domain.ErrCartNotFound
	}
	cart, err := s.store.FindCartByToken(ctx, ref.Token)
	if err != nil {
		if errors.Is(err, domain.ErrCartNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("find cart by token: %w", err)
	}
	if cart.IsExpired(now) {
		return nil, domain.ErrCartNotFound
	}
	if cart.UserID != nil && *cart.UserID != ref.UserID {
		return nil, domain.ErrCartNotFound
	}
	return cart, nil
}

// GetOrCreateCart resolves the caller's cart, creating one when none is
// live. An anonymous token cart presented by a signed-in user with no cart
// of their own is claimed for that user.
func (s *cartService) GetOrCreateCart(ctx context.Context, ref domain.CartRef) (*domain.Cart, bool, error) {
	cart, err := s.ResolveCart(ctx, ref)
	switch {
	case err == nil:
		if ref.UserID != "" && cart.UserID == nil {
			cart, err = s.claim(ctx, cart.ID, ref.UserID)
			if err != nil {
				return nil, false, err
			}
		}
		return cart, false, nil
	case !errors.Is(err, domain.ErrCartNotFound):
		return nil, false, err
	}

	token, err := domain.NewCartToken()
	if err != nil {
		return nil, false, fmt.Errorf("failed to generate cart token: %w", err)
	}
	now := s.now()
	cart = &domain.Cart{
		ID:            domain.NewID(),
		Token:         token,
		Currency:      s.cfg.Currency,
		PricingPolicy: s.cfg.PricingPolicy,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(s.cfg.TTL),
	}
	if ref.UserID != "" {
		userID := ref.UserID
		cart.UserID = &userID
	}
	cart.Recalculate()

	if err := s.store.CreateCart(ctx, cart); err != nil {
		return nil, false, fmt.Errorf("failed to create cart: %w", err)
	}
	s.logger.DebugContext(ctx, "cart created", "cart_id", cart.ID, "op", OpCreateCart)
	return cart, true, nil
}

// claim attaches an anonymous cart to a user. It is server-initiated, so the
// caller holds no token and any version is accepted.
func (s *cartService) claim(ctx context.Context, cartID, userID string) (*domain.Cart, error) {
	opts := domain.WriteOptions{Endpoint: OpClaimCart, Precondition: domain.Precondition{Wildcard: true}}
	return s.mutate(ctx, OpClaimCart, cartID, opts, func(ctx context.Context, tx domain.CartTx, cart *domain.Cart) (bool, error) {
		if cart.UserID != nil {
			if *cart.UserID == userID {
				return false, nil
			}
			return false, domain.ErrCartNotFound
		}
		cart.UserID = &userID
		return true, nil
	})
}

// GetCart returns the stored cart, plus a live quote for LIVE carts. The
// stored snapshot is never rewritten by a read.
func (s *cartService) GetCart(ctx context.Context, cartID string) (*domain.CartView, error) {
	cart, err := s.store.GetCart(ctx, cartID)
	if err != nil {
		return nil, err
	}
	if cart.IsExpired(s.now()) {
		return nil, domain.ErrCartExpired
	}

	view := &domain.CartView{Cart: cart}
	if cart.PricingPolicy == domain.PricingLive && len(cart.Items) > 0 {
		quote, err := s.pricing.Quote(ctx, cart)
		if err != nil {
			return nil, domain.Internal(err, "get_cart", "failed to price cart")
		}
		view.Live = quote
	}
	return view, nil
}

// =============================================================================
// MUTATIONS
// =============================================================================

// AddItem adds qty units of a product with the given option selection.
// An existing line with the same selection grows, and stock is checked
// against the line's new total.
func (s *cartService) AddItem(ctx context.Context, cartID string, params domain.AddItemParams, opts domain.WriteOptions) (*domain.Cart, error) {
	if params.Qty < 1 {
		return nil, domain.ErrInvalidQuantity.WithOp(OpAddItem)
	}
	if params.ProductID == "" {
		return nil, domain.Invalid(OpAddItem, "productId is required")
	}

	// Catalog checks that do not depend on cart state fail before any lock.
	product, err := s.product(ctx, params.ProductID)
	if err != nil {
		return nil, err
	}
	if !product.Active {
		return nil, domain.ErrProductInactive.WithOp(OpAddItem)
	}
	assignmentIDs := domain.NormalizeAssignmentIDs(params.OptionAssignmentIDs)
	if _, err := s.ledger.Resolve(ctx, product, assignmentIDs); err != nil {
		return nil, err
	}
	hash := domain.OptionsHash(assignmentIDs)

	return s.mutate(ctx, OpAddItem, cartID, opts, func(ctx context.Context, tx domain.CartTx, cart *domain.Cart) (bool, error) {
		line := cart.FindLine(product.ID, hash)
		newQty := params.Qty
		if line != nil {
			newQty += line.Qty
		}

		selected, err := s.ledger.Check(ctx, product, assignmentIDs, newQty)
		if err != nil {
			return false, err
		}

		if line != nil {
			line.Qty = newQty
			line.Reprice()
			return true, tx.UpdateItem(ctx, line)
		}

		now := s.now()
		item := &domain.CartItem{
			ID:            domain.NewID(),
			CartID:        cart.ID,
			ProductID:     product.ID,
			ProductName:   product.Name,
			Qty:           newQty,
			OptionsHash:   hash,
			AssignmentIDs: assignmentIDs,
			PricedAt:      now,
		}
		pricing.Snapshot(product, selected).Apply(item)
		if err := tx.InsertItem(ctx, item); err != nil {
			return false, err
		}
		cart.Items = append(cart.Items, item)
		return true, nil
	})
}

// UpdateItemQuantity sets a line's quantity, re-checking stock for the
// line's existing option selection. qty <= 0 removes the line.
func (s *cartService) UpdateItemQuantity(ctx context.Context, cartID, itemID string, qty int, opts domain.WriteOptions) (*domain.Cart, error) {
	if qty <= 0 {
		return s.RemoveItem(ctx, cartID, itemID, opts)
	}

	return s.mutate(ctx, OpUpdateItem, cartID, opts, func(ctx context.Context, tx domain.CartTx, cart *domain.Cart) (bool, error) {
		line := cart.FindItem(itemID)
		if line == nil {
			return false, domain.ErrCartItemNotFound.WithOp(OpUpdateItem)
		}
		if line.Qty == qty {
			return false, nil
		}

		product, err := s.product(ctx, line.ProductID)
		if err != nil {
			return false, err
		}
		if _, err := s.ledger.Check(ctx, product, line.AssignmentIDs, qty); err != nil {
			return false, err
		}

		line.Qty = qty
		line.Reprice()
		return true, tx.UpdateItem(ctx, line)
	})
}

// RemoveItem deletes a line. An absent line leaves the cart untouched and
// is not an error.
func (s *cartService) RemoveItem(ctx context.Context, cartID, itemID string, opts domain.WriteOptions) (*domain.Cart, error) {
	return s.mutate(ctx, OpRemoveItem, cartID, opts, func(ctx context.Context, tx domain.CartTx, cart *domain.Cart) (bool, error) {
		if !cart.RemoveItem(itemID) {
			return false, nil
		}
		if _, err := tx.DeleteItem(ctx, cart.ID, itemID); err != nil {
			return false, err
		}
		return true, nil
	})
}

// ClearCart removes every line.
func (s *cartService) ClearCart(ctx context.Context, cartID string, opts domain.WriteOptions) (*domain.Cart, error) {
	return s.mutate(ctx, OpClearCart, cartID, opts, func(ctx context.Context, tx domain.CartTx, cart *domain.Cart) (bool, error) {
		if len(cart.Items) == 0 {
			return false, nil
		}
		if err := tx.DeleteItems(ctx, cart.ID); err != nil {
			return false, err
		}
		cart.Items = nil
		return true, nil
	})
}

// SetShipping records the shipping selection and recomputes the total.
func (s *cartService) SetShipping(ctx context.Context, cartID string, shipping domain.Shipping, opts domain.WriteOptions) (*domain.Cart, error) {
	if shipping.Cost < 0 {
		return nil, domain.ErrNegativeAmount.WithOp(OpSetShipping)
	}
	return s.mutate(ctx, OpSetShipping, cartID, opts, func(ctx context.Context, tx domain.CartTx, cart *domain.Cart) (bool, error) {
		cart.Shipping = shipping
		return true, nil
	})
}

// SetDiscount sets the cart-level discount. The total never drops below zero.
func (s *cartService) SetDiscount(ctx context.Context, cartID string, amount int64, opts domain.WriteOptions) (*domain.Cart, error) {
	if amount < 0 {
		return nil, domain.ErrNegativeAmount.WithOp(OpSetDiscount)
	}
	return s.mutate(ctx, OpSetDiscount, cartID, opts, func(ctx context.Context, tx domain.CartTx, cart *domain.Cart) (bool, error) {
		if cart.DiscountTotal == amount {
			return false, nil
		}
		cart.DiscountTotal = amount
		return true, nil
	})
}

// Merge moves every line of source into target inside one transaction.
// Matching lines have their quantities summed and re-checked against stock;
// any failure aborts the whole merge. The source cart ends empty and expired.
func (s *cartService) Merge(ctx context.Context, targetID, sourceID string, opts domain.WriteOptions) (*domain.Cart, error) {
	if targetID == sourceID {
		return nil, domain.ErrMergeSameCart.WithOp(OpMerge)
	}

	start := time.Now()
	logger := s.logger.With("op", OpMerge, "cart_id", targetID, "source_cart_id", sourceID)

	if _, err := s.precheck(ctx, OpMerge, targetID, opts); err != nil {
		s.observe(OpMerge, err, start)
		return nil, err
	}

	var merged, drained *domain.Cart
	err := s.controller.WithCarts(ctx, []string{targetID, sourceID}, func(ctx context.Context, tx domain.CartTx, carts map[string]*domain.Cart) error {
		target, source := carts[targetID], carts[sourceID]
		now := s.now()
		if target.IsExpired(now) {
			return domain.ErrCartExpired.WithOp(OpMerge)
		}
		if err := s.precondition.Check(opts.Precondition, target); err != nil {
			return err
		}
		if source.IsExpired(now) || len(source.Items) == 0 {
			return nil
		}

		products := make(map[string]*domain.Product)
		for _, src := range source.Items {
			product, ok := products[src.ProductID]
			if !ok {
				var err error
				if product, err = s.product(ctx, src.ProductID); err != nil {
					return err
				}
				products[src.ProductID] = product
			}

			line := target.FindLine(src.ProductID, src.OptionsHash)
			qty := src.Qty
			if line != nil {
				qty += line.Qty
			}
			if _, err := s.ledger.Check(ctx, product, src.AssignmentIDs, qty); err != nil {
				return err
			}

			if line != nil {
				line.Qty = qty
				line.Reprice()
				if err := tx.UpdateItem(ctx, line); err != nil {
					return err
				}
				continue
			}

			item := src.Clone()
			item.ID = domain.NewID()
			item.CartID = target.ID
			if err := tx.InsertItem(ctx, item); err != nil {
				return err
			}
			target.Items = append(target.Items, item)
		}

		if err := tx.DeleteItems(ctx, source.ID); err != nil {
			return err
		}
		source.Items = nil
		source.ExpiresAt = now
		source.Touch(now)
		if err := tx.SaveCart(ctx, source); err != nil {
			return err
		}

		target.ExpiresAt = now.Add(s.cfg.TTL)
		target.Touch(now)
		if err := tx.SaveCart(ctx, target); err != nil {
			return err
		}
		merged, drained = target, source
		return nil
	})
	s.observe(OpMerge, err, start)
	if err != nil {
		logger.DebugContext(ctx, "cart merge failed", "error", err)
		return nil, err
	}

	if merged == nil {
		// Nothing to move; return the target as it stands.
		return s.store.GetCart(ctx, targetID)
	}
	logger.InfoContext(ctx, "carts merged", "version", merged.Version, "items", len(merged.Items))
	s.emit(ctx, merged)
	s.emit(ctx, drained)
	return merged, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// mutateFunc applies a change to the locked cart and reports whether
// anything changed. An unchanged cart is not saved and keeps its version.
type mutateFunc func(ctx context.Context, tx domain.CartTx, cart *domain.Cart) (bool, error)

// mutate runs fn in the cart's critical section: precondition policy and a
// fail-fast token check before the lock, the authoritative check under it,
// then version bump, save, and an event after commit.
func (s *cartService) mutate(ctx context.Context, op, cartID string, opts domain.WriteOptions, fn mutateFunc) (*domain.Cart, error) {
	start := time.Now()

	if _, err := s.precheck(ctx, op, cartID, opts); err != nil {
		s.observe(op, err, start)
		return nil, err
	}

	var (
		result  *domain.Cart
		changed bool
	)
	err := s.controller.WithCart(ctx, cartID, func(ctx context.Context, tx domain.CartTx, cart *domain.Cart) error {
		now := s.now()
		if cart.IsExpired(now) {
			return domain.ErrCartExpired.WithOp(op)
		}
		if err := s.precondition.Check(opts.Precondition, cart); err != nil {
			return err
		}

		var err error
		changed, err = fn(ctx, tx, cart)
		if err != nil {
			return err
		}
		if changed {
			cart.ExpiresAt = now.Add(s.cfg.TTL)
			cart.Touch(now)
			if err := tx.SaveCart(ctx, cart); err != nil {
				return err
			}
		}
		result = cart
		return nil
	})
	s.observe(op, err, start)
	if err != nil {
		s.logger.DebugContext(ctx, "cart mutation failed", "op", op, "cart_id", cartID, "error", err)
		return nil, err
	}

	if changed {
		s.logger.DebugContext(ctx, "cart mutated", "op", op, "cart_id", cartID, "version", result.Version)
		s.emit(ctx, result)
	}
	return result, nil
}

// precheck enforces the precondition policy and compares the token with a
// plain read so a stale writer fails without waiting for the lock.
func (s *cartService) precheck(ctx context.Context, op, cartID string, opts domain.WriteOptions) (*domain.Cart, error) {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = op
	}
	if err := s.precondition.Require(endpoint, opts.Precondition); err != nil {
		return nil, err
	}

	current, err := s.store.GetCart(ctx, cartID)
	if err != nil {
		return nil, err
	}
	if current.IsExpired(s.now()) {
		return nil, domain.ErrCartExpired.WithOp(op)
	}
	if err := s.precondition.Check(opts.Precondition, current); err != nil {
		return nil, err
	}
	return current, nil
}

// product loads a product, mapping a missing one to ProductNotFound.
func (s *cartService) product(ctx context.Context, productID string) (*domain.Product, error) {
	p, err := s.catalog.ProductByID(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("load product %s: %w", productID, err)
	}
	if p == nil {
		return nil, domain.ErrProductNotFound
	}
	return p, nil
}

func (s *cartService) emit(ctx context.Context, cart *domain.Cart) {
	if s.events == nil {
		return
	}
	event := domain.CartUpdated{
		CartID:     cart.ID,
		Version:    cart.Version,
		Total:      cart.Total,
		OccurredAt: cart.UpdatedAt,
	}
	if err := s.events.EmitCartUpdated(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to emit cart event", "cart_id", cart.ID, "error", err)
	}
}

func (s *cartService) observe(op string, err error, start time.Time) {
	if s.observer == nil {
		return
	}
	s.observer.ObserveMutation(op, Outcome(err), time.Since(start))
}

// Outcome is the metrics label for a mutation result: "ok", the error kind,
// or the error code when no kind is set.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := domain.ErrorKind(err); kind != "" {
		return string(kind)
	}
	return domain.ErrorCode(err)
}
