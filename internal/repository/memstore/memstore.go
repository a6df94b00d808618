// Package memstore is an in-process implementation of the cart store and
// catalog lookups. It backs single-process deployments and tests. Each
// transaction works on private copies of the carts it locked and publishes
// them on commit, so a failed mutation leaves no trace.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dukerupert/cartengine/internal/domain"
)

// Store holds carts and a read-only catalog in memory.
type Store struct {
	lockTimeout time.Duration

	mu          sync.Mutex
	carts       map[string]*domain.Cart
	rowLocks    map[string]chan struct{}
	products    map[string]*domain.Product
	assignments map[string]*domain.OptionAssignment
}

// New creates an empty store. lockTimeout bounds the wait for a cart row
// lock, like lock_timeout does in Postgres.
func New(lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &Store{
		lockTimeout: lockTimeout,
		carts:       make(map[string]*domain.Cart),
		rowLocks:    make(map[string]chan struct{}),
		products:    make(map[string]*domain.Product),
		assignments: make(map[string]*domain.OptionAssignment),
	}
}

// =============================================================================
// CATALOG
// =============================================================================

// PutProduct inserts or replaces a product.
func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = &p
}

// PutOptionAssignment inserts or replaces an option assignment.
func (s *Store) PutOptionAssignment(a domain.OptionAssignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[a.ID] = &a
}

// ProductByID implements domain.ProductLookup.
func (s *Store) ProductByID(ctx context.Context, id string) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

// OptionAssignments implements domain.OptionAssignmentLookup.
func (s *Store) OptionAssignments(ctx context.Context, ids []string) (map[string]*domain.OptionAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*domain.OptionAssignment, len(ids))
	for _, id := range ids {
		if a, ok := s.assignments[id]; ok {
			cp := *a
			out[id] = &cp
		}
	}
	return out, nil
}

// =============================================================================
// CARTS
// =============================================================================

// CreateCart implements domain.CartStore.
func (s *Store) CreateCart(ctx context.Context, cart *domain.Cart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.carts[cart.ID]; ok {
		return domain.Conflict("memstore.create_cart", "cart already exists")
	}
	for _, c := range s.carts {
		if c.Token == cart.Token {
			return domain.Conflict("memstore.create_cart", "cart token already exists")
		}
	}
	s.carts[cart.ID] = cart.Clone()
	return nil
}

// GetCart implements domain.CartStore.
func (s *Store) GetCart(ctx context.Context, cartID string) (*domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.carts[cartID]
	if !ok {
		return nil, domain.ErrCartNotFound
	}
	return c.Clone(), nil
}

// FindCartByToken implements domain.CartStore.
func (s *Store) FindCartByToken(ctx context.Context, token string) (*domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.carts {
		if c.Token == token {
			return c.Clone(), nil
		}
	}
	return nil, domain.ErrCartNotFound
}

// FindCartByUser implements domain.CartStore.
func (s *Store) FindCartByUser(ctx context.Context, userID string, now time.Time) (*domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *domain.Cart
	for _, c := range s.carts {
		if c.UserID == nil || *c.UserID != userID || c.IsExpired(now) {
			continue
		}
		if found == nil || c.UpdatedAt.After(found.UpdatedAt) {
			found = c
		}
	}
	if found == nil {
		return nil, domain.ErrCartNotFound
	}
	return found.Clone(), nil
}

// DeleteExpiredCarts implements domain.CartStore.
func (s *Store) DeleteExpiredCarts(ctx context.Context, now time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []*domain.Cart
	for _, c := range s.carts {
		if c.IsExpired(now) {
			expired = append(expired, c)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, c := range expired {
		delete(s.carts, c.ID)
	}
	return int64(len(expired)), nil
}

// InTx implements domain.CartStore.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx domain.CartTx) error) error {
	tx := &memTx{store: s, working: make(map[string]*domain.Cart)}
	defer tx.releaseRowLocks()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range tx.working {
		if _, ok := s.carts[id]; !ok {
			continue
		}
		s.carts[id] = c
	}
	return nil
}

func (s *Store) rowLock(id string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.rowLocks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		s.rowLocks[id] = ch
	}
	return ch
}

type memTx struct {
	store   *Store
	locked  []chan struct{}
	working map[string]*domain.Cart
}

func (tx *memTx) releaseRowLocks() {
	for _, ch := range tx.locked {
		<-ch
	}
	tx.locked = nil
}

func (tx *memTx) LockCart(ctx context.Context, cartID string) (*domain.Cart, error) {
	if c, ok := tx.working[cartID]; ok {
		return c.Clone(), nil
	}

	ch := tx.store.rowLock(cartID)
	timer := time.NewTimer(tx.store.lockTimeout)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		tx.locked = append(tx.locked, ch)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, domain.ErrLockTimeout.WithOp("memstore.lock_cart")
	}

	c, err := tx.store.GetCart(ctx, cartID)
	if err != nil {
		return nil, err
	}
	tx.working[cartID] = c
	return c.Clone(), nil
}

func (tx *memTx) cart(op, cartID string) (*domain.Cart, error) {
	c, ok := tx.working[cartID]
	if !ok {
		return nil, domain.Errorf(domain.EINTERNAL, op, "cart %s not locked in this transaction", cartID)
	}
	return c, nil
}

func (tx *memTx) SaveCart(ctx context.Context, cart *domain.Cart) error {
	c, err := tx.cart("memstore.save_cart", cart.ID)
	if err != nil {
		return err
	}
	items := c.Items
	*c = *cart.Clone()
	c.Items = items
	return nil
}

func (tx *memTx) InsertItem(ctx context.Context, item *domain.CartItem) error {
	c, err := tx.cart("memstore.insert_item", item.CartID)
	if err != nil {
		return err
	}
	if c.FindLine(item.ProductID, item.OptionsHash) != nil {
		return domain.ErrDuplicateLine
	}
	c.Items = append(c.Items, item.Clone())
	return nil
}

func (tx *memTx) UpdateItem(ctx context.Context, item *domain.CartItem) error {
	c, err := tx.cart("memstore.update_item", item.CartID)
	if err != nil {
		return err
	}
	for i, existing := range c.Items {
		if existing.ID == item.ID {
			c.Items[i] = item.Clone()
			return nil
		}
	}
	return domain.ErrCartItemNotFound
}

func (tx *memTx) DeleteItem(ctx context.Context, cartID, itemID string) (bool, error) {
	c, err := tx.cart("memstore.delete_item", cartID)
	if err != nil {
		return false, err
	}
	return c.RemoveItem(itemID), nil
}

func (tx *memTx) DeleteItems(ctx context.Context, cartID string) error {
	c, err := tx.cart("memstore.delete_items", cartID)
	if err != nil {
		return err
	}
	c.Items = nil
	return nil
}
