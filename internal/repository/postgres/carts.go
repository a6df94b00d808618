package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dukerupert/cartengine/internal/domain"
)

// =============================================================================
// CARTS
// =============================================================================

const cartColumns = `id, user_id, token, currency, pricing_policy, version, subtotal, discount_total, total,
       shipping_method, shipping_cost, shipping_city, shipping_data, created_at, updated_at, expires_at`

const itemColumns = `id, cart_id, product_id, product_name, unit_price, options_price_modifier, effective_unit_price,
       qty, row_total, options_hash, assignment_ids, options_snapshot, priced_at`

const insertCart = `
INSERT INTO carts (` + cartColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

// CreateCart implements domain.CartStore.
func (s *Store) CreateCart(ctx context.Context, c *domain.Cart) error {
	const op = "postgres.create_cart"
	_, err := s.pool.Exec(ctx, insertCart,
		c.ID, c.UserID, c.Token, c.Currency, string(c.PricingPolicy), c.Version, c.Subtotal, c.DiscountTotal, c.Total,
		c.Shipping.MethodCode, c.Shipping.Cost, c.Shipping.City, nullJSON(c.Shipping.Data), c.CreatedAt, c.UpdatedAt, c.ExpiresAt,
	)
	return mapError(op, err)
}

// GetCart implements domain.CartStore.
func (s *Store) GetCart(ctx context.Context, cartID string) (*domain.Cart, error) {
	return loadCart(ctx, s.pool, "postgres.get_cart", `SELECT `+cartColumns+` FROM carts WHERE id = $1`, cartID)
}

// FindCartByToken implements domain.CartStore.
func (s *Store) FindCartByToken(ctx context.Context, token string) (*domain.Cart, error) {
	return loadCart(ctx, s.pool, "postgres.find_cart_by_token", `SELECT `+cartColumns+` FROM carts WHERE token = $1`, token)
}

// FindCartByUser implements domain.CartStore.
func (s *Store) FindCartByUser(ctx context.Context, userID string, now time.Time) (*domain.Cart, error) {
	return loadCart(ctx, s.pool, "postgres.find_cart_by_user", `
SELECT `+cartColumns+` FROM carts
WHERE user_id = $1 AND expires_at > $2
ORDER BY updated_at DESC
LIMIT 1`, userID, now)
}

const deleteExpiredCarts = `
DELETE FROM carts
WHERE id IN (
    SELECT id FROM carts
    WHERE expires_at <= $1
    ORDER BY expires_at
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)`

// DeleteExpiredCarts implements domain.CartStore. Items go with their cart
// through ON DELETE CASCADE.
func (s *Store) DeleteExpiredCarts(ctx context.Context, now time.Time, limit int) (int64, error) {
	tag, err := s.pool.Exec(ctx, deleteExpiredCarts, now, limit)
	if err != nil {
		return 0, mapError("postgres.delete_expired_carts", err)
	}
	return tag.RowsAffected(), nil
}

func loadCart(ctx context.Context, q querier, op, query string, args ...any) (*domain.Cart, error) {
	c, err := scanCart(q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrCartNotFound
	}
	if err != nil {
		return nil, mapError(op, err)
	}
	if c.Items, err = loadItems(ctx, q, c.ID); err != nil {
		return nil, mapError(op, err)
	}
	return c, nil
}

func scanCart(row pgx.Row) (*domain.Cart, error) {
	var (
		c            domain.Cart
		policy       string
		shippingData []byte
	)
	err := row.Scan(
		&c.ID, &c.UserID, &c.Token, &c.Currency, &policy, &c.Version, &c.Subtotal, &c.DiscountTotal, &c.Total,
		&c.Shipping.MethodCode, &c.Shipping.Cost, &c.Shipping.City, &shippingData, &c.CreatedAt, &c.UpdatedAt, &c.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	c.PricingPolicy = domain.PricingPolicy(policy)
	if len(shippingData) > 0 {
		c.Shipping.Data = json.RawMessage(shippingData)
	}
	return &c, nil
}

func loadItems(ctx context.Context, q querier, cartID string) ([]*domain.CartItem, error) {
	rows, err := q.Query(ctx, `SELECT `+itemColumns+` FROM cart_items WHERE cart_id = $1 ORDER BY id`, cartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*domain.CartItem
	for rows.Next() {
		var (
			item     domain.CartItem
			snapshot []byte
		)
		if err := rows.Scan(
			&item.ID, &item.CartID, &item.ProductID, &item.ProductName, &item.UnitPrice, &item.OptionsPriceModifier,
			&item.EffectiveUnitPrice, &item.Qty, &item.RowTotal, &item.OptionsHash, &item.AssignmentIDs, &snapshot, &item.PricedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(snapshot, &item.Options); err != nil {
			return nil, fmt.Errorf("decode options snapshot of item %s: %w", item.ID, err)
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

func nullJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func snapshotJSON(options []domain.OptionSnapshot) ([]byte, error) {
	if options == nil {
		options = []domain.OptionSnapshot{}
	}
	return json.Marshal(options)
}

func assignmentIDs(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// =============================================================================
// TRANSACTIONAL WRITES
// =============================================================================

type cartTx struct {
	q querier
}

func (tx *cartTx) LockCart(ctx context.Context, cartID string) (*domain.Cart, error) {
	return loadCart(ctx, tx.q, "postgres.lock_cart", `SELECT `+cartColumns+` FROM carts WHERE id = $1 FOR UPDATE`, cartID)
}

const updateCart = `
UPDATE carts
SET user_id = $2, pricing_policy = $3, version = $4, subtotal = $5, discount_total = $6, total = $7,
    shipping_method = $8, shipping_cost = $9, shipping_city = $10, shipping_data = $11,
    updated_at = $12, expires_at = $13
WHERE id = $1`

func (tx *cartTx) SaveCart(ctx context.Context, c *domain.Cart) error {
	const op = "postgres.save_cart"
	tag, err := tx.q.Exec(ctx, updateCart,
		c.ID, c.UserID, string(c.PricingPolicy), c.Version, c.Subtotal, c.DiscountTotal, c.Total,
		c.Shipping.MethodCode, c.Shipping.Cost, c.Shipping.City, nullJSON(c.Shipping.Data),
		c.UpdatedAt, c.ExpiresAt,
	)
	if err != nil {
		return mapError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCartNotFound
	}
	return nil
}

const insertItem = `
INSERT INTO cart_items (` + itemColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

func (tx *cartTx) InsertItem(ctx context.Context, item *domain.CartItem) error {
	const op = "postgres.insert_item"
	snapshot, err := snapshotJSON(item.Options)
	if err != nil {
		return domain.Internal(err, op, "failed to encode options snapshot")
	}
	_, err = tx.q.Exec(ctx, insertItem,
		item.ID, item.CartID, item.ProductID, item.ProductName, item.UnitPrice, item.OptionsPriceModifier,
		item.EffectiveUnitPrice, item.Qty, item.RowTotal, item.OptionsHash, assignmentIDs(item.AssignmentIDs), snapshot, item.PricedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateLine
	}
	return mapError(op, err)
}

const updateItem = `
UPDATE cart_items
SET product_name = $3, unit_price = $4, options_price_modifier = $5, effective_unit_price = $6,
    qty = $7, row_total = $8, assignment_ids = $9, options_snapshot = $10, priced_at = $11
WHERE cart_id = $1 AND id = $2`

func (tx *cartTx) UpdateItem(ctx context.Context, item *domain.CartItem) error {
	const op = "postgres.update_item"
	snapshot, err := snapshotJSON(item.Options)
	if err != nil {
		return domain.Internal(err, op, "failed to encode options snapshot")
	}
	tag, err := tx.q.Exec(ctx, updateItem,
		item.CartID, item.ID, item.ProductName, item.UnitPrice, item.OptionsPriceModifier, item.EffectiveUnitPrice,
		item.Qty, item.RowTotal, assignmentIDs(item.AssignmentIDs), snapshot, item.PricedAt,
	)
	if err != nil {
		return mapError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCartItemNotFound
	}
	return nil
}

func (tx *cartTx) DeleteItem(ctx context.Context, cartID, itemID string) (bool, error) {
	tag, err := tx.q.Exec(ctx, `DELETE FROM cart_items WHERE cart_id = $1 AND id = $2`, cartID, itemID)
	if err != nil {
		return false, mapError("postgres.delete_item", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (tx *cartTx) DeleteItems(ctx context.Context, cartID string) error {
	_, err := tx.q.Exec(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, cartID)
	return mapError("postgres.delete_items", err)
}
