package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// =============================================================================
// CART DOMAIN ERRORS
// =============================================================================

var (
	ErrCartNotFound     = &Error{Code: ENOTFOUND, Kind: KindCartNotFound, Message: "Cart not found"}
	ErrCartExpired      = &Error{Code: EGONE, Kind: KindCartExpired, Message: "Cart has expired"}
	ErrCartItemNotFound = &Error{Code: ENOTFOUND, Kind: KindCartItemNotFound, Message: "Cart item not found"}
	ErrInvalidQuantity  = &Error{Code: EINVALID, Kind: KindInvalidQuantity, Message: "Quantity must be at least 1"}
	ErrMergeSameCart    = &Error{Code: EINVALID, Kind: KindInvalidRequest, Message: "Cannot merge a cart into itself"}
	ErrNegativeAmount   = &Error{Code: EINVALID, Kind: KindInvalidRequest, Message: "Amount cannot be negative"}
	ErrDuplicateLine    = &Error{Code: ECONFLICT, Message: "Cart already has a line for this product and options"}
)

// PricingPolicy selects how line prices behave after they are written.
type PricingPolicy string

const (
	// PricingSnapshot freezes the effective price recorded at add-time.
	PricingSnapshot PricingPolicy = "SNAPSHOT"
	// PricingLive recomputes prices from the catalog on read without
	// touching the stored snapshot.
	PricingLive PricingPolicy = "LIVE"
)

// Valid reports whether p is a known policy.
func (p PricingPolicy) Valid() bool {
	return p == PricingSnapshot || p == PricingLive
}

// CartService provides business logic for shopping cart operations.
// Every write runs under the per-cart critical section and bumps Version.
type CartService interface {
	// GetOrCreateCart resolves the caller's cart by user or bearer token,
	// creating an anonymous cart when none is live. The bool reports creation.
	GetOrCreateCart(ctx context.Context, ref CartRef) (*Cart, bool, error)

	// ResolveCart resolves the caller's cart without creating one.
	ResolveCart(ctx context.Context, ref CartRef) (*Cart, error)

	// GetCart returns the cart with live pricing applied for LIVE carts.
	GetCart(ctx context.Context, cartID string) (*CartView, error)

	// AddItem adds a product (optionally a variant) or increases an existing line.
	AddItem(ctx context.Context, cartID string, params AddItemParams, opts WriteOptions) (*Cart, error)

	// UpdateItemQuantity sets a line's quantity. Quantity <= 0 removes the line.
	UpdateItemQuantity(ctx context.Context, cartID, itemID string, qty int, opts WriteOptions) (*Cart, error)

	// RemoveItem deletes a line. Removing an absent line is not an error.
	RemoveItem(ctx context.Context, cartID, itemID string, opts WriteOptions) (*Cart, error)

	// ClearCart removes every line from a cart.
	ClearCart(ctx context.Context, cartID string, opts WriteOptions) (*Cart, error)

	// Merge moves every line of source into target, all or nothing.
	Merge(ctx context.Context, targetID, sourceID string, opts WriteOptions) (*Cart, error)

	// SetShipping records the shipping selection and its cost.
	SetShipping(ctx context.Context, cartID string, shipping Shipping, opts WriteOptions) (*Cart, error)

	// SetDiscount sets the cart-level discount total.
	SetDiscount(ctx context.Context, cartID string, amount int64, opts WriteOptions) (*Cart, error)
}

// CartRef identifies the caller's cart from request context.
type CartRef struct {
	Token  string
	UserID string
}

// Empty reports whether the reference carries nothing to resolve by.
func (r CartRef) Empty() bool {
	return r.Token == "" && r.UserID == ""
}

// AddItemParams is the input to CartService.AddItem.
type AddItemParams struct {
	ProductID           string
	Qty                 int
	OptionAssignmentIDs []string
}

// WriteOptions carries request-level context for a mutation.
type WriteOptions struct {
	// Endpoint is the logical endpoint name, used for strict-mode
	// precondition policy and logging.
	Endpoint string

	// Precondition is the client's concurrency token. Zero value means absent.
	Precondition Precondition
}

// Shipping is the shipping selection stored on a cart.
type Shipping struct {
	MethodCode string          `json:"methodCode,omitempty"`
	Cost       int64           `json:"cost"`
	City       string          `json:"city,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Cart is the aggregate root. Items are owned exclusively by the cart.
type Cart struct {
	ID            string
	UserID        *string
	Token         string
	Currency      string
	PricingPolicy PricingPolicy
	Version       int64
	Subtotal      int64
	DiscountTotal int64
	Total         int64
	Shipping      Shipping
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     time.Time
	Items         []*CartItem
}

// CartItem is one line of a cart, unique per (cart, product, options hash).
type CartItem struct {
	ID                   string
	CartID               string
	ProductID            string
	ProductName          string
	UnitPrice            int64
	OptionsPriceModifier int64
	EffectiveUnitPrice   int64
	Qty                  int
	RowTotal             int64
	OptionsHash          string
	AssignmentIDs        []string
	Options              []OptionSnapshot
	PricedAt             time.Time
}

// OptionSnapshot preserves the selected option metadata as it was when the
// line was priced, so display survives catalog edits.
type OptionSnapshot struct {
	AssignmentID string `json:"assignmentId"`
	OptionName   string `json:"optionName"`
	ValueName    string `json:"valueName"`
	SKU          string `json:"sku,omitempty"`
	Price        int64  `json:"price"`
	SetsPrice    bool   `json:"setsPrice,omitempty"`
}

// Reprice recomputes the derived price fields of the line.
func (i *CartItem) Reprice() {
	i.EffectiveUnitPrice = i.UnitPrice + i.OptionsPriceModifier
	i.RowTotal = i.EffectiveUnitPrice * int64(i.Qty)
}

// Clone returns a deep copy of the line.
func (i *CartItem) Clone() *CartItem {
	c := *i
	c.AssignmentIDs = append([]string(nil), i.AssignmentIDs...)
	c.Options = append([]OptionSnapshot(nil), i.Options...)
	return &c
}

// Recalculate reprices every line and restores the total invariant:
// total = max(0, subtotal - discountTotal + shippingCost).
func (c *Cart) Recalculate() {
	var subtotal int64
	for _, item := range c.Items {
		item.Reprice()
		subtotal += item.RowTotal
	}
	c.Subtotal = subtotal
	c.Total = max(0, subtotal-c.DiscountTotal+c.Shipping.Cost)
}

// Touch bumps the version and update time after a successful mutation.
func (c *Cart) Touch(now time.Time) {
	c.Version++
	c.UpdatedAt = now
	c.Recalculate()
}

// FindLine returns the line for a product and option selection, or nil.
func (c *Cart) FindLine(productID, optionsHash string) *CartItem {
	for _, item := range c.Items {
		if item.ProductID == productID && item.OptionsHash == optionsHash {
			return item
		}
	}
	return nil
}

// FindItem returns the line with the given id, or nil.
func (c *Cart) FindItem(itemID string) *CartItem {
	for _, item := range c.Items {
		if item.ID == itemID {
			return item
		}
	}
	return nil
}

// RemoveItem drops the line with the given id and reports whether it existed.
func (c *Cart) RemoveItem(itemID string) bool {
	for idx, item := range c.Items {
		if item.ID == itemID {
			c.Items = append(c.Items[:idx], c.Items[idx+1:]...)
			return true
		}
	}
	return false
}

// ItemCount returns the total quantity across lines.
func (c *Cart) ItemCount() int {
	n := 0
	for _, item := range c.Items {
		n += item.Qty
	}
	return n
}

// IsExpired reports whether the cart is past its expiry.
func (c *Cart) IsExpired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// ETag returns the weak entity tag W/"cart:<id>:<version>:<updatedAt>" where
// updatedAt is in Unix microseconds.
func (c *Cart) ETag() string {
	return fmt.Sprintf(`W/"cart:%s:%d:%d"`, c.ID, c.Version, c.UpdatedAt.UnixMicro())
}

// Clone returns a deep copy of the cart and its lines.
func (c *Cart) Clone() *Cart {
	cp := *c
	if c.UserID != nil {
		uid := *c.UserID
		cp.UserID = &uid
	}
	cp.Shipping.Data = append(json.RawMessage(nil), c.Shipping.Data...)
	cp.Items = make([]*CartItem, len(c.Items))
	for idx, item := range c.Items {
		cp.Items[idx] = item.Clone()
	}
	return &cp
}

// NormalizeAssignmentIDs returns the sorted set of non-empty ids.
func NormalizeAssignmentIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// OptionsHash is a stable digest of the sorted assignment id set.
// It is the empty string when no options are selected.
func OptionsHash(assignmentIDs []string) string {
	ids := NormalizeAssignmentIDs(assignmentIDs)
	if len(ids) == 0 {
		return ""
	}
	h := sha256.New()
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CartView is the read model returned by CartService.GetCart.
type CartView struct {
	Cart *Cart

	// Live is set for LIVE carts only.
	Live *LiveQuote
}

// LiveQuote reports catalog-current prices for a cart without mutating it.
type LiveQuote struct {
	Lines        []LineQuote
	Subtotal     int64
	Total        int64
	PriceChanged bool
}

// LineQuote is the live price of one line.
type LineQuote struct {
	ItemID         string
	UnitPrice      int64
	Modifier       int64
	EffectivePrice int64
	RowTotal       int64
	PriceChanged   bool
	// Unavailable is set when the product or an option no longer resolves;
	// the stored snapshot price is reported instead.
	Unavailable bool
}
