package domain

import (
	"context"
	"fmt"
)

// =============================================================================
// CATALOG / STOCK DOMAIN ERRORS
// =============================================================================

var (
	ErrProductNotFound         = &Error{Code: ENOTFOUND, Kind: KindProductNotFound, Message: "Product not found"}
	ErrProductInactive         = &Error{Code: EINVALID, Kind: KindProductInactive, Message: "Product is not available for purchase"}
	ErrInsufficientOptionStock = &Error{Code: ECONFLICT, Kind: KindInsufficientOptionStock, Message: "Not enough stock for the selected option"}
	ErrDuplicateSKU            = &Error{Code: EINVALID, Kind: KindDuplicateSKU, Message: "Duplicate SKU"}
	ErrMissingSKU              = &Error{Code: EINVALID, Kind: KindMissingSKU, Message: "Missing SKU"}
)

// Product is the catalog view the cart engine needs.
type Product struct {
	ID        string
	Name      string
	Price     int64
	SalePrice *int64
	Active    bool
	Stock     int
}

// OptionAssignment binds one (option, value) pair to a product and carries
// its own price delta, stock and SKU.
type OptionAssignment struct {
	ID         string
	ProductID  string
	OptionName string
	ValueName  string
	SKU        string
	Price      int64
	SalePrice  *int64
	Quantity   int
	// SetsPrice marks an assignment whose price is a full product price
	// rather than a delta.
	SetsPrice bool
}

// Label renders "Option: Value" for user-facing messages.
func (a *OptionAssignment) Label() string {
	return a.OptionName + ": " + a.ValueName
}

// Delta is the sale price when valid, else the price.
func (a *OptionAssignment) Delta() int64 {
	if ValidSalePrice(a.SalePrice) {
		return *a.SalePrice
	}
	return a.Price
}

// Snapshot captures the assignment for storage on a cart line.
func (a *OptionAssignment) Snapshot() OptionSnapshot {
	return OptionSnapshot{
		AssignmentID: a.ID,
		OptionName:   a.OptionName,
		ValueName:    a.ValueName,
		SKU:          a.SKU,
		Price:        a.Delta(),
		SetsPrice:    a.SetsPrice,
	}
}

// ValidSalePrice reports whether a sale price is set and positive.
func ValidSalePrice(p *int64) bool {
	return p != nil && *p > 0
}

// ProductLookup resolves products by id. A missing product is (nil, nil).
type ProductLookup interface {
	ProductByID(ctx context.Context, id string) (*Product, error)
}

// OptionAssignmentLookup resolves option assignments by id. Missing ids are
// absent from the returned map.
type OptionAssignmentLookup interface {
	OptionAssignments(ctx context.Context, ids []string) (map[string]*OptionAssignment, error)
}

// Catalog is the read-only catalog collaborator.
type Catalog interface {
	ProductLookup
	OptionAssignmentLookup
}

// StockShortage describes which resource ran out, for precise messages.
type StockShortage struct {
	ProductID    string `json:"productId"`
	AssignmentID string `json:"assignmentId,omitempty"`
	OptionName   string `json:"optionName,omitempty"`
	ValueName    string `json:"valueName,omitempty"`
	Available    int    `json:"available"`
	Requested    int    `json:"requested"`
}

// Label renders "Option: Value", or "" for plain products.
func (s *StockShortage) Label() string {
	if s.OptionName == "" {
		return ""
	}
	return s.OptionName + ": " + s.ValueName
}

// InsufficientStock builds a plain-product stock error.
func InsufficientStock(productID string, available, requested int) error {
	return &Error{
		Code:    ECONFLICT,
		Kind:    KindInsufficientStock,
		Message: fmt.Sprintf("Only %d available, %d requested", available, requested),
		Detail: &StockShortage{
			ProductID: productID,
			Available: available,
			Requested: requested,
		},
	}
}

// InsufficientOptionStock builds a variant stock error naming the limiting
// option/value pair.
func InsufficientOptionStock(s StockShortage) error {
	return &Error{
		Code:    ECONFLICT,
		Kind:    KindInsufficientOptionStock,
		Message: fmt.Sprintf("Only %d available for %s, %d requested", s.Available, s.Label(), s.Requested),
		Detail:  &s,
	}
}

// OptionAssignmentNotFound names the unresolved assignment.
func OptionAssignmentNotFound(id string) error {
	return &Error{
		Code:    EINVALID,
		Kind:    KindOptionAssignmentNotFound,
		Message: fmt.Sprintf("Option not found: %s", id),
	}
}

// OptionAssignmentMismatch names the assignment that belongs elsewhere.
func OptionAssignmentMismatch(id, productID string) error {
	return &Error{
		Code:    EINVALID,
		Kind:    KindOptionAssignmentMismatch,
		Message: fmt.Sprintf("Option %s does not belong to product %s", id, productID),
	}
}

// DuplicateSKU names a SKU shared by more than one assignment.
func DuplicateSKU(sku string, assignmentIDs ...string) error {
	return &Error{
		Code:    EINVALID,
		Kind:    KindDuplicateSKU,
		Message: fmt.Sprintf("SKU %q is used by more than one option", sku),
		Detail:  map[string]any{"sku": sku, "assignmentIds": assignmentIDs},
	}
}

// MissingSKU names an assignment without a SKU.
func MissingSKU(assignmentID string) error {
	return &Error{
		Code:    EINVALID,
		Kind:    KindMissingSKU,
		Message: fmt.Sprintf("Option %s has no SKU", assignmentID),
		Detail:  map[string]any{"assignmentId": assignmentID},
	}
}
