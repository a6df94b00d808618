// Package pricing computes line prices under the SNAPSHOT and LIVE policies.
//
// Snapshot pricing sums every selected option's delta onto the base price and
// is what gets written to a cart line. Live pricing recomputes from the
// current catalog on read; options flagged SetsPrice replace the base price
// instead of adding to it.
package pricing

import (
	"context"
	"fmt"

	"github.com/dukerupert/cartengine/internal/domain"
)

// BasePrice is the sale price when valid, else the list price. Zero when
// neither is set.
func BasePrice(p *domain.Product) int64 {
	if p == nil {
		return 0
	}
	if domain.ValidSalePrice(p.SalePrice) {
		return *p.SalePrice
	}
	if p.Price > 0 {
		return p.Price
	}
	return 0
}

// EffectivePrice returns the option modifier (sum of each assignment's
// sale-price-or-price) and base + modifier.
func EffectivePrice(base int64, assignments []*domain.OptionAssignment) (modifier, effective int64) {
	for _, a := range assignments {
		modifier += a.Delta()
	}
	return modifier, base + modifier
}

// LivePrice recomputes a line price from current catalog data. When any
// assignment sets the price, the highest such price becomes the base and the
// remaining assignments add their deltas.
func LivePrice(p *domain.Product, assignments []*domain.OptionAssignment) (base, modifier int64) {
	var (
		setsPrice bool
		maxSet    int64
	)
	for _, a := range assignments {
		if !a.SetsPrice {
			modifier += a.Delta()
			continue
		}
		if !setsPrice || a.Delta() > maxSet {
			maxSet = a.Delta()
		}
		setsPrice = true
	}
	if setsPrice {
		return maxSet, modifier
	}
	return BasePrice(p), modifier
}

// Line is the snapshot price of a new or updated line.
type Line struct {
	UnitPrice            int64
	OptionsPriceModifier int64
	EffectiveUnitPrice   int64
	Options              []domain.OptionSnapshot
}

// Snapshot prices a line for storage.
func Snapshot(p *domain.Product, assignments []*domain.OptionAssignment) Line {
	base := BasePrice(p)
	modifier, effective := EffectivePrice(base, assignments)
	options := make([]domain.OptionSnapshot, 0, len(assignments))
	for _, a := range assignments {
		options = append(options, a.Snapshot())
	}
	return Line{
		UnitPrice:            base,
		OptionsPriceModifier: modifier,
		EffectiveUnitPrice:   effective,
		Options:              options,
	}
}

// Apply writes the snapshot onto a cart line.
func (l Line) Apply(item *domain.CartItem) {
	item.UnitPrice = l.UnitPrice
	item.OptionsPriceModifier = l.OptionsPriceModifier
	item.Options = l.Options
	item.Reprice()
}

// Engine quotes live prices against the catalog.
type Engine struct {
	catalog domain.Catalog
	// OnPriceChanged, if set, is called once per line whose live price
	// differs from the stored one.
	OnPriceChanged func()
}

// NewEngine creates a pricing engine over the catalog.
func NewEngine(catalog domain.Catalog) *Engine {
	return &Engine{catalog: catalog}
}

// Quote recomputes every line of the cart from the current catalog. The cart
// is not modified.
func (e *Engine) Quote(ctx context.Context, cart *domain.Cart) (*domain.LiveQuote, error) {
	var ids []string
	for _, item := range cart.Items {
		ids = append(ids, item.AssignmentIDs...)
	}
	ids = domain.NormalizeAssignmentIDs(ids)

	var assignments map[string]*domain.OptionAssignment
	if len(ids) > 0 {
		var err error
		assignments, err = e.catalog.OptionAssignments(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("load option assignments: %w", err)
		}
	}

	products := make(map[string]*domain.Product)
	quote := &domain.LiveQuote{Lines: make([]domain.LineQuote, 0, len(cart.Items))}
	for _, item := range cart.Items {
		p, seen := products[item.ProductID]
		if !seen {
			var err error
			p, err = e.catalog.ProductByID(ctx, item.ProductID)
			if err != nil {
				return nil, fmt.Errorf("load product %s: %w", item.ProductID, err)
			}
			products[item.ProductID] = p
		}

		line := quoteLine(item, p, assignments)
		if line.PriceChanged {
			quote.PriceChanged = true
			if e.OnPriceChanged != nil {
				e.OnPriceChanged()
			}
		}
		quote.Subtotal += line.RowTotal
		quote.Lines = append(quote.Lines, line)
	}
	quote.Total = max(0, quote.Subtotal-cart.DiscountTotal+cart.Shipping.Cost)
	return quote, nil
}

func quoteLine(item *domain.CartItem, p *domain.Product, assignments map[string]*domain.OptionAssignment) domain.LineQuote {
	stored := domain.LineQuote{
		ItemID:         item.ID,
		UnitPrice:      item.UnitPrice,
		Modifier:       item.OptionsPriceModifier,
		EffectivePrice: item.EffectiveUnitPrice,
		RowTotal:       item.RowTotal,
	}
	if p == nil {
		stored.Unavailable = true
		return stored
	}

	selected := make([]*domain.OptionAssignment, 0, len(item.AssignmentIDs))
	for _, id := range item.AssignmentIDs {
		a, ok := assignments[id]
		if !ok {
			stored.Unavailable = true
			return stored
		}
		selected = append(selected, a)
	}

	base, modifier := LivePrice(p, selected)
	effective := base + modifier
	return domain.LineQuote{
		ItemID:         item.ID,
		UnitPrice:      base,
		Modifier:       modifier,
		EffectivePrice: effective,
		RowTotal:       effective * int64(item.Qty),
		PriceChanged:   effective != item.EffectiveUnitPrice,
	}
}
