// Package stock answers availability questions for plain products and
// variant combinations. It never mutates inventory; checks here are advisory
// validation, not reservation.
package stock

import (
	"context"
	"fmt"

	"github.com/dukerupert/cartengine/internal/domain"
)

// Ledger is a read-only view of product and option stock.
type Ledger struct {
	assignments domain.OptionAssignmentLookup
}

// NewLedger creates a ledger resolving assignments through lookup.
func NewLedger(lookup domain.OptionAssignmentLookup) *Ledger {
	return &Ledger{assignments: lookup}
}

// Availability checks a plain product for qty units.
func (l *Ledger) Availability(p *domain.Product, qty int) error {
	if err := checkProduct(p, qty); err != nil {
		return err
	}
	if qty > p.Stock {
		return domain.InsufficientStock(p.ID, max(p.Stock, 0), qty)
	}
	return nil
}

// VariantAvailability resolves the selected assignments, verifies each one
// belongs to p, and checks qty against the smallest assignment quantity in
// the set. The returned assignments are ordered by id.
func (l *Ledger) VariantAvailability(ctx context.Context, p *domain.Product, assignmentIDs []string, qty int) ([]*domain.OptionAssignment, error) {
	if err := checkProduct(p, qty); err != nil {
		return nil, err
	}
	selected, err := l.Resolve(ctx, p, assignmentIDs)
	if err != nil {
		return nil, err
	}

	var limiting *domain.OptionAssignment
	for _, a := range selected {
		if limiting == nil || a.Quantity < limiting.Quantity {
			limiting = a
		}
	}
	if limiting != nil && qty > limiting.Quantity {
		return nil, domain.InsufficientOptionStock(domain.StockShortage{
			ProductID:    p.ID,
			AssignmentID: limiting.ID,
			OptionName:   limiting.OptionName,
			ValueName:    limiting.ValueName,
			Available:    max(limiting.Quantity, 0),
			Requested:    qty,
		})
	}
	return selected, nil
}

// Check dispatches to the plain or variant path depending on whether options
// were selected.
func (l *Ledger) Check(ctx context.Context, p *domain.Product, assignmentIDs []string, qty int) ([]*domain.OptionAssignment, error) {
	if len(domain.NormalizeAssignmentIDs(assignmentIDs)) == 0 {
		return nil, l.Availability(p, qty)
	}
	return l.VariantAvailability(ctx, p, assignmentIDs, qty)
}

// Resolve loads the assignments for p without checking quantities.
func (l *Ledger) Resolve(ctx context.Context, p *domain.Product, assignmentIDs []string) ([]*domain.OptionAssignment, error) {
	ids := domain.NormalizeAssignmentIDs(assignmentIDs)
	if len(ids) == 0 {
		return nil, nil
	}
	found, err := l.assignments.OptionAssignments(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve option assignments: %w", err)
	}

	selected := make([]*domain.OptionAssignment, 0, len(ids))
	for _, id := range ids {
		a, ok := found[id]
		if !ok || a == nil {
			return nil, domain.OptionAssignmentNotFound(id)
		}
		if a.ProductID != p.ID {
			return nil, domain.OptionAssignmentMismatch(id, p.ID)
		}
		selected = append(selected, a)
	}
	return selected, nil
}

func checkProduct(p *domain.Product, qty int) error {
	if qty < 1 {
		return domain.ErrInvalidQuantity
	}
	if p == nil {
		return domain.ErrProductNotFound
	}
	if !p.Active {
		return domain.ErrProductInactive
	}
	return nil
}
