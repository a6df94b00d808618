package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/dukerupert/cartengine/internal/domain"
	"github.com/dukerupert/cartengine/internal/money"
)

// =============================================================================
// CATALOG
// =============================================================================

const getProduct = `
SELECT id, name, price, sale_price, active, stock
FROM products
WHERE id = $1`

// ProductByID implements domain.ProductLookup.
func (s *Store) ProductByID(ctx context.Context, id string) (*domain.Product, error) {
	const op = "postgres.product_by_id"

	var (
		p         domain.Product
		price     pgtype.Numeric
		salePrice pgtype.Numeric
	)
	err := s.pool.QueryRow(ctx, getProduct, id).Scan(&p.ID, &p.Name, &price, &salePrice, &p.Active, &p.Stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(op, err)
	}

	if p.Price, _, err = money.FromNumeric(price); err != nil {
		return nil, wrapAmount(op, err)
	}
	if p.SalePrice, err = optionalAmount(salePrice); err != nil {
		return nil, wrapAmount(op, err)
	}
	return &p, nil
}

const listOptionAssignments = `
SELECT id, product_id, option_name, value_name, sku, price, sale_price, quantity, sets_price
FROM option_assignments
WHERE id = ANY($1)`

// OptionAssignments implements domain.OptionAssignmentLookup.
func (s *Store) OptionAssignments(ctx context.Context, ids []string) (map[string]*domain.OptionAssignment, error) {
	const op = "postgres.option_assignments"

	out := make(map[string]*domain.OptionAssignment, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, listOptionAssignments, ids)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			a         domain.OptionAssignment
			price     pgtype.Numeric
			salePrice pgtype.Numeric
		)
		if err := rows.Scan(&a.ID, &a.ProductID, &a.OptionName, &a.ValueName, &a.SKU, &price, &salePrice, &a.Quantity, &a.SetsPrice); err != nil {
			return nil, mapError(op, err)
		}
		if a.Price, _, err = money.FromNumeric(price); err != nil {
			return nil, wrapAmount(op, err)
		}
		if a.SalePrice, err = optionalAmount(salePrice); err != nil {
			return nil, wrapAmount(op, err)
		}
		out[a.ID] = &a
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}

func optionalAmount(n pgtype.Numeric) (*int64, error) {
	v, ok, err := money.FromNumeric(n)
	if err != nil || !ok {
		return nil, err
	}
	return &v, nil
}

// wrapAmount tags catalog amount errors with the operation. A fractional
// catalog price is bad data, so the kind is preserved for diagnosis.
func wrapAmount(op string, err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return de.WithOp(op)
	}
	return domain.Internal(err, op, "invalid catalog amount")
}
