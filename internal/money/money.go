// Package money handles whole-unit currency amounts. Every amount in the cart
// engine is an integer number of currency units; fractional input is rejected
// rather than rounded.
package money

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/dukerupert/cartengine/internal/domain"
)

var maxAmount = decimal.NewFromInt(math.MaxInt64)

// FromDecimal converts d to whole units, failing on any fractional part.
func FromDecimal(d decimal.Decimal) (int64, error) {
	if !d.Equal(d.Truncate(0)) {
		return 0, fractional(d.String())
	}
	if d.Abs().GreaterThan(maxAmount) {
		return 0, domain.Errorf(domain.EINVALID, "money.from_decimal", "Amount out of range: %s", d.String())
	}
	return d.IntPart(), nil
}

// Parse converts a decimal string ("1500", "1500.00") to whole units.
// "1500.50" is an error.
func Parse(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, domain.Errorf(domain.EINVALID, "money.parse", "Invalid amount: %q", s)
	}
	return FromDecimal(d)
}

// FromNumeric converts a Postgres NUMERIC to whole units. NULL yields ok=false.
func FromNumeric(n pgtype.Numeric) (amount int64, ok bool, err error) {
	if !n.Valid {
		return 0, false, nil
	}
	if n.NaN || n.InfinityModifier != pgtype.Finite {
		return 0, false, domain.Errorf(domain.EINVALID, "money.from_numeric", "Amount is not a finite number")
	}
	d := decimal.NewFromBigInt(n.Int, n.Exp)
	amount, err = FromDecimal(d)
	if err != nil {
		return 0, false, err
	}
	return amount, true, nil
}

// Amount is a whole-unit amount that refuses fractional JSON input.
type Amount int64

// UnmarshalJSON accepts a JSON number or numeric string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(s)
	}
	v, err := Parse(string(data))
	if err != nil {
		return err
	}
	*a = Amount(v)
	return nil
}

// MarshalJSON writes the amount as a JSON integer.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%d", int64(a))), nil
}

func fractional(s string) error {
	return &domain.Error{
		Code:    domain.EINVALID,
		Kind:    domain.KindFractionalAmount,
		Message: fmt.Sprintf("Amount %s has a fractional part; only whole currency units are accepted", s),
	}
}
