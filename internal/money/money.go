// Package money converts between catalog decimal prices and the int64 minor
// units used for every settlement computation.
package money

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// MinorExponent is the number of decimal places in one major unit.
const MinorExponent = 2

var (
	ErrSubMinorPrecision = errors.New("amount has more precision than the minor unit")
	ErrNegative          = errors.New("amount is negative")
	ErrOverflow          = errors.New("amount overflows int64 minor units")
)

// ToMinor converts a decimal major-unit amount to minor units.
func ToMinor(d decimal.Decimal) (int64, error) {
	if d.IsNegative() {
		return 0, ErrNegative
	}
	shifted := d.Shift(MinorExponent)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%s: %w", d.String(), ErrSubMinorPrecision)
	}
	if shifted.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, ErrOverflow
	}
	return shifted.IntPart(), nil
}

// FromMinor converts minor units back to a decimal major-unit amount.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -MinorExponent)
}

// Mul returns unit*qty, failing on overflow.
func Mul(unit int64, qty int) (int64, error) {
	if unit < 0 || qty < 0 {
		return 0, ErrNegative
	}
	if qty != 0 && unit > math.MaxInt64/int64(qty) {
		return 0, ErrOverflow
	}
	return unit * int64(qty), nil
}

// Add returns a+b, failing on overflow.
func Add(a, b int64) (int64, error) {
	if a < 0 || b < 0 {
		return 0, ErrNegative
	}
	if a > math.MaxInt64-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// Format renders minor units as a major-unit string with two decimals.
func Format(minor int64) string {
	return FromMinor(minor).StringFixed(MinorExponent)
}
