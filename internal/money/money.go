// Package money provides the exact decimal arithmetic used for every balance,
// price and amount in the engine. All values carry at most 8 fractional
// digits, the precision of the settlement currency.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by every monetary value.
const Scale = 8

// Zero is the zero value at engine precision.
var Zero = decimal.Zero

// Parse converts a decimal string into an engine value, truncating anything
// beyond 8 fractional digits.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return d.Truncate(Scale), nil
}

// MustParse is Parse for trusted literals (tests, configuration defaults).
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Mul multiplies two values and truncates the product toward zero at 8
// fractional digits, matching the settlement precision for price*amount
// and commission computations.
func Mul(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).Truncate(Scale)
}

// IsPositive reports whether d > 0.
func IsPositive(d decimal.Decimal) bool {
	return d.Sign() > 0
}

// Format renders a value with exactly 8 fractional digits.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}
