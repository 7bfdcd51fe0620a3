// Package money provides EGP amount helpers.
//
// All platform amounts are decimal values with two fractional digits.
// Fee math produces sub-piastre results, so every computed amount is
// rounded to 2 decimal places with round-half-away-from-zero before it is
// persisted or compared.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Zero is the canonical zero amount.
var Zero = decimal.Zero

// Round2 rounds an amount to 2 decimal places, half away from zero.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Parse parses a decimal amount string like "1050" or "49.75".
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

// MustParse parses an amount string and panics on failure.
// For constants in code and tests only.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// IsPositive reports whether the amount is strictly greater than zero.
func IsPositive(d decimal.Decimal) bool {
	return d.Sign() > 0
}

// IsNegative reports whether the amount is strictly less than zero.
func IsNegative(d decimal.Decimal) bool {
	return d.Sign() < 0
}

// Format renders an amount with exactly 2 decimal places, e.g. "49.75".
func Format(d decimal.Decimal) string {
	return d.StringFixed(2)
}
