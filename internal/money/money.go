// Package money provides shared parsing and formatting for ledger amounts.
//
// Amounts are decimal strings with at most 2 fractional digits ("1000.00").
// Arithmetic is exact on shopspring/decimal; processors that want integer
// minor units use ToCents.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits the ledger keeps.
const Places = 2

// MaxAmount is the largest amount the ledger stores (NUMERIC(14,2)).
var MaxAmount = decimal.RequireFromString("999999999999.99")

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrTooPrecise    = errors.New("amount has more than 2 decimal places")
	ErrTooLarge      = errors.New("amount exceeds the maximum of 999999999999.99")
)

// Zero is 0.00.
var Zero = decimal.Zero

// Parse converts a decimal string (e.g. "1.50") to a Decimal.
//
// Rules:
//   - Empty strings and non-numeric input are rejected
//   - Exponent notation is rejected
//   - More than 2 fractional digits is rejected rather than rounded
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, "eE") {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !d.Equal(d.Truncate(Places)) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrTooPrecise, s)
	}
	return d, nil
}

// ParsePositive is Parse plus a check that the amount is in (0, MaxAmount].
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return d, err
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if d.GreaterThan(MaxAmount) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrTooLarge, s)
	}
	return d, nil
}

// MustParse is Parse for trusted values read back from storage.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Format renders d with exactly 2 fractional digits (e.g. "925.00").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}

// Normalize parses and re-formats s. Invalid input is returned unchanged.
func Normalize(s string) string {
	d, err := Parse(s)
	if err != nil {
		return s
	}
	return Format(d)
}

// ToCents converts an amount to integer minor units. It fails rather than
// round or wrap when d has sub-cent digits or does not fit in an int64.
func ToCents(d decimal.Decimal) (int64, error) {
	if !d.Equal(d.Truncate(Places)) {
		return 0, fmt.Errorf("%w: %s", ErrTooPrecise, d)
	}
	cents := d.Shift(Places).BigInt()
	if !cents.IsInt64() {
		return 0, fmt.Errorf("%w: %s", ErrTooLarge, d)
	}
	return cents.Int64(), nil
}

// FromCents converts integer minor units back to an amount.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -Places)
}

// Sum adds amount strings, skipping any that fail to parse.
func Sum(amounts ...string) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		if d, err := Parse(a); err == nil {
			total = total.Add(d)
		}
	}
	return total
}
