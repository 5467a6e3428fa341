// Package fees computes the platform fee split applied when escrowed funds
// are paid out to a payee.
package fees

import (
	"errors"
	"fmt"

	"github.com/castline/escrowd/internal/money"
	"github.com/shopspring/decimal"
)

// DefaultRate is the platform's standard take (7.5%).
var DefaultRate = decimal.RequireFromString("0.075")

var ErrInvalidRate = errors.New("fee rate must be in [0, 1)")

// Split is the result of applying the fee to a gross amount.
// Fee + Net always equals Gross exactly.
type Split struct {
	Gross decimal.Decimal
	Fee   decimal.Decimal
	Net   decimal.Decimal
}

// Calculator applies a fixed fee rate.
type Calculator struct {
	rate decimal.Decimal
}

// NewCalculator validates rate and returns a calculator.
func NewCalculator(rate decimal.Decimal) (*Calculator, error) {
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRate, rate)
	}
	return &Calculator{rate: rate}, nil
}

// Rate returns the configured rate.
func (c *Calculator) Rate() decimal.Decimal {
	return c.rate
}

// Split rounds the fee once, half-up to the cent, and derives net by
// subtraction so the two parts never drift from gross.
func (c *Calculator) Split(gross decimal.Decimal) Split {
	fee := roundHalfUp(gross.Mul(c.rate))
	return Split{
		Gross: gross,
		Fee:   fee,
		Net:   gross.Sub(fee),
	}
}

// roundHalfUp rounds to money.Places. decimal.Round is half away from zero,
// which matches half-up for the non-negative amounts the ledger handles.
func roundHalfUp(d decimal.Decimal) decimal.Decimal {
	return d.Round(money.Places)
}
