package fees

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/castline/escrowd/internal/money"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCalculator_RejectsBadRates(t *testing.T) {
	for _, r := range []string{"-0.01", "1", "1.5"} {
		_, err := NewCalculator(decimal.RequireFromString(r))
		assert.True(t, errors.Is(err, ErrInvalidRate), "rate %s", r)
	}
	_, err := NewCalculator(decimal.Zero)
	assert.NoError(t, err)
}

func TestSplit_Examples(t *testing.T) {
	calc, err := NewCalculator(DefaultRate)
	require.NoError(t, err)

	tests := []struct {
		gross string
		fee   string
		net   string
	}{
		{"1000.00", "75.00", "925.00"},
		{"0.01", "0.00", "0.01"},
		{"0.07", "0.01", "0.06"},   // 0.00525 rounds up
		{"0.06", "0.00", "0.06"},   // 0.0045 rounds down
		{"10.20", "0.77", "9.43"},  // 0.765 is a half, rounds up
		{"33.33", "2.50", "30.83"}, // 2.49975
		{"999999.99", "75000.00", "924999.99"},
	}
	for _, tt := range tests {
		s := calc.Split(money.MustParse(tt.gross))
		assert.Equal(t, tt.fee, money.Format(s.Fee), "fee for %s", tt.gross)
		assert.Equal(t, tt.net, money.Format(s.Net), "net for %s", tt.gross)
	}
}

func TestSplit_ZeroRate(t *testing.T) {
	calc, err := NewCalculator(decimal.Zero)
	require.NoError(t, err)
	s := calc.Split(money.MustParse("50.00"))
	assert.True(t, s.Fee.IsZero())
	assert.Equal(t, "50.00", money.Format(s.Net))
}

func TestSplit_Conservation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	rates := []string{"0.075", "0.1", "0.0333", "0.2999", "0"}
	for _, r := range rates {
		calc, err := NewCalculator(decimal.RequireFromString(r))
		require.NoError(t, err)
		for i := 0; i < 2000; i++ {
			gross := money.FromCents(rng.Int63n(100_000_000) + 1)
			s := calc.Split(gross)
			if !s.Fee.Add(s.Net).Equal(gross) {
				t.Fatalf("rate %s gross %s: fee %s + net %s != gross", r, gross, s.Fee, s.Net)
			}
			if s.Fee.IsNegative() || s.Net.IsNegative() {
				t.Fatalf("rate %s gross %s: negative part fee=%s net=%s", r, gross, s.Fee, s.Net)
			}
			if !s.Fee.Equal(s.Fee.Round(2)) {
				t.Fatalf("fee %s not at cent precision", s.Fee)
			}
		}
	}
}
