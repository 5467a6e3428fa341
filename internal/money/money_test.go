package money

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr error
	}{
		{"1000", "1000.00", nil},
		{"1000.00", "1000.00", nil},
		{"0.5", "0.50", nil},
		{" 12.34 ", "12.34", nil},
		{"-3.00", "-3.00", nil},
		{"1.005", "", ErrTooPrecise},
		{"", "", ErrInvalidAmount},
		{"abc", "", ErrInvalidAmount},
		{"1e3", "", ErrInvalidAmount},
		{"1.2.3", "", ErrInvalidAmount},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Parse(%q) err = %v, want %v", tt.in, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if Format(got) != tt.want {
			t.Errorf("Parse(%q) = %s, want %s", tt.in, Format(got), tt.want)
		}
	}
}

func TestParsePositive(t *testing.T) {
	for _, in := range []string{"0", "0.00", "-1"} {
		if _, err := ParsePositive(in); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("ParsePositive(%q) err = %v, want ErrInvalidAmount", in, err)
		}
	}
	if _, err := ParsePositive("0.01"); err != nil {
		t.Errorf("ParsePositive(0.01) unexpected error: %v", err)
	}
	if _, err := ParsePositive("999999999999.99"); err != nil {
		t.Errorf("ParsePositive(max) unexpected error: %v", err)
	}
	for _, in := range []string{"1000000000000", "100000000000000000000"} {
		if _, err := ParsePositive(in); !errors.Is(err, ErrTooLarge) {
			t.Errorf("ParsePositive(%q) err = %v, want ErrTooLarge", in, err)
		}
	}
}

func TestCents(t *testing.T) {
	c, err := ToCents(MustParse("925.07"))
	if err != nil || c != 92507 {
		t.Errorf("ToCents = %d, %v, want 92507", c, err)
	}
	if c, err := ToCents(MaxAmount); err != nil || c != 99999999999999 {
		t.Errorf("ToCents(max) = %d, %v", c, err)
	}
	if got := Format(FromCents(92507)); got != "925.07" {
		t.Errorf("FromCents = %s", got)
	}
	if !FromCents(0).Equal(decimal.Zero) {
		t.Error("FromCents(0) should be zero")
	}
}

func TestSumAndNormalize(t *testing.T) {
	if got := Format(Sum("1.10", "2.20", "bad", "")); got != "3.30" {
		t.Errorf("Sum = %s, want 3.30", got)
	}
	if got := Normalize("5"); got != "5.00" {
		t.Errorf("Normalize(5) = %s", got)
	}
	if got := Normalize("x"); got != "x" {
		t.Errorf("Normalize(x) = %s", got)
	}
}

func TestToCentsRejectsOverflow(t *testing.T) {
	huge := MustParse("100000000000000000000")
	if c, err := ToCents(huge); !errors.Is(err, ErrTooLarge) {
		t.Errorf("ToCents(1e20) = %d, %v, want ErrTooLarge", c, err)
	}
	if _, err := ToCents(decimal.RequireFromString("1.005")); !errors.Is(err, ErrTooPrecise) {
		t.Errorf("ToCents(1.005) err = %v, want ErrTooPrecise", err)
	}
}
