package processor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/castline/escrowd/internal/money"
)

func TestSimulated_ChargeIsIdempotent(t *testing.T) {
	sim := NewSimulated()
	ctx := context.Background()
	req := ChargeRequest{
		IdempotencyKey: IdempotencyKey("esc_1", OpCharge, 0),
		EscrowID:       "esc_1",
		PayerID:        "producer",
		Amount:         money.MustParse("1000.00"),
	}

	ref1, err := sim.Charge(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	ref2, err := sim.Charge(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if ref1 != ref2 {
		t.Fatalf("replay returned different ref: %s vs %s", ref1, ref2)
	}
	if !strings.HasPrefix(ref1, "sim_ch_") {
		t.Errorf("unexpected ref %s", ref1)
	}
	amt, ok := sim.Charged(ref1)
	if !ok || money.Format(amt) != "1000.00" {
		t.Errorf("Charged = %s, %v", amt, ok)
	}
	if sim.Calls(OpCharge) != 2 {
		t.Errorf("Calls = %d", sim.Calls(OpCharge))
	}
}

func TestSimulated_KeyReuseWithDifferentAmount(t *testing.T) {
	sim := NewSimulated()
	ctx := context.Background()
	key := IdempotencyKey("esc_1", OpCharge, 0)

	if _, err := sim.Charge(ctx, ChargeRequest{IdempotencyKey: key, PayerID: "p", Amount: money.MustParse("10")}); err != nil {
		t.Fatal(err)
	}
	_, err := sim.Charge(ctx, ChargeRequest{IdempotencyKey: key, PayerID: "p", Amount: money.MustParse("11")})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestSimulated_DeclinedCard(t *testing.T) {
	sim := NewSimulated()
	_, err := sim.Charge(context.Background(), ChargeRequest{
		IdempotencyKey:   "k",
		PayerID:          "p",
		Amount:           money.MustParse("5"),
		PaymentMethodRef: DeclinedPaymentMethod,
	})
	if !errors.Is(err, ErrDeclined) {
		t.Fatalf("expected ErrDeclined, got %v", err)
	}
	if !IsDefinite(err) {
		t.Error("declines are definite")
	}
}

func TestSimulated_TransferAndRefundBoundedByCharge(t *testing.T) {
	sim := NewSimulated()
	ctx := context.Background()
	chargeRef, err := sim.Charge(ctx, ChargeRequest{IdempotencyKey: "c", PayerID: "p", Amount: money.MustParse("100.00")})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := sim.Transfer(ctx, TransferRequest{IdempotencyKey: "t", PayeeID: "q", ChargeRef: chargeRef, Amount: money.MustParse("92.50")}); err != nil {
		t.Fatal(err)
	}
	if got := money.Format(sim.Transferred(chargeRef)); got != "92.50" {
		t.Errorf("Transferred = %s", got)
	}

	_, err = sim.Refund(ctx, RefundRequest{IdempotencyKey: "r", ChargeRef: chargeRef, Amount: money.MustParse("100.00")})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("refund beyond remaining balance should fail, got %v", err)
	}

	_, err = sim.Transfer(ctx, TransferRequest{IdempotencyKey: "t2", PayeeID: "q", ChargeRef: "sim_ch_missing", Amount: money.MustParse("1")})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("unknown charge should fail, got %v", err)
	}
}

func TestSimulated_FullRefund(t *testing.T) {
	sim := NewSimulated()
	ctx := context.Background()
	chargeRef, _ := sim.Charge(ctx, ChargeRequest{IdempotencyKey: "c", PayerID: "p", Amount: money.MustParse("40.00")})

	ref, err := sim.Refund(ctx, RefundRequest{IdempotencyKey: "r", ChargeRef: chargeRef, Amount: money.MustParse("40.00")})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(ref, "sim_re_") {
		t.Errorf("ref = %s", ref)
	}
	if got := money.Format(sim.Refunded(chargeRef)); got != "40.00" {
		t.Errorf("Refunded = %s", got)
	}
}

func TestSimulated_UnknownOutcomeStillApplies(t *testing.T) {
	sim := NewSimulated()
	ctx := context.Background()
	sim.FailNext(OpCharge, ErrOutcomeUnknown)
	req := ChargeRequest{IdempotencyKey: "k", PayerID: "p", Amount: money.MustParse("3")}

	if _, err := sim.Charge(ctx, req); !errors.Is(err, ErrOutcomeUnknown) {
		t.Fatalf("expected unknown outcome, got %v", err)
	}
	ref, err := sim.Charge(ctx, req)
	if err != nil {
		t.Fatalf("replay should succeed: %v", err)
	}
	if _, ok := sim.Charged(ref); !ok {
		t.Fatal("first attempt should have applied the charge")
	}
}

func TestSimulated_DefiniteFaultDoesNotApply(t *testing.T) {
	sim := NewSimulated()
	sim.FailNext(OpCharge, ErrUnavailable)
	req := ChargeRequest{IdempotencyKey: "k", PayerID: "p", Amount: money.MustParse("3")}

	if _, err := sim.Charge(context.Background(), req); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, ok := sim.Charged(simRef("ch", "k")); ok {
		t.Fatal("unavailable must not record a charge")
	}
}

func TestSimulated_RejectsBadInput(t *testing.T) {
	sim := NewSimulated()
	ctx := context.Background()
	if _, err := sim.Charge(ctx, ChargeRequest{PayerID: "p", Amount: money.MustParse("1")}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("missing key: %v", err)
	}
	if _, err := sim.Charge(ctx, ChargeRequest{IdempotencyKey: "k", PayerID: "p", Amount: money.MustParse("0")}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("zero amount: %v", err)
	}
}

func TestSimulated_DeclineIsKeptAgainstKey(t *testing.T) {
	sim := NewSimulated()
	ctx := context.Background()
	declined := ChargeRequest{
		IdempotencyKey:   IdempotencyKey("esc_1", OpCharge, 0),
		PayerID:          "p",
		Amount:           money.MustParse("5"),
		PaymentMethodRef: DeclinedPaymentMethod,
	}
	if _, err := sim.Charge(ctx, declined); !errors.Is(err, ErrDeclined) {
		t.Fatalf("expected ErrDeclined, got %v", err)
	}

	// Replaying the same request returns the stored decline.
	_, err := sim.Charge(ctx, declined)
	if !errors.Is(err, ErrDeclined) {
		t.Fatalf("replay: expected ErrDeclined, got %v", err)
	}
	if !ConsumesKey(err) {
		t.Error("a decline consumes the key")
	}

	// A different card under the same key is a parameter mismatch.
	retry := declined
	retry.PaymentMethodRef = "pm_card_visa"
	if _, err := sim.Charge(ctx, retry); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("same key, new card: expected ErrInvalidRequest, got %v", err)
	}

	// The next attempt's key goes through.
	retry.IdempotencyKey = IdempotencyKey("esc_1", OpCharge, 1)
	ref, err := sim.Charge(ctx, retry)
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	if _, ok := sim.Charged(ref); !ok {
		t.Error("charge under the new key should be recorded")
	}
}

func TestSimulated_UnavailableDoesNotConsumeKey(t *testing.T) {
	sim := NewSimulated()
	sim.FailNext(OpCharge, ErrUnavailable)
	req := ChargeRequest{IdempotencyKey: "k", PayerID: "p", Amount: money.MustParse("3")}

	_, err := sim.Charge(context.Background(), req)
	if ConsumesKey(err) {
		t.Fatalf("unavailable should leave the key usable: %v", err)
	}
	if _, err := sim.Charge(context.Background(), req); err != nil {
		t.Fatalf("retry with the same key: %v", err)
	}
}

func TestIdempotencyKey(t *testing.T) {
	tests := []struct {
		attempt int
		want    string
	}{
		{0, "escrow:esc_1:transfer"},
		{1, "escrow:esc_1:transfer:1"},
		{3, "escrow:esc_1:transfer:3"},
	}
	for _, tt := range tests {
		if got := IdempotencyKey("esc_1", OpTransfer, tt.attempt); got != tt.want {
			t.Errorf("attempt %d: got %s, want %s", tt.attempt, got, tt.want)
		}
	}
}
