// Package processor is the ledger's boundary with the external payment
// processor. Every call carries an idempotency key so a retry after a
// timeout cannot move money twice.
package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrDeclined means the processor answered and refused. Nothing moved.
	ErrDeclined = errors.New("processor declined the request")
	// ErrInvalidRequest means the request was rejected before processing. Nothing moved.
	ErrInvalidRequest = errors.New("processor rejected the request as invalid")
	// ErrUnavailable means the request was never accepted (circuit open,
	// rate limited, connection refused). Nothing moved.
	ErrUnavailable = errors.New("processor unavailable")
	// ErrOutcomeUnknown means the request may or may not have been applied,
	// typically a timeout. Callers must reconcile before assuming either way.
	ErrOutcomeUnknown = errors.New("processor outcome unknown")
)

// Operation names used in idempotency keys, metrics and breaker keys.
const (
	OpCharge   = "charge"
	OpTransfer = "transfer"
	OpRefund   = "refund"
)

// ChargeRequest charges the payer for the full escrow amount.
type ChargeRequest struct {
	IdempotencyKey   string
	EscrowID         string
	PayerID          string
	Amount           decimal.Decimal
	PaymentMethodRef string // optional; processor default when empty
	Description      string
}

// TransferRequest pays the net amount out to the payee, sourced from the charge.
type TransferRequest struct {
	IdempotencyKey string
	EscrowID       string
	PayeeID        string
	Amount         decimal.Decimal
	ChargeRef      string
}

// RefundRequest returns amount of a charge to the payer.
type RefundRequest struct {
	IdempotencyKey string
	EscrowID       string
	ChargeRef      string
	Amount         decimal.Decimal
}

// Gateway moves money. Implementations must treat a repeated
// IdempotencyKey as the same request and return the original reference.
type Gateway interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) (chargeRef string, err error)
	Transfer(ctx context.Context, req TransferRequest) (transferRef string, err error)
	Refund(ctx context.Context, req RefundRequest) (refundRef string, err error)
}

// IdempotencyKey builds the key for an escrow operation: "escrow:<id>:<op>",
// suffixed with ":<attempt>" once earlier attempts have been refused.
func IdempotencyKey(escrowID, op string, attempt int) string {
	if attempt <= 0 {
		return fmt.Sprintf("escrow:%s:%s", escrowID, op)
	}
	return fmt.Sprintf("escrow:%s:%s:%d", escrowID, op, attempt)
}

// IsDefinite reports whether err proves that no money moved.
func IsDefinite(err error) bool {
	return errors.Is(err, ErrDeclined) || errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrUnavailable)
}

// ConsumesKey reports whether the processor may have stored err against the
// request's idempotency key. Replaying that key returns the same error, so a
// retry with different parameters needs a new key.
func ConsumesKey(err error) bool {
	return errors.Is(err, ErrDeclined) || errors.Is(err, ErrInvalidRequest)
}
