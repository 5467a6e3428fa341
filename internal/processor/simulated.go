package processor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// DeclinedPaymentMethod makes the simulated processor decline a charge,
// mirroring the processor's test card of the same name.
const DeclinedPaymentMethod = "pm_card_chargeDeclined"

// Simulated is an in-process Gateway for development and tests. It keeps
// enough state to enforce idempotency and to reject transfers or refunds
// that exceed the charge they draw from. Like the real processor it keeps
// declines against the key, so replaying a declined key declines again.
type Simulated struct {
	mu      sync.Mutex
	byKey   map[string]simRecord
	charges map[string]*simCharge
	faults  map[string][]error
	calls   map[string]int
}

type simRecord struct {
	op     string
	amount decimal.Decimal
	params string
	ref    string
	err    error
}

type simCharge struct {
	amount      decimal.Decimal
	transferred decimal.Decimal
	refunded    decimal.Decimal
}

// NewSimulated creates an empty simulated gateway.
func NewSimulated() *Simulated {
	return &Simulated{
		byKey:   make(map[string]simRecord),
		charges: make(map[string]*simCharge),
		faults:  make(map[string][]error),
		calls:   make(map[string]int),
	}
}

func (s *Simulated) Name() string { return "simulated" }

// FailNext queues err to be returned by the next call to op. A queued
// ErrOutcomeUnknown still applies the request before failing, so a retry
// with the same key observes the earlier result.
func (s *Simulated) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], err)
}

// Calls returns how many times op was invoked, including replays.
func (s *Simulated) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Charged returns the amount charged under ref and whether it exists.
func (s *Simulated) Charged(ref string) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[ref]
	if !ok {
		return decimal.Zero, false
	}
	return c.amount, true
}

// Refunded returns the total refunded against a charge.
func (s *Simulated) Refunded(chargeRef string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.charges[chargeRef]; ok {
		return c.refunded
	}
	return decimal.Zero
}

// Transferred returns the total transferred out of a charge.
func (s *Simulated) Transferred(chargeRef string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.charges[chargeRef]; ok {
		return c.transferred
	}
	return decimal.Zero
}

func (s *Simulated) Charge(ctx context.Context, req ChargeRequest) (string, error) {
	params := req.PayerID + "|" + req.PaymentMethodRef
	return s.apply(ctx, OpCharge, req.IdempotencyKey, req.Amount, params, func() (string, error) {
		if req.PayerID == "" {
			return "", fmt.Errorf("%w: payer is required", ErrInvalidRequest)
		}
		if req.PaymentMethodRef == DeclinedPaymentMethod {
			return "", fmt.Errorf("%w: card declined", ErrDeclined)
		}
		ref := simRef("ch", req.IdempotencyKey)
		s.charges[ref] = &simCharge{amount: req.Amount}
		return ref, nil
	})
}

func (s *Simulated) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	params := req.PayeeID + "|" + req.ChargeRef
	return s.apply(ctx, OpTransfer, req.IdempotencyKey, req.Amount, params, func() (string, error) {
		if req.PayeeID == "" {
			return "", fmt.Errorf("%w: payee is required", ErrInvalidRequest)
		}
		c, ok := s.charges[req.ChargeRef]
		if !ok {
			return "", fmt.Errorf("%w: unknown charge %q", ErrInvalidRequest, req.ChargeRef)
		}
		if c.transferred.Add(c.refunded).Add(req.Amount).GreaterThan(c.amount) {
			return "", fmt.Errorf("%w: transfer exceeds remaining charge balance", ErrInvalidRequest)
		}
		c.transferred = c.transferred.Add(req.Amount)
		return simRef("tr", req.IdempotencyKey), nil
	})
}

func (s *Simulated) Refund(ctx context.Context, req RefundRequest) (string, error) {
	return s.apply(ctx, OpRefund, req.IdempotencyKey, req.Amount, req.ChargeRef, func() (string, error) {
		c, ok := s.charges[req.ChargeRef]
		if !ok {
			return "", fmt.Errorf("%w: unknown charge %q", ErrInvalidRequest, req.ChargeRef)
		}
		if c.transferred.Add(c.refunded).Add(req.Amount).GreaterThan(c.amount) {
			return "", fmt.Errorf("%w: refund exceeds remaining charge balance", ErrInvalidRequest)
		}
		c.refunded = c.refunded.Add(req.Amount)
		return simRef("re", req.IdempotencyKey), nil
	})
}

func (s *Simulated) apply(ctx context.Context, op, key string, amount decimal.Decimal, params string, do func() (string, error)) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++

	if key == "" {
		return "", fmt.Errorf("%w: idempotency key is required", ErrInvalidRequest)
	}
	if !amount.IsPositive() {
		return "", fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}

	var fault error
	if q := s.faults[op]; len(q) > 0 {
		fault, s.faults[op] = q[0], q[1:]
	}
	if fault != nil && !isUnknown(fault) {
		return "", fault
	}

	if prev, ok := s.byKey[key]; ok {
		if prev.op != op || !prev.amount.Equal(amount) || prev.params != params {
			return "", fmt.Errorf("%w: idempotency key %q reused with different parameters", ErrInvalidRequest, key)
		}
		if prev.err != nil {
			return "", prev.err
		}
		if fault != nil {
			return "", fault
		}
		return prev.ref, nil
	}

	ref, err := do()
	if errors.Is(err, ErrDeclined) {
		s.byKey[key] = simRecord{op: op, amount: amount, params: params, err: err}
	}
	if err != nil {
		return "", err
	}
	s.byKey[key] = simRecord{op: op, amount: amount, params: params, ref: ref}
	if fault != nil {
		return "", fault
	}
	return ref, nil
}

func isUnknown(err error) bool {
	return err != nil && !IsDefinite(err)
}

// simRef derives a stable reference from the idempotency key.
func simRef(prefix, key string) string {
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("sim_%s_%s", prefix, hex.EncodeToString(sum[:12]))
}

var _ Gateway = (*Simulated)(nil)
