package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/castline/escrowd/internal/circuitbreaker"
	"github.com/castline/escrowd/internal/retry"
	"github.com/castline/escrowd/internal/traces"
)

// GuardOptions tunes Guarded.
type GuardOptions struct {
	Timeout          time.Duration // per attempt
	MaxAttempts      int           // attempts for unknown outcomes
	RetryDelay       time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	Logger           *slog.Logger
}

// Guarded wraps a Gateway with a per-attempt timeout, idempotent replay of
// unknown outcomes, a per-operation circuit breaker, metrics and tracing.
// Only unknown outcomes are retried: a decline is an answer.
type Guarded struct {
	next    Gateway
	breaker *circuitbreaker.Breaker
	opts    GuardOptions
}

// NewGuarded wraps next.
func NewGuarded(next Gateway, opts GuardOptions) *Guarded {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	breaker := circuitbreaker.New(opts.BreakerThreshold, opts.BreakerCooldown)
	logger := opts.Logger
	breaker.OnTransition(func(op string, from, to circuitbreaker.State) {
		logger.Warn("processor circuit changed",
			"processor", next.Name(), "op", op, "from", from.String(), "to", to.String())
	})
	return &Guarded{
		next:    next,
		breaker: breaker,
		opts:    opts,
	}
}

func (g *Guarded) Name() string { return g.next.Name() }

// OpenCircuits lists operations currently refused by the breaker.
func (g *Guarded) OpenCircuits() []string {
	return g.breaker.OpenKeys()
}

func (g *Guarded) Charge(ctx context.Context, req ChargeRequest) (string, error) {
	return g.call(ctx, OpCharge, req.EscrowID, req.IdempotencyKey, func(ctx context.Context) (string, error) {
		return g.next.Charge(ctx, req)
	})
}

func (g *Guarded) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	return g.call(ctx, OpTransfer, req.EscrowID, req.IdempotencyKey, func(ctx context.Context) (string, error) {
		return g.next.Transfer(ctx, req)
	})
}

func (g *Guarded) Refund(ctx context.Context, req RefundRequest) (string, error) {
	return g.call(ctx, OpRefund, req.EscrowID, req.IdempotencyKey, func(ctx context.Context) (string, error) {
		return g.next.Refund(ctx, req)
	})
}

func (g *Guarded) call(ctx context.Context, op, escrowID, key string, fn func(context.Context) (string, error)) (string, error) {
	ctx, span := traces.StartSpan(ctx, "processor."+op,
		traces.Processor(g.next.Name()),
		traces.EscrowID(escrowID),
	)
	defer span.End()

	var (
		ref        string
		sawUnknown bool
	)
	err := retry.Do(ctx, retry.Policy{
		MaxAttempts: g.opts.MaxAttempts,
		BaseDelay:   g.opts.RetryDelay,
		RetryIf:     func(err error) bool { return errors.Is(err, ErrOutcomeUnknown) },
	}, func(attempt int) error {
		err := g.breaker.Do(op, func() error {
			var callErr error
			ref, callErr = g.attempt(ctx, op, fn)
			return callErr
		}, isOutage)

		if errors.Is(err, circuitbreaker.ErrOpen) {
			err = fmt.Errorf("%w: %s circuit open", ErrUnavailable, op)
		}
		if errors.Is(err, ErrOutcomeUnknown) {
			sawUnknown = true
			g.opts.Logger.Warn("processor outcome unknown, replaying with same idempotency key",
				"operation", op, "escrow_id", escrowID, "idempotency_key", key, "attempt", attempt, "error", err)
		}
		return err
	})

	// An earlier attempt may have landed. Anything short of a definitive
	// answer from the processor leaves that possibility open.
	if err != nil && sawUnknown && !errors.Is(err, ErrOutcomeUnknown) && !isDeclined(err) && !isInvalid(err) {
		err = fmt.Errorf("%w: %v", ErrOutcomeUnknown, err)
	}
	callsTotal.WithLabelValues(g.next.Name(), op, resultLabel(err)).Inc()
	traces.Fail(span, err)
	if err != nil {
		return "", err
	}
	span.SetAttributes(traces.Reference(ref))
	return ref, nil
}

func (g *Guarded) attempt(ctx context.Context, op string, fn func(context.Context) (string, error)) (string, error) {
	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	ref, err := fn(actx)
	callDuration.WithLabelValues(g.next.Name(), op).Observe(time.Since(start).Seconds())

	if err != nil && !IsDefinite(err) && !errors.Is(err, ErrOutcomeUnknown) {
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: timed out after %s: %v", ErrOutcomeUnknown, g.opts.Timeout, err)
		} else {
			err = fmt.Errorf("%w: %v", ErrOutcomeUnknown, err)
		}
	}
	return ref, err
}

// isOutage selects the errors that should trip the breaker.
func isOutage(err error) bool {
	return errors.Is(err, ErrOutcomeUnknown) || errors.Is(err, ErrUnavailable)
}

func isDeclined(err error) bool    { return errors.Is(err, ErrDeclined) }
func isInvalid(err error) bool     { return errors.Is(err, ErrInvalidRequest) }
func isUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

var _ Gateway = (*Guarded)(nil)
