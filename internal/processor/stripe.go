package processor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/castline/escrowd/internal/money"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// AccountResolver maps platform users to their Stripe objects.
type AccountResolver interface {
	// PayerAccount returns the Stripe customer and its default payment method.
	PayerAccount(ctx context.Context, userID string) (customerID, paymentMethodID string, err error)
	// PayeeAccount returns the Stripe Connect account that receives payouts.
	PayeeAccount(ctx context.Context, userID string) (connectedAccountID string, err error)
}

// StripeConfig configures the Stripe Connect gateway.
type StripeConfig struct {
	SecretKey  string
	Currency   string
	APIURL     string // optional, e.g. a stripe-mock or test server
	HTTPClient *http.Client
}

// Stripe is a Gateway backed by Stripe Connect: charges are confirmed
// off-session PaymentIntents, payouts are Transfers to the payee's
// connected account sourced from the charge, refunds are Refunds.
type Stripe struct {
	api      *client.API
	accounts AccountResolver
	currency string
}

// NewStripe creates a Stripe gateway. Network retries are left to the
// caller so every retry reuses the escrow's idempotency key.
func NewStripe(cfg StripeConfig, accounts AccountResolver) *Stripe {
	backendCfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if cfg.HTTPClient != nil {
		backendCfg.HTTPClient = cfg.HTTPClient
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	currency := cfg.Currency
	if currency == "" {
		currency = "usd"
	}
	return &Stripe{
		api: client.New(cfg.SecretKey, &stripe.Backends{
			API:     backend,
			Connect: backend,
			Uploads: backend,
		}),
		accounts: accounts,
		currency: currency,
	}
}

func (s *Stripe) Name() string { return "stripe" }

func (s *Stripe) Charge(ctx context.Context, req ChargeRequest) (string, error) {
	customerID, defaultPM, err := s.accounts.PayerAccount(ctx, req.PayerID)
	if err != nil {
		return "", fmt.Errorf("%w: payer %s has no payment account: %v", ErrInvalidRequest, req.PayerID, err)
	}
	pm := req.PaymentMethodRef
	if pm == "" {
		pm = defaultPM
	}
	if pm == "" {
		return "", fmt.Errorf("%w: payer %s has no payment method", ErrInvalidRequest, req.PayerID)
	}

	cents, err := money.ToCents(req.Amount)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(cents),
		Currency:      stripe.String(s.currency),
		Customer:      stripe.String(customerID),
		PaymentMethod: stripe.String(pm),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
		TransferGroup: stripe.String(transferGroup(req.EscrowID)),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("escrow_id", req.EscrowID)
	params.AddMetadata("payer_id", req.PayerID)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", classifyStripe(ctx, err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return "", fmt.Errorf("%w: payment intent %s is %s", ErrDeclined, pi.ID, pi.Status)
	}
	if pi.LatestCharge != nil && pi.LatestCharge.ID != "" {
		return pi.LatestCharge.ID, nil
	}
	return pi.ID, nil
}

func (s *Stripe) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	account, err := s.accounts.PayeeAccount(ctx, req.PayeeID)
	if err != nil || account == "" {
		return "", fmt.Errorf("%w: payee %s has no payout account", ErrInvalidRequest, req.PayeeID)
	}

	cents, err := money.ToCents(req.Amount)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	params := &stripe.TransferParams{
		Amount:            stripe.Int64(cents),
		Currency:          stripe.String(s.currency),
		Destination:       stripe.String(account),
		SourceTransaction: stripe.String(req.ChargeRef),
		TransferGroup:     stripe.String(transferGroup(req.EscrowID)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("escrow_id", req.EscrowID)
	params.AddMetadata("payee_id", req.PayeeID)

	tr, err := s.api.Transfers.New(params)
	if err != nil {
		return "", classifyStripe(ctx, err)
	}
	return tr.ID, nil
}

func (s *Stripe) Refund(ctx context.Context, req RefundRequest) (string, error) {
	cents, err := money.ToCents(req.Amount)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	params := &stripe.RefundParams{
		Charge: stripe.String(req.ChargeRef),
		Amount: stripe.Int64(cents),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("escrow_id", req.EscrowID)

	re, err := s.api.Refunds.New(params)
	if err != nil {
		return "", classifyStripe(ctx, err)
	}
	if re.Status == stripe.RefundStatusFailed || re.Status == stripe.RefundStatusCanceled {
		return "", fmt.Errorf("%w: refund %s is %s", ErrDeclined, re.ID, re.Status)
	}
	return re.ID, nil
}

// classifyStripe maps a Stripe client error onto the gateway taxonomy.
// 5xx responses and transport errors are unknown outcomes: Stripe may have
// applied the request, and only an idempotent replay can tell.
func classifyStripe(ctx context.Context, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.Type == stripe.ErrorTypeCard:
			return fmt.Errorf("%w: %s (%s)", ErrDeclined, se.Msg, se.Code)
		case se.HTTPStatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: rate limited: %s", ErrUnavailable, se.Msg)
		case se.HTTPStatusCode >= 500 || se.Type == stripe.ErrorTypeAPI:
			return fmt.Errorf("%w: %s", ErrOutcomeUnknown, se.Msg)
		case se.Type == stripe.ErrorTypeIdempotency:
			return fmt.Errorf("%w: idempotency conflict: %s", ErrInvalidRequest, se.Msg)
		case se.HTTPStatusCode == http.StatusUnauthorized || se.HTTPStatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrUnavailable, se.Msg)
		default:
			return fmt.Errorf("%w: %s", ErrInvalidRequest, se.Msg)
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrOutcomeUnknown, ctx.Err())
	}
	return fmt.Errorf("%w: %v", ErrOutcomeUnknown, err)
}

func transferGroup(escrowID string) string {
	return "escrow_" + escrowID
}

var _ Gateway = (*Stripe)(nil)
