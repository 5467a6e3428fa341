package profiles

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"github.com/castline/escrowd/internal/validation"
)

// Service manages profiles and resolves names and processor accounts for
// the escrow ledger.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a new profile service.
func NewService(store Store) *Service {
	return &Service{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Update creates or updates the caller's own profile.
func (s *Service) Update(ctx context.Context, userID string, req UpdateRequest) (*Profile, error) {
	checks := []func() *validation.ValidationError{
		validation.Required("displayName", req.DisplayName),
		validation.MaxLength("displayName", req.DisplayName, 200),
		validation.MaxLength("stripeCustomerId", req.StripeCustomerID, 255),
		validation.MaxLength("stripePaymentMethodId", req.StripePaymentMethodID, 255),
		validation.MaxLength("stripeAccountId", req.StripeAccountID, 255),
	}
	if req.Email != "" {
		checks = append(checks, func() *validation.ValidationError {
			if _, err := mail.ParseAddress(req.Email); err != nil {
				return &validation.ValidationError{Field: "email", Message: "is not a valid email address"}
			}
			return nil
		})
	}
	if err := validation.Validate(checks...).Err(); err != nil {
		return nil, err
	}

	now := s.now()
	p := &Profile{
		ID:                    userID,
		DisplayName:           validation.SanitizeString(req.DisplayName, 200),
		Email:                 req.Email,
		StripeCustomerID:      req.StripeCustomerID,
		StripePaymentMethodID: req.StripePaymentMethodID,
		StripeAccountID:       req.StripeAccountID,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.store.Upsert(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to save profile: %w", err)
	}
	return s.Get(ctx, userID)
}

// Get returns a profile by user id.
func (s *Service) Get(ctx context.Context, userID string) (*Profile, error) {
	p, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	p.fillLinks()
	return p, nil
}

// DisplayName returns the user's display name, or the user id when no
// profile exists.
func (s *Service) DisplayName(ctx context.Context, userID string) (string, error) {
	p, err := s.store.Get(ctx, userID)
	if errors.Is(err, ErrProfileNotFound) {
		return userID, nil
	}
	if err != nil {
		return "", err
	}
	return p.DisplayName, nil
}

// PayerAccount returns the Stripe customer and default payment method.
func (s *Service) PayerAccount(ctx context.Context, userID string) (string, string, error) {
	p, err := s.store.Get(ctx, userID)
	if err != nil {
		return "", "", err
	}
	if p.StripeCustomerID == "" || p.StripePaymentMethodID == "" {
		return "", "", fmt.Errorf("%w: user %s has no customer or payment method", ErrNotLinked, userID)
	}
	return p.StripeCustomerID, p.StripePaymentMethodID, nil
}

// PayeeAccount returns the Stripe Connect account that receives payouts.
func (s *Service) PayeeAccount(ctx context.Context, userID string) (string, error) {
	p, err := s.store.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if p.StripeAccountID == "" {
		return "", fmt.Errorf("%w: user %s has no connected account", ErrNotLinked, userID)
	}
	return p.StripeAccountID, nil
}
