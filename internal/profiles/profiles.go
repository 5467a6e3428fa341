// Package profiles stores user display names and the payment processor
// objects each user is linked to.
package profiles

import (
	"context"
	"errors"
	"time"
)

var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrNotLinked       = errors.New("no payment account linked")
)

// Profile is a user's public name plus their processor identifiers.
// Processor ids are never serialized to API clients.
type Profile struct {
	ID                    string    `json:"id"`
	DisplayName           string    `json:"displayName"`
	Email                 string    `json:"email,omitempty"`
	StripeCustomerID      string    `json:"-"`
	StripePaymentMethodID string    `json:"-"`
	StripeAccountID       string    `json:"-"`
	PayerLinked           bool      `json:"payerLinked"`
	PayeeLinked           bool      `json:"payeeLinked"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

func (p *Profile) fillLinks() {
	p.PayerLinked = p.StripeCustomerID != "" && p.StripePaymentMethodID != ""
	p.PayeeLinked = p.StripeAccountID != ""
}

// Store persists profiles.
type Store interface {
	// Upsert creates the profile or replaces its mutable fields. Empty
	// processor ids leave the stored values untouched.
	Upsert(ctx context.Context, p *Profile) error
	Get(ctx context.Context, id string) (*Profile, error)
}

// UpdateRequest is the body of PUT /v1/users/:userId/profile.
type UpdateRequest struct {
	DisplayName           string `json:"displayName"`
	Email                 string `json:"email,omitempty"`
	StripeCustomerID      string `json:"stripeCustomerId,omitempty"`
	StripePaymentMethodID string `json:"stripePaymentMethodId,omitempty"`
	StripeAccountID       string `json:"stripeAccountId,omitempty"`
}
