package contracts

import (
	"context"
	"fmt"
	"time"

	"github.com/castline/escrowd/internal/idgen"
	"github.com/castline/escrowd/internal/money"
	"github.com/castline/escrowd/internal/validation"
)

// Service implements contract business logic.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a new contract service.
func NewService(store Store) *Service {
	return &Service{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Propose creates a contract from the calling producer to a talent.
func (s *Service) Propose(ctx context.Context, producerID string, req ProposeRequest) (*Contract, error) {
	checks := []func() *validation.ValidationError{
		validation.Required("title", req.Title),
		validation.MaxLength("title", req.Title, 200),
		validation.Required("talentId", req.TalentID),
		validation.ValidID("talentId", req.TalentID),
	}
	if req.Rate != "" {
		checks = append(checks, validation.PositiveAmount("rate", req.Rate))
	}
	if err := validation.Validate(checks...).Err(); err != nil {
		return nil, err
	}
	if producerID == "" {
		return nil, ErrUnauthorized
	}
	if producerID == req.TalentID {
		return nil, validation.ValidationErrors{{Field: "talentId", Message: "must differ from the producer"}}
	}

	now := s.now()
	c := &Contract{
		ID:            idgen.WithPrefix("ctr_"),
		Title:         validation.SanitizeString(req.Title, 200),
		ProducerID:    producerID,
		TalentID:      req.TalentID,
		Status:        StatusProposed,
		PaymentStatus: PaymentUnpaid,
		PaidAmount:    "0.00",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.Rate != "" {
		c.Rate = money.Normalize(req.Rate)
	}

	if err := s.store.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create contract: %w", err)
	}
	return c, nil
}

// Accept activates a proposed contract. Only the talent can accept.
func (s *Service) Accept(ctx context.Context, id, callerID string) (*Contract, error) {
	return s.transition(ctx, id, func(c *Contract) error {
		if callerID != c.TalentID {
			return ErrUnauthorized
		}
		if c.Status != StatusProposed {
			return ErrInvalidStatus
		}
		now := s.now()
		c.Status = StatusActive
		c.AcceptedAt = &now
		return nil
	})
}

// Cancel withdraws a proposal. Only the producer can cancel, and only
// before acceptance.
func (s *Service) Cancel(ctx context.Context, id, callerID string) (*Contract, error) {
	return s.transition(ctx, id, func(c *Contract) error {
		if callerID != c.ProducerID {
			return ErrUnauthorized
		}
		if c.Status != StatusProposed {
			return ErrInvalidStatus
		}
		c.Status = StatusCancelled
		return nil
	})
}

// Complete closes an active contract. Only the producer can complete it.
func (s *Service) Complete(ctx context.Context, id, callerID string) (*Contract, error) {
	return s.transition(ctx, id, func(c *Contract) error {
		if callerID != c.ProducerID {
			return ErrUnauthorized
		}
		if c.Status != StatusActive {
			return ErrInvalidStatus
		}
		c.Status = StatusCompleted
		return nil
	})
}

func (s *Service) transition(ctx context.Context, id string, mutate func(*Contract) error) (*Contract, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(c); err != nil {
		return nil, err
	}
	c.UpdatedAt = s.now()
	if err := s.store.Update(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns a contract by ID.
func (s *Service) Get(ctx context.Context, id string) (*Contract, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns contracts where userID is producer or talent.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Contract, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// SetPaymentStatus records payment against a contract.
func (s *Service) SetPaymentStatus(ctx context.Context, id string, status PaymentStatus, paidAmount string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPayment, status)
	}
	amount, err := money.Parse(paidAmount)
	if err != nil || amount.IsNegative() {
		return fmt.Errorf("%w: paid amount %q", ErrInvalidPayment, paidAmount)
	}
	return s.store.SetPaymentStatus(ctx, id, status, money.Format(amount), s.now())
}
