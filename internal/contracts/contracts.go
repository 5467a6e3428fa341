// Package contracts stores the agreements escrows are attached to and
// tracks how much of each has been paid.
//
// Flow:
//  1. Producer proposes a contract to a talent → status: proposed
//  2. Talent accepts → status: active (escrows can now be created against it)
//  3. Escrow releases mark the contract's payment status paid
package contracts

import (
	"context"
	"errors"
	"time"
)

var (
	ErrContractNotFound = errors.New("contract not found")
	ErrInvalidStatus    = errors.New("invalid contract status for this operation")
	ErrUnauthorized     = errors.New("not authorized for this contract operation")
	ErrInvalidPayment   = errors.New("invalid payment status")
)

// Status represents the state of a contract.
type Status string

const (
	StatusProposed  Status = "proposed"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// PaymentStatus tracks payment against the contract.
type PaymentStatus string

const (
	PaymentUnpaid  PaymentStatus = "unpaid"
	PaymentPartial PaymentStatus = "partial"
	PaymentPaid    PaymentStatus = "paid"
)

// Valid reports whether p is a known payment status.
func (p PaymentStatus) Valid() bool {
	switch p {
	case PaymentUnpaid, PaymentPartial, PaymentPaid:
		return true
	}
	return false
}

// Contract is an agreement between a producer (who pays) and a talent
// (who is paid).
type Contract struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	ProducerID    string        `json:"producerId"`
	TalentID      string        `json:"talentId"`
	Rate          string        `json:"rate,omitempty"`
	Status        Status        `json:"status"`
	PaymentStatus PaymentStatus `json:"paymentStatus"`
	PaidAmount    string        `json:"paidAmount"`
	AcceptedAt    *time.Time    `json:"acceptedAt,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// IsActive reports whether escrows may be created against the contract.
func (c *Contract) IsActive() bool {
	return c.Status == StatusActive
}

// IsParty reports whether userID is the producer or the talent.
func (c *Contract) IsParty(userID string) bool {
	return userID != "" && (userID == c.ProducerID || userID == c.TalentID)
}

// Store persists contract data.
type Store interface {
	Create(ctx context.Context, contract *Contract) error
	Get(ctx context.Context, id string) (*Contract, error)
	Update(ctx context.Context, contract *Contract) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Contract, error)
	SetPaymentStatus(ctx context.Context, id string, status PaymentStatus, paidAmount string, at time.Time) error
}

// ProposeRequest contains the parameters for proposing a contract.
type ProposeRequest struct {
	Title    string `json:"title"`
	TalentID string `json:"talentId"`
	Rate     string `json:"rate,omitempty"`
}
