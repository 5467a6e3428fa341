// Package escrow holds a payer's funds for a contract until they are
// released to the payee, disputed, refunded or cancelled.
//
// Flow:
//  1. Producer creates an escrow against an active contract → pending
//  2. Payer funds it → processor charge, status funded
//  3. Payer releases → processor transfer of the net amount, contract marked paid
//  4. Either party disputes a funded escrow → funds frozen
//  5. Arbitrator resolves → release to payee (resolved) or full refund (refunded)
//
// Money moves at the processor before the local status is committed. A
// processor success that cannot be recorded locally is journaled for
// reconciliation instead of being reported as a failure.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/castline/escrowd/internal/pagination"
	"github.com/shopspring/decimal"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrEscrowNotFound         = errors.New("escrow not found")
	ErrContractNotFound       = errors.New("contract not found")
	ErrForbidden              = errors.New("not authorized for this escrow operation")
	ErrInvalidTransition      = errors.New("invalid escrow transition")
	ErrProcessorFailure       = errors.New("payment processor failure")
	ErrReconciliationRequired = errors.New("reconciliation required")

	// ErrReconciliationPending blocks new operations on an escrow whose
	// previous processor call has not been settled.
	ErrReconciliationPending = fmt.Errorf("%w: awaiting reconciliation", ErrInvalidTransition)

	// ErrStaleStatus is returned by Store.Transition when the stored status
	// no longer matches the expected source status.
	ErrStaleStatus = errors.New("escrow status changed concurrently")
)

// Escrow is a payment held on behalf of a payer for one contract.
type Escrow struct {
	ID              string `json:"id"`
	ContractID      string `json:"contractId"`
	PayerID         string `json:"payerId"`
	PayeeID         string `json:"payeeId"`
	Amount          string `json:"amount"`
	Description     string `json:"description,omitempty"`
	MilestoneNumber *int   `json:"milestoneNumber,omitempty"`
	Status          Status `json:"status"`

	// Set on release to the payee. Fee + net == amount.
	PlatformFee string `json:"platformFee,omitempty"`
	NetAmount   string `json:"netAmount,omitempty"`

	ProcessorChargeRef   string `json:"processorChargeRef,omitempty"`
	ProcessorTransferRef string `json:"processorTransferRef,omitempty"`
	ProcessorRefundRef   string `json:"processorRefundRef,omitempty"`
	// ProcessorAttempts counts processor requests that were refused. It
	// numbers the next idempotency key.
	ProcessorAttempts int `json:"-"`

	DisputeReason   string `json:"disputeReason,omitempty"`
	DisputedBy      string `json:"disputedBy,omitempty"`
	ResolutionNotes string `json:"resolutionNotes,omitempty"`
	ResolvedBy      string `json:"resolvedBy,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	FundedAt   *time.Time `json:"fundedAt,omitempty"`
	DisputedAt *time.Time `json:"disputedAt,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// IsParty reports whether userID is the payer or payee.
func (e *Escrow) IsParty(userID string) bool {
	return userID != "" && (userID == e.PayerID || userID == e.PayeeID)
}

// Counterparty returns the other party from userID's point of view.
func (e *Escrow) Counterparty(userID string) string {
	if userID == e.PayeeID {
		return e.PayerID
	}
	return e.PayeeID
}

func (e *Escrow) clone() *Escrow {
	cp := *e
	if e.MilestoneNumber != nil {
		n := *e.MilestoneNumber
		cp.MilestoneNumber = &n
	}
	return &cp
}

// Caller is the authenticated identity behind an operation.
type Caller struct {
	UserID     string
	Arbitrator bool
}

// Role filters a user's history.
type Role string

const (
	RolePayer Role = "payer"
	RolePayee Role = "payee"
	RoleAll   Role = "all"
)

// Totals aggregates escrows sharing a status.
type Totals struct {
	Gross decimal.Decimal
	Net   decimal.Decimal
	Count int
}

// Store persists escrow data.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	// Transition writes e only if the stored status still equals from,
	// returning ErrStaleStatus otherwise. Timestamps and processor
	// references already stored are never overwritten.
	Transition(ctx context.Context, e *Escrow, from Status) error
	ListByContract(ctx context.Context, contractID string) ([]*Escrow, error)
	// ListByUser returns newest first, strictly after the cursor when one is given.
	ListByUser(ctx context.Context, userID string, role Role, after *pagination.Cursor, limit int) ([]*Escrow, error)
	EarningsByStatus(ctx context.Context, payeeID string) (map[Status]Totals, error)
	// RecordProcessorRefusal increments ProcessorAttempts without touching
	// the status.
	RecordProcessorRefusal(ctx context.Context, id string) error
}

// PaymentStatus is the parent contract's payment state.
type PaymentStatus string

const (
	PaymentUnpaid  PaymentStatus = "unpaid"
	PaymentPartial PaymentStatus = "partial"
	PaymentPaid    PaymentStatus = "paid"
)

// ContractInfo is what the ledger needs to know about a parent contract.
type ContractInfo struct {
	ID         string
	Title      string
	ProducerID string
	TalentID   string
	Active     bool
}

// ContractStore abstracts contract lookups so escrow doesn't import contracts.
type ContractStore interface {
	// GetContract returns ErrContractNotFound for unknown ids.
	GetContract(ctx context.Context, id string) (*ContractInfo, error)
	SetPaymentStatus(ctx context.Context, contractID string, status PaymentStatus, paidAmount string) error
}

// Directory resolves display names for the query service.
type Directory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// Notifier delivers fire-and-forget notifications. It must not block.
type Notifier interface {
	Notify(ctx context.Context, userID, kind, title, body string, data map[string]string)
}

// Notification kinds.
const (
	NotifyCreated   = "escrow_created"
	NotifyFunded    = "escrow_funded"
	NotifyReleased  = "escrow_released"
	NotifyDisputed  = "escrow_disputed"
	NotifyResolved  = "escrow_resolved"
	NotifyRefunded  = "escrow_refunded"
	NotifyCancelled = "escrow_cancelled"
)

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	ContractID      string `json:"contractId"`
	Amount          string `json:"amount"`
	Description     string `json:"description,omitempty"`
	MilestoneNumber *int   `json:"milestoneNumber,omitempty"`
}

// FundRequest optionally names the payment method to charge.
type FundRequest struct {
	PaymentMethodRef string `json:"paymentMethodRef,omitempty"`
}

// DisputeRequest contains the parameters for disputing an escrow.
type DisputeRequest struct {
	Reason string `json:"reason"`
}

// Decision is an arbitrator's ruling on a dispute.
type Decision string

const (
	DecisionRelease Decision = "release_to_payee"
	DecisionRefund  Decision = "refund_to_payer"
)

// ResolveRequest contains an arbitrator's ruling.
type ResolveRequest struct {
	Decision Decision `json:"decision"`
	Notes    string   `json:"notes,omitempty"`
}
