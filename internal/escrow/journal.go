package escrow

import (
	"context"
	"time"
)

// CommitKind classifies why a pending commit was journaled.
type CommitKind string

const (
	// CommitLocal: the processor succeeded but the status write failed.
	CommitLocal CommitKind = "local_commit"
	// CommitUnknownOutcome: the processor call timed out or its answer was lost.
	CommitUnknownOutcome CommitKind = "unknown_outcome"
	// CommitContractSync: the escrow was committed but the contract's
	// payment status could not be updated.
	CommitContractSync CommitKind = "contract_sync"
)

// Blocking reports whether an open entry of this kind freezes the escrow.
func (k CommitKind) Blocking() bool {
	return k == CommitLocal || k == CommitUnknownOutcome
}

// PendingCommit is a journaled operation whose local effect is not yet
// known to match the processor. It carries what is needed to replay it.
type PendingCommit struct {
	ID               string     `json:"id"`
	EscrowID         string     `json:"escrowId"`
	Operation        Operation  `json:"operation"`
	Kind             CommitKind `json:"kind"`
	FromStatus       Status     `json:"fromStatus"`
	ToStatus         Status     `json:"toStatus"`
	GatewayRef       string     `json:"gatewayRef,omitempty"`
	PlatformFee      string     `json:"platformFee,omitempty"`
	NetAmount        string     `json:"netAmount,omitempty"`
	Actor            string     `json:"actor"`
	Notes            string     `json:"notes,omitempty"`
	PaymentMethodRef string     `json:"paymentMethodRef,omitempty"`
	Attempts         int        `json:"attempts"`
	LastError        string     `json:"lastError,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`
}

// IsOpen reports whether the entry still needs reconciling.
func (pc *PendingCommit) IsOpen() bool {
	return pc.ResolvedAt == nil
}

// CommitJournal records pending commits for reconciliation.
type CommitJournal interface {
	Record(ctx context.Context, pc *PendingCommit) error
	// OpenForEscrow returns the open blocking entry for an escrow, or nil.
	OpenForEscrow(ctx context.Context, escrowID string) (*PendingCommit, error)
	// ListOpen returns open entries, oldest first.
	ListOpen(ctx context.Context, limit int) ([]*PendingCommit, error)
	MarkAttempt(ctx context.Context, id, gatewayRef, lastError string, at time.Time) error
	MarkResolved(ctx context.Context, id string, at time.Time) error
}
