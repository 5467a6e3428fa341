package server

import (
	"context"
	"errors"

	"github.com/castline/escrowd/internal/contracts"
	"github.com/castline/escrowd/internal/escrow"
)

// contractAdapter adapts contracts.Service to escrow.ContractStore
type contractAdapter struct {
	svc *contracts.Service
}

func (a *contractAdapter) GetContract(ctx context.Context, id string) (*escrow.ContractInfo, error) {
	c, err := a.svc.Get(ctx, id)
	if errors.Is(err, contracts.ErrContractNotFound) {
		return nil, escrow.ErrContractNotFound
	}
	if err != nil {
		return nil, err
	}
	return &escrow.ContractInfo{
		ID:         c.ID,
		Title:      c.Title,
		ProducerID: c.ProducerID,
		TalentID:   c.TalentID,
		Active:     c.IsActive(),
	}, nil
}

func (a *contractAdapter) SetPaymentStatus(ctx context.Context, contractID string, status escrow.PaymentStatus, paidAmount string) error {
	return a.svc.SetPaymentStatus(ctx, contractID, contracts.PaymentStatus(status), paidAmount)
}

var _ escrow.ContractStore = (*contractAdapter)(nil)
