package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/castline/escrowd/internal/logging"
	"github.com/castline/escrowd/internal/processor"
	"github.com/castline/escrowd/internal/traces"
)

// Reconcile settles a journaled pending commit. It is idempotent: an entry
// whose escrow already reached the target status is simply closed, and a
// processor replay reuses the original idempotency key.
func (s *Service) Reconcile(ctx context.Context, pc *PendingCommit) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Reconcile",
		traces.EscrowID(pc.EscrowID), traces.Operation(string(pc.Operation)))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, pc.EscrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.settle(ctx, pc)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	return e, nil
}

// settle must be called with the escrow's lock held.
func (s *Service) settle(ctx context.Context, pc *PendingCommit) (*Escrow, error) {
	if s.journal == nil {
		return nil, fmt.Errorf("%w: no journal configured", ErrReconciliationRequired)
	}

	e, err := s.store.Get(ctx, pc.EscrowID)
	if err != nil {
		s.markAttempt(ctx, pc, pc.GatewayRef, err)
		return nil, err
	}

	if pc.Kind == CommitContractSync {
		if err := s.contracts.SetPaymentStatus(ctx, e.ContractID, PaymentPaid, e.Amount); err != nil {
			s.markAttempt(ctx, pc, pc.GatewayRef, err)
			return nil, fmt.Errorf("%w: contract %s: %v", ErrReconciliationRequired, e.ContractID, err)
		}
		s.markResolved(ctx, pc)
		return e, nil
	}

	if e.Status == pc.ToStatus {
		s.markResolved(ctx, pc)
		return e, nil
	}
	if e.Status != pc.FromStatus {
		err := fmt.Errorf("escrow diverged: expected %s or %s, found %s", pc.FromStatus, pc.ToStatus, e.Status)
		s.markAttempt(ctx, pc, pc.GatewayRef, err)
		return nil, fmt.Errorf("%w: %v", ErrReconciliationRequired, err)
	}

	in := intent{
		op:               pc.Operation,
		actor:            pc.Actor,
		paymentMethodRef: pc.PaymentMethodRef,
		notes:            pc.Notes,
		split:            splitFromCommit(pc),
	}
	if (in.op == OpRelease || in.op == OpResolveRelease) && in.split == nil {
		split := s.fees.Split(mustAmount(e))
		in.split = &split
	}

	ref := pc.GatewayRef
	if ref == "" {
		ref, err = s.callGateway(ctx, e, in)
		if err != nil {
			if processor.IsDefinite(err) {
				// The replay proves the operation never took effect.
				logging.L(ctx).Info("pending commit settled as failed",
					"escrow_id", e.ID, "operation", pc.Operation, "error", err)
				s.markAttempt(ctx, pc, "", err)
				s.markResolved(ctx, pc)
				s.retireKey(ctx, e, pc.Operation, err)
				return nil, fmt.Errorf("%w: %s: %w", ErrProcessorFailure, pc.Operation.Verb(), err)
			}
			s.markAttempt(ctx, pc, "", err)
			return nil, fmt.Errorf("%w: %s: %w", ErrProcessorFailure, pc.Operation.Verb(), err)
		}
	}

	next := e.clone()
	s.apply(next, pc.ToStatus, ref, in, s.now())
	if err := s.store.Transition(ctx, next, pc.FromStatus); err != nil {
		s.markAttempt(ctx, pc, ref, err)
		if errors.Is(err, ErrStaleStatus) {
			return nil, fmt.Errorf("%w: escrow %s changed during reconciliation", ErrReconciliationRequired, e.ID)
		}
		return nil, fmt.Errorf("%w: %v", ErrReconciliationRequired, err)
	}

	s.markResolved(ctx, pc)
	logging.L(ctx).Info("pending commit reconciled",
		"escrow_id", e.ID, "operation", pc.Operation, "kind", pc.Kind, "gateway_ref", ref)
	s.afterCommit(ctx, next, in)
	return next, nil
}

func (s *Service) markAttempt(ctx context.Context, pc *PendingCommit, ref string, cause error) {
	if err := s.journal.MarkAttempt(ctx, pc.ID, ref, cause.Error(), s.now()); err != nil {
		logging.L(ctx).Error("failed to record reconciliation attempt",
			"commit_id", pc.ID, "escrow_id", pc.EscrowID, "error", err)
	}
}

func (s *Service) markResolved(ctx context.Context, pc *PendingCommit) {
	if err := s.journal.MarkResolved(ctx, pc.ID, s.now()); err != nil {
		logging.L(ctx).Error("failed to close pending commit",
			"commit_id", pc.ID, "escrow_id", pc.EscrowID, "error", err)
	}
}
