package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/castline/escrowd/internal/fees"
	"github.com/castline/escrowd/internal/idgen"
	"github.com/castline/escrowd/internal/logging"
	"github.com/castline/escrowd/internal/money"
	"github.com/castline/escrowd/internal/processor"
	"github.com/castline/escrowd/internal/syncutil"
	"github.com/castline/escrowd/internal/traces"
	"github.com/castline/escrowd/internal/validation"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMinDisputeReason is the minimum dispute reason length in characters.
const DefaultMinDisputeReason = 10

const (
	escrowIDPrefix  = "esc_"
	commitIDPrefix  = "pc_"
	maxNotesLength  = validation.MaxStringLength
	maxMilestoneNum = 1000
)

// Service implements the escrow ledger.
//
// Dispute and Resolve validate their request body before loading the escrow,
// so a bad body on an unknown id reports ErrValidation rather than
// ErrEscrowNotFound. Fund, Release and Cancel load first.
type Service struct {
	store     Store
	gateway   processor.Gateway
	fees      *fees.Calculator
	contracts ContractStore
	notifier  Notifier
	journal   CommitJournal
	locks     syncutil.Locker
	now       func() time.Time
	minReason int
}

// NewService creates a new escrow service.
func NewService(store Store, gateway processor.Gateway, calc *fees.Calculator, contracts ContractStore) *Service {
	return &Service{
		store:     store,
		gateway:   gateway,
		fees:      calc,
		contracts: contracts,
		locks:     syncutil.NewKeyedMutex(),
		now:       func() time.Time { return time.Now().UTC() },
		minReason: DefaultMinDisputeReason,
	}
}

// WithNotifier adds a notification dispatcher.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithJournal adds the reconciliation journal. Without one, commits that
// need reconciliation are only logged.
func (s *Service) WithJournal(j CommitJournal) *Service {
	s.journal = j
	return s
}

// WithLocker replaces the in-process per-escrow lock, typically with a
// syncutil.AdvisoryLocker when several instances share a database.
func (s *Service) WithLocker(l syncutil.Locker) *Service {
	s.locks = l
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithMinDisputeReason sets the minimum dispute reason length.
func (s *Service) WithMinDisputeReason(n int) *Service {
	if n > 0 {
		s.minReason = n
	}
	return s
}

// Get returns an escrow by ID without authorization checks.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// Create opens a pending escrow on a contract. The caller must be the
// contract's producer; the payee is the contract's talent.
func (s *Service) Create(ctx context.Context, caller Caller, req CreateRequest) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.ContractID(req.ContractID), traces.UserID(caller.UserID), traces.Amount(req.Amount))
	defer span.End()

	e, err := s.create(ctx, caller, req)
	if err != nil {
		traces.Fail(span, err)
		observeError("create", err)
		return nil, err
	}
	span.SetAttributes(traces.EscrowID(e.ID))
	return e, nil
}

func (s *Service) create(ctx context.Context, caller Caller, req CreateRequest) (*Escrow, error) {
	checks := []func() *validation.ValidationError{
		validation.Required("contractId", req.ContractID),
		validation.ValidID("contractId", req.ContractID),
		validation.PositiveAmount("amount", req.Amount),
		validation.MaxLength("description", req.Description, maxNotesLength),
	}
	if req.MilestoneNumber != nil {
		checks = append(checks, milestoneInRange(*req.MilestoneNumber))
	}
	if err := validation.Validate(checks...).Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	amount := money.MustParse(req.Amount)
	if split := s.fees.Split(amount); !split.Net.IsPositive() {
		return nil, fmt.Errorf("%w: amount %s does not exceed the platform fee of %s",
			ErrValidation, money.Format(amount), money.Format(split.Fee))
	}

	contract, err := s.contracts.GetContract(ctx, req.ContractID)
	if err != nil {
		if errors.Is(err, ErrContractNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load contract: %w", err)
	}
	if caller.UserID == "" || caller.UserID != contract.ProducerID {
		return nil, fmt.Errorf("%w: only the contract's producer can create an escrow", ErrForbidden)
	}
	if !contract.Active {
		return nil, fmt.Errorf("%w: contract %s is not active", ErrValidation, contract.ID)
	}
	if contract.TalentID == "" || contract.TalentID == contract.ProducerID {
		return nil, fmt.Errorf("%w: payer and payee must be different users", ErrValidation)
	}

	now := s.now()
	e := &Escrow{
		ID:              idgen.WithPrefix(escrowIDPrefix),
		ContractID:      contract.ID,
		PayerID:         contract.ProducerID,
		PayeeID:         contract.TalentID,
		Amount:          money.Format(amount),
		Description:     validation.SanitizeString(req.Description, maxNotesLength),
		MilestoneNumber: req.MilestoneNumber,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	escrowsCreated.Inc()
	s.notify(ctx, e.PayeeID, NotifyCreated, "New escrow payment",
		fmt.Sprintf("An escrow of %s was created for %s.", e.Amount, contract.Title), e)
	return e.clone(), nil
}

// Fund charges the payer and moves a pending escrow to funded.
func (s *Service) Fund(ctx context.Context, caller Caller, id string, req FundRequest) (*Escrow, error) {
	return s.run(ctx, id, intent{
		op:               OpFund,
		actor:            caller.UserID,
		paymentMethodRef: strings.TrimSpace(req.PaymentMethodRef),
	}, payerOnly(caller))
}

// Release pays the net amount to the payee and marks the contract paid.
func (s *Service) Release(ctx context.Context, caller Caller, id string) (*Escrow, error) {
	return s.run(ctx, id, intent{op: OpRelease, actor: caller.UserID}, payerOnly(caller))
}

// Dispute freezes a funded escrow. Either party may dispute.
func (s *Service) Dispute(ctx context.Context, caller Caller, id string, req DisputeRequest) (*Escrow, error) {
	reason := validation.SanitizeString(req.Reason, maxNotesLength)
	if err := validation.Validate(
		validation.Required("reason", reason),
		validation.MinLength("reason", reason, s.minReason),
	).Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	return s.run(ctx, id, intent{op: OpDispute, actor: caller.UserID, reason: reason}, func(e *Escrow) error {
		if !e.IsParty(caller.UserID) {
			return fmt.Errorf("%w: only the payer or payee can dispute", ErrForbidden)
		}
		return nil
	})
}

// Resolve closes a dispute by releasing to the payee or refunding the payer.
// Only an arbitrator who is not a party to the escrow may resolve.
func (s *Service) Resolve(ctx context.Context, caller Caller, id string, req ResolveRequest) (*Escrow, error) {
	op, ok := req.Decision.operation()
	notes := validation.SanitizeString(req.Notes, maxNotesLength)
	if !ok {
		err := validation.Validate(
			validation.OneOf("decision", string(req.Decision), string(DecisionRelease), string(DecisionRefund)),
		).Err()
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	return s.run(ctx, id, intent{op: op, actor: caller.UserID, notes: notes}, func(e *Escrow) error {
		if !caller.Arbitrator {
			return fmt.Errorf("%w: resolving a dispute requires the arbitrator role", ErrForbidden)
		}
		if e.IsParty(caller.UserID) {
			return fmt.Errorf("%w: an arbitrator cannot resolve their own escrow", ErrForbidden)
		}
		return nil
	})
}

// Cancel withdraws a pending escrow. Nothing was charged, so nothing moves.
func (s *Service) Cancel(ctx context.Context, caller Caller, id string) (*Escrow, error) {
	return s.run(ctx, id, intent{op: OpCancel, actor: caller.UserID}, payerOnly(caller))
}

func payerOnly(caller Caller) func(*Escrow) error {
	return func(e *Escrow) error {
		if caller.UserID == "" || caller.UserID != e.PayerID {
			return fmt.Errorf("%w: only the payer can perform this operation", ErrForbidden)
		}
		return nil
	}
}

// intent carries an operation and its inputs from request to commit, and
// from the journal back into a replay.
type intent struct {
	op               Operation
	actor            string
	paymentMethodRef string
	reason           string
	notes            string
	split            *fees.Split
}

func (s *Service) run(ctx context.Context, id string, in intent, authorize func(*Escrow) error) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+string(in.op),
		traces.EscrowID(id), traces.Operation(string(in.op)), traces.UserID(in.actor))
	defer span.End()

	start := time.Now()
	e, err := s.execute(ctx, span, id, in, authorize)
	operationDuration.WithLabelValues(string(in.op)).Observe(time.Since(start).Seconds())
	if err != nil {
		traces.Fail(span, err)
		observeError(string(in.op), err)
		return nil, err
	}
	return e, nil
}

// execute holds the escrow's lock for the whole operation, including the
// processor call, so the status check and the write cannot interleave with
// another operation on the same escrow. The default lock only covers this
// process; WithLocker widens it. Store.Transition still refuses a write
// whose source status went stale.
func (s *Service) execute(ctx context.Context, span trace.Span, id string, in intent, authorize func(*Escrow) error) (*Escrow, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.ContractID(e.ContractID), traces.Amount(e.Amount))

	if err := authorize(e); err != nil {
		return nil, err
	}

	if pc, err := s.openCommit(ctx, id); err != nil {
		return nil, err
	} else if pc != nil {
		if pc.Operation != in.op {
			return nil, fmt.Errorf("%w: %s of escrow %s has not been settled", ErrReconciliationPending, pc.Operation.Verb(), id)
		}
		// Retrying the unsettled operation settles it with the same idempotency key.
		return s.settle(ctx, pc)
	}

	to, ok := Next(e.Status, in.op)
	if !ok {
		return nil, &TransitionError{Operation: in.op, Current: e.Status}
	}

	if in.op == OpRelease || in.op == OpResolveRelease {
		split := s.fees.Split(money.MustParse(e.Amount))
		in.split = &split
	}

	var ref string
	if in.op.movesMoney() {
		ref, err = s.callGateway(ctx, e, in)
		if err != nil {
			return nil, s.gatewayFailed(ctx, e, to, in, err)
		}
		span.SetAttributes(traces.Reference(ref))
	}

	next := e.clone()
	s.apply(next, to, ref, in, s.now())
	if err := s.commit(ctx, next, e.Status, ref, in); err != nil {
		return nil, err
	}

	s.afterCommit(ctx, next, in)
	return next, nil
}

func (s *Service) openCommit(ctx context.Context, escrowID string) (*PendingCommit, error) {
	if s.journal == nil {
		return nil, nil
	}
	pc, err := s.journal.OpenForEscrow(ctx, escrowID)
	if err != nil {
		return nil, fmt.Errorf("failed to check reconciliation journal: %w", err)
	}
	return pc, nil
}

func (s *Service) callGateway(ctx context.Context, e *Escrow, in intent) (string, error) {
	key := processor.IdempotencyKey(e.ID, string(in.op), e.ProcessorAttempts)
	amount := money.MustParse(e.Amount)

	switch in.op {
	case OpFund:
		return s.gateway.Charge(ctx, processor.ChargeRequest{
			IdempotencyKey:   key,
			EscrowID:         e.ID,
			PayerID:          e.PayerID,
			Amount:           amount,
			PaymentMethodRef: in.paymentMethodRef,
			Description:      e.Description,
		})
	case OpRelease, OpResolveRelease:
		if !in.split.Net.IsPositive() {
			// The fee kept everything; there is nothing to pay out.
			return "", nil
		}
		return s.gateway.Transfer(ctx, processor.TransferRequest{
			IdempotencyKey: key,
			EscrowID:       e.ID,
			PayeeID:        e.PayeeID,
			Amount:         in.split.Net,
			ChargeRef:      e.ProcessorChargeRef,
		})
	case OpResolveRefund:
		return s.gateway.Refund(ctx, processor.RefundRequest{
			IdempotencyKey: key,
			EscrowID:       e.ID,
			ChargeRef:      e.ProcessorChargeRef,
			Amount:         amount,
		})
	}
	return "", fmt.Errorf("operation %s does not call the processor", in.op)
}

// apply mutates e into its post-transition state. Timestamps and processor
// references are write-once.
func (s *Service) apply(e *Escrow, to Status, ref string, in intent, now time.Time) {
	e.Status = to
	e.UpdatedAt = now

	switch in.op {
	case OpFund:
		setOnce(&e.ProcessorChargeRef, ref)
		setTimeOnce(&e.FundedAt, now)
	case OpRelease:
		s.applySplit(e, in)
		setOnce(&e.ProcessorTransferRef, ref)
		setTimeOnce(&e.ReleasedAt, now)
	case OpDispute:
		setOnce(&e.DisputeReason, in.reason)
		setOnce(&e.DisputedBy, in.actor)
		setTimeOnce(&e.DisputedAt, now)
	case OpResolveRelease:
		s.applySplit(e, in)
		setOnce(&e.ProcessorTransferRef, ref)
		setOnce(&e.ResolutionNotes, in.notes)
		setOnce(&e.ResolvedBy, in.actor)
		setTimeOnce(&e.ReleasedAt, now)
		setTimeOnce(&e.ResolvedAt, now)
	case OpResolveRefund:
		setOnce(&e.ProcessorRefundRef, ref)
		setOnce(&e.ResolutionNotes, in.notes)
		setOnce(&e.ResolvedBy, in.actor)
		setTimeOnce(&e.ResolvedAt, now)
	case OpCancel:
	}
}

func (s *Service) applySplit(e *Escrow, in intent) {
	split := in.split
	if split == nil {
		sp := s.fees.Split(money.MustParse(e.Amount))
		split = &sp
	}
	setOnce(&e.PlatformFee, money.Format(split.Fee))
	setOnce(&e.NetAmount, money.Format(split.Net))
}

func setOnce(field *string, v string) {
	if *field == "" {
		*field = v
	}
}

func setTimeOnce(field **time.Time, t time.Time) {
	if *field == nil {
		*field = &t
	}
}

// gatewayFailed maps a processor error to ErrProcessorFailure. An unknown
// outcome is journaled so the escrow stays frozen until it is settled.
func (s *Service) gatewayFailed(ctx context.Context, e *Escrow, to Status, in intent, err error) error {
	if errors.Is(err, processor.ErrOutcomeUnknown) {
		logging.L(ctx).Warn("processor outcome unknown, escrow held for reconciliation",
			"escrow_id", e.ID, "operation", in.op, "error", err)
		s.record(ctx, s.pendingCommit(e, e.Status, to, "", in, CommitUnknownOutcome, err))
	}
	s.retireKey(ctx, e, in.op, err)
	return fmt.Errorf("%w: %s: %w", ErrProcessorFailure, in.op.Verb(), err)
}

// retireKey moves the escrow on to a fresh idempotency key when the
// processor kept the refusal under the current one.
func (s *Service) retireKey(ctx context.Context, e *Escrow, op Operation, err error) {
	if !processor.ConsumesKey(err) {
		return
	}
	if rerr := s.store.RecordProcessorRefusal(ctx, e.ID); rerr != nil {
		logging.L(ctx).Error("failed to record processor refusal",
			"escrow_id", e.ID, "operation", op, "error", rerr)
	}
}

// commit writes the transition. After money has moved, one retry is made
// and a remaining failure becomes ErrReconciliationRequired.
func (s *Service) commit(ctx context.Context, next *Escrow, from Status, ref string, in intent) error {
	err := s.store.Transition(ctx, next, from)
	if err == nil {
		return nil
	}

	if !in.op.movesMoney() {
		if errors.Is(err, ErrStaleStatus) {
			current, getErr := s.store.Get(ctx, next.ID)
			if getErr != nil {
				return getErr
			}
			return &TransitionError{Operation: in.op, Current: current.Status}
		}
		return fmt.Errorf("failed to update escrow: %w", err)
	}

	if !errors.Is(err, ErrStaleStatus) {
		if err = s.store.Transition(ctx, next, from); err == nil {
			return nil
		}
	}

	logging.L(ctx).Error("CRITICAL: reconciliation required",
		"escrow_id", next.ID,
		"operation", in.op,
		"from", from,
		"to", next.Status,
		"gateway_ref", ref,
		"error", err)
	s.record(ctx, s.pendingCommit(next, from, next.Status, ref, in, CommitLocal, err))
	reconciliationRequired.WithLabelValues(string(CommitLocal)).Inc()

	return fmt.Errorf("%w: %s of escrow %s succeeded at the processor (ref %s) but was not recorded: %v",
		ErrReconciliationRequired, in.op.Verb(), next.ID, ref, err)
}

func (s *Service) pendingCommit(e *Escrow, from, to Status, ref string, in intent, kind CommitKind, cause error) *PendingCommit {
	now := s.now()
	pc := &PendingCommit{
		ID:               idgen.WithPrefix(commitIDPrefix),
		EscrowID:         e.ID,
		Operation:        in.op,
		Kind:             kind,
		FromStatus:       from,
		ToStatus:         to,
		GatewayRef:       ref,
		Actor:            in.actor,
		Notes:            in.notes,
		PaymentMethodRef: in.paymentMethodRef,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if in.split != nil {
		pc.PlatformFee = money.Format(in.split.Fee)
		pc.NetAmount = money.Format(in.split.Net)
	}
	if cause != nil {
		pc.LastError = cause.Error()
	}
	return pc
}

func (s *Service) record(ctx context.Context, pc *PendingCommit) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(ctx, pc); err != nil {
		logging.L(ctx).Error("CRITICAL: failed to journal pending commit",
			"escrow_id", pc.EscrowID, "operation", pc.Operation, "kind", pc.Kind,
			"gateway_ref", pc.GatewayRef, "error", err)
	}
}

// afterCommit runs side effects that must never undo a committed transition.
func (s *Service) afterCommit(ctx context.Context, e *Escrow, in intent) {
	transitionsTotal.WithLabelValues(string(in.op)).Inc()

	switch in.op {
	case OpRelease, OpResolveRelease:
		s.syncContract(ctx, e, in)
		observeAmount("released", e.Amount)
		observeAmount("fees", e.PlatformFee)
	case OpFund:
		observeAmount("funded", e.Amount)
	case OpResolveRefund:
		observeAmount("refunded", e.Amount)
	}

	s.notifyTransition(ctx, e, in)
}

func (s *Service) syncContract(ctx context.Context, e *Escrow, in intent) {
	err := s.contracts.SetPaymentStatus(ctx, e.ContractID, PaymentPaid, e.Amount)
	if err == nil {
		return
	}
	logging.L(ctx).Error("failed to mark contract paid",
		"escrow_id", e.ID, "contract_id", e.ContractID, "amount", e.Amount, "error", err)
	reconciliationRequired.WithLabelValues(string(CommitContractSync)).Inc()
	s.record(ctx, s.pendingCommit(e, e.Status, e.Status, e.ProcessorTransferRef, in, CommitContractSync, err))
}

func (s *Service) notifyTransition(ctx context.Context, e *Escrow, in intent) {
	switch in.op {
	case OpFund:
		s.notify(ctx, e.PayeeID, NotifyFunded, "Escrow funded",
			fmt.Sprintf("%s is now held in escrow for you.", e.Amount), e)
	case OpRelease:
		s.notify(ctx, e.PayeeID, NotifyReleased, "Payment released",
			fmt.Sprintf("%s released: %s platform fee, %s paid out to you.", e.Amount, e.PlatformFee, e.NetAmount), e)
	case OpDispute:
		s.notify(ctx, e.Counterparty(e.DisputedBy), NotifyDisputed, "Escrow disputed",
			"A dispute was opened: "+e.DisputeReason, e)
	case OpResolveRelease:
		body := fmt.Sprintf("The dispute was resolved in the payee's favour. %s paid out after a %s platform fee.", e.NetAmount, e.PlatformFee)
		s.notify(ctx, e.PayerID, NotifyResolved, "Dispute resolved", body, e)
		s.notify(ctx, e.PayeeID, NotifyResolved, "Dispute resolved", body, e)
	case OpResolveRefund:
		body := fmt.Sprintf("The dispute was resolved in the payer's favour. %s refunded.", e.Amount)
		s.notify(ctx, e.PayerID, NotifyRefunded, "Escrow refunded", body, e)
		s.notify(ctx, e.PayeeID, NotifyRefunded, "Escrow refunded", body, e)
	case OpCancel:
		s.notify(ctx, e.PayeeID, NotifyCancelled, "Escrow cancelled",
			fmt.Sprintf("The %s escrow was cancelled before funding.", e.Amount), e)
	}
}

func (s *Service) notify(ctx context.Context, userID, kind, title, body string, e *Escrow) {
	if s.notifier == nil || userID == "" {
		return
	}
	data := map[string]string{
		"escrowId":   e.ID,
		"contractId": e.ContractID,
		"status":     string(e.Status),
		"amount":     e.Amount,
	}
	if e.PlatformFee != "" {
		data["platformFee"] = e.PlatformFee
		data["netAmount"] = e.NetAmount
	}
	s.notifier.Notify(ctx, userID, kind, title, body, data)
}

func milestoneInRange(n int) func() *validation.ValidationError {
	return func() *validation.ValidationError {
		if n < 1 || n > maxMilestoneNum {
			return &validation.ValidationError{Field: "milestoneNumber", Message: fmt.Sprintf("must be between 1 and %d", maxMilestoneNum)}
		}
		return nil
	}
}

func splitFromCommit(pc *PendingCommit) *fees.Split {
	if pc.PlatformFee == "" || pc.NetAmount == "" {
		return nil
	}
	fee, err1 := decimal.NewFromString(pc.PlatformFee)
	net, err2 := decimal.NewFromString(pc.NetAmount)
	if err1 != nil || err2 != nil {
		return nil
	}
	return &fees.Split{Gross: fee.Add(net), Fee: fee, Net: net}
}

func mustAmount(e *Escrow) decimal.Decimal {
	return money.MustParse(e.Amount)
}
