package escrow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/castline/escrowd/internal/fees"
	"github.com/castline/escrowd/internal/pagination"
	"github.com/castline/escrowd/internal/processor"
)

const (
	producerID   = "usr_producer"
	talentID     = "usr_talent"
	arbitratorID = "usr_arbitrator"
	outsiderID   = "usr_outsider"
	contractID   = "ctr_1"
)

var (
	payer      = Caller{UserID: producerID}
	payee      = Caller{UserID: talentID}
	arbitrator = Caller{UserID: arbitratorID, Arbitrator: true}
	outsider   = Caller{UserID: outsiderID}
)

// fakeContracts is an in-memory ContractStore.
type fakeContracts struct {
	mu        sync.Mutex
	contracts map[string]*ContractInfo
	payments  map[string]paymentUpdate
	failSet   error
}

type paymentUpdate struct {
	status PaymentStatus
	amount string
}

func newFakeContracts() *fakeContracts {
	return &fakeContracts{
		contracts: map[string]*ContractInfo{
			contractID: {ID: contractID, Title: "Lead role, pilot episode", ProducerID: producerID, TalentID: talentID, Active: true},
		},
		payments: make(map[string]paymentUpdate),
	}
}

func (f *fakeContracts) GetContract(_ context.Context, id string) (*ContractInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contracts[id]
	if !ok {
		return nil, ErrContractNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeContracts) SetPaymentStatus(_ context.Context, id string, status PaymentStatus, amount string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet != nil {
		return f.failSet
	}
	f.payments[id] = paymentUpdate{status: status, amount: amount}
	return nil
}

func (f *fakeContracts) payment(id string) (paymentUpdate, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	return p, ok
}

// recordingNotifier captures notifications synchronously.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

type sentNotification struct {
	userID, kind, title, body string
	data                      map[string]string
}

func (r *recordingNotifier) Notify(_ context.Context, userID, kind, title, body string, data map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentNotification{userID, kind, title, body, data})
}

func (r *recordingNotifier) kinds(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.sent {
		if n.userID == userID {
			out = append(out, n.kind)
		}
	}
	return out
}

func (r *recordingNotifier) last(kind string) (sentNotification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.sent) - 1; i >= 0; i-- {
		if r.sent[i].kind == kind {
			return r.sent[i], true
		}
	}
	return sentNotification{}, false
}

// memJournal is an in-memory CommitJournal.
type memJournal struct {
	mu      sync.Mutex
	entries map[string]*PendingCommit
}

func newMemJournal() *memJournal {
	return &memJournal{entries: make(map[string]*PendingCommit)}
}

func (j *memJournal) Record(_ context.Context, pc *PendingCommit) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := *pc
	j.entries[pc.ID] = &cp
	return nil
}

func (j *memJournal) OpenForEscrow(_ context.Context, escrowID string) (*PendingCommit, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, pc := range j.entries {
		if pc.EscrowID == escrowID && pc.IsOpen() && pc.Kind.Blocking() {
			cp := *pc
			return &cp, nil
		}
	}
	return nil, nil
}

func (j *memJournal) ListOpen(_ context.Context, limit int) ([]*PendingCommit, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []*PendingCommit
	for _, pc := range j.entries {
		if pc.IsOpen() {
			cp := *pc
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (j *memJournal) MarkAttempt(_ context.Context, id, ref, lastErr string, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	pc, ok := j.entries[id]
	if !ok {
		return errors.New("no such commit")
	}
	pc.Attempts++
	if ref != "" {
		pc.GatewayRef = ref
	}
	pc.LastError = lastErr
	pc.UpdatedAt = at
	return nil
}

func (j *memJournal) MarkResolved(_ context.Context, id string, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	pc, ok := j.entries[id]
	if !ok {
		return errors.New("no such commit")
	}
	pc.ResolvedAt = &at
	return nil
}

func (j *memJournal) open() []*PendingCommit {
	out, _ := j.ListOpen(context.Background(), 1000)
	return out
}

// flakyStore fails Transition a set number of times before delegating.
type flakyStore struct {
	Store
	mu       sync.Mutex
	failures int
	err      error
	before   func(ctx context.Context, e *Escrow)
}

func (f *flakyStore) Transition(ctx context.Context, e *Escrow, from Status) error {
	f.mu.Lock()
	if hook := f.before; hook != nil {
		f.before = nil
		f.mu.Unlock()
		hook(ctx, e)
		f.mu.Lock()
	}
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return f.err
	}
	f.mu.Unlock()
	return f.Store.Transition(ctx, e, from)
}

func (f *flakyStore) failNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures, f.err = n, err
}

type fixture struct {
	store     *flakyStore
	gateway   *processor.Simulated
	contracts *fakeContracts
	notifier  *recordingNotifier
	journal   *memJournal
	svc       *Service
	clock     *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	calc, err := fees.NewCalculator(fees.DefaultRate)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		store:     &flakyStore{Store: NewMemoryStore()},
		gateway:   processor.NewSimulated(),
		contracts: newFakeContracts(),
		notifier:  &recordingNotifier{},
		journal:   newMemJournal(),
		clock:     &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.svc = NewService(f.store, f.gateway, calc, f.contracts).
		WithNotifier(f.notifier).
		WithJournal(f.journal).
		WithClock(f.clock.Now)
	return f
}

func (f *fixture) create(t *testing.T, amount string) *Escrow {
	t.Helper()
	e, err := f.svc.Create(context.Background(), payer, CreateRequest{ContractID: contractID, Amount: amount})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return e
}

func (f *fixture) funded(t *testing.T, amount string) *Escrow {
	t.Helper()
	e := f.create(t, amount)
	e, err := f.svc.Fund(context.Background(), payer, e.ID, FundRequest{})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	return e
}

func (f *fixture) disputed(t *testing.T, amount string) *Escrow {
	t.Helper()
	e := f.funded(t, amount)
	e, err := f.svc.Dispute(context.Background(), payee, e.ID, DisputeRequest{Reason: "Work was never delivered as agreed"})
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	return e
}

// inStatus drives a fresh escrow into status s.
func (f *fixture) inStatus(t *testing.T, s Status) *Escrow {
	t.Helper()
	ctx := context.Background()
	var (
		e   *Escrow
		err error
	)
	switch s {
	case StatusPending:
		return f.create(t, "100.00")
	case StatusFunded:
		return f.funded(t, "100.00")
	case StatusDisputed:
		return f.disputed(t, "100.00")
	case StatusReleased:
		e, err = f.svc.Release(ctx, payer, f.funded(t, "100.00").ID)
	case StatusResolved:
		e, err = f.svc.Resolve(ctx, arbitrator, f.disputed(t, "100.00").ID, ResolveRequest{Decision: DecisionRelease})
	case StatusRefunded:
		e, err = f.svc.Resolve(ctx, arbitrator, f.disputed(t, "100.00").ID, ResolveRequest{Decision: DecisionRefund})
	case StatusCancelled:
		e, err = f.svc.Cancel(ctx, payer, f.create(t, "100.00").ID)
	default:
		t.Fatalf("unknown status %s", s)
	}
	if err != nil {
		t.Fatalf("drive to %s: %v", s, err)
	}
	return e
}

// invoke runs op as the caller that is authorized for it.
func (f *fixture) invoke(ctx context.Context, op Operation, id string) (*Escrow, error) {
	switch op {
	case OpFund:
		return f.svc.Fund(ctx, payer, id, FundRequest{})
	case OpRelease:
		return f.svc.Release(ctx, payer, id)
	case OpDispute:
		return f.svc.Dispute(ctx, payer, id, DisputeRequest{Reason: "Deliverables do not match the brief"})
	case OpResolveRelease:
		return f.svc.Resolve(ctx, arbitrator, id, ResolveRequest{Decision: DecisionRelease})
	case OpResolveRefund:
		return f.svc.Resolve(ctx, arbitrator, id, ResolveRequest{Decision: DecisionRefund})
	case OpCancel:
		return f.svc.Cancel(ctx, payer, id)
	}
	return nil, errors.New("unknown operation")
}

func cursorAfter(e *Escrow) *pagination.Cursor {
	return &pagination.Cursor{CreatedAt: e.CreatedAt, ID: e.ID}
}
