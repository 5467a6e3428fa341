package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStoredEscrow(t *testing.T, store Store, id string, createdAt time.Time) *Escrow {
	t.Helper()
	e := &Escrow{
		ID:         id,
		ContractID: contractID,
		PayerID:    producerID,
		PayeeID:    talentID,
		Amount:     "100.00",
		Status:     StatusPending,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
	require.NoError(t, store.Create(context.Background(), e))
	return e
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	milestone := 1
	e := newStoredEscrow(t, store, "esc_1", now)
	e.MilestoneNumber = &milestone

	got, err := store.Get(context.Background(), "esc_1")
	require.NoError(t, err)
	got.Status = StatusCancelled

	again, _ := store.Get(context.Background(), "esc_1")
	assert.Equal(t, StatusPending, again.Status)
	assert.Nil(t, again.MilestoneNumber, "caller's struct must not alias the stored one")
}

func TestMemoryStore_TransitionCompareAndSet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	e := newStoredEscrow(t, store, "esc_1", time.Now())

	next := e.clone()
	next.Status = StatusFunded
	require.NoError(t, store.Transition(ctx, next, StatusPending))

	again := e.clone()
	again.Status = StatusCancelled
	assert.ErrorIs(t, store.Transition(ctx, again, StatusPending), ErrStaleStatus)

	missing := e.clone()
	missing.ID = "esc_missing"
	assert.ErrorIs(t, store.Transition(ctx, missing, StatusPending), ErrEscrowNotFound)

	got, _ := store.Get(ctx, "esc_1")
	assert.Equal(t, StatusFunded, got.Status)
}

func TestMemoryStore_RecordProcessorRefusal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	e := newStoredEscrow(t, store, "esc_1", time.Now())

	require.NoError(t, store.RecordProcessorRefusal(ctx, e.ID))
	require.NoError(t, store.RecordProcessorRefusal(ctx, e.ID))
	assert.ErrorIs(t, store.RecordProcessorRefusal(ctx, "esc_missing"), ErrEscrowNotFound)

	// A later transition keeps the count.
	next := e.clone()
	next.Status = StatusFunded
	require.NoError(t, store.Transition(ctx, next, StatusPending))

	got, _ := store.Get(ctx, e.ID)
	assert.Equal(t, 2, got.ProcessorAttempts)
	assert.Equal(t, StatusFunded, got.Status)
}

func TestMemoryStore_TransitionKeepsFirstValues(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	e := newStoredEscrow(t, store, "esc_1", time.Now())

	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	funded := e.clone()
	funded.Status = StatusFunded
	funded.FundedAt = &first
	funded.ProcessorChargeRef = "ch_first"
	require.NoError(t, store.Transition(ctx, funded, StatusPending))

	later := first.Add(time.Hour)
	disputed := funded.clone()
	disputed.Status = StatusDisputed
	disputed.FundedAt = &later
	disputed.ProcessorChargeRef = "ch_second"
	disputed.DisputedAt = &later
	disputed.DisputeReason = "Late delivery of all assets"
	require.NoError(t, store.Transition(ctx, disputed, StatusFunded))

	got, _ := store.Get(ctx, "esc_1")
	assert.Equal(t, StatusDisputed, got.Status)
	assert.True(t, got.FundedAt.Equal(first))
	assert.Equal(t, "ch_first", got.ProcessorChargeRef)
	assert.True(t, got.DisputedAt.Equal(later))
	assert.Equal(t, "Late delivery of all assets", got.DisputeReason)
}

func TestMemoryStore_ListByUser(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	newStoredEscrow(t, store, "esc_a", base)
	newStoredEscrow(t, store, "esc_b", base.Add(time.Minute))
	newStoredEscrow(t, store, "esc_c", base.Add(time.Minute)) // same instant as b, id breaks the tie
	other := &Escrow{ID: "esc_d", ContractID: "ctr_2", PayerID: "usr_x", PayeeID: producerID, Amount: "5.00",
		Status: StatusPending, CreatedAt: base.Add(2 * time.Minute)}
	require.NoError(t, store.Create(ctx, other))

	all, err := store.ListByUser(ctx, producerID, RoleAll, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"esc_d", "esc_c", "esc_b", "esc_a"}, ids(all))

	payerOnly, _ := store.ListByUser(ctx, producerID, RolePayer, nil, 10)
	assert.Equal(t, []string{"esc_c", "esc_b", "esc_a"}, ids(payerOnly))

	payeeOnly, _ := store.ListByUser(ctx, producerID, RolePayee, nil, 10)
	assert.Equal(t, []string{"esc_d"}, ids(payeeOnly))

	limited, _ := store.ListByUser(ctx, producerID, RoleAll, nil, 2)
	assert.Equal(t, []string{"esc_d", "esc_c"}, ids(limited))

	after := limited[len(limited)-1]
	rest, _ := store.ListByUser(ctx, producerID, RoleAll, cursorAfter(after), 10)
	assert.Equal(t, []string{"esc_b", "esc_a"}, ids(rest))
}

func TestMemoryStore_EarningsByStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	e := newStoredEscrow(t, store, "esc_1", time.Now())
	newStoredEscrow(t, store, "esc_2", time.Now())

	released := e.clone()
	released.Status = StatusReleased
	released.PlatformFee = "7.50"
	released.NetAmount = "92.50"
	require.NoError(t, store.Transition(ctx, released, StatusPending))

	totals, err := store.EarningsByStatus(ctx, talentID)
	require.NoError(t, err)
	assert.Equal(t, "100", totals[StatusPending].Gross.String())
	assert.Equal(t, 1, totals[StatusPending].Count)
	assert.Equal(t, "100", totals[StatusReleased].Gross.String())
	assert.Equal(t, "92.5", totals[StatusReleased].Net.String())

	none, err := store.EarningsByStatus(ctx, "usr_nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func ids(escrows []*Escrow) []string {
	out := make([]string, len(escrows))
	for i, e := range escrows {
		out[i] = e.ID
	}
	return out
}
