//go:build integration

package escrow

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/castline/escrowd/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedContract(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO contracts (id, title, producer_id, talent_id, status)
		VALUES ($1, 'Pilot', $2, $3, 'active')`, id, producerID, talentID)
	require.NoError(t, err)
}

func pgEscrow(id string, created time.Time) *Escrow {
	return &Escrow{
		ID:         id,
		ContractID: contractID,
		PayerID:    producerID,
		PayeeID:    talentID,
		Amount:     "100.00",
		Status:     StatusPending,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func TestPostgresStore_CreateGetTransition(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	seedContract(t, db, contractID)

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	milestone := 2
	e := pgEscrow("esc_pg1", now)
	e.Description = "Episode one"
	e.MilestoneNumber = &milestone
	require.NoError(t, store.Create(ctx, e))

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "100.00", got.Amount)
	assert.Equal(t, StatusPending, got.Status)
	require.NotNil(t, got.MilestoneNumber)
	assert.Equal(t, 2, *got.MilestoneNumber)
	assert.Equal(t, "Episode one", got.Description)

	funded := got.clone()
	funded.Status = StatusFunded
	fundedAt := now.Add(time.Second)
	funded.FundedAt = &fundedAt
	funded.ProcessorChargeRef = "ch_1"
	funded.UpdatedAt = fundedAt
	require.NoError(t, store.Transition(ctx, funded, StatusPending))

	// Stale: stored status is funded now.
	err = store.Transition(ctx, funded, StatusPending)
	assert.ErrorIs(t, err, ErrStaleStatus)

	// Write-once columns keep their first value.
	released := funded.clone()
	released.Status = StatusReleased
	later := now.Add(time.Hour)
	released.FundedAt = &later
	released.ProcessorChargeRef = "ch_other"
	released.PlatformFee = "7.50"
	released.NetAmount = "92.50"
	released.ReleasedAt = &later
	require.NoError(t, store.Transition(ctx, released, StatusFunded))

	got, err = store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)
	assert.Equal(t, "ch_1", got.ProcessorChargeRef)
	assert.True(t, got.FundedAt.Equal(fundedAt))
	assert.Equal(t, "7.50", got.PlatformFee)
	assert.Equal(t, "92.50", got.NetAmount)

	assert.Zero(t, got.ProcessorAttempts)

	require.NoError(t, store.RecordProcessorRefusal(ctx, e.ID))
	got, err = store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ProcessorAttempts)
	assert.Equal(t, StatusReleased, got.Status)
	assert.ErrorIs(t, store.RecordProcessorRefusal(ctx, "esc_missing"), ErrEscrowNotFound)

	_, err = store.Get(ctx, "esc_missing")
	assert.True(t, errors.Is(err, ErrEscrowNotFound))
	err = store.Transition(ctx, pgEscrow("esc_missing", now), StatusPending)
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestPostgresStore_Listings(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	seedContract(t, db, contractID)

	store := NewPostgresStore(db)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	a := pgEscrow("esc_a", base)
	b := pgEscrow("esc_b", base.Add(time.Minute))
	c := pgEscrow("esc_c", base.Add(time.Minute))
	for _, e := range []*Escrow{a, b, c} {
		require.NoError(t, store.Create(ctx, e))
	}

	byContract, err := store.ListByContract(ctx, contractID)
	require.NoError(t, err)
	assert.Len(t, byContract, 3)

	page, err := store.ListByUser(ctx, talentID, RolePayee, nil, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"esc_c", "esc_b"}, ids(page))

	page, err = store.ListByUser(ctx, talentID, RoleAll, cursorAfter(page[1]), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"esc_a"}, ids(page))

	page, err = store.ListByUser(ctx, talentID, RolePayer, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, page)

	funded := a.clone()
	funded.Status = StatusFunded
	require.NoError(t, store.Transition(ctx, funded, StatusPending))

	totals, err := store.EarningsByStatus(ctx, talentID)
	require.NoError(t, err)
	assert.Equal(t, 2, totals[StatusPending].Count)
	assert.Equal(t, "200", totals[StatusPending].Gross.String())
	assert.Equal(t, 1, totals[StatusFunded].Count)
}
