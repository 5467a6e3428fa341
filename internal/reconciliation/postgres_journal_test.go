//go:build integration

package reconciliation

import (
	"context"
	"testing"
	"time"

	"github.com/castline/escrowd/internal/escrow"
	"github.com/castline/escrowd/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresJournal(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	_, err := db.Exec(`
		INSERT INTO contracts (id, title, producer_id, talent_id, status)
		VALUES ($1, 'Pilot', $2, $3, 'active')`, contractID, producerID, talentID)
	require.NoError(t, err)
	require.NoError(t, escrow.NewPostgresStore(db).Create(ctx, &escrow.Escrow{
		ID: "esc_pg1", ContractID: contractID, PayerID: producerID, PayeeID: talentID,
		Amount: "100.00", Status: escrow.StatusFunded, CreatedAt: now, UpdatedAt: now,
	}))

	j := NewPostgresJournal(db)
	local := &escrow.PendingCommit{
		ID: "pc_1", EscrowID: "esc_pg1", Operation: escrow.OpRelease, Kind: escrow.CommitLocal,
		FromStatus: escrow.StatusFunded, ToStatus: escrow.StatusReleased,
		GatewayRef: "tr_1", PlatformFee: "7.50", NetAmount: "92.50", Actor: producerID,
		LastError: "connection reset", CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, j.Record(ctx, local))

	dup := *local
	dup.ID = "pc_2"
	assert.Error(t, j.Record(ctx, &dup), "second blocking entry must be rejected")

	got, err := j.OpenForEscrow(ctx, "esc_pg1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "7.50", got.PlatformFee)
	assert.Equal(t, "tr_1", got.GatewayRef)
	assert.Equal(t, escrow.OpRelease, got.Operation)

	require.NoError(t, j.MarkAttempt(ctx, "pc_1", "tr_other", "still down", now.Add(time.Minute)))
	got, err = j.OpenForEscrow(ctx, "esc_pg1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "tr_1", got.GatewayRef)
	assert.Equal(t, "still down", got.LastError)

	require.NoError(t, j.MarkResolved(ctx, "pc_1", now.Add(2*time.Minute)))
	require.NoError(t, j.MarkResolved(ctx, "pc_1", now.Add(3*time.Minute)))
	got, err = j.OpenForEscrow(ctx, "esc_pg1")
	require.NoError(t, err)
	assert.Nil(t, got)

	open, err := j.ListOpen(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, open)

	assert.ErrorIs(t, j.MarkResolved(ctx, "pc_missing", now), ErrCommitNotFound)
}
