//go:build integration

package contracts

import (
	"context"
	"testing"
	"time"

	"github.com/castline/escrowd/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	svc := NewService(store)
	ctx := context.Background()

	c, err := svc.Propose(ctx, producer, ProposeRequest{Title: "Pilot", TalentID: talent, Rate: "250.5"})
	require.NoError(t, err)

	got, err := store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProposed, got.Status)
	assert.Equal(t, "250.50", got.Rate)
	assert.Nil(t, got.AcceptedAt)

	_, err = svc.Accept(ctx, c.ID, talent)
	require.NoError(t, err)
	require.NoError(t, svc.SetPaymentStatus(ctx, c.ID, PaymentPaid, "92.5"))

	got, err = store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.NotNil(t, got.AcceptedAt)
	assert.Equal(t, PaymentPaid, got.PaymentStatus)
	assert.Equal(t, "92.50", got.PaidAmount)

	list, err := store.ListByUser(ctx, talent, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = store.Get(ctx, "ctr_missing")
	assert.ErrorIs(t, err, ErrContractNotFound)
	err = store.SetPaymentStatus(ctx, "ctr_missing", PaymentPaid, "1.00", time.Now())
	assert.ErrorIs(t, err, ErrContractNotFound)
}
