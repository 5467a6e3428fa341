package contracts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/castline/escrowd/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	producer = "usr_producer"
	talent   = "usr_talent"
)

func newTestService() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	return NewService(store), store
}

func propose(t *testing.T, svc *Service) *Contract {
	t.Helper()
	c, err := svc.Propose(context.Background(), producer, ProposeRequest{
		Title:    "  Lead role, pilot episode ",
		TalentID: talent,
		Rate:     "1500",
	})
	require.NoError(t, err)
	return c
}

func TestPropose(t *testing.T) {
	svc, _ := newTestService()
	c := propose(t, svc)

	assert.Contains(t, c.ID, "ctr_")
	assert.Equal(t, "Lead role, pilot episode", c.Title)
	assert.Equal(t, StatusProposed, c.Status)
	assert.Equal(t, PaymentUnpaid, c.PaymentStatus)
	assert.Equal(t, "0.00", c.PaidAmount)
	assert.Equal(t, "1500.00", c.Rate)
	assert.False(t, c.IsActive())
}

func TestProposeValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	tests := []struct {
		name  string
		req   ProposeRequest
		field string
	}{
		{"missing title", ProposeRequest{TalentID: talent}, "title"},
		{"missing talent", ProposeRequest{Title: "Pilot"}, "talentId"},
		{"bad talent id", ProposeRequest{Title: "Pilot", TalentID: "no spaces"}, "talentId"},
		{"bad rate", ProposeRequest{Title: "Pilot", TalentID: talent, Rate: "-4"}, "rate"},
		{"self contract", ProposeRequest{Title: "Pilot", TalentID: producer}, "talentId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Propose(ctx, producer, tt.req)
			details, ok := validation.AsErrors(err)
			require.True(t, ok, "expected validation error, got %v", err)
			assert.Equal(t, tt.field, details[0].Field)
		})
	}

	_, err := svc.Propose(ctx, "", ProposeRequest{Title: "Pilot", TalentID: talent})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAcceptFlow(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	c := propose(t, svc)

	_, err := svc.Accept(ctx, c.ID, producer)
	assert.ErrorIs(t, err, ErrUnauthorized)

	accepted, err := svc.Accept(ctx, c.ID, talent)
	require.NoError(t, err)
	assert.True(t, accepted.IsActive())
	require.NotNil(t, accepted.AcceptedAt)

	_, err = svc.Accept(ctx, c.ID, talent)
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = svc.Cancel(ctx, c.ID, producer)
	assert.ErrorIs(t, err, ErrInvalidStatus)

	done, err := svc.Complete(ctx, c.ID, producer)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
}

func TestCancelProposal(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	c := propose(t, svc)

	_, err := svc.Cancel(ctx, c.ID, talent)
	assert.ErrorIs(t, err, ErrUnauthorized)

	cancelled, err := svc.Cancel(ctx, c.ID, producer)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	_, err = svc.Complete(ctx, c.ID, producer)
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = svc.Accept(ctx, "ctr_missing", talent)
	assert.ErrorIs(t, err, ErrContractNotFound)
}

func TestSetPaymentStatus(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	c := propose(t, svc)

	require.NoError(t, svc.SetPaymentStatus(ctx, c.ID, PaymentPaid, "1000"))

	got, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentPaid, got.PaymentStatus)
	assert.Equal(t, "1000.00", got.PaidAmount)

	err = svc.SetPaymentStatus(ctx, c.ID, PaymentStatus("bogus"), "1")
	assert.ErrorIs(t, err, ErrInvalidPayment)
	err = svc.SetPaymentStatus(ctx, c.ID, PaymentPaid, "-1")
	assert.ErrorIs(t, err, ErrInvalidPayment)
	err = svc.SetPaymentStatus(ctx, "ctr_missing", PaymentPaid, "1")
	assert.ErrorIs(t, err, ErrContractNotFound)
}

func TestListByUser(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	svc.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	first := propose(t, svc)
	second := propose(t, svc)
	_, err := svc.Propose(ctx, "usr_other", ProposeRequest{Title: "Other", TalentID: "usr_else"})
	require.NoError(t, err)

	list, err := svc.ListByUser(ctx, talent, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)

	list, err = svc.ListByUser(ctx, producer, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	c := propose(t, svc)

	got, err := store.Get(ctx, c.ID)
	require.NoError(t, err)
	got.Status = StatusCompleted

	again, err := store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProposed, again.Status)

	err = store.Update(ctx, &Contract{ID: "ctr_missing"})
	assert.True(t, errors.Is(err, ErrContractNotFound))
}
