package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/mcclellann/lendTrack/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	loan := newPendingLoan(uuid.New())
	require.NoError(t, m.CreateLoan(ctx, loan))

	loan.AmountRepaid = decimal.NewFromInt(999)
	fetched, err := m.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, fetched.AmountRepaid.IsZero(), "caller mutation leaked into the store")

	fetched.Payments = append(fetched.Payments, newTestPayment(loan.ID, "1"))
	again, _ := m.GetLoan(ctx, loan.ID)
	assert.Empty(t, again.Payments)
}

func TestMemoryStore_AssignAndUpdate(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	loan := newPendingLoan(uuid.New())
	require.NoError(t, m.CreateLoan(ctx, loan))

	claim := *loan
	assignTo(&claim, uuid.New())
	require.NoError(t, m.AssignBorrower(ctx, &claim))
	assert.Equal(t, int64(1), claim.Version)

	rival := *loan
	assignTo(&rival, uuid.New())
	assert.ErrorIs(t, m.AssignBorrower(ctx, &rival), ErrAlreadyAssigned)

	stale := claim
	p := newTestPayment(loan.ID, "100")
	claim.AmountRepaid = p.Amount
	require.NoError(t, m.UpdateLoan(ctx, &claim, p))
	assert.ErrorIs(t, m.UpdateLoan(ctx, &stale, newTestPayment(loan.ID, "5")), ErrVersionConflict)

	stored, err := m.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	require.Len(t, stored.Payments, 1)
	assert.True(t, stored.AmountRepaid.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, models.LoanStatusActive, stored.Status)
}

func TestMemoryStore_ListAndDelete(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	lender, borrower := uuid.New(), uuid.New()

	open := newPendingLoan(lender)
	taken := newPendingLoan(lender)
	require.NoError(t, m.CreateLoan(ctx, open))
	require.NoError(t, m.CreateLoan(ctx, taken))
	assignTo(taken, borrower)
	require.NoError(t, m.AssignBorrower(ctx, taken))

	unassigned, err := m.ListLoans(ctx, LoanFilter{Unassigned: true})
	require.NoError(t, err)
	require.Len(t, unassigned, 1)
	assert.Equal(t, open.ID, unassigned[0].ID)

	mine, _ := m.ListLoans(ctx, LoanFilter{ParticipantID: &borrower})
	require.Len(t, mine, 1)
	assert.Equal(t, taken.ID, mine[0].ID)

	require.NoError(t, m.DeleteLoan(ctx, open.ID))
	assert.ErrorIs(t, m.DeleteLoan(ctx, open.ID), ErrNotFound)
	_, err = m.GetLoan(ctx, open.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ListOrderIsInsertionOrderForEqualTimes(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	lender := uuid.New()

	first := newPendingLoan(lender)
	var want []uuid.UUID
	for i := 0; i < 20; i++ {
		loan := newPendingLoan(lender)
		loan.CreatedAt = first.CreatedAt
		require.NoError(t, m.CreateLoan(ctx, loan))
		want = append(want, loan.ID)
	}

	for i := 0; i < 5; i++ {
		loans, err := m.ListLoans(ctx, LoanFilter{})
		require.NoError(t, err)
		got := make([]uuid.UUID, 0, len(loans))
		for _, l := range loans {
			got = append(got, l.ID)
		}
		assert.Equal(t, want, got)
	}
}
