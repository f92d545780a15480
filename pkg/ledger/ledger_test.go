package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/lendTrack/pkg/apperr"
	"github.com/mcclellann/lendTrack/pkg/models"
	"github.com/mcclellann/lendTrack/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var fixedNow = time.Date(2026, time.March, 1, 9, 30, 0, 0, time.UTC)

func newTestLedger(t *testing.T, s store.Storage, opts ...Option) *Ledger {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t)), WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewLedger(s, opts...)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func validDocs() models.IdentityDocs {
	return models.IdentityDocs{
		AadharNumber:  "123456789012",
		PanCardNumber: "ABCDE1234F",
		MobileNumber:  "+919876543210",
		DocumentImage: "/uploads/1700000000000-id.png",
	}
}

// createLoan publishes a 10000 @ 12% simple loan due 30 days after fixedNow's date,
// which prices at 10098.63.
func createLoan(t *testing.T, l *Ledger, lender uuid.UUID) *models.Loan {
	t.Helper()
	loan, err := l.CreateLoan(context.Background(), CreateLoanInput{
		LenderID: lender,
		LoanTerms: LoanTerms{
			PrincipalAmount: dec("10000"),
			InterestRate:    dec("12"),
			InterestType:    models.InterestTypeSimple,
			DueDate:         fixedNow.Add(30*24*time.Hour - 9*time.Hour),
		},
	})
	require.NoError(t, err)
	return loan
}

func activeLoan(t *testing.T, l *Ledger) (*models.Loan, uuid.UUID) {
	t.Helper()
	loan := createLoan(t, l, uuid.New())
	borrower := uuid.New()
	loan, err := l.ApplyForLoan(context.Background(), loan.ID, borrower, validDocs())
	require.NoError(t, err)
	return loan, borrower
}

func TestCreateLoan(t *testing.T) {
	s := store.NewMemoryStore()
	l := newTestLedger(t, s)
	lender := uuid.New()

	loan := createLoan(t, l, lender)

	assert.Equal(t, lender, loan.LenderID)
	assert.Nil(t, loan.BorrowerID)
	assert.Equal(t, models.LoanStatusPending, loan.Status)
	assert.Equal(t, "10098.63", loan.TotalRepayableAmount.StringFixed(2))
	assert.True(t, loan.AmountRepaid.IsZero())
	assert.Equal(t, fixedNow, loan.QuotedAt)
	assert.Equal(t, time.Date(2026, time.March, 31, 0, 0, 0, 0, time.UTC), loan.DueDate)

	stored, err := s.GetLoan(context.Background(), loan.ID)
	require.NoError(t, err)
	assert.True(t, stored.TotalRepayableAmount.Equal(loan.TotalRepayableAmount))
}

func TestCreateLoan_Compound(t *testing.T) {
	l := newTestLedger(t, store.NewMemoryStore())

	loan, err := l.CreateLoan(context.Background(), CreateLoanInput{
		LenderID: uuid.New(),
		LoanTerms: LoanTerms{
			PrincipalAmount: dec("10000"),
			InterestRate:    dec("12"),
			InterestType:    models.InterestTypeCompound,
			DueDate:         time.Date(2026, time.March, 31, 0, 0, 0, 0, time.UTC),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "10099.10", loan.TotalRepayableAmount.StringFixed(2))
}

func TestCreateLoan_Validation(t *testing.T) {
	l := newTestLedger(t, store.NewMemoryStore())
	future := fixedNow.AddDate(0, 1, 0)

	tests := []struct {
		name  string
		input CreateLoanInput
		want  string
	}{
		{
			name:  "zero principal",
			input: CreateLoanInput{LenderID: uuid.New(), LoanTerms: LoanTerms{PrincipalAmount: decimal.Zero, InterestRate: dec("5"), InterestType: models.InterestTypeSimple, DueDate: future}},
			want:  "principal_amount",
		},
		{
			name:  "sub-cent principal",
			input: CreateLoanInput{LenderID: uuid.New(), LoanTerms: LoanTerms{PrincipalAmount: dec("0.004"), InterestRate: dec("12"), InterestType: models.InterestTypeSimple, DueDate: future}},
			want:  "at most 2 decimal places",
		},
		{
			name:  "principal with fractional cents",
			input: CreateLoanInput{LenderID: uuid.New(), LoanTerms: LoanTerms{PrincipalAmount: dec("100.004"), InterestRate: dec("0.001"), InterestType: models.InterestTypeSimple, DueDate: fixedNow.AddDate(0, 0, 2)}},
			want:  "at most 2 decimal places",
		},
		{
			name:  "negative rate",
			input: CreateLoanInput{LenderID: uuid.New(), LoanTerms: LoanTerms{PrincipalAmount: dec("100"), InterestRate: dec("-1"), InterestType: models.InterestTypeSimple, DueDate: future}},
			want:  "interest_rate",
		},
		{
			name:  "unknown interest type",
			input: CreateLoanInput{LenderID: uuid.New(), LoanTerms: LoanTerms{PrincipalAmount: dec("100"), InterestRate: dec("5"), InterestType: "annuity", DueDate: future}},
			want:  "interest_type",
		},
		{
			name:  "missing lender",
			input: CreateLoanInput{LoanTerms: LoanTerms{PrincipalAmount: dec("100"), InterestRate: dec("5"), InterestType: models.InterestTypeSimple, DueDate: future}},
			want:  "lender_id",
		},
		{
			name:  "due date today",
			input: CreateLoanInput{LenderID: uuid.New(), LoanTerms: LoanTerms{PrincipalAmount: dec("100"), InterestRate: dec("5"), InterestType: models.InterestTypeSimple, DueDate: fixedNow}},
			want:  "must be in the future",
		},
		{
			name:  "due date in the past",
			input: CreateLoanInput{LenderID: uuid.New(), LoanTerms: LoanTerms{PrincipalAmount: dec("100"), InterestRate: dec("5"), InterestType: models.InterestTypeCompound, DueDate: fixedNow.AddDate(0, 0, -3)}},
			want:  "must be in the future",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loan, err := l.CreateLoan(context.Background(), tt.input)
			require.Error(t, err)
			assert.Nil(t, loan)
			assert.ErrorIs(t, err, apperr.ErrValidation)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestQuote_MatchesCreatedLoan(t *testing.T) {
	l := newTestLedger(t, store.NewMemoryStore())
	terms := LoanTerms{
		PrincipalAmount: dec("5000"),
		InterestRate:    dec("18"),
		InterestType:    models.InterestTypeCompound,
		DueDate:         time.Date(2026, time.May, 30, 0, 0, 0, 0, time.UTC),
	}

	q, err := l.Quote(terms)
	require.NoError(t, err)

	loan, err := l.CreateLoan(context.Background(), CreateLoanInput{LenderID: uuid.New(), LoanTerms: terms})
	require.NoError(t, err)

	assert.True(t, q.TotalRepayable.Equal(loan.TotalRepayableAmount))
	assert.Equal(t, 90, q.Days)
}

func TestQuote_RejectsFractionalCentPrincipal(t *testing.T) {
	l := newTestLedger(t, store.NewMemoryStore())

	for _, principal := range []string{"0.004", "100.004"} {
		_, err := l.Quote(LoanTerms{
			PrincipalAmount: dec(principal),
			InterestRate:    dec("12"),
			InterestType:    models.InterestTypeSimple,
			DueDate:         fixedNow.AddDate(0, 0, 30),
		})
		assert.ErrorIs(t, err, apperr.ErrValidation, principal)
	}
}

func TestCreateLoan_TotalNeverBelowPrincipal(t *testing.T) {
	l := newTestLedger(t, store.NewMemoryStore())

	tests := []struct {
		principal string
		rate      string
		kind      models.InterestType
		days      int
	}{
		{"0.01", "12", models.InterestTypeSimple, 30},
		{"0.01", "0.001", models.InterestTypeCompound, 1},
		{"100.01", "0.001", models.InterestTypeSimple, 2},
		{"99999.99", "0.5", models.InterestTypeCompound, 400},
	}

	for _, tt := range tests {
		loan, err := l.CreateLoan(context.Background(), CreateLoanInput{
			LenderID: uuid.New(),
			LoanTerms: LoanTerms{
				PrincipalAmount: dec(tt.principal),
				InterestRate:    dec(tt.rate),
				InterestType:    tt.kind,
				DueDate:         fixedNow.AddDate(0, 0, tt.days),
			},
		})
		require.NoError(t, err)
		assert.True(t, loan.TotalRepayableAmount.GreaterThanOrEqual(loan.PrincipalAmount),
			"%s priced at %s", tt.principal, loan.TotalRepayableAmount)

		assigned, err := l.ApplyForLoan(context.Background(), loan.ID, uuid.New(), validDocs())
		require.NoError(t, err)
		assert.Equal(t, models.LoanStatusActive, assigned.Status)
	}
}

func TestApplyForLoan(t *testing.T) {
	l := newTestLedger(t, store.NewMemoryStore())
	loan := createLoan(t, l, uuid.New())
	borrower := uuid.New()

	applied, err := l.ApplyForLoan(context.Background(), loan.ID, borrower, validDocs())
	require.NoError(t, err)

	require.NotNil(t, applied.BorrowerID)
	assert.Equal(t, borrower, *applied.BorrowerID)
	assert.Equal(t, models.LoanStatusActive, applied.Status)
	assert.Equal(t, "ABCDE1234F", applied.PanCardNumber)
	assert.Equal(t, "/uploads/1700000000000-id.png", applied.DocumentImage)

	unassigned, err := l.ListUnassigned(context.Background())
	require.NoError(t, err)
	assert.Empty(t, unassigned)

	_, err = l.ApplyForLoan(context.Background(), loan.ID, uuid.New(), validDocs())
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestApplyForLoan_Rejections(t *testing.T) {
	l := newTestLedger(t, store.NewMemoryStore())
	lender := uuid.New()
	loan := createLoan(t, l, lender)

	_, err := l.ApplyForLoan(context.Background(), uuid.New(), uuid.New(), validDocs())
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = l.ApplyForLoan(context.Background(), loan.ID, lender, validDocs())
	assert.ErrorIs(t, err, apperr.ErrValidation)

	bad := validDocs()
	bad.PanCardNumber = "abcde1234f"
	_, err = l.ApplyForLoan(context.Background(), loan.ID, uuid.New(), bad)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Contains(t, err.Error(), "pan_card_number")

	bad = validDocs()
	bad.AadharNumber = "1234"
	bad.DocumentImage = ""
	_, err = l.ApplyForLoan(context.Background(), loan.ID, uuid.New(), bad)
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Contains(t, err.Error(), "aadhar_number")
	assert.Contains(t, err.Error(), "document_image")

	bad = validDocs()
	bad.MobileNumber = "12345"
	_, err = l.ApplyForLoan(context.Background(), loan.ID, uuid.New(), bad)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	stored, _ := l.GetLoan(context.Background(), loan.ID)
	assert.Nil(t, stored.BorrowerID, "rejected applications must not claim the loan")
}

func TestValidateApplication(t *testing.T) {
	l := newTestLedger(t, store.NewMemoryStore())
	ctx := context.Background()
	lender := uuid.New()
	loan := createLoan(t, l, lender)

	noDocument := validDocs()
	noDocument.DocumentImage = ""
	require.NoError(t, l.ValidateApplication(ctx, loan.ID, uuid.New(), noDocument))

	bad := noDocument
	bad.AadharNumber = "123"
	err := l.ValidateApplication(ctx, loan.ID, uuid.New(), bad)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Contains(t, err.Error(), "aadhar_number")
	assert.NotContains(t, err.Error(), "document_image")

	assert.ErrorIs(t, l.ValidateApplication(ctx, loan.ID, lender, noDocument), apperr.ErrValidation)
	assert.ErrorIs(t, l.ValidateApplication(ctx, loan.ID, uuid.Nil, noDocument), apperr.ErrValidation)
	assert.ErrorIs(t, l.ValidateApplication(ctx, uuid.New(), uuid.New(), noDocument), apperr.ErrNotFound)

	_, err = l.ApplyForLoan(ctx, loan.ID, uuid.New(), validDocs())
	require.NoError(t, err)
	assert.ErrorIs(t, l.ValidateApplication(ctx, loan.ID, uuid.New(), noDocument), apperr.ErrConflict)
}

func TestApplyForLoan_ConcurrentApplicantsOneWins(t *testing.T) {
	l := newTestLedger(t, store.NewMemoryStore())
	loan := createLoan(t, l, uuid.New())

	const applicants = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []uuid.UUID
		conflicts int
	)
	for i := 0; i < applicants; i++ {
		borrower := uuid.New()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.ApplyForLoan(context.Background(), loan.ID, borrower, validDocs())
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, borrower)
				return
			}
			if errors.Is(err, apperr.ErrConflict) {
				conflicts++
				return
			}
			t.Errorf("unexpected error: %v", err)
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, applicants-1, conflicts)

	stored, err := l.GetLoan(context.Background(), loan.ID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], *stored.BorrowerID)
}

func TestPostPayment_CompletesWithSurplus(t *testing.T) {
	l := newTestLedger(t, store.NewMemoryStore())
	loan, _ := activeLoan(t, l)

	loan, err := l.PostPayment(context.Background(), loan.ID, dec("9000"))
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusActive, loan.Status)

	loan, err = l.PostPayment(context.Background(), loan.ID, dec("1200"))
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusCompleted, loan.Status)
	assert.Equal(t, "10200.00", loan.AmountRepaid.StringFixed(2))
	assert.Equal(t, "101.37", loan.Surplus().StringFixed(2))
	require.Len(t, loan.Payments, 2)
	assert.Equal(t, fixedNow, loan.Payments[1].PaymentDate)

	_, err = l.PostPayment(context.Background(), loan.ID, dec("1"))
	assert.ErrorIs(t, err, apperr.ErrConflict)

	stored, _ := l.GetLoan(context.Background(), loan.ID)
	assert.Equal(t, models.LoanStatusCompleted, stored.Status)
	assert.Len(t, stored.Payments, 2)
}

func TestPostPayment_ExactAmountCompletes(t *testing.T) {
	l := newTestLedger(t, store.NewMemoryStore())
	loan, _ := activeLoan(t, l)

	loan, err := l.PostPayment(context.Background(), loan.ID, loan.TotalRepayableAmount)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusCompleted, loan.Status)
	assert.True(t, loan.Surplus().IsZero())
}

func TestPostPayment_Rejections(t *testing.T) {
	l := newTestLedger(t, store.NewMemoryStore())
	loan, _ := activeLoan(t, l)

	for _, amount := range []string{"0", "-10", "0.001"} {
		_, err := l.PostPayment(context.Background(), loan.ID, dec(amount))
		assert.ErrorIs(t, err, apperr.ErrValidation, "amount %s", amount)
	}

	_, err := l.PostPayment(context.Background(), uuid.New(), dec("10"))
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	pending := createLoan(t, l, uuid.New())
	_, err = l.PostPayment(context.Background(), pending.ID, dec("10"))
	assert.ErrorIs(t, err, apperr.ErrState)

	stored, _ := l.GetLoan(context.Background(), loan.ID)
	assert.Empty(t, stored.Payments)
	assert.True(t, stored.AmountRepaid.IsZero())
}

func TestPostPayment_ConcurrentPaymentsAreNotLost(t *testing.T) {
	l := newTestLedger(t, store.NewMemoryStore(), WithMaxRetries(100))
	loan, _ := activeLoan(t, l)

	const payers = 40
	var wg sync.WaitGroup
	for i := 0; i < payers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.PostPayment(context.Background(), loan.ID, dec("10.25"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := l.GetLoan(context.Background(), loan.ID)
	require.NoError(t, err)
	require.Len(t, stored.Payments, payers)

	sum := decimal.Zero
	for _, p := range stored.Payments {
		sum = sum.Add(p.Amount)
	}
	assert.True(t, stored.AmountRepaid.Equal(sum), "repaid %s != sum of payments %s", stored.AmountRepaid, sum)
	assert.Equal(t, "410.00", stored.AmountRepaid.StringFixed(2))
}

// racingStore lets another writer slip in before the first few updates land.
type racingStore struct {
	*store.MemoryStore
	races int
}

func (r *racingStore) UpdateLoan(ctx context.Context, loan *models.Loan, newPayments ...models.Payment) error {
	if r.races > 0 {
		r.races--
		competing, err := r.MemoryStore.GetLoan(ctx, loan.ID)
		if err != nil {
			return err
		}
		p := models.Payment{ID: uuid.New(), LoanID: loan.ID, Amount: decimal.NewFromInt(1), PaymentDate: fixedNow}
		competing.AmountRepaid = competing.AmountRepaid.Add(p.Amount)
		if err := r.MemoryStore.UpdateLoan(ctx, competing, p); err != nil {
			return err
		}
	}
	return r.MemoryStore.UpdateLoan(ctx, loan, newPayments...)
}

func TestPostPayment_RetriesAfterLosingRace(t *testing.T) {
	rs := &racingStore{MemoryStore: store.NewMemoryStore()}
	l := newTestLedger(t, rs)
	loan, _ := activeLoan(t, l)

	rs.races = 2
	loan, err := l.PostPayment(context.Background(), loan.ID, dec("100"))
	require.NoError(t, err)

	assert.Len(t, loan.Payments, 3)
	assert.Equal(t, "102.00", loan.AmountRepaid.StringFixed(2))
}

func TestPostPayment_GivesUpAfterMaxRetries(t *testing.T) {
	rs := &racingStore{MemoryStore: store.NewMemoryStore()}
	l := newTestLedger(t, rs, WithMaxRetries(2))
	loan, _ := activeLoan(t, l)

	rs.races = 5
	_, err := l.PostPayment(context.Background(), loan.ID, dec("100"))
	assert.ErrorIs(t, err, apperr.ErrConflict)

	stored, _ := l.GetLoan(context.Background(), loan.ID)
	for _, p := range stored.Payments {
		assert.False(t, p.Amount.Equal(dec("100")), "payment must not be stored after giving up")
	}
}

func TestMarkDefaulted(t *testing.T) {
	l := newTestLedger(t, store.NewMemoryStore())
	loan, borrower := activeLoan(t, l)

	_, err := l.MarkDefaulted(context.Background(), loan.ID, borrower)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	loan, err = l.PostPayment(context.Background(), loan.ID, dec("500"))
	require.NoError(t, err)

	defaulted, err := l.MarkDefaulted(context.Background(), loan.ID, loan.LenderID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusDefaulted, defaulted.Status)
	require.NotNil(t, defaulted.DefaultedAt)
	assert.Equal(t, "9598.63", defaulted.Outstanding().StringFixed(2))

	_, err = l.PostPayment(context.Background(), loan.ID, dec("10"))
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = l.MarkDefaulted(context.Background(), loan.ID, loan.LenderID)
	assert.ErrorIs(t, err, apperr.ErrState)
}

func TestMarkDefaulted_OnlyActiveLoans(t *testing.T) {
	l := newTestLedger(t, store.NewMemoryStore())
	lender := uuid.New()

	pending := createLoan(t, l, lender)
	_, err := l.MarkDefaulted(context.Background(), pending.ID, lender)
	assert.ErrorIs(t, err, apperr.ErrState)

	completed, _ := activeLoan(t, l)
	_, err = l.PostPayment(context.Background(), completed.ID, dec("20000"))
	require.NoError(t, err)
	_, err = l.MarkDefaulted(context.Background(), completed.ID, completed.LenderID)
	assert.ErrorIs(t, err, apperr.ErrState)

	_, err = l.MarkDefaulted(context.Background(), uuid.New(), lender)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestListings(t *testing.T) {
	l := newTestLedger(t, store.NewMemoryStore())
	lender := uuid.New()

	open := createLoan(t, l, lender)
	claimed := createLoan(t, l, lender)
	borrower := uuid.New()
	_, err := l.ApplyForLoan(context.Background(), claimed.ID, borrower, validDocs())
	require.NoError(t, err)

	all, err := l.ListLoans(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)

	unassigned, err := l.ListUnassigned(context.Background())
	require.NoError(t, err)
	require.Len(t, unassigned, 1)
	assert.Equal(t, open.ID, unassigned[0].ID)

	mine, err := l.ListByParticipant(context.Background(), borrower)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, claimed.ID, mine[0].ID)

	none, err := l.ListByParticipant(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestDeleteLoan(t *testing.T) {
	l := newTestLedger(t, store.NewMemoryStore())
	loan := createLoan(t, l, uuid.New())

	require.NoError(t, l.DeleteLoan(context.Background(), loan.ID))
	_, err := l.GetLoan(context.Background(), loan.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.ErrorIs(t, l.DeleteLoan(context.Background(), loan.ID), apperr.ErrNotFound)
}
