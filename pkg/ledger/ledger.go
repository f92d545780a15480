package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mcclellann/lendTrack/pkg/apperr"
	"github.com/mcclellann/lendTrack/pkg/interest"
	"github.com/mcclellann/lendTrack/pkg/models"
	"github.com/mcclellann/lendTrack/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultMaxRetries = 5

// LoanTerms are the lender-chosen inputs to the repayment calculation.
type LoanTerms struct {
	PrincipalAmount decimal.Decimal     `json:"principal_amount" validate:"gt=0"`
	InterestRate    decimal.Decimal     `json:"interest_rate" validate:"gt=0"`
	InterestType    models.InterestType `json:"interest_type" validate:"required,oneof=simple compound"`
	DueDate         time.Time           `json:"due_date" validate:"required"`
}

// CreateLoanInput is a lender's new loan offer.
type CreateLoanInput struct {
	LenderID uuid.UUID `json:"lender_id" validate:"required"`
	LoanTerms
}

// Ledger handles the business logic for loans and payments.
type Ledger struct {
	storage    store.Storage
	logger     *zap.Logger
	validate   *validator.Validate
	now        func() time.Time
	maxRetries int
}

type Option func(*Ledger)

func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithMaxRetries bounds how often a mutation is retried after losing an
// optimistic-concurrency race.
func WithMaxRetries(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxRetries = n
		}
	}
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		storage:    s,
		logger:     zap.NewNop(),
		validate:   newValidator(),
		now:        time.Now,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Quote prices terms as of now without persisting anything.
func (l *Ledger) Quote(terms LoanTerms) (interest.Quote, error) {
	if err := l.validateTerms(terms, terms); err != nil {
		return interest.Quote{}, err
	}
	return l.quote(terms)
}

func (l *Ledger) quote(terms LoanTerms) (interest.Quote, error) {
	due := calendarDate(terms.DueDate)
	q, ok := interest.NewQuote(terms.PrincipalAmount, terms.InterestRate, terms.InterestType, due, l.now())
	if !ok {
		return interest.Quote{}, apperr.Validationf("due date %s must be in the future", due.Format(models.DateLayout))
	}
	return q, nil
}

// CreateLoan publishes a new unassigned loan offer. The repayable total is computed
// here, from the server clock, and never recomputed afterwards.
func (l *Ledger) CreateLoan(ctx context.Context, in CreateLoanInput) (*models.Loan, error) {
	if err := l.validateTerms(in, in.LoanTerms); err != nil {
		return nil, err
	}
	q, err := l.quote(in.LoanTerms)
	if err != nil {
		return nil, err
	}

	loan := &models.Loan{
		ID:                   uuid.New(),
		LenderID:             in.LenderID,
		PrincipalAmount:      in.PrincipalAmount,
		InterestRate:         in.InterestRate,
		InterestType:         in.InterestType,
		DueDate:              calendarDate(in.DueDate),
		TotalRepayableAmount: q.TotalRepayable,
		QuotedAt:             q.AsOf,
		AmountRepaid:         decimal.Zero,
		Payments:             []models.Payment{},
		CreatedAt:            q.AsOf,
		UpdatedAt:            q.AsOf,
	}
	loan.Status = models.DeriveStatus(loan)

	if err := l.storage.CreateLoan(ctx, loan); err != nil {
		return nil, fmt.Errorf("failed to store loan: %w", err)
	}

	l.logger.Info("loan created",
		zap.String("loan_id", loan.ID.String()),
		zap.String("lender_id", loan.LenderID.String()),
		zap.String("interest_type", string(loan.InterestType)),
		zap.String("total_repayable", loan.TotalRepayableAmount.StringFixed(2)),
		zap.Int("days", q.Days),
	)
	return loan, nil
}

// ValidateApplication runs every check ApplyForLoan makes except the atomic
// assignment, ignoring the document reference. Callers use it to reject an
// application before storing its upload.
func (l *Ledger) ValidateApplication(ctx context.Context, loanID, borrowerID uuid.UUID, docs models.IdentityDocs) error {
	if borrowerID == uuid.Nil {
		return apperr.Validationf("borrower is required")
	}
	if err := l.validate.StructExcept(docs, "DocumentImage"); err != nil {
		return validationError(err)
	}
	_, err := l.assignable(ctx, loanID, borrowerID)
	return err
}

// assignable loads the loan and checks that borrowerID may still take it.
func (l *Ledger) assignable(ctx context.Context, loanID, borrowerID uuid.UUID) (*models.Loan, error) {
	loan, err := l.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.LenderID == borrowerID {
		return nil, apperr.Validationf("lender cannot apply for their own loan")
	}
	if loan.BorrowerID != nil {
		return nil, apperr.Conflictf("loan %s is already assigned", loanID)
	}
	return loan, nil
}

// ApplyForLoan assigns an unassigned loan to borrowerID and activates it. Exactly one
// of several concurrent applicants succeeds; the rest get a conflict error.
func (l *Ledger) ApplyForLoan(ctx context.Context, loanID, borrowerID uuid.UUID, docs models.IdentityDocs) (*models.Loan, error) {
	if borrowerID == uuid.Nil {
		return nil, apperr.Validationf("borrower is required")
	}
	if err := l.validate.Struct(docs); err != nil {
		return nil, validationError(err)
	}

	loan, err := l.assignable(ctx, loanID, borrowerID)
	if err != nil {
		return nil, err
	}

	loan.BorrowerID = &borrowerID
	loan.AadharNumber = docs.AadharNumber
	loan.PanCardNumber = docs.PanCardNumber
	loan.MobileNumber = docs.MobileNumber
	loan.DocumentImage = docs.DocumentImage
	loan.UpdatedAt = l.now()
	loan.Status = models.DeriveStatus(loan)

	if err := l.storage.AssignBorrower(ctx, loan); err != nil {
		switch {
		case errors.Is(err, store.ErrAlreadyAssigned):
			return nil, apperr.Conflictf("loan %s is already assigned", loanID)
		case errors.Is(err, store.ErrNotFound):
			return nil, apperr.NotFoundf("loan %s not found", loanID)
		default:
			return nil, fmt.Errorf("failed to assign loan: %w", err)
		}
	}

	l.logger.Info("loan assigned",
		zap.String("loan_id", loan.ID.String()),
		zap.String("borrower_id", borrowerID.String()),
		zap.String("status", string(loan.Status)),
	)
	return loan, nil
}

// PostPayment records a repayment against an assigned loan. Overpayment is kept as
// surplus. Once the repaid total reaches the repayable total the loan is completed
// and accepts no further payments.
func (l *Ledger) PostPayment(ctx context.Context, loanID uuid.UUID, amount decimal.Decimal) (*models.Loan, error) {
	if !amount.IsPositive() {
		return nil, apperr.Validationf("payment amount must be positive")
	}
	if !wholeCents(amount) {
		return nil, apperr.Validationf("payment amount must have at most 2 decimal places")
	}

	loan, err := l.mutate(ctx, loanID, func(loan *models.Loan, now time.Time) ([]models.Payment, error) {
		switch {
		case loan.Status.Terminal():
			return nil, apperr.Conflictf("loan %s is %s and accepts no payments", loan.ID, loan.Status)
		case loan.BorrowerID == nil:
			return nil, apperr.Statef("loan %s has no borrower yet", loan.ID)
		}

		p := models.Payment{
			ID:          uuid.New(),
			LoanID:      loan.ID,
			Amount:      amount,
			PaymentDate: now,
		}
		loan.Payments = append(loan.Payments, p)
		loan.AmountRepaid = loan.AmountRepaid.Add(amount)
		return []models.Payment{p}, nil
	})
	if err != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.String("loan_id", loan.ID.String()),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("amount_repaid", loan.AmountRepaid.StringFixed(2)),
		zap.String("status", string(loan.Status)),
	}
	if loan.Status == models.LoanStatusCompleted {
		fields = append(fields, zap.String("surplus", loan.Surplus().StringFixed(2)))
	}
	l.logger.Info("payment posted", fields...)
	return loan, nil
}

// MarkDefaulted lets the lender close an active loan as defaulted. It is terminal.
func (l *Ledger) MarkDefaulted(ctx context.Context, loanID, lenderID uuid.UUID) (*models.Loan, error) {
	loan, err := l.mutate(ctx, loanID, func(loan *models.Loan, now time.Time) ([]models.Payment, error) {
		if loan.LenderID != lenderID {
			return nil, apperr.Forbiddenf("only the lender can mark loan %s as defaulted", loan.ID)
		}
		if loan.Status != models.LoanStatusActive || loan.BorrowerID == nil {
			return nil, apperr.Statef("cannot mark a %s loan as defaulted", loan.Status)
		}
		loan.DefaultedAt = &now
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Warn("loan defaulted",
		zap.String("loan_id", loan.ID.String()),
		zap.String("outstanding", loan.Outstanding().StringFixed(2)),
	)
	return loan, nil
}

// mutate runs change against a fresh copy of the loan, re-derives its status and
// writes it back guarded by the version that was read. A lost race is retried with
// the newer state, so no increment is silently dropped.
func (l *Ledger) mutate(ctx context.Context, loanID uuid.UUID, change func(*models.Loan, time.Time) ([]models.Payment, error)) (*models.Loan, error) {
	for attempt := 1; attempt <= l.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		loan, err := l.GetLoan(ctx, loanID)
		if err != nil {
			return nil, err
		}

		now := l.now()
		newPayments, err := change(loan, now)
		if err != nil {
			return nil, err
		}
		loan.Status = models.DeriveStatus(loan)
		loan.UpdatedAt = now

		err = l.storage.UpdateLoan(ctx, loan, newPayments...)
		switch {
		case err == nil:
			return loan, nil
		case errors.Is(err, store.ErrVersionConflict):
			l.logger.Debug("loan changed underneath update, retrying",
				zap.String("loan_id", loanID.String()),
				zap.Int("attempt", attempt),
			)
		case errors.Is(err, store.ErrNotFound):
			return nil, apperr.NotFoundf("loan %s not found", loanID)
		default:
			return nil, fmt.Errorf("failed to update loan: %w", err)
		}
	}
	return nil, apperr.Conflictf("loan %s is being updated concurrently, try again", loanID)
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	loan, err := l.storage.GetLoan(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFoundf("loan %s not found", id)
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// ListLoans retrieves all loans.
func (l *Ledger) ListLoans(ctx context.Context) ([]*models.Loan, error) {
	return l.list(ctx, store.LoanFilter{})
}

// ListUnassigned retrieves the offers still open for application.
func (l *Ledger) ListUnassigned(ctx context.Context) ([]*models.Loan, error) {
	return l.list(ctx, store.LoanFilter{Unassigned: true})
}

// ListByParticipant retrieves the loans userID lent or borrowed.
func (l *Ledger) ListByParticipant(ctx context.Context, userID uuid.UUID) ([]*models.Loan, error) {
	return l.list(ctx, store.LoanFilter{ParticipantID: &userID})
}

func (l *Ledger) list(ctx context.Context, filter store.LoanFilter) ([]*models.Loan, error) {
	loans, err := l.storage.ListLoans(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	if loans == nil {
		loans = []*models.Loan{}
	}
	return loans, nil
}

// DeleteLoan deletes a loan. It is an administrative escape hatch, not part of the
// normal lifecycle.
func (l *Ledger) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	if err := l.storage.DeleteLoan(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFoundf("loan %s not found", id)
		}
		return fmt.Errorf("failed to delete loan: %w", err)
	}
	l.logger.Warn("loan deleted", zap.String("loan_id", id.String()))
	return nil
}

// calendarDate drops the time of day, keeping the date as written.
func calendarDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
