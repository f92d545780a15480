package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/mcclellann/lendTrack/pkg/models"
)

var (
	ErrNotFound        = errors.New("loan not found")
	ErrAlreadyAssigned = errors.New("loan already has a borrower")
	// ErrVersionConflict means the loan changed since it was read.
	ErrVersionConflict = errors.New("loan was modified concurrently")
)

// LoanFilter narrows ListLoans. The zero value lists every loan.
type LoanFilter struct {
	Unassigned    bool       // only loans without a borrower
	ParticipantID *uuid.UUID // only loans where this user is lender or borrower
}

// Storage defines the persistence operations for loans and their payments.
//
// Every mutation is a conditional write keyed on a single loan, so concurrent callers
// against the same loan cannot both succeed on stale state.
type Storage interface {
	CreateLoan(ctx context.Context, loan *models.Loan) error
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	ListLoans(ctx context.Context, filter LoanFilter) ([]*models.Loan, error)

	// AssignBorrower stores the borrower and application fields carried by loan, but
	// only while the stored loan has no borrower. The loser of a race gets
	// ErrAlreadyAssigned.
	AssignBorrower(ctx context.Context, loan *models.Loan) error

	// UpdateLoan writes the mutable fields of loan and appends newPayments atomically,
	// provided the stored version still equals loan.Version. On success loan.Version
	// is advanced.
	UpdateLoan(ctx context.Context, loan *models.Loan, newPayments ...models.Payment) error

	DeleteLoan(ctx context.Context, id uuid.UUID) error

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Storage = (*SQLiteStore)(nil)
	_ Storage = (*MemoryStore)(nil)
)
