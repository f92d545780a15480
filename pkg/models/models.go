package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DateLayout is the wire format for calendar dates such as a loan's due date.
const DateLayout = "2006-01-02"

type InterestType string

const (
	InterestTypeSimple   InterestType = "simple"
	InterestTypeCompound InterestType = "compound"
)

// Valid reports whether t is a known interest type.
func (t InterestType) Valid() bool {
	return t == InterestTypeSimple || t == InterestTypeCompound
}

type LoanStatus string

const (
	LoanStatusPending   LoanStatus = "pending"   // offer published, no borrower yet
	LoanStatusActive    LoanStatus = "active"    // borrower assigned, balance outstanding
	LoanStatusCompleted LoanStatus = "completed" // repaid >= repayable
	LoanStatusDefaulted LoanStatus = "defaulted" // lender override, terminal
)

// Terminal reports whether no further payments or transitions are allowed.
func (s LoanStatus) Terminal() bool {
	return s == LoanStatusCompleted || s == LoanStatusDefaulted
}

type Loan struct {
	ID                   uuid.UUID       `json:"id"`
	LenderID             uuid.UUID       `json:"lender_id"`
	BorrowerID           *uuid.UUID      `json:"borrower_id"` // nil while the offer is unassigned
	PrincipalAmount      decimal.Decimal `json:"principal_amount"`
	InterestRate         decimal.Decimal `json:"interest_rate"` // Annual percentage
	InterestType         InterestType    `json:"interest_type"`
	DueDate              time.Time       `json:"due_date"`
	TotalRepayableAmount decimal.Decimal `json:"total_repayable_amount"`
	QuotedAt             time.Time       `json:"quoted_at"` // Instant the repayable amount was computed
	AmountRepaid         decimal.Decimal `json:"amount_repaid"`
	Status               LoanStatus      `json:"status"`
	DefaultedAt          *time.Time      `json:"defaulted_at,omitempty"`
	Payments             []Payment       `json:"payments"`

	DocumentImage string `json:"document_image,omitempty"`
	AadharNumber  string `json:"aadhar_number,omitempty"`
	PanCardNumber string `json:"pan_card_number,omitempty"`
	MobileNumber  string `json:"mobile_number,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Payment is one entry of a loan's append-only repayment history.
type Payment struct {
	ID          uuid.UUID       `json:"id"`
	LoanID      uuid.UUID       `json:"loan_id"`
	Amount      decimal.Decimal `json:"amount"`
	PaymentDate time.Time       `json:"payment_date"`
}

// IdentityDocs are the borrower-supplied fields captured when applying for a loan.
type IdentityDocs struct {
	AadharNumber  string `json:"aadhar_number" validate:"required,aadhar"`
	PanCardNumber string `json:"pan_card_number" validate:"required,pan"`
	MobileNumber  string `json:"mobile_number" validate:"omitempty,mobile"`
	DocumentImage string `json:"document_image" validate:"required"`
}

// Outstanding returns what is still owed, never negative.
func (l *Loan) Outstanding() decimal.Decimal {
	rest := l.TotalRepayableAmount.Sub(l.AmountRepaid)
	if rest.IsNegative() {
		return decimal.Zero
	}
	return rest
}

// Surplus returns the amount paid beyond the repayable total.
func (l *Loan) Surplus() decimal.Decimal {
	extra := l.AmountRepaid.Sub(l.TotalRepayableAmount)
	if extra.IsNegative() {
		return decimal.Zero
	}
	return extra
}

// IsParticipant reports whether userID is the lender or the borrower of the loan.
func (l *Loan) IsParticipant(userID uuid.UUID) bool {
	if l.LenderID == userID {
		return true
	}
	return l.BorrowerID != nil && *l.BorrowerID == userID
}

// DeriveStatus is the single place a loan's status is computed. It is a function of
// the borrower assignment, the repaid and repayable totals, and the default override.
func DeriveStatus(l *Loan) LoanStatus {
	switch {
	case l.DefaultedAt != nil:
		return LoanStatusDefaulted
	case l.BorrowerID == nil:
		return LoanStatusPending
	case l.AmountRepaid.GreaterThanOrEqual(l.TotalRepayableAmount):
		return LoanStatusCompleted
	default:
		return LoanStatusActive
	}
}
