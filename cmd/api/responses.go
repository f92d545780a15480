package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mcclellann/lendTrack/pkg/apperr"
	"github.com/mcclellann/lendTrack/pkg/auth"
	"github.com/mcclellann/lendTrack/pkg/interest"
	"github.com/mcclellann/lendTrack/pkg/logging"
	"github.com/mcclellann/lendTrack/pkg/models"
	"go.uber.org/zap"
)

type paymentResponse struct {
	ID          string    `json:"id"`
	Amount      string    `json:"amount"`
	PaymentDate time.Time `json:"paymentDate"`
}

type loanResponse struct {
	ID                   string            `json:"id"`
	LenderID             string            `json:"lenderId"`
	BorrowerID           *string           `json:"borrowerId"`
	PrincipalAmount      string            `json:"principalAmount"`
	InterestRate         string            `json:"interestRate"`
	InterestType         string            `json:"interestType"`
	DueDate              string            `json:"dueDate"`
	TotalRepayableAmount string            `json:"totalRepayableAmount"`
	AmountRepaid         string            `json:"amountRepaid"`
	Outstanding          string            `json:"outstanding"`
	Surplus              string            `json:"surplus"`
	Status               string            `json:"status"`
	QuotedAt             time.Time         `json:"quotedAt"`
	DefaultedAt          *time.Time        `json:"defaultedAt,omitempty"`
	Payments             []paymentResponse `json:"payments"`
	DocumentImage        string            `json:"documentImage,omitempty"`
	AadharNumber         string            `json:"aadharNumber,omitempty"`
	PanCardNumber        string            `json:"panCardNumber,omitempty"`
	MobileNumber         string            `json:"mobileNumber,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

type quoteResponse struct {
	Days                 int       `json:"days"`
	Interest             string    `json:"interest"`
	TotalRepayableAmount string    `json:"totalRepayableAmount"`
	AsOf                 time.Time `json:"asOf"`
}

func newPaymentResponse(p models.Payment) paymentResponse {
	return paymentResponse{
		ID:          p.ID.String(),
		Amount:      p.Amount.StringFixed(2),
		PaymentDate: p.PaymentDate,
	}
}

// newLoanResponse renders loan for viewer. Borrower identity documents are only
// shown to the loan's participants and admins.
func newLoanResponse(loan *models.Loan, viewer auth.Identity) loanResponse {
	resp := loanResponse{
		ID:                   loan.ID.String(),
		LenderID:             loan.LenderID.String(),
		PrincipalAmount:      loan.PrincipalAmount.StringFixed(2),
		InterestRate:         loan.InterestRate.String(),
		InterestType:         string(loan.InterestType),
		DueDate:              loan.DueDate.Format(models.DateLayout),
		TotalRepayableAmount: loan.TotalRepayableAmount.StringFixed(2),
		AmountRepaid:         loan.AmountRepaid.StringFixed(2),
		Outstanding:          loan.Outstanding().StringFixed(2),
		Surplus:              loan.Surplus().StringFixed(2),
		Status:               string(loan.Status),
		QuotedAt:             loan.QuotedAt,
		DefaultedAt:          loan.DefaultedAt,
		Payments:             make([]paymentResponse, 0, len(loan.Payments)),
		CreatedAt:            loan.CreatedAt,
		UpdatedAt:            loan.UpdatedAt,
	}
	if loan.BorrowerID != nil {
		b := loan.BorrowerID.String()
		resp.BorrowerID = &b
	}
	for _, p := range loan.Payments {
		resp.Payments = append(resp.Payments, newPaymentResponse(p))
	}
	if viewer.Role == auth.RoleAdmin || loan.IsParticipant(viewer.UserID) {
		resp.DocumentImage = loan.DocumentImage
		resp.AadharNumber = loan.AadharNumber
		resp.PanCardNumber = loan.PanCardNumber
		resp.MobileNumber = loan.MobileNumber
	}
	return resp
}

func newLoanList(loans []*models.Loan, viewer auth.Identity) []loanResponse {
	out := make([]loanResponse, 0, len(loans))
	for _, l := range loans {
		out = append(out, newLoanResponse(l, viewer))
	}
	return out
}

func newQuoteResponse(q interest.Quote) quoteResponse {
	return quoteResponse{
		Days:                 q.Days,
		Interest:             q.Interest.StringFixed(2),
		TotalRepayableAmount: q.TotalRepayable.StringFixed(2),
		AsOf:                 q.AsOf,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError maps err to a status code by its kind. Unclassified errors are logged
// and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	msg := err.Error()

	var status int
	switch kind {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindForbidden:
		status = http.StatusForbidden
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindState:
		status = http.StatusUnprocessableEntity
	default:
		status = http.StatusInternalServerError
		logging.FromContext(r.Context(), s.logger).Error("request failed", zap.Error(err))
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse{Error: string(kind), Message: msg})
}
