package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/lendTrack/pkg/apperr"
	"github.com/mcclellann/lendTrack/pkg/auth"
	"github.com/mcclellann/lendTrack/pkg/documents"
	"github.com/mcclellann/lendTrack/pkg/idempotency"
	"github.com/mcclellann/lendTrack/pkg/ledger"
	"github.com/mcclellann/lendTrack/pkg/logging"
	"github.com/mcclellann/lendTrack/pkg/models"
	"github.com/mcclellann/lendTrack/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	maxJSONBody          = 1 << 20
	idempotencyKeyHeader = "Idempotency-Key"
)

// Server holds the ledger and the collaborators the HTTP handlers need.
type Server struct {
	ledger         *ledger.Ledger
	storage        store.Storage // Keep a reference to the storage to close it
	documents      documents.Store
	idempotency    idempotency.Store
	idempotencyTTL time.Duration
	jwt            *auth.JWTManager
	logger         *zap.Logger
	maxUploadBytes int64
	uploadDir      string // served under /uploads/ when documents are on disk
}

type ServerDeps struct {
	Storage        store.Storage
	Ledger         *ledger.Ledger
	Documents      documents.Store
	Idempotency    idempotency.Store
	IdempotencyTTL time.Duration
	JWT            *auth.JWTManager
	Logger         *zap.Logger
	MaxUploadBytes int64
	UploadDir      string
}

func NewServer(d ServerDeps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	l := d.Ledger
	if l == nil {
		l = ledger.NewLedger(d.Storage, ledger.WithLogger(logger))
	}
	return &Server{
		ledger:         l,
		storage:        d.Storage,
		documents:      d.Documents,
		idempotency:    d.Idempotency,
		idempotencyTTL: d.IdempotencyTTL,
		jwt:            d.JWT,
		logger:         logger,
		maxUploadBytes: d.MaxUploadBytes,
		uploadDir:      d.UploadDir,
	}
}

// Routes builds the HTTP handler for the API.
func (s *Server) Routes() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)

	loans := router.PathPrefix("/api/loans").Subrouter()
	loans.HandleFunc("/quote", s.quoteHandler).Methods(http.MethodPost)
	loans.HandleFunc("/unassigned", s.listUnassignedHandler).Methods(http.MethodGet)

	authed := loans.NewRoute().Subrouter()
	authed.Use(auth.Middleware(s.jwt))
	authed.HandleFunc("", s.listLoansHandler).Methods(http.MethodGet)
	authed.HandleFunc("", auth.RequireRole(s.createLoanHandler, auth.RoleLender)).Methods(http.MethodPost)
	authed.HandleFunc("/my", s.myLoansHandler).Methods(http.MethodGet)
	authed.HandleFunc("/{id}", s.getLoanHandler).Methods(http.MethodGet)
	authed.HandleFunc("/{id}", auth.RequireRole(s.deleteLoanHandler, auth.RoleAdmin)).Methods(http.MethodDelete)
	authed.HandleFunc("/{id}/apply", auth.RequireRole(s.applyHandler, auth.RoleBorrower)).Methods(http.MethodPost)
	authed.HandleFunc("/{id}/payments", s.recordPaymentHandler).Methods(http.MethodPost)
	authed.HandleFunc("/{id}/status", auth.RequireRole(s.updateStatusHandler, auth.RoleLender)).Methods(http.MethodPut)

	if s.uploadDir != "" {
		files := http.StripPrefix(documents.URLPrefix, noListing(http.FileServer(http.Dir(s.uploadDir))))
		router.PathPrefix(documents.URLPrefix).Handler(auth.Middleware(s.jwt)(files)).Methods(http.MethodGet)
	}

	// Wrapped outside the router so unmatched routes are logged too.
	return logging.Middleware(s.logger)(logging.Recovery(s.logger)(router))
}

func noListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.storage.Ping(ctx); err != nil {
		logging.FromContext(r.Context(), s.logger).Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// loanTermsRequest is the body of both the quote and the create endpoints.
type loanTermsRequest struct {
	PrincipalAmount decimal.Decimal `json:"principalAmount"`
	InterestRate    decimal.Decimal `json:"interestRate"`
	InterestType    string          `json:"interestType"`
	DueDate         string          `json:"dueDate"`
}

func (req loanTermsRequest) terms() (ledger.LoanTerms, error) {
	due, err := parseDueDate(req.DueDate)
	if err != nil {
		return ledger.LoanTerms{}, err
	}
	return ledger.LoanTerms{
		PrincipalAmount: req.PrincipalAmount,
		InterestRate:    req.InterestRate,
		InterestType:    models.InterestType(req.InterestType),
		DueDate:         due,
	}, nil
}

// parseDueDate accepts a calendar date or an RFC 3339 timestamp.
func parseDueDate(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, apperr.Validationf("dueDate is required")
	}
	if t, err := time.Parse(models.DateLayout, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, apperr.Validationf("dueDate must be a date like 2006-01-02")
	}
	return t.UTC(), nil
}

func (s *Server) quoteHandler(w http.ResponseWriter, r *http.Request) {
	var req loanTermsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	terms, err := req.terms()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	q, err := s.ledger.Quote(terms)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newQuoteResponse(q))
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())

	var req loanTermsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	terms, err := req.terms()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	loan, err := s.ledger.CreateLoan(r.Context(), ledger.CreateLoanInput{LenderID: caller.UserID, LoanTerms: terms})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newLoanResponse(loan, caller))
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	loanID, err := loanIDFromPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	loan, err := s.ledger.GetLoan(r.Context(), loanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newLoanResponse(loan, caller))
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	loans, err := s.ledger.ListLoans(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newLoanList(loans, caller))
}

func (s *Server) listUnassignedHandler(w http.ResponseWriter, r *http.Request) {
	loans, err := s.ledger.ListUnassigned(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newLoanList(loans, auth.Identity{}))
}

func (s *Server) myLoansHandler(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	loans, err := s.ledger.ListByParticipant(r.Context(), caller.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newLoanList(loans, caller))
}

// applyHandler takes a multipart form with the identity fields and the
// documentImage file. The borrower is always the caller.
func (s *Server) applyHandler(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	loanID, err := loanIDFromPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+maxJSONBody)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.writeError(w, r, apperr.Validationf("upload exceeds %d bytes", s.maxUploadBytes))
			return
		}
		s.writeError(w, r, apperr.Wrap(apperr.KindValidation, err, "invalid multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	docs := models.IdentityDocs{
		AadharNumber:  strings.TrimSpace(r.FormValue("aadharNumber")),
		PanCardNumber: strings.ToUpper(strings.TrimSpace(r.FormValue("panCardNumber"))),
		MobileNumber:  strings.TrimSpace(r.FormValue("mobileNumber")),
	}

	// Reject what we can before storing the upload; ApplyForLoan re-checks atomically.
	if err := s.ledger.ValidateApplication(r.Context(), loanID, caller.UserID, docs); err != nil {
		s.writeError(w, r, err)
		return
	}

	file, header, err := r.FormFile("documentImage")
	if err != nil {
		s.writeError(w, r, apperr.Validationf("documentImage is required"))
		return
	}
	defer file.Close()
	if header.Size > s.maxUploadBytes {
		s.writeError(w, r, apperr.Validationf("upload exceeds %d bytes", s.maxUploadBytes))
		return
	}

	contentType, body, err := documents.Sniff(file)
	if err != nil {
		if errors.Is(err, documents.ErrUnsupportedType) {
			s.writeError(w, r, apperr.Wrap(apperr.KindValidation, err, "documentImage must be an image or PDF"))
			return
		}
		s.writeError(w, r, err)
		return
	}

	docs.DocumentImage, err = s.documents.Put(r.Context(), header.Filename, contentType, body)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("failed to store document: %w", err))
		return
	}

	loan, err := s.ledger.ApplyForLoan(r.Context(), loanID, caller.UserID, docs)
	if err != nil {
		if derr := s.documents.Delete(context.WithoutCancel(r.Context()), docs.DocumentImage); derr != nil {
			logging.FromContext(r.Context(), s.logger).Warn("failed to remove document of rejected application",
				zap.String("document", docs.DocumentImage),
				zap.Error(derr),
			)
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newLoanResponse(loan, caller))
}

type paymentRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type paymentCreatedResponse struct {
	Message string          `json:"message"`
	Payment paymentResponse `json:"payment"`
	Loan    loanResponse    `json:"loan"`
}

// recordPaymentHandler posts a payment on behalf of a loan participant. A repeated
// Idempotency-Key from the same caller on the same loan is rejected.
func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	loanID, err := loanIDFromPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req paymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	loan, err := s.ledger.GetLoan(r.Context(), loanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !loan.IsParticipant(caller.UserID) && caller.Role != auth.RoleAdmin {
		s.writeError(w, r, apperr.Forbiddenf("only the loan's lender or borrower can record payments"))
		return
	}

	posted := false
	if key := r.Header.Get(idempotencyKeyHeader); key != "" {
		scoped := fmt.Sprintf("payment:%s:%s:%s", loanID, caller.UserID, key)
		fresh, err := s.idempotency.MarkProcessed(r.Context(), scoped, s.idempotencyTTL)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !fresh {
			s.writeError(w, r, apperr.Conflictf("a payment with this %s was already submitted", idempotencyKeyHeader))
			return
		}
		defer func() {
			if posted {
				return
			}
			// Nothing was recorded, so the client may retry with the same key.
			if err := s.idempotency.Release(context.WithoutCancel(r.Context()), scoped); err != nil {
				logging.FromContext(r.Context(), s.logger).Warn("failed to release idempotency key", zap.Error(err))
			}
		}()
	}

	loan, err = s.ledger.PostPayment(r.Context(), loanID, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	posted = true

	writeJSON(w, http.StatusCreated, paymentCreatedResponse{
		Message: "Payment added successfully",
		Payment: newPaymentResponse(loan.Payments[len(loan.Payments)-1]),
		Loan:    newLoanResponse(loan, caller),
	})
}

type statusRequest struct {
	Status models.LoanStatus `json:"status"`
}

// updateStatusHandler is the lender's manual override. Only "defaulted" can be set;
// every other status follows from assignment and payments.
func (s *Server) updateStatusHandler(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	loanID, err := loanIDFromPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Status != models.LoanStatusDefaulted {
		s.writeError(w, r, apperr.Validationf("status can only be set to %q", models.LoanStatusDefaulted))
		return
	}

	loan, err := s.ledger.MarkDefaulted(r.Context(), loanID, caller.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newLoanResponse(loan, caller))
}

func (s *Server) deleteLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := loanIDFromPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.ledger.DeleteLoan(r.Context(), loanID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func loanIDFromPath(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, apperr.Validationf("invalid loan ID")
	}
	return id, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "invalid request body")
	}
	return nil
}
