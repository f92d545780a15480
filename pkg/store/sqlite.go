package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/lendTrack/pkg/models"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
)

const loanColumns = `id, lender_id, borrower_id, principal_amount, interest_rate, interest_type, due_date,
	total_repayable_amount, quoted_at, amount_repaid, status, defaulted_at,
	document_image, aadhar_number, pan_card_number, mobile_number, version, created_at, updated_at`

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens the database file at path and initializes the schema.
// Write transactions take the database lock up front (_txlock=immediate) and wait on
// contention (_busy_timeout) instead of failing, which serializes concurrent writers.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	if _, err = db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	logger.Info("database connection established", zap.String("path", path))
	return s, nil
}

// initSchema creates the tables if they don't already exist.
// Decimal fields are TEXT so no precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		lender_id TEXT NOT NULL,
		borrower_id TEXT,
		principal_amount TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		interest_type TEXT NOT NULL,
		due_date TEXT NOT NULL,
		total_repayable_amount TEXT NOT NULL,
		quoted_at DATETIME NOT NULL,
		amount_repaid TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		defaulted_at DATETIME,
		document_image TEXT NOT NULL DEFAULT '',
		aadhar_number TEXT NOT NULL DEFAULT '',
		pan_card_number TEXT NOT NULL DEFAULT '',
		mobile_number TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_loans_lender ON loans(lender_id);
	CREATE INDEX IF NOT EXISTS idx_loans_borrower ON loans(borrower_id);
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		payment_date DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE INDEX IF NOT EXISTS idx_payments_loan ON payments(loan_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateLoan inserts a new loan. Payments on a new loan are not expected.
func (s *SQLiteStore) CreateLoan(ctx context.Context, loan *models.Loan) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO loans (`+loanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.LenderID.String(), nullUUID(loan.BorrowerID),
		loan.PrincipalAmount, loan.InterestRate, string(loan.InterestType), loan.DueDate.Format(models.DateLayout),
		loan.TotalRepayableAmount, loan.QuotedAt.UTC(), loan.AmountRepaid, string(loan.Status), nullTime(loan.DefaultedAt),
		loan.DocumentImage, loan.AadharNumber, loan.PanCardNumber, loan.MobileNumber,
		loan.Version, loan.CreatedAt.UTC(), loan.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

// GetLoan retrieves a loan and its payments by ID.
func (s *SQLiteStore) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	if loan.Payments, err = s.paymentsForLoan(ctx, loan.ID); err != nil {
		return nil, err
	}
	return loan, nil
}

// ListLoans retrieves loans matching filter, oldest first.
func (s *SQLiteStore) ListLoans(ctx context.Context, filter LoanFilter) ([]*models.Loan, error) {
	var (
		where []string
		args  []any
	)
	if filter.Unassigned {
		where = append(where, "borrower_id IS NULL")
	}
	if filter.ParticipantID != nil {
		where = append(where, "(lender_id = ? OR borrower_id = ?)")
		args = append(args, filter.ParticipantID.String(), filter.ParticipantID.String())
	}

	query := `SELECT ` + loanColumns + ` FROM loans`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, rowid ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	rows.Close()

	for _, loan := range loans {
		if loan.Payments, err = s.paymentsForLoan(ctx, loan.ID); err != nil {
			return nil, err
		}
	}
	return loans, nil
}

// AssignBorrower claims an unassigned loan with a single conditional UPDATE.
func (s *SQLiteStore) AssignBorrower(ctx context.Context, loan *models.Loan) error {
	if loan.BorrowerID == nil {
		return fmt.Errorf("assign borrower: loan %s carries no borrower", loan.ID)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE loans SET borrower_id = ?, status = ?, document_image = ?, aadhar_number = ?, pan_card_number = ?,
			mobile_number = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND borrower_id IS NULL AND defaulted_at IS NULL`,
		loan.BorrowerID.String(), string(loan.Status), loan.DocumentImage, loan.AadharNumber, loan.PanCardNumber,
		loan.MobileNumber, loan.UpdatedAt.UTC(), loan.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to assign borrower: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		exists, err := s.exists(ctx, s.db, loan.ID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrAlreadyAssigned
	}
	loan.Version++
	return nil
}

// UpdateLoan writes the loan's mutable state and any new payments in one transaction,
// guarded by the version the caller read.
func (s *SQLiteStore) UpdateLoan(ctx context.Context, loan *models.Loan, newPayments ...models.Payment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE loans SET amount_repaid = ?, status = ?, defaulted_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		loan.AmountRepaid, string(loan.Status), nullTime(loan.DefaultedAt), loan.UpdatedAt.UTC(),
		loan.ID.String(), loan.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		exists, err := s.exists(ctx, tx, loan.ID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	for _, p := range newPayments {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO payments (id, loan_id, amount, payment_date) VALUES (?, ?, ?, ?)`,
			p.ID.String(), loan.ID.String(), p.Amount, p.PaymentDate.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to store payment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit loan update: %w", err)
	}
	loan.Version++
	return nil
}

// DeleteLoan removes a loan and its payments within a transaction.
func (s *SQLiteStore) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx, `DELETE FROM payments WHERE loan_id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete associated payments: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM loans WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete loan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) exists(ctx context.Context, q queryer, id uuid.UUID) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM loans WHERE id = ?`, id.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up loan: %w", err)
	}
	return true, nil
}

// paymentsForLoan returns a loan's payments in insertion order.
func (s *SQLiteStore) paymentsForLoan(ctx context.Context, loanID uuid.UUID) ([]models.Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, amount, payment_date FROM payments WHERE loan_id = ? ORDER BY rowid ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get payments for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	payments := []models.Payment{}
	for rows.Next() {
		var (
			p     models.Payment
			idStr string
		)
		if err := rows.Scan(&idStr, &p.Amount, &p.PaymentDate); err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		if p.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("bad payment id %q: %w", idStr, err)
		}
		p.LoanID = loanID
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for loan payments: %w", err)
	}
	return payments, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (*models.Loan, error) {
	var (
		loan                 models.Loan
		idStr, lenderStr     string
		borrowerStr          sql.NullString
		interestType, status string
		dueDate              string
		defaultedAt          sql.NullTime
	)
	err := row.Scan(&idStr, &lenderStr, &borrowerStr, &loan.PrincipalAmount, &loan.InterestRate, &interestType, &dueDate,
		&loan.TotalRepayableAmount, &loan.QuotedAt, &loan.AmountRepaid, &status, &defaultedAt,
		&loan.DocumentImage, &loan.AadharNumber, &loan.PanCardNumber, &loan.MobileNumber,
		&loan.Version, &loan.CreatedAt, &loan.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if loan.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("bad loan id %q: %w", idStr, err)
	}
	if loan.LenderID, err = uuid.Parse(lenderStr); err != nil {
		return nil, fmt.Errorf("bad lender id %q: %w", lenderStr, err)
	}
	if borrowerStr.Valid {
		borrower, err := uuid.Parse(borrowerStr.String)
		if err != nil {
			return nil, fmt.Errorf("bad borrower id %q: %w", borrowerStr.String, err)
		}
		loan.BorrowerID = &borrower
	}
	if loan.DueDate, err = time.Parse(models.DateLayout, dueDate); err != nil {
		return nil, fmt.Errorf("bad due date %q: %w", dueDate, err)
	}
	if defaultedAt.Valid {
		loan.DefaultedAt = &defaultedAt.Time
	}
	loan.InterestType = models.InterestType(interestType)
	loan.Status = models.LoanStatus(status)
	loan.Payments = []models.Payment{}
	return &loan, nil
}

func nullUUID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
