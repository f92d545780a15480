package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/lendTrack/pkg/models"
)

// MemoryStore is an in-memory Storage. It applies the same conditional-write rules as
// SQLiteStore and hands out copies, so callers never share state with the store.
type MemoryStore struct {
	mu    sync.Mutex
	loans map[uuid.UUID]*models.Loan
	// seq is the insertion order, the tiebreak for equal CreatedAt.
	seq  map[uuid.UUID]uint64
	next uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		loans: make(map[uuid.UUID]*models.Loan),
		seq:   make(map[uuid.UUID]uint64),
	}
}

func (m *MemoryStore) CreateLoan(_ context.Context, loan *models.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seq[loan.ID]; !ok {
		m.next++
		m.seq[loan.ID] = m.next
	}
	m.loans[loan.ID] = cloneLoan(loan)
	return nil
}

func (m *MemoryStore) GetLoan(_ context.Context, id uuid.UUID) (*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan, ok := m.loans[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneLoan(loan), nil
}

func (m *MemoryStore) ListLoans(_ context.Context, filter LoanFilter) ([]*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	loans := []*models.Loan{}
	for _, l := range m.loans {
		if filter.Unassigned && l.BorrowerID != nil {
			continue
		}
		if filter.ParticipantID != nil && !l.IsParticipant(*filter.ParticipantID) {
			continue
		}
		loans = append(loans, cloneLoan(l))
	}
	sort.SliceStable(loans, func(i, j int) bool {
		a, b := loans[i], loans[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return m.seq[a.ID] < m.seq[b.ID]
	})
	return loans, nil
}

func (m *MemoryStore) AssignBorrower(_ context.Context, loan *models.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.loans[loan.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.BorrowerID != nil || stored.DefaultedAt != nil {
		return ErrAlreadyAssigned
	}

	borrower := *loan.BorrowerID
	stored.BorrowerID = &borrower
	stored.Status = loan.Status
	stored.DocumentImage = loan.DocumentImage
	stored.AadharNumber = loan.AadharNumber
	stored.PanCardNumber = loan.PanCardNumber
	stored.MobileNumber = loan.MobileNumber
	stored.UpdatedAt = loan.UpdatedAt
	stored.Version++
	loan.Version = stored.Version
	return nil
}

func (m *MemoryStore) UpdateLoan(_ context.Context, loan *models.Loan, newPayments ...models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.loans[loan.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != loan.Version {
		return ErrVersionConflict
	}

	stored.AmountRepaid = loan.AmountRepaid
	stored.Status = loan.Status
	stored.DefaultedAt = cloneTime(loan.DefaultedAt)
	stored.UpdatedAt = loan.UpdatedAt
	stored.Payments = append(stored.Payments, newPayments...)
	stored.Version++
	loan.Version = stored.Version
	return nil
}

func (m *MemoryStore) DeleteLoan(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loans[id]; !ok {
		return ErrNotFound
	}
	delete(m.loans, id)
	delete(m.seq, id)
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func cloneLoan(l *models.Loan) *models.Loan {
	c := *l
	if l.BorrowerID != nil {
		b := *l.BorrowerID
		c.BorrowerID = &b
	}
	c.DefaultedAt = cloneTime(l.DefaultedAt)
	c.Payments = append([]models.Payment{}, l.Payments...)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
