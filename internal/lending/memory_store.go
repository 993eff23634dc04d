// internal/lending/memory_store.go
package lending

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"libralend/internal/period"
)

// MemoryStore keeps records in a map guarded by one mutex, which also makes
// the duplicate and limit checks of CreateActive atomic.
type MemoryStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uuid.UUID]*Record)}
}

func (m *MemoryStore) CreateActive(_ context.Context, rec *Record, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := 0
	for _, r := range m.records {
		if r.UserID != rec.UserID || r.Status != StatusActive {
			continue
		}
		if r.BookID == rec.BookID {
			return ErrDuplicateLoan
		}
		active++
	}
	if active >= limit {
		return ErrBorrowLimitExceeded
	}
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrLendingNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) FindActive(_ context.Context, userID, bookID uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.activeFor(userID, bookID); r != nil {
		cp := *r
		return &cp, nil
	}
	return nil, ErrNoActiveLoan
}

func (m *MemoryStore) activeFor(userID, bookID uuid.UUID) *Record {
	for _, r := range m.records {
		if r.UserID == userID && r.BookID == bookID && r.Status == StatusActive {
			return r
		}
	}
	return nil
}

func (m *MemoryStore) CountActiveByUser(_ context.Context, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.UserID == userID && r.Status == StatusActive {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Complete(_ context.Context, id uuid.UUID, at time.Time) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrLendingNotFound
	}
	if r.Status != StatusActive {
		return nil, ErrNotActive
	}
	r.Status = StatusCompleted
	r.ReturnedAt = &at
	r.Version++
	r.UpdatedAt = at
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Reopen(_ context.Context, id uuid.UUID, version int, at time.Time) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrLendingNotFound
	}
	if r.Status != StatusCompleted || r.Version != version {
		return nil, fmt.Errorf("record %s changed since version %d", id, version)
	}
	if m.activeFor(r.UserID, r.BookID) != nil {
		return nil, ErrDuplicateLoan
	}
	r.Status = StatusActive
	r.ReturnedAt = nil
	r.Version++
	r.UpdatedAt = at
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func matches(r *Record, f Filter) bool {
	switch {
	case f.UserID != uuid.Nil && r.UserID != f.UserID:
		return false
	case f.BookID != uuid.Nil && r.BookID != f.BookID:
		return false
	case f.Status != "" && r.Status != f.Status:
		return false
	case !f.DueBefore.IsZero() && !r.DueDate.Before(f.DueBefore):
		return false
	case !f.BorrowedFrom.IsZero() && r.BorrowedAt.Before(f.BorrowedFrom):
		return false
	case !f.BorrowedTo.IsZero() && !r.BorrowedAt.Before(f.BorrowedTo):
		return false
	}
	return true
}

// List returns matching records, most recently borrowed first.
func (m *MemoryStore) List(_ context.Context, f Filter) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Record{}
	for _, r := range m.records {
		if matches(r, f) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BorrowedAt.Equal(out[j].BorrowedAt) {
			return out[i].BorrowedAt.After(out[j].BorrowedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (m *MemoryStore) Count(_ context.Context, f Filter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.records {
		if matches(r, f) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) MonthlyBorrows(_ context.Context, since time.Time) ([]period.MonthlyCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type key struct{ y, m int }
	counts := make(map[key]int64)
	for _, r := range m.records {
		if r.BorrowedAt.Before(since) {
			continue
		}
		b := r.BorrowedAt.In(since.Location())
		counts[key{b.Year(), int(b.Month())}]++
	}
	out := make([]period.MonthlyCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, period.MonthlyCount{Year: k.y, Month: k.m, Count: n})
	}
	return out, nil
}

func (m *MemoryStore) MostBorrowed(_ context.Context, limit int) ([]BookCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byBook := make(map[uuid.UUID]*BookCount)
	for _, r := range m.records {
		bc, ok := byBook[r.BookID]
		if !ok {
			bc = &BookCount{BookID: r.BookID, BookTitle: r.BookTitle}
			byBook[r.BookID] = bc
		}
		bc.Count++
	}
	out := make([]BookCount, 0, len(byBook))
	for _, bc := range byBook {
		out = append(out, *bc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].BookTitle < out[j].BookTitle
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UserPatterns(_ context.Context, limit int) ([]UserPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byUser := make(map[uuid.UUID]*UserPattern)
	for _, r := range m.records {
		p, ok := byUser[r.UserID]
		if !ok {
			p = &UserPattern{UserID: r.UserID, UserEmail: r.UserEmail}
			byUser[r.UserID] = p
		}
		p.TotalLoans++
		if r.Status == StatusActive {
			p.ActiveLoans++
		} else {
			p.CompletedLoans++
		}
	}
	out := make([]UserPattern, 0, len(byUser))
	for _, p := range byUser {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalLoans != out[j].TotalLoans {
			return out[i].TotalLoans > out[j].TotalLoans
		}
		return out[i].UserEmail < out[j].UserEmail
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AverageLoanDays(_ context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total time.Duration
	n := 0
	for _, r := range m.records {
		if r.Status == StatusCompleted && r.ReturnedAt != nil {
			total += r.ReturnedAt.Sub(r.BorrowedAt)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return total.Hours() / 24 / float64(n), nil
}

func (m *MemoryStore) RecentActivity(_ context.Context, limit int) ([]Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Activity, 0, len(m.records))
	for _, r := range m.records {
		a := Activity{RecordID: r.ID, UserID: r.UserID, BookID: r.BookID, UserEmail: r.UserEmail, BookTitle: r.BookTitle}
		borrow := a
		borrow.Action, borrow.At = ActionBorrow, r.BorrowedAt
		out = append(out, borrow)
		if r.ReturnedAt != nil {
			ret := a
			ret.Action, ret.At = ActionReturn, *r.ReturnedAt
			out = append(out, ret)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.After(out[j].At)
		}
		if out[i].Action != out[j].Action {
			return out[i].Action > out[j].Action
		}
		return out[i].RecordID.String() < out[j].RecordID.String()
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
