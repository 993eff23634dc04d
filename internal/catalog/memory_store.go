// internal/catalog/memory_store.go
package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore serializes every mutation behind one mutex.
type MemoryStore struct {
	mu    sync.Mutex
	books map[uuid.UUID]*Book
	ops   map[uuid.UUID]*Operation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books: make(map[uuid.UUID]*Book),
		ops:   make(map[uuid.UUID]*Operation),
	}
}

func (m *MemoryStore) Insert(_ context.Context, b *Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.books {
		if existing.ISBN == b.ISBN {
			return ErrDuplicateISBN
		}
	}
	cp := *b
	m.books[b.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	if !ok {
		return nil, ErrBookNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) SetInventory(_ context.Context, id uuid.UUID, total, available int) (*Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	if !ok {
		return nil, ErrBookNotFound
	}
	b.TotalCopies = total
	b.AvailableCopies = available
	m.touch(b)
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) Adjust(_ context.Context, bookID, operationID uuid.UUID, delta int) (*Book, *Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.books[bookID]
	if !ok {
		return nil, nil, ErrBookNotFound
	}
	if op, seen := m.ops[operationID]; seen {
		if op.Reverted {
			return nil, nil, errOperationReverted
		}
		if op.BookID != bookID || op.Requested != delta {
			return nil, nil, ErrOperationConflict
		}
		cp, opCopy := *b, *op
		return &cp, &opCopy, nil
	}

	op := &Operation{ID: operationID, BookID: bookID, Requested: delta, CreatedAt: time.Now().UTC()}
	switch {
	case delta < 0:
		if b.AvailableCopies <= 0 {
			return nil, nil, ErrNoCopiesAvailable
		}
		b.AvailableCopies--
		b.BorrowCount++
		op.Delta = -1
	case b.AvailableCopies < b.TotalCopies:
		b.AvailableCopies++
		op.Delta = 1
	}
	if op.Delta != 0 {
		m.touch(b)
	}
	m.ops[operationID] = op

	cp, opCopy := *b, *op
	return &cp, &opCopy, nil
}

func (m *MemoryStore) Revert(_ context.Context, operationID uuid.UUID) (*Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[operationID]
	if !ok {
		// Tombstone: a late Adjust with this id must not apply.
		m.ops[operationID] = &Operation{ID: operationID, Reverted: true, CreatedAt: time.Now().UTC()}
		return nil, nil
	}
	if op.Reverted {
		return nil, nil
	}
	b, ok := m.books[op.BookID]
	if !ok {
		return nil, ErrBookNotFound
	}
	switch op.Delta {
	case -1:
		if b.AvailableCopies < b.TotalCopies {
			b.AvailableCopies++
		}
		if b.BorrowCount > 0 {
			b.BorrowCount--
		}
	case 1:
		if b.AvailableCopies > 0 {
			b.AvailableCopies--
		}
	}
	op.Reverted = true
	if op.Delta != 0 {
		m.touch(b)
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) touch(b *Book) {
	b.Version++
	b.UpdatedAt = time.Now().UTC()
}

func (m *MemoryStore) CountBooks(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.books)), nil
}

func (m *MemoryStore) CountAvailableBooks(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, b := range m.books {
		if b.AvailableCopies > 0 {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SumCopies(_ context.Context) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total, available int64
	for _, b := range m.books {
		total += int64(b.TotalCopies)
		available += int64(b.AvailableCopies)
	}
	return total, available, nil
}

func (m *MemoryStore) CountByCategory(_ context.Context) ([]CategoryCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int64)
	for _, b := range m.books {
		counts[b.Category]++
	}
	out := make([]CategoryCount, 0, len(counts))
	for c, n := range counts {
		out = append(out, CategoryCount{Category: c, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

func (m *MemoryStore) LowStock(_ context.Context, threshold, limit int) ([]Book, error) {
	return m.list(limit, func(b *Book) bool { return b.AvailableCopies <= threshold }, func(a, b *Book) bool {
		if a.AvailableCopies != b.AvailableCopies {
			return a.AvailableCopies < b.AvailableCopies
		}
		return a.Title < b.Title
	}), nil
}

func (m *MemoryStore) Recent(_ context.Context, limit int) ([]Book, error) {
	return m.list(limit, nil, func(a, b *Book) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.Title < b.Title
	}), nil
}

func (m *MemoryStore) ByBorrowCount(_ context.Context, limit int, descending bool) ([]Book, error) {
	return m.list(limit, nil, func(a, b *Book) bool {
		if a.BorrowCount != b.BorrowCount {
			if descending {
				return a.BorrowCount > b.BorrowCount
			}
			return a.BorrowCount < b.BorrowCount
		}
		return a.Title < b.Title
	}), nil
}

func (m *MemoryStore) list(limit int, keep func(*Book) bool, less func(a, b *Book) bool) []Book {
	m.mu.Lock()
	defer m.mu.Unlock()
	picked := make([]*Book, 0, len(m.books))
	for _, b := range m.books {
		if keep == nil || keep(b) {
			picked = append(picked, b)
		}
	}
	sort.Slice(picked, func(i, j int) bool { return less(picked[i], picked[j]) })
	if limit > 0 && len(picked) > limit {
		picked = picked[:limit]
	}
	out := make([]Book, len(picked))
	for i, b := range picked {
		out[i] = *b
	}
	return out
}
