// internal/identity/memory_store.go
package identity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"libralend/internal/period"
)

type MemoryStore struct {
	mu    sync.RWMutex
	users map[uuid.UUID]*User
	creds map[uuid.UUID]*Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[uuid.UUID]*User),
		creds: make(map[uuid.UUID]*Credential),
	}
}

func (m *MemoryStore) Insert(_ context.Context, u *User, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return ErrDuplicateEmail
		}
	}
	uc, cc := *u, *c
	m.users[u.ID] = &uc
	m.creds[u.ID] = &cc
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetByEmail(_ context.Context, email string) (*User, *Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, u := range m.users {
		if u.Email == email {
			uc, cc := *u, *m.creds[id]
			return &uc, &cc, nil
		}
	}
	return nil, nil, ErrUserNotFound
}

func (m *MemoryStore) RecordLogin(_ context.Context, id uuid.UUID, at time.Time) (*User, error) {
	return m.update(id, func(u *User) {
		u.LoginCount++
		u.LastLoginAt = &at
	})
}

func (m *MemoryStore) SetActive(_ context.Context, id uuid.UUID, active bool) (*User, error) {
	return m.update(id, func(u *User) { u.Active = active })
}

func (m *MemoryStore) update(id uuid.UUID, fn func(*User)) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	fn(u)
	u.UpdatedAt = time.Now().UTC()
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) count(keep func(*User) bool) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, u := range m.users {
		if keep(u) {
			n++
		}
	}
	return n
}

func (m *MemoryStore) CountUsers(_ context.Context) (int64, error) {
	return m.count(func(*User) bool { return true }), nil
}

func (m *MemoryStore) CountActive(_ context.Context) (int64, error) {
	return m.count(func(u *User) bool { return u.Active }), nil
}

func (m *MemoryStore) CountCreatedSince(_ context.Context, since time.Time) (int64, error) {
	return m.count(func(u *User) bool { return !u.CreatedAt.Before(since) }), nil
}

func (m *MemoryStore) CountByRole(_ context.Context) ([]RoleCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[Role]int64)
	for _, u := range m.users {
		counts[u.Role]++
	}
	out := make([]RoleCount, 0, len(counts))
	for r, n := range counts {
		out = append(out, RoleCount{Role: r, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out, nil
}

func (m *MemoryStore) MonthlySignups(_ context.Context, since time.Time) ([]period.MonthlyCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type key struct{ y, m int }
	counts := make(map[key]int64)
	for _, u := range m.users {
		if u.CreatedAt.Before(since) {
			continue
		}
		c := u.CreatedAt.In(since.Location())
		counts[key{c.Year(), int(c.Month())}]++
	}
	out := make([]period.MonthlyCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, period.MonthlyCount{Year: k.y, Month: k.m, Count: n})
	}
	return out, nil
}

func (m *MemoryStore) TopByLogins(_ context.Context, limit int) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		if u.Active && u.LoginCount > 0 {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LoginCount != out[j].LoginCount {
			return out[i].LoginCount > out[j].LoginCount
		}
		return out[i].Email < out[j].Email
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
