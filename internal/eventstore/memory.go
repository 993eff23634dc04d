// internal/eventstore/memory.go
package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps the journal in process. Used by tests and STORE_DRIVER=memory.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	streams map[uuid.UUID][]Event
	all     []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[uuid.UUID][]Event)}
}

func (m *MemoryStore) AppendEvents(_ context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event) error {
	if expectedVersion < 0 {
		return ErrInvalidVersion
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stream := m.streams[aggregateID]
	if len(stream) != expectedVersion {
		return ErrConcurrencyConflict
	}
	now := time.Now().UTC()
	for i, e := range events {
		m.nextID++
		e.ID = m.nextID
		e.AggregateID = aggregateID
		e.AggregateType = aggregateType
		e.Version = expectedVersion + i + 1
		e.CreatedAt = now
		stream = append(stream, e)
		m.all = append(m.all, e)
	}
	m.streams[aggregateID] = stream
	return nil
}

func (m *MemoryStore) LoadEvents(_ context.Context, aggregateID uuid.UUID, fromVersion, toVersion int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Event
	for _, e := range m.streams[aggregateID] {
		if e.Version < fromVersion || (toVersion > 0 && e.Version > toVersion) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryStore) GetCurrentVersion(_ context.Context, aggregateID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams[aggregateID]), nil
}

func (m *MemoryStore) StreamEvents(_ context.Context, fromID int64, batchSize int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Event
	for _, e := range m.all {
		if e.ID <= fromID {
			continue
		}
		out = append(out, e)
		if len(out) == batchSize {
			break
		}
	}
	return out, nil
}
