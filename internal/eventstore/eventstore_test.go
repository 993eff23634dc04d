package eventstore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type journaled struct {
	Message string `json:"message"`
}

func mustEvent(t testing.TB, msg string) Event {
	t.Helper()
	e, err := NewEvent("Journaled", journaled{Message: msg})
	require.NoError(t, err)
	return e
}

// setupTestDB connects to Postgres using the PG* variables and skips when it is unreachable.
func setupTestDB(t testing.TB) *sqlx.DB {
	t.Helper()

	env := func(k, def string) string {
		if v := os.Getenv(k); v != "" {
			return v
		}
		return def
	}
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		env("PGHOST", "localhost"), env("PGPORT", "5432"), env("PGUSER", "user"),
		env("PGPASSWORD", "password"), env("PGDATABASE", "testdb"))

	db, err := sqlx.Open("postgres", dsn)
	require.NoError(t, err)
	if err := db.Ping(); err != nil {
		t.Skipf("skipping: could not connect to postgres: %v", err)
	}
	store := NewEventStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	return db
}

type journal interface {
	AppendEvents(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event) error
	LoadEvents(ctx context.Context, aggregateID uuid.UUID, fromVersion, toVersion int) ([]Event, error)
	GetCurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int, error)
}

func exerciseJournal(t *testing.T, store journal) {
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, store.AppendEvents(ctx, id, "loan", 0, []Event{mustEvent(t, "opened")}))
	require.NoError(t, store.AppendEvents(ctx, id, "loan", 1, []Event{mustEvent(t, "completed"), mustEvent(t, "noted")}))

	err := store.AppendEvents(ctx, id, "loan", 1, []Event{mustEvent(t, "stale")})
	assert.ErrorIs(t, err, ErrConcurrencyConflict, "a stale expected version must be rejected")

	version, err := store.GetCurrentVersion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, version)

	events, err := store.LoadEvents(ctx, id, 2, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 2, events[0].Version)
	var body journaled
	require.NoError(t, events[0].Decode(&body))
	assert.Equal(t, "completed", body.Message)

	bounded, err := store.LoadEvents(ctx, id, 1, 1)
	require.NoError(t, err)
	assert.Len(t, bounded, 1)
}

func TestMemoryStoreJournal(t *testing.T) {
	exerciseJournal(t, NewMemoryStore())
}

func TestPostgresStoreJournal(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	exerciseJournal(t, NewEventStore(db))
}

func TestMemoryStoreConcurrentAppendsSerialize(t *testing.T) {
	store := NewMemoryStore()
	id := uuid.New()
	var wins atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := store.AppendEvents(context.Background(), id, "loan", 0, []Event{mustEvent(t, fmt.Sprint(i))}); err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one writer may claim version 1")
}

func TestMemoryStoreStreamEvents(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendEvents(ctx, uuid.New(), "loan", 0, []Event{mustEvent(t, fmt.Sprint(i))}))
	}

	batch, err := store.StreamEvents(ctx, 2, 2)

	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, int64(3), batch[0].ID)
	assert.Equal(t, int64(4), batch[1].ID)
}

func BenchmarkAppendEvents(b *testing.B) {
	db := setupTestDB(b)
	defer db.Close()
	store := NewEventStore(db)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		events := []Event{mustEvent(b, fmt.Sprintf("event %d", i))}
		b.StartTimer()

		if err := store.AppendEvents(context.Background(), uuid.New(), "loan", 0, events); err != nil {
			b.Fatalf("AppendEvents failed: %v", err)
		}
	}
}
