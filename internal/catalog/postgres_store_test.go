package catalog

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

	"libralend/internal/logger"
)

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
	require.NoError(t, NewPostgresStore(db).Migrate(context.Background()))
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPostgresConcurrentDecrementsOnLastCopy(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(NewPostgresStore(db), logger.Nop())
	book := addBook(t, svc, 1)
	var wins atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.DecrementAvailable(context.Background(), book.ID, uuid.New()); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	got, err := svc.GetBook(context.Background(), book.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.AvailableCopies)
}

func TestPostgresReplayAndRevert(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(NewPostgresStore(db), logger.Nop())
	ctx := context.Background()
	book := addBook(t, svc, 2)
	op := uuid.New()

	_, err := svc.DecrementAvailable(ctx, book.ID, op)
	require.NoError(t, err)
	again, err := svc.DecrementAvailable(ctx, book.ID, op)
	require.NoError(t, err)
	assert.Equal(t, 1, again.AvailableCopies, "replay must not take a second copy")

	require.NoError(t, svc.RevertOperation(ctx, op))
	require.NoError(t, svc.RevertOperation(ctx, op))

	got, err := svc.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AvailableCopies)
}

func TestPostgresRevertBeforeDecrementArrivesFencesIt(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(NewPostgresStore(db), logger.Nop())
	ctx := context.Background()
	book := addBook(t, svc, 1)
	op := uuid.New()

	require.NoError(t, svc.RevertOperation(ctx, op))
	require.NoError(t, svc.RevertOperation(ctx, op))
	_, err := svc.DecrementAvailable(ctx, book.ID, op)
	assert.ErrorIs(t, err, ErrOperationConflict)

	got, err := svc.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AvailableCopies)
	assert.Equal(t, book.Version, got.Version)
}

func TestPostgresIncrementClampsAtTotal(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(NewPostgresStore(db), logger.Nop())
	book := addBook(t, svc, 1)

	got, err := svc.IncrementAvailable(context.Background(), book.ID, uuid.New())

	require.NoError(t, err)
	assert.Equal(t, 1, got.AvailableCopies)
}
