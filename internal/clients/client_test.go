package clients

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"libralend/internal/catalog"
	"libralend/internal/httpx"
	"libralend/internal/identity"
	"libralend/internal/lending"
	"libralend/internal/logger"
)

func serve(t *testing.T, routes func(chi.Router)) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func newCatalog(t *testing.T, opts ...Option) *CatalogClient {
	t.Helper()
	svc := catalog.NewService(catalog.NewMemoryStore(), logger.Nop())
	srv := serve(t, catalog.NewHandler(svc).Routes)
	return NewCatalogClient(srv.URL, opts...)
}

func newIdentity(t *testing.T) *IdentityClient {
	t.Helper()
	svc := identity.NewService(identity.NewMemoryStore(), logger.Nop(), identity.WithRateLimit(time.Microsecond, 1_000_000))
	srv := serve(t, identity.NewHandler(svc).Routes)
	return NewIdentityClient(srv.URL)
}

func addBook(t *testing.T, c catalog.Service, copies int) *catalog.Book {
	t.Helper()
	b, err := c.AddBook(context.Background(), catalog.NewBook{
		ISBN:        uuid.NewString(),
		Title:       "Dune",
		Author:      "Frank Herbert",
		Category:    "Science Fiction",
		TotalCopies: copies,
	})
	require.NoError(t, err)
	return b
}

func TestCatalogClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newCatalog(t)
	book := addBook(t, c, 1)

	got, err := c.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, "Dune", got.Title)
	assert.Equal(t, 1, got.AvailableCopies)

	op := uuid.New()
	got, err = c.DecrementAvailable(ctx, book.ID, op)
	require.NoError(t, err)
	assert.Equal(t, 0, got.AvailableCopies)

	_, err = c.DecrementAvailable(ctx, book.ID, uuid.New())
	require.ErrorIs(t, err, catalog.ErrNoCopiesAvailable)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.StatusCode)
	assert.False(t, se.Retryable())

	require.NoError(t, c.RevertOperation(ctx, op))
	n, err := c.TotalAvailableCopies(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	byCategory, err := c.CountByCategory(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), byCategory["Science Fiction"])

	low, err := c.LowStockBooks(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, low, 1)

	_, err = c.GetBook(ctx, uuid.New())
	assert.ErrorIs(t, err, catalog.ErrBookNotFound)

	_, err = c.UpdateInventory(ctx, book.ID, 1, 5)
	assert.ErrorIs(t, err, catalog.ErrInvalidInventory)

	assert.NoError(t, c.Ping(ctx))
}

func TestIdentityClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newIdentity(t)

	user, err := c.RegisterUser(ctx, identity.NewUser{Email: "Ada@Example.com", Name: "Ada", Password: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", user.Email)

	_, err = c.RegisterUser(ctx, identity.NewUser{Email: "ada@example.com", Name: "Ada", Password: "correct horse"})
	assert.ErrorIs(t, err, identity.ErrDuplicateEmail)

	_, err = c.Authenticate(ctx, "ada@example.com", "wrong")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)

	logged, err := c.Authenticate(ctx, "ada@example.com", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, int64(1), logged.LoginCount)

	_, err = c.GetUser(ctx, uuid.New())
	assert.ErrorIs(t, err, identity.ErrUserNotFound)

	top, err := c.TopActiveUsers(ctx, 5)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, user.ID, top[0].ID)

	inactive, err := c.SetActive(ctx, user.ID, false)
	require.NoError(t, err)
	assert.False(t, inactive.Active)

	active, err := c.CountActiveUsers(ctx)
	require.NoError(t, err)
	assert.Zero(t, active)
}

// The lending service runs against its dependencies over HTTP and is itself
// reached through its client.
func TestLendingOverHTTP(t *testing.T) {
	ctx := context.Background()
	books := newCatalog(t)
	users := newIdentity(t)
	svc := lending.NewService(lending.NewMemoryStore(), users, books, logger.Nop(), lending.WithRetry(3, time.Millisecond))
	c := NewLendingClient(serve(t, lending.NewHandler(svc).Routes).URL)

	user, err := users.RegisterUser(ctx, identity.NewUser{Email: "reader@example.com", Name: "Reader", Password: "long enough"})
	require.NoError(t, err)
	book := addBook(t, books, 2)

	rec, err := c.BeginLoan(ctx, lending.BorrowRequest{UserID: user.ID, BookID: book.ID})
	require.NoError(t, err)
	assert.Equal(t, lending.StatusActive, rec.Status)
	assert.Equal(t, "Dune", rec.BookTitle)
	assert.Equal(t, "reader@example.com", rec.UserEmail)

	got, err := books.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AvailableCopies)

	_, err = c.BeginLoan(ctx, lending.BorrowRequest{UserID: user.ID, BookID: book.ID})
	assert.ErrorIs(t, err, lending.ErrDuplicateLoan)

	active, err := c.ListActiveUserRecords(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, rec.ID, active[0].ID)

	done, err := c.CompleteLoan(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, lending.StatusCompleted, done.Status)

	_, err = c.CompleteLoan(ctx, rec.ID)
	assert.ErrorIs(t, err, lending.ErrNotActive)

	_, err = c.GetRecord(ctx, uuid.New())
	assert.ErrorIs(t, err, lending.ErrLendingNotFound)

	n, err := c.CountCompleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	since, err := c.CountBorrowedSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), since)

	between, err := c.ListBetween(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, between, 1)

	got, err = books.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AvailableCopies)
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		httpx.WriteError(w, http.StatusInternalServerError, "internal", errors.New("boom"))
	}))
	defer srv.Close()
	c := NewCatalogClient(srv.URL, WithBreaker(3, time.Minute))

	for i := 0; i < 3; i++ {
		_, err := c.CountBooks(context.Background())
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.True(t, se.Retryable())
	}
	_, err := c.CountBooks(context.Background())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(3), hits.Load())
}

func TestBreakerIgnoresCallerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		httpx.WriteError(w, http.StatusNotFound, "book_not_found", errors.New("book not found"))
	}))
	defer srv.Close()
	c := NewCatalogClient(srv.URL, WithBreaker(2, time.Minute))

	for i := 0; i < 5; i++ {
		_, err := c.GetBook(context.Background(), uuid.New())
		assert.ErrorIs(t, err, catalog.ErrBookNotFound)
	}
	assert.Equal(t, int32(5), hits.Load())
}

func TestMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"count": "many"`))
	}))
	defer srv.Close()

	_, err := NewCatalogClient(srv.URL).CountBooks(context.Background())
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestCallTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := NewCatalogClient(srv.URL, WithTimeout(50*time.Millisecond)).CountBooks(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestTraceContextIsPropagated(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	header := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header <- r.Header.Get("traceparent")
		httpx.WriteCount(w, 0)
	}))
	defer srv.Close()

	traceID := trace.TraceID{0x01, 0x02, 0x03}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     trace.SpanID{0x04},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	_, err := NewCatalogClient(srv.URL).CountBooks(ctx)
	require.NoError(t, err)
	assert.Contains(t, <-header, traceID.String())
}
