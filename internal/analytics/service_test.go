package analytics

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libralend/internal/catalog"
	"libralend/internal/health"
	"libralend/internal/identity"
	"libralend/internal/lending"
	"libralend/internal/logger"
	"libralend/internal/period"
)

var errDown = errors.New("connection refused")

// faults makes named methods of the wrapped sources fail, panic or hang.
type faults struct {
	mu      sync.Mutex
	failing map[string]bool
	panics  map[string]bool
	hangs   map[string]bool
}

func newFaults() *faults {
	return &faults{failing: map[string]bool{}, panics: map[string]bool{}, hangs: map[string]bool{}}
}

func (f *faults) fail(names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range names {
		f.failing[n] = true
	}
}

func (f *faults) check(name string) error {
	f.mu.Lock()
	failing, panics, hangs := f.failing[name], f.panics[name], f.hangs[name]
	f.mu.Unlock()
	switch {
	case panics:
		panic("unexpected nil in " + name)
	case hangs:
		time.Sleep(time.Second)
	case failing:
		return errDown
	}
	return nil
}

func guard[T any](f *faults, name string, call func() (T, error)) (T, error) {
	if err := f.check(name); err != nil {
		var zero T
		return zero, err
	}
	return call()
}

type faultyUsers struct {
	UserStats
	f *faults
}

func (u faultyUsers) CountUsers(ctx context.Context) (int64, error) {
	return guard(u.f, "CountUsers", func() (int64, error) { return u.UserStats.CountUsers(ctx) })
}

func (u faultyUsers) CountActiveUsers(ctx context.Context) (int64, error) {
	return guard(u.f, "CountActiveUsers", func() (int64, error) { return u.UserStats.CountActiveUsers(ctx) })
}

func (u faultyUsers) CountNewUsersThisMonth(ctx context.Context) (int64, error) {
	return guard(u.f, "CountNewUsersThisMonth", func() (int64, error) { return u.UserStats.CountNewUsersThisMonth(ctx) })
}

func (u faultyUsers) CountByRole(ctx context.Context) (map[string]int64, error) {
	return guard(u.f, "CountByRole", func() (map[string]int64, error) { return u.UserStats.CountByRole(ctx) })
}

func (u faultyUsers) GrowthStats(ctx context.Context, months int) ([]period.MonthlyCount, error) {
	return guard(u.f, "GrowthStats", func() ([]period.MonthlyCount, error) { return u.UserStats.GrowthStats(ctx, months) })
}

func (u faultyUsers) TopActiveUsers(ctx context.Context, limit int) ([]identity.User, error) {
	return guard(u.f, "TopActiveUsers", func() ([]identity.User, error) { return u.UserStats.TopActiveUsers(ctx, limit) })
}

type faultyBooks struct {
	BookStats
	f *faults
}

func (b faultyBooks) CountBooks(ctx context.Context) (int64, error) {
	return guard(b.f, "CountBooks", func() (int64, error) { return b.BookStats.CountBooks(ctx) })
}

func (b faultyBooks) CountAvailableBooks(ctx context.Context) (int64, error) {
	return guard(b.f, "CountAvailableBooks", func() (int64, error) { return b.BookStats.CountAvailableBooks(ctx) })
}

func (b faultyBooks) TotalCopies(ctx context.Context) (int64, error) {
	return guard(b.f, "TotalCopies", func() (int64, error) { return b.BookStats.TotalCopies(ctx) })
}

func (b faultyBooks) TotalAvailableCopies(ctx context.Context) (int64, error) {
	return guard(b.f, "TotalAvailableCopies", func() (int64, error) { return b.BookStats.TotalAvailableCopies(ctx) })
}

func (b faultyBooks) CountByCategory(ctx context.Context) (map[string]int64, error) {
	return guard(b.f, "CountByCategory", func() (map[string]int64, error) { return b.BookStats.CountByCategory(ctx) })
}

func (b faultyBooks) LowStockBooks(ctx context.Context, threshold int) ([]catalog.Book, error) {
	return guard(b.f, "LowStockBooks", func() ([]catalog.Book, error) { return b.BookStats.LowStockBooks(ctx, threshold) })
}

func (b faultyBooks) RecentlyAddedBooks(ctx context.Context, limit int) ([]catalog.Book, error) {
	return guard(b.f, "RecentlyAddedBooks", func() ([]catalog.Book, error) { return b.BookStats.RecentlyAddedBooks(ctx, limit) })
}

func (b faultyBooks) PopularBooks(ctx context.Context, limit int) ([]catalog.Book, error) {
	return guard(b.f, "PopularBooks", func() ([]catalog.Book, error) { return b.BookStats.PopularBooks(ctx, limit) })
}

func (b faultyBooks) LeastBorrowedBooks(ctx context.Context, limit int) ([]catalog.Book, error) {
	return guard(b.f, "LeastBorrowedBooks", func() ([]catalog.Book, error) { return b.BookStats.LeastBorrowedBooks(ctx, limit) })
}

type faultyLoans struct {
	lending.Stats
	f *faults
}

func (l faultyLoans) CountRecords(ctx context.Context) (int64, error) {
	return guard(l.f, "CountRecords", func() (int64, error) { return l.Stats.CountRecords(ctx) })
}

func (l faultyLoans) CountActive(ctx context.Context) (int64, error) {
	return guard(l.f, "CountActive", func() (int64, error) { return l.Stats.CountActive(ctx) })
}

func (l faultyLoans) CountCompleted(ctx context.Context) (int64, error) {
	return guard(l.f, "CountCompleted", func() (int64, error) { return l.Stats.CountCompleted(ctx) })
}

func (l faultyLoans) CountOverdue(ctx context.Context) (int64, error) {
	return guard(l.f, "CountOverdue", func() (int64, error) { return l.Stats.CountOverdue(ctx) })
}

func (l faultyLoans) CountBorrowedSince(ctx context.Context, since time.Time) (int64, error) {
	return guard(l.f, "CountBorrowedSince", func() (int64, error) { return l.Stats.CountBorrowedSince(ctx, since) })
}

func (l faultyLoans) MonthlyStats(ctx context.Context, months int) ([]period.MonthlyCount, error) {
	return guard(l.f, "MonthlyStats", func() ([]period.MonthlyCount, error) { return l.Stats.MonthlyStats(ctx, months) })
}

func (l faultyLoans) MostBorrowedBooks(ctx context.Context, limit int) ([]lending.BookCount, error) {
	return guard(l.f, "MostBorrowedBooks", func() ([]lending.BookCount, error) { return l.Stats.MostBorrowedBooks(ctx, limit) })
}

func (l faultyLoans) UserBorrowingPatterns(ctx context.Context, limit int) ([]lending.UserPattern, error) {
	return guard(l.f, "UserBorrowingPatterns", func() ([]lending.UserPattern, error) { return l.Stats.UserBorrowingPatterns(ctx, limit) })
}

func (l faultyLoans) AverageReturnTime(ctx context.Context) (float64, error) {
	return guard(l.f, "AverageReturnTime", func() (float64, error) { return l.Stats.AverageReturnTime(ctx) })
}

func (l faultyLoans) RecentActivity(ctx context.Context, limit int) ([]lending.Activity, error) {
	return guard(l.f, "RecentActivity", func() ([]lending.Activity, error) { return l.Stats.RecentActivity(ctx, limit) })
}

type fixture struct {
	identity identity.Service
	catalog  catalog.Service
	lending  lending.Service
	faults   *faults
	svc      Service
	now      time.Time
}

func newFixture(t testing.TB, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		catalog: catalog.NewService(catalog.NewMemoryStore(), logger.Nop()),
		faults:  newFaults(),
		now:     time.Date(2024, time.May, 10, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.identity = identity.NewService(identity.NewMemoryStore(), logger.Nop(),
		identity.WithRateLimit(time.Microsecond, 1_000_000), identity.WithClock(clock))
	f.lending = lending.NewService(lending.NewMemoryStore(), f.identity, f.catalog, logger.Nop(),
		lending.WithRetry(1, time.Millisecond), lending.WithClock(clock))

	up := health.PingFunc(func(context.Context) error { return nil })
	catalogPing := health.PingFunc(func(context.Context) error { return f.faults.check("Ping") })
	prober := health.NewProber(logger.Nop(), time.Second,
		health.Target{Name: "identity", Pinger: up},
		health.Target{Name: "catalog", Pinger: catalogPing},
		health.Target{Name: "lending", Pinger: up},
	)

	base := []Option{WithClock(clock), WithFieldTimeout(200 * time.Millisecond)}
	f.svc = NewService(
		faultyUsers{UserStats: f.identity, f: f.faults},
		faultyBooks{BookStats: f.catalog, f: f.faults},
		faultyLoans{Stats: f.lending, f: f.faults},
		prober, logger.Nop(), append(base, opts...)...)
	return f
}

func (f *fixture) user(t testing.TB) uuid.UUID {
	t.Helper()
	u, err := f.identity.RegisterUser(context.Background(), identity.NewUser{
		Email:    uuid.NewString()[:12] + "@example.com",
		Name:     "Reader",
		Password: "long enough",
	})
	require.NoError(t, err)
	return u.ID
}

func (f *fixture) book(t testing.TB, title, category string, copies int) uuid.UUID {
	t.Helper()
	b, err := f.catalog.AddBook(context.Background(), catalog.NewBook{
		ISBN:        uuid.NewString(),
		Title:       title,
		Author:      "Author",
		Category:    category,
		TotalCopies: copies,
	})
	require.NoError(t, err)
	return b.ID
}

func (f *fixture) borrow(t testing.TB, userID, bookID uuid.UUID) *lending.Record {
	t.Helper()
	rec, err := f.lending.BeginLoan(context.Background(), lending.BorrowRequest{UserID: userID, BookID: bookID})
	require.NoError(t, err)
	return rec
}

// seed builds four users, three titles with ten copies and three loans, one of them returned.
func (f *fixture) seed(t testing.TB) {
	t.Helper()
	users := []uuid.UUID{f.user(t), f.user(t), f.user(t), f.user(t)}
	dune := f.book(t, "Dune", "Science Fiction", 5)
	emma := f.book(t, "Emma", "Classics", 3)
	f.book(t, "Ubik", "Science Fiction", 2)

	f.borrow(t, users[0], dune)
	f.borrow(t, users[1], dune)
	rec := f.borrow(t, users[2], emma)
	f.now = f.now.Add(48 * time.Hour)
	_, err := f.lending.CompleteLoan(context.Background(), rec.ID)
	require.NoError(t, err)
}

func TestReportOnHealthySystem(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	r := f.svc.GenerateReport(context.Background())

	assert.Equal(t, SectionOK, r.Identity.Status)
	assert.Equal(t, int64(4), r.Identity.TotalUsers)
	assert.Equal(t, int64(4), r.Identity.NewUsersThisMonth)
	assert.Equal(t, 1.0, r.Identity.GrowthRate)
	assert.Equal(t, int64(4), r.Identity.UsersByRole[string(identity.RoleMember)])

	assert.Equal(t, SectionOK, r.Catalog.Status)
	assert.Equal(t, int64(3), r.Catalog.TotalBooks)
	assert.Equal(t, int64(10), r.Catalog.TotalCopies)
	assert.Equal(t, int64(8), r.Catalog.AvailableCopies)
	assert.Equal(t, 0.75, r.Catalog.AverageBooksPerUser)
	require.NotEmpty(t, r.Catalog.MostBorrowed)
	assert.Equal(t, "Dune", r.Catalog.MostBorrowed[0].Title)

	assert.Equal(t, SectionOK, r.Lending.Status)
	assert.Equal(t, int64(3), r.Lending.Total)
	assert.Equal(t, int64(2), r.Lending.Active)
	assert.Equal(t, int64(1), r.Lending.Completed)
	assert.Equal(t, 2.0, r.Lending.AverageReturnDays)
	assert.Equal(t, map[string]int64{"BORROW": 3, "RETURN": 1, "OVERDUE": 0}, r.Lending.CountsByType)
	assert.Len(t, r.Lending.RecentActivity, 4)

	assert.Equal(t, health.StatusUp, r.Health.Status)
	assert.Equal(t, 3, r.Health.ServicesUp)

	assert.Equal(t, int64(2), r.Inventory.BorrowedCopies)
	assert.Equal(t, 20.0, r.Inventory.UtilizationRate)
	assert.Equal(t, 66.67, r.Inventory.CategoryUtilization["Science Fiction"])
	assert.Equal(t, 33.33, r.Inventory.CategoryUtilization["Classics"])
	assert.Contains(t, r.Inventory.HighDemandTitles, "Dune")
	assert.Contains(t, r.Inventory.LowStockTitles, "Ubik")

	assert.False(t, r.Metadata.Degraded)
	assert.Equal(t, FreshnessRealTime, r.Metadata.DataFreshness)
	assert.Equal(t, f.now, r.Metadata.GeneratedAt)
}

func TestReportOnEmptySystemHasNoDivisionByZero(t *testing.T) {
	f := newFixture(t)

	r := f.svc.GenerateReport(context.Background())

	assert.Zero(t, r.Identity.GrowthRate)
	assert.Zero(t, r.Catalog.AverageBooksPerUser)
	assert.Zero(t, r.Inventory.UtilizationRate)
	assert.Empty(t, r.Inventory.CategoryUtilization)
	assert.NotNil(t, r.Identity.UsersByRole)
	assert.NotNil(t, r.Catalog.MostBorrowed)
	assert.NotNil(t, r.Lending.RecentActivity)
	assert.False(t, r.Metadata.Degraded)
}

func TestReportIsIdempotentWithoutChanges(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	first := f.svc.GenerateReport(context.Background())
	second := f.svc.GenerateReport(context.Background())

	// Probes are timed against the wall clock.
	assert.Equal(t, first.Health.Services, second.Health.Services)
	first.Health, second.Health = health.Report{}, health.Report{}
	assert.Equal(t, first, second)
}

func TestCatalogOutageLeavesOtherSectionsIntact(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	f.faults.fail("CountBooks", "CountAvailableBooks", "TotalCopies", "TotalAvailableCopies", "CountByCategory",
		"LowStockBooks", "RecentlyAddedBooks", "PopularBooks", "LeastBorrowedBooks", "Ping")

	r := f.svc.GenerateReport(context.Background())

	assert.Equal(t, SectionUnavailable, r.Catalog.Status, "the identity-backed average does not keep the section alive")
	assert.Equal(t, []string{"available_books", "available_copies", "books_by_category", "least_borrowed",
		"low_stock", "most_borrowed", "recently_added", "total_books", "total_copies"}, r.Catalog.FailedFields)
	assert.Zero(t, r.Catalog.TotalBooks)
	assert.Zero(t, r.Catalog.AverageBooksPerUser)
	assert.Empty(t, r.Catalog.MostBorrowed)

	assert.Equal(t, SectionOK, r.Identity.Status)
	assert.Equal(t, int64(4), r.Identity.TotalUsers)
	assert.Equal(t, SectionOK, r.Lending.Status)
	assert.Equal(t, int64(2), r.Lending.Active)

	assert.Equal(t, health.StatusDegraded, r.Health.Status)
	assert.Equal(t, health.StatusDown, r.Health.Services["catalog"])
	assert.Zero(t, r.Inventory.UtilizationRate)
	assert.True(t, r.Metadata.Degraded)
}

func TestAllSourcesDownStillProducesReport(t *testing.T) {
	f := newFixture(t)
	f.faults.fail("CountUsers", "CountActiveUsers", "CountNewUsersThisMonth", "CountByRole", "GrowthStats", "TopActiveUsers")

	r := f.svc.IdentityReport(context.Background())
	assert.Equal(t, SectionUnavailable, r.Status)
	assert.Len(t, r.FailedFields, 6)
	assert.Equal(t, map[string]int64{}, r.UsersByRole)
	assert.Zero(t, r.GrowthRate)
}

func TestPartialIdentitySection(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	f.faults.fail("CountByRole")

	r := f.svc.IdentityReport(context.Background())
	assert.Equal(t, SectionPartial, r.Status)
	assert.Equal(t, []string{"users_by_role"}, r.FailedFields)
	assert.Empty(t, r.UsersByRole)
	assert.Equal(t, int64(4), r.TotalUsers)
}

func TestIdentityOutageOnlyDegradesCatalogAverage(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	f.faults.fail("CountUsers")

	r := f.svc.CatalogReport(context.Background())
	assert.Equal(t, SectionPartial, r.Status)
	assert.Equal(t, []string{"average_books_per_user"}, r.FailedFields)
	assert.Zero(t, r.AverageBooksPerUser)
	assert.Equal(t, int64(3), r.TotalBooks)
}

func TestPanickingFieldIsIsolated(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	f.faults.panics["PopularBooks"] = true

	r := f.svc.CatalogReport(context.Background())
	assert.Equal(t, []string{"most_borrowed"}, r.FailedFields)
	assert.Equal(t, int64(3), r.TotalBooks)
}

func TestSlowFieldFallsBackAfterTimeout(t *testing.T) {
	f := newFixture(t, WithFieldTimeout(20*time.Millisecond))
	f.seed(t)
	f.faults.hangs["CountOverdue"] = true

	start := time.Now()
	r := f.svc.LendingReport(context.Background())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, []string{"overdue"}, r.FailedFields)
	assert.Equal(t, int64(3), r.Total)
}

func TestCountsByTypeNeverNegative(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	f.faults.fail("CountRecords")

	r := f.svc.LendingReport(context.Background())
	assert.Equal(t, int64(0), r.CountsByType["RETURN"])
}

func TestInventoryReportAndSummary(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	inv := f.svc.InventoryReport(context.Background())
	assert.Equal(t, 20.0, inv.UtilizationRate)
	assert.False(t, math.IsNaN(inv.UtilizationRate))

	s := f.svc.Summary(context.Background())
	assert.Equal(t, Summary{
		TotalBooks:      3,
		AvailableCopies: 8,
		TotalUsers:      4,
		ActiveLoans:     2,
		SystemStatus:    health.StatusUp,
		GeneratedAt:     f.now,
	}, s)
}

type memoryCache struct {
	mu     sync.Mutex
	report *Report
	sets   int
}

func (c *memoryCache) Get(context.Context) (*Report, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.report == nil {
		return nil, false, nil
	}
	r := *c.report
	return &r, true, nil
}

func (c *memoryCache) Set(_ context.Context, r *Report, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *r
	c.report = &cp
	c.sets++
	return nil
}

func TestCacheServesCompleteReports(t *testing.T) {
	cache := &memoryCache{}
	f := newFixture(t, WithCache(cache, time.Minute))
	f.seed(t)

	first := f.svc.GenerateReport(context.Background())
	assert.Equal(t, FreshnessRealTime, first.Metadata.DataFreshness)
	assert.Equal(t, 1, cache.sets)

	second := f.svc.GenerateReport(context.Background())
	assert.Equal(t, FreshnessCached, second.Metadata.DataFreshness)
	assert.Equal(t, first.Catalog, second.Catalog)
}

func TestCacheSkipsDegradedReports(t *testing.T) {
	cache := &memoryCache{}
	f := newFixture(t, WithCache(cache, time.Minute))
	f.faults.fail("Ping")

	r := f.svc.GenerateReport(context.Background())
	assert.True(t, r.Metadata.Degraded)
	assert.Zero(t, cache.sets)
}
