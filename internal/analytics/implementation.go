// internal/analytics/implementation.go
package analytics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"libralend/internal/catalog"
	"libralend/internal/health"
	"libralend/internal/identity"
	"libralend/internal/lending"
	"libralend/internal/logger"
	"libralend/internal/period"
)

const (
	DefaultFieldTimeout      = 3 * time.Second
	DefaultConcurrency       = 16
	DefaultLowStockThreshold = 2

	topN                = 10
	recentActivityLimit = 10
	statsMonths         = 12
)

type service struct {
	users  UserStats
	books  BookStats
	loans  lending.Stats
	prober HealthChecker

	cache    ReportCache
	cacheTTL time.Duration

	log      *logger.Logger
	tracer   trace.Tracer
	failures metric.Int64Counter
	now      func() time.Time

	fieldTimeout      time.Duration
	concurrency       int
	lowStockThreshold int
}

type Option func(*service)

func WithFieldTimeout(d time.Duration) Option {
	return func(s *service) {
		if d > 0 {
			s.fieldTimeout = d
		}
	}
}

// WithConcurrency bounds the number of remote calls in flight per report.
func WithConcurrency(n int) Option {
	return func(s *service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithLowStockThreshold(n int) Option {
	return func(s *service) { s.lowStockThreshold = n }
}

// WithCache serves complete reports from cache for ttl.
func WithCache(cache ReportCache, ttl time.Duration) Option {
	return func(s *service) {
		s.cache = cache
		s.cacheTTL = ttl
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// NewService creates the aggregator. The sources may be in-process services or
// the remote clients.
func NewService(users UserStats, books BookStats, loans lending.Stats, prober HealthChecker, log *logger.Logger, opts ...Option) Service {
	s := &service{
		users:             users,
		books:             books,
		loans:             loans,
		prober:            prober,
		log:               log.With("component", "analytics"),
		tracer:            otel.Tracer("libralend/analytics"),
		now:               time.Now,
		fieldTimeout:      DefaultFieldTimeout,
		concurrency:       DefaultConcurrency,
		lowStockThreshold: DefaultLowStockThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	var err error
	s.failures, err = otel.Meter("libralend/analytics").Int64Counter("analytics.field.failures",
		metric.WithDescription("Report fields that fell back to their default"))
	if err != nil {
		s.log.Warn("failed to create field failure counter", "error", err)
	}
	return s
}

func (s *service) GenerateReport(ctx context.Context) Report {
	ctx, span := s.tracer.Start(ctx, "analytics.generate_report")
	defer span.End()
	start := s.now()

	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx)
		switch {
		case err != nil:
			s.log.Warn("report cache read failed", "error", err)
		case ok:
			cached.Metadata.DataFreshness = FreshnessCached
			span.SetAttributes(attribute.Bool("report.cached", true))
			return *cached
		}
	}

	var r Report
	idFields, idDone := s.identityFields(&r.Identity)
	catFields, catDone := s.catalogFields(&r.Catalog)
	lendFields, lendDone := s.lendingFields(&r.Lending)
	healthFields, healthDone := s.healthFields(&r.Health)
	s.run(ctx, idFields, catFields, lendFields, healthFields)
	idDone()
	catDone()
	lendDone()
	healthDone()

	r.Inventory = deriveInventory(&r.Catalog, &r.Lending)
	r.Metadata = Metadata{
		GeneratedAt:     start.UTC(),
		ExecutionTimeMs: s.now().Sub(start).Milliseconds(),
		DataFreshness:   FreshnessRealTime,
		Degraded:        r.degraded(),
	}
	span.SetAttributes(attribute.Bool("report.degraded", r.Metadata.Degraded))

	if s.cache != nil && !r.Metadata.Degraded {
		if err := s.cache.Set(ctx, &r, s.cacheTTL); err != nil {
			s.log.Warn("report cache write failed", "error", err)
		}
	}
	return r
}

func (r *Report) degraded() bool {
	for _, sec := range []Section{r.Identity.Section, r.Catalog.Section, r.Lending.Section} {
		if sec.Status != SectionOK {
			return true
		}
	}
	return r.Health.Status != health.StatusUp
}

func (s *service) IdentityReport(ctx context.Context) IdentitySection {
	var sec IdentitySection
	fields, done := s.identityFields(&sec)
	s.run(ctx, fields)
	done()
	return sec
}

func (s *service) CatalogReport(ctx context.Context) CatalogSection {
	var sec CatalogSection
	fields, done := s.catalogFields(&sec)
	s.run(ctx, fields)
	done()
	return sec
}

func (s *service) LendingReport(ctx context.Context) LendingSection {
	var sec LendingSection
	fields, done := s.lendingFields(&sec)
	s.run(ctx, fields)
	done()
	return sec
}

func (s *service) InventoryReport(ctx context.Context) InventorySection {
	var (
		cat  CatalogSection
		lend LendingSection
	)
	catFields, catDone := s.catalogFields(&cat)
	lendFields := newFields("lending", &lend.Section)
	lendFields.add("active", field(&lend.Active, s.loans.CountActive))
	s.run(ctx, catFields, lendFields)
	catDone()
	return deriveInventory(&cat, &lend)
}

func (s *service) HealthReport(ctx context.Context) health.Report {
	var r health.Report
	fields, done := s.healthFields(&r)
	s.run(ctx, fields)
	done()
	return r
}

func (s *service) Summary(ctx context.Context) Summary {
	out := Summary{GeneratedAt: s.now().UTC()}
	var (
		sec Section
		hr  health.Report
	)
	fields := newFields("summary", &sec)
	fields.add("total_books", field(&out.TotalBooks, s.books.CountBooks))
	fields.add("available_copies", field(&out.AvailableCopies, s.books.TotalAvailableCopies))
	fields.add("total_users", field(&out.TotalUsers, s.users.CountUsers))
	fields.add("active_loans", field(&out.ActiveLoans, s.loans.CountActive))
	healthFields, healthDone := s.healthFields(&hr)
	s.run(ctx, fields, healthFields)
	healthDone()
	out.SystemStatus = hr.Status
	return out
}

func (s *service) identityFields(sec *IdentitySection) (*fields, func()) {
	f := newFields("identity", &sec.Section)
	f.add("total_users", field(&sec.TotalUsers, s.users.CountUsers))
	f.add("active_users", field(&sec.ActiveUsers, s.users.CountActiveUsers))
	f.add("new_users_this_month", field(&sec.NewUsersThisMonth, s.users.CountNewUsersThisMonth))
	f.add("users_by_role", field(&sec.UsersByRole, s.users.CountByRole))
	f.add("growth_stats", field(&sec.GrowthStats, func(ctx context.Context) ([]period.MonthlyCount, error) {
		return s.users.GrowthStats(ctx, statsMonths)
	}))
	f.add("top_active_users", field(&sec.TopActiveUsers, func(ctx context.Context) ([]identity.User, error) {
		return s.users.TopActiveUsers(ctx, topN)
	}))

	return f, func() {
		// Both operands default to 0, which ratio maps to 0.
		sec.GrowthRate = round4(ratio(sec.NewUsersThisMonth, sec.TotalUsers))
		if sec.UsersByRole == nil {
			sec.UsersByRole = map[string]int64{}
		}
		if sec.GrowthStats == nil {
			sec.GrowthStats = []period.MonthlyCount{}
		}
		if sec.TopActiveUsers == nil {
			sec.TopActiveUsers = []identity.User{}
		}
	}
}

func (s *service) catalogFields(sec *CatalogSection) (*fields, func()) {
	var users int64
	f := newFields("catalog", &sec.Section)
	f.add("total_books", field(&sec.TotalBooks, s.books.CountBooks))
	f.add("available_books", field(&sec.AvailableBooks, s.books.CountAvailableBooks))
	f.add("total_copies", field(&sec.TotalCopies, s.books.TotalCopies))
	f.add("available_copies", field(&sec.AvailableCopies, s.books.TotalAvailableCopies))
	f.add("books_by_category", field(&sec.BooksByCategory, s.books.CountByCategory))
	f.add("most_borrowed", field(&sec.MostBorrowed, func(ctx context.Context) ([]catalog.Book, error) {
		return s.books.PopularBooks(ctx, topN)
	}))
	f.add("least_borrowed", field(&sec.LeastBorrowed, func(ctx context.Context) ([]catalog.Book, error) {
		return s.books.LeastBorrowedBooks(ctx, topN)
	}))
	f.add("low_stock", field(&sec.LowStock, func(ctx context.Context) ([]catalog.Book, error) {
		return s.books.LowStockBooks(ctx, s.lowStockThreshold)
	}))
	f.add("recently_added", field(&sec.RecentlyAdded, func(ctx context.Context) ([]catalog.Book, error) {
		return s.books.RecentlyAddedBooks(ctx, topN)
	}))
	// The per-user average needs the user count from identity.
	f.addForeign("average_books_per_user", field(&users, s.users.CountUsers))

	return f, func() {
		if !sec.failed("total_books") && !sec.failed("average_books_per_user") {
			sec.AverageBooksPerUser = round2(ratio(sec.TotalBooks, users))
		}
		if sec.BooksByCategory == nil {
			sec.BooksByCategory = map[string]int64{}
		}
		for _, list := range []*[]catalog.Book{&sec.MostBorrowed, &sec.LeastBorrowed, &sec.LowStock, &sec.RecentlyAdded} {
			if *list == nil {
				*list = []catalog.Book{}
			}
		}
	}
}

func (s *service) lendingFields(sec *LendingSection) (*fields, func()) {
	now := s.now().UTC()
	since := func(from time.Time) func(context.Context) (int64, error) {
		return func(ctx context.Context) (int64, error) { return s.loans.CountBorrowedSince(ctx, from) }
	}
	f := newFields("lending", &sec.Section)
	f.add("total", field(&sec.Total, s.loans.CountRecords))
	f.add("active", field(&sec.Active, s.loans.CountActive))
	f.add("completed", field(&sec.Completed, s.loans.CountCompleted))
	f.add("overdue", field(&sec.Overdue, s.loans.CountOverdue))
	f.add("today", field(&sec.Today, since(period.StartOfDay(now))))
	f.add("this_week", field(&sec.ThisWeek, since(period.StartOfWeek(now))))
	f.add("this_month", field(&sec.ThisMonth, since(period.StartOfMonth(now))))
	f.add("average_return_days", field(&sec.AverageReturnDays, s.loans.AverageReturnTime))
	f.add("monthly_stats", field(&sec.MonthlyStats, func(ctx context.Context) ([]period.MonthlyCount, error) {
		return s.loans.MonthlyStats(ctx, statsMonths)
	}))
	f.add("most_borrowed_books", field(&sec.MostBorrowedBooks, func(ctx context.Context) ([]lending.BookCount, error) {
		return s.loans.MostBorrowedBooks(ctx, topN)
	}))
	f.add("user_patterns", field(&sec.UserPatterns, func(ctx context.Context) ([]lending.UserPattern, error) {
		return s.loans.UserBorrowingPatterns(ctx, topN)
	}))
	f.add("recent_activity", field(&sec.RecentActivity, func(ctx context.Context) ([]lending.Activity, error) {
		return s.loans.RecentActivity(ctx, recentActivityLimit)
	}))

	return f, func() {
		sec.AverageReturnDays = round2(sec.AverageReturnDays)
		sec.CountsByType = map[string]int64{
			"BORROW":  sec.Total,
			"RETURN":  max(sec.Total-sec.Active, 0),
			"OVERDUE": sec.Overdue,
		}
		if sec.MonthlyStats == nil {
			sec.MonthlyStats = []period.MonthlyCount{}
		}
		if sec.MostBorrowedBooks == nil {
			sec.MostBorrowedBooks = []lending.BookCount{}
		}
		if sec.UserPatterns == nil {
			sec.UserPatterns = []lending.UserPattern{}
		}
		if sec.RecentActivity == nil {
			sec.RecentActivity = []lending.Activity{}
		}
	}
}

func (s *service) healthFields(r *health.Report) (*fields, func()) {
	var sec Section
	f := newFields("health", &sec)
	f.add("services", func(ctx context.Context) (func(), error) {
		report := s.prober.ProbeAll(ctx)
		return func() { *r = report }, nil
	})
	return f, func() {
		if sec.Status == SectionOK {
			return
		}
		*r = health.Report{
			Status:    health.StatusDegraded,
			Services:  map[string]health.Status{},
			Checks:    []health.Check{},
			CheckedAt: s.now().UTC(),
		}
	}
}
