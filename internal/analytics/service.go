// internal/analytics/service.go
package analytics

import (
	"context"
	"time"

	"libralend/internal/catalog"
	"libralend/internal/health"
	"libralend/internal/identity"
	"libralend/internal/period"
)

// Service builds reports. None of its methods fail: a field whose source is
// unreachable keeps its default and is listed in its section's FailedFields.
type Service interface {
	GenerateReport(ctx context.Context) Report
	IdentityReport(ctx context.Context) IdentitySection
	CatalogReport(ctx context.Context) CatalogSection
	LendingReport(ctx context.Context) LendingSection
	InventoryReport(ctx context.Context) InventorySection
	HealthReport(ctx context.Context) health.Report
	Summary(ctx context.Context) Summary
}

// UserStats is the part of identity.Service the aggregator reads.
type UserStats interface {
	CountUsers(ctx context.Context) (int64, error)
	CountActiveUsers(ctx context.Context) (int64, error)
	CountNewUsersThisMonth(ctx context.Context) (int64, error)
	CountByRole(ctx context.Context) (map[string]int64, error)
	GrowthStats(ctx context.Context, months int) ([]period.MonthlyCount, error)
	TopActiveUsers(ctx context.Context, limit int) ([]identity.User, error)
}

// BookStats is the part of catalog.Service the aggregator reads.
type BookStats interface {
	CountBooks(ctx context.Context) (int64, error)
	CountAvailableBooks(ctx context.Context) (int64, error)
	TotalCopies(ctx context.Context) (int64, error)
	TotalAvailableCopies(ctx context.Context) (int64, error)
	CountByCategory(ctx context.Context) (map[string]int64, error)
	LowStockBooks(ctx context.Context, threshold int) ([]catalog.Book, error)
	RecentlyAddedBooks(ctx context.Context, limit int) ([]catalog.Book, error)
	PopularBooks(ctx context.Context, limit int) ([]catalog.Book, error)
	LeastBorrowedBooks(ctx context.Context, limit int) ([]catalog.Book, error)
}

type HealthChecker interface {
	ProbeAll(ctx context.Context) health.Report
}

// ReportCache stores complete reports between requests.
type ReportCache interface {
	Get(ctx context.Context) (*Report, bool, error)
	Set(ctx context.Context, r *Report, ttl time.Duration) error
}
