// internal/analytics/domain.go
package analytics

import (
	"math"
	"time"

	"libralend/internal/catalog"
	"libralend/internal/health"
	"libralend/internal/identity"
	"libralend/internal/lending"
	"libralend/internal/period"
)

// SectionStatus tells how many fields of a section were fetched.
type SectionStatus string

const (
	SectionOK          SectionStatus = "OK"
	SectionPartial     SectionStatus = "PARTIAL"
	SectionUnavailable SectionStatus = "UNAVAILABLE"
)

type Freshness string

const (
	FreshnessRealTime Freshness = "REAL_TIME"
	FreshnessCached   Freshness = "CACHED"
)

// Section is embedded in every fetched section. FailedFields lists the fields
// that hold their default because the fetch failed.
type Section struct {
	Status       SectionStatus `json:"status"`
	FailedFields []string      `json:"failed_fields,omitempty"`
}

// settle derives the status from the section's own fields. A failed field
// fetched from another service makes the section PARTIAL at most.
func (s *Section) settle(owned, ownedFailed int) {
	switch {
	case len(s.FailedFields) == 0:
		s.Status = SectionOK
	case owned > 0 && ownedFailed >= owned:
		s.Status = SectionUnavailable
	default:
		s.Status = SectionPartial
	}
}

func (s *Section) failed(field string) bool {
	for _, f := range s.FailedFields {
		if f == field {
			return true
		}
	}
	return false
}

type IdentitySection struct {
	Section
	TotalUsers        int64                 `json:"total_users"`
	ActiveUsers       int64                 `json:"active_users"`
	NewUsersThisMonth int64                 `json:"new_users_this_month"`
	UsersByRole       map[string]int64      `json:"users_by_role"`
	GrowthRate        float64               `json:"growth_rate"`
	GrowthStats       []period.MonthlyCount `json:"growth_stats"`
	TopActiveUsers    []identity.User       `json:"top_active_users"`
}

type CatalogSection struct {
	Section
	TotalBooks          int64            `json:"total_books"`
	AvailableBooks      int64            `json:"available_books"`
	TotalCopies         int64            `json:"total_copies"`
	AvailableCopies     int64            `json:"available_copies"`
	BooksByCategory     map[string]int64 `json:"books_by_category"`
	MostBorrowed        []catalog.Book   `json:"most_borrowed"`
	LeastBorrowed       []catalog.Book   `json:"least_borrowed"`
	LowStock            []catalog.Book   `json:"low_stock"`
	RecentlyAdded       []catalog.Book   `json:"recently_added"`
	AverageBooksPerUser float64          `json:"average_books_per_user"`
}

type LendingSection struct {
	Section
	Total             int64                 `json:"total"`
	Active            int64                 `json:"active"`
	Completed         int64                 `json:"completed"`
	Overdue           int64                 `json:"overdue"`
	Today             int64                 `json:"today"`
	ThisWeek          int64                 `json:"this_week"`
	ThisMonth         int64                 `json:"this_month"`
	AverageReturnDays float64               `json:"average_return_days"`
	CountsByType      map[string]int64      `json:"counts_by_type"`
	MonthlyStats      []period.MonthlyCount `json:"monthly_stats"`
	MostBorrowedBooks []lending.BookCount   `json:"most_borrowed_books"`
	UserPatterns      []lending.UserPattern `json:"user_patterns"`
	RecentActivity    []lending.Activity    `json:"recent_activity"`
}

// InventorySection is derived from the catalog and lending sections.
type InventorySection struct {
	TotalBooks          int64              `json:"total_books"`
	TotalCopies         int64              `json:"total_copies"`
	AvailableCopies     int64              `json:"available_copies"`
	BorrowedCopies      int64              `json:"borrowed_copies"`
	UtilizationRate     float64            `json:"utilization_rate"`
	LowStockCount       int                `json:"low_stock_count"`
	OutOfStockCount     int                `json:"out_of_stock_count"`
	LowStockTitles      []string           `json:"low_stock_titles"`
	HighDemandTitles    []string           `json:"high_demand_titles"`
	CategoryUtilization map[string]float64 `json:"category_utilization"`
}

type Metadata struct {
	GeneratedAt     time.Time `json:"generated_at"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
	DataFreshness   Freshness `json:"data_freshness"`
	Degraded        bool      `json:"degraded"`
}

// Report is the full dashboard. It is recomputed on request and never persisted.
type Report struct {
	Identity  IdentitySection  `json:"identity"`
	Catalog   CatalogSection   `json:"catalog"`
	Lending   LendingSection   `json:"lending"`
	Health    health.Report    `json:"health"`
	Inventory InventorySection `json:"inventory"`
	Metadata  Metadata         `json:"metadata"`
}

type Summary struct {
	TotalBooks      int64         `json:"total_books"`
	AvailableCopies int64         `json:"available_copies"`
	TotalUsers      int64         `json:"total_users"`
	ActiveLoans     int64         `json:"active_loans"`
	SystemStatus    health.Status `json:"system_status"`
	GeneratedAt     time.Time     `json:"generated_at"`
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }

// ratio returns num/den, or 0 when den is not positive.
func ratio(num, den int64) float64 {
	if den <= 0 {
		return 0
	}
	return float64(num) / float64(den)
}
