package analytics

import (
	"context"
	"math"
	"testing"

	"pgregory.net/rapid"

	"libralend/internal/health"
)

var sourceMethods = map[string][]string{
	"identity": {"CountUsers", "CountActiveUsers", "CountNewUsersThisMonth", "CountByRole", "GrowthStats", "TopActiveUsers"},
	"catalog": {"CountBooks", "CountAvailableBooks", "TotalCopies", "TotalAvailableCopies", "CountByCategory",
		"LowStockBooks", "RecentlyAddedBooks", "PopularBooks", "LeastBorrowedBooks"},
	"lending": {"CountRecords", "CountActive", "CountCompleted", "CountOverdue", "CountBorrowedSince",
		"MonthlyStats", "MostBorrowedBooks", "UserBorrowingPatterns", "AverageReturnTime", "RecentActivity"},
}

// Whatever subset of calls fails, the report is produced, every section
// status matches its failed fields, untouched fields keep their real values
// and derived ratios stay finite.
func TestReportDegradesFieldByField(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	baseline := f.svc.GenerateReport(ctx)

	rapid.Check(t, func(rt *rapid.T) {
		failing := map[string]bool{}
		for _, section := range []string{"identity", "catalog", "lending"} {
			for _, m := range sourceMethods[section] {
				failing[m] = rapid.Bool().Draw(rt, m)
			}
		}
		failing["Ping"] = rapid.Bool().Draw(rt, "Ping")

		f.faults.mu.Lock()
		f.faults.failing = failing
		f.faults.mu.Unlock()

		r := f.svc.GenerateReport(ctx)

		// Each failing method costs its fields; CountUsers also feeds the catalog
		// average and CountBorrowedSince feeds three windows.
		want := map[string]int{}
		for section, methods := range sourceMethods {
			for _, m := range methods {
				if !failing[m] {
					continue
				}
				want[section]++
				if m == "CountBorrowedSince" {
					want[section] += 2
				}
			}
		}
		if failing["CountUsers"] {
			want["catalog"]++
		}
		got := map[string]Section{"identity": r.Identity.Section, "catalog": r.Catalog.Section, "lending": r.Lending.Section}
		anyFailed := false
		for section, sec := range got {
			if len(sec.FailedFields) != want[section] {
				rt.Fatalf("%s: %d failed fields %v, want %d", section, len(sec.FailedFields), sec.FailedFields, want[section])
			}
			if (sec.Status == SectionOK) != (want[section] == 0) {
				rt.Fatalf("%s: status %s with %d failed fields", section, sec.Status, want[section])
			}
			anyFailed = anyFailed || want[section] > 0
		}
		if r.Metadata.Degraded != (anyFailed || failing["Ping"]) {
			rt.Fatalf("degraded = %v", r.Metadata.Degraded)
		}
		if failing["Ping"] != (r.Health.Status == health.StatusDegraded) {
			rt.Fatalf("health status %s", r.Health.Status)
		}

		if !failing["CountRecords"] && r.Lending.Total != baseline.Lending.Total {
			rt.Fatalf("lending total %d, want %d", r.Lending.Total, baseline.Lending.Total)
		}
		if !failing["TotalCopies"] && r.Catalog.TotalCopies != baseline.Catalog.TotalCopies {
			rt.Fatalf("total copies %d, want %d", r.Catalog.TotalCopies, baseline.Catalog.TotalCopies)
		}
		if !failing["CountActiveUsers"] && r.Identity.ActiveUsers != baseline.Identity.ActiveUsers {
			rt.Fatalf("active users %d, want %d", r.Identity.ActiveUsers, baseline.Identity.ActiveUsers)
		}

		for _, v := range []float64{r.Inventory.UtilizationRate, r.Catalog.AverageBooksPerUser, r.Identity.GrowthRate} {
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				rt.Fatalf("ratio out of range: %v", v)
			}
		}
		if r.Lending.CountsByType["RETURN"] < 0 {
			rt.Fatalf("negative RETURN count")
		}
	})
}
