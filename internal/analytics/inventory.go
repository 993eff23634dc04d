// internal/analytics/inventory.go
package analytics

// deriveInventory combines catalog counts with the number of active loans.
// Every ratio is 0 when its denominator is 0.
func deriveInventory(cat *CatalogSection, lend *LendingSection) InventorySection {
	inv := InventorySection{
		TotalBooks:          cat.TotalBooks,
		TotalCopies:         cat.TotalCopies,
		AvailableCopies:     cat.AvailableCopies,
		BorrowedCopies:      lend.Active,
		UtilizationRate:     round2(ratio(lend.Active, cat.TotalCopies) * 100),
		LowStockCount:       len(cat.LowStock),
		LowStockTitles:      make([]string, 0, len(cat.LowStock)),
		HighDemandTitles:    make([]string, 0, len(cat.MostBorrowed)),
		CategoryUtilization: make(map[string]float64, len(cat.BooksByCategory)),
	}
	for _, b := range cat.LowStock {
		inv.LowStockTitles = append(inv.LowStockTitles, b.Title)
		if b.AvailableCopies == 0 {
			inv.OutOfStockCount++
		}
	}
	for _, b := range cat.MostBorrowed {
		if b.BorrowCount > 0 {
			inv.HighDemandTitles = append(inv.HighDemandTitles, b.Title)
		}
	}
	for category, n := range cat.BooksByCategory {
		inv.CategoryUtilization[category] = round2(ratio(n, cat.TotalBooks) * 100)
	}
	return inv
}
