package period

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartOfWeekIsMonday(t *testing.T) {
	// Sunday
	now := time.Date(2026, 10, 18, 15, 4, 5, 0, time.UTC)

	got := StartOfWeek(now)

	assert.Equal(t, time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC), got)
	assert.Equal(t, time.Monday, got.Weekday())
}

func TestTallyAcrossYearBoundary(t *testing.T) {
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	stamps := []time.Time{
		time.Date(2025, 12, 31, 23, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 9, 1, 0, 0, 0, time.UTC),
		time.Date(2025, 11, 30, 0, 0, 0, 0, time.UTC), // outside the window
	}

	got := Tally(now, 3, stamps)

	require.Len(t, got, 3)
	assert.Equal(t, MonthlyCount{Year: 2025, Month: 12, Count: 1}, got[0])
	assert.Equal(t, MonthlyCount{Year: 2026, Month: 1, Count: 1}, got[1])
	assert.Equal(t, MonthlyCount{Year: 2026, Month: 2, Count: 2}, got[2])
}

func TestFillKeepsKnownMonths(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	got := Fill(now, 2, []MonthlyCount{{Year: 2026, Month: 3, Count: 4}})

	assert.Equal(t, []MonthlyCount{{Year: 2026, Month: 2}, {Year: 2026, Month: 3, Count: 4}}, got)
}
