// internal/period/period.go
package period

import "time"

// MonthlyCount is one calendar-month bucket of a time series.
type MonthlyCount struct {
	Year  int   `json:"year" db:"year"`
	Month int   `json:"month" db:"month"`
	Count int64 `json:"count" db:"count"`
}

func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// StartOfWeek returns midnight of the Monday on or before t.
func StartOfWeek(t time.Time) time.Time {
	day := StartOfDay(t)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func StartOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}

// Window returns the start of the oldest month in a series of n months ending with the month of now.
func Window(now time.Time, n int) time.Time {
	if n < 1 {
		n = 1
	}
	return StartOfMonth(now).AddDate(0, -(n - 1), 0)
}

// Tally buckets stamps into the last n calendar months, oldest first. Months
// without stamps are present with a zero count.
func Tally(now time.Time, n int, stamps []time.Time) []MonthlyCount {
	if n < 1 {
		n = 1
	}
	start := Window(now, n)
	out := make([]MonthlyCount, n)
	for i := range out {
		m := start.AddDate(0, i, 0)
		out[i] = MonthlyCount{Year: m.Year(), Month: int(m.Month())}
	}
	for _, s := range stamps {
		s = s.In(now.Location())
		if s.Before(start) || s.After(now) {
			continue
		}
		idx := (s.Year()-start.Year())*12 + int(s.Month()) - int(start.Month())
		if idx >= 0 && idx < n {
			out[idx].Count++
		}
	}
	return out
}

// Fill expands a sparse series (as returned by a GROUP BY) to all n months.
func Fill(now time.Time, n int, sparse []MonthlyCount) []MonthlyCount {
	out := Tally(now, n, nil)
	for _, s := range sparse {
		for i := range out {
			if out[i].Year == s.Year && out[i].Month == s.Month {
				out[i].Count = s.Count
			}
		}
	}
	return out
}
