package usage

import (
	"fmt"
	"time"
)

// MonthLayout is the month key format used in cache keys and time series.
const MonthLayout = "2006-01"

// Month is one calendar month in UTC.
type Month struct {
	Key   string
	Start time.Time
	End   time.Time
}

// MonthOf returns the calendar month containing t.
func MonthOf(t time.Time) Month {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Month{Key: start.Format(MonthLayout), Start: start, End: start.AddDate(0, 1, 0)}
}

// ParseMonth parses a YYYY-MM key.
func ParseMonth(key string) (Month, error) {
	t, err := time.Parse(MonthLayout, key)
	if err != nil {
		return Month{}, fmt.Errorf("parse month %q: %w", key, err)
	}
	return MonthOf(t), nil
}

// Prev returns the preceding month.
func (m Month) Prev() Month {
	return MonthOf(m.Start.AddDate(0, -1, 0))
}

// Closed reports whether the month's figures are final. A month closes at
// 00:00 UTC on the 2nd of the following month.
func (m Month) Closed(now time.Time) bool {
	closesAt := m.End.AddDate(0, 0, 1)
	return !now.UTC().Before(closesAt)
}

// QueryEnd clamps the month end to now for open months.
func (m Month) QueryEnd(now time.Time) time.Time {
	now = now.UTC()
	if now.Before(m.End) {
		return now
	}
	return m.End
}

// Point builds a time-series point for the month.
func (m Month) Point(values MetricValues) MonthPoint {
	return MonthPoint{Month: m.Key, Timestamp: m.Start, Values: values}
}

// MonthRange is the window an account fetch covers.
type MonthRange struct {
	Now     time.Time
	Current Month
	// History holds the months preceding Current, oldest first; the last one is the previous month.
	History []Month
}

// NewMonthRange builds a range ending at now's month with historyMonths closed-or-closing months before it.
func NewMonthRange(now time.Time, historyMonths int) MonthRange {
	if historyMonths < 1 {
		historyMonths = 1
	}
	current := MonthOf(now)
	history := make([]Month, historyMonths)
	m := current
	for i := historyMonths - 1; i >= 0; i-- {
		m = m.Prev()
		history[i] = m
	}
	return MonthRange{Now: now.UTC(), Current: current, History: history}
}

// CurrentOnly builds a range that fetches only the current month.
func CurrentOnly(now time.Time) MonthRange {
	return MonthRange{Now: now.UTC(), Current: MonthOf(now)}
}

// Previous returns the month before Current.
func (r MonthRange) Previous() Month {
	return r.Current.Prev()
}

// WithHistory reports whether previous month and time series are requested.
func (r MonthRange) WithHistory() bool {
	return len(r.History) > 0
}
