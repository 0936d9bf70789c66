package aggregate

import (
	"sort"

	"usagewatch/internal/sku"
	"usagewatch/internal/usage"
)

// MergeTimeSeries merges any number of series by month key. Overlapping
// months are combined with the SKU's rule; the result is sorted by timestamp
// regardless of input order.
func MergeTimeSeries(def sku.Definition, series ...[]usage.MonthPoint) []usage.MonthPoint {
	byMonth := make(map[string]*usage.MonthPoint)
	for _, s := range series {
		for _, p := range s {
			existing, ok := byMonth[p.Month]
			if !ok {
				point := usage.MonthPoint{Month: p.Month, Timestamp: p.Timestamp, Values: cloneOrEmpty(p.Values)}
				if point.Timestamp.IsZero() {
					if m, err := usage.ParseMonth(p.Month); err == nil {
						point.Timestamp = m.Start
					}
				}
				byMonth[p.Month] = &point
				continue
			}
			existing.Values = MergeValues(def, existing.Values, p.Values)
		}
	}

	out := make([]usage.MonthPoint, 0, len(byMonth))
	for _, p := range byMonth {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Month < out[j].Month
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
