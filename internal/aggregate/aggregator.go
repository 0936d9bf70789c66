// Package aggregate merges per-account and per-zone usage records into
// aggregated snapshots. Counter SKUs sum across contributors; gauge SKUs
// (P95 rates) take the max, since summing percentiles overstates usage.
package aggregate

import (
	"sort"

	"usagewatch/internal/sku"
	"usagewatch/internal/usage"
)

// AccountRecord is one account's fetch outcome. A nil Record with a nil Err
// means the SKU is not contracted for the account.
type AccountRecord struct {
	AccountID string
	Record    *usage.UsagePeriodRecord
	Err       error
}

// ZoneRecord is one zone's fetch outcome.
type ZoneRecord struct {
	Zone   usage.Zone
	Record *usage.UsagePeriodRecord
	Err    error
}

// Aggregate merges account-scoped records.
func Aggregate(def sku.Definition, records []AccountRecord) *usage.AggregatedSnapshot {
	snap := newSnapshot(def)

	series := make([][]usage.MonthPoint, 0, len(records))
	for _, rec := range records {
		if rec.Err != nil {
			snap.Failures = append(snap.Failures, usage.FetchFailure{
				SKU:       def.ID,
				AccountID: rec.AccountID,
				Reason:    rec.Err.Error(),
			})
			continue
		}
		if rec.Record == nil {
			continue
		}

		snap.Current = MergeValues(def, snap.Current, rec.Record.Current)
		snap.Previous = MergeValues(def, snap.Previous, rec.Record.Previous)
		series = append(series, rec.Record.TimeSeries)

		snap.PerAccountData = append(snap.PerAccountData, usage.AccountSlice{
			AccountID:  rec.AccountID,
			Current:    cloneOrEmpty(rec.Record.Current),
			Previous:   cloneOrEmpty(rec.Record.Previous),
			TimeSeries: MergeTimeSeries(def, rec.Record.TimeSeries),
		})
	}

	snap.TimeSeries = MergeTimeSeries(def, series...)
	sort.SliceStable(snap.PerAccountData, func(i, j int) bool {
		return snap.PerAccountData[i].AccountID < snap.PerAccountData[j].AccountID
	})
	sortFailures(snap.Failures)
	return snap
}

// AggregateZones merges zone-scoped records and rebuilds the per-account
// rollup from the zones each account owns. Every id in accountIDs without a
// failure gets a per-account slice, zero-valued when it owns no zones.
func AggregateZones(def sku.Definition, accountIDs []string, records []ZoneRecord) *usage.AggregatedSnapshot {
	snap := newSnapshot(def)
	snap.PerZoneData = make([]usage.ZoneSlice, 0, len(records))

	series := make([][]usage.MonthPoint, 0, len(records))
	for _, rec := range records {
		if rec.Err != nil {
			snap.Failures = append(snap.Failures, usage.FetchFailure{
				SKU:       def.ID,
				AccountID: rec.Zone.AccountID,
				ZoneID:    rec.Zone.ID,
				Reason:    rec.Err.Error(),
			})
			continue
		}
		if rec.Record == nil {
			continue
		}

		snap.Current = MergeValues(def, snap.Current, rec.Record.Current)
		snap.Previous = MergeValues(def, snap.Previous, rec.Record.Previous)
		series = append(series, rec.Record.TimeSeries)

		snap.PerZoneData = append(snap.PerZoneData, usage.ZoneSlice{
			ZoneID:     rec.Zone.ID,
			ZoneName:   rec.Zone.Name,
			AccountID:  rec.Zone.AccountID,
			Current:    cloneOrEmpty(rec.Record.Current),
			Previous:   cloneOrEmpty(rec.Record.Previous),
			TimeSeries: MergeTimeSeries(def, rec.Record.TimeSeries),
		})
	}

	snap.TimeSeries = MergeTimeSeries(def, series...)
	sort.SliceStable(snap.PerZoneData, func(i, j int) bool {
		a, b := snap.PerZoneData[i], snap.PerZoneData[j]
		if a.AccountID != b.AccountID {
			return a.AccountID < b.AccountID
		}
		if a.ZoneName != b.ZoneName {
			return a.ZoneName < b.ZoneName
		}
		return a.ZoneID < b.ZoneID
	})
	failed := make(map[string]struct{}, len(snap.Failures))
	for _, f := range snap.Failures {
		failed[f.AccountID] = struct{}{}
	}
	healthy := make([]string, 0, len(accountIDs))
	for _, id := range accountIDs {
		if _, ok := failed[id]; !ok {
			healthy = append(healthy, id)
		}
	}
	snap.PerAccountData = RollupZones(def, healthy, snap.PerZoneData)
	sortFailures(snap.Failures)
	return snap
}

// RollupZones groups zone slices by owning account and merges each group.
// Accounts listed in accountIDs that own no zone slice get an empty slice.
func RollupZones(def sku.Definition, accountIDs []string, zones []usage.ZoneSlice) []usage.AccountSlice {
	seen := make(map[string]struct{})
	order := make([]string, 0, len(accountIDs))
	add := func(id string) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			order = append(order, id)
		}
	}
	for _, id := range accountIDs {
		add(id)
	}
	for _, z := range zones {
		add(z.AccountID)
	}
	sort.Strings(order)

	out := make([]usage.AccountSlice, 0, len(order))
	for _, accountID := range order {
		owned := FilterZones(zones, accountID)
		slice := usage.AccountSlice{
			AccountID: accountID,
			Current:   usage.MetricValues{},
			Previous:  usage.MetricValues{},
		}
		series := make([][]usage.MonthPoint, 0, len(owned))
		for _, z := range owned {
			slice.Current = MergeValues(def, slice.Current, z.Current)
			slice.Previous = MergeValues(def, slice.Previous, z.Previous)
			series = append(series, z.TimeSeries)
		}
		slice.TimeSeries = MergeTimeSeries(def, series...)
		out = append(out, slice)
	}
	return out
}

// FilterZones returns the zones owned by accountID.
func FilterZones(zones []usage.ZoneSlice, accountID string) []usage.ZoneSlice {
	out := make([]usage.ZoneSlice, 0)
	for _, z := range zones {
		if z.AccountID == accountID {
			out = append(out, z)
		}
	}
	return out
}

// MergeValues folds src into dst using the SKU's combine rule and returns dst.
func MergeValues(def sku.Definition, dst, src usage.MetricValues) usage.MetricValues {
	if dst == nil {
		dst = usage.MetricValues{}
	}
	for k, v := range src {
		if existing, ok := dst[k]; ok {
			dst[k] = def.Combine(existing, v)
		} else {
			dst[k] = v
		}
	}
	return dst
}

func newSnapshot(def sku.Definition) *usage.AggregatedSnapshot {
	return &usage.AggregatedSnapshot{
		SKU:            def.ID,
		Kind:           def.Kind(),
		Current:        usage.MetricValues{},
		Previous:       usage.MetricValues{},
		TimeSeries:     []usage.MonthPoint{},
		PerAccountData: []usage.AccountSlice{},
	}
}

func cloneOrEmpty(v usage.MetricValues) usage.MetricValues {
	if v == nil {
		return usage.MetricValues{}
	}
	return v.Clone()
}

func sortFailures(failures []usage.FetchFailure) {
	sort.SliceStable(failures, func(i, j int) bool {
		if failures[i].AccountID != failures[j].AccountID {
			return failures[i].AccountID < failures[j].AccountID
		}
		return failures[i].ZoneID < failures[j].ZoneID
	})
}
