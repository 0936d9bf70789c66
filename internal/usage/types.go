// Package usage holds the usage records exchanged between the fetcher,
// aggregator, cache and alert engine.
package usage

import (
	"sort"
	"time"

	"github.com/samber/lo"

	"usagewatch/internal/sku"
)

// MetricValues maps sub-metric keys to numbers. Absent keys read as zero.
type MetricValues map[string]float64

// Get returns the value for key or zero.
func (m MetricValues) Get(key string) float64 {
	if m == nil {
		return 0
	}
	return m[key]
}

// Clone copies the values.
func (m MetricValues) Clone() MetricValues {
	out := make(MetricValues, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MonthPoint is one calendar month of a time series.
type MonthPoint struct {
	Month     string       `json:"month"`
	Timestamp time.Time    `json:"timestamp"`
	Values    MetricValues `json:"values"`
}

// UsagePeriodRecord is one SKU for one account or zone.
type UsagePeriodRecord struct {
	Current    MetricValues `json:"current"`
	Previous   MetricValues `json:"previous"`
	TimeSeries []MonthPoint `json:"timeSeries"`
}

// Zone is a zone owned by an account.
type Zone struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AccountID string `json:"accountId"`
}

// ZoneCount is the phase-1 placeholder for one account.
type ZoneCount struct {
	AccountID string `json:"accountId"`
	Zones     int    `json:"zones"`
}

// AccountSlice is one account's share of an aggregated snapshot.
type AccountSlice struct {
	AccountID  string       `json:"accountId"`
	Current    MetricValues `json:"current"`
	Previous   MetricValues `json:"previous"`
	TimeSeries []MonthPoint `json:"timeSeries"`
}

// ZoneSlice is one zone's share of a zone-scoped snapshot.
type ZoneSlice struct {
	ZoneID     string       `json:"zoneId"`
	ZoneName   string       `json:"zoneName"`
	AccountID  string       `json:"accountId"`
	Current    MetricValues `json:"current"`
	Previous   MetricValues `json:"previous"`
	TimeSeries []MonthPoint `json:"timeSeries"`
}

// FetchFailure flags a contributor whose upstream fetch failed.
type FetchFailure struct {
	SKU       string `json:"sku"`
	AccountID string `json:"accountId"`
	ZoneID    string `json:"zoneId,omitempty"`
	Reason    string `json:"reason"`
}

// AggregatedSnapshot is one SKU across all requested accounts.
type AggregatedSnapshot struct {
	SKU            string         `json:"sku"`
	Kind           sku.Kind       `json:"kind"`
	Current        MetricValues   `json:"current"`
	Previous       MetricValues   `json:"previous"`
	TimeSeries     []MonthPoint   `json:"timeSeries"`
	PerAccountData []AccountSlice `json:"perAccountData"`
	PerZoneData    []ZoneSlice    `json:"perZoneData,omitempty"`
	Failures       []FetchFailure `json:"failures,omitempty"`
}

// FailedAccounts lists accounts with at least one failed fetch.
func (s *AggregatedSnapshot) FailedAccounts() []string {
	if s == nil {
		return nil
	}
	ids := lo.Uniq(lo.Map(s.Failures, func(f FetchFailure, _ int) string { return f.AccountID }))
	sort.Strings(ids)
	return ids
}

// Account returns the slice for accountID.
func (s *AggregatedSnapshot) Account(accountID string) (AccountSlice, bool) {
	if s == nil {
		return AccountSlice{}, false
	}
	return lo.Find(s.PerAccountData, func(a AccountSlice) bool { return a.AccountID == accountID })
}

// Bundle is the full hot-cache payload for one set of accounts.
type Bundle struct {
	AccountsKey  string                         `json:"accountsKey"`
	AccountIDs   []string                       `json:"accountIds"`
	FetchedAt    time.Time                      `json:"fetchedAt"`
	CoreMetrics  *AggregatedSnapshot            `json:"coreMetrics"`
	SKUSnapshots map[string]*AggregatedSnapshot `json:"skuSnapshots"`
}

// Snapshot returns the snapshot for a SKU id, core traffic included.
func (b *Bundle) Snapshot(id string) *AggregatedSnapshot {
	if b == nil {
		return nil
	}
	if id == sku.CoreTrafficID {
		return b.CoreMetrics
	}
	return b.SKUSnapshots[id]
}

// Failures collects failures across every snapshot in the bundle.
func (b *Bundle) Failures() []FetchFailure {
	if b == nil {
		return nil
	}
	var out []FetchFailure
	if b.CoreMetrics != nil {
		out = append(out, b.CoreMetrics.Failures...)
	}
	for _, id := range lo.Keys(b.SKUSnapshots) {
		if snap := b.SKUSnapshots[id]; snap != nil {
			out = append(out, snap.Failures...)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SKU != out[j].SKU {
			return out[i].SKU < out[j].SKU
		}
		return out[i].AccountID < out[j].AccountID
	})
	return out
}
