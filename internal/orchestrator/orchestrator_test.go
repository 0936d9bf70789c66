package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usagewatch/internal/cache"
	"usagewatch/internal/fetcher"
	"usagewatch/internal/sku"
	"usagewatch/internal/storage"
	"usagewatch/internal/usage"
)

var now = time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)

type harness struct {
	src   *fetcher.Static
	cache *cache.Manager
	orch  *Orchestrator
}

func newHarness(timeout time.Duration, kv storage.KV) *harness {
	if kv == nil {
		kv = storage.NewMemoryStore(time.Minute)
	}
	clock := func() time.Time { return now }
	src := fetcher.NewStatic()
	mgr := cache.NewManager(kv, cache.Options{Now: clock}, zerolog.Nop())
	f := fetcher.NewAccountFetcher(src, mgr, timeout, zerolog.Nop())
	return &harness{
		src:   src,
		cache: mgr,
		orch:  New(f, mgr, Options{MaxConcurrency: 4, HistoryMonths: 2, Now: clock}, zerolog.Nop()),
	}
}

// seedTwoAccounts loads account A with 10M requests and 1 TB, account B with 5M requests and 0.5 TB.
func (h *harness) seedTwoAccounts() {
	h.src.AddZone(usage.Zone{ID: "za", Name: "a.example", AccountID: "A"})
	h.src.AddZone(usage.Zone{ID: "zb", Name: "b.example", AccountID: "B"})
	h.src.SetZoneUsage("A", "za", sku.CoreTrafficID, "2026-10", usage.MetricValues{"requests": 10e6, "bytes": 1e12})
	h.src.SetZoneUsage("B", "zb", sku.CoreTrafficID, "2026-10", usage.MetricValues{"requests": 5e6, "bytes": 0.5e12})
	h.src.SetZoneUsage("A", "za", sku.CoreTrafficID, "2026-09", usage.MetricValues{"requests": 8e6})
	h.src.SetUsage("A", "workers", "2026-10", usage.MetricValues{"requests": 100})
	h.src.SetUsage("B", "workers", "2026-10", usage.MetricValues{"requests": 50})
}

func coreOnly() sku.Configuration {
	return sku.Configuration{
		Registry: sku.Default(),
		SKUs:     map[string]sku.Config{sku.CoreTrafficID: {Enabled: true}},
	}
}

func withWorkers() sku.Configuration {
	cfg := coreOnly()
	cfg.SKUs["workers"] = sku.Config{Enabled: true}
	return cfg
}

func TestFetchRejectsBadRequests(t *testing.T) {
	h := newHarness(time.Second, nil)

	_, err := h.orch.Fetch(context.Background(), coreOnly(), []string{" "}, PhaseCount)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = h.orch.Fetch(context.Background(), coreOnly(), []string{"A"}, 4)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = h.orch.Fetch(context.Background(), sku.Configuration{}, []string{"A"}, PhaseCount)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestProgressiveFlow(t *testing.T) {
	h := newHarness(time.Second, nil)
	h.seedTwoAccounts()
	ctx := context.Background()
	cfg := withWorkers()
	ids := []string{"B", "A"}

	first, err := h.orch.Fetch(ctx, cfg, ids, PhaseCount)
	require.NoError(t, err)
	assert.Equal(t, KindZoneCount, first.Kind)
	assert.Equal(t, "A,B", first.AccountsKey)
	assert.Equal(t, []usage.ZoneCount{{AccountID: "A", Zones: 1}, {AccountID: "B", Zones: 1}}, first.CoreZoneCounts)
	assert.False(t, first.CacheIncomplete)

	core, err := h.orch.Fetch(ctx, cfg, ids, PhaseCore)
	require.NoError(t, err)
	assert.Equal(t, KindCore, core.Kind)
	assert.Equal(t, 15e6, core.Core.Current.Get("requests"))
	assert.Equal(t, 1.5e12, core.Core.Current.Get("bytes"))
	assert.Empty(t, core.Core.Previous)

	complete, err := h.orch.Fetch(ctx, cfg, ids, PhaseComplete)
	require.NoError(t, err)
	assert.Equal(t, KindComplete, complete.Kind)
	require.NotNil(t, complete.Data)
	assert.Equal(t, 15e6, complete.Data.CoreMetrics.Current.Get("requests"))
	assert.Equal(t, 8e6, complete.Data.CoreMetrics.Previous.Get("requests"))
	assert.Len(t, complete.Data.CoreMetrics.PerAccountData, 2)
	assert.Len(t, complete.Data.CoreMetrics.PerZoneData, 2)
	require.Contains(t, complete.Data.SKUSnapshots, "workers")
	assert.Equal(t, 150.0, complete.Data.SKUSnapshots["workers"].Current.Get("requests"))
	assert.Empty(t, complete.Failures)

	cached, err := h.orch.Fetch(ctx, cfg, ids, PhaseCount)
	require.NoError(t, err)
	assert.Equal(t, KindCached, cached.Kind)
	require.NotNil(t, cached.Data)
	assert.Equal(t, 15e6, cached.Data.CoreMetrics.Current.Get("requests"))
}

func TestNewlyEnabledSkuForcesMiss(t *testing.T) {
	h := newHarness(time.Second, nil)
	h.seedTwoAccounts()
	ctx := context.Background()

	_, err := h.orch.Fetch(ctx, coreOnly(), []string{"A", "B"}, PhaseComplete)
	require.NoError(t, err)

	res, err := h.orch.Fetch(ctx, coreOnly(), []string{"A", "B"}, PhaseCount)
	require.NoError(t, err)
	assert.Equal(t, KindCached, res.Kind)

	cfg := withWorkers()
	res, err = h.orch.Fetch(ctx, cfg, []string{"A", "B"}, PhaseCount)
	require.NoError(t, err)
	assert.Equal(t, KindZoneCount, res.Kind)
	assert.True(t, res.CacheIncomplete)
}

func TestPartialFailureKeepsOtherAccounts(t *testing.T) {
	h := newHarness(30*time.Millisecond, nil)
	h.seedTwoAccounts()
	// Every call for B outlives the per-call timeout.
	h.src.DelayAccount("B", time.Second)

	res, err := h.orch.Fetch(context.Background(), withWorkers(), []string{"A", "B"}, PhaseComplete)
	require.NoError(t, err)

	workers := res.Data.SKUSnapshots["workers"]
	require.NotNil(t, workers)
	assert.Equal(t, 100.0, workers.Current.Get("requests"))
	require.Len(t, workers.PerAccountData, 1)
	assert.Equal(t, "A", workers.PerAccountData[0].AccountID)
	assert.Equal(t, []string{"B"}, workers.FailedAccounts())

	core := res.Data.CoreMetrics
	assert.Equal(t, 10e6, core.Current.Get("requests"))
	assert.Equal(t, []string{"B"}, core.FailedAccounts())
	assert.NotEmpty(t, res.Failures)
}

func TestCoreFailureDoesNotEmptyAddons(t *testing.T) {
	h := newHarness(time.Second, nil)
	h.seedTwoAccounts()
	h.src.FailAccount("B", errors.New("upstream 502"))

	res, err := h.orch.Fetch(context.Background(), withWorkers(), []string{"A", "B"}, PhaseCore)
	require.NoError(t, err)
	assert.Equal(t, 10e6, res.Core.Current.Get("requests"))
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "B", res.Failures[0].AccountID)
	assert.Contains(t, res.Failures[0].Reason, "upstream 502")
}

type failingPut struct{ storage.KV }

func (failingPut) Put(context.Context, string, []byte, time.Duration) error {
	return errors.New("store unavailable")
}

func TestCacheWriteFailureStillReturnsData(t *testing.T) {
	h := newHarness(time.Second, failingPut{storage.NewMemoryStore(time.Minute)})
	h.seedTwoAccounts()

	res, err := h.orch.Fetch(context.Background(), coreOnly(), []string{"A", "B"}, PhaseComplete)
	require.NoError(t, err)
	require.NotNil(t, res.Data)
	assert.Equal(t, 15e6, res.Data.CoreMetrics.Current.Get("requests"))
}

func TestBundleUsesCacheUnlessForced(t *testing.T) {
	h := newHarness(time.Second, nil)
	h.seedTwoAccounts()
	ctx := context.Background()

	first, err := h.orch.Bundle(ctx, coreOnly(), []string{"A", "B"}, false)
	require.NoError(t, err)
	calls := h.src.Calls()

	second, err := h.orch.Bundle(ctx, coreOnly(), []string{"B", "A"}, false)
	require.NoError(t, err)
	assert.Equal(t, calls, h.src.Calls())
	assert.Equal(t, first.CoreMetrics.Current, second.CoreMetrics.Current)

	_, err = h.orch.Bundle(ctx, coreOnly(), []string{"A", "B"}, true)
	require.NoError(t, err)
	assert.Greater(t, h.src.Calls(), calls)
}

func TestFailedRefreshKeepsCachedBundle(t *testing.T) {
	h := newHarness(time.Second, nil)
	h.seedTwoAccounts()
	ctx := context.Background()
	ids := []string{"A", "B"}

	_, err := h.orch.Bundle(ctx, coreOnly(), ids, true)
	require.NoError(t, err)

	h.src.FailAccount("A", errors.New("upstream 503"))
	h.src.FailAccount("B", errors.New("upstream 503"))
	fresh, err := h.orch.Bundle(ctx, coreOnly(), ids, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, fresh.CoreMetrics.FailedAccounts())
	assert.Zero(t, fresh.CoreMetrics.Current.Get("requests"))

	res, err := h.orch.Fetch(ctx, coreOnly(), ids, PhaseCount)
	require.NoError(t, err)
	require.Equal(t, KindCached, res.Kind)
	assert.Equal(t, 15e6, res.Data.CoreMetrics.Current.Get("requests"))
	assert.Empty(t, res.Data.Failures())
}

func TestDegradedBundleReplacedOnRecovery(t *testing.T) {
	h := newHarness(time.Second, nil)
	h.seedTwoAccounts()
	ctx := context.Background()
	ids := []string{"A", "B"}
	h.src.FailAccount("B", errors.New("upstream 502"))

	_, err := h.orch.Fetch(ctx, coreOnly(), ids, PhaseComplete)
	require.NoError(t, err)

	entry, err := h.cache.GetHot(ctx, cache.HotKey("A,B"))
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, int64(cache.DefaultDegradedTTL/time.Second), entry.TTLSeconds)

	h.src.FailAccount("B", nil)
	_, err = h.orch.Fetch(ctx, coreOnly(), ids, PhaseComplete)
	require.NoError(t, err)

	res, err := h.orch.Fetch(ctx, coreOnly(), ids, PhaseCount)
	require.NoError(t, err)
	require.Equal(t, KindCached, res.Kind)
	assert.Equal(t, 15e6, res.Data.CoreMetrics.Current.Get("requests"))
	assert.Empty(t, res.Data.Failures())
}

func TestBackfillLeavesHotEntry(t *testing.T) {
	h := newHarness(time.Second, nil)
	h.seedTwoAccounts()
	ctx := context.Background()
	ids := []string{"A", "B"}

	hot, err := h.orch.Bundle(ctx, coreOnly(), ids, true)
	require.NoError(t, err)

	deep, err := h.orch.Backfill(ctx, coreOnly(), ids, 6)
	require.NoError(t, err)
	assert.Greater(t, len(deep.CoreMetrics.TimeSeries), len(hot.CoreMetrics.TimeSeries))

	cached, err := h.orch.Bundle(ctx, coreOnly(), ids, false)
	require.NoError(t, err)
	assert.Len(t, cached.CoreMetrics.TimeSeries, len(hot.CoreMetrics.TimeSeries))

	// Closed months fetched by the first backfill come from the cache.
	before := h.src.MonthCalls("2026-06")
	assert.Positive(t, before)
	_, err = h.orch.Backfill(ctx, coreOnly(), ids, 6)
	require.NoError(t, err)
	assert.Equal(t, before, h.src.MonthCalls("2026-06"))

	_, err = h.orch.Backfill(ctx, coreOnly(), ids, 0)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestAccountWithoutZonesReportsZeroUsage(t *testing.T) {
	h := newHarness(time.Second, nil)
	h.seedTwoAccounts()

	res, err := h.orch.Fetch(context.Background(), coreOnly(), []string{"A", "B", "C"}, PhaseComplete)
	require.NoError(t, err)

	core := res.Data.CoreMetrics
	require.Len(t, core.PerAccountData, 3)
	c, ok := core.Account("C")
	require.True(t, ok)
	assert.Zero(t, c.Current.Get("requests"))
	assert.Equal(t, 15e6, core.Current.Get("requests"))
	assert.Empty(t, core.Failures)
}
