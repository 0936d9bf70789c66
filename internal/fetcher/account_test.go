package fetcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usagewatch/internal/cache"
	"usagewatch/internal/sku"
	"usagewatch/internal/storage"
	"usagewatch/internal/usage"
)

var fixedNow = time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)

func newTestFetcher(src Source, timeout time.Duration) (*AccountFetcher, *cache.Manager) {
	mgr := cache.NewManager(storage.NewMemoryStore(time.Minute), cache.Options{Now: func() time.Time { return fixedNow }}, zerolog.Nop())
	return NewAccountFetcher(src, mgr, timeout, zerolog.Nop()), mgr
}

func workersConfig() (sku.Definition, sku.Config) {
	return sku.Default().MustLookup("workers"), sku.Config{ID: "workers", Enabled: true}
}

func TestFetchSkuForAccountWithHistory(t *testing.T) {
	src := NewStatic()
	src.SetUsage("a1", "workers", "2026-10", usage.MetricValues{"requests": 10})
	src.SetUsage("a1", "workers", "2026-09", usage.MetricValues{"requests": 20})
	src.SetUsage("a1", "workers", "2026-08", usage.MetricValues{"requests": 30})
	f, _ := newTestFetcher(src, time.Second)
	def, cfg := workersConfig()

	rec, err := f.FetchSkuForAccount(context.Background(), "a1", def, cfg, usage.NewMonthRange(fixedNow, 2))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 10.0, rec.Current.Get("requests"))
	assert.Equal(t, 20.0, rec.Previous.Get("requests"))
	require.Len(t, rec.TimeSeries, 3)
	assert.Equal(t, []string{"2026-08", "2026-09", "2026-10"}, []string{rec.TimeSeries[0].Month, rec.TimeSeries[1].Month, rec.TimeSeries[2].Month})
}

func TestClosedMonthsServedFromCache(t *testing.T) {
	src := NewStatic()
	src.SetUsage("a1", "workers", "2026-08", usage.MetricValues{"requests": 30})
	f, mgr := newTestFetcher(src, time.Second)
	def, cfg := workersConfig()
	r := usage.NewMonthRange(fixedNow, 2)

	_, err := f.FetchSkuForAccount(context.Background(), "a1", def, cfg, r)
	require.NoError(t, err)
	_, err = f.FetchSkuForAccount(context.Background(), "a1", def, cfg, r)
	require.NoError(t, err)

	// August and September are closed on Oct 17; only the open month is queried twice.
	assert.Equal(t, 1, src.MonthCalls("2026-08"))
	assert.Equal(t, 1, src.MonthCalls("2026-09"))
	assert.Equal(t, 2, src.MonthCalls("2026-10"))

	values, ok, err := mgr.GetClosedMonth(context.Background(), cache.ClosedMonthRef{AccountID: "a1", SKU: "workers", Month: "2026-08"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 30.0, values.Get("requests"))
}

func TestPreviousMonthNotCachedBeforeClose(t *testing.T) {
	src := NewStatic()
	now := time.Date(2026, 11, 1, 12, 0, 0, 0, time.UTC)
	mgr := cache.NewManager(storage.NewMemoryStore(time.Minute), cache.Options{Now: func() time.Time { return now }}, zerolog.Nop())
	f := NewAccountFetcher(src, mgr, time.Second, zerolog.Nop())
	def, cfg := workersConfig()

	_, err := f.FetchSkuForAccount(context.Background(), "a1", def, cfg, usage.NewMonthRange(now, 1))
	require.NoError(t, err)

	_, ok, err := mgr.GetClosedMonth(context.Background(), cache.ClosedMonthRef{AccountID: "a1", SKU: "workers", Month: "2026-10"})
	require.NoError(t, err)
	assert.False(t, ok, "October is still open on November 1st")
}

func TestFetchSkuNotContracted(t *testing.T) {
	f, _ := newTestFetcher(NewStatic(), time.Second)
	def := sku.Default().MustLookup("workers")
	cfg := sku.Config{ID: "workers", Enabled: true, Accounts: []string{"a2"}}

	rec, err := f.FetchSkuForAccount(context.Background(), "a1", def, cfg, usage.CurrentOnly(fixedNow))
	require.NoError(t, err)
	assert.Nil(t, rec)

	zoneDef := sku.Default().MustLookup("bot_management")
	zoneCfg := sku.Config{ID: "bot_management", Enabled: true, Zones: []string{"z9"}}
	rec, err = f.FetchSkuForZone(context.Background(), usage.Zone{ID: "z1", AccountID: "a1"}, zoneDef, zoneCfg, usage.CurrentOnly(fixedNow))
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestFetchSkuForZone(t *testing.T) {
	src := NewStatic()
	src.SetZoneUsage("a1", "z1", sku.CoreTrafficID, "2026-10", usage.MetricValues{"requests": 5e6})
	f, _ := newTestFetcher(src, time.Second)
	def := sku.Default().MustLookup(sku.CoreTrafficID)
	cfg := sku.Config{ID: sku.CoreTrafficID, Enabled: true}

	rec, err := f.FetchSkuForZone(context.Background(), usage.Zone{ID: "z1", AccountID: "a1"}, def, cfg, usage.CurrentOnly(fixedNow))
	require.NoError(t, err)
	assert.Equal(t, 5e6, rec.Current.Get("requests"))
	assert.Empty(t, rec.Previous)
	require.Len(t, rec.TimeSeries, 1)
}

func TestFetchFailureWrapsUpstreamError(t *testing.T) {
	src := NewStatic()
	src.FailAccount("a1", errors.New("boom"))
	f, _ := newTestFetcher(src, time.Second)
	def, cfg := workersConfig()

	_, err := f.FetchSkuForAccount(context.Background(), "a1", def, cfg, usage.CurrentOnly(fixedNow))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamFetch)
	assert.Contains(t, err.Error(), "boom")
}

func TestFetchTimeout(t *testing.T) {
	src := NewStatic()
	src.DelayAccount("a1", time.Second)
	f, _ := newTestFetcher(src, 20*time.Millisecond)
	def, cfg := workersConfig()

	start := time.Now()
	_, err := f.FetchSkuForAccount(context.Background(), "a1", def, cfg, usage.CurrentOnly(fixedNow))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamFetch)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
