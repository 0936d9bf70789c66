package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"usagewatch/internal/cache"
	"usagewatch/internal/sku"
	"usagewatch/internal/usage"
)

// DefaultCallTimeout bounds a single upstream call.
const DefaultCallTimeout = 30 * time.Second

// ClosedMonths is the subset of the cache manager the fetcher needs.
type ClosedMonths interface {
	GetClosedMonth(ctx context.Context, ref cache.ClosedMonthRef) (usage.MetricValues, bool, error)
	PutClosedMonth(ctx context.Context, ref cache.ClosedMonthRef, values usage.MetricValues) (bool, error)
}

// AccountFetcher fetches per-account and per-zone usage for one SKU over a
// month range, serving closed months from cache and writing them once.
type AccountFetcher struct {
	source  Source
	closed  ClosedMonths
	timeout time.Duration
	logger  zerolog.Logger
}

// NewAccountFetcher wires a fetcher. closed may be nil to disable closed-month caching.
func NewAccountFetcher(source Source, closed ClosedMonths, timeout time.Duration, logger zerolog.Logger) *AccountFetcher {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &AccountFetcher{
		source:  source,
		closed:  closed,
		timeout: timeout,
		logger:  logger.With().Str("component", "account_fetcher").Logger(),
	}
}

// CountZones returns the zone count for an account within the call timeout.
func (f *AccountFetcher) CountZones(ctx context.Context, accountID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	n, err := f.source.CountZones(ctx, accountID)
	if err != nil {
		return 0, upstreamError("count zones", accountID, "", err)
	}
	return n, nil
}

// ListZones lists an account's zones within the call timeout.
func (f *AccountFetcher) ListZones(ctx context.Context, accountID string) ([]usage.Zone, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	zones, err := f.source.ListZones(ctx, accountID)
	if err != nil {
		return nil, upstreamError("list zones", accountID, "", err)
	}
	return zones, nil
}

// FetchSkuForAccount fetches one account-scoped SKU. It returns nil, nil when
// the SKU is not contracted for the account.
func (f *AccountFetcher) FetchSkuForAccount(ctx context.Context, accountID string, def sku.Definition, cfg sku.Config, r usage.MonthRange) (*usage.UsagePeriodRecord, error) {
	if !cfg.AppliesToAccount(accountID) {
		return nil, nil
	}
	return f.fetchRecord(ctx, accountID, "", def, r)
}

// FetchSkuForZone fetches one zone-scoped SKU for a single zone. It returns
// nil, nil when the SKU is not contracted for the zone or its account.
func (f *AccountFetcher) FetchSkuForZone(ctx context.Context, zone usage.Zone, def sku.Definition, cfg sku.Config, r usage.MonthRange) (*usage.UsagePeriodRecord, error) {
	if !cfg.AppliesToAccount(zone.AccountID) || !cfg.AppliesToZone(zone.ID) {
		return nil, nil
	}
	return f.fetchRecord(ctx, zone.AccountID, zone.ID, def, r)
}

func (f *AccountFetcher) fetchRecord(ctx context.Context, accountID, zoneID string, def sku.Definition, r usage.MonthRange) (*usage.UsagePeriodRecord, error) {
	current, err := f.query(ctx, accountID, zoneID, def.ID, r.Current, r.Now)
	if err != nil {
		return nil, upstreamError(def.ID+" "+r.Current.Key, accountID, zoneID, err)
	}

	record := &usage.UsagePeriodRecord{
		Current:    current,
		Previous:   usage.MetricValues{},
		TimeSeries: make([]usage.MonthPoint, 0, len(r.History)+1),
	}
	if !r.WithHistory() {
		record.TimeSeries = append(record.TimeSeries, r.Current.Point(current))
		return record, nil
	}

	previous := r.Previous()
	for _, month := range r.History {
		values, err := f.monthValues(ctx, accountID, zoneID, def.ID, month, r.Now)
		if err != nil {
			if month.Key == previous.Key {
				return nil, upstreamError(def.ID+" "+month.Key, accountID, zoneID, err)
			}
			// An older month missing from the series does not invalidate the record.
			f.logger.Warn().Err(err).
				Str("account_id", accountID).
				Str("zone_id", zoneID).
				Str("sku", def.ID).
				Str("month", month.Key).
				Msg("history month unavailable")
			continue
		}
		if month.Key == previous.Key {
			record.Previous = values
		}
		record.TimeSeries = append(record.TimeSeries, month.Point(values))
	}
	record.TimeSeries = append(record.TimeSeries, r.Current.Point(current))
	return record, nil
}

// monthValues serves a closed month from cache, fetching and storing it once
// on a miss. Open months always go upstream.
func (f *AccountFetcher) monthValues(ctx context.Context, accountID, zoneID, skuID string, month usage.Month, now time.Time) (usage.MetricValues, error) {
	if f.closed == nil || !month.Closed(now) {
		return f.query(ctx, accountID, zoneID, skuID, month, now)
	}

	ref := cache.ClosedMonthRef{AccountID: accountID, SKU: skuID, ZoneID: zoneID, Month: month.Key}
	values, ok, err := f.closed.GetClosedMonth(ctx, ref)
	if err != nil {
		f.logger.Warn().Err(err).Str("key", ref.Key()).Msg("closed-month read failed")
	}
	if ok {
		return values, nil
	}

	values, err = f.query(ctx, accountID, zoneID, skuID, month, now)
	if err != nil {
		return nil, err
	}
	if _, err := f.closed.PutClosedMonth(ctx, ref, values); err != nil {
		f.logger.Warn().Err(err).Str("key", ref.Key()).Msg("closed-month write failed")
	}
	return values, nil
}

func (f *AccountFetcher) query(ctx context.Context, accountID, zoneID, skuID string, month usage.Month, now time.Time) (usage.MetricValues, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	from, to := month.Start, month.QueryEnd(now)
	var (
		values usage.MetricValues
		err    error
	)
	if zoneID == "" {
		values, err = f.source.QueryUsage(ctx, accountID, skuID, from, to)
	} else {
		values, err = f.source.QueryZoneUsage(ctx, accountID, zoneID, skuID, from, to)
	}
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = usage.MetricValues{}
	}
	return values, nil
}

func upstreamError(op, accountID, zoneID string, err error) error {
	target := accountID
	if zoneID != "" {
		target = accountID + "/" + zoneID
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s for %s: timed out: %v", ErrUpstreamFetch, op, target, err)
	}
	return fmt.Errorf("%w: %s for %s: %v", ErrUpstreamFetch, op, target, err)
}
