package fetcher

import (
	"context"
	"errors"
	"time"

	"usagewatch/internal/usage"
)

// ErrUpstreamFetch marks a failed or timed-out query for one account, zone or SKU.
var ErrUpstreamFetch = errors.New("upstream fetch failed")

// Source is the analytics collaborator queried for usage numbers.
// Returned values may omit sampled metrics that had no data for the range.
type Source interface {
	CountZones(ctx context.Context, accountID string) (int, error)
	ListZones(ctx context.Context, accountID string) ([]usage.Zone, error)
	QueryUsage(ctx context.Context, accountID, skuID string, from, to time.Time) (usage.MetricValues, error)
	QueryZoneUsage(ctx context.Context, accountID, zoneID, skuID string, from, to time.Time) (usage.MetricValues, error)
}
