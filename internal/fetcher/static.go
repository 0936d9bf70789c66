package fetcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"usagewatch/internal/usage"
)

// Static serves canned usage from memory. It backs the simulate command and tests.
type Static struct {
	mu     sync.Mutex
	zones  map[string][]usage.Zone
	values map[string]usage.MetricValues
	errs   map[string]error
	delays map[string]time.Duration
	calls  map[string]int
}

// NewStatic returns an empty static source.
func NewStatic() *Static {
	return &Static{
		zones:  make(map[string][]usage.Zone),
		values: make(map[string]usage.MetricValues),
		errs:   make(map[string]error),
		delays: make(map[string]time.Duration),
		calls:  make(map[string]int),
	}
}

func usageKey(accountID, zoneID, skuID, month string) string {
	return fmt.Sprintf("%s/%s/%s/%s", accountID, zoneID, skuID, month)
}

// AddZone registers a zone under its account.
func (s *Static) AddZone(zone usage.Zone) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zones[zone.AccountID] = append(s.zones[zone.AccountID], zone)
}

// SetUsage sets account-level usage for a SKU and month.
func (s *Static) SetUsage(accountID, skuID, month string, values usage.MetricValues) {
	s.SetZoneUsage(accountID, "", skuID, month, values)
}

// SetZoneUsage sets zone-level usage; an empty zoneID means account level.
func (s *Static) SetZoneUsage(accountID, zoneID, skuID, month string, values usage.MetricValues) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[usageKey(accountID, zoneID, skuID, month)] = values.Clone()
}

// FailAccount makes every call for the account return err.
func (s *Static) FailAccount(accountID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[accountID] = err
}

// DelayAccount makes every call for the account wait d before answering.
func (s *Static) DelayAccount(accountID string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[accountID] = d
}

// Calls returns how many usage queries hit the source.
func (s *Static) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

// MonthCalls returns how many usage queries covered the given month.
func (s *Static) MonthCalls(month string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[month]
}

func (s *Static) CountZones(ctx context.Context, accountID string) (int, error) {
	if err := s.wait(ctx, accountID); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.zones[accountID]), nil
}

func (s *Static) ListZones(ctx context.Context, accountID string) ([]usage.Zone, error) {
	if err := s.wait(ctx, accountID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	zones := append([]usage.Zone(nil), s.zones[accountID]...)
	sort.Slice(zones, func(i, j int) bool { return zones[i].ID < zones[j].ID })
	return zones, nil
}

func (s *Static) QueryUsage(ctx context.Context, accountID, skuID string, from, to time.Time) (usage.MetricValues, error) {
	return s.QueryZoneUsage(ctx, accountID, "", skuID, from, to)
}

func (s *Static) QueryZoneUsage(ctx context.Context, accountID, zoneID, skuID string, from, _ time.Time) (usage.MetricValues, error) {
	if err := s.wait(ctx, accountID); err != nil {
		return nil, err
	}
	month := usage.MonthOf(from).Key

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[month]++
	if values, ok := s.values[usageKey(accountID, zoneID, skuID, month)]; ok {
		return values.Clone(), nil
	}
	return usage.MetricValues{}, nil
}

func (s *Static) wait(ctx context.Context, accountID string) error {
	s.mu.Lock()
	err := s.errs[accountID]
	delay := s.delays[accountID]
	s.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

var _ Source = (*Static)(nil)
