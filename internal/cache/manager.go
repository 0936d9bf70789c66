// Package cache implements the two cache namespaces on top of the key/value
// store: the short-lived hot bundle per account set and the write-once
// closed-month values per account, SKU and month.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"usagewatch/internal/sku"
	"usagewatch/internal/storage"
	"usagewatch/internal/usage"
)

const (
	hotPrefix         = "hot:"
	closedMonthPrefix = "closed-month:"

	DefaultHotTTL         = 6 * time.Hour
	DefaultDegradedTTL    = 10 * time.Minute
	DefaultClosedMonthTTL = 365 * 24 * time.Hour
)

var (
	// ErrCacheWrite wraps failures to persist a cache entry. Callers log it and keep the computed data.
	ErrCacheWrite = errors.New("cache write failed")
	// ErrCacheIncomplete marks a cached bundle missing an enabled SKU; it is handled as a miss.
	ErrCacheIncomplete = errors.New("cached bundle incomplete")
)

// Entry is the envelope stored under a hot key.
type Entry struct {
	Key        string          `json:"key"`
	Data       json.RawMessage `json:"data"`
	WrittenAt  time.Time       `json:"writtenAt"`
	TTLSeconds int64           `json:"ttlSeconds"`
}

// Age is the time since the entry was written.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.WrittenAt)
}

// Live reports whether the entry is still within its TTL.
func (e *Entry) Live(now time.Time) bool {
	return now.Before(e.WrittenAt.Add(time.Duration(e.TTLSeconds) * time.Second))
}

// Bundle decodes the cached bundle.
func (e *Entry) Bundle() (*usage.Bundle, error) {
	var b usage.Bundle
	if err := json.Unmarshal(e.Data, &b); err != nil {
		return nil, fmt.Errorf("decode cached bundle: %w", err)
	}
	return &b, nil
}

// ClosedMonthRef addresses one finalized month of one SKU for one account or zone.
type ClosedMonthRef struct {
	AccountID string
	SKU       string
	ZoneID    string
	Month     string
}

// Key renders the closed-month cache key.
func (r ClosedMonthRef) Key() string {
	parts := []string{r.AccountID, r.SKU, r.Month}
	if r.ZoneID != "" {
		parts = append(parts, r.ZoneID)
	}
	return closedMonthPrefix + strings.Join(parts, ":")
}

// HotKey renders the hot cache key for an accounts key.
func HotKey(accountsKey string) string {
	return hotPrefix + accountsKey
}

// Options configure TTLs. DegradedTTL applies to hot bundles that carry
// fetch failures; it is capped at HotTTL.
type Options struct {
	HotTTL         time.Duration
	DegradedTTL    time.Duration
	ClosedMonthTTL time.Duration
	Now            func() time.Time
}

// Manager reads and writes cache entries through the key/value store.
type Manager struct {
	kv          storage.KV
	hotTTL      time.Duration
	degradedTTL time.Duration
	closedTTL   time.Duration
	now         func() time.Time
	logger      zerolog.Logger
}

// NewManager constructs a cache manager.
func NewManager(kv storage.KV, opts Options, logger zerolog.Logger) *Manager {
	if opts.HotTTL <= 0 {
		opts.HotTTL = DefaultHotTTL
	}
	if opts.DegradedTTL <= 0 {
		opts.DegradedTTL = DefaultDegradedTTL
	}
	if opts.DegradedTTL > opts.HotTTL {
		opts.DegradedTTL = opts.HotTTL
	}
	if opts.ClosedMonthTTL <= 0 {
		opts.ClosedMonthTTL = DefaultClosedMonthTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		kv:          kv,
		hotTTL:      opts.HotTTL,
		degradedTTL: opts.DegradedTTL,
		closedTTL:   opts.ClosedMonthTTL,
		now:         opts.Now,
		logger:      logger.With().Str("component", "cache").Logger(),
	}
}

// HotTTL returns the hot snapshot TTL.
func (m *Manager) HotTTL() time.Duration {
	return m.hotTTL
}

// GetHot returns the live entry for key, or nil on miss. Expired or
// undecodable entries read as a miss.
func (m *Manager) GetHot(ctx context.Context, key string) (*Entry, error) {
	raw, ok, err := m.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read hot cache: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		m.logger.Warn().Err(err).Str("key", key).Msg("discarding undecodable hot entry")
		return nil, nil
	}
	if !entry.Live(m.now()) {
		return nil, nil
	}
	return &entry, nil
}

// PutHot replaces the hot entry for key with bundle. A bundle with failed
// contributors is kept only for the degraded TTL so the next read retries it.
func (m *Manager) PutHot(ctx context.Context, key string, bundle *usage.Bundle) (*Entry, error) {
	ttl := m.hotTTL
	if len(bundle.Failures()) > 0 {
		ttl = m.degradedTTL
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("%w: encode bundle: %v", ErrCacheWrite, err)
	}
	entry := &Entry{
		Key:        key,
		Data:       data,
		WrittenAt:  m.now().UTC(),
		TTLSeconds: int64(ttl / time.Second),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("%w: encode entry: %v", ErrCacheWrite, err)
	}
	if err := m.kv.Put(ctx, key, raw, ttl); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheWrite, err)
	}
	return entry, nil
}

// GetClosedMonth returns the cached values of a closed month.
func (m *Manager) GetClosedMonth(ctx context.Context, ref ClosedMonthRef) (usage.MetricValues, bool, error) {
	raw, ok, err := m.kv.Get(ctx, ref.Key())
	if err != nil {
		return nil, false, fmt.Errorf("read closed month: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	var point usage.MonthPoint
	if err := json.Unmarshal(raw, &point); err != nil {
		m.logger.Warn().Err(err).Str("key", ref.Key()).Msg("discarding undecodable closed-month entry")
		return nil, false, nil
	}
	if point.Values == nil {
		point.Values = usage.MetricValues{}
	}
	return point.Values, true, nil
}

// PutClosedMonth stores a closed month once; an existing value is kept since
// closed figures cannot change. Reports whether it wrote.
func (m *Manager) PutClosedMonth(ctx context.Context, ref ClosedMonthRef, values usage.MetricValues) (bool, error) {
	month, err := usage.ParseMonth(ref.Month)
	if err != nil {
		return false, err
	}
	raw, err := json.Marshal(month.Point(values))
	if err != nil {
		return false, fmt.Errorf("%w: encode closed month: %v", ErrCacheWrite, err)
	}
	wrote, err := m.kv.PutIfAbsent(ctx, ref.Key(), raw, m.closedTTL)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrCacheWrite, err)
	}
	return wrote, nil
}

// Completeness is the result of checking a bundle against configuration.
type Completeness struct {
	Complete bool
	Missing  []string
}

// Err returns ErrCacheIncomplete when SKUs are missing.
func (c Completeness) Err() error {
	if c.Complete {
		return nil
	}
	return fmt.Errorf("%w: missing %s", ErrCacheIncomplete, strings.Join(c.Missing, ","))
}

// CheckCompleteness reports whether every enabled SKU has a snapshot in the
// bundle. A newly enabled SKU without cached data makes the whole bundle
// incomplete.
func CheckCompleteness(bundle *usage.Bundle, cfg sku.Configuration) Completeness {
	result := Completeness{Complete: true}
	for _, def := range cfg.EnabledDefinitions() {
		if bundle.Snapshot(def.ID) == nil {
			result.Complete = false
			result.Missing = append(result.Missing, def.ID)
		}
	}
	return result
}
