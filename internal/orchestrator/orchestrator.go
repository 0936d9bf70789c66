// Package orchestrator answers progressive metric requests in three phases:
// the hot cache or a cheap zone count, then current-month core traffic, then
// the complete bundle with add-on SKUs and history.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"usagewatch/internal/aggregate"
	"usagewatch/internal/cache"
	"usagewatch/internal/fetcher"
	"usagewatch/internal/sku"
	"usagewatch/internal/usage"
)

// ErrConfiguration marks a request that cannot be served as configured.
var ErrConfiguration = errors.New("configuration error")

const (
	PhaseCount    = 1
	PhaseCore     = 2
	PhaseComplete = 3

	DefaultMaxConcurrency = 8
	DefaultHistoryMonths  = 12
)

// ResultKind tags the shape of a phase result.
type ResultKind string

const (
	KindCached    ResultKind = "cached"
	KindZoneCount ResultKind = "zoneCount"
	KindCore      ResultKind = "core"
	KindComplete  ResultKind = "complete"
)

// PhaseResult is the response of one progressive phase.
type PhaseResult struct {
	Kind            ResultKind                `json:"kind"`
	Phase           int                       `json:"phase"`
	AccountsKey     string                    `json:"accountsKey"`
	CacheAgeMs      int64                     `json:"cacheAgeMs,omitempty"`
	CacheIncomplete bool                      `json:"cacheIncomplete,omitempty"`
	CoreZoneCounts  []usage.ZoneCount         `json:"coreZoneCounts,omitempty"`
	Core            *usage.AggregatedSnapshot `json:"core,omitempty"`
	Data            *usage.Bundle             `json:"data,omitempty"`
	Failures        []usage.FetchFailure      `json:"failures,omitempty"`
}

// HotCache is the hot-bundle half of the cache manager.
type HotCache interface {
	GetHot(ctx context.Context, key string) (*cache.Entry, error)
	PutHot(ctx context.Context, key string, bundle *usage.Bundle) (*cache.Entry, error)
}

// Options tune fan-out and history depth.
type Options struct {
	MaxConcurrency int
	HistoryMonths  int
	Now            func() time.Time
}

// Orchestrator is stateless between calls; every phase can be retried on its own.
type Orchestrator struct {
	fetcher *fetcher.AccountFetcher
	cache   HotCache
	opts    Options
	logger  zerolog.Logger
}

// New wires an orchestrator.
func New(f *fetcher.AccountFetcher, hot HotCache, opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.HistoryMonths <= 0 {
		opts.HistoryMonths = DefaultHistoryMonths
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		fetcher: f,
		cache:   hot,
		opts:    opts,
		logger:  logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Fetch runs one phase for the given accounts.
func (o *Orchestrator) Fetch(ctx context.Context, cfg sku.Configuration, accountIDs []string, phase int) (PhaseResult, error) {
	ids := sku.NormalizeAccounts(accountIDs)
	if len(ids) == 0 {
		return PhaseResult{}, fmt.Errorf("%w: no account ids", ErrConfiguration)
	}
	if cfg.Registry == nil {
		return PhaseResult{}, fmt.Errorf("%w: sku registry missing", ErrConfiguration)
	}
	key := sku.AccountsKey(ids)

	switch phase {
	case PhaseCount:
		return o.phaseCount(ctx, cfg, ids, key), nil
	case PhaseCore:
		return o.phaseCore(ctx, cfg, ids, key), nil
	case PhaseComplete:
		bundle := o.complete(ctx, cfg, ids, key)
		return PhaseResult{
			Kind:        KindComplete,
			Phase:       PhaseComplete,
			AccountsKey: key,
			Data:        bundle,
			Failures:    bundle.Failures(),
		}, nil
	default:
		return PhaseResult{}, fmt.Errorf("%w: unknown phase %d", ErrConfiguration, phase)
	}
}

// Bundle returns the live, complete hot bundle for the accounts, or computes
// and caches a fresh one when force is set or the cache cannot serve.
func (o *Orchestrator) Bundle(ctx context.Context, cfg sku.Configuration, accountIDs []string, force bool) (*usage.Bundle, error) {
	ids := sku.NormalizeAccounts(accountIDs)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no account ids", ErrConfiguration)
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("%w: sku registry missing", ErrConfiguration)
	}
	key := sku.AccountsKey(ids)

	if !force {
		if bundle, _, complete := o.cached(ctx, cfg, key); bundle != nil && complete {
			return bundle, nil
		}
	}
	return o.complete(ctx, cfg, ids, key), nil
}

// cached returns the live hot bundle, its age and whether it covers every enabled SKU.
func (o *Orchestrator) cached(ctx context.Context, cfg sku.Configuration, key string) (*usage.Bundle, time.Duration, bool) {
	hotKey := cache.HotKey(key)
	entry, err := o.cache.GetHot(ctx, hotKey)
	if err != nil {
		o.logger.Warn().Err(err).Str("key", hotKey).Msg("hot cache read failed, treating as miss")
		return nil, 0, false
	}
	if entry == nil {
		return nil, 0, false
	}
	bundle, err := entry.Bundle()
	if err != nil {
		o.logger.Warn().Err(err).Str("key", hotKey).Msg("hot cache entry unreadable, treating as miss")
		return nil, 0, false
	}
	completeness := cache.CheckCompleteness(bundle, cfg)
	if !completeness.Complete {
		o.logger.Info().Err(completeness.Err()).Str("key", hotKey).Msg("hot cache entry incomplete")
	}
	return bundle, entry.Age(o.opts.Now()), completeness.Complete
}

func (o *Orchestrator) phaseCount(ctx context.Context, cfg sku.Configuration, ids []string, key string) PhaseResult {
	result := PhaseResult{Phase: PhaseCount, AccountsKey: key}

	bundle, age, complete := o.cached(ctx, cfg, key)
	if bundle != nil && complete {
		result.Kind = KindCached
		result.CacheAgeMs = age.Milliseconds()
		result.Data = bundle
		return result
	}
	result.CacheIncomplete = bundle != nil

	type outcome struct {
		count usage.ZoneCount
		err   error
	}
	p := pool.NewWithResults[outcome]().WithMaxGoroutines(o.opts.MaxConcurrency)
	for _, id := range ids {
		id := id
		p.Go(func() outcome {
			n, err := o.fetcher.CountZones(ctx, id)
			return outcome{count: usage.ZoneCount{AccountID: id, Zones: n}, err: err}
		})
	}

	result.Kind = KindZoneCount
	result.CoreZoneCounts = make([]usage.ZoneCount, 0, len(ids))
	for _, out := range p.Wait() {
		if out.err != nil {
			o.logger.Warn().Err(out.err).Str("account_id", out.count.AccountID).Msg("zone count failed")
			result.Failures = append(result.Failures, usage.FetchFailure{
				SKU:       sku.CoreTrafficID,
				AccountID: out.count.AccountID,
				Reason:    out.err.Error(),
			})
			continue
		}
		result.CoreZoneCounts = append(result.CoreZoneCounts, out.count)
	}
	sort.Slice(result.CoreZoneCounts, func(i, j int) bool {
		return result.CoreZoneCounts[i].AccountID < result.CoreZoneCounts[j].AccountID
	})
	sort.Slice(result.Failures, func(i, j int) bool {
		return result.Failures[i].AccountID < result.Failures[j].AccountID
	})
	return result
}

func (o *Orchestrator) phaseCore(ctx context.Context, cfg sku.Configuration, ids []string, key string) PhaseResult {
	def := cfg.Registry.MustLookup(sku.CoreTrafficID)
	zones := o.listZones(ctx, ids)
	snaps := o.fetchAll(ctx, cfg, []sku.Definition{def}, ids, zones, usage.CurrentOnly(o.opts.Now()))
	core := snaps[def.ID]
	return PhaseResult{
		Kind:        KindCore,
		Phase:       PhaseCore,
		AccountsKey: key,
		Core:        core,
		Failures:    core.Failures,
	}
}

// complete computes every enabled SKU with history and writes the hot cache.
// A cache write failure is logged and the data still returned.
func (o *Orchestrator) complete(ctx context.Context, cfg sku.Configuration, ids []string, key string) *usage.Bundle {
	bundle := o.compute(ctx, cfg, ids, key, o.opts.HistoryMonths)
	o.storeHot(ctx, cfg, key, bundle)
	return bundle
}

func (o *Orchestrator) compute(ctx context.Context, cfg sku.Configuration, ids []string, key string, historyMonths int) *usage.Bundle {
	now := o.opts.Now()
	defs := []sku.Definition{cfg.Registry.MustLookup(sku.CoreTrafficID)}
	defs = append(defs, cfg.EnabledAddons()...)

	var zones map[string]zoneListing
	if needsZones(defs) {
		zones = o.listZones(ctx, ids)
	}
	snaps := o.fetchAll(ctx, cfg, defs, ids, zones, usage.NewMonthRange(now, historyMonths))

	bundle := &usage.Bundle{
		AccountsKey:  key,
		AccountIDs:   ids,
		FetchedAt:    now.UTC(),
		CoreMetrics:  snaps[sku.CoreTrafficID],
		SKUSnapshots: make(map[string]*usage.AggregatedSnapshot, len(snaps)),
	}
	for id, snap := range snaps {
		if id != sku.CoreTrafficID {
			bundle.SKUSnapshots[id] = snap
		}
	}
	return bundle
}

// storeHot replaces the hot entry unless the fresh bundle has failed
// contributors and the live entry is complete with fewer failures; a failed
// refresh never evicts better data.
func (o *Orchestrator) storeHot(ctx context.Context, cfg sku.Configuration, key string, bundle *usage.Bundle) {
	hotKey := cache.HotKey(key)
	failures := len(bundle.Failures())
	if failures > 0 {
		if prev, age, complete := o.cached(ctx, cfg, key); prev != nil && complete && len(prev.Failures()) < failures {
			o.logger.Warn().
				Str("key", hotKey).
				Int("failures", failures).
				Int("cached_failures", len(prev.Failures())).
				Dur("cached_age", age).
				Msg("refresh degraded, keeping cached bundle")
			return
		}
	}

	if _, err := o.cache.PutHot(ctx, hotKey, bundle); err != nil {
		o.logger.Error().Err(err).Str("key", hotKey).Msg("hot cache write failed")
		return
	}
	o.logger.Info().
		Str("key", hotKey).
		Int("skus", len(bundle.SKUSnapshots)+1).
		Int("failures", failures).
		Msg("hot cache refreshed")
}

// Backfill fetches every enabled SKU with the given history depth so each
// closed month lands in the write-once cache. The hot entry is left alone.
func (o *Orchestrator) Backfill(ctx context.Context, cfg sku.Configuration, accountIDs []string, months int) (*usage.Bundle, error) {
	ids := sku.NormalizeAccounts(accountIDs)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no account ids", ErrConfiguration)
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("%w: sku registry missing", ErrConfiguration)
	}
	if months < 1 {
		return nil, fmt.Errorf("%w: backfill needs at least one month", ErrConfiguration)
	}
	return o.compute(ctx, cfg, ids, sku.AccountsKey(ids), months), nil
}

type zoneListing struct {
	zones []usage.Zone
	err   error
}

func (o *Orchestrator) listZones(ctx context.Context, ids []string) map[string]zoneListing {
	type outcome struct {
		accountID string
		listing   zoneListing
	}
	p := pool.NewWithResults[outcome]().WithMaxGoroutines(o.opts.MaxConcurrency)
	for _, id := range ids {
		id := id
		p.Go(func() outcome {
			zones, err := o.fetcher.ListZones(ctx, id)
			return outcome{accountID: id, listing: zoneListing{zones: zones, err: err}}
		})
	}

	out := make(map[string]zoneListing, len(ids))
	for _, res := range p.Wait() {
		if res.listing.err != nil {
			o.logger.Warn().Err(res.listing.err).Str("account_id", res.accountID).Msg("zone listing failed")
		}
		out[res.accountID] = res.listing
	}
	return out
}

type task struct {
	skuID   string
	account aggregate.AccountRecord
	zone    aggregate.ZoneRecord
}

// fetchAll fans out every (SKU, account) and (SKU, zone) pair over a bounded
// pool and aggregates per SKU. Failed contributors land in the snapshot's
// Failures; the other contributors are kept.
func (o *Orchestrator) fetchAll(ctx context.Context, cfg sku.Configuration, defs []sku.Definition, ids []string, zones map[string]zoneListing, r usage.MonthRange) map[string]*usage.AggregatedSnapshot {
	p := pool.NewWithResults[task]().WithMaxGoroutines(o.opts.MaxConcurrency)
	var listingFailures []task
	listed := make(map[string][]string)

	for _, def := range defs {
		def := def
		skuCfg := cfg.SKU(def.ID)
		for _, accountID := range ids {
			accountID := accountID
			if !def.ZoneScoped() {
				p.Go(func() task {
					rec, err := o.fetcher.FetchSkuForAccount(ctx, accountID, def, skuCfg, r)
					return task{skuID: def.ID, account: aggregate.AccountRecord{AccountID: accountID, Record: rec, Err: err}}
				})
				continue
			}

			listing := zones[accountID]
			if listing.err != nil {
				if skuCfg.AppliesToAccount(accountID) {
					listingFailures = append(listingFailures, task{
						skuID: def.ID,
						zone:  aggregate.ZoneRecord{Zone: usage.Zone{AccountID: accountID}, Err: listing.err},
					})
				}
				continue
			}
			if skuCfg.AppliesToAccount(accountID) {
				listed[def.ID] = append(listed[def.ID], accountID)
			}
			for _, zone := range listing.zones {
				zone := zone
				p.Go(func() task {
					rec, err := o.fetcher.FetchSkuForZone(ctx, zone, def, skuCfg, r)
					return task{skuID: def.ID, zone: aggregate.ZoneRecord{Zone: zone, Record: rec, Err: err}}
				})
			}
		}
	}

	accountRecords := make(map[string][]aggregate.AccountRecord)
	zoneRecords := make(map[string][]aggregate.ZoneRecord)
	for _, t := range append(p.Wait(), listingFailures...) {
		if t.account.AccountID != "" {
			accountRecords[t.skuID] = append(accountRecords[t.skuID], t.account)
		} else {
			zoneRecords[t.skuID] = append(zoneRecords[t.skuID], t.zone)
		}
	}

	snaps := make(map[string]*usage.AggregatedSnapshot, len(defs))
	for _, def := range defs {
		if def.ZoneScoped() {
			snaps[def.ID] = aggregate.AggregateZones(def, listed[def.ID], zoneRecords[def.ID])
		} else {
			snaps[def.ID] = aggregate.Aggregate(def, accountRecords[def.ID])
		}
		for _, f := range snaps[def.ID].Failures {
			o.logger.Warn().
				Str("sku", f.SKU).
				Str("account_id", f.AccountID).
				Str("zone_id", f.ZoneID).
				Str("reason", f.Reason).
				Msg("contributor fetch failed")
		}
	}
	return snaps
}

func needsZones(defs []sku.Definition) bool {
	for _, def := range defs {
		if def.ZoneScoped() {
			return true
		}
	}
	return false
}
