// Package alerting evaluates contracted thresholds against aggregated usage
// and sends one deduplicated summary per check.
package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"usagewatch/internal/sku"
	"usagewatch/internal/storage"
	"usagewatch/internal/usage"
)

// ErrNotificationDelivery wraps a failed send. It is reported, never retried.
var ErrNotificationDelivery = errors.New("notification delivery failed")

// Mode selects alert (threshold + dedup) or report (everything, no dedup).
type Mode string

const (
	ModeAlert  Mode = "alert"
	ModeReport Mode = "report"
)

// ParseMode accepts alert or report; empty means alert.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeAlert:
		return ModeAlert, nil
	case ModeReport:
		return ModeReport, nil
	default:
		return "", fmt.Errorf("unknown alert mode %q", s)
	}
}

// TriggerPercent is the share of a threshold at which a metric qualifies.
var TriggerPercent = decimal.NewFromInt(90)

var hundred = decimal.NewFromInt(100)

// PeriodKey buckets now into the dedup period: YYYY-MM or ISO YYYY-Www.
func PeriodKey(period sku.Period, now time.Time) string {
	now = now.UTC()
	if period == sku.PeriodWeekly {
		year, week := now.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	}
	return now.Format(usage.MonthLayout)
}

// DedupTTL outlives the period so records expire on their own.
func DedupTTL(period sku.Period) time.Duration {
	if period == sku.PeriodWeekly {
		return 8 * 24 * time.Hour
	}
	return 35 * 24 * time.Hour
}

// DedupKey addresses the record of a sent alert.
func DedupKey(accountsKey, metricKey, periodKey string) string {
	return fmt.Sprintf("alert:%s:%s:%s", accountsKey, metricKey, periodKey)
}

type dedupRecord struct {
	SentAt     time.Time       `json:"sentAt"`
	Percentage decimal.Decimal `json:"percentage"`
}

// Percentage returns current/threshold*100, or zero without a positive threshold.
func Percentage(current, threshold float64) decimal.Decimal {
	if threshold <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(current).Div(decimal.NewFromFloat(threshold)).Mul(hundred)
}

// AlertResult summarises one check.
type AlertResult struct {
	Mode        Mode         `json:"mode"`
	AccountsKey string       `json:"accountsKey"`
	Period      string       `json:"period"`
	Evaluated   int          `json:"evaluated"`
	Selected    []MetricLine `json:"selected"`
	// Suppressed lists sku.metric keys already notified this period.
	Suppressed    []string `json:"suppressed,omitempty"`
	Sent          bool     `json:"sent"`
	DeliveryError string   `json:"deliveryError,omitempty"`
}

// Engine runs threshold checks.
type Engine struct {
	kv       storage.KV
	notifier Notifier
	now      func() time.Time
	logger   zerolog.Logger
}

// NewEngine wires the engine. now may be nil.
func NewEngine(kv storage.KV, notifier Notifier, now func() time.Time, logger zerolog.Logger) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		kv:       kv,
		notifier: notifier,
		now:      now,
		logger:   logger.With().Str("component", "alert_engine").Logger(),
	}
}

// CheckThresholds evaluates every enabled SKU metric in the bundle and sends
// at most one message. Delivery failure is returned in the result, not as an error.
func (e *Engine) CheckThresholds(ctx context.Context, bundle *usage.Bundle, cfg sku.Configuration, mode Mode) (AlertResult, error) {
	if bundle == nil {
		return AlertResult{}, errors.New("no usage data to evaluate")
	}
	if mode != ModeAlert && mode != ModeReport {
		return AlertResult{}, fmt.Errorf("unknown alert mode %q", mode)
	}

	now := e.now()
	result := AlertResult{
		Mode:        mode,
		AccountsKey: bundle.AccountsKey,
		Period:      PeriodKey(cfg.AlertPeriod, now),
		Selected:    make([]MetricLine, 0),
	}

	for _, def := range cfg.EnabledDefinitions() {
		skuCfg := cfg.SKU(def.ID)
		snap := bundle.Snapshot(def.ID)
		var current usage.MetricValues
		var failed []string
		if snap != nil {
			current = snap.Current
			failed = snap.FailedAccounts()
		}

		for _, metric := range def.Metrics {
			threshold, hasThreshold := skuCfg.Threshold(metric.Key)
			if mode == ModeAlert && (!hasThreshold || threshold <= 0) {
				continue
			}
			result.Evaluated++

			line := MetricLine{
				SKU:            def.ID,
				SKUName:        def.Name,
				Metric:         metric.Key,
				Label:          metric.Label,
				Unit:           metric.Unit,
				Current:        decimal.NewFromFloat(current.Get(metric.Key)),
				Threshold:      decimal.NewFromFloat(threshold),
				Percentage:     Percentage(current.Get(metric.Key), threshold),
				FailedAccounts: failed,
			}

			if mode == ModeAlert {
				if line.Percentage.LessThan(TriggerPercent) {
					continue
				}
				if e.alreadySent(ctx, DedupKey(bundle.AccountsKey, line.Key(), result.Period)) {
					result.Suppressed = append(result.Suppressed, line.Key())
					continue
				}
			}
			result.Selected = append(result.Selected, line)
		}
	}

	if len(result.Selected) == 0 {
		e.logger.Debug().Str("mode", string(mode)).Str("accounts_key", bundle.AccountsKey).Msg("nothing to notify")
		return result, nil
	}

	msg := Message{
		Mode:         mode,
		AccountsKey:  bundle.AccountsKey,
		AccountNames: accountNames(cfg, bundle.AccountIDs),
		Period:       result.Period,
		GeneratedAt:  now.UTC(),
		Lines:        result.Selected,
	}
	if err := e.notifier.Notify(ctx, msg); err != nil {
		err = fmt.Errorf("%w: %v", ErrNotificationDelivery, err)
		e.logger.Error().Err(err).Str("accounts_key", bundle.AccountsKey).Msg("alert delivery failed")
		result.DeliveryError = err.Error()
		return result, nil
	}
	result.Sent = true

	if mode == ModeAlert {
		e.markSent(ctx, bundle.AccountsKey, result.Period, cfg.AlertPeriod, result.Selected, now)
	}
	return result, nil
}

// alreadySent reads the dedup record. A read error counts as not sent so an
// alert is never lost to a store hiccup.
func (e *Engine) alreadySent(ctx context.Context, key string) bool {
	_, ok, err := e.kv.Get(ctx, key)
	if err != nil {
		e.logger.Warn().Err(err).Str("key", key).Msg("dedup read failed")
		return false
	}
	return ok
}

func (e *Engine) markSent(ctx context.Context, accountsKey, periodKey string, period sku.Period, lines []MetricLine, now time.Time) {
	ttl := DedupTTL(period)
	for _, line := range lines {
		key := DedupKey(accountsKey, line.Key(), periodKey)
		raw, err := json.Marshal(dedupRecord{SentAt: now.UTC(), Percentage: line.Percentage})
		if err != nil {
			continue
		}
		if _, err := e.kv.PutIfAbsent(ctx, key, raw, ttl); err != nil {
			e.logger.Warn().Err(err).Str("key", key).Msg("dedup write failed")
		}
	}
}

func accountNames(cfg sku.Configuration, ids []string) []string {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, cfg.AccountName(id))
	}
	return names
}
