package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"usagewatch/internal/alerting"
	"usagewatch/internal/sku"
	"usagewatch/internal/storage"
	"usagewatch/internal/usage"
)

// SimulateOptions describe the synthetic reading to report.
type SimulateOptions struct {
	SKU    string
	Metric string
	Value  float64
}

// SimulateAlert sends a report-mode message for a synthetic reading through
// the configured channels. Nothing is persisted.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) (alerting.AlertResult, error) {
	if !a.Config.Alerting.Enabled {
		return alerting.AlertResult{}, errors.New("alerting is not enabled")
	}

	registry := sku.Default()
	def, ok := registry.Lookup(opts.SKU)
	if !ok {
		return alerting.AlertResult{}, fmt.Errorf("unknown sku %q", opts.SKU)
	}
	if _, ok := def.Metric(opts.Metric); !ok {
		return alerting.AlertResult{}, fmt.Errorf("sku %q has no metric %q", def.ID, opts.Metric)
	}

	cfg := a.Config.Usage(registry)
	// Restrict the report to the simulated SKU.
	skuCfg := cfg.SKU(def.ID)
	skuCfg.Enabled = true
	cfg.SKUs = map[string]sku.Config{def.ID: skuCfg}

	ids := cfg.AccountIDs()
	if len(ids) == 0 {
		ids = []string{"simulated"}
	}
	snap := &usage.AggregatedSnapshot{
		SKU:     def.ID,
		Kind:    def.Kind(),
		Current: usage.MetricValues{opts.Metric: opts.Value},
	}
	bundle := &usage.Bundle{
		AccountsKey:  sku.AccountsKey(ids),
		AccountIDs:   ids,
		FetchedAt:    time.Now().UTC(),
		SKUSnapshots: map[string]*usage.AggregatedSnapshot{},
	}
	if def.ID == sku.CoreTrafficID {
		bundle.CoreMetrics = snap
	} else {
		bundle.SKUSnapshots[def.ID] = snap
	}

	engine := alerting.NewEngine(storage.NewMemoryStore(time.Minute), a.newNotifier(), nil, a.Logger)
	result, err := engine.CheckThresholds(ctx, bundle, cfg, alerting.ModeReport)
	if err != nil {
		return result, err
	}
	if result.DeliveryError != "" {
		return result, errors.New(result.DeliveryError)
	}
	return result, nil
}
