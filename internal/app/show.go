package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"

	"usagewatch/internal/alerting"
	"usagewatch/internal/cache"
	"usagewatch/internal/sku"
)

// Show prints the hot bundle for an account set: cache age and each enabled
// metric against its threshold. It never triggers a fetch.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	ids := opts.Accounts
	if len(ids) == 0 {
		ids = c.usage.AccountIDs()
	}
	key := sku.AccountsKey(ids)
	out := a.out()

	entry, err := c.cache.GetHot(ctx, cache.HotKey(key))
	if err != nil {
		return err
	}
	if entry == nil {
		fmt.Fprintf(out, "no cached data for %q\n", key)
		return nil
	}
	bundle, err := entry.Bundle()
	if err != nil {
		return err
	}

	completeness := cache.CheckCompleteness(bundle, c.usage)
	fmt.Fprintf(out, "Accounts: %s\n", key)
	fmt.Fprintf(out, "Fetched: %s (age %s)\n", bundle.FetchedAt.UTC().Format(time.RFC3339), entry.Age(time.Now()).Truncate(time.Second))
	if !completeness.Complete {
		fmt.Fprintf(out, "Incomplete: missing %s\n", strings.Join(completeness.Missing, ", "))
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "SKU\tMetric\tCurrent\tPrevious\tThreshold\tUsed%\tFailed")

	for _, def := range c.usage.EnabledDefinitions() {
		snap := bundle.Snapshot(def.ID)
		if snap == nil {
			continue
		}
		skuCfg := c.usage.SKU(def.ID)
		failed := sanitizeInline(strings.Join(snap.FailedAccounts(), ","))
		for _, metric := range def.Metrics {
			current := snap.Current.Get(metric.Key)
			threshold, ok := skuCfg.Threshold(metric.Key)
			thresholdText, pctText := "-", "-"
			if ok && threshold > 0 {
				thresholdText = formatNumber(threshold)
				pctText = alerting.Percentage(current, threshold).StringFixed(1)
			}
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				def.ID,
				metric.Key,
				formatNumber(current),
				formatNumber(snap.Previous.Get(metric.Key)),
				thresholdText,
				pctText,
				lo.Ternary(failed == "", "-", failed),
			)
		}
	}

	return writer.Flush()
}

func formatNumber(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
