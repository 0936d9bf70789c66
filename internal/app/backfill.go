package app

import (
	"context"
	"errors"

	"usagewatch/internal/sku"
)

// Backfill warms the closed-month cache for the last N months of every
// configured account and enabled SKU. Months already cached are kept and the
// hot bundle is not touched.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	if opts.Months <= 0 {
		return errors.New("--months must be greater than zero")
	}
	if opts.Workers > 0 {
		a.Config.Analytics.MaxConcurrency = opts.Workers
	}

	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	ids := c.usage.AccountIDs()
	if len(ids) == 0 {
		return errors.New("no accounts configured")
	}

	a.Logger.Info().Int("months", opts.Months).Str("accounts_key", sku.AccountsKey(ids)).Msg("backfill started")
	bundle, err := c.orchestrator.Backfill(ctx, c.usage, ids, opts.Months)
	if err != nil {
		return err
	}

	failures := bundle.Failures()
	a.Logger.Info().Int("failures", len(failures)).Msg("backfill completed")
	if len(failures) > 0 {
		for _, f := range failures {
			a.Logger.Error().Str("sku", f.SKU).Str("account_id", f.AccountID).Str("zone_id", f.ZoneID).Str("reason", f.Reason).Msg("backfill failed")
		}
		return errors.New("some accounts failed to backfill, check the logs")
	}
	return nil
}
