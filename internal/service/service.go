// Package service runs the cache prewarm job: a full recompute of the
// configured account set under a lease, followed by an optional threshold
// check and store housekeeping.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"usagewatch/internal/alerting"
	"usagewatch/internal/orchestrator"
	"usagewatch/internal/scheduler"
	"usagewatch/internal/sku"
	"usagewatch/internal/storage"
	"usagewatch/internal/usage"
)

const (
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"

	DefaultLockTTL = 30 * time.Minute
)

// BundleSource computes or loads the full bundle for an account set.
type BundleSource interface {
	Bundle(ctx context.Context, cfg sku.Configuration, accountIDs []string, force bool) (*usage.Bundle, error)
}

// ThresholdChecker evaluates alert thresholds against a bundle.
type ThresholdChecker interface {
	CheckThresholds(ctx context.Context, bundle *usage.Bundle, cfg sku.Configuration, mode alerting.Mode) (alerting.AlertResult, error)
}

// Options tune the prewarm job.
type Options struct {
	LockTTL         time.Duration
	CheckThresholds bool
}

// PrewarmResult reports one prewarm run.
type PrewarmResult struct {
	RunID       string                `json:"runId"`
	Status      string                `json:"status"`
	Skipped     bool                  `json:"skipped"`
	AccountsKey string                `json:"accountsKey"`
	DurationMs  int64                 `json:"durationMs"`
	SKUs        int                   `json:"skus"`
	Failures    int                   `json:"failures"`
	Purged      int64                 `json:"purged,omitempty"`
	Alert       *alerting.AlertResult `json:"alert,omitempty"`
}

// Service owns the prewarm job and its schedule.
type Service struct {
	usage     sku.Configuration
	scheduler *scheduler.Scheduler
	bundles   BundleSource
	checker   ThresholdChecker
	locker    storage.Locker
	purger    storage.Purger
	opts      Options
	logger    zerolog.Logger
}

// New constructs the prewarm service. checker, locker, purger and sched may be nil.
func New(cfg sku.Configuration, sched *scheduler.Scheduler, bundles BundleSource, checker ThresholdChecker, locker storage.Locker, purger storage.Purger, opts Options, logger zerolog.Logger) *Service {
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	return &Service{
		usage:     cfg,
		scheduler: sched,
		bundles:   bundles,
		checker:   checker,
		locker:    locker,
		purger:    purger,
		opts:      opts,
		logger:    logger.With().Str("component", "prewarm").Logger(),
	}
}

// Run prewarms on every scheduler tick until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, func(ctx context.Context, bucket time.Time) error {
		_, err := s.Prewarm(ctx)
		return err
	})
}

// Prewarm recomputes the bundle for the full configured account set and
// writes it to the hot cache. A lease held by another run skips this one.
func (s *Service) Prewarm(ctx context.Context) (PrewarmResult, error) {
	ids := sku.NormalizeAccounts(s.usage.AccountIDs())
	result := PrewarmResult{RunID: uuid.NewString(), AccountsKey: sku.AccountsKey(ids)}
	if len(ids) == 0 {
		return result, fmt.Errorf("%w: no accounts configured", orchestrator.ErrConfiguration)
	}
	logger := s.logger.With().Str("run_id", result.RunID).Str("accounts_key", result.AccountsKey).Logger()

	unlock, acquired, err := s.acquireLease(ctx, result.AccountsKey)
	if err != nil {
		return result, err
	}
	if !acquired {
		logger.Info().Msg("prewarm skipped because lease held elsewhere")
		result.Status = StatusSkipped
		result.Skipped = true
		return result, nil
	}
	defer unlock()

	start := time.Now()
	bundle, err := s.bundles.Bundle(ctx, s.usage, ids, true)
	if err != nil {
		return result, fmt.Errorf("prewarm: %w", err)
	}
	result.Status = StatusCompleted
	result.DurationMs = time.Since(start).Milliseconds()
	result.SKUs = len(bundle.SKUSnapshots)
	if bundle.CoreMetrics != nil {
		result.SKUs++
	}
	result.Failures = len(bundle.Failures())

	logger.Info().
		Int64("duration_ms", result.DurationMs).
		Int("skus", result.SKUs).
		Int("failures", result.Failures).
		Msg("prewarm completed")

	if s.opts.CheckThresholds && s.checker != nil {
		alert, err := s.checker.CheckThresholds(ctx, bundle, s.usage, alerting.ModeAlert)
		if err != nil {
			logger.Error().Err(err).Msg("threshold check after prewarm failed")
		} else {
			result.Alert = &alert
		}
	}

	if s.purger != nil {
		purged, err := s.purger.PurgeExpired(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("purge expired entries failed")
		} else if purged > 0 {
			result.Purged = purged
			logger.Debug().Int64("purged", purged).Msg("expired entries purged")
		}
	}
	return result, nil
}

func (s *Service) acquireLease(ctx context.Context, accountsKey string) (func(), bool, error) {
	if s.locker == nil {
		return func() {}, true, nil
	}
	unlock, acquired, err := s.locker.TryLock(ctx, "prewarm:"+accountsKey, s.opts.LockTTL)
	if err != nil {
		return nil, false, fmt.Errorf("acquire prewarm lease: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
