package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usagewatch/internal/alerting"
	"usagewatch/internal/orchestrator"
	"usagewatch/internal/scheduler"
	"usagewatch/internal/sku"
	"usagewatch/internal/storage"
	"usagewatch/internal/usage"
)

type fakeBundles struct {
	calls  int
	forced []bool
	ids    [][]string
	err    error
}

func (f *fakeBundles) Bundle(_ context.Context, _ sku.Configuration, ids []string, force bool) (*usage.Bundle, error) {
	f.calls++
	f.forced = append(f.forced, force)
	f.ids = append(f.ids, ids)
	if f.err != nil {
		return nil, f.err
	}
	return &usage.Bundle{
		AccountsKey:  sku.AccountsKey(ids),
		AccountIDs:   ids,
		CoreMetrics:  &usage.AggregatedSnapshot{SKU: sku.CoreTrafficID},
		SKUSnapshots: map[string]*usage.AggregatedSnapshot{"workers": {SKU: "workers", Failures: []usage.FetchFailure{{AccountID: "B"}}}},
	}, nil
}

type fakeChecker struct {
	modes []alerting.Mode
}

func (f *fakeChecker) CheckThresholds(_ context.Context, bundle *usage.Bundle, _ sku.Configuration, mode alerting.Mode) (alerting.AlertResult, error) {
	f.modes = append(f.modes, mode)
	return alerting.AlertResult{Mode: mode, AccountsKey: bundle.AccountsKey, Sent: true}, nil
}

func usageConfig() sku.Configuration {
	return sku.Configuration{
		Registry: sku.Default(),
		Accounts: []sku.Account{{ID: "B"}, {ID: "A"}},
		SKUs:     map[string]sku.Config{sku.CoreTrafficID: {Enabled: true}, "workers": {Enabled: true}},
	}
}

func TestPrewarmComputesFullSet(t *testing.T) {
	bundles := &fakeBundles{}
	checker := &fakeChecker{}
	store := storage.NewMemoryStore(time.Minute)
	svc := New(usageConfig(), nil, bundles, checker, store, nil, Options{CheckThresholds: true}, zerolog.Nop())

	res, err := svc.Prewarm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.False(t, res.Skipped)
	assert.Equal(t, "A,B", res.AccountsKey)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 2, res.SKUs)
	assert.Equal(t, 1, res.Failures)
	require.NotNil(t, res.Alert)
	assert.Equal(t, []alerting.Mode{alerting.ModeAlert}, checker.modes)
	assert.Equal(t, []bool{true}, bundles.forced)
	assert.Equal(t, [][]string{{"A", "B"}}, bundles.ids)

	// The lease is released after the run.
	unlock, acquired, err := store.TryLock(context.Background(), "prewarm:A,B", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
	unlock()
}

func TestPrewarmSkipsWhenLeaseHeld(t *testing.T) {
	bundles := &fakeBundles{}
	store := storage.NewMemoryStore(time.Minute)
	unlock, acquired, err := store.TryLock(context.Background(), "prewarm:A,B", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
	defer unlock()

	svc := New(usageConfig(), nil, bundles, nil, store, nil, Options{}, zerolog.Nop())
	res, err := svc.Prewarm(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Zero(t, bundles.calls)
}

func TestPrewarmWithoutAccounts(t *testing.T) {
	cfg := usageConfig()
	cfg.Accounts = nil
	svc := New(cfg, nil, &fakeBundles{}, nil, nil, nil, Options{}, zerolog.Nop())

	_, err := svc.Prewarm(context.Background())
	assert.ErrorIs(t, err, orchestrator.ErrConfiguration)
}

func TestPrewarmSkipsThresholdsWhenDisabled(t *testing.T) {
	checker := &fakeChecker{}
	svc := New(usageConfig(), nil, &fakeBundles{}, checker, nil, nil, Options{CheckThresholds: false}, zerolog.Nop())

	res, err := svc.Prewarm(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res.Alert)
	assert.Empty(t, checker.modes)
}

func TestPrewarmPropagatesComputeError(t *testing.T) {
	svc := New(usageConfig(), nil, &fakeBundles{err: errors.New("boom")}, nil, nil, nil, Options{}, zerolog.Nop())

	_, err := svc.Prewarm(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestRunRequiresScheduler(t *testing.T) {
	svc := New(usageConfig(), nil, &fakeBundles{}, nil, nil, nil, Options{}, zerolog.Nop())
	assert.Error(t, svc.Run(context.Background()))
}

func TestRunPrewarmsOnSchedule(t *testing.T) {
	sched, err := scheduler.New(scheduler.Options{Interval: time.Hour, RunOnStart: true}, zerolog.Nop())
	require.NoError(t, err)
	bundles := &fakeBundles{}
	svc := New(usageConfig(), sched, bundles, nil, nil, nil, Options{}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = svc.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, bundles.calls)
}
