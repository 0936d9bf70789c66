package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"usagewatch/internal/alerting"
	"usagewatch/internal/orchestrator"
	"usagewatch/internal/service"
	"usagewatch/internal/sku"
	"usagewatch/internal/usage"
)

type mockOrchestrator struct {
	mock.Mock
}

func (m *mockOrchestrator) Fetch(ctx context.Context, cfg sku.Configuration, ids []string, phase int) (orchestrator.PhaseResult, error) {
	args := m.Called(ctx, ids, phase)
	return args.Get(0).(orchestrator.PhaseResult), args.Error(1)
}

func (m *mockOrchestrator) Bundle(ctx context.Context, cfg sku.Configuration, ids []string, force bool) (*usage.Bundle, error) {
	args := m.Called(ctx, ids, force)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*usage.Bundle), args.Error(1)
}

type mockPrewarmer struct {
	mock.Mock
}

func (m *mockPrewarmer) Prewarm(ctx context.Context) (service.PrewarmResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(service.PrewarmResult), args.Error(1)
}

type mockChecker struct {
	mock.Mock
}

func (m *mockChecker) CheckThresholds(ctx context.Context, bundle *usage.Bundle, cfg sku.Configuration, mode alerting.Mode) (alerting.AlertResult, error) {
	args := m.Called(ctx, bundle, mode)
	return args.Get(0).(alerting.AlertResult), args.Error(1)
}

type fixture struct {
	orch     *mockOrchestrator
	prewarm  *mockPrewarmer
	checker  *mockChecker
	handler  http.Handler
	accounts []string
}

func newFixture() *fixture {
	f := &fixture{
		orch:    &mockOrchestrator{},
		prewarm: &mockPrewarmer{},
		checker: &mockChecker{},
	}
	usageCfg := sku.Configuration{
		Registry: sku.Default(),
		Accounts: []sku.Account{{ID: "A"}, {ID: "B"}},
		SKUs:     map[string]sku.Config{sku.CoreTrafficID: {Enabled: true}},
	}
	api := NewWebAPI(zerolog.Nop(), Config{
		Addr: ":0",
		Dependencies: Dependencies{
			Usage:        usageCfg,
			Orchestrator: f.orch,
			Prewarmer:    f.prewarm,
			Checker:      f.checker,
			Version:      "test",
		},
	})
	f.handler = api.Handler()
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version":"test"`)
}

func TestProgressiveReturnsPhaseResult(t *testing.T) {
	f := newFixture()
	f.orch.On("Fetch", mock.Anything, []string{"A", "B"}, 1).Return(orchestrator.PhaseResult{
		Kind:           orchestrator.KindZoneCount,
		Phase:          1,
		AccountsKey:    "A,B",
		CoreZoneCounts: []usage.ZoneCount{{AccountID: "A", Zones: 3}},
	}, nil)

	rec := f.do(http.MethodPost, "/metrics/progressive", `{"accountIds":["A","B"],"phase":1}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body orchestrator.PhaseResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, orchestrator.KindZoneCount, body.Kind)
	assert.Equal(t, 3, body.CoreZoneCounts[0].Zones)
	f.orch.AssertExpectations(t)
}

func TestProgressiveConfigurationErrorIs400(t *testing.T) {
	f := newFixture()
	f.orch.On("Fetch", mock.Anything, []string(nil), 1).
		Return(orchestrator.PhaseResult{}, fmt.Errorf("%w: no account ids", orchestrator.ErrConfiguration))

	rec := f.do(http.MethodPost, "/metrics/progressive", `{"phase":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "no account ids")
}

func TestProgressiveMalformedBody(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/metrics/progressive", `{"phase":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	f.orch.AssertNotCalled(t, "Fetch")
}

func TestPrewarmEndpoint(t *testing.T) {
	f := newFixture()
	f.prewarm.On("Prewarm", mock.Anything).Return(service.PrewarmResult{Status: service.StatusSkipped, Skipped: true, AccountsKey: "A,B"}, nil)

	rec := f.do(http.MethodPost, "/cache/prewarm", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"skipped":true`)
	assert.Contains(t, rec.Body.String(), `"accountsKey":"A,B"`)
}

func TestCheckDefaultsToConfiguredAccounts(t *testing.T) {
	f := newFixture()
	bundle := &usage.Bundle{AccountsKey: "A,B"}
	f.orch.On("Bundle", mock.Anything, []string{"A", "B"}, false).Return(bundle, nil)
	f.checker.On("CheckThresholds", mock.Anything, bundle, alerting.ModeReport).
		Return(alerting.AlertResult{Mode: alerting.ModeReport, AccountsKey: "A,B", Sent: true}, nil)

	rec := f.do(http.MethodPost, "/webhook/check", `{"mode":"report"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sent":true`)
	f.checker.AssertExpectations(t)
}

func TestCheckRejectsUnknownMode(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/webhook/check", `{"mode":"loud"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecovererCatchesPanics(t *testing.T) {
	f := newFixture()
	f.prewarm.On("Prewarm", mock.Anything).Run(func(mock.Arguments) { panic("boom") })

	rec := f.do(http.MethodPost, "/cache/prewarm", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
