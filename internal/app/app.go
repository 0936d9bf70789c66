package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"usagewatch/internal/alerting"
	"usagewatch/internal/cache"
	"usagewatch/internal/config"
	"usagewatch/internal/fetcher"
	"usagewatch/internal/orchestrator"
	"usagewatch/internal/resilience"
	"usagewatch/internal/scheduler"
	"usagewatch/internal/server"
	"usagewatch/internal/service"
	"usagewatch/internal/sku"
	"usagewatch/internal/storage"
	"usagewatch/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output; defaults to stdout.
	Out io.Writer
	// Source overrides the HTTP analytics source.
	Source fetcher.Source
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// components is the wired dependency graph shared by every command.
type components struct {
	usage        sku.Configuration
	backend      storage.Backend
	cache        *cache.Manager
	fetcher      *fetcher.AccountFetcher
	orchestrator *orchestrator.Orchestrator
	engine       *alerting.Engine
}

func (c *components) Close() {
	if c.backend != nil {
		c.backend.Close()
	}
}

func (a *App) newSource() fetcher.Source {
	if a.Source != nil {
		return a.Source
	}
	cfg := a.Config.Analytics

	var breaker *resilience.BreakerConfig
	if cfg.BreakerThreshold > 0 {
		b := resilience.DefaultBreakerConfig("analytics")
		b.FailureThreshold = cfg.BreakerThreshold
		if cfg.BreakerTimeout > 0 {
			b.Timeout = cfg.BreakerTimeout
		}
		breaker = &b
	}

	return fetcher.NewAnalytics(fetcher.AnalyticsOptions{
		BaseURL:   cfg.BaseURL,
		APIToken:  cfg.APIToken,
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.RequestTimeout,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
		Retry: resilience.RetryConfig{
			MaxRetries:  cfg.MaxRetries,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			JitterDelay: resilience.DefaultRetryConfig.JitterDelay,
		},
		Breaker: breaker,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	cfg := a.Config.Alerting
	var channels alerting.Fanout
	if cfg.WebhookURL != "" {
		channels = append(channels, alerting.NewWebhookNotifier(cfg.WebhookURL, cfg.Headers, cfg.RequestTimeout, a.Logger))
	}
	if cfg.Telegram.Configured() {
		channels = append(channels, alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.BaseURL, cfg.RequestTimeout, a.Logger))
	}
	if !cfg.Active() {
		return disabledNotifier{}
	}
	if len(channels) == 1 {
		return channels[0]
	}
	return channels
}

type disabledNotifier struct{}

func (disabledNotifier) Notify(context.Context, alerting.Message) error {
	return errors.New("alerting disabled or no channel configured")
}

// build wires storage, cache, fetcher, orchestrator and alert engine.
func (a *App) build(ctx context.Context) (*components, error) {
	backend, err := storage.Open(ctx, a.Config)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", a.Config.Store.Backend, err)
	}

	cacheMgr := cache.NewManager(backend, cache.Options{
		HotTTL:         a.Config.Cache.HotTTL,
		DegradedTTL:    a.Config.Cache.DegradedTTL,
		ClosedMonthTTL: a.Config.Cache.ClosedMonthTTL,
	}, a.Logger)
	accountFetcher := fetcher.NewAccountFetcher(a.newSource(), cacheMgr, a.Config.Analytics.RequestTimeout, a.Logger)
	orch := orchestrator.New(accountFetcher, cacheMgr, orchestrator.Options{
		MaxConcurrency: a.Config.Analytics.MaxConcurrency,
		HistoryMonths:  a.Config.Cache.HistoryMonths,
	}, a.Logger)

	return &components{
		usage:        a.Config.Usage(sku.Default()),
		backend:      backend,
		cache:        cacheMgr,
		fetcher:      accountFetcher,
		orchestrator: orch,
		engine:       alerting.NewEngine(backend, a.newNotifier(), nil, a.Logger),
	}, nil
}

func (a *App) newService(c *components, sched *scheduler.Scheduler) *service.Service {
	var purger storage.Purger
	if p, ok := c.backend.(storage.Purger); ok {
		purger = p
	}
	check := a.Config.Prewarm.CheckThresholds && a.Config.Alerting.Active()
	if a.Config.Prewarm.CheckThresholds && !check {
		a.Logger.Info().Msg("alerting inactive, prewarm will not check thresholds")
	}
	return service.New(c.usage, sched, c.orchestrator, c.engine, c.backend, purger, service.Options{
		LockTTL:         a.Config.Prewarm.LockTTL,
		CheckThresholds: check,
	}, a.Logger)
}

func (a *App) newWebAPI(c *components, svc *service.Service) *server.WebAPI {
	return server.NewWebAPI(a.Logger, server.Config{
		Addr:            a.Config.Server.Addr,
		ReadTimeout:     a.Config.Server.ReadTimeout,
		WriteTimeout:    a.Config.Server.WriteTimeout,
		ShutdownTimeout: a.Config.Server.ShutdownTimeout,
		Dependencies: server.Dependencies{
			Usage:        c.usage,
			Orchestrator: c.orchestrator,
			Prewarmer:    svc,
			Checker:      c.engine,
			Version:      version.Version,
		},
	})
}

// Run serves HTTP and runs the scheduled prewarm until interrupted.
func (a *App) Run(ctx context.Context) error {
	return a.serve(ctx, a.Config.Prewarm.Enabled)
}

// Serve runs only the HTTP surface.
func (a *App) Serve(ctx context.Context) error {
	return a.serve(ctx, false)
}

func (a *App) serve(ctx context.Context, withScheduler bool) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	var sched *scheduler.Scheduler
	if withScheduler {
		sched, err = scheduler.New(scheduler.Options{
			Interval:      a.Config.Scheduler.Interval,
			AlignToBucket: a.Config.Scheduler.AlignToBucket,
			StartupDelay:  a.Config.Scheduler.StartupDelay,
			RunOnStart:    a.Config.Scheduler.RunOnStart,
		}, a.Logger)
		if err != nil {
			return err
		}
	}
	svc := a.newService(c, sched)
	api := a.newWebAPI(c, svc)

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		return api.Start(ctx)
	})
	if sched != nil {
		a.Logger.Info().Dur("interval", a.Config.Scheduler.Interval).Msg("starting prewarm scheduler")
		p.Go(func(ctx context.Context) error {
			if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if err := p.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}
	a.Logger.Info().Msg("service stopped")
	return nil
}

// Prewarm runs one prewarm pass and prints the result.
func (a *App) Prewarm(ctx context.Context) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	result, err := a.newService(c, nil).Prewarm(ctx)
	if err != nil {
		return err
	}
	return a.printJSON(result)
}

// FetchOptions configure a one-shot progressive call.
type FetchOptions struct {
	Phase    int
	Accounts []string
}

// Fetch runs one progressive phase and prints the JSON result.
func (a *App) Fetch(ctx context.Context, opts FetchOptions) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	ids := opts.Accounts
	if len(ids) == 0 {
		ids = c.usage.AccountIDs()
	}
	result, err := c.orchestrator.Fetch(ctx, c.usage, ids, opts.Phase)
	if err != nil {
		return err
	}
	return a.printJSON(result)
}

// CheckOptions configure a one-shot threshold check.
type CheckOptions struct {
	Mode     alerting.Mode
	Accounts []string
	Force    bool
}

// Check evaluates thresholds and prints the alert result.
func (a *App) Check(ctx context.Context, opts CheckOptions) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	ids := opts.Accounts
	if len(ids) == 0 {
		ids = c.usage.AccountIDs()
	}
	bundle, err := c.orchestrator.Bundle(ctx, c.usage, ids, opts.Force)
	if err != nil {
		return err
	}
	result, err := c.engine.CheckThresholds(ctx, bundle, c.usage, opts.Mode)
	if err != nil {
		return err
	}
	return a.printJSON(result)
}

func (a *App) printJSON(v any) error {
	enc := json.NewEncoder(a.out())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *App) out() io.Writer {
	if a.Out == nil {
		return os.Stdout
	}
	return a.Out
}

// ExportOptions hold parameters for exporting a SKU time series.
type ExportOptions struct {
	SKU       string
	Accounts  []string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Accounts []string
}

// BackfillOptions configure the closed-month backfill.
type BackfillOptions struct {
	Months  int
	Workers int
}
