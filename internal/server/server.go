// Package server exposes the progressive metrics, prewarm and threshold
// check endpoints over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"usagewatch/internal/alerting"
	"usagewatch/internal/orchestrator"
	usagemiddleware "usagewatch/internal/server/middleware"
	"usagewatch/internal/service"
	"usagewatch/internal/sku"
	"usagewatch/internal/usage"
)

// Orchestrator serves progressive phases and full bundles.
type Orchestrator interface {
	Fetch(ctx context.Context, cfg sku.Configuration, accountIDs []string, phase int) (orchestrator.PhaseResult, error)
	Bundle(ctx context.Context, cfg sku.Configuration, accountIDs []string, force bool) (*usage.Bundle, error)
}

// Prewarmer runs the prewarm job on demand.
type Prewarmer interface {
	Prewarm(ctx context.Context) (service.PrewarmResult, error)
}

// ThresholdChecker evaluates thresholds for a bundle.
type ThresholdChecker interface {
	CheckThresholds(ctx context.Context, bundle *usage.Bundle, cfg sku.Configuration, mode alerting.Mode) (alerting.AlertResult, error)
}

type Dependencies struct {
	Usage        sku.Configuration
	Orchestrator Orchestrator
	Prewarmer    Prewarmer
	Checker      ThresholdChecker
	Version      string
}

type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Dependencies    Dependencies
}

type WebAPI struct {
	router          *chi.Mux
	logger          *zerolog.Logger
	server          *http.Server
	shutdownTimeout time.Duration
}

func NewWebAPI(logger zerolog.Logger, config Config) *WebAPI {
	logger = logger.With().Str("component", "http").Logger()
	h := newHandler(config.Dependencies)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(usagemiddleware.Logger(&logger))
	router.Use(middleware.Recoverer)

	router.Get("/healthz", h.Health)
	router.Post("/metrics/progressive", h.Progressive)
	router.Post("/cache/prewarm", h.Prewarm)
	router.Post("/webhook/check", h.Check)

	shutdownTimeout := config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	return &WebAPI{
		router: router,
		logger: &logger,
		server: &http.Server{
			Addr:         config.Addr,
			Handler:      router,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
		},
		shutdownTimeout: shutdownTimeout,
	}
}

// Handler returns the router, mainly for tests.
func (w *WebAPI) Handler() http.Handler {
	return w.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (w *WebAPI) Start(ctx context.Context) error {
	serverErrors := make(chan error, 1)

	go func() {
		w.logger.Info().Str("addr", w.server.Addr).Msg("starting server")
		serverErrors <- w.server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		w.logger.Info().Msg("shutdown initiated")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), w.shutdownTimeout)
		defer cancel()

		err := w.server.Shutdown(shutdownCtx)
		if err != nil {
			w.logger.Error().Err(err).Msg("graceful shutdown failed")
			err = w.server.Close()
		}
		return err
	}
}
