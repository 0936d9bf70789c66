package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"usagewatch/internal/alerting"
	"usagewatch/internal/orchestrator"
)

type handler struct {
	deps Dependencies
}

func newHandler(deps Dependencies) *handler {
	return &handler{deps: deps}
}

type progressiveRequest struct {
	AccountIDs []string `json:"accountIds"`
	Phase      int      `json:"phase"`
}

type checkRequest struct {
	Mode       string   `json:"mode"`
	AccountIDs []string `json:"accountIds"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok", "version": h.deps.Version})
}

func (h *handler) Progressive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req progressiveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	result, err := h.deps.Orchestrator.Fetch(ctx, h.deps.Usage, req.AccountIDs, req.Phase)
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

func (h *handler) Prewarm(w http.ResponseWriter, r *http.Request) {
	result, err := h.deps.Prewarmer.Prewarm(r.Context())
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// Check evaluates thresholds for the given accounts, or every configured
// account when none are listed.
func (h *handler) Check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req checkRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	mode, err := alerting.ParseMode(req.Mode)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	ids := req.AccountIDs
	if len(ids) == 0 {
		ids = h.deps.Usage.AccountIDs()
	}
	bundle, err := h.deps.Orchestrator.Bundle(ctx, h.deps.Usage, ids, false)
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}

	result, err := h.deps.Checker.CheckThresholds(ctx, bundle, h.deps.Usage, mode)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// decodeBody tolerates an empty body.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func statusFor(err error) int {
	if errors.Is(err, orchestrator.ErrConfiguration) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	logger := zerolog.Ctx(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Msg("request failed")
	} else {
		logger.Debug().Err(err).Msg("request rejected")
	}
	writeJSON(w, r, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("failed to encode response")
	}
}
