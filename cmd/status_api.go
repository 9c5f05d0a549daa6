package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"civicsync/internal/bootstrap/logging"
	domain "civicsync/internal/domain/offline"
	"civicsync/internal/errs"
)

type statusAPIService interface {
	Status(ctx context.Context) (domain.SyncStatus, error)
	ForceSync(ctx context.Context) (domain.SyncResult, error)
}

type statusAPIHandler struct {
	svc statusAPIService
	// setOnline is nil unless connectivity is in manual mode.
	setOnline func(online bool)
}

type statusAPIErrorResponse struct {
	Error string `json:"error"`
}

func newStatusAPIHandler(svc statusAPIService, setOnline func(bool), registry *prometheus.Registry) http.Handler {
	h := &statusAPIHandler{svc: svc, setOnline: setOnline}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", h.handleHealth)
	r.Get("/status", h.handleStatus)
	r.Post("/sync", h.handleSync)
	r.Post("/connectivity/{state}", h.handleConnectivity)
	if registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	return r
}

func (h *statusAPIHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeAPIJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *statusAPIHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Status(r.Context())
	if err != nil {
		logging.Warn(r.Context(), "status request failed", slog.Any("err", errs.Loggable(err)))
		writeAPIError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeAPIJSON(w, http.StatusOK, status)
}

func (h *statusAPIHandler) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.ForceSync(r.Context())
	switch {
	case errors.Is(err, domain.ErrNotConnected):
		writeAPIError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeAPIError(w, http.StatusInternalServerError, err.Error())
	case result.AlreadyRunning:
		writeAPIJSON(w, http.StatusAccepted, result)
	default:
		writeAPIJSON(w, http.StatusOK, result)
	}
}

func (h *statusAPIHandler) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	if h.setOnline == nil {
		writeAPIError(w, http.StatusNotFound, "connectivity is not in manual mode")
		return
	}

	switch chi.URLParam(r, "state") {
	case "online":
		h.setOnline(true)
	case "offline":
		h.setOnline(false)
	default:
		writeAPIError(w, http.StatusBadRequest, "state must be online or offline")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeAPIError(w http.ResponseWriter, status int, message string) {
	writeAPIJSON(w, status, statusAPIErrorResponse{Error: message})
}

func writeAPIJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
