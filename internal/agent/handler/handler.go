// Package handler exposes the agent's HTTP surface.
package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"breakglass/internal/agent"
	"breakglass/pkg/platform/httputil"
)

// Handler serves the /agent routes.
type Handler struct {
	svc    *agent.Service
	logger *slog.Logger
}

func New(svc *agent.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes mounts the agent API.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(httputil.CorrelationID)
	r.Get("/agent/health", h.health)
	r.Post("/agent/retrieve", h.retrieve)
	r.Get("/agent/adapters", h.adapters)
	r.Get("/agent/checkpoint", h.checkpoint)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.svc.Health())
}

type retrieveRequest struct {
	Token         string            `json:"token"`
	AdapterType   string            `json:"adapter_type,omitempty"`
	AdapterConfig map[string]string `json:"adapter_config,omitempty"`
}

func (h *Handler) retrieve(w http.ResponseWriter, r *http.Request) {
	req, ok := httputil.Decode[retrieveRequest](w, r, h.logger)
	if !ok {
		return
	}
	if req.Token == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "token is required",
		})
		return
	}

	result := h.svc.Retrieve(r.Context(), req.Token, req.AdapterType, req.AdapterConfig)
	if !result.Success {
		httputil.WriteJSON(w, http.StatusBadRequest, result)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) checkpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := h.svc.Checkpoint()
	if err != nil {
		h.logger.ErrorContext(r.Context(), "ledger checkpoint failed", "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, cp)
}

func (h *Handler) adapters(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"adapters": h.svc.AdapterNames(),
	})
}
