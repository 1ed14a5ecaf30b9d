// Package handler exposes the central broker's HTTP API.
package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"breakglass/internal/approval"
	"breakglass/internal/issuer"
	"breakglass/internal/request"
	dErrors "breakglass/pkg/domain-errors"
	"breakglass/pkg/platform/httputil"
)

// Handler serves the /api/v1 routes.
type Handler struct {
	svc    *issuer.Service
	logger *slog.Logger
}

func New(svc *issuer.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes mounts the broker API, health and metrics endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(httputil.CorrelationID)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/credentials/request", h.createRequest)
		r.Get("/credentials/request/{reqID}", h.getRequest)
		r.Get("/credentials/requests", h.listPending)
		r.Post("/credentials/approve", h.approve)
		r.Post("/credentials/deny", h.deny)
		r.Post("/credentials/cancel", h.cancel)
		r.Post("/tokens/revoke", h.revoke)
		r.Get("/tokens/stats", h.stats)
	})
	r.Get("/healthz", h.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

type createRequestBody struct {
	Requester string `json:"requester"`
	Vault     string `json:"vault"`
	Path      string `json:"path"`
	Reason    string `json:"reason"`
}

func (h *Handler) createRequest(w http.ResponseWriter, r *http.Request) {
	body, ok := httputil.Decode[createRequestBody](w, r, h.logger)
	if !ok {
		return
	}
	if body.Requester == "" || body.Vault == "" || body.Path == "" || body.Reason == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "requester, vault, path and reason are required"))
		return
	}
	req, err := h.svc.Requests().Create(r.Context(), body.Requester, body.Vault, body.Path, body.Reason)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, req)
}

func (h *Handler) getRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.svc.Requests().Get(r.Context(), chi.URLParam(r, "reqID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, req)
}

func (h *Handler) listPending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.svc.Requests().ListPending(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if pending == nil {
		pending = []request.CredentialRequest{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"requests": pending})
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	rec, ok := httputil.Decode[approval.Record](w, r, h.logger)
	if !ok {
		return
	}
	if rec.ReqID == "" || rec.Approver == "" || rec.Signature == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "req_id, approver and signature are required"))
		return
	}
	result, err := h.svc.ApproveAndIssue(r.Context(), rec)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

type denyBody struct {
	ReqID    string `json:"req_id"`
	Approver string `json:"approver"`
	Reason   string `json:"reason"`
}

func (h *Handler) deny(w http.ResponseWriter, r *http.Request) {
	body, ok := httputil.Decode[denyBody](w, r, h.logger)
	if !ok {
		return
	}
	if err := h.svc.Requests().Deny(r.Context(), body.ReqID, body.Approver, body.Reason); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"status": "denied"})
}

type cancelBody struct {
	ReqID     string `json:"req_id"`
	Requester string `json:"requester"`
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	body, ok := httputil.Decode[cancelBody](w, r, h.logger)
	if !ok {
		return
	}
	if err := h.svc.Requests().Cancel(r.Context(), body.ReqID, body.Requester); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"status": "cancelled"})
}

type revokeBody struct {
	Nonce   string `json:"nonce"`
	ActorID string `json:"actor_id"`
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	body, ok := httputil.Decode[revokeBody](w, r, h.logger)
	if !ok {
		return
	}
	if body.Nonce == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "nonce is required"))
		return
	}
	if err := h.svc.Revoke(r.Context(), body.Nonce, body.ActorID); err != nil {
		// Revoking an already-consumed token is not an error worth surfacing.
		if !dErrors.HasCode(err, dErrors.CodeConflict) {
			httputil.WriteError(w, err)
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
