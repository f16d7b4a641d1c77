// Package handler exposes fairness reports and governance rules over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fairway/internal/fairness"
	"fairway/internal/policy"
	dErrors "fairway/pkg/domain-errors"
	"fairway/pkg/platform/httputil"
	"fairway/pkg/requestcontext"
)

// Service defines the fairness operations the handler needs.
type Service interface {
	GenerateReport(ctx context.Context, actor policy.Actor) (fairness.Report, error)
	Rules(ctx context.Context, actor policy.Actor) (fairness.Rules, error)
	UpdateRules(ctx context.Context, actor policy.Actor, rules fairness.Rules) (fairness.Rules, error)
}

// Handler wires fairness endpoints to the fairness service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs a fairness handler.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts fairness endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/fairness/report", h.HandleReport)
	r.Get("/governance/rules", h.HandleGetRules)
	r.Put("/governance/rules", h.HandlePutRules)
}

func actorFrom(ctx context.Context) (policy.Actor, error) {
	actorID := requestcontext.ActorID(ctx)
	if actorID.IsNil() {
		return policy.Actor{}, dErrors.New(dErrors.CodeUnauthorized, "authentication required")
	}
	return policy.Actor{ID: actorID, Role: policy.Role(requestcontext.ActorRole(ctx))}, nil
}

// HandleReport handles GET /fairness/report.
func (h *Handler) HandleReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor, err := actorFrom(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	report, err := h.service.GenerateReport(ctx, actor)
	if err != nil {
		h.logger.ErrorContext(ctx, "fairness report failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, report)
}

// HandleGetRules handles GET /governance/rules.
func (h *Handler) HandleGetRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor, err := actorFrom(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	rules, err := h.service.Rules(ctx, actor)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, rules)
}

// HandlePutRules handles PUT /governance/rules.
func (h *Handler) HandlePutRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor, err := actorFrom(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	rules, ok := httputil.Decode[fairness.Rules](w, r, h.logger)
	if !ok {
		return
	}

	updated, err := h.service.UpdateRules(ctx, actor, rules)
	if err != nil {
		h.logger.ErrorContext(ctx, "governance rules update failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, updated)
}
