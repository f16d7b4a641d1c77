// Package handler exposes role management over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"fairway/internal/actors"
	"fairway/internal/policy"
	id "fairway/pkg/domain"
	dErrors "fairway/pkg/domain-errors"
	"fairway/pkg/platform/httputil"
	"fairway/pkg/requestcontext"
)

// Service defines the role operations the handler needs.
type Service interface {
	ChangeRole(ctx context.Context, admin policy.Actor, actorID id.ActorID, newRole policy.Role) (actors.Actor, error)
}

// Handler wires actor endpoints to the actors service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs an actors handler.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts actor endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/actors/{actor_id}/role", h.HandleChangeRole)
}

// ChangeRoleRequest is the HTTP request body for POST /actors/{actor_id}/role.
type ChangeRoleRequest struct {
	Role string `json:"role"`
}

// ActorResponse is the HTTP shape of a registered actor.
type ActorResponse struct {
	ActorID   string    `json:"actor_id"`
	Role      string    `json:"role"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HandleChangeRole handles POST /actors/{actor_id}/role.
func (h *Handler) HandleChangeRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	adminID := requestcontext.ActorID(ctx)
	if adminID.IsNil() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return
	}
	admin := policy.Actor{ID: adminID, Role: policy.Role(requestcontext.ActorRole(ctx))}

	actorID, err := id.ParseActorID(chi.URLParam(r, "actor_id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	req, ok := httputil.Decode[ChangeRoleRequest](w, r, h.logger)
	if !ok {
		return
	}

	actor, err := h.service.ChangeRole(ctx, admin, actorID, policy.Role(req.Role))
	if err != nil {
		h.logger.ErrorContext(ctx, "role change failed",
			"request_id", requestcontext.RequestID(ctx),
			"actor_id", actorID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, ActorResponse{
		ActorID:   actor.ID.String(),
		Role:      string(actor.Role),
		UpdatedAt: actor.UpdatedAt,
	})
}
