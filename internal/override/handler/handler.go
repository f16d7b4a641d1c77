// Package handler exposes the override flow over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"fairway/internal/override"
	"fairway/internal/policy"
	id "fairway/pkg/domain"
	dErrors "fairway/pkg/domain-errors"
	"fairway/pkg/platform/httputil"
	"fairway/pkg/requestcontext"
)

// Service defines the override operation the handler needs.
type Service interface {
	Override(ctx context.Context, actor policy.Actor, appID id.ApplicationID, newDecision bool, reason string) (override.Result, error)
}

// Handler wires the override endpoint to the override service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs an override handler.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the override endpoint on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/overrides", h.HandleOverride)
}

// OverrideRequest is the HTTP request body for POST /overrides.
type OverrideRequest struct {
	ApplicationID string `json:"application_id"`
	NewDecision   *bool  `json:"new_decision"`
	Reason        string `json:"reason"`

	parsedApplicationID id.ApplicationID
}

// Validate validates and parses the request.
func (r *OverrideRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}

	appID, err := id.ParseApplicationID(strings.TrimSpace(r.ApplicationID))
	if err != nil {
		return err
	}
	r.parsedApplicationID = appID

	if r.NewDecision == nil {
		return dErrors.New(dErrors.CodeValidation, "new_decision is required")
	}
	r.Reason = strings.TrimSpace(r.Reason)
	if r.Reason == "" {
		return dErrors.New(dErrors.CodeValidation, "reason is required")
	}
	return nil
}

// OverrideResponse is the HTTP response for POST /overrides.
type OverrideResponse struct {
	Outcome       string    `json:"outcome"`
	ApplicationID string    `json:"application_id"`
	Prediction    bool      `json:"prediction"`
	OverrideState string    `json:"override_state"`
	Sequence      int64     `json:"sequence"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HandleOverride handles POST /overrides.
func (h *Handler) HandleOverride(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	actorID := requestcontext.ActorID(ctx)
	if actorID.IsNil() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return
	}
	actor := policy.Actor{ID: actorID, Role: policy.Role(requestcontext.ActorRole(ctx))}

	req, ok := httputil.Decode[OverrideRequest](w, r, h.logger)
	if !ok {
		return
	}
	if err := req.Validate(); err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.service.Override(ctx, actor, req.parsedApplicationID, *req.NewDecision, req.Reason)
	if err != nil {
		h.logger.ErrorContext(ctx, "override request failed",
			"request_id", requestID,
			"application_id", req.ApplicationID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "override handled",
		"request_id", requestID,
		"application_id", req.ApplicationID,
		"outcome", result.Outcome,
	)

	httputil.WriteJSON(w, http.StatusOK, OverrideResponse{
		Outcome:       string(result.Outcome),
		ApplicationID: result.Record.ApplicationID.String(),
		Prediction:    result.Record.Prediction,
		OverrideState: string(result.Record.OverrideState),
		Sequence:      result.Sequence,
		UpdatedAt:     result.Record.UpdatedAt,
	})
}
