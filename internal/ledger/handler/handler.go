// Package handler exposes the decision ledger over HTTP. Permission and
// ownership checks live in the service; this layer only translates transport.
package handler

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"fairway/internal/ledger"
	"fairway/internal/policy"
	id "fairway/pkg/domain"
	dErrors "fairway/pkg/domain-errors"
	"fairway/pkg/platform/httputil"
	"fairway/pkg/requestcontext"
)

// Service defines the ledger operations the handler needs.
type Service interface {
	RecordDecision(ctx context.Context, actor policy.Actor, rec ledger.DecisionRecord) (ledger.DecisionRecord, error)
	GetDecision(ctx context.Context, actor policy.Actor, appID id.ApplicationID) (ledger.DecisionRecord, error)
	ListDecisions(ctx context.Context, actor policy.Actor, filter ledger.DecisionFilter) ([]ledger.DecisionRecord, error)
	ListAudits(ctx context.Context, actor policy.Actor, filter ledger.AuditFilter) ([]ledger.AuditEvent, error)
	ExportAudits(ctx context.Context, actor policy.Actor, filter ledger.AuditFilter) ([]ledger.AuditEvent, ledger.ExportScope, error)
}

// Handler wires ledger endpoints to the ledger service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs a ledger handler.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts ledger endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/decisions", h.HandleRecordDecision)
	r.Get("/decisions", h.HandleListDecisions)
	r.Get("/decisions/{application_id}", h.HandleGetDecision)
	r.Get("/audits", h.HandleListAudits)
	r.Get("/audits/export", h.HandleExportAudits)
}

// actorFrom rebuilds the authenticated actor from request context. The auth
// middleware guarantees both values on guarded routes.
func actorFrom(ctx context.Context) (policy.Actor, error) {
	actorID := requestcontext.ActorID(ctx)
	if actorID.IsNil() {
		return policy.Actor{}, dErrors.New(dErrors.CodeUnauthorized, "authentication required")
	}
	return policy.Actor{ID: actorID, Role: policy.Role(requestcontext.ActorRole(ctx))}, nil
}

// HandleRecordDecision handles POST /decisions.
func (h *Handler) HandleRecordDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor, err := actorFrom(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	req, ok := httputil.Decode[RecordDecisionRequest](w, r, h.logger)
	if !ok {
		return
	}
	if err := req.Validate(); err != nil {
		httputil.WriteError(w, err)
		return
	}

	rec, err := h.service.RecordDecision(ctx, actor, req.ToRecord())
	if err != nil {
		h.logger.ErrorContext(ctx, "record decision failed",
			"request_id", requestcontext.RequestID(ctx),
			"application_id", req.ApplicationID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, FromRecord(rec))
}

// HandleGetDecision handles GET /decisions/{application_id}.
func (h *Handler) HandleGetDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor, err := actorFrom(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	appID, err := id.ParseApplicationID(chi.URLParam(r, "application_id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	rec, err := h.service.GetDecision(ctx, actor, appID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, FromRecord(rec))
}

// HandleListDecisions handles GET /decisions.
func (h *Handler) HandleListDecisions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor, err := actorFrom(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	filter, err := decisionFilterFromQuery(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	records, err := h.service.ListDecisions(ctx, actor, filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	items := make([]DecisionResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, FromRecord(rec))
	}
	httputil.WriteJSON(w, http.StatusOK, newListResponse(items))
}

// HandleListAudits handles GET /audits.
func (h *Handler) HandleListAudits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor, err := actorFrom(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	filter, err := auditFilterFromQuery(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	events, err := h.service.ListAudits(ctx, actor, filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	items := make([]AuditEventResponse, 0, len(events))
	for _, event := range events {
		items = append(items, FromEvent(event))
	}
	httputil.WriteJSON(w, http.StatusOK, newListResponse(items))
}

// HandleExportAudits handles GET /audits/export.
func (h *Handler) HandleExportAudits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor, err := actorFrom(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "format must be json or csv"))
		return
	}

	filter, err := auditFilterFromQuery(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	events, scope, err := h.service.ExportAudits(ctx, actor, filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "audit log exported",
		"request_id", requestcontext.RequestID(ctx),
		"scope", scope,
		"format", format,
		"count", len(events),
	)

	if format == "csv" {
		writeCSV(w, events)
		return
	}

	items := make([]AuditEventResponse, 0, len(events))
	for _, event := range events {
		items = append(items, FromEvent(event))
	}
	httputil.WriteJSON(w, http.StatusOK, struct {
		Scope string               `json:"scope"`
		Items []AuditEventResponse `json:"items"`
		Count int                  `json:"count"`
	}{Scope: string(scope), Items: items, Count: len(items)})
}

func writeCSV(w http.ResponseWriter, events []ledger.AuditEvent) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="audit_export.csv"`)

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"sequence", "timestamp", "actor_id", "actor_role", "action", "application_id", "subject_id", "payload"})
	for _, event := range events {
		resp := FromEvent(event)
		payload := ""
		if len(event.Payload) > 0 {
			raw, err := json.Marshal(event.Payload)
			if err == nil {
				payload = string(raw)
			}
		}
		_ = cw.Write([]string{
			strconv.FormatInt(resp.Sequence, 10),
			resp.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
			resp.ActorID,
			resp.ActorRole,
			resp.Action,
			resp.ApplicationID,
			resp.SubjectID,
			payload,
		})
	}
	cw.Flush()
}
