package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"fairway/internal/ledger"
	"fairway/internal/ledger/store/memory"
	"fairway/internal/override"
	"fairway/internal/override/handler"
	"fairway/internal/policy"
	id "fairway/pkg/domain"
	"fairway/pkg/requestcontext"
)

func newRouter(t *testing.T, store *memory.Store) chi.Router {
	t.Helper()

	svc, err := override.New(store, policy.DefaultTable())
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	router := chi.NewRouter()
	handler.New(svc, slog.New(slog.DiscardHandler)).Register(router)
	return router
}

func seedDecision(t *testing.T, store *memory.Store) ledger.DecisionRecord {
	t.Helper()

	rec := ledger.DecisionRecord{
		ApplicationID: id.ApplicationID(uuid.New()),
		SubjectID:     id.ActorID(uuid.New()),
		Prediction:    false,
		Probability:   0.28,
		ModelVersion:  "credit-risk-v3",
	}
	if err := store.AppendDecision(context.Background(), rec); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return rec
}

func doOverride(router chi.Router, actor policy.Actor, body map[string]any) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/overrides", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")

	ctx := req.Context()
	if !actor.ID.IsNil() {
		ctx = requestcontext.WithActorID(ctx, actor.ID)
		ctx = requestcontext.WithActorRole(ctx, string(actor.Role))
	}
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAdminOverrideViaHandler(t *testing.T) {
	store := memory.New()
	router := newRouter(t, store)
	seeded := seedDecision(t, store)
	admin := policy.Actor{ID: id.ActorID(uuid.New()), Role: policy.RoleAdministrator}

	rec := doOverride(router, admin, map[string]any{
		"application_id": seeded.ApplicationID.String(),
		"new_decision":   true,
		"reason":         "verified with employer",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Outcome       string `json:"outcome"`
		Prediction    bool   `json:"prediction"`
		OverrideState string `json:"override_state"`
		Sequence      int64  `json:"sequence"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Outcome != "applied" || !resp.Prediction || resp.OverrideState != "approved" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Sequence < 1 {
		t.Fatalf("expected an assigned audit sequence, got %d", resp.Sequence)
	}
}

func TestReviewerOverrideViaHandlerIsAdvisory(t *testing.T) {
	store := memory.New()
	router := newRouter(t, store)
	seeded := seedDecision(t, store)
	reviewer := policy.Actor{ID: id.ActorID(uuid.New()), Role: policy.RoleReviewer}

	rec := doOverride(router, reviewer, map[string]any{
		"application_id": seeded.ApplicationID.String(),
		"new_decision":   true,
		"reason":         "income documentation understated",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Outcome       string `json:"outcome"`
		Prediction    bool   `json:"prediction"`
		OverrideState string `json:"override_state"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Outcome != "recommended" || resp.Prediction || resp.OverrideState != "recommended" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSubjectOverrideForbidden(t *testing.T) {
	store := memory.New()
	router := newRouter(t, store)
	seeded := seedDecision(t, store)
	subject := policy.Actor{ID: seeded.SubjectID, Role: policy.RoleSubject}

	rec := doOverride(router, subject, map[string]any{
		"application_id": seeded.ApplicationID.String(),
		"new_decision":   true,
		"reason":         "please approve",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestOverrideValidation(t *testing.T) {
	store := memory.New()
	router := newRouter(t, store)
	seeded := seedDecision(t, store)
	admin := policy.Actor{ID: id.ActorID(uuid.New()), Role: policy.RoleAdministrator}

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing new_decision", map[string]any{
			"application_id": seeded.ApplicationID.String(),
			"reason":         "r",
		}, http.StatusBadRequest},
		{"missing reason", map[string]any{
			"application_id": seeded.ApplicationID.String(),
			"new_decision":   true,
		}, http.StatusBadRequest},
		{"bad application id", map[string]any{
			"application_id": "nope",
			"new_decision":   true,
			"reason":         "r",
		}, http.StatusBadRequest},
		{"unknown application", map[string]any{
			"application_id": uuid.NewString(),
			"new_decision":   true,
			"reason":         "r",
		}, http.StatusNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doOverride(router, admin, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestOverrideRequiresAuth(t *testing.T) {
	store := memory.New()
	router := newRouter(t, store)

	rec := doOverride(router, policy.Actor{}, map[string]any{
		"application_id": uuid.NewString(),
		"new_decision":   true,
		"reason":         "r",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
