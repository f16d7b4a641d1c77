// Package httpapi assembles the HTTP surface: middleware stack, health and
// metrics endpoints, and the authenticated API routes.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fairway/internal/platform/middleware"
	"fairway/pkg/platform/httputil"
)

// Registrar is any handler that can mount its routes on a chi router.
type Registrar interface {
	Register(r chi.Router)
}

// Deps carries everything the router needs. All handlers are mounted behind
// authentication; health and metrics stay open.
type Deps struct {
	Logger    *slog.Logger
	Validator middleware.JWTValidator
	Handlers  []Registrar
}

// NewRouter builds the full HTTP handler.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.Metrics)

	r.Get("/healthz", handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(deps.Validator, deps.Logger))
		for _, h := range deps.Handlers {
			h.Register(r)
		}
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
