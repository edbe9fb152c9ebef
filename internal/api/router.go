// Package api serves the local device surface: the chat write path,
// manual sync triggers, tenant status, health, metrics and a websocket
// stream of sync events.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kimhsiao/novachat/backend/internal/api/middleware"
	apperrors "github.com/kimhsiao/novachat/backend/internal/errors"
)

// NewRouter creates and configures the HTTP router. hub may be nil.
func NewRouter(logger zerolog.Logger, h *Handler, hub *Hub) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Metrics)
	r.Use(middleware.LocalOnly)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/errors", h.Errors)
		r.Delete("/errors", h.ClearErrors)

		r.Route("/sync/{tenant}", func(r chi.Router) {
			r.Use(chimw.AllowContentType("application/json"))
			r.Post("/", h.RequestSync)
			r.Post("/resync", h.Resync)
			r.Get("/status", h.Status)
		})

		r.Route("/tenants/{tenant}", func(r chi.Router) {
			r.Use(chimw.AllowContentType("application/json"))
			r.Post("/conversations", h.CreateConversation)
			r.Get("/conversations/{id}", h.GetConversation)
			r.Patch("/conversations/{id}", h.RenameConversation)
			r.Delete("/conversations/{id}", h.DeleteConversation)
			r.Post("/conversations/{id}/messages", h.AppendMessage)
			r.Delete("/messages/{id}", h.DeleteMessage)
		})

		if hub != nil {
			r.Get("/events", hub.ServeHTTP)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.Error(w, http.StatusNotFound, apperrors.ErrNotFound, "not found")
	})
	return r
}
