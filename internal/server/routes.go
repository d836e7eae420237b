// Package server wires HTTP handlers into a router for the consult service.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRoutes configures and returns the HTTP router with all application
// routes: health check at the root and /healthz, WebSocket endpoint at /ws.
func NewRoutes(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/", h.Health)
	r.Get("/health", h.Health)
	r.Get("/healthz", h.Health)
	r.Get("/ws", h.WebSocket)

	return r
}
