// Package server exposes HTTP handlers, including WebSocket upgrades and the
// health check.
package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

// Handler bundles the dependencies the HTTP surface needs. The router is
// passed in explicitly; there are no package-level singletons.
type Handler struct {
	cfg      *Config
	router   *Router
	upgrader websocket.Upgrader
}

// NewHandler wires a Handler to its configuration and router.
func NewHandler(cfg *Config, router *Router) *Handler {
	return &Handler{
		cfg:    cfg,
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.checkOrigin,
		},
	}
}

// WebSocket upgrades the request and attaches the resulting client to the
// router, which starts the read/write pumps.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := NewClient(conn, h.router, r.RemoteAddr, h.cfg)
	h.router.Attach(client)
}

// healthResponse is the liveness payload, carrying the configured category
// list so clients can render the lobby picker without a separate call.
type healthResponse struct {
	OK         bool     `json:"ok"`
	Categories []string `json:"categories"`
}

// Health reports process liveness and the static category list.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(healthResponse{OK: true, Categories: h.cfg.Categories}); err != nil {
		log.Printf("Error writing health response: %v", err)
	}
}
