package websocket

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// upgrader upgrades HTTP connections to WebSocket
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow connections from any origin (CORS handled by middleware)
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler handles WebSocket connections
type Handler struct {
	hub *Hub

	// ctx outlives the upgrade request, commands from the tab run under it
	ctx context.Context
}

// NewHandler creates a new WebSocket handler
func NewHandler(ctx context.Context, hub *Hub) *Handler {
	return &Handler{hub: hub, ctx: ctx}
}

// ServeWS handles WebSocket upgrade requests at /ws
// The tab receives a snapshot first, then every store change.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(h.hub, conn)
	select {
	case h.hub.register <- client:
	case <-h.ctx.Done():
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump(h.ctx)
}
