package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EventsHandler streams power-state change events over WebSocket.
type EventsHandler struct {
	server   *Server
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewEventsHandler creates a new power-state event stream handler.
func NewEventsHandler(s *Server) *EventsHandler {
	return &EventsHandler{
		server: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins in development
			},
		},
		logger: s.logger.Named("events-ws"),
	}
}

// ServeHTTP upgrades the connection and forwards power-state change events to
// the client until it disconnects. Requires the Redis event bus.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.server.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "events_unavailable", "Event bus is not configured")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.logger.Info("Event stream client connected", zap.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := h.server.bus.Subscribe(ctx)

	// Read pump: we never expect client messages, but reading is how we
	// notice the connection closing.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.logger.Debug("WebSocket read error", zap.Error(err))
				}
				return
			}
		}
	}()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-pingTicker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case ev, ok := <-events:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "event bus closed"))
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Warn("Failed to encode event", zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("Failed to send event to client", zap.Error(err))
				return
			}
		}
	}
}
