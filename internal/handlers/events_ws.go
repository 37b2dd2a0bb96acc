package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/mergedesk/mergedesk/internal/audit"
)

// EventsHub streams audit events to connected operator UIs over WebSocket.
// It implements audit.Sink so it can sit in the same fan-out as the log
// and Slack sinks.
type EventsHub struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	conns    map[*websocket.Conn]struct{}
}

// NewEventsHub creates a new event stream hub
func NewEventsHub() *EventsHub {
	return &EventsHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Browser clients authenticate via JWT, not origin
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// SetupRoutes configures WebSocket routes
func (h *EventsHub) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/events", h.HandleWebSocket)
}

// HandleWebSocket upgrades the connection and holds it open until the
// client disconnects. Clients only receive; inbound frames are drained
// and discarded so pings and close handshakes work.
func (h *EventsHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		return
	}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	log.Printf("Event stream client connected from %s", r.RemoteAddr)

	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		conn.Close()
		log.Printf("Event stream client disconnected")
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Event stream read error: %v", err)
			}
			return
		}
	}
}

// Record broadcasts the event to all connected clients. Write failures
// drop the offending connection but never fail the recording operation.
func (h *EventsHub) Record(ctx context.Context, event audit.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(h.conns, conn)
		}
	}
	return nil
}

// ClientCount returns the number of connected clients
func (h *EventsHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
