package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ptdat-quant/confluence-bot/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub relays bus events to websocket observers (dashboards, tail scripts).
// A client that cannot keep up is dropped, never waited on.
type Hub struct {
	log *logger.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// NewHub builds an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{log: log, clients: make(map[*websocket.Conn]bool)}
}

// Run consumes the bus subscription until ctx is done, broadcasting each
// event as a JSON frame. Call in its own goroutine.
func (h *Hub) Run(ctx context.Context, events <-chan Event) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.broadcast(ev)
		}
	}
}

// Handler upgrades HTTP requests to observer connections. Mount on a mux,
// typically next to /metrics and /health.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			if h.log != nil {
				h.log.LogError("websocket upgrade", err)
			}
			return
		}
		h.mu.Lock()
		h.clients[conn] = true
		n := len(h.clients)
		h.mu.Unlock()
		if h.log != nil {
			h.log.Status("event observer connected (%d active)", n)
		}
	}
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(ev Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		if h.log != nil {
			h.log.LogError("marshal event", err)
		}
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}
