// Package eventbus bridges the scheduler's in-process event channel to
// connected websocket clients, the optional sink described in
// SPEC_FULL.md §6 ("Websocket hub as optional event sink"). Grounded on
// the teacher's control_plane/ws_hub.go MetricsHub: a register/
// unregister channel pair feeding a single map-owning goroutine, a
// connection cap, and a write-deadline guard against dead sockets — but
// broadcasting on every pushed event instead of on a polling ticker,
// since zwarmd's events are already discrete and infrequent.
package eventbus

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/glmwarm/zwarmd/scheduler"
)

const maxConnections = 200

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans scheduler events out to every connected websocket client.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}

	register   chan *websocket.Conn
	unregister chan *websocket.Conn
}

// NewHub creates an idle Hub; call Run to start its goroutine.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run drains events from src and broadcasts each to every connected
// client until ctx is cancelled or src closes.
func (h *Hub) Run(ctx context.Context, src <-chan scheduler.Event) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("eventbus: connection rejected, max connections (%d) reached", maxConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
		case ev, ok := <-src:
			if !ok {
				return
			}
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev scheduler.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			log.Printf("eventbus: write error, dropping client: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// Register enqueues a freshly-upgraded connection for broadcast.
func (h *Hub) Register(conn *websocket.Conn) { h.register <- conn }

// Unregister removes and closes a connection.
func (h *Hub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

// ClientCount reports the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request to a websocket connection and
// registers it with the hub. Wire this at the --listen address zwarmd
// exposes when asked to bridge scheduler events to a browser viewer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("eventbus: upgrade failed: %v", err)
		return
	}
	h.Register(conn)
}
