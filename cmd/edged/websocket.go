// Local observer WebSocket server: streams deployment status events to any
// UI or log sink on this machine.
package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harborpos/edgenode/internal/checklock"
	"github.com/harborpos/edgenode/internal/events"
	"github.com/harborpos/edgenode/internal/logging"
	"github.com/harborpos/edgenode/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Terminals connect over the site LAN; the listener itself is bound
		// to a local address.
		return true
	},
}

// WSClient represents one observer connection.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub
}

// WSHub maintains observer connections and fans status events out to them.
type WSHub struct {
	clients    map[string]*WSClient
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.RWMutex
}

// WSEnvelope wraps all observer messages.
type WSEnvelope struct {
	Type      string             `json:"type"`
	Data      events.StatusEvent `json:"data"`
	Timestamp int64              `json:"timestamp"`
}

// NewWSHub creates a hub and starts its dispatch loop.
func NewWSHub() *WSHub {
	hub := &WSHub{
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
	go hub.run()
	return hub
}

func (h *WSHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			logging.Debug("Observer connected", map[string]interface{}{"client": client.id})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()
			logging.Debug("Observer disconnected", map[string]interface{}{"client": client.id})

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Send buffer full; drop the connection.
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastStatus forwards a deployment status event to every observer.
// Registered with the status broadcaster.
func (h *WSHub) BroadcastStatus(ev events.StatusEvent) {
	envelope := WSEnvelope{
		Type:      "deployment.status",
		Data:      ev,
		Timestamp: time.Now().Unix(),
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		logging.Warn("Failed to marshal observer message", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	select {
	case h.broadcast <- data:
	default:
		// Broadcast channel full; observers are lossy by design.
	}
}

// Serve listens on addr for observer and terminal traffic.
func (h *WSHub) Serve(addr string, locks *checklock.Manager) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	mux.HandleFunc("/telemetry", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(telemetry.Snapshot())
	})
	RegisterLockRoutes(mux, locks)

	logging.Info("Observer server listening", map[string]interface{}{"addr": addr})
	if err := http.ListenAndServe(addr, mux); err != nil {
		logging.Error("Observer server stopped", err, nil)
	}
}

func (h *WSHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("Observer upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	client := &WSClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, 64),
		hub:  h,
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump discards inbound traffic but keeps the connection's read side
// alive for pong handling.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump pushes broadcast messages and periodic pings.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// lockRequest is the body for the local lock endpoints.
type lockRequest struct {
	CheckID         string `json:"check_id"`
	HolderID        string `json:"holder_id"`
	EmployeeID      string `json:"employee_id"`
	LockType        string `json:"lock_type"`
	DurationSeconds int    `json:"duration_seconds"`
}

// RegisterLockRoutes exposes the check lock manager to terminals on the
// observer server. The routes are deliberately thin; all semantics live in
// the manager.
func RegisterLockRoutes(mux *http.ServeMux, locks *checklock.Manager) {
	mux.HandleFunc("/locks/acquire", func(w http.ResponseWriter, r *http.Request) {
		var req lockRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ok, err := locks.Acquire(req.CheckID, req.HolderID, req.EmployeeID, req.LockType,
			time.Duration(req.DurationSeconds)*time.Second)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]bool{"acquired": ok})
	})

	mux.HandleFunc("/locks/release", func(w http.ResponseWriter, r *http.Request) {
		var req lockRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var err error
		if req.CheckID == "" {
			_, err = locks.ReleaseAll(req.HolderID)
		} else {
			err = locks.Release(req.CheckID, req.HolderID)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/locks/", func(w http.ResponseWriter, r *http.Request) {
		checkID := strings.TrimPrefix(r.URL.Path, "/locks/")
		lock, err := locks.Get(checkID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if lock == nil {
			http.Error(w, "no lock", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(lock)
	})
}
