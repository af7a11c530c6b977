package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub fans change events out to connected websocket clients. It is the
// default broker transport for single-node deployments.
type Hub struct {
	clients    map[*hubClient]bool
	broadcast  chan []byte
	register   chan *hubClient
	unregister chan *hubClient

	logger *slog.Logger
	mu     sync.RWMutex
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub; call Run in a goroutine.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*hubClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		logger:     logger,
	}
}

// Run is the hub's event loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("event stream client connected", "total", h.ClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("event stream client disconnected", "total", h.ClientCount())

		case message := <-h.broadcast:
			// Write lock: the slow-consumer branch mutates the client map.
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow consumer: drop the connection rather than block.
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ServeWS upgrades an HTTP request into an event-stream connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := &hubClient{conn: conn, send: make(chan []byte, 256)}
	h.register <- client

	go func() {
		defer func() {
			h.unregister <- client
			conn.Close()
		}()
		for message := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		}
	}()
}

// HubBroker publishes change events as JSON frames over the hub.
type HubBroker struct {
	hub *Hub
}

// NewHubBroker wraps a hub as a Broker.
func NewHubBroker(hub *Hub) *HubBroker { return &HubBroker{hub: hub} }

func (b *HubBroker) Publish(_ context.Context, routingKey string, payload map[string]any) error {
	frame, err := json.Marshal(map[string]any{
		"key":     routingKey,
		"payload": payload,
	})
	if err != nil {
		return err
	}
	select {
	case b.hub.broadcast <- frame:
	default:
		b.hub.logger.Warn("broadcast channel full, dropping event", "routing_key", routingKey)
	}
	return nil
}
