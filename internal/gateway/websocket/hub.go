// Package websocket is the RPC gateway: one WebSocket endpoint carrying the
// framed request/response protocol plus live per-session event streams.
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/strand-dev/strand/internal/common/logger"
	"github.com/strand-dev/strand/internal/event"
	"github.com/strand-dev/strand/internal/session/notify"
	ws "github.com/strand-dev/strand/pkg/websocket"
)

// HeadResolver looks up a session's current head event id and sequence.
// Subscribe responses carry both so clients can page missing history before
// going live.
type HeadResolver func(ctx context.Context, id event.SessionID) (event.EventID, int64, error)

// Hub manages all WebSocket client connections.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client

	dispatcher  *ws.Dispatcher
	bus         *notify.Broadcaster
	resolveHead HeadResolver

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub routing requests through dispatcher and live events
// from the session bus.
func NewHub(dispatcher *ws.Dispatcher, bus *notify.Broadcaster, resolve HeadResolver, log *logger.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		dispatcher:  dispatcher,
		bus:         bus,
		resolveHead: resolve,
		logger:      log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run processes client registration until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.closeSubscriptions()
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		client.closeSubscriptions()
		delete(h.clients, client)
		close(client.send)
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dispatcher returns the method dispatcher.
func (h *Hub) Dispatcher() *ws.Dispatcher {
	return h.dispatcher
}
