// Package hub is the live-view WebSocket layer: dashboard clients
// authenticate with a routing id and then receive platform traffic for
// that tenant in real time, plus direct web-chat streamed from the AI
// backend.
package hub

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bridgekit/dmgate/internal/bus"
	"github.com/bridgekit/dmgate/internal/config"
	"github.com/bridgekit/dmgate/internal/relay"
	"github.com/bridgekit/dmgate/internal/store"
	"github.com/bridgekit/dmgate/pkg/protocol"
)

// Streamer is the slice of the relay client the hub needs for web chat.
type Streamer interface {
	Stream(ctx context.Context, req relay.Request, onChunk func(string)) (string, error)
}

// Hub tracks connected clients and routes broadcasts by routing id. It
// implements bus.AccountPublisher.
type Hub struct {
	cfg            config.HubConfig
	allowedOrigins []string
	accounts       store.AccountStore
	relay          Streamer
	upgrader       websocket.Upgrader

	mu        sync.RWMutex
	clients   map[string]*Client
	byRouting map[string]map[string]*Client
}

func New(cfg config.HubConfig, allowedOrigins []string, accounts store.AccountStore, rly Streamer) *Hub {
	h := &Hub{
		cfg:            cfg,
		allowedOrigins: allowedOrigins,
		accounts:       accounts,
		relay:          rly,
		clients:        make(map[string]*Client),
		byRouting:      make(map[string]map[string]*Client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin validates the Origin header against the configured
// whitelist. No configured origins allows everything; an empty Origin
// header (non-browser clients) is always allowed.
func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range h.allowedOrigins {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("websocket origin rejected", "origin", origin)
	return false
}

// HandleWebSocket upgrades the request and serves the client until it
// disconnects.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(conn, h)
	h.register(client)
	defer func() {
		h.unregister(client)
		client.close()
	}()

	client.run(r.Context())
}

// Run sweeps idle clients until the context is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	interval := h.cfg.PingInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case <-ticker.C:
			h.sweepIdle()
		}
	}
}

// BroadcastToAccount pushes an event to every client authenticated for
// the routing id.
func (h *Hub) BroadcastToAccount(routingID string, ev bus.Event) {
	frame := protocol.NewServerFrame(ev.Name, ev.Payload)
	frame.Timestamp = time.Now().UnixMilli()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.byRouting[routingID] {
		c.send(frame)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
	slog.Info("client connected", "id", c.id)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c.id)
	if c.routingID != "" {
		if peers := h.byRouting[c.routingID]; peers != nil {
			delete(peers, c.id)
			if len(peers) == 0 {
				delete(h.byRouting, c.routingID)
			}
		}
	}
	slog.Info("client disconnected", "id", c.id)
}

func (h *Hub) bindRouting(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := h.byRouting[c.routingID]
	if peers == nil {
		peers = make(map[string]*Client)
		h.byRouting[c.routingID] = peers
	}
	peers[c.id] = c
}

func (h *Hub) sweepIdle() {
	timeout := h.cfg.IdleTimeout()
	if timeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-timeout)

	h.mu.RLock()
	var idle []*Client
	for _, c := range h.clients {
		if c.lastActive().Before(cutoff) {
			idle = append(idle, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range idle {
		slog.Info("closing idle client", "id", c.id)
		c.close()
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}
