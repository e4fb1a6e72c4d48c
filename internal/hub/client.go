package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bridgekit/dmgate/internal/relay"
	"github.com/bridgekit/dmgate/internal/store"
	"github.com/bridgekit/dmgate/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

// Client is one live-view connection. A client is anonymous until its
// auth frame binds it to a routing id.
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub

	routingID string
	identity  string
	authed    bool

	sendCh    chan protocol.ServerFrame
	closeOnce sync.Once
	done      chan struct{}
	active    atomic.Int64 // unix nanos of last inbound frame
}

func newClient(conn *websocket.Conn, h *Hub) *Client {
	c := &Client{
		id:     uuid.NewString(),
		conn:   conn,
		hub:    h,
		sendCh: make(chan protocol.ServerFrame, sendBufferSize),
		done:   make(chan struct{}),
	}
	c.touch()
	return c
}

func (c *Client) touch()                { c.active.Store(time.Now().UnixNano()) }
func (c *Client) lastActive() time.Time { return time.Unix(0, c.active.Load()) }

// send queues a frame, dropping it when the client cannot keep up. A slow
// dashboard must not stall ingestion.
func (c *Client) send(frame protocol.ServerFrame) {
	select {
	case c.sendCh <- frame:
	case <-c.done:
	default:
		slog.Warn("client send buffer full, dropping frame", "id", c.id, "type", frame.Type)
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// run serves the connection: a write pump goroutine plus the read loop.
func (c *Client) run(ctx context.Context) {
	go c.writePump()

	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read", "id", c.id, "error", err)
			}
			return
		}
		c.touch()

		var frame protocol.ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.send(protocol.ServerFrame{Type: protocol.EventError, Message: "invalid frame"})
			continue
		}
		c.dispatch(ctx, frame)
	}
}

func (c *Client) writePump() {
	interval := c.hub.cfg.PingInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *Client) dispatch(ctx context.Context, frame protocol.ClientFrame) {
	switch frame.Type {
	case protocol.TypeAuth:
		c.handleAuth(ctx, frame)
	case protocol.TypeChat:
		c.handleChat(ctx, frame)
	case protocol.TypeTyping:
		// Liveness only; the touch above already recorded it.
	case protocol.TypePing:
		c.send(protocol.ServerFrame{Type: protocol.EventPong, Timestamp: time.Now().UnixMilli()})
	default:
		c.send(protocol.ServerFrame{Type: protocol.EventError, Message: "unknown message type"})
	}
}

// handleAuth binds the client to a routing id after checking it belongs
// to a known account.
func (c *Client) handleAuth(ctx context.Context, frame protocol.ClientFrame) {
	if frame.RoutingID == "" || frame.Identity == "" {
		c.send(protocol.ServerFrame{Type: protocol.EventAuthError, Message: "routingId and identity are required"})
		return
	}
	if _, err := c.hub.accounts.GetByRoutingID(ctx, frame.RoutingID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.send(protocol.ServerFrame{Type: protocol.EventAuthError, Message: "unknown routing id"})
		} else {
			slog.Error("auth lookup", "routing_id", frame.RoutingID, "error", err)
			c.send(protocol.ServerFrame{Type: protocol.EventAuthError, Message: "authentication unavailable"})
		}
		return
	}

	c.routingID = frame.RoutingID
	c.identity = frame.Identity
	c.authed = true
	c.hub.bindRouting(c)

	c.send(protocol.NewServerFrame(protocol.EventAuthSuccess, map[string]string{
		"routingId": frame.RoutingID,
	}))
	slog.Info("client authenticated", "id", c.id, "routing_id", frame.RoutingID)
}

// handleChat relays a direct web-chat message and streams the reply back
// chunk by chunk.
func (c *Client) handleChat(ctx context.Context, frame protocol.ClientFrame) {
	if !c.authed {
		c.send(protocol.ServerFrame{Type: protocol.EventError, Message: "not authenticated, send auth first"})
		return
	}
	if frame.Message == "" {
		c.send(protocol.ServerFrame{Type: protocol.EventError, Message: "message content is required"})
		return
	}

	c.setTyping(true)
	defer c.setTyping(false)

	_, err := c.hub.relay.Stream(ctx, relay.Request{
		RoutingID: c.routingID,
		Identity:  c.identity,
		Message:   frame.Message,
	}, func(chunk string) {
		c.send(protocol.ServerFrame{Type: protocol.EventChatChunk, Chunk: chunk})
	})
	if err != nil {
		slog.Error("web chat relay", "id", c.id, "routing_id", c.routingID, "error", err)
		c.send(protocol.ServerFrame{
			Type:    protocol.EventChatError,
			Message: "Sorry, I'm having trouble connecting right now. Please try again later.",
		})
		return
	}

	c.send(protocol.ServerFrame{Type: protocol.EventChatComplete, Timestamp: time.Now().UnixMilli()})
}

func (c *Client) setTyping(on bool) {
	status := on
	c.send(protocol.ServerFrame{Type: protocol.EventAITyping, Status: &status})
}
