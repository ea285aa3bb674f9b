package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/strand-dev/strand/internal/common/logger"
	"github.com/strand-dev/strand/internal/event"
	"github.com/strand-dev/strand/internal/session/notify"
	"github.com/strand-dev/strand/internal/tracing"
	ws "github.com/strand-dev/strand/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	// Per-session live queue; overflow drops oldest.
	sessionBufferSize = 256
)

// Client represents a single WebSocket connection.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	mu            sync.Mutex
	subscriptions map[event.SessionID]*notify.Subscription

	logger *logger.Logger
}

// NewClient creates a new WebSocket client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[event.SessionID]*notify.Subscription),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps messages from the WebSocket connection into the dispatcher.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg ws.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Error("Failed to parse message", zap.Error(err))
			c.sendError("", "", ws.ErrorCodeInvalidParams, "invalid message format", nil)
			continue
		}

		c.handleMessage(ctx, &msg)
	}
}

func (c *Client) handleMessage(ctx context.Context, msg *ws.Message) {
	c.logger.Debug("Received message",
		zap.String("method", msg.Method),
		zap.String("id", msg.ID))

	// Subscriptions are connection state, so they bypass the dispatcher.
	switch msg.Method {
	case ws.MethodSessionSubscribe:
		c.handleSubscribe(ctx, msg)
		return
	case ws.MethodSessionUnsubscribe:
		c.handleUnsubscribe(msg)
		return
	}

	ctx, span := tracing.Tracer("gateway").Start(ctx, msg.Method)
	defer span.End()

	response, err := c.hub.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		c.logger.Error("Handler error",
			zap.String("method", msg.Method),
			zap.Error(err))
		c.sendError(msg.ID, msg.Method, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}
	if response != nil {
		c.sendMessage(response)
	}
}

// SubscribeParams is the payload for session.subscribe and unsubscribe.
type SubscribeParams struct {
	SessionID event.SessionID `json:"session_id"`
}

// handleSubscribe attaches the client to a session's live stream. The
// response carries the current head event id and sequence so the client can
// page any missing history before going live.
func (c *Client) handleSubscribe(ctx context.Context, msg *ws.Message) {
	var req SubscribeParams
	if err := msg.ParseParams(&req); err != nil {
		c.sendError(msg.ID, msg.Method, ws.ErrorCodeInvalidParams, "invalid params: "+err.Error(), nil)
		return
	}
	if req.SessionID == "" {
		c.sendError(msg.ID, msg.Method, ws.ErrorCodeValidation, "session_id is required", nil)
		return
	}

	head, headSeq, err := c.hub.resolveHead(ctx, req.SessionID)
	if err != nil {
		c.sendError(msg.ID, msg.Method, ws.ErrorCodeSessionNotFound, err.Error(), nil)
		return
	}

	c.mu.Lock()
	if _, dup := c.subscriptions[req.SessionID]; dup {
		c.mu.Unlock()
	} else {
		sub := c.hub.bus.Subscribe(req.SessionID, sessionBufferSize)
		c.subscriptions[req.SessionID] = sub
		c.mu.Unlock()
		go c.pumpNotifications(sub)
	}

	resp, _ := ws.NewResponse(msg.ID, msg.Method, map[string]any{
		"session_id":    req.SessionID,
		"head_event_id": head,
		"head_sequence": headSeq,
	})
	c.sendMessage(resp)
}

func (c *Client) handleUnsubscribe(msg *ws.Message) {
	var req SubscribeParams
	if err := msg.ParseParams(&req); err != nil {
		c.sendError(msg.ID, msg.Method, ws.ErrorCodeInvalidParams, "invalid params: "+err.Error(), nil)
		return
	}
	if req.SessionID == "" {
		c.sendError(msg.ID, msg.Method, ws.ErrorCodeValidation, "session_id is required", nil)
		return
	}

	c.mu.Lock()
	sub, ok := c.subscriptions[req.SessionID]
	delete(c.subscriptions, req.SessionID)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}

	resp, _ := ws.NewResponse(msg.ID, msg.Method, map[string]any{
		"session_id": req.SessionID,
	})
	c.sendMessage(resp)
}

// pumpNotifications forwards one subscription's stream as push frames.
func (c *Client) pumpNotifications(sub *notify.Subscription) {
	for n := range sub.C() {
		var (
			frame *ws.Message
			err   error
		)
		switch n.Kind {
		case notify.KindEvent:
			frame, err = ws.NewNotification(ws.MethodSessionEvent, n.Event)
		case notify.KindCatchingUp:
			frame, err = ws.NewNotification(ws.MethodSessionCatchingUp, map[string]any{
				"session_id": n.SessionID,
			})
		case notify.KindDropped:
			frame, err = ws.NewNotification(ws.MethodSessionDropped, map[string]any{
				"session_id": n.SessionID,
				"dropped":    n.Dropped,
			})
		default:
			continue
		}
		if err != nil {
			c.logger.Error("Failed to build notification", zap.Error(err))
			continue
		}
		c.sendMessage(frame)
	}
}

// closeSubscriptions detaches every live stream. Called by the hub when the
// client goes away.
func (c *Client) closeSubscriptions() {
	c.mu.Lock()
	subs := c.subscriptions
	c.subscriptions = make(map[event.SessionID]*notify.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

func (c *Client) sendMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full")
	}
}

func (c *Client) sendError(id, method, code, message string, details map[string]any) {
	msg, err := ws.NewError(id, method, code, message, details)
	if err != nil {
		c.logger.Error("Failed to create error message", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

// WritePump pumps outbound frames to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
