package websocket

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/strand-dev/strand/internal/common/logger"
	"github.com/strand-dev/strand/internal/event"
	"github.com/strand-dev/strand/internal/events"
	"github.com/strand-dev/strand/internal/orchestrator"
	"github.com/strand-dev/strand/internal/session/notify"
	"github.com/strand-dev/strand/internal/session/store"
	ws "github.com/strand-dev/strand/pkg/websocket"
)

// Gateway bundles the WebSocket endpoint: dispatcher, hub and the session
// RPC handlers.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler
	logger     *logger.Logger
}

// Options tunes the gateway. An empty WorkspaceRoot accepts any workspace
// path for session.create.
type Options struct {
	WorkspaceRoot string
}

// NewGateway wires the gateway against the event store, orchestrator and
// notification bus. announcer may be nil when no event bus is configured.
func NewGateway(s store.Store, orch *orchestrator.Orchestrator, bus *notify.Broadcaster, announcer *events.Announcer, opts Options, log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()

	resolve := func(ctx context.Context, id event.SessionID) (event.EventID, int64, error) {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return "", 0, err
		}
		// Sequences start at 0 on the root event, so the head sits at
		// EventCount-1.
		return sess.HeadEventID, sess.EventCount - 1, nil
	}

	hub := NewHub(dispatcher, bus, resolve, log)
	handler := NewHandler(hub, log)

	RegisterHealthHandler(dispatcher)
	NewSessionHandlers(s, orch, announcer, opts.WorkspaceRoot, log).RegisterHandlers(dispatcher)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		logger:     log,
	}
}

// SetupRoutes adds the WebSocket routes to the Gin engine
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}
