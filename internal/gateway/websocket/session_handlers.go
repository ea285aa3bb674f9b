package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/strand-dev/strand/internal/common/logger"
	"github.com/strand-dev/strand/internal/event"
	"github.com/strand-dev/strand/internal/events"
	"github.com/strand-dev/strand/internal/orchestrator"
	"github.com/strand-dev/strand/internal/session/projection"
	"github.com/strand-dev/strand/internal/session/store"
	ws "github.com/strand-dev/strand/pkg/websocket"
)

// SessionHandlers exposes the session RPC surface over the dispatcher.
type SessionHandlers struct {
	store         store.Store
	orch          *orchestrator.Orchestrator
	announcer     *events.Announcer
	workspaceRoot string
	logger        *logger.Logger
}

// NewSessionHandlers creates the handler set. announcer may be nil; an empty
// workspaceRoot accepts any workspace path.
func NewSessionHandlers(s store.Store, orch *orchestrator.Orchestrator, announcer *events.Announcer, workspaceRoot string, log *logger.Logger) *SessionHandlers {
	return &SessionHandlers{
		store:         s,
		orch:          orch,
		announcer:     announcer,
		workspaceRoot: workspaceRoot,
		logger:        log.WithFields(zap.String("component", "session_handlers")),
	}
}

// underRoot reports whether path is root or inside it.
func underRoot(root, path string) bool {
	if root == "" {
		return true
	}
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// RegisterHandlers registers all session methods on the dispatcher.
func (h *SessionHandlers) RegisterHandlers(d *ws.Dispatcher) {
	d.RegisterFunc(ws.MethodSessionCreate, h.handleCreate)
	d.RegisterFunc(ws.MethodSessionResume, h.handleResume)
	d.RegisterFunc(ws.MethodSessionList, h.handleList)
	d.RegisterFunc(ws.MethodSessionDelete, h.handleDelete)
	d.RegisterFunc(ws.MethodSessionFork, h.handleFork)
	d.RegisterFunc(ws.MethodSessionContext, h.handleContext)
	d.RegisterFunc(ws.MethodEventsAppend, h.handleAppend)
	d.RegisterFunc(ws.MethodEventsGetHistory, h.handleGetHistory)
	d.RegisterFunc(ws.MethodEventsGetStateAt, h.handleGetStateAt)
	d.RegisterFunc(ws.MethodEventsSearch, h.handleSearch)
	d.RegisterFunc(ws.MethodMessagesDelete, h.handleDeleteMessage)
	d.RegisterFunc(ws.MethodTurnStart, h.handleTurnStart)
	d.RegisterFunc(ws.MethodTurnCancel, h.handleTurnCancel)
}

// errorCode maps domain errors to protocol error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		return ws.ErrorCodeSessionNotFound
	case errors.Is(err, store.ErrEventNotFound), errors.Is(err, store.ErrParentNotFound):
		return ws.ErrorCodeEventNotFound
	case errors.Is(err, store.ErrSessionEnded):
		return ws.ErrorCodeSessionEnded
	case errors.Is(err, store.ErrNotDeletable), errors.Is(err, store.ErrWorkspaceInvalid):
		return ws.ErrorCodeValidation
	case errors.Is(err, orchestrator.ErrTurnActive):
		return ws.ErrorCodeTurnActive
	case errors.Is(err, orchestrator.ErrNoActiveTurn):
		return ws.ErrorCodeValidation
	default:
		return ws.ErrorCodeInternalError
	}
}

func (h *SessionHandlers) fail(msg *ws.Message, err error) (*ws.Message, error) {
	return ws.NewError(msg.ID, msg.Method, errorCode(err), err.Error(), nil)
}

func invalidParams(msg *ws.Message, err error) (*ws.Message, error) {
	return ws.NewError(msg.ID, msg.Method, ws.ErrorCodeInvalidParams,
		"invalid params: "+err.Error(), nil)
}

func validationError(msg *ws.Message, detail string) (*ws.Message, error) {
	return ws.NewError(msg.ID, msg.Method, ws.ErrorCodeValidation, detail, nil)
}

// CreateSessionRequest is the payload for session.create. WorkingDirectory
// is the primary parameter; WorkspacePath overrides the derived workspace
// when a session should run in a subdirectory of its workspace.
type CreateSessionRequest struct {
	WorkingDirectory string `json:"working_directory"`
	WorkspacePath    string `json:"workspace_path,omitempty"`
	Model            string `json:"model,omitempty"`
	Title            string `json:"title,omitempty"`
}

func (h *SessionHandlers) handleCreate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req CreateSessionRequest
	if err := msg.ParseParams(&req); err != nil {
		return invalidParams(msg, err)
	}
	workspacePath := req.WorkspacePath
	if workspacePath == "" {
		workspacePath = req.WorkingDirectory
	}
	if workspacePath == "" {
		return validationError(msg, "working_directory is required")
	}
	if !underRoot(h.workspaceRoot, workspacePath) {
		return validationError(msg, "working directory is outside the configured workspace root")
	}

	sess, root, err := h.store.CreateSession(ctx, store.CreateSessionParams{
		WorkspacePath:    workspacePath,
		WorkingDirectory: req.WorkingDirectory,
		Model:            req.Model,
		Title:            req.Title,
	})
	if err != nil {
		return h.fail(msg, err)
	}

	h.logger.Info("Session created",
		zap.String("session_id", string(sess.ID)),
		zap.String("workspace_path", workspacePath))
	h.announcer.SessionCreated(ctx, sess.ID, sess.WorkspaceID)

	return ws.NewResponse(msg.ID, msg.Method, map[string]any{
		"session":    sess,
		"root_event": root,
	})
}

// SessionIDRequest addresses a single session.
type SessionIDRequest struct {
	SessionID event.SessionID `json:"session_id"`
}

func (h *SessionHandlers) handleResume(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req SessionIDRequest
	if err := msg.ParseParams(&req); err != nil {
		return invalidParams(msg, err)
	}
	if req.SessionID == "" {
		return validationError(msg, "session_id is required")
	}

	sess, err := h.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return h.fail(msg, err)
	}

	chain, err := h.store.GetAncestors(ctx, sess.HeadEventID)
	if err != nil {
		return h.fail(msg, err)
	}
	state, err := projection.Project(chain)
	if err != nil {
		return h.fail(msg, err)
	}

	return ws.NewResponse(msg.ID, msg.Method, map[string]any{
		"session":         sess,
		"messages":        state.Messages,
		"token_usage":     state.Usage,
		"model":           state.Model,
		"reasoning_level": state.ReasoningLevel,
	})
}

// ListSessionsRequest filters session.list.
type ListSessionsRequest struct {
	WorkspaceID event.WorkspaceID `json:"workspace_id,omitempty"`
	IsActive    *bool             `json:"is_active,omitempty"`
	Limit       int               `json:"limit,omitempty"`
	Offset      int               `json:"offset,omitempty"`
}

func (h *SessionHandlers) handleList(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ListSessionsRequest
	if err := msg.ParseParams(&req); err != nil {
		return invalidParams(msg, err)
	}

	sessions, err := h.store.ListSessions(ctx, store.ListSessionsFilter{
		WorkspaceID: req.WorkspaceID,
		IsActive:    req.IsActive,
		Limit:       req.Limit,
		Offset:      req.Offset,
	})
	if err != nil {
		return h.fail(msg, err)
	}

	return ws.NewResponse(msg.ID, msg.Method, map[string]any{
		"sessions": sessions,
	})
}

// handleDelete ends the session. The event log is retained; the session is
// hidden from active listings and rejects further appends.
func (h *SessionHandlers) handleDelete(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req SessionIDRequest
	if err := msg.ParseParams(&req); err != nil {
		return invalidParams(msg, err)
	}
	if req.SessionID == "" {
		return validationError(msg, "session_id is required")
	}

	end, err := h.store.EndSession(ctx, req.SessionID, event.EndAborted)
	if err != nil {
		return h.fail(msg, err)
	}
	h.orch.Release(req.SessionID)

	h.logger.Info("Session ended", zap.String("session_id", string(req.SessionID)))
	h.announcer.SessionEnded(ctx, req.SessionID, event.EndAborted)

	return ws.NewResponse(msg.ID, msg.Method, map[string]any{
		"session_id": req.SessionID,
		"end_event":  end,
	})
}

// ForkSessionRequest is the payload for session.fork. FromEventID defaults
// to the session's current head.
type ForkSessionRequest struct {
	SessionID   event.SessionID `json:"session_id"`
	FromEventID event.EventID   `json:"from_event_id,omitempty"`
	Name        string          `json:"name,omitempty"`
}

func (h *SessionHandlers) handleFork(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ForkSessionRequest
	if err := msg.ParseParams(&req); err != nil {
		return invalidParams(msg, err)
	}
	if req.SessionID == "" {
		return validationError(msg, "session_id is required")
	}

	forkPoint := req.FromEventID
	if forkPoint == "" {
		sess, err := h.store.GetSession(ctx, req.SessionID)
		if err != nil {
			return h.fail(msg, err)
		}
		forkPoint = sess.HeadEventID
	} else {
		// The fork point must belong to the named session's history.
		ev, err := h.store.GetEvent(ctx, forkPoint)
		if err != nil {
			return h.fail(msg, err)
		}
		if ev.SessionID != req.SessionID {
			chain, err := h.store.GetAncestors(ctx, forkPoint)
			if err != nil {
				return h.fail(msg, err)
			}
			owned := false
			for _, a := range chain {
				if a.SessionID == req.SessionID {
					owned = true
					break
				}
			}
			if !owned {
				return validationError(msg, "event does not belong to session")
			}
		}
	}

	sess, root, err := h.store.Fork(ctx, forkPoint, req.Name)
	if err != nil {
		return h.fail(msg, err)
	}

	h.logger.Info("Session forked",
		zap.String("source_session_id", string(req.SessionID)),
		zap.String("session_id", string(sess.ID)),
		zap.String("fork_event_id", string(forkPoint)))
	h.announcer.SessionForked(ctx, sess.ID, req.SessionID, forkPoint)

	return ws.NewResponse(msg.ID, msg.Method, map[string]any{
		"session":    sess,
		"root_event": root,
	})
}

// SessionContextRequest identifies the session whose context window to report.
type SessionContextRequest struct {
	SessionID event.SessionID `json:"session_id"`
}

func (h *SessionHandlers) handleContext(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req SessionContextRequest
	if err := msg.ParseParams(&req); err != nil {
		return invalidParams(msg, err)
	}
	if req.SessionID == "" {
		return validationError(msg, "session_id is required")
	}

	window, err := h.orch.Window(ctx, req.SessionID)
	if err != nil {
		return h.fail(msg, err)
	}

	return ws.NewResponse(msg.ID, msg.Method, map[string]any{
		"context":        window.Snapshot(),
		"should_compact": window.ShouldCompact(),
	})
}

// AppendEventRequest is the payload for events.append.
type AppendEventRequest struct {
	SessionID event.SessionID `json:"session_id"`
	Type      event.Type      `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ParentID  event.EventID   `json:"parent_id,omitempty"`
}

func (h *SessionHandlers) handleAppend(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req AppendEventRequest
	if err := msg.ParseParams(&req); err != nil {
		return invalidParams(msg, err)
	}
	if req.SessionID == "" {
		return validationError(msg, "session_id is required")
	}
	if !req.Type.Known() {
		return validationError(msg, "unknown event type: "+string(req.Type))
	}

	ev, err := h.store.Append(ctx, store.AppendParams{
		SessionID: req.SessionID,
		Type:      req.Type,
		Payload:   req.Payload,
		ParentID:  req.ParentID,
	})
	if err != nil {
		return h.fail(msg, err)
	}

	// Keep a loaded run's context window in step with config appends.
	h.orch.ApplyConfigEvent(ev)

	return ws.NewResponse(msg.ID, msg.Method, map[string]any{
		"event": ev,
	})
}

// HistoryRequest pages events.getHistory. Since is an exclusive lower bound
// on sequence.
type HistoryRequest struct {
	SessionID event.SessionID `json:"session_id"`
	Since     *int64          `json:"since,omitempty"`
	Limit     int             `json:"limit,omitempty"`
}

func (h *SessionHandlers) handleGetHistory(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req HistoryRequest
	if err := msg.ParseParams(&req); err != nil {
		return invalidParams(msg, err)
	}
	if req.SessionID == "" {
		return validationError(msg, "session_id is required")
	}

	since := int64(-1)
	if req.Since != nil {
		since = *req.Since
	}

	if _, err := h.store.GetSession(ctx, req.SessionID); err != nil {
		return h.fail(msg, err)
	}
	events, err := h.store.GetEventsBySession(ctx, req.SessionID, store.HistoryFilter{
		Since: since,
		Limit: req.Limit,
	})
	if err != nil {
		return h.fail(msg, err)
	}

	return ws.NewResponse(msg.ID, msg.Method, map[string]any{
		"events": events,
	})
}

// StateAtRequest addresses a point in history for events.getStateAt.
type StateAtRequest struct {
	EventID event.EventID `json:"event_id"`
}

func (h *SessionHandlers) handleGetStateAt(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req StateAtRequest
	if err := msg.ParseParams(&req); err != nil {
		return invalidParams(msg, err)
	}
	if req.EventID == "" {
		return validationError(msg, "event_id is required")
	}

	chain, err := h.store.GetAncestors(ctx, req.EventID)
	if err != nil {
		return h.fail(msg, err)
	}
	state, err := projection.Project(chain)
	if err != nil {
		return h.fail(msg, err)
	}

	return ws.NewResponse(msg.ID, msg.Method, map[string]any{
		"state": state,
	})
}

// SearchRequest is the payload for events.search.
type SearchRequest struct {
	Query       string            `json:"query"`
	WorkspaceID event.WorkspaceID `json:"workspace_id,omitempty"`
	SessionID   event.SessionID   `json:"session_id,omitempty"`
	Types       []event.Type      `json:"types,omitempty"`
	Limit       int               `json:"limit,omitempty"`
}

func (h *SessionHandlers) handleSearch(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req SearchRequest
	if err := msg.ParseParams(&req); err != nil {
		return invalidParams(msg, err)
	}
	if req.Query == "" {
		return validationError(msg, "query is required")
	}

	results, err := h.store.Search(ctx, req.Query, store.SearchFilter{
		WorkspaceID: req.WorkspaceID,
		SessionID:   req.SessionID,
		Types:       req.Types,
		Limit:       req.Limit,
	})
	if err != nil {
		return h.fail(msg, err)
	}

	return ws.NewResponse(msg.ID, msg.Method, map[string]any{
		"results": results,
	})
}

// DeleteMessageRequest is the payload for messages.delete.
type DeleteMessageRequest struct {
	SessionID event.SessionID `json:"session_id"`
	EventID   event.EventID   `json:"event_id"`
}

func (h *SessionHandlers) handleDeleteMessage(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req DeleteMessageRequest
	if err := msg.ParseParams(&req); err != nil {
		return invalidParams(msg, err)
	}
	if req.SessionID == "" || req.EventID == "" {
		return validationError(msg, "session_id and event_id are required")
	}

	ev, err := h.store.DeleteMessage(ctx, req.SessionID, req.EventID)
	if err != nil {
		return h.fail(msg, err)
	}

	return ws.NewResponse(msg.ID, msg.Method, map[string]any{
		"event": ev,
	})
}

// TurnStartRequest is the payload for turn.start.
type TurnStartRequest struct {
	SessionID event.SessionID `json:"session_id"`
	Content   event.Content   `json:"content"`
}

func (h *SessionHandlers) handleTurnStart(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req TurnStartRequest
	if err := msg.ParseParams(&req); err != nil {
		return invalidParams(msg, err)
	}
	if req.SessionID == "" {
		return validationError(msg, "session_id is required")
	}
	if len(req.Content.Blocks) == 0 {
		return validationError(msg, "content is required")
	}

	turn, err := h.orch.StartTurn(ctx, req.SessionID, req.Content)
	if err != nil {
		return h.fail(msg, err)
	}
	h.announcer.TurnStarted(ctx, req.SessionID, turn)

	return ws.NewResponse(msg.ID, msg.Method, map[string]any{
		"session_id": req.SessionID,
		"turn":       turn,
	})
}

func (h *SessionHandlers) handleTurnCancel(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req SessionIDRequest
	if err := msg.ParseParams(&req); err != nil {
		return invalidParams(msg, err)
	}
	if req.SessionID == "" {
		return validationError(msg, "session_id is required")
	}

	if err := h.orch.CancelTurn(req.SessionID); err != nil {
		return h.fail(msg, err)
	}

	return ws.NewResponse(msg.ID, msg.Method, map[string]any{
		"session_id": req.SessionID,
		"cancelled":  true,
	})
}
