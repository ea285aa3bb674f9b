// Package orchestrator drives turns: it appends the user message, streams
// the provider's reply into events, dispatches tool calls and closes the
// turn, all through the session's single-writer persister.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/strand-dev/strand/internal/common/logger"
	"github.com/strand-dev/strand/internal/contextmgr"
	"github.com/strand-dev/strand/internal/event"
	"github.com/strand-dev/strand/internal/models"
	"github.com/strand-dev/strand/internal/provider"
	"github.com/strand-dev/strand/internal/session/notify"
	"github.com/strand-dev/strand/internal/session/persister"
	"github.com/strand-dev/strand/internal/session/projection"
	"github.com/strand-dev/strand/internal/session/store"
)

// State of a session's turn machine.
type State string

const (
	StateIdle          State = "idle"
	StateAppendingUser State = "appending_user"
	StateStreaming     State = "streaming"
	StateDraining      State = "draining"
	StateFailed        State = "failed"
)

// ErrTurnActive rejects a second concurrent turn on one session.
var ErrTurnActive = errors.New("turn already in progress")

// ErrNoActiveTurn rejects a cancel with nothing to cancel.
var ErrNoActiveTurn = errors.New("no active turn")

// ToolDispatcher executes tool calls requested by the model.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, call provider.ToolCall) (event.Content, bool)
}

// DefaultTurnTimeout bounds one streaming round from entry to done.
const DefaultTurnTimeout = 120 * time.Second

// Orchestrator runs at most one turn per session at a time.
type Orchestrator struct {
	store    store.Store
	bus      *notify.Broadcaster
	factory  *provider.Factory
	registry *models.Registry
	tools    ToolDispatcher
	timeout  time.Duration
	logger   *logger.Logger

	mu   sync.Mutex
	runs map[event.SessionID]*run
}

// run is the per-session machine. persister and ctxmgr live as long as the
// session stays loaded.
type run struct {
	sessionID event.SessionID
	state     State
	turn      int
	cancel    context.CancelFunc
	persister *persister.Persister
	window    *contextmgr.Manager
}

// Options tunes the orchestrator.
type Options struct {
	TurnTimeout time.Duration
	Tools       ToolDispatcher
}

// New builds an orchestrator.
func New(s store.Store, bus *notify.Broadcaster, factory *provider.Factory, registry *models.Registry, opts Options, log *logger.Logger) *Orchestrator {
	timeout := opts.TurnTimeout
	if timeout <= 0 {
		timeout = DefaultTurnTimeout
	}
	return &Orchestrator{
		store:    s,
		bus:      bus,
		factory:  factory,
		registry: registry,
		tools:    opts.Tools,
		timeout:  timeout,
		logger:   log.WithFields(zap.String("component", "orchestrator")),
		runs:     make(map[event.SessionID]*run),
	}
}

// SessionState reports the turn machine state for a session.
func (o *Orchestrator) SessionState(sessionID event.SessionID) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.runs[sessionID]; ok {
		return r.state
	}
	return StateIdle
}

// Window returns the session's context window manager, loading the session
// if needed.
func (o *Orchestrator) Window(ctx context.Context, sessionID event.SessionID) (*contextmgr.Manager, error) {
	r, err := o.loadRun(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return r.window, nil
}

// ApplyConfigEvent folds an externally appended configuration event into the
// session's loaded context window. Sessions without a loaded run need
// nothing: their window is rebuilt from projection on first use.
func (o *Orchestrator) ApplyConfigEvent(ev *event.Event) {
	o.mu.Lock()
	r, ok := o.runs[ev.SessionID]
	o.mu.Unlock()
	if !ok {
		return
	}

	switch ev.Type {
	case event.TypeConfigModelSwitch:
		p, err := event.PayloadAs[event.ModelSwitch](ev)
		if err != nil || p.NewModel == "" {
			return
		}
		r.window.SwitchModel(p.NewModel)
	case event.TypeContextCleared:
		r.window.Clear()
	}
}

// StartTurn begins a turn with the given user content. It returns the turn
// number immediately; the turn itself runs in the background and its events
// arrive on the notification bus.
func (o *Orchestrator) StartTurn(ctx context.Context, sessionID event.SessionID, content event.Content) (int, error) {
	r, err := o.loadRun(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	o.mu.Lock()
	if r.state != StateIdle && r.state != StateFailed {
		o.mu.Unlock()
		return 0, ErrTurnActive
	}
	r.turn++
	turn := r.turn
	r.state = StateAppendingUser
	turnCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	o.mu.Unlock()

	go o.runTurn(turnCtx, sessionID, r, turn, content)
	return turn, nil
}

// CancelTurn cancels the active turn. Enqueued writes are flushed, the log
// gains a notification.interrupted event, and the machine returns to idle.
func (o *Orchestrator) CancelTurn(sessionID event.SessionID) error {
	o.mu.Lock()
	r, ok := o.runs[sessionID]
	if !ok || r.cancel == nil || r.state == StateIdle || r.state == StateFailed {
		o.mu.Unlock()
		return ErrNoActiveTurn
	}
	cancel := r.cancel
	o.mu.Unlock()

	cancel()
	return nil
}

// Release drops the session's run state (persister closed, window dropped).
// Used when a session ends.
func (o *Orchestrator) Release(sessionID event.SessionID) {
	o.mu.Lock()
	r, ok := o.runs[sessionID]
	delete(o.runs, sessionID)
	o.mu.Unlock()
	if ok {
		r.persister.Close()
	}
}

// Close releases every loaded session.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	runs := o.runs
	o.runs = make(map[event.SessionID]*run)
	o.mu.Unlock()
	for _, r := range runs {
		r.persister.Close()
	}
}

// loadRun returns the per-session machine, creating it from the stored
// session on first use.
func (o *Orchestrator) loadRun(ctx context.Context, sessionID event.SessionID) (*run, error) {
	o.mu.Lock()
	if r, ok := o.runs[sessionID]; ok {
		o.mu.Unlock()
		return r, nil
	}
	o.mu.Unlock()

	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Ended {
		return nil, store.ErrSessionEnded
	}
	chain, err := o.store.GetAncestors(ctx, session.HeadEventID)
	if err != nil {
		return nil, err
	}
	state, err := projection.Project(chain)
	if err != nil {
		return nil, err
	}

	window := contextmgr.New(o.registry, state, o.logger)
	window.OnCompactionNeeded(func(snap contextmgr.Snapshot) {
		o.logger.Warn("context window needs compaction",
			zap.String("session_id", string(sessionID)),
			zap.String("model", snap.Model),
			zap.Float64("usage_percent", snap.UsagePercent),
			zap.String("level", string(snap.ThresholdLevel)))
	})

	r := &run{
		sessionID: sessionID,
		state:     StateIdle,
		turn:      state.TurnCount(),
		persister: persister.New(o.store, sessionID, session.HeadEventID, o.logger),
		window:    window,
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.runs[sessionID]; ok {
		r.persister.Close()
		return existing, nil
	}
	o.runs[sessionID] = r
	return r, nil
}

func (o *Orchestrator) setState(r *run, s State) {
	o.mu.Lock()
	r.state = s
	o.mu.Unlock()
}

// publish pushes a committed event to the session's subscribers.
func (o *Orchestrator) publish(ev *event.Event) {
	if ev != nil {
		o.bus.PublishEvent(ev)
	}
}

// appendAsync commits through the persister and broadcasts the result.
func (o *Orchestrator) appendAsync(ctx context.Context, r *run, typ event.Type, payload any) (*event.Event, error) {
	raw, err := event.MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	ev, err := r.persister.AppendAsync(ctx, typ, raw)
	if err != nil {
		return nil, err
	}
	o.publish(ev)
	return ev, nil
}

// appendFire commits fire-and-forget through the persister, broadcasting
// from the writer goroutine.
func (o *Orchestrator) appendFire(r *run, typ event.Type, payload any) {
	raw, err := event.MarshalPayload(payload)
	if err != nil {
		o.logger.Error("failed to serialize payload", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	r.persister.Append(typ, raw, o.publish)
}

// runTurn executes the whole turn state machine on its own goroutine.
func (o *Orchestrator) runTurn(ctx context.Context, sessionID event.SessionID, r *run, turn int, content event.Content) {
	log := o.logger.WithFields(zap.String("session_id", string(sessionID)), zap.Int("turn", turn))

	// appending_user: the user message and the turn marker enter the log
	// before any provider traffic.
	userEv, err := o.appendAsync(ctx, r, event.TypeMessageUser, event.UserMessage{Content: content, Turn: turn})
	if err != nil || userEv == nil {
		if ctx.Err() != nil {
			o.interruptTurn(r, turn)
			return
		}
		o.failTurn(ctx, r, turn, "persist_failed", firstErr(err, r.persister.Err()), false)
		return
	}
	r.window.AddMessage(projection.Message{
		Role:     projection.RoleUser,
		Blocks:   content.Blocks,
		EventIDs: []event.EventID{userEv.ID},
	})
	if _, err := o.appendAsync(ctx, r, event.TypeStreamTurnStart, event.TurnStart{Turn: turn}); err != nil {
		if ctx.Err() != nil {
			o.interruptTurn(r, turn)
			return
		}
		o.failTurn(ctx, r, turn, "persist_failed", err, false)
		return
	}

	// streaming rounds: repeat while the model keeps asking for tools.
	for {
		o.setState(r, StateStreaming)
		outcome := o.streamRound(ctx, r, turn)
		switch outcome.kind {
		case roundFailed:
			o.failTurn(ctx, r, turn, outcome.code, outcome.err, outcome.recoverable)
			return
		case roundInterrupted:
			o.interruptTurn(r, turn)
			return
		}

		o.setState(r, StateDraining)
		if outcome.stopReason != event.StopToolUse {
			break
		}
		dispatched, err := o.dispatchTools(ctx, r, turn, outcome.message)
		if err != nil {
			if ctx.Err() != nil {
				o.interruptTurn(r, turn)
				return
			}
			o.failTurn(ctx, r, turn, "tool_failed", err, true)
			return
		}
		if dispatched == 0 {
			break
		}
	}

	if _, err := o.appendAsync(ctx, r, event.TypeStreamTurnEnd, event.TurnEnd{Turn: turn}); err != nil {
		o.failTurn(ctx, r, turn, "persist_failed", err, false)
		return
	}
	if r.persister.HasError() {
		o.failTurn(ctx, r, turn, "persist_failed", r.persister.Err(), false)
		return
	}
	o.setState(r, StateIdle)
	log.Debug("turn completed")
}

type roundKind int

const (
	roundDone roundKind = iota
	roundFailed
	roundInterrupted
)

type roundOutcome struct {
	kind        roundKind
	stopReason  event.StopReason
	message     *provider.Message
	code        string
	err         error
	recoverable bool
}

// streamRound performs one provider call: project the head, stream, persist
// every emitted event. A per-round timeout bounds the wall time to done.
func (o *Orchestrator) streamRound(ctx context.Context, r *run, turn int) roundOutcome {
	chain, err := o.store.GetAncestors(ctx, r.persister.PendingHeadEventID())
	if err != nil {
		return roundOutcome{kind: roundFailed, code: "projection_failed", err: err}
	}
	state, err := projection.Project(chain)
	if err != nil {
		return roundOutcome{kind: roundFailed, code: "projection_failed", err: err}
	}

	prov, err := o.factory.ForModel(state.Model)
	if err != nil {
		return roundOutcome{kind: roundFailed, code: "provider_unavailable", err: err,
			recoverable: provider.Recoverable(err)}
	}

	roundCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	stream, err := prov.Stream(roundCtx, provider.Request{
		Model:          state.Model,
		Messages:       state.ProviderMessages(),
		ReasoningLevel: state.ReasoningLevel,
	})
	if err != nil {
		return roundOutcome{kind: roundFailed, code: "provider_unavailable", err: err,
			recoverable: provider.Recoverable(err)}
	}

	for {
		select {
		case <-roundCtx.Done():
			if ctx.Err() != nil {
				return roundOutcome{kind: roundInterrupted}
			}
			return roundOutcome{kind: roundFailed, code: "timeout", err: roundCtx.Err(), recoverable: true}

		case ev, ok := <-stream:
			if !ok {
				if ctx.Err() != nil {
					return roundOutcome{kind: roundInterrupted}
				}
				return roundOutcome{kind: roundFailed, code: "stream_interrupted",
					err: errors.New("provider stream ended without done")}
			}
			switch ev.Kind {
			case provider.KindTextDelta:
				o.appendFire(r, event.TypeStreamTextDelta, event.TextDelta{Delta: ev.Delta, Turn: turn})
			case provider.KindThinkingDelta:
				o.appendFire(r, event.TypeStreamThinking, event.ThinkingDelta{Delta: ev.Delta, Turn: turn})
			case provider.KindToolCallEnd:
				o.appendFire(r, event.TypeToolCall, event.ToolCall{
					Name:      ev.ToolCall.Name,
					CallID:    ev.ToolCall.ID,
					Arguments: ev.ToolCall.Arguments,
				})
			case provider.KindDone:
				msgEv, err := o.appendAsync(ctx, r, event.TypeMessageAssistant, event.AssistantMessage{
					Blocks:     ev.Message.Blocks,
					Turn:       turn,
					Usage:      ev.Usage,
					StopReason: ev.StopReason,
					Model:      ev.Message.Model,
				})
				if err != nil || msgEv == nil {
					return roundOutcome{kind: roundFailed, code: "persist_failed",
						err: firstErr(err, r.persister.Err())}
				}
				r.window.AddMessage(projection.Message{
					Role:     projection.RoleAssistant,
					Blocks:   ev.Message.Blocks,
					EventIDs: []event.EventID{msgEv.ID},
				})
				return roundOutcome{kind: roundDone, stopReason: ev.StopReason, message: ev.Message}
			case provider.KindError:
				o.appendFire(r, event.TypeErrorProvider, *ev.Err)
				return roundOutcome{kind: roundFailed, code: ev.Err.Code,
					err: errors.New(ev.Err.Message), recoverable: provider.RecoverableCode(ev.Err.Code)}
			}
		}
	}
}

// dispatchTools runs every tool_use block of the assistant message and
// appends its result. Returns how many results were appended.
func (o *Orchestrator) dispatchTools(ctx context.Context, r *run, turn int, msg *provider.Message) (int, error) {
	dispatched := 0
	for _, b := range msg.Blocks {
		if b.Type != event.BlockToolUse {
			continue
		}
		if ctx.Err() != nil {
			return dispatched, ctx.Err()
		}

		var (
			content event.Content
			isErr   bool
		)
		if o.tools == nil {
			content = event.TextContent(fmt.Sprintf("tool %q is not available", b.Name))
			isErr = true
		} else {
			content, isErr = o.tools.Dispatch(ctx, provider.ToolCall{ID: b.ID, Name: b.Name, Arguments: b.Input})
		}

		resultEv, err := o.appendAsync(ctx, r, event.TypeToolResult, event.ToolResult{
			CallID:  b.ID,
			Content: content,
			IsError: isErr,
		})
		if err != nil || resultEv == nil {
			return dispatched, firstErr(err, r.persister.Err())
		}
		dispatched++
	}
	return dispatched, nil
}

// failTurn records exactly one turn.failed event and returns to idle.
func (o *Orchestrator) failTurn(ctx context.Context, r *run, turn int, code string, err error, recoverable bool) {
	o.setState(r, StateFailed)
	msg := code
	if err != nil {
		msg = err.Error()
	}
	o.logger.Warn("turn failed", zap.Int("turn", turn), zap.String("code", code), zap.Error(err))

	// The persister may be latched; turn.failed must still reach the log, so
	// a direct store append is the fallback.
	raw, merr := event.MarshalPayload(event.TurnFailed{Error: msg, Code: code, Recoverable: recoverable, Turn: turn})
	if merr != nil {
		o.setState(r, StateIdle)
		return
	}
	ev, aerr := r.persister.AppendAsync(context.WithoutCancel(ctx), event.TypeTurnFailed, raw)
	if aerr == nil && ev == nil && r.persister.HasError() {
		ev, aerr = o.store.Append(context.Background(), store.AppendParams{
			SessionID: r.sessionID, Type: event.TypeTurnFailed, Payload: raw,
		})
	}
	if aerr != nil {
		o.logger.Error("failed to record turn failure", zap.Error(aerr))
	}
	o.publish(ev)
	o.setState(r, StateIdle)
}

// interruptTurn flushes enqueued writes, records the interruption and
// returns to idle. The log is never truncated mid-message.
func (o *Orchestrator) interruptTurn(r *run, turn int) {
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = r.persister.Flush(flushCtx)

	raw, err := event.MarshalPayload(event.Interrupted{Turn: turn})
	if err == nil {
		ev, aerr := r.persister.AppendAsync(flushCtx, event.TypeInterrupted, raw)
		if aerr != nil {
			o.logger.Error("failed to record interruption", zap.Error(aerr))
		}
		o.publish(ev)
	}
	o.setState(r, StateIdle)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return errors.New("append skipped")
}
