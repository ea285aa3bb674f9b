// Package persister serialises event writes for one session behind a FIFO
// queue with a single logical writer, so a streaming turn can emit events
// faster than the store commits them without racing on the session head.
package persister

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/strand-dev/strand/internal/common/logger"
	"github.com/strand-dev/strand/internal/event"
	"github.com/strand-dev/strand/internal/session/store"
)

type opKind int

const (
	opAppend opKind = iota
	opAppendMultiple
	opFlush
)

type result struct {
	events []*event.Event
	err    error
}

type item struct {
	kind      opKind
	specs     []store.AppendSpec
	onCreated func(*event.Event)
	done      chan result // nil for fire-and-forget
}

// Persister owns all writes for one session. Operations are drained in FIFO
// order; after any commit failure the error latches and every later
// operation is skipped, so a broken chain never grows dangling events.
// The persister never retries; that is the caller's decision.
type Persister struct {
	store     store.Store
	sessionID event.SessionID
	logger    *logger.Logger

	mu          sync.Mutex
	cond        *sync.Cond
	queue       []*item
	pendingHead event.EventID
	err         error
	closed      bool

	wg sync.WaitGroup
}

// New starts a persister whose first append will use head as the parent.
func New(s store.Store, sessionID event.SessionID, head event.EventID, log *logger.Logger) *Persister {
	p := &Persister{
		store:       s,
		sessionID:   sessionID,
		pendingHead: head,
		logger: log.WithFields(
			zap.String("component", "persister"),
			zap.String("session_id", string(sessionID)),
		),
	}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(1)
	go p.loop()
	return p
}

// AppendAsync enqueues one append and waits for its commit. Returns nil (no
// event, no error) when the error state has latched.
func (p *Persister) AppendAsync(ctx context.Context, typ event.Type, payload json.RawMessage) (*event.Event, error) {
	done := make(chan result, 1)
	if !p.enqueue(&item{
		kind:  opAppend,
		specs: []store.AppendSpec{{Type: typ, Payload: payload}},
		done:  done,
	}) {
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if len(r.events) == 0 {
			return nil, nil
		}
		return r.events[0], nil
	}
}

// Append enqueues one append and returns immediately. Silently skipped once
// the error state has latched. onCreated, when non-nil, runs on the writer
// goroutine after a successful commit.
func (p *Persister) Append(typ event.Type, payload json.RawMessage, onCreated func(*event.Event)) {
	p.enqueue(&item{
		kind:      opAppend,
		specs:     []store.AppendSpec{{Type: typ, Payload: payload}},
		onCreated: onCreated,
	})
}

// AppendMultiple enqueues a parent-chained batch committed in one
// transaction and waits for it.
func (p *Persister) AppendMultiple(ctx context.Context, specs []store.AppendSpec) ([]*event.Event, error) {
	done := make(chan result, 1)
	if !p.enqueue(&item{kind: opAppendMultiple, specs: specs, done: done}) {
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.events, r.err
	}
}

// Flush completes once every previously enqueued operation has committed or
// failed.
func (p *Persister) Flush(ctx context.Context) error {
	done := make(chan result, 1)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.queue = append(p.queue, &item{kind: opFlush, done: done})
	p.cond.Signal()
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// PendingHeadEventID returns the head id the next drained append will use as
// its parent.
func (p *Persister) PendingHeadEventID() event.EventID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingHead
}

// HasError reports whether a commit failure has latched.
func (p *Persister) HasError() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err != nil
}

// Err returns the latched commit failure, if any.
func (p *Persister) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close stops the writer after draining the queue.
func (p *Persister) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cond.Signal()
	p.mu.Unlock()
	p.wg.Wait()
}

// enqueue adds the item unless the persister is closed or latched. Returns
// false when the item was skipped.
func (p *Persister) enqueue(it *item) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.err != nil {
		return false
	}
	p.queue = append(p.queue, it)
	p.cond.Signal()
	return true
}

func (p *Persister) loop() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		it := p.queue[0]
		p.queue = p.queue[1:]
		latched := p.err != nil
		parent := p.pendingHead
		p.mu.Unlock()

		p.process(it, parent, latched)
	}
}

func (p *Persister) process(it *item, parent event.EventID, latched bool) {
	if it.kind == opFlush {
		if it.done != nil {
			it.done <- result{}
		}
		return
	}
	if latched {
		if it.done != nil {
			it.done <- result{}
		}
		return
	}

	ctx := context.Background()
	var (
		events []*event.Event
		err    error
	)
	switch it.kind {
	case opAppend:
		var ev *event.Event
		ev, err = p.store.Append(ctx, store.AppendParams{
			SessionID: p.sessionID,
			Type:      it.specs[0].Type,
			Payload:   it.specs[0].Payload,
			ParentID:  parent,
		})
		if ev != nil {
			events = []*event.Event{ev}
		}
	case opAppendMultiple:
		events, err = p.store.AppendMultiple(ctx, p.sessionID, it.specs)
	}

	if err != nil {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		p.logger.Error("event commit failed, latching", zap.Error(err))
		if it.done != nil {
			it.done <- result{err: err}
		}
		return
	}

	if len(events) > 0 {
		p.mu.Lock()
		p.pendingHead = events[len(events)-1].ID
		p.mu.Unlock()
	}
	if it.onCreated != nil {
		for _, ev := range events {
			it.onCreated(ev)
		}
	}
	if it.done != nil {
		it.done <- result{events: events}
	}
}
