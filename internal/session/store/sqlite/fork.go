package sqlite

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/strand-dev/strand/internal/event"
	"github.com/strand-dev/strand/internal/session/models"
	"github.com/strand-dev/strand/internal/session/store"
)

// Fork creates a new session branching at the given event. The new session's
// root is a session.fork event whose parent is the fork point, so the full
// ancestor chain is inherited without copying any rows. The source session is
// untouched; ended sessions can be forked.
func (s *Store) Fork(ctx context.Context, forkPointEventID event.EventID, name string) (*models.Session, *event.Event, error) {
	ancestors, err := s.GetAncestors(ctx, forkPointEventID)
	if err != nil {
		return nil, nil, err
	}
	if len(ancestors) == 0 {
		return nil, nil, store.ErrEventNotFound
	}
	forkPoint := ancestors[len(ancestors)-1]

	source, err := s.GetSession(ctx, forkPoint.SessionID)
	if err != nil {
		return nil, nil, err
	}

	model, reasoning := effectiveSettings(ancestors)

	payload, err := event.MarshalPayload(event.SessionFork{
		ParentSessionID: source.ID,
		ForkEventID:     forkPoint.ID,
		Name:            name,
	})
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	root := &event.Event{
		ID:          event.NewEventID(),
		SessionID:   event.NewSessionID(),
		WorkspaceID: source.WorkspaceID,
		ParentID:    forkPoint.ID,
		Type:        event.TypeSessionFork,
		Sequence:    0,
		CreatedAt:   now,
		Payload:     payload,
	}

	session := &models.Session{
		ID:              root.SessionID,
		WorkspaceID:     source.WorkspaceID,
		RootEventID:     root.ID,
		HeadEventID:     root.ID,
		ParentSessionID: source.ID,
		ForkEventID:     forkPoint.ID,
		Model:           model,
		ReasoningLevel:  reasoning,
		Title:           name,
		CreatedAt:       now,
		LastActivityAt:  now,
		EventCount:      1,
	}

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.insertSession(ctx, tx, session); err != nil {
			return err
		}
		if err := s.insertEvent(ctx, tx, root); err != nil {
			return err
		}
		return s.touchWorkspace(ctx, tx, source.WorkspaceID, now)
	})
	if err != nil {
		return nil, nil, err
	}
	return session, root, nil
}

// effectiveSettings derives the model and reasoning level in effect at the
// end of an ancestor chain.
func effectiveSettings(chain []*event.Event) (model, reasoning string) {
	reasoning = "medium"
	for _, ev := range chain {
		switch ev.Type {
		case event.TypeSessionStart:
			if p, err := event.PayloadAs[event.SessionStart](ev); err == nil && p.Model != "" {
				model = p.Model
			}
		case event.TypeConfigModelSwitch:
			if p, err := event.PayloadAs[event.ModelSwitch](ev); err == nil && p.NewModel != "" {
				model = p.NewModel
			}
		case event.TypeConfigReasoning:
			if p, err := event.PayloadAs[event.ReasoningLevel](ev); err == nil && p.NewLevel != "" {
				reasoning = p.NewLevel
			}
		}
	}
	return model, reasoning
}
