package provider

import (
	"context"
	"time"

	"github.com/strand-dev/strand/internal/event"
)

// Scripted plays back a fixed event sequence. It backs tests and the dev
// loop; cancellation stops playback within one step.
type Scripted struct {
	// Steps are emitted in order. A terminal done or error is appended
	// automatically when the script lacks one.
	Steps []StreamEvent
	// StepDelay, when set, paces playback.
	StepDelay time.Duration
	// ModelName is echoed on synthesised done events.
	ModelName string
}

// ScriptText builds a script that streams text in deltas and finishes with a
// done event carrying the concatenated message.
func ScriptText(model string, deltas ...string) *Scripted {
	steps := []StreamEvent{{Kind: KindStart}}
	full := ""
	for _, d := range deltas {
		steps = append(steps, StreamEvent{Kind: KindTextDelta, Delta: d})
		full += d
	}
	steps = append(steps, StreamEvent{
		Kind:       KindDone,
		Message:    &Message{Blocks: []event.ContentBlock{event.TextBlock(full)}, Model: model},
		Usage:      event.TokenUsage{InputTokens: 10, OutputTokens: len(full) / 4},
		StopReason: event.StopEndTurn,
	})
	return &Scripted{Steps: steps, ModelName: model}
}

func (s *Scripted) Name() string { return "scripted" }

// Stream plays the script. The channel closes after the terminal event or as
// soon as ctx is cancelled.
func (s *Scripted) Stream(ctx context.Context, _ Request) (<-chan StreamEvent, error) {
	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		terminal := false
		for _, step := range s.Steps {
			if s.StepDelay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.StepDelay):
				}
			}
			select {
			case <-ctx.Done():
				return
			case out <- step:
			}
			if step.Kind == KindDone || step.Kind == KindError {
				terminal = true
				break
			}
		}
		if terminal {
			return
		}
		done := StreamEvent{
			Kind:       KindDone,
			Message:    &Message{Blocks: nil, Model: s.ModelName},
			StopReason: event.StopEndTurn,
		}
		select {
		case <-ctx.Done():
		case out <- done:
		}
	}()
	return out, nil
}
