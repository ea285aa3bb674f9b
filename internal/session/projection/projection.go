// Package projection reconstructs session state from an event chain. The fold
// is pure: the same event list always produces the same state, which is what
// lets replay be trusted over any cached counters.
package projection

import (
	"encoding/json"

	"github.com/strand-dev/strand/internal/event"
)

// Message roles in the projected conversation.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// DefaultReasoningLevel applies until a config.reasoning_level event appears.
const DefaultReasoningLevel = "medium"

// compactPrefix introduces the synthesised user message that replaces
// compacted history.
const compactPrefix = "Context from earlier: "

// compactAck is the synthesised assistant acknowledgement paired with it.
const compactAck = "Understood."

// Message is one projected conversation entry. EventIDs lists the events that
// contributed to it, in order, so callers can address the originals (for
// example to delete one contributor of a merged message).
type Message struct {
	Role     string               `json:"role"`
	Blocks   []event.ContentBlock `json:"blocks"`
	EventIDs []event.EventID      `json:"event_ids"`
}

// Text returns the concatenated textual surface of the message.
func (m Message) Text() string {
	return event.Content{Blocks: m.Blocks}.Text()
}

// State is the reconstructed session state at one event.
type State struct {
	SessionID        event.SessionID `json:"session_id"`
	HeadEventID      event.EventID   `json:"head_event_id"`
	WorkspacePath    string          `json:"workspace_path"`
	WorkingDirectory string          `json:"working_directory"`
	Model            string          `json:"model"`
	ReasoningLevel   string          `json:"reasoning_level"`
	Messages         []Message       `json:"messages"`
	Usage            event.TokenUsage `json:"usage"`
}

// entry is one provisional message before deletion filtering and merging.
type entry struct {
	eventID event.EventID
	role    string
	blocks  []event.ContentBlock
	usage   event.TokenUsage
	merges  bool
}

// Project folds an ancestor chain (oldest first, ending at the target event)
// into session state. Events of unknown type are skipped; stream deltas,
// turn markers and error notifications do not contribute messages.
func Project(chain []*event.Event) (*State, error) {
	state := &State{ReasoningLevel: DefaultReasoningLevel}
	if len(chain) == 0 {
		return state, nil
	}
	state.HeadEventID = chain[len(chain)-1].ID
	state.SessionID = chain[len(chain)-1].SessionID

	var (
		entries     []entry
		deleted     = map[event.EventID]bool{}
		boundaryIdx = -1
		boundaryID  event.EventID
	)

	for _, ev := range chain {
		switch ev.Type {
		case event.TypeSessionStart:
			p, err := event.PayloadAs[event.SessionStart](ev)
			if err != nil {
				return nil, err
			}
			state.WorkspacePath = p.WorkspacePath
			state.WorkingDirectory = p.WorkingDirectory
			if p.Model != "" {
				state.Model = p.Model
			}

		case event.TypeConfigModelSwitch:
			p, err := event.PayloadAs[event.ModelSwitch](ev)
			if err != nil {
				return nil, err
			}
			state.Model = p.NewModel

		case event.TypeConfigReasoning:
			p, err := event.PayloadAs[event.ReasoningLevel](ev)
			if err != nil {
				return nil, err
			}
			state.ReasoningLevel = p.NewLevel

		case event.TypeMessageUser:
			p, err := event.PayloadAs[event.UserMessage](ev)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry{
				eventID: ev.ID,
				role:    RoleUser,
				blocks:  p.Content.Blocks,
				merges:  true,
			})

		case event.TypeMessageAssistant:
			p, err := event.PayloadAs[event.AssistantMessage](ev)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry{
				eventID: ev.ID,
				role:    RoleAssistant,
				blocks:  p.Blocks,
				usage:   p.Usage,
				merges:  true,
			})

		case event.TypeToolCall:
			// Transport-layer visibility only; the assistant message carries
			// the tool_use block.

		case event.TypeToolResult:
			p, err := event.PayloadAs[event.ToolResult](ev)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry{
				eventID: ev.ID,
				role:    RoleTool,
				blocks: []event.ContentBlock{{
					Type:      event.BlockToolResult,
					ToolUseID: p.CallID,
					Content:   p.Content.Text(),
					IsError:   p.IsError,
				}},
			})

		case event.TypeMessageDeleted:
			p, err := event.PayloadAs[event.MessageDeleted](ev)
			if err != nil {
				return nil, err
			}
			deleted[p.TargetEventID] = true

		case event.TypeCompactBoundary:
			boundaryIdx = len(entries)
			boundaryID = ev.ID

		case event.TypeCompactSummary:
			if boundaryIdx < 0 {
				continue
			}
			p, err := event.PayloadAs[event.CompactSummary](ev)
			if err != nil {
				return nil, err
			}
			pair := []entry{
				{
					eventID: boundaryID,
					role:    RoleUser,
					blocks:  []event.ContentBlock{event.TextBlock(compactPrefix + p.Summary)},
					merges:  true,
				},
				{
					eventID: ev.ID,
					role:    RoleAssistant,
					blocks:  []event.ContentBlock{event.TextBlock(compactAck)},
					merges:  true,
				},
			}
			entries = append(pair, entries[boundaryIdx:]...)
			boundaryIdx = -1

		case event.TypeContextCleared:
			entries = nil
			boundaryIdx = -1
		}
	}

	// Deletions apply at the end, regardless of where in the walk the
	// message.deleted event appeared.
	kept := entries[:0:0]
	for _, e := range entries {
		if deleted[e.eventID] {
			continue
		}
		kept = append(kept, e)
	}

	for _, e := range kept {
		if e.role == RoleAssistant {
			state.Usage.Add(e.usage)
		}
	}

	state.Messages = canonicalise(kept)
	return state, nil
}

// canonicalise merges runs of adjacent same-role user/assistant entries.
// Tool results never merge.
func canonicalise(entries []entry) []Message {
	var messages []Message
	for _, e := range entries {
		if e.merges && len(messages) > 0 {
			last := &messages[len(messages)-1]
			if last.Role == e.role {
				last.Blocks = append(last.Blocks, e.blocks...)
				last.EventIDs = append(last.EventIDs, e.eventID)
				continue
			}
		}
		messages = append(messages, Message{
			Role:     e.role,
			Blocks:   append([]event.ContentBlock(nil), e.blocks...),
			EventIDs: []event.EventID{e.eventID},
		})
	}
	return messages
}

// TurnCount returns how many user messages the projected state carries; used
// as the turn index for the next turn.
func (s *State) TurnCount() int {
	n := 0
	for _, m := range s.Messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

// ProviderMessages renders the projected messages in the role/content shape
// providers consume. Tool results are folded into user-role entries the way
// provider APIs expect.
func (s *State) ProviderMessages() []ProviderMessage {
	out := make([]ProviderMessage, 0, len(s.Messages))
	for _, m := range s.Messages {
		role := m.Role
		if role == RoleTool {
			role = RoleUser
		}
		out = append(out, ProviderMessage{Role: role, Content: m.Blocks})
	}
	return out
}

// ProviderMessage is one entry of the provider-facing conversation.
type ProviderMessage struct {
	Role    string               `json:"role"`
	Content []event.ContentBlock `json:"content"`
}

// MarshalDeterministic serialises the state with stable field ordering, used
// by tests asserting byte-for-byte purity.
func (s *State) MarshalDeterministic() ([]byte, error) {
	return json.Marshal(s)
}
