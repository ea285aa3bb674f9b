package event

import (
	"encoding/json"
	"sort"
	"strings"
)

// IndexText derives the textual surface of an event for full-text indexing:
// message text, tool names, flattened tool arguments. Events with no textual
// surface return "".
func IndexText(e *Event) string {
	decoded, err := e.DecodePayload()
	if err != nil {
		return ""
	}

	switch p := decoded.(type) {
	case *UserMessage:
		return p.Content.Text()
	case *AssistantMessage:
		var parts []string
		for _, b := range p.Blocks {
			switch b.Type {
			case BlockText:
				parts = append(parts, b.Text)
			case BlockThinking:
				parts = append(parts, b.Thinking)
			case BlockToolUse:
				parts = append(parts, b.Name, flattenJSON(b.Input))
			}
		}
		return joinNonEmpty(parts)
	case *ToolCall:
		return joinNonEmpty([]string{p.Name, flattenJSON(p.Arguments)})
	case *ToolResult:
		return p.Content.Text()
	case *CompactSummary:
		return p.Summary
	case *ErrorInfo:
		return p.Message
	}
	return ""
}

// flattenJSON reduces a JSON value to its scalar leaves joined by spaces, so
// tool arguments are searchable without their structural noise.
func flattenJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	var parts []string
	flattenValue(v, &parts)
	return strings.Join(parts, " ")
}

func flattenValue(v any, out *[]string) {
	switch val := v.(type) {
	case string:
		if val != "" {
			*out = append(*out, val)
		}
	case float64:
		// Numbers rarely help search relevance; skip them.
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flattenValue(val[k], out)
		}
	case []any:
		for _, item := range val {
			flattenValue(item, out)
		}
	}
}

func joinNonEmpty(parts []string) string {
	kept := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}
