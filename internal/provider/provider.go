// Package provider defines the streaming contract every model backend
// implements, plus the adapters that normalise provider wire formats onto it.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/strand-dev/strand/internal/event"
	"github.com/strand-dev/strand/internal/session/projection"
)

// Kind discriminates stream events.
type Kind string

const (
	KindStart         Kind = "start"
	KindTextDelta     Kind = "text_delta"
	KindThinkingDelta Kind = "thinking_delta"
	KindToolCallStart Kind = "toolcall_start"
	KindToolCallEnd   Kind = "toolcall_end"
	KindDone          Kind = "done"
	KindError         Kind = "error"
)

// ErrNotConfigured is returned when a provider has no API key.
var ErrNotConfigured = errors.New("provider not configured")

// APIError is a non-streaming request failure, carrying the provider's HTTP
// status so callers can tell transient failures from fatal ones.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.Status, e.Body)
}

// Recoverable reports whether retrying the request may succeed.
func (e *APIError) Recoverable() bool {
	return e.Status == http.StatusTooManyRequests ||
		e.Status == http.StatusRequestTimeout ||
		e.Status >= http.StatusInternalServerError
}

// fatalErrorCodes are in-stream error codes that a retry cannot fix: bad
// credentials, missing permissions, an unknown model or a malformed request.
var fatalErrorCodes = map[string]bool{
	"authentication_error":  true,
	"permission_error":      true,
	"not_found_error":       true,
	"model_not_found":       true,
	"invalid_request_error": true,
	"billing_error":         true,
	"insufficient_quota":    true,
}

// RecoverableCode classifies an in-stream error code. Anything outside the
// fatal set (rate limits, overload, 5xx, interrupted streams) is transient.
func RecoverableCode(code string) bool {
	return !fatalErrorCodes[code]
}

// Recoverable classifies an error returned before the stream opened.
// Configuration problems are fatal; HTTP failures go by status; timeouts are
// transient.
func Recoverable(err error) bool {
	var apiErr *APIError
	switch {
	case errors.Is(err, ErrNotConfigured):
		return false
	case errors.As(err, &apiErr):
		return apiErr.Recoverable()
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Message is the completed assistant message carried by a done event.
type Message struct {
	Blocks []event.ContentBlock `json:"content"`
	Model  string               `json:"model"`
}

// StreamEvent is one element of the provider's event sequence. The sequence
// is finite and not restartable; exactly one done or error event ends it.
type StreamEvent struct {
	Kind       Kind             `json:"kind"`
	Delta      string           `json:"delta,omitempty"`
	ToolCall   *ToolCall        `json:"tool_call,omitempty"`
	Message    *Message         `json:"message,omitempty"`
	Usage      event.TokenUsage `json:"usage,omitempty"`
	StopReason event.StopReason `json:"stop_reason,omitempty"`
	Err        *event.ErrorInfo `json:"error,omitempty"`
}

// Request is the provider-facing view of one streaming round.
type Request struct {
	Model          string
	System         string
	Messages       []projection.ProviderMessage
	Tools          []ToolDefinition
	MaxTokens      int
	ReasoningLevel string
}

// Provider streams one model response. Cancelling the context closes the
// underlying connection within a bounded time; the returned channel always
// closes after the final done or error event.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}
