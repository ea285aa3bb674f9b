package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strand-dev/strand/internal/common/config"
	"github.com/strand-dev/strand/internal/common/logger"
	"github.com/strand-dev/strand/internal/event"
	"github.com/strand-dev/strand/internal/models"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func collect(t *testing.T, ch <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-time.After(5 * time.Second):
			t.Fatal("stream did not finish")
		}
	}
}

func TestScriptedStreamsTextAndDone(t *testing.T) {
	p := ScriptText("claude-sonnet-4", "Hel", "lo")
	ch, err := p.Stream(context.Background(), Request{})
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 4)
	assert.Equal(t, KindStart, events[0].Kind)
	assert.Equal(t, "Hel", events[1].Delta)
	assert.Equal(t, "lo", events[2].Delta)

	done := events[3]
	assert.Equal(t, KindDone, done.Kind)
	assert.Equal(t, event.StopEndTurn, done.StopReason)
	require.NotNil(t, done.Message)
	assert.Equal(t, "Hello", done.Message.Blocks[0].Text)
}

func TestScriptedHonoursCancellation(t *testing.T) {
	p := ScriptText("claude-sonnet-4", "a", "b", "c")
	p.StepDelay = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := p.Stream(ctx, Request{})
	require.NoError(t, err)

	// Read one event, then walk away.
	<-ch
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after cancellation")
		}
	}
}

const anthropicFixture = `event: message_start
data: {"message":{"model":"claude-sonnet-4","usage":{"input_tokens":42,"cache_read_input_tokens":7,"cache_creation_input_tokens":3}}}

event: content_block_start
data: {"index":0,"content_block":{"type":"text"}}

event: content_block_delta
data: {"index":0,"delta":{"type":"text_delta","text":"I will "}}

event: content_block_delta
data: {"index":0,"delta":{"type":"text_delta","text":"check."}}

event: content_block_stop
data: {"index":0}

event: content_block_start
data: {"index":1,"content_block":{"type":"tool_use","id":"call_1","name":"read_file"}}

event: content_block_delta
data: {"index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}

event: content_block_delta
data: {"index":1,"delta":{"type":"input_json_delta","partial_json":"\"main.go\"}"}}

event: content_block_stop
data: {"index":1}

event: message_delta
data: {"delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}

event: message_stop
data: {}

`

func TestAnthropicAdapterTranslatesSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, anthropicFixture)
	}))
	defer srv.Close()

	a := NewAnthropic("test-key", srv.URL, testLogger(t))
	ch, err := a.Stream(context.Background(), Request{Model: "claude-sonnet-4"})
	require.NoError(t, err)

	events := collect(t, ch)
	require.NotEmpty(t, events)
	assert.Equal(t, KindStart, events[0].Kind)

	var deltas string
	var toolEnd *StreamEvent
	for i := range events {
		switch events[i].Kind {
		case KindTextDelta:
			deltas += events[i].Delta
		case KindToolCallEnd:
			toolEnd = &events[i]
		}
	}
	assert.Equal(t, "I will check.", deltas)

	require.NotNil(t, toolEnd)
	assert.Equal(t, "read_file", toolEnd.ToolCall.Name)
	assert.JSONEq(t, `{"path":"main.go"}`, string(toolEnd.ToolCall.Arguments))

	done := events[len(events)-1]
	require.Equal(t, KindDone, done.Kind)
	assert.Equal(t, event.StopToolUse, done.StopReason)
	assert.Equal(t, 42, done.Usage.InputTokens)
	assert.Equal(t, 9, done.Usage.OutputTokens)
	assert.Equal(t, 7, done.Usage.CacheReadTokens)
	assert.Equal(t, 3, done.Usage.CacheCreationTokens)
	require.Len(t, done.Message.Blocks, 2)
	assert.Equal(t, event.BlockToolUse, done.Message.Blocks[1].Type)
}

func TestAnthropicErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: error\ndata: {\"error\":{\"type\":\"overloaded_error\",\"message\":\"busy\"}}\n\n")
	}))
	defer srv.Close()

	a := NewAnthropic("test-key", srv.URL, testLogger(t))
	ch, err := a.Stream(context.Background(), Request{Model: "claude-sonnet-4"})
	require.NoError(t, err)

	events := collect(t, ch)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, KindError, last.Kind)
	assert.Equal(t, "overloaded_error", last.Err.Code)
}

func TestAnthropicRejectsMissingKey(t *testing.T) {
	a := NewAnthropic("", "", testLogger(t))
	_, err := a.Stream(context.Background(), Request{Model: "claude-sonnet-4"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestAnthropicHTTPFailureCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"type":"authentication_error"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := NewAnthropic("bad-key", srv.URL, testLogger(t))
	_, err := a.Stream(context.Background(), Request{Model: "claude-sonnet-4"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.False(t, Recoverable(err))
}

func TestErrorClassification(t *testing.T) {
	assert.False(t, RecoverableCode("authentication_error"))
	assert.False(t, RecoverableCode("invalid_request_error"))
	assert.True(t, RecoverableCode("rate_limit_error"))
	assert.True(t, RecoverableCode("overloaded_error"))
	assert.True(t, RecoverableCode("api_error"))

	assert.False(t, Recoverable(ErrNotConfigured))
	assert.False(t, Recoverable(&APIError{Status: http.StatusNotFound}))
	assert.True(t, Recoverable(&APIError{Status: http.StatusTooManyRequests}))
	assert.True(t, Recoverable(&APIError{Status: http.StatusServiceUnavailable}))
	assert.True(t, Recoverable(context.DeadlineExceeded))
}

func TestFactorySelection(t *testing.T) {
	registry, err := models.NewRegistry()
	require.NoError(t, err)
	log := testLogger(t)

	f := NewFactory(registry, config.ProvidersConfig{AnthropicAPIKey: "k"}, log)

	p, err := f.ForModel("claude-sonnet-4")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())

	_, err = f.ForModel("gpt-4o")
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = f.ForModel("llama-3")
	assert.Error(t, err)

	f.Override = ScriptText("m", "x")
	p, err = f.ForModel("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "scripted", p.Name())
}

func TestFactoryUnconfigured(t *testing.T) {
	registry, err := models.NewRegistry()
	require.NoError(t, err)

	f := NewFactory(registry, config.ProvidersConfig{}, testLogger(t))
	_, err = f.ForModel("claude-sonnet-4")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
