package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/strand-dev/strand/internal/common/logger"
	"github.com/strand-dev/strand/internal/event"
)

const (
	anthropicBaseURL    = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"

	defaultMaxTokens = 8192
)

// Anthropic streams responses from the Anthropic Messages API.
type Anthropic struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *logger.Logger
}

// NewAnthropic builds the adapter. baseURL overrides the production endpoint
// when non-empty (tests point it at a local server).
func NewAnthropic(apiKey, baseURL string, log *logger.Logger) *Anthropic {
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	return &Anthropic{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Minute},
		logger:  log.WithFields(zap.String("component", "provider_anthropic")),
	}
}

func (a *Anthropic) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model     string           `json:"model"`
	System    string           `json:"system,omitempty"`
	Messages  []anthropicMsg   `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	MaxTokens int              `json:"max_tokens"`
	Stream    bool             `json:"stream"`
}

type anthropicMsg struct {
	Role    string               `json:"role"`
	Content []event.ContentBlock `json:"content"`
}

// Stream opens the SSE connection and translates wire events onto the
// provider contract. The connection closes when ctx is cancelled or the
// message completes.
func (a *Anthropic) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	if a.apiKey == "" {
		return nil, fmt.Errorf("%w: anthropic", ErrNotConfigured)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	body := anthropicRequest{
		Model:     req.Model,
		System:    req.System,
		MaxTokens: maxTokens,
		Tools:     req.Tools,
		Stream:    true,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, anthropicMsg{Role: m.Role, Content: m.Content})
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	out := make(chan StreamEvent)
	go a.consume(ctx, resp.Body, req.Model, out)
	return out, nil
}

// sse wire payloads, trimmed to the fields the adapter reads.

type sseMessageStart struct {
	Message struct {
		Model string `json:"model"`
		Usage struct {
			InputTokens         int `json:"input_tokens"`
			CacheReadTokens     int `json:"cache_read_input_tokens"`
			CacheCreationTokens int `json:"cache_creation_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

type sseBlockStart struct {
	Index        int `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
}

type sseBlockDelta struct {
	Index int `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

type sseBlockStop struct {
	Index int `json:"index"`
}

type sseMessageDelta struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type sseError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// blockState accumulates one content block across SSE events.
type blockState struct {
	kind     string
	text     strings.Builder
	thinking strings.Builder
	toolID   string
	toolName string
	toolJSON strings.Builder
}

func (a *Anthropic) consume(ctx context.Context, body io.ReadCloser, model string, out chan<- StreamEvent) {
	defer close(out)
	defer func() { _ = body.Close() }()

	emit := func(ev StreamEvent) bool {
		select {
		case <-ctx.Done():
			return false
		case out <- ev:
			return true
		}
	}

	var (
		blocks     = map[int]*blockState{}
		order      []int
		usage      event.TokenUsage
		stopReason event.StopReason = event.StopEndTurn
		gotModel                    = model
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		case !strings.HasPrefix(line, "data:"):
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		switch eventName {
		case "message_start":
			var p sseMessageStart
			if err := json.Unmarshal([]byte(data), &p); err != nil {
				continue
			}
			usage.InputTokens = p.Message.Usage.InputTokens
			usage.CacheReadTokens = p.Message.Usage.CacheReadTokens
			usage.CacheCreationTokens = p.Message.Usage.CacheCreationTokens
			if p.Message.Model != "" {
				gotModel = p.Message.Model
			}
			if !emit(StreamEvent{Kind: KindStart}) {
				return
			}

		case "content_block_start":
			var p sseBlockStart
			if err := json.Unmarshal([]byte(data), &p); err != nil {
				continue
			}
			bs := &blockState{kind: p.ContentBlock.Type, toolID: p.ContentBlock.ID, toolName: p.ContentBlock.Name}
			blocks[p.Index] = bs
			order = append(order, p.Index)
			if bs.kind == "tool_use" {
				ev := StreamEvent{Kind: KindToolCallStart, ToolCall: &ToolCall{ID: bs.toolID, Name: bs.toolName}}
				if !emit(ev) {
					return
				}
			}

		case "content_block_delta":
			var p sseBlockDelta
			if err := json.Unmarshal([]byte(data), &p); err != nil {
				continue
			}
			bs := blocks[p.Index]
			if bs == nil {
				continue
			}
			switch p.Delta.Type {
			case "text_delta":
				bs.text.WriteString(p.Delta.Text)
				if !emit(StreamEvent{Kind: KindTextDelta, Delta: p.Delta.Text}) {
					return
				}
			case "thinking_delta":
				bs.thinking.WriteString(p.Delta.Thinking)
				if !emit(StreamEvent{Kind: KindThinkingDelta, Delta: p.Delta.Thinking}) {
					return
				}
			case "input_json_delta":
				bs.toolJSON.WriteString(p.Delta.PartialJSON)
			}

		case "content_block_stop":
			var p sseBlockStop
			if err := json.Unmarshal([]byte(data), &p); err != nil {
				continue
			}
			bs := blocks[p.Index]
			if bs != nil && bs.kind == "tool_use" {
				ev := StreamEvent{Kind: KindToolCallEnd, ToolCall: &ToolCall{
					ID:        bs.toolID,
					Name:      bs.toolName,
					Arguments: toolArguments(bs.toolJSON.String()),
				}}
				if !emit(ev) {
					return
				}
			}

		case "message_delta":
			var p sseMessageDelta
			if err := json.Unmarshal([]byte(data), &p); err != nil {
				continue
			}
			usage.OutputTokens = p.Usage.OutputTokens
			if r := mapStopReason(p.Delta.StopReason); r != "" {
				stopReason = r
			}

		case "message_stop":
			emit(StreamEvent{
				Kind:       KindDone,
				Message:    &Message{Blocks: assembleBlocks(blocks, order), Model: gotModel},
				Usage:      usage,
				StopReason: stopReason,
			})
			return

		case "error":
			var p sseError
			if err := json.Unmarshal([]byte(data), &p); err != nil {
				continue
			}
			emit(StreamEvent{Kind: KindError, Err: &event.ErrorInfo{Code: p.Error.Type, Message: p.Error.Message}})
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		a.logger.Warn("stream ended unexpectedly", zap.Error(err))
		emit(StreamEvent{Kind: KindError, Err: &event.ErrorInfo{Code: "stream_interrupted", Message: err.Error()}})
	}
}

func assembleBlocks(blocks map[int]*blockState, order []int) []event.ContentBlock {
	var out []event.ContentBlock
	for _, idx := range order {
		bs := blocks[idx]
		switch bs.kind {
		case "text":
			out = append(out, event.TextBlock(bs.text.String()))
		case "thinking":
			out = append(out, event.ContentBlock{Type: event.BlockThinking, Thinking: bs.thinking.String()})
		case "tool_use":
			out = append(out, event.ContentBlock{
				Type:  event.BlockToolUse,
				ID:    bs.toolID,
				Name:  bs.toolName,
				Input: toolArguments(bs.toolJSON.String()),
			})
		}
	}
	return out
}

func toolArguments(raw string) json.RawMessage {
	if strings.TrimSpace(raw) == "" {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(raw)
}

func mapStopReason(wire string) event.StopReason {
	switch wire {
	case "end_turn":
		return event.StopEndTurn
	case "tool_use":
		return event.StopToolUse
	case "max_tokens":
		return event.StopMaxTokens
	case "stop_sequence":
		return event.StopStopSequence
	}
	return ""
}
