// Package websocket defines the framed RPC protocol: request/response
// envelopes, server push notifications and the method dispatcher.
package websocket

import (
	"encoding/json"
	"time"
)

// MessageType discriminates envelope kinds.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeError        MessageType = "error"
)

// Message is the envelope shared by all frames. Requests carry params;
// responses carry a result; error frames carry an ErrorPayload.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorPayload is the body of an error frame.
type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// NewResponse builds a response frame for a request id.
func NewResponse(id, method string, result any) (*Message, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        id,
		Type:      MessageTypeResponse,
		Method:    method,
		Result:    data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewNotification builds a server push frame.
func NewNotification(method string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      MessageTypeNotification,
		Method:    method,
		Result:    data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewError builds an error frame.
func NewError(id, method, code, message string, details map[string]any) (*Message, error) {
	payload := ErrorPayload{Code: code, Message: message, Details: details}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        id,
		Type:      MessageTypeError,
		Method:    method,
		Result:    data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ParseParams decodes the request params into v.
func (m *Message) ParseParams(v any) error {
	if len(m.Params) == 0 {
		return nil
	}
	return json.Unmarshal(m.Params, v)
}
