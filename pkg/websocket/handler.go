package websocket

import "context"

// Handler processes one RPC method.
type Handler interface {
	Handle(ctx context.Context, msg *Message) (*Message, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) (*Message, error) {
	return f(ctx, msg)
}

// Dispatcher routes requests to handlers by method name.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register registers a handler for a method.
func (d *Dispatcher) Register(method string, handler Handler) {
	d.handlers[method] = handler
}

// RegisterFunc registers a handler function for a method.
func (d *Dispatcher) RegisterFunc(method string, handler HandlerFunc) {
	d.handlers[method] = handler
}

// Dispatch routes a request to its handler. Unknown methods produce an error
// frame, not a transport failure.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) (*Message, error) {
	handler, ok := d.handlers[msg.Method]
	if !ok {
		return NewError(msg.ID, msg.Method, ErrorCodeUnknownMethod,
			"unknown method: "+msg.Method, nil)
	}
	return handler.Handle(ctx, msg)
}

// HasHandler reports whether a handler is registered for the method.
func (d *Dispatcher) HasHandler(method string) bool {
	_, ok := d.handlers[method]
	return ok
}
