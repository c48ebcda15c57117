package websocket

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handler processes one raw client frame of a given type.
type Handler interface {
	Handle(ctx context.Context, raw json.RawMessage) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, raw json.RawMessage) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, raw json.RawMessage) error {
	return f(ctx, raw)
}

// Dispatcher routes raw client frames by their type discriminator.
type Dispatcher struct {
	handlers map[FrameType]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[FrameType]Handler)}
}

// Register binds a handler to a frame type.
func (d *Dispatcher) Register(frameType FrameType, handler Handler) {
	d.handlers[frameType] = handler
}

// RegisterFunc binds a handler function to a frame type.
func (d *Dispatcher) RegisterFunc(frameType FrameType, handler HandlerFunc) {
	d.handlers[frameType] = handler
}

// Dispatch parses the envelope and routes the frame. Unknown or missing
// types are an error the caller reports back to the client.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) error {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("invalid frame: %w", err)
	}
	handler, ok := d.handlers[env.Type]
	if !ok {
		return fmt.Errorf("unknown frame type %q", env.Type)
	}
	return handler.Handle(ctx, raw)
}
