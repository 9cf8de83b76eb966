// Package dispatch implements handler registration and the three dispatch
// surfaces: command send, query send, and event publish.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"go.relaykit.dev/internal/message"
)

// Handler processes a command or query and returns an optional result.
// Failure kinds are signalled by wrapping the error with pipeline.WithKind;
// unwrapped errors are treated as permanent.
type Handler interface {
	Handle(ctx context.Context, env *message.Envelope) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, env *message.Envelope) (any, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, env *message.Envelope) (any, error) {
	return f(ctx, env)
}

// EventHandler processes a published event. Events carry no result.
type EventHandler interface {
	Handle(ctx context.Context, env *message.Envelope) error
}

// EventHandlerFunc adapts a function to the EventHandler interface.
type EventHandlerFunc func(ctx context.Context, env *message.Envelope) error

// Handle implements EventHandler.
func (f EventHandlerFunc) Handle(ctx context.Context, env *message.Envelope) error {
	return f(ctx, env)
}

// Registry maps message names to handlers. Commands and queries allow
// exactly one handler per name; events allow any number. Registration
// happens at startup, resolution at dispatch time. Resolution is by exact
// name only.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Handler
	queries  map[string]Handler
	events   map[string][]EventHandler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]Handler),
		queries:  make(map[string]Handler),
		events:   make(map[string][]EventHandler),
	}
}

// RegisterCommand registers the single handler for a command name.
// Registering a second handler for the same name is a configuration error.
func (r *Registry) RegisterCommand(name string, h Handler) error {
	if name == "" || h == nil {
		return fmt.Errorf("dispatch: command registration needs a name and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[name]; exists {
		return fmt.Errorf("dispatch: command %q already has a handler", name)
	}
	r.commands[name] = h
	return nil
}

// RegisterQuery registers the single handler for a query name.
func (r *Registry) RegisterQuery(name string, h Handler) error {
	if name == "" || h == nil {
		return fmt.Errorf("dispatch: query registration needs a name and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.queries[name]; exists {
		return fmt.Errorf("dispatch: query %q already has a handler", name)
	}
	r.queries[name] = h
	return nil
}

// SubscribeEvent adds a handler for an event name. Handlers are invoked
// in subscription order under sequential publish.
func (r *Registry) SubscribeEvent(name string, h EventHandler) error {
	if name == "" || h == nil {
		return fmt.Errorf("dispatch: event subscription needs a name and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[name] = append(r.events[name], h)
	return nil
}

// CommandHandler resolves the handler for a command name.
func (r *Registry) CommandHandler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.commands[name]
	return h, ok
}

// QueryHandler resolves the handler for a query name.
func (r *Registry) QueryHandler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.queries[name]
	return h, ok
}

// EventHandlers resolves the subscribers for an event name. The returned
// slice is a copy.
func (r *Registry) EventHandlers(name string) []EventHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := r.events[name]
	out := make([]EventHandler, len(hs))
	copy(out, hs)
	return out
}
