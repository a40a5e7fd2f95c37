package workflow

import (
	"context"
)

// Handler executes one node kind. Implementations are looked up purely by
// type tag and are addable without processor changes; all satisfy the same
// "given context, produce a result" contract.
type Handler interface {
	// Handle executes the node described by the execution context
	Handle(ctx context.Context, ec *ExecutionContext) (Result, error)

	// NodeType returns the type tag this handler serves
	NodeType() string
}

// Registry maps node type tags to handlers
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register registers a handler under its own type tag
func (r *Registry) Register(handler Handler) {
	r.handlers[handler.NodeType()] = handler
}

// RegisterWithName registers a handler under an additional type tag
func (r *Registry) RegisterWithName(handler Handler, nodeType string) {
	r.handlers[nodeType] = handler
}

// Resolve returns the handler for a type tag
func (r *Registry) Resolve(nodeType string) (Handler, bool) {
	h, ok := r.handlers[nodeType]
	return h, ok
}

// Default returns the handler registered for the Standard kind, if any.
// The processor remaps unrecognized type tags to it.
func (r *Registry) Default() (Handler, bool) {
	h, ok := r.handlers[NodeTypeStandard]
	return h, ok
}

// RegisteredTypes returns all registered type tags
func (r *Registry) RegisteredTypes() []string {
	types := make([]string, 0, len(r.handlers))
	for nodeType := range r.handlers {
		types = append(types, nodeType)
	}
	return types
}
