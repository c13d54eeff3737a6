package projection

import (
	"context"
	"fmt"

	"github.com/3rs4lg4d0/gosourcing/event"
)

// Handler applies events to a read model. Implementations must be
// idempotent (upsert/delete keyed by aggregate or entity id, never blind
// inserts) because the at-least-once delivery contract can hand them the
// same event twice.
type Handler interface {

	// Name identifies the handler in logs and delivery errors.
	Name() string

	// EventTypes returns the event type tags the handler is interested in.
	// An empty slice subscribes the handler to every event.
	EventTypes() []string

	// Handle applies one event to the read model. The envelope carries the
	// aggregate identity and version; e is the decoded typed event.
	Handle(ctx context.Context, env *event.Envelope, e event.Event) error
}

// Registry holds the projection handlers indexed by the event type tags
// they subscribed to.
type Registry struct {
	handlers map[string][]Handler
	catchAll []Handler
}

// NewRegistry creates an empty projection registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string][]Handler),
	}
}

// Register subscribes a handler to the event types it declares. A handler
// declaring no event types receives every event.
func (r *Registry) Register(h Handler) {
	types := h.EventTypes()
	if len(types) == 0 {
		r.catchAll = append(r.catchAll, h)
		return
	}
	for _, t := range types {
		r.handlers[t] = append(r.handlers[t], h)
	}
}

// Interested tells whether at least one handler subscribed to the given
// event type.
func (r *Registry) Interested(eventType string) bool {
	return len(r.handlers[eventType]) > 0 || len(r.catchAll) > 0
}

// Deliver hands the event to every handler subscribed to its type. A type
// nobody subscribed to is a no-op, not an error. The first handler failure
// aborts the delivery and is returned to the caller, who owns the retry
// policy.
func (r *Registry) Deliver(ctx context.Context, env *event.Envelope, e event.Event) error {
	for _, h := range r.handlers[env.EventType] {
		if err := h.Handle(ctx, env, e); err != nil {
			return fmt.Errorf("handler '%s' failed to process event '%s': %w", h.Name(), env.EventType, err)
		}
	}
	for _, h := range r.catchAll {
		if err := h.Handle(ctx, env, e); err != nil {
			return fmt.Errorf("handler '%s' failed to process event '%s': %w", h.Name(), env.EventType, err)
		}
	}
	return nil
}
