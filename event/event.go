package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownEventType is returned when an event type tag has no registered
// factory. Replays must surface this error instead of skipping the event.
var ErrUnknownEventType = errors.New("unknown event type")

// Event is the contract for domain events. The type tag returned by
// EventType must be stable across refactors (it is the name stored with the
// serialized payload, not a reflected Go type name).
type Event interface {
	EventType() string
}

// Envelope is the wire representation of a persisted event. It is what
// crosses the store and outbox boundaries.
type Envelope struct {
	AggregateType string    // the aggregate type (e.g. "Restaurant")
	AggregateId   uuid.UUID // the aggregate identifier
	Version       int64     // position of the event in the aggregate stream, starting at 1
	EventType     string    // the stable event type tag (e.g. "RestaurantCreated")
	Payload       []byte    // serialized event payload
	OccurredAt    time.Time // when the event was recorded
}

// Registry maps event type tags to factory functions so that serialized
// payloads can be decoded back into typed events. Registration is explicit;
// an unregistered tag yields ErrUnknownEventType.
type Registry struct {
	factories map[string]func() Event
}

// NewRegistry creates an empty event registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]func() Event),
	}
}

// Register binds a factory to the type tag produced by its zero-value
// event. It panics on duplicate registrations because those are wiring
// mistakes, not runtime conditions.
func (r *Registry) Register(fc func() Event) {
	eventType := fc().EventType()
	if _, ok := r.factories[eventType]; ok {
		panic(fmt.Sprintf("event type '%s' is already registered", eventType))
	}
	r.factories[eventType] = fc
}

// Registered tells whether a type tag has a registered factory.
func (r *Registry) Registered(eventType string) bool {
	_, ok := r.factories[eventType]
	return ok
}

// Marshal serializes an event into its payload representation.
func (r *Registry) Marshal(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("could not marshal event '%s': %w", e.EventType(), err)
	}
	return payload, nil
}

// Unmarshal decodes a serialized payload into the typed event registered
// for the given tag.
func (r *Registry) Unmarshal(eventType string, payload []byte) (Event, error) {
	fc, ok := r.factories[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownEventType, eventType)
	}
	e := fc()
	if err := json.Unmarshal(payload, e); err != nil {
		return nil, fmt.Errorf("could not unmarshal event '%s': %w", eventType, err)
	}
	return e, nil
}

// Decode is a convenience to decode the event carried by an envelope.
func (r *Registry) Decode(env *Envelope) (Event, error) {
	return r.Unmarshal(env.EventType, env.Payload)
}
