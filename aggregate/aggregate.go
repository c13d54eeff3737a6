package aggregate

import (
	"github.com/3rs4lg4d0/gosourcing/event"
	"github.com/google/uuid"
)

// Root is the contract for event-sourced aggregates. Concrete aggregates
// embed Base and implement Apply as a pure fold step: given the current
// in-memory state and one event, Apply mutates only the aggregate itself,
// so that replaying the same stream always yields the same final state.
//
// Behavior methods never mutate state directly; they validate their
// preconditions and call Raise with a new event, which both applies it and
// queues it for the next Commit. A factory function builds the initial
// state by raising the creation event on a fresh aggregate (version 1).
type Root interface {

	// Id returns the aggregate unique identifier.
	Id() uuid.UUID

	// Version returns the current in-memory version, including events not
	// yet committed.
	Version() int64

	// Apply folds one event into the aggregate state.
	Apply(e event.Event) error

	base() *Base
}

// Base holds the bookkeeping shared by all aggregates: identity, version
// counters and the list of events raised but not yet appended to the store.
// An aggregate instance is owned exclusively by the call that loaded it;
// it must never be shared across concurrent operations.
type Base struct {
	id               uuid.UUID
	version          int64
	committedVersion int64
	pending          []event.Event
}

// NewBase creates the bookkeeping for a brand new aggregate instance.
func NewBase(id uuid.UUID) Base {
	return Base{id: id}
}

// Id returns the aggregate unique identifier.
func (b *Base) Id() uuid.UUID {
	return b.id
}

// Version returns the current in-memory version.
func (b *Base) Version() int64 {
	return b.version
}

// CommittedVersion returns the version the aggregate had when it was
// loaded, or after its last successful commit. It is the expected version
// sent with the next conditional append.
func (b *Base) CommittedVersion() int64 {
	return b.committedVersion
}

// Pending returns the events raised since the last commit, in the order
// they were raised.
func (b *Base) Pending() []event.Event {
	return b.pending
}

func (b *Base) base() *Base {
	return b
}

// restore rewinds the bookkeeping to a known persisted version. Used when
// rehydrating from the store or from a snapshot.
func (b *Base) restore(id uuid.UUID, version int64) {
	b.id = id
	b.version = version
	b.committedVersion = version
	b.pending = nil
}

// markCommitted acknowledges that all pending events were durably appended.
func (b *Base) markCommitted() {
	b.committedVersion = b.version
	b.pending = nil
}

// Raise applies the event to the aggregate and queues it as pending with
// the next consecutive version. This is the only way behavior methods are
// allowed to change state, so that "what happened" and "what the state is"
// can never diverge.
func Raise(r Root, e event.Event) error {
	if err := r.Apply(e); err != nil {
		return err
	}
	b := r.base()
	b.version++
	b.pending = append(b.pending, e)
	return nil
}
