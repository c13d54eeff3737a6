package store

import (
	"context"
	"errors"

	"github.com/3rs4lg4d0/gosourcing/event"
	"github.com/google/uuid"
)

// ErrConcurrencyConflict is returned by Append when the expected version
// does not match the highest version on record for the aggregate. Callers
// are expected to reload the aggregate and retry their intent.
var ErrConcurrencyConflict = errors.New("concurrency conflict detected during the conditional append")

// EventStore manages the append-only event streams. Append and the creation
// of the corresponding outbox records happen in the same atomic unit of
// work: either both are durable or neither is.
type EventStore interface {

	// Append verifies that the highest version on record for the aggregate
	// equals expectedVersion and then persists the new envelopes with
	// consecutive versions, together with one outbox record per envelope.
	// It fails with ErrConcurrencyConflict (and no partial writes) when the
	// check fails.
	Append(ctx context.Context, expectedVersion int64, envelopes []*event.Envelope) error

	// Load returns the envelopes of one aggregate with version greater than
	// fromVersion, in ascending version order. An unknown aggregate yields
	// an empty stream, not an error.
	Load(ctx context.Context, aggregateId uuid.UUID, fromVersion int64) ([]*event.Envelope, error)

	// LoadAll streams every stored envelope in global append order, invoking
	// fc per batch. It is the primitive behind projection rebuilds.
	LoadAll(ctx context.Context, batchSize int, fc func([]*event.Envelope) error) error
}

// Snapshot is a stored (version, state) pair that replay can resume from
// instead of folding the stream from version zero. Purely an optimization;
// it must never change observable behavior versus a full replay.
type Snapshot struct {
	AggregateId uuid.UUID
	Version     int64
	State       []byte
}

// SnapshotStore persists aggregate snapshots.
type SnapshotStore interface {

	// SaveSnapshot stores the snapshot, replacing any previous one for the
	// same aggregate.
	SaveSnapshot(ctx context.Context, s *Snapshot) error

	// LoadSnapshot returns the latest snapshot for the aggregate, or nil if
	// none exists.
	LoadSnapshot(ctx context.Context, aggregateId uuid.UUID) (*Snapshot, error)
}
