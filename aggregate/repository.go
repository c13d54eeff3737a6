package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/gosourcing/event"
	"github.com/3rs4lg4d0/gosourcing/logger"
	"github.com/3rs4lg4d0/gosourcing/projection"
	"github.com/3rs4lg4d0/gosourcing/store"
	"github.com/google/uuid"
)

// ErrNotFound is returned by Load when no event stream exists for the
// requested aggregate identifier.
var ErrNotFound = errors.New("aggregate not found")

// ErrNoPendingEvents is returned by Commit when the aggregate has nothing
// to persist.
var ErrNoPendingEvents = errors.New("the aggregate has no pending events to commit")

// Factory builds a zero-value aggregate ready to be rehydrated.
type Factory func(id uuid.UUID) Root

// Repository rehydrates aggregates by replaying their event streams and
// commits the events they raise through the store's conditional append.
type Repository struct {
	aggregateType string
	store         store.EventStore
	codec         *event.Registry
	newFn         Factory
	snapshots     store.SnapshotStore
	snapshotEvery int64
	syncDelivery  *projection.Registry
	logger        logger.Logger
	now           func() time.Time
}

var _ logger.Loggable = (*Repository)(nil)

// RepositoryOption allows optional repository configuration.
type RepositoryOption func(r *Repository)

// WithSnapshots enables periodic snapshots: every time the committed
// version crosses a multiple of 'every', the aggregate state is stored so
// that later loads can resume replay from it instead of version zero.
func WithSnapshots(ss store.SnapshotStore, every int64) RepositoryOption {
	return func(r *Repository) {
		if ss != nil && every > 0 {
			r.snapshots = ss
			r.snapshotEvery = every
		}
	}
}

// WithSyncDelivery enables best-effort synchronous delivery of committed
// events to the given projection registry, for read models that need
// immediate consistency. The outbox path remains the system of record:
// sync delivery failures are logged and dropped, never retried here.
func WithSyncDelivery(reg *projection.Registry) RepositoryOption {
	return func(r *Repository) {
		r.syncDelivery = reg
	}
}

// NewRepository creates an aggregate repository for one aggregate type.
func NewRepository(aggregateType string, es store.EventStore, codec *event.Registry, newFn Factory, options ...RepositoryOption) *Repository {
	if aggregateType == "" {
		panic("aggregateType is mandatory")
	}
	if es == nil || codec == nil || newFn == nil {
		panic("you must provide a store, an event registry and a factory")
	}
	r := &Repository{
		aggregateType: aggregateType,
		store:         es,
		codec:         codec,
		newFn:         newFn,
		logger:        &logger.NopLogger{},
		now:           time.Now,
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l logger.Logger) {
	r.logger = l
}

// Load rehydrates the aggregate by folding its event stream in version
// order, starting from the latest snapshot when one is available. An
// unknown event type aborts the load: skipping it would silently break the
// determinism of the replay.
func (r *Repository) Load(ctx context.Context, id uuid.UUID) (Root, error) {
	root := r.newFn(id)
	var fromVersion int64

	if r.snapshots != nil {
		snap, err := r.snapshots.LoadSnapshot(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("could not load the snapshot of aggregate '%s': %w", id, err)
		}
		if snap != nil {
			if err := json.Unmarshal(snap.State, root); err != nil {
				return nil, fmt.Errorf("could not restore the snapshot of aggregate '%s': %w", id, err)
			}
			root.base().restore(id, snap.Version)
			fromVersion = snap.Version
		}
	}

	envelopes, err := r.store.Load(ctx, id, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("could not load the event stream of aggregate '%s': %w", id, err)
	}
	if fromVersion == 0 && len(envelopes) == 0 {
		return nil, fmt.Errorf("%w: '%s'", ErrNotFound, id)
	}

	b := root.base()
	for _, env := range envelopes {
		e, err := r.codec.Decode(env)
		if err != nil {
			return nil, fmt.Errorf("replaying aggregate '%s' at version %d: %w", id, env.Version, err)
		}
		if err := root.Apply(e); err != nil {
			return nil, fmt.Errorf("replaying aggregate '%s' at version %d: %w", id, env.Version, err)
		}
		b.version = env.Version
	}
	b.committedVersion = b.version
	return root, nil
}

// Commit sends the pending events plus the aggregate's version-at-load to
// the store's conditional append. On success the pending list is cleared
// and the committed version advances. On store.ErrConcurrencyConflict the
// pending events are left intact so the caller can decide between
// reload-and-retry and abandoning the intent.
func (r *Repository) Commit(ctx context.Context, root Root) error {
	b := root.base()
	if len(b.pending) == 0 {
		return ErrNoPendingEvents
	}

	envelopes := make([]*event.Envelope, 0, len(b.pending))
	version := b.committedVersion
	occurredAt := r.now()
	for _, e := range b.pending {
		payload, err := r.codec.Marshal(e)
		if err != nil {
			return err
		}
		version++
		envelopes = append(envelopes, &event.Envelope{
			AggregateType: r.aggregateType,
			AggregateId:   b.id,
			Version:       version,
			EventType:     e.EventType(),
			Payload:       payload,
			OccurredAt:    occurredAt,
		})
	}

	if err := r.store.Append(ctx, b.committedVersion, envelopes); err != nil {
		return fmt.Errorf("could not append the pending events of aggregate '%s': %w", b.id, err)
	}

	committed := b.pending
	prevVersion := b.committedVersion
	b.markCommitted()

	if r.snapshots != nil && b.committedVersion/r.snapshotEvery > prevVersion/r.snapshotEvery {
		r.saveSnapshot(ctx, root)
	}

	if r.syncDelivery != nil {
		r.deliverSync(ctx, envelopes, committed)
	}

	return nil
}

// saveSnapshot stores the current aggregate state. Snapshot failures are
// logged and ignored: the stream remains the source of truth.
func (r *Repository) saveSnapshot(ctx context.Context, root Root) {
	state, err := json.Marshal(root)
	if err != nil {
		r.logger.Error(fmt.Sprintf("marshaling the snapshot of aggregate '%s'", root.Id()), err)
		return
	}
	err = r.snapshots.SaveSnapshot(ctx, &store.Snapshot{
		AggregateId: root.Id(),
		Version:     root.Version(),
		State:       state,
	})
	if err != nil {
		r.logger.Error(fmt.Sprintf("saving the snapshot of aggregate '%s'", root.Id()), err)
	}
}

// deliverSync hands the committed events to the synchronous projection
// registry. Best effort only: failures are logged and the durable outbox
// path is trusted to reach those projections again.
func (r *Repository) deliverSync(ctx context.Context, envelopes []*event.Envelope, events []event.Event) {
	for i, env := range envelopes {
		if err := r.syncDelivery.Deliver(ctx, env, events[i]); err != nil {
			r.logger.Warn(fmt.Sprintf("synchronous delivery of event '%s' (aggregate '%s' version %d) failed: %v",
				env.EventType, env.AggregateId, env.Version, err))
		}
	}
}
