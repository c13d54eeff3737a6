// Package gsrc wires the event-sourcing runtime together: the event
// registry, the aggregate repositories, the projection registry and the
// outbox dispatcher, configured through Settings and functional options.
package gsrc

import (
	"context"

	"github.com/3rs4lg4d0/gosourcing/aggregate"
	"github.com/3rs4lg4d0/gosourcing/emitter"
	"github.com/3rs4lg4d0/gosourcing/event"
	"github.com/3rs4lg4d0/gosourcing/logger"
	"github.com/3rs4lg4d0/gosourcing/metrics"
	"github.com/3rs4lg4d0/gosourcing/outbox"
	"github.com/3rs4lg4d0/gosourcing/projection"
	"github.com/3rs4lg4d0/gosourcing/store"
	"github.com/google/uuid"
)

// Gosourcing implements the Gosourcing module.
type Gosourcing struct {
	settings      Settings
	logger        logger.Logger
	events        *event.Registry
	projections   *projection.Registry
	store         store.EventStore
	outbox        outbox.Repository
	snapshots     store.SnapshotStore
	snapshotEvery int64
	emitter       emitter.Emitter
	syncDelivery  bool
	successCtr    metrics.Counter
	errorCtr      metrics.Counter
}

// opt allows optional configuration.
type opt func(o *Gosourcing)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(o *Gosourcing) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCounters allows clients to configure optional counters for
// observability: successfully delivered records and failed deliveries.
func WithCounters(success metrics.Counter, error metrics.Counter) opt {
	return func(o *Gosourcing) {
		if success != nil {
			o.successCtr = success
		}
		if error != nil {
			o.errorCtr = error
		}
	}
}

// WithEmitter configures an optional downstream broker: every dispatched
// record is also forwarded to it, and the dispatch succeeds only if the
// broker acknowledges.
func WithEmitter(e emitter.Emitter) opt {
	return func(o *Gosourcing) {
		o.emitter = e
	}
}

// WithSnapshots enables periodic aggregate snapshots every 'every'
// committed versions.
func WithSnapshots(ss store.SnapshotStore, every int64) opt {
	return func(o *Gosourcing) {
		if ss != nil && every > 0 {
			o.snapshots = ss
			o.snapshotEvery = every
		}
	}
}

// WithSyncDelivery makes repositories deliver committed events to the
// projection registry synchronously (best effort) in addition to the
// durable outbox path.
func WithSyncDelivery() opt {
	return func(o *Gosourcing) {
		o.syncDelivery = true
	}
}

// New creates an instance of Gosourcing using the provided settings and
// options and the provided EventStore and outbox Repository
// implementations (usually the same backend value).
func New(s Settings, es store.EventStore, ob outbox.Repository, options ...opt) *Gosourcing {
	if es == nil || ob == nil {
		panic("you must provide an event store and an outbox repository")
	}

	validateSettings(&s)

	g := &Gosourcing{
		settings:    s,
		logger:      &logger.NopLogger{},
		events:      event.NewRegistry(),
		projections: projection.NewRegistry(),
		store:       es,
		outbox:      ob,
		successCtr:  &metrics.NopCounter{},
		errorCtr:    &metrics.NopCounter{},
	}

	for _, o := range options {
		o(g)
	}

	for _, a := range []any{es, ob, g.emitter} {
		if l, ok := a.(logger.Loggable); ok {
			l.SetLogger(g.logger)
		}
	}

	return g
}

// Events returns the event registry where clients register their event
// factories before loading aggregates or starting the dispatcher.
func (g *Gosourcing) Events() *event.Registry {
	return g.events
}

// Projections returns the projection registry where clients register
// their read-model handlers.
func (g *Gosourcing) Projections() *projection.Registry {
	return g.projections
}

// Repository builds the aggregate repository for one aggregate type,
// inheriting the configured snapshots and synchronous delivery.
func (g *Gosourcing) Repository(aggregateType string, newFn aggregate.Factory) *aggregate.Repository {
	var options []aggregate.RepositoryOption
	if g.snapshots != nil {
		options = append(options, aggregate.WithSnapshots(g.snapshots, g.snapshotEvery))
	}
	if g.syncDelivery {
		options = append(options, aggregate.WithSyncDelivery(g.projections))
	}
	r := aggregate.NewRepository(aggregateType, g.store, g.events, newFn, options...)
	r.SetLogger(g.logger)
	return r
}

// Start launches the polling publisher dispatcher when it is enabled in
// the settings. The dispatcher runs until the context is cancelled; a
// delivery interrupted by cancellation leaves its record pending, so a
// later restart retries it (at-least-once delivery).
func (g *Gosourcing) Start(ctx context.Context) {
	if !g.settings.EnableDispatcher {
		return
	}
	g.logger.Debug("the polling publisher dispatcher is enabled")
	d := dispatcher{
		id:          uuid.New(),
		settings:    g.settings,
		logger:      g.logger,
		events:      g.events,
		projections: g.projections,
		emitter:     g.emitter,
		repository:  g.outbox,
		backoff: outbox.Backoff{
			Base:    g.settings.RetryBackoffBase,
			Ceiling: g.settings.RetryBackoffCeiling,
		},
		successCtr: g.successCtr,
		errorCtr:   g.errorCtr,
	}
	go d.launchDispatcher(ctx)
}

// Rebuild replays the full event history through the registered projection
// handlers. Read models must be emptied by the caller beforehand.
func (g *Gosourcing) Rebuild(ctx context.Context) error {
	return projection.Rebuild(ctx, g.store, g.projections, g.events)
}

// DeadLettered returns up to limit permanently-failed outbox records for
// operator inspection.
func (g *Gosourcing) DeadLettered(ctx context.Context, limit int) ([]*outbox.Record, error) {
	return g.outbox.ListDeadLettered(ctx, limit)
}
