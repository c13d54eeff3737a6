package projection

import (
	"context"
	"fmt"

	"github.com/3rs4lg4d0/gosourcing/event"
	"github.com/3rs4lg4d0/gosourcing/store"
)

const defaultRebuildBatchSize = 500

// Rebuild replays the full event history through the registered handlers,
// using the same apply path as live delivery. Because projections hold no
// information that is not derivable from events, this reconstructs every
// read model from scratch; it is also the disaster-recovery mechanism.
//
// Events are streamed in global append order, so per-aggregate version
// order is preserved. Handlers are expected to run against an empty (or
// truncated) read model.
func Rebuild(ctx context.Context, es store.EventStore, reg *Registry, codec *event.Registry) error {
	return es.LoadAll(ctx, defaultRebuildBatchSize, func(batch []*event.Envelope) error {
		for _, env := range batch {
			if !reg.Interested(env.EventType) {
				continue
			}
			e, err := codec.Decode(env)
			if err != nil {
				return fmt.Errorf("rebuilding projections at aggregate '%s' version %d: %w",
					env.AggregateId, env.Version, err)
			}
			if err := reg.Deliver(ctx, env, e); err != nil {
				return err
			}
		}
		return nil
	})
}
