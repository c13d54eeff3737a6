package gsrc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/gosourcing/emitter"
	"github.com/3rs4lg4d0/gosourcing/event"
	"github.com/3rs4lg4d0/gosourcing/logger"
	"github.com/3rs4lg4d0/gosourcing/metrics"
	"github.com/3rs4lg4d0/gosourcing/outbox"
	"github.com/3rs4lg4d0/gosourcing/projection"
	"github.com/google/uuid"
)

type dispatcher struct {
	id          uuid.UUID
	settings    Settings
	logger      logger.Logger
	events      *event.Registry
	projections *projection.Registry
	emitter     emitter.Emitter
	repository  outbox.Repository
	backoff     outbox.Backoff
	successCtr  metrics.Counter
	errorCtr    metrics.Counter
}

// launchDispatcher starts a subscription loop to attempt the registration of a new dispatcher
// within the 'outbox_dispatcher_subscription'. Only subscribed dispatchers can deliver
// outbox records to the registered projections. The function also ensures the consistent
// updating of the "alive_at" column to avoid losing the dispatcher subscription. The loop
// stops when the context is cancelled.
func (d *dispatcher) launchDispatcher(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	subscribed := false
	for {
		if !subscribed {
			if success, subscription, err := d.repository.SubscribeDispatcher(d.id, d.settings.MaxDispatchers); success {
				d.logger.Debug(fmt.Sprintf("subscription '%d' assigned to dispatcher '%s'", subscription, d.id))
				go d.executeDispatcherLoop(ctx)
				subscribed = true
			} else if err != nil {
				d.logger.Error(fmt.Sprintf("trying to subscribe dispatcher '%s'", d.id), err)
			}
		} else {
			updated, err := d.repository.UpdateSubscription(d.id)
			if err != nil {
				d.logger.Error("updating subscription", err)
			} else if !updated {
				d.logger.Error("subscription not updated", errors.New("stolen subscription!"))
				subscribed = false
			}
		}
		select {
		case <-ctx.Done():
			d.logger.Debug(fmt.Sprintf("dispatcher '%s' stopped", d.id))
			return
		case <-ticker.C:
		}
	}
}

// executeDispatcherLoop implements the main dispatcher loop.
func (d *dispatcher) executeDispatcherLoop(ctx context.Context) {
	ticker := time.NewTicker(d.settings.PollingInterval)
	defer ticker.Stop()
	for {
		if acquired, err := d.repository.AcquireLock(d.id); acquired {
			d.processOutbox(ctx)
			err := d.repository.ReleaseLock(d.id)
			if err != nil {
				d.logger.Error("releasing the outbox lock", err)
			}
		} else if err != nil {
			d.logger.Error("unable to get the lock", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// processOutbox scans the due outbox records within the limits defined by
// Settings.MaxEventsPerInterval and delivers them in batches (defined by
// Settings.MaxEventsPerBatch), in global append order. A failed delivery
// blocks the remaining records of the same aggregate for the rest of the
// iteration so that a projection never observes version n+1 before n. A
// cancelled delivery leaves the record pending.
func (d *dispatcher) processOutbox(ctx context.Context) {
	var success []uuid.UUID
	var totalProcessed int
	var totalErr int
	blocked := make(map[uuid.UUID]bool)

	d.logger.Debug("processing outbox records")

	err := d.repository.FindDueInBatches(ctx, d.settings.MaxEventsPerBatch, d.settings.MaxEventsPerInterval, func(batch []*outbox.Record) error {
		for _, r := range batch {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if blocked[r.Envelope.AggregateId] {
				continue
			}
			totalProcessed++
			if err := d.deliver(ctx, r); err != nil {
				if isCancellation(err) {
					// an interrupted attempt does not count: the record
					// stays pending and is retried after restart.
					return err
				}
				d.logger.Error("delivery problem", err)
				totalErr++
				d.errorCtr.Inc(1)
				blocked[r.Envelope.AggregateId] = true
				d.markFailure(r, err)
			} else {
				success = append(success, r.Id)
				d.successCtr.Inc(1)
			}
		}
		return nil
	})

	if err != nil && !isCancellation(err) {
		d.logger.Error("when trying to get due outbox records in batches", err)
	}

	d.logger.Info(fmt.Sprintf("%d records were successfully delivered (with %d failed) from a total of %d processed from outbox", len(success), totalErr, totalProcessed))

	if len(success) > 0 {
		// marking runs outside the polling context on purpose: a shutdown
		// between delivery and marking must not lose the acknowledgement
		// more often than necessary (the contract stays at-least-once).
		if err := d.repository.MarkDispatched(context.Background(), success); err != nil {
			d.logger.Error("when marking delivered outbox records as dispatched", err)
		}
	}
}

// deliver decodes the record and hands it to every interested projection
// handler and, when configured, to the downstream emitter. The delivery
// succeeds only if all of them do.
func (d *dispatcher) deliver(ctx context.Context, r *outbox.Record) error {
	e, err := d.events.Decode(&r.Envelope)
	if err != nil {
		return err
	}
	if err := d.projections.Deliver(ctx, &r.Envelope, e); err != nil {
		return err
	}
	if d.emitter != nil {
		dc := make(chan *emitter.DeliveryReport, 1)
		if err := d.emitter.Emit(r, dc); err != nil {
			return err
		}
		select {
		case dr := <-dc:
			if dr.Error != nil {
				return dr.Error
			}
			d.logger.Debug(dr.Details)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// markFailure schedules a retry with exponential backoff, or dead-letters
// the record once the configured maximum number of attempts is reached.
func (d *dispatcher) markFailure(r *outbox.Record, deliveryErr error) {
	ctx := context.Background()
	attempts := r.Attempts + 1
	if attempts >= d.settings.MaxDeliveryAttempts {
		d.logger.Warn(fmt.Sprintf("record '%s' exhausted its %d delivery attempts and was dead-lettered", r.Id, attempts))
		if err := d.repository.MarkDeadLettered(ctx, r.Id, deliveryErr.Error()); err != nil {
			d.logger.Error("when dead-lettering an outbox record", err)
		}
		return
	}
	nextAttemptAt := time.Now().Add(d.backoff.Next(attempts))
	if err := d.repository.MarkFailed(ctx, r.Id, deliveryErr.Error(), nextAttemptAt); err != nil {
		d.logger.Error("when marking an outbox record as failed", err)
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
