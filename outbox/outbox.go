package outbox

import (
	"context"
	"time"

	"github.com/3rs4lg4d0/gosourcing/event"
	"github.com/google/uuid"
)

const (
	LockMaxDuration     = time.Second * 15 // max duration of a table lock on 'outbox_lock'
	SubsExpirationAfter = time.Second * 30 // consider a subscription expired after 30 seconds of inactivity
)

// Status is the delivery state of an outbox record.
//
// State machine: Pending -> Dispatched (success) or Pending -> Failed ->
// Pending (retry after backoff) ... Failed -> DeadLettered once the attempt
// count exceeds the configured maximum. Dispatched and DeadLettered are
// terminal.
type Status string

const (
	StatusPending      Status = "pending"
	StatusDispatched   Status = "dispatched"
	StatusFailed       Status = "failed"
	StatusDeadLettered Status = "dead_lettered"
)

// Record contains all the information stored in the underlying outbox
// table. A record is created in the same atomic unit of work as the event
// append it originates from.
type Record struct {
	Id            uuid.UUID
	Position      int64 // global append order, assigned by the store
	Envelope      event.Envelope
	Status        Status
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
}

// Repository manages outbox records persistent operations. Due-record
// selection must preserve per-aggregate ordering: a record is due only if
// no earlier record of the same aggregate is still awaiting delivery in a
// backoff window.
type Repository interface {

	// FindDueInBatches retrieves the records ready for delivery (pending or
	// failed with next_attempt_at in the past), in global append order, to
	// be processed in batches.
	FindDueInBatches(ctx context.Context, batchSize int, limit int, fc func([]*Record) error) error

	// MarkDispatched transitions the given records to the dispatched
	// terminal state.
	MarkDispatched(ctx context.Context, ids []uuid.UUID) error

	// MarkFailed records a delivery failure: it increments the attempt
	// counter, stores the error and schedules the next attempt. The record
	// stays retryable.
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string, nextAttemptAt time.Time) error

	// MarkDeadLettered transitions a record to the dead-lettered terminal
	// state, keeping the last delivery error for operator visibility.
	MarkDeadLettered(ctx context.Context, id uuid.UUID, lastError string) error

	// ListDeadLettered returns up to limit dead-lettered records, oldest
	// first. This is the operator-facing surface for parked deliveries.
	ListDeadLettered(ctx context.Context, limit int) ([]*Record, error)

	// PurgeDispatched deletes dispatched records older than the given
	// retention window. Housekeeping only; it never touches undelivered
	// records.
	PurgeDispatched(ctx context.Context, olderThan time.Duration) (int64, error)

	// AcquireLock gets a lease on the outbox table so that only one
	// dispatcher delivers at a time within the lease window.
	AcquireLock(dispatcherId uuid.UUID) (bool, error)

	// ReleaseLock releases a lease acquired by AcquireLock.
	ReleaseLock(dispatcherId uuid.UUID) error

	// SubscribeDispatcher tries to create a dispatcher subscription taking
	// into account the maximum allowed dispatchers. Implementations should
	// use locking mechanisms to prevent that the maximum allowed dispatchers
	// number is surpassed.
	SubscribeDispatcher(dispatcherId uuid.UUID, maxDispatchers int) (subscribed bool, subscription int, err error)

	// UpdateSubscription updates the dispatcher subscription to prevent
	// potential thefts by other dispatchers.
	UpdateSubscription(dispatcherId uuid.UUID) (updated bool, err error)
}

// Backoff computes retry delays for failed deliveries: exponential growth
// from Base, capped at Ceiling.
type Backoff struct {
	Base    time.Duration
	Ceiling time.Duration
}

// Next returns the delay before the given attempt (1-based) is retried.
func (b Backoff) Next(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := b.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= b.Ceiling {
			return b.Ceiling
		}
	}
	if d > b.Ceiling {
		return b.Ceiling
	}
	return d
}
