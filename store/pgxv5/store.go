// Package pgxv5 implements the event store, the snapshot store and the
// outbox repository on top of a PostgreSQL database accessed through
// jackc/pgx/v5. The conditional append and the outbox-record creation run
// in one database transaction, which is what makes the outbox reliable
// rather than best-effort.
package pgxv5

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/3rs4lg4d0/gosourcing/event"
	"github.com/3rs4lg4d0/gosourcing/logger"
	"github.com/3rs4lg4d0/gosourcing/outbox"
	"github.com/3rs4lg4d0/gosourcing/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	getCurrentVersionSql = "SELECT version FROM event_store WHERE aggregate_id=$1 ORDER BY version DESC LIMIT 1 FOR UPDATE"
	insertEventSql       = "INSERT INTO event_store (aggregate_type, aggregate_id, version, event_type, payload, occurred_at) VALUES ($1, $2, $3, $4, $5, $6)"
	insertOutboxSql      = "INSERT INTO outbox (id, aggregate_type, aggregate_id, version, event_type, payload, occurred_at) VALUES ($1, $2, $3, $4, $5, $6, $7)"
	getStreamSql         = "SELECT aggregate_type, aggregate_id, version, event_type, payload, occurred_at FROM event_store WHERE aggregate_id=$1 AND version > $2 ORDER BY version ASC"
	getAllEventsSql      = "SELECT aggregate_type, aggregate_id, version, event_type, payload, occurred_at FROM event_store ORDER BY position ASC"
	upsertSnapshotSql    = "INSERT INTO snapshot (aggregate_id, version, state, created_at) VALUES ($1, $2, $3, $4) ON CONFLICT (aggregate_id) DO UPDATE SET version=EXCLUDED.version, state=EXCLUDED.state, created_at=EXCLUDED.created_at"
	getSnapshotSql       = "SELECT version, state FROM snapshot WHERE aggregate_id=$1"

	getDueRecordsSql = `SELECT id, position, aggregate_type, aggregate_id, version, event_type, payload, occurred_at,
			status, attempts, next_attempt_at, last_error, created_at
		FROM outbox o
		WHERE o.status IN ('pending', 'failed') AND o.next_attempt_at <= NOW()
		AND NOT EXISTS (
			SELECT 1 FROM outbox p
			WHERE p.aggregate_id = o.aggregate_id AND p.position < o.position
			AND p.status IN ('pending', 'failed') AND p.next_attempt_at > NOW())
		ORDER BY o.position ASC`
	getDueRecordsWithLimitSql = getDueRecordsSql + " LIMIT $1"
	markDispatchedSql         = "UPDATE outbox SET status='dispatched', dispatched_at=NOW() WHERE id = ANY($1)"
	markFailedSql             = "UPDATE outbox SET status='failed', attempts=attempts+1, last_error=$2, next_attempt_at=$3 WHERE id=$1"
	markDeadLetteredSql       = "UPDATE outbox SET status='dead_lettered', attempts=attempts+1, last_error=$2 WHERE id=$1"
	getDeadLetteredSql        = "SELECT id, position, aggregate_type, aggregate_id, version, event_type, payload, occurred_at, status, attempts, next_attempt_at, last_error, created_at FROM outbox WHERE status='dead_lettered' ORDER BY position ASC LIMIT $1"
	purgeDispatchedSql        = "DELETE FROM outbox WHERE status='dispatched' AND created_at < $1"

	getSubscriptionsSql          = "SELECT * FROM outbox_dispatcher_subscription ORDER BY id ASC"
	getOutboxLockRowSql          = "SELECT * from outbox_lock WHERE id=1"
	subscribeDispatcherInsertSql = "INSERT INTO outbox_dispatcher_subscription (id, dispatcher_id, alive_at, version) VALUES ($1, $2, $3, 1)"
	subscribeDispatcherUpdateSql = "UPDATE outbox_dispatcher_subscription SET dispatcher_id=$1, alive_at=$2, version=$3 WHERE id=$4 AND version=$5"
	acquireLockSql               = "UPDATE outbox_lock SET locked=true, locked_by=$1, locked_at=$2, locked_until=$3, version=$4 WHERE version=$5"
	releaseLockSql               = "UPDATE outbox_lock SET locked=false, locked_by=null, locked_at=null, locked_until=null"
	updateSubscriptionSql        = "UPDATE outbox_dispatcher_subscription SET alive_at=NOW() WHERE dispatcher_id=$1"
)

// uniqueViolation is the PostgreSQL error code raised when the unique
// (aggregate_id, version) constraint is violated by a concurrent append.
const uniqueViolation = "23505"

// dbpool is a helper interface to work with pgxpool.Pool.
type dbpool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...interface{}) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type Store struct {
	db     dbpool
	logger logger.Logger
}

var _ store.EventStore = (*Store)(nil)
var _ store.SnapshotStore = (*Store)(nil)
var _ outbox.Repository = (*Store)(nil)
var _ logger.Loggable = (*Store)(nil)

func New(pool dbpool) *Store {
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	return &Store{
		db:     pool,
		logger: &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (s *Store) SetLogger(l logger.Logger) {
	s.logger = l
}

// Append verifies the expected version, then inserts the envelopes in the
// event stream and one pending outbox row per envelope, all in a single
// transaction. The version check runs under a row lock on the stream head
// and the unique (aggregate_id, version) constraint backstops it, so a
// concurrent append can never produce a partial or interleaved write.
func (s *Store) Append(ctx context.Context, expectedVersion int64, envelopes []*event.Envelope) error {
	if len(envelopes) == 0 {
		return nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("could not begin the append transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	aggregateId := envelopes[0].AggregateId
	var current int64
	err = tx.QueryRow(ctx, getCurrentVersionSql, aggregateId).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("could not read the current version of aggregate '%s': %w", aggregateId, err)
	}
	if current != expectedVersion {
		return store.ErrConcurrencyConflict
	}

	for _, env := range envelopes {
		_, err = tx.Exec(ctx, insertEventSql,
			env.AggregateType, env.AggregateId, env.Version, env.EventType, env.Payload, env.OccurredAt)
		if err != nil {
			if isUniqueViolation(err) {
				return store.ErrConcurrencyConflict
			}
			return fmt.Errorf("could not persist the event at version %d of aggregate '%s': %w", env.Version, aggregateId, err)
		}
		_, err = tx.Exec(ctx, insertOutboxSql,
			uuid.New(), env.AggregateType, env.AggregateId, env.Version, env.EventType, env.Payload, env.OccurredAt)
		if err != nil {
			return fmt.Errorf("could not persist the outbox record: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return store.ErrConcurrencyConflict
		}
		return fmt.Errorf("could not commit the append transaction: %w", err)
	}
	return nil
}

// Load returns the events of one aggregate with version greater than
// fromVersion, ascending. An unknown aggregate yields an empty stream.
func (s *Store) Load(ctx context.Context, aggregateId uuid.UUID, fromVersion int64) ([]*event.Envelope, error) {
	rows, err := s.db.Query(ctx, getStreamSql, aggregateId, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("could not query the event stream of aggregate '%s': %w", aggregateId, err)
	}
	defer rows.Close()

	var envelopes []*event.Envelope
	for rows.Next() {
		var env event.Envelope
		err := rows.Scan(&env.AggregateType, &env.AggregateId, &env.Version, &env.EventType, &env.Payload, &env.OccurredAt)
		if err != nil {
			return nil, fmt.Errorf("could not scan an event row: %w", err)
		}
		envelopes = append(envelopes, &env)
	}
	return envelopes, rows.Err()
}

// LoadAll streams every stored event in global append order in batches.
func (s *Store) LoadAll(ctx context.Context, batchSize int, fc func([]*event.Envelope) error) error {
	rows, err := s.db.Query(ctx, getAllEventsSql)
	if err != nil {
		return err
	}
	defer rows.Close()

	var batch []*event.Envelope
	for rows.Next() {
		var env event.Envelope
		err := rows.Scan(&env.AggregateType, &env.AggregateId, &env.Version, &env.EventType, &env.Payload, &env.OccurredAt)
		if err != nil {
			return err
		}
		batch = append(batch, &env)
		if len(batch) == batchSize {
			if err := fc(batch); err != nil {
				return err
			}
			batch = nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		if err := fc(batch); err != nil {
			return err
		}
	}
	return nil
}

// SaveSnapshot stores the snapshot, replacing any previous one.
func (s *Store) SaveSnapshot(ctx context.Context, snap *store.Snapshot) error {
	_, err := s.db.Exec(ctx, upsertSnapshotSql, snap.AggregateId, snap.Version, snap.State, time.Now())
	if err != nil {
		return fmt.Errorf("could not persist the snapshot of aggregate '%s': %w", snap.AggregateId, err)
	}
	return nil
}

// LoadSnapshot returns the latest snapshot for the aggregate, or nil.
func (s *Store) LoadSnapshot(ctx context.Context, aggregateId uuid.UUID) (*store.Snapshot, error) {
	snap := store.Snapshot{AggregateId: aggregateId}
	err := s.db.QueryRow(ctx, getSnapshotSql, aggregateId).Scan(&snap.Version, &snap.State)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not load the snapshot of aggregate '%s': %w", aggregateId, err)
	}
	return &snap, nil
}

// FindDueInBatches retrieves the deliverable outbox records in global
// append order. Records whose aggregate has an earlier record waiting out
// a backoff window are excluded by the query itself so per-aggregate
// ordering survives retries.
func (s *Store) FindDueInBatches(ctx context.Context, batchSize int, limit int, fc func([]*outbox.Record) error) error {
	var rows pgx.Rows
	var err error

	if limit == -1 {
		rows, err = s.db.Query(ctx, getDueRecordsSql)
	} else {
		rows, err = s.db.Query(ctx, getDueRecordsWithLimitSql, limit)
	}
	if err != nil {
		return err
	}
	defer rows.Close()

	var batch []*outbox.Record
	for rows.Next() {
		var r outbox.Record
		err := rows.Scan(&r.Id, &r.Position, &r.Envelope.AggregateType, &r.Envelope.AggregateId, &r.Envelope.Version,
			&r.Envelope.EventType, &r.Envelope.Payload, &r.Envelope.OccurredAt,
			&r.Status, &r.Attempts, &r.NextAttemptAt, &r.LastError, &r.CreatedAt)
		if err != nil {
			return err
		}
		batch = append(batch, &r)
		if len(batch) == batchSize {
			if err := fc(batch); err != nil {
				return err
			}
			batch = nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		if err := fc(batch); err != nil {
			return err
		}
	}
	return nil
}

// MarkDispatched transitions the given records to their terminal
// dispatched state. Dispatched rows are retained until PurgeDispatched
// reclaims them.
func (s *Store) MarkDispatched(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, markDispatchedSql, ids)
	if err != nil {
		return fmt.Errorf("could not mark the records as dispatched: %w", err)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, lastError string, nextAttemptAt time.Time) error {
	_, err := s.db.Exec(ctx, markFailedSql, id, lastError, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("could not mark the record '%s' as failed: %w", id, err)
	}
	return nil
}

func (s *Store) MarkDeadLettered(ctx context.Context, id uuid.UUID, lastError string) error {
	_, err := s.db.Exec(ctx, markDeadLetteredSql, id, lastError)
	if err != nil {
		return fmt.Errorf("could not dead-letter the record '%s': %w", id, err)
	}
	return nil
}

func (s *Store) ListDeadLettered(ctx context.Context, limit int) ([]*outbox.Record, error) {
	rows, err := s.db.Query(ctx, getDeadLetteredSql, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*outbox.Record
	for rows.Next() {
		var r outbox.Record
		err := rows.Scan(&r.Id, &r.Position, &r.Envelope.AggregateType, &r.Envelope.AggregateId, &r.Envelope.Version,
			&r.Envelope.EventType, &r.Envelope.Payload, &r.Envelope.OccurredAt,
			&r.Status, &r.Attempts, &r.NextAttemptAt, &r.LastError, &r.CreatedAt)
		if err != nil {
			return nil, err
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

func (s *Store) PurgeDispatched(ctx context.Context, olderThan time.Duration) (int64, error) {
	ct, err := s.db.Exec(ctx, purgeDispatchedSql, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// AcquireLock obtains a table lock on the 'outbox' table by employing a database lock
// strategy through the use of the auxiliary table 'outbox_lock'.
func (s *Store) AcquireLock(dispatcherId uuid.UUID) (bool, error) {
	ctx := context.Background()
	lock, err := s.getOutboxLockRow()
	if err != nil {
		return false, err
	}
	if lock.locked && lock.lockedUntil.Time.After(time.Now()) {
		return false, nil
	}
	lockedAt := time.Now()
	lockedUntil := lockedAt.Add(outbox.LockMaxDuration)
	ct, err := s.db.Exec(ctx, acquireLockSql, dispatcherId, lockedAt, lockedUntil, lock.version+1, lock.version)
	if err != nil {
		return false, err
	}

	if ct.RowsAffected() == 0 {
		return false, errors.New("race condition detected during the optimistic locking")
	}
	s.logger.Debug(fmt.Sprintf("the lock was acquired by %s", dispatcherId.String()))
	return true, nil
}

// ReleaseLock releases the table lock on the 'outbox' table that was acquired by
// the specified dispatcher.
func (s *Store) ReleaseLock(dispatcherId uuid.UUID) error {
	ctx := context.Background()
	lock, err := s.getOutboxLockRow()
	if err != nil {
		return err
	}
	if !lock.locked || uuid.UUID(lock.lockedBy.Bytes).String() != dispatcherId.String() {
		return fmt.Errorf("unexpected lock status: %s. The lock should be locked by %s", lock, dispatcherId)
	}
	_, err = s.db.Exec(ctx, releaseLockSql)
	if err != nil {
		return err
	}
	s.logger.Debug(fmt.Sprintf("the lock was released by %s", dispatcherId.String()))
	return nil
}

// SubscribeDispatcher tries to subscribe a dispatcher in the 'outbox_dispatcher_subscription'
// table taking into account the max number of allowed dispatchers. If the subscription is successful
// the function returns the assigned subscription to the caller.
func (s *Store) SubscribeDispatcher(dispatcherId uuid.UUID, maxDispatchers int) (bool, int, error) {
	ctx := context.Background()
	rows, err := s.db.Query(ctx, getSubscriptionsSql)
	if err != nil {
		return false, 0, err
	}
	defer rows.Close()

	var dss []dispatcherSubscription
	for rows.Next() {
		var ds dispatcherSubscription
		err := rows.Scan(&ds.id, &ds.dispatcherId, &ds.aliveAt, &ds.version)
		if err != nil {
			return false, 0, err
		}
		dss = append(dss, ds)
	}

	if err := rows.Err(); err != nil {
		return false, 0, err
	}

	subscriptionId, ds := allocateSubscription(dss)
	if subscriptionId > maxDispatchers {
		s.logger.Debug("Unable to subscribe due to maximum number of dispatchers reached")
		return false, 0, nil
	}
	now := time.Now()
	if ds != nil {
		ct, err := s.db.Exec(ctx, subscribeDispatcherUpdateSql, dispatcherId, now, ds.version+1, ds.id, ds.version)
		if err != nil {
			return false, 0, err
		}
		if ct.RowsAffected() == 0 {
			return false, 0, errors.New("race condition detected during the optimistic locking")
		}
	} else {
		_, err := s.db.Exec(ctx, subscribeDispatcherInsertSql, subscriptionId, dispatcherId, now)
		if err != nil {
			return false, 0, err
		}
	}

	return true, subscriptionId, nil
}

// UpdateSubscription updates 'alive_at' column with current time to prevent
// other dispatchers from stealing the subscription.
func (s *Store) UpdateSubscription(dispatcherId uuid.UUID) (bool, error) {
	ctx := context.Background()
	ct, err := s.db.Exec(ctx, updateSubscriptionSql, dispatcherId)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 0 {
		s.logger.Warn(fmt.Sprintf("the dispatcher '%s' has no active subscription!", dispatcherId.String()))
		return false, nil
	}
	return true, nil
}

// allocateSubscription analyzes the current subscriptions and determines the next
// subscription identifier that can be used for a new dispatcher. If there is an
// expired subscription (determined by aliveAt) it is reused instead of allocating
// a new subscription entry in the 'outbox_dispatcher_subscription' table.
func allocateSubscription(dss []dispatcherSubscription) (int, *dispatcherSubscription) {
	for _, ds := range dss {
		if isExpired(ds) {
			return ds.id, &ds
		}
	}
	return len(dss) + 1, nil
}

// isExpired considers expired the subscriptions whose dispatcher last aliveAt mark
// is older than the configured expiration window.
func isExpired(ds dispatcherSubscription) bool {
	return ds.aliveAt.Time.Add(outbox.SubsExpirationAfter).Before(time.Now())
}

// getOutboxLockRow returns the only 'outbox_lock' table row.
func (s *Store) getOutboxLockRow() (*outboxLock, error) {
	ctx := context.Background()
	row := s.db.QueryRow(ctx, getOutboxLockRowSql)
	var lock outboxLock
	err := row.Scan(&lock.id, &lock.locked, &lock.lockedBy, &lock.lockedAt, &lock.lockedUntil, &lock.version)
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

// isUniqueViolation tells whether the error is a violation of the unique
// (aggregate_id, version) constraint.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
