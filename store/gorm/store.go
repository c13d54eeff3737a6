// Package gorm implements the event store, the snapshot store and the
// outbox repository for applications whose database handle is a *gorm.DB.
// The semantics match the pgxv5 backend: conditional append and outbox
// creation share one transaction.
package gorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3rs4lg4d0/gosourcing/event"
	"github.com/3rs4lg4d0/gosourcing/logger"
	"github.com/3rs4lg4d0/gosourcing/outbox"
	"github.com/3rs4lg4d0/gosourcing/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	getCurrentVersionSql = "SELECT version FROM event_store WHERE aggregate_id=? ORDER BY version DESC LIMIT 1 FOR UPDATE"
	insertEventSql       = "INSERT INTO event_store (aggregate_type, aggregate_id, version, event_type, payload, occurred_at) VALUES (?, ?, ?, ?, ?, ?)"
	insertOutboxSql      = "INSERT INTO outbox (id, aggregate_type, aggregate_id, version, event_type, payload, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?)"
	getStreamSql         = "SELECT aggregate_type, aggregate_id, version, event_type, payload, occurred_at FROM event_store WHERE aggregate_id=? AND version > ? ORDER BY version ASC"
	getAllEventsSql      = "SELECT aggregate_type, aggregate_id, version, event_type, payload, occurred_at FROM event_store ORDER BY position ASC"
	upsertSnapshotSql    = "INSERT INTO snapshot (aggregate_id, version, state, created_at) VALUES (?, ?, ?, ?) ON CONFLICT (aggregate_id) DO UPDATE SET version=EXCLUDED.version, state=EXCLUDED.state, created_at=EXCLUDED.created_at"
	getSnapshotSql       = "SELECT version, state FROM snapshot WHERE aggregate_id=?"

	getDueRecordsSql = `SELECT id, position, aggregate_type, aggregate_id, version, event_type, payload, occurred_at,
			status, attempts, next_attempt_at, last_error, created_at
		FROM outbox o
		WHERE o.status IN ('pending', 'failed') AND o.next_attempt_at <= NOW()
		AND NOT EXISTS (
			SELECT 1 FROM outbox p
			WHERE p.aggregate_id = o.aggregate_id AND p.position < o.position
			AND p.status IN ('pending', 'failed') AND p.next_attempt_at > NOW())
		ORDER BY o.position ASC`
	getDueRecordsWithLimitSql = getDueRecordsSql + " LIMIT ?"
	markFailedSql             = "UPDATE outbox SET status='failed', attempts=attempts+1, last_error=?, next_attempt_at=? WHERE id=?"
	markDeadLetteredSql       = "UPDATE outbox SET status='dead_lettered', attempts=attempts+1, last_error=? WHERE id=?"
	getDeadLetteredSql        = "SELECT id, position, aggregate_type, aggregate_id, version, event_type, payload, occurred_at, status, attempts, next_attempt_at, last_error, created_at FROM outbox WHERE status='dead_lettered' ORDER BY position ASC LIMIT ?"
	purgeDispatchedSql        = "DELETE FROM outbox WHERE status='dispatched' AND created_at < ?"

	getSubscriptionsSql          = "SELECT * FROM outbox_dispatcher_subscription ORDER BY id ASC"
	getOutboxLockRowSql          = "SELECT * from outbox_lock WHERE id=1"
	subscribeDispatcherInsertSql = "INSERT INTO outbox_dispatcher_subscription (id, dispatcher_id, alive_at, version) VALUES (?, ?, ?, 1)"
	subscribeDispatcherUpdateSql = "UPDATE outbox_dispatcher_subscription SET dispatcher_id=?, alive_at=?, version=? WHERE id=? AND version=?"
	acquireLockSql               = "UPDATE outbox_lock SET locked=true, locked_by=?, locked_at=?, locked_until=?, version=? WHERE id=1 AND version=?"
	releaseLockSql               = "UPDATE outbox_lock SET locked=false, locked_by=null, locked_at=null, locked_until=null WHERE id=1"
	updateSubscriptionSql        = "UPDATE outbox_dispatcher_subscription SET alive_at=NOW() WHERE dispatcher_id=?"
)

const uniqueViolation = "23505"

type Store struct {
	db     *gorm.DB
	logger logger.Logger
}

var _ store.EventStore = (*Store)(nil)
var _ store.SnapshotStore = (*Store)(nil)
var _ outbox.Repository = (*Store)(nil)
var _ logger.Loggable = (*Store)(nil)

func New(db *gorm.DB) *Store {
	if db == nil {
		panic("db is mandatory")
	}
	return &Store{
		db:     db,
		logger: &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (s *Store) SetLogger(l logger.Logger) {
	s.logger = l
}

// Append verifies the expected version, then inserts the envelopes and one
// pending outbox row per envelope inside a gorm transaction.
func (s *Store) Append(ctx context.Context, expectedVersion int64, envelopes []*event.Envelope) error {
	if len(envelopes) == 0 {
		return nil
	}
	aggregateId := envelopes[0].AggregateId
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current int64
		err := tx.Raw(getCurrentVersionSql, aggregateId).Row().Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("could not read the current version of aggregate '%s': %w", aggregateId, err)
		}
		if current != expectedVersion {
			return store.ErrConcurrencyConflict
		}
		for _, env := range envelopes {
			err := tx.Exec(insertEventSql,
				env.AggregateType, env.AggregateId, env.Version, env.EventType, env.Payload, env.OccurredAt).Error
			if err != nil {
				if isUniqueViolation(err) {
					return store.ErrConcurrencyConflict
				}
				return fmt.Errorf("could not persist the event at version %d of aggregate '%s': %w", env.Version, aggregateId, err)
			}
			err = tx.Exec(insertOutboxSql,
				uuid.New(), env.AggregateType, env.AggregateId, env.Version, env.EventType, env.Payload, env.OccurredAt).Error
			if err != nil {
				return fmt.Errorf("could not persist the outbox record: %w", err)
			}
		}
		return nil
	})
	return err
}

// Load returns the events of one aggregate after fromVersion, ascending.
func (s *Store) Load(ctx context.Context, aggregateId uuid.UUID, fromVersion int64) ([]*event.Envelope, error) {
	rows, err := s.db.WithContext(ctx).Raw(getStreamSql, aggregateId, fromVersion).Rows()
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
	rows, err := s.db.WithContext(ctx).Raw(getAllEventsSql).Rows()
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
	err := s.db.WithContext(ctx).Exec(upsertSnapshotSql, snap.AggregateId, snap.Version, snap.State, time.Now()).Error
	if err != nil {
		return fmt.Errorf("could not persist the snapshot of aggregate '%s': %w", snap.AggregateId, err)
	}
	return nil
}

// LoadSnapshot returns the latest snapshot for the aggregate, or nil.
func (s *Store) LoadSnapshot(ctx context.Context, aggregateId uuid.UUID) (*store.Snapshot, error) {
	snap := store.Snapshot{AggregateId: aggregateId}
	err := s.db.WithContext(ctx).Raw(getSnapshotSql, aggregateId).Row().Scan(&snap.Version, &snap.State)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not load the snapshot of aggregate '%s': %w", aggregateId, err)
	}
	return &snap, nil
}

// FindDueInBatches retrieves the deliverable outbox records in global
// append order, holding back records blocked by an earlier record of the
// same aggregate still in backoff.
func (s *Store) FindDueInBatches(ctx context.Context, batchSize int, limit int, fc func([]*outbox.Record) error) error {
	var rows *sql.Rows
	var err error
	if limit == -1 {
		rows, err = s.db.WithContext(ctx).Raw(getDueRecordsSql).Rows()
	} else {
		rows, err = s.db.WithContext(ctx).Raw(getDueRecordsWithLimitSql, limit).Rows()
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

// MarkDispatched transitions the given records to the dispatched terminal
// state in batches.
func (s *Store) MarkDispatched(ctx context.Context, ids []uuid.UUID) error {
	const batchSize = 100
	for i := 0; i < len(ids); i += batchSize {
		end := i + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[i:end]

		query := "UPDATE outbox SET status='dispatched', dispatched_at=NOW() WHERE id IN ("
		placeholders := make([]string, len(batch))
		for i := range placeholders {
			placeholders[i] = "?"
		}
		query += strings.Join(placeholders, ",") + ")"
		values := make([]interface{}, len(batch))
		for i, id := range batch {
			values[i] = id
		}

		if err := s.db.WithContext(ctx).Exec(query, values...).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, lastError string, nextAttemptAt time.Time) error {
	err := s.db.WithContext(ctx).Exec(markFailedSql, lastError, nextAttemptAt, id).Error
	if err != nil {
		return fmt.Errorf("could not mark the record '%s' as failed: %w", id, err)
	}
	return nil
}

func (s *Store) MarkDeadLettered(ctx context.Context, id uuid.UUID, lastError string) error {
	err := s.db.WithContext(ctx).Exec(markDeadLetteredSql, lastError, id).Error
	if err != nil {
		return fmt.Errorf("could not dead-letter the record '%s': %w", id, err)
	}
	return nil
}

func (s *Store) ListDeadLettered(ctx context.Context, limit int) ([]*outbox.Record, error) {
	rows, err := s.db.WithContext(ctx).Raw(getDeadLetteredSql, limit).Rows()
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
	res := s.db.WithContext(ctx).Exec(purgeDispatchedSql, time.Now().Add(-olderThan))
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// AcquireLock obtains a table lock on the 'outbox' table by employing a database lock
// strategy through the use of the auxiliary table 'outbox_lock'.
func (s *Store) AcquireLock(dispatcherId uuid.UUID) (bool, error) {
	lock, err := s.getOutboxLockRow()
	if err != nil {
		return false, err
	}
	if lock.Locked && lock.LockedUntil.Time.After(time.Now()) {
		return false, nil
	}
	lockedAt := time.Now()
	lockedUntil := lockedAt.Add(outbox.LockMaxDuration)
	res := s.db.Exec(acquireLockSql, dispatcherId, lockedAt, lockedUntil, lock.Version+1, lock.Version)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, errors.New("race condition detected during the optimistic locking")
	}

	s.logger.Debug(fmt.Sprintf("the lock was acquired by %s", dispatcherId.String()))
	return true, nil
}

// ReleaseLock releases the table lock on the 'outbox' table that was acquired by
// the specified dispatcher.
func (s *Store) ReleaseLock(dispatcherId uuid.UUID) error {
	lock, err := s.getOutboxLockRow()
	if err != nil {
		return err
	}
	if !lock.Locked || lock.LockedBy.String() != dispatcherId.String() {
		return fmt.Errorf("unexpected lock status: %s. The lock should be locked by %s", lock, dispatcherId)
	}
	err = s.db.Exec(releaseLockSql).Error
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
	rows, err := s.db.Raw(getSubscriptionsSql).Rows()
	if err != nil {
		return false, 0, err
	}
	defer rows.Close()

	var dss []dispatcherSubscription
	for rows.Next() {
		var ds dispatcherSubscription
		err := rows.Scan(&ds.ID, &ds.DispatcherId, &ds.AliveAt, &ds.Version)
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
		res := s.db.Exec(subscribeDispatcherUpdateSql, dispatcherId, now, ds.Version+1, ds.ID, ds.Version)
		if res.Error != nil {
			return false, 0, res.Error
		}
		if res.RowsAffected == 0 {
			return false, 0, errors.New("race condition detected during the optimistic locking")
		}
	} else {
		res := s.db.Exec(subscribeDispatcherInsertSql, subscriptionId, dispatcherId, now)
		if res.Error != nil {
			return false, 0, res.Error
		}
	}

	return true, subscriptionId, nil
}

// UpdateSubscription updates 'alive_at' column with current time to prevent
// other dispatchers from stealing the subscription.
func (s *Store) UpdateSubscription(dispatcherId uuid.UUID) (bool, error) {
	res := s.db.Exec(updateSubscriptionSql, dispatcherId)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
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
			return ds.ID, &ds
		}
	}
	return len(dss) + 1, nil
}

// isExpired considers expired the subscriptions whose dispatcher last aliveAt mark
// is older than the configured expiration window.
func isExpired(ds dispatcherSubscription) bool {
	return ds.AliveAt.Time.Add(outbox.SubsExpirationAfter).Before(time.Now())
}

// getOutboxLockRow returns the only 'outbox_lock' table row.
func (s *Store) getOutboxLockRow() (*outboxLock, error) {
	var lock outboxLock
	result := s.db.Raw(getOutboxLockRowSql).Scan(&lock)
	if result.Error != nil {
		return nil, result.Error
	}
	return &lock, nil
}

// isUniqueViolation tells whether the error is a violation of the unique
// (aggregate_id, version) constraint.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
