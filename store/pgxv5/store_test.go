package pgxv5

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/3rs4lg4d0/gosourcing/event"
	"github.com/3rs4lg4d0/gosourcing/logger"
	"github.com/3rs4lg4d0/gosourcing/outbox"
	"github.com/3rs4lg4d0/gosourcing/store"
	"github.com/3rs4lg4d0/gosourcing/test"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var (
	database *postgres.PostgresContainer
	pool     *pgxpool.Pool
	backend  *Store
)

// TestMain prepares the database setup needed to run these tests. The
// storage layer is tested against a real Postgres containerized instance,
// but for some specific cases (mostly to simulate errors) a pgxmock pool
// is used.
func TestMain(m *testing.M) {
	var err error
	var dsn string
	ctx := context.Background()

	database, err = test.InitPostgresContainer(ctx)
	if err != nil {
		fmt.Printf("A problem occurred initializing the database: %v", err)
		os.Exit(1)
	}

	dsn, err = database.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Printf("A problem occurred getting the connection string: %v", err)
		os.Exit(1)
	}

	pool, err = pgxpool.New(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	backend = New(pool)
	backend.SetLogger(&logger.NopLogger{})
	code := m.Run()

	err = database.Terminate(ctx)
	if err != nil {
		fmt.Printf("an error ocurred terminating the database container: %v", err)
	}
	os.Exit(code)
}

func TestNew(t *testing.T) {
	type args struct {
		pool dbpool
	}
	testcases := []struct {
		name      string
		args      args
		wantPanic bool
	}{
		{
			name: "valid pool",
			args: args{
				pool: pool,
			},
			wantPanic: false,
		},
		{
			name: "pool is nil",
			args: args{
				pool: nil,
			},
			wantPanic: true,
		},
		{
			name: "pool is not nil but the underlying value is",
			args: args{
				pool: func() dbpool {
					var p *pgxpool.Pool
					return p
				}(),
			},
			wantPanic: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.wantPanic {
				assert.Panics(t, func() {
					New(tc.args.pool)
				})
			} else {
				assert.NotPanics(t, func() {
					New(tc.args.pool)
				})
			}
		})
	}
}

func TestAppendAndLoad(t *testing.T) {
	defer cleanup(t)
	ctx := context.Background()
	aggregateId := uuid.New()

	err := backend.Append(ctx, 0, []*event.Envelope{
		envelope(aggregateId, 1, "RestaurantCreated"),
		envelope(aggregateId, 2, "RestaurantRenamed"),
	})
	assert.NoError(t, err)

	// stale expected version.
	err = backend.Append(ctx, 0, []*event.Envelope{envelope(aggregateId, 1, "RestaurantCreated")})
	assert.ErrorIs(t, err, store.ErrConcurrencyConflict)

	// appending on the current head succeeds.
	err = backend.Append(ctx, 2, []*event.Envelope{envelope(aggregateId, 3, "RestaurantRenamed")})
	assert.NoError(t, err)

	envelopes, err := backend.Load(ctx, aggregateId, 0)
	assert.NoError(t, err)
	assert.Len(t, envelopes, 3)
	for i, env := range envelopes {
		assert.Equal(t, int64(i+1), env.Version)
	}

	envelopes, err = backend.Load(ctx, aggregateId, 2)
	assert.NoError(t, err)
	assert.Len(t, envelopes, 1)

	envelopes, err = backend.Load(ctx, uuid.New(), 0)
	assert.NoError(t, err)
	assert.Empty(t, envelopes)
}

func TestAppendErrors(t *testing.T) {
	type args struct {
		expectedVersion int64
	}
	testcases := []struct {
		name             string
		args             args
		mockExpectations func(pgxmock.PgxPoolIface)
		wantErr          error
		wantErrMsg       string
	}{
		{
			name: "simulate error when beginning the transaction",
			mockExpectations: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin().WillReturnError(errors.New("error#1"))
			},
			wantErrMsg: "could not begin the append transaction: error#1",
		},
		{
			name: "simulate error when reading the current version",
			mockExpectations: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectQuery("SELECT version FROM event_store").WillReturnError(errors.New("error#2"))
				mock.ExpectRollback()
			},
			wantErrMsg: "error#2",
		},
		{
			name: "stale expected version detected by the head check",
			args: args{
				expectedVersion: 3,
			},
			mockExpectations: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectQuery("SELECT version FROM event_store").
					WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(int64(5)))
				mock.ExpectRollback()
			},
			wantErr: store.ErrConcurrencyConflict,
		},
		{
			name: "a unique violation maps to a concurrency conflict",
			mockExpectations: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectQuery("SELECT version FROM event_store").WillReturnError(pgx.ErrNoRows)
				mock.ExpectExec("INSERT INTO event_store").
					WithArgs(test.GenerateAnyArgsSliceForPgx(6)...).
					WillReturnError(&pgconn.PgError{Code: uniqueViolation})
				mock.ExpectRollback()
			},
			wantErr: store.ErrConcurrencyConflict,
		},
		{
			name: "simulate error when inserting the outbox record",
			mockExpectations: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectQuery("SELECT version FROM event_store").WillReturnError(pgx.ErrNoRows)
				mock.ExpectExec("INSERT INTO event_store").
					WithArgs(test.GenerateAnyArgsSliceForPgx(6)...).
					WillReturnResult(pgxmock.NewResult("INSERT", 1))
				mock.ExpectExec("INSERT INTO outbox").
					WithArgs(test.GenerateAnyArgsSliceForPgx(7)...).
					WillReturnError(errors.New("error#3"))
				mock.ExpectRollback()
			},
			wantErrMsg: "could not persist the outbox record: error#3",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			mockedPool, err := pgxmock.NewPool()
			assert.NoError(t, err)
			defer mockedPool.Close()
			tc.mockExpectations(mockedPool)

			s := New(mockedPool)
			err = s.Append(context.Background(), tc.args.expectedVersion, []*event.Envelope{
				envelope(uuid.New(), 1, "RestaurantCreated"),
			})
			assert.Error(t, err)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			}
			if tc.wantErrMsg != "" {
				assert.ErrorContains(t, err, tc.wantErrMsg)
			}
			assert.NoError(t, mockedPool.ExpectationsWereMet())
		})
	}
}

func TestLoadAll(t *testing.T) {
	defer cleanup(t)
	ctx := context.Background()
	first := uuid.New()
	second := uuid.New()

	assert.NoError(t, backend.Append(ctx, 0, []*event.Envelope{envelope(first, 1, "RestaurantCreated")}))
	assert.NoError(t, backend.Append(ctx, 0, []*event.Envelope{envelope(second, 1, "RestaurantCreated")}))
	assert.NoError(t, backend.Append(ctx, 1, []*event.Envelope{envelope(first, 2, "RestaurantRenamed")}))

	var all []*event.Envelope
	err := backend.LoadAll(ctx, 2, func(batch []*event.Envelope) error {
		all = append(all, batch...)
		return nil
	})
	assert.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, first, all[0].AggregateId)
	assert.Equal(t, second, all[1].AggregateId)
	assert.Equal(t, first, all[2].AggregateId)
}

func TestSnapshots(t *testing.T) {
	defer cleanup(t)
	ctx := context.Background()
	aggregateId := uuid.New()

	snap, err := backend.LoadSnapshot(ctx, aggregateId)
	assert.NoError(t, err)
	assert.Nil(t, snap)

	assert.NoError(t, backend.SaveSnapshot(ctx, &store.Snapshot{AggregateId: aggregateId, Version: 3, State: []byte(`{"name":"Casa Paco"}`)}))
	assert.NoError(t, backend.SaveSnapshot(ctx, &store.Snapshot{AggregateId: aggregateId, Version: 6, State: []byte(`{"name":"Casa Curro"}`)}))

	snap, err = backend.LoadSnapshot(ctx, aggregateId)
	assert.NoError(t, err)
	assert.Equal(t, int64(6), snap.Version)
	assert.Equal(t, []byte(`{"name":"Casa Curro"}`), snap.State)
}

func TestOutboxLifecycle(t *testing.T) {
	defer cleanup(t)
	ctx := context.Background()
	blocked := uuid.New()
	healthy := uuid.New()

	assert.NoError(t, backend.Append(ctx, 0, []*event.Envelope{
		envelope(blocked, 1, "RestaurantCreated"),
		envelope(blocked, 2, "RestaurantRenamed"),
	}))
	assert.NoError(t, backend.Append(ctx, 0, []*event.Envelope{envelope(healthy, 1, "RestaurantCreated")}))

	records := dueRecords(t)
	assert.Len(t, records, 3)
	assert.Equal(t, outbox.StatusPending, records[0].Status)

	// a failed record in a backoff window holds back the records behind it
	// in the same aggregate, but not other aggregates.
	var blockedFirst *outbox.Record
	for _, r := range records {
		if r.Envelope.AggregateId == blocked && r.Envelope.Version == 1 {
			blockedFirst = r
		}
	}
	assert.NoError(t, backend.MarkFailed(ctx, blockedFirst.Id, "broker unavailable", time.Now().Add(time.Hour)))

	due := dueRecords(t)
	assert.Len(t, due, 1)
	assert.Equal(t, healthy, due[0].Envelope.AggregateId)

	// once the failed record is retryable again, version order is restored.
	assert.NoError(t, backend.MarkFailed(ctx, blockedFirst.Id, "broker unavailable", time.Now().Add(-time.Second)))
	due = dueRecords(t)
	assert.Len(t, due, 3)

	// dispatch everything and verify retention plus purge.
	var ids []uuid.UUID
	for _, r := range due {
		ids = append(ids, r.Id)
	}
	assert.NoError(t, backend.MarkDispatched(ctx, ids))
	assert.Empty(t, dueRecords(t))

	purged, err := backend.PurgeDispatched(ctx, time.Hour)
	assert.NoError(t, err)
	assert.Zero(t, purged)

	purged, err = backend.PurgeDispatched(ctx, -time.Second)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), purged)
}

func TestDeadLettering(t *testing.T) {
	defer cleanup(t)
	ctx := context.Background()
	aggregateId := uuid.New()

	assert.NoError(t, backend.Append(ctx, 0, []*event.Envelope{envelope(aggregateId, 1, "RestaurantCreated")}))
	id := dueRecords(t)[0].Id

	assert.NoError(t, backend.MarkDeadLettered(ctx, id, "schema mismatch"))
	assert.Empty(t, dueRecords(t))

	dead, err := backend.ListDeadLettered(ctx, 10)
	assert.NoError(t, err)
	assert.Len(t, dead, 1)
	assert.Equal(t, outbox.StatusDeadLettered, dead[0].Status)
	assert.Equal(t, "schema mismatch", dead[0].LastError)
	assert.Equal(t, 1, dead[0].Attempts)
}

func TestAcquireAndReleaseLock(t *testing.T) {
	first := uuid.New()
	second := uuid.New()

	locked, err := backend.AcquireLock(first)
	assert.NoError(t, err)
	assert.True(t, locked)

	locked, err = backend.AcquireLock(second)
	assert.NoError(t, err)
	assert.False(t, locked)

	// only the holder can release.
	assert.Error(t, backend.ReleaseLock(second))
	assert.NoError(t, backend.ReleaseLock(first))

	locked, err = backend.AcquireLock(second)
	assert.NoError(t, err)
	assert.True(t, locked)
	assert.NoError(t, backend.ReleaseLock(second))
}

func TestSubscribeDispatcher(t *testing.T) {
	type args struct {
		maxDispatchers int
	}
	testcases := []struct {
		name                 string
		args                 args
		preconditions        func()
		wantSuccess          bool
		expectedSubscription int
	}{
		{
			name: "subscription allowed",
			args: args{
				maxDispatchers: 2,
			},
			wantSuccess:          true,
			expectedSubscription: 1,
		},
		{
			name: "subscription not allowed",
			args: args{
				maxDispatchers: 4,
			},
			preconditions: func() {
				for i := 1; i <= 4; i++ {
					pool.Exec(
						context.Background(),
						"INSERT INTO outbox_dispatcher_subscription (id, dispatcher_id, alive_at) VALUES ($1, $2, $3)",
						i, uuid.New(), time.Now())
				}
			},
			wantSuccess:          false,
			expectedSubscription: 0,
		},
		{
			name: "second subscription is reused",
			args: args{
				maxDispatchers: 4,
			},
			preconditions: func() {
				expired := time.Now().Add(time.Second * -40)
				for i := 1; i <= 4; i++ {
					now := time.Now()
					if i == 2 {
						now = expired
					}
					pool.Exec(
						context.Background(),
						"INSERT INTO outbox_dispatcher_subscription (id, dispatcher_id, alive_at) VALUES ($1, $2, $3)",
						i, uuid.New(), now)
				}
			},
			wantSuccess:          true,
			expectedSubscription: 2,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.preconditions != nil {
				tc.preconditions()
			}
			result, subscription, err := backend.SubscribeDispatcher(uuid.New(), tc.args.maxDispatchers)
			assert.NoError(t, err)
			assert.Equal(t, tc.wantSuccess, result)
			assert.Equal(t, tc.expectedSubscription, subscription)

			// Cleanup before the next test case is executed.
			_, err = pool.Exec(context.Background(), "DELETE FROM outbox_dispatcher_subscription")
			if err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestUpdateSubscription(t *testing.T) {
	dispatcherId := uuid.New()

	updated, err := backend.UpdateSubscription(dispatcherId)
	assert.NoError(t, err)
	assert.False(t, updated)

	subscribed, _, err := backend.SubscribeDispatcher(dispatcherId, 2)
	assert.NoError(t, err)
	assert.True(t, subscribed)

	updated, err = backend.UpdateSubscription(dispatcherId)
	assert.NoError(t, err)
	assert.True(t, updated)

	_, err = pool.Exec(context.Background(), "DELETE FROM outbox_dispatcher_subscription")
	assert.NoError(t, err)
}

func envelope(aggregateId uuid.UUID, version int64, eventType string) *event.Envelope {
	return &event.Envelope{
		AggregateType: "Restaurant",
		AggregateId:   aggregateId,
		Version:       version,
		EventType:     eventType,
		Payload:       []byte(`{}`),
		OccurredAt:    time.Now(),
	}
}

// dueRecords drains FindDueInBatches into a slice.
func dueRecords(t *testing.T) []*outbox.Record {
	t.Helper()
	var records []*outbox.Record
	err := backend.FindDueInBatches(context.Background(), 100, -1, func(batch []*outbox.Record) error {
		records = append(records, batch...)
		return nil
	})
	assert.NoError(t, err)
	return records
}

// cleanup truncates the storage tables so test cases do not leak into
// each other.
func cleanup(t *testing.T) {
	t.Helper()
	_, err := pool.Exec(context.Background(), "TRUNCATE event_store, outbox, snapshot")
	if err != nil {
		t.Fatal(err)
	}
}
