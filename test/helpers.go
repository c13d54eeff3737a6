package test

import (
	"context"
	"database/sql/driver"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/integralist/go-findroot/find"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func AssertError(t *testing.T, err error, expectErr bool) {
	if expectErr {
		assert.Error(t, err)
	} else {
		assert.NoError(t, err)
	}
}

// InitPostgresContainer initializes a local Postgres instance using Testcontainers.
func InitPostgresContainer(ctx context.Context) (*postgres.PostgresContainer, error) {
	root, _ := find.Repo()
	return postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:15.2-alpine"),
		postgres.WithInitScripts(
			filepath.Join(root.Path, "sql/postgres/000001_event_sourcing.up.sql"),
		),
		postgres.WithDatabase("dbname"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(5*time.Second)),
	)
}

func GenerateAnyArgsSlice(n int) []driver.Value {
	var result []driver.Value = make([]driver.Value, n)
	for i := 0; i < n; i++ {
		result[i] = sqlmock.AnyArg()
	}
	return result
}

func GenerateAnyArgsSliceForPgx(n int) []interface{} {
	var result []interface{} = make([]interface{}, n)
	for i := 0; i < n; i++ {
		result[i] = pgxmock.AnyArg()
	}
	return result
}

func MockUnlockedOutboxLock(mock sqlmock.Sqlmock, dispatcherId uuid.UUID) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "locked", "locked_by", "locked_at", "locked_until", "version"}).
		AddRow(1, false, dispatcherId, nil, nil, 1)
	mock.ExpectQuery("SELECT \\* from outbox_lock WHERE id=1").WillReturnRows(rows)
	return rows
}

func MockLockedOutboxLock(mock sqlmock.Sqlmock, dispatcherId uuid.UUID) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "locked", "locked_by", "locked_at", "locked_until", "version"}).
		AddRow(1, true, dispatcherId, time.Now(), time.Now(), 1)
	mock.ExpectQuery("SELECT \\* from outbox_lock WHERE id=1").WillReturnRows(rows)
	return rows
}

func MockDueOutboxRows(mock sqlmock.Sqlmock) *sqlmock.Rows {
	aggregateId := uuid.New()
	rows := sqlmock.NewRows([]string{"id", "position", "aggregate_type", "aggregate_id", "version",
		"event_type", "payload", "occurred_at", "status", "attempts", "next_attempt_at", "last_error", "created_at"})
	for i := 1; i <= 3; i++ {
		rows.AddRow(uuid.New(), int64(i), "aggregate_type", aggregateId, int64(i),
			"event_type", []byte("payload"), time.Now(), "pending", 0, time.Now(), "", time.Now())
	}
	mock.ExpectQuery("SELECT .+ FROM outbox o.+").WillReturnRows(rows)
	return rows
}

func MockSubscriptionRowsWithOneExpired(mock sqlmock.Sqlmock) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "dispatcher_id", "alive_at", "version"}).
		AddRow(1, uuid.New(), time.Now(), 1).
		AddRow(2, uuid.New(), time.Now(), 1).
		AddRow(3, uuid.New(), time.Now().Add(time.Minute*-1), 1)
	mock.ExpectQuery("SELECT \\* FROM outbox_dispatcher_subscription ORDER BY id ASC").WillReturnRows(rows)
	return rows
}

func MockSubscriptionRowsAllActive(mock sqlmock.Sqlmock) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "dispatcher_id", "alive_at", "version"}).
		AddRow(1, uuid.New(), time.Now(), 1).
		AddRow(2, uuid.New(), time.Now(), 1)
	mock.ExpectQuery("SELECT \\* FROM outbox_dispatcher_subscription ORDER BY id ASC").WillReturnRows(rows)
	return rows
}

// TestLogger records every written message so tests can assert on them.
type TestLogger struct {
	mu      sync.Mutex
	Entries []string
}

func (l *TestLogger) append(level string, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Entries = append(l.Entries, fmt.Sprintf("%s: %s", level, msg))
}

func (l *TestLogger) Debug(msg string) {
	l.append("DEBUG", msg)
}

func (l *TestLogger) Info(msg string) {
	l.append("INFO", msg)
}

func (l *TestLogger) Warn(msg string) {
	l.append("WARN", msg)
}

func (l *TestLogger) Error(msg string, err error) {
	l.append("ERROR", fmt.Sprintf("%s (%v)", msg, err))
}

// TestCounter accumulates increments so tests can assert on them.
type TestCounter struct {
	mu  sync.Mutex
	ctr int64
}

func (c *TestCounter) Inc(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctr += delta
}

// Value returns the accumulated counter value.
func (c *TestCounter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctr
}
