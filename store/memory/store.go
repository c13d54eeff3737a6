// Package memory provides an in-process implementation of the event store,
// the snapshot store and the outbox repository. It backs unit tests and
// local development; everything lives in the struct, protected by a single
// mutex, and is lost when the process exits.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/3rs4lg4d0/gosourcing/event"
	"github.com/3rs4lg4d0/gosourcing/outbox"
	"github.com/3rs4lg4d0/gosourcing/store"
	"github.com/google/uuid"
)

type subscription struct {
	id           int
	dispatcherId uuid.UUID
	aliveAt      time.Time
}

type Store struct {
	mu            sync.Mutex
	streams       map[uuid.UUID][]*event.Envelope
	log           []*event.Envelope
	records       []*outbox.Record
	snapshots     map[uuid.UUID]*store.Snapshot
	position      int64
	lockedBy      uuid.UUID
	lockedUntil   time.Time
	subscriptions []subscription
	now           func() time.Time
}

var _ store.EventStore = (*Store)(nil)
var _ store.SnapshotStore = (*Store)(nil)
var _ outbox.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		streams:   make(map[uuid.UUID][]*event.Envelope),
		snapshots: make(map[uuid.UUID]*store.Snapshot),
		now:       time.Now,
	}
}

// Append implements the conditional append: the expected version must match
// the stream's current highest version, and the outbox records for the new
// envelopes are created under the same mutex hold, so the two writes are
// observed atomically.
func (s *Store) Append(_ context.Context, expectedVersion int64, envelopes []*event.Envelope) error {
	if len(envelopes) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	aggregateId := envelopes[0].AggregateId
	stream := s.streams[aggregateId]
	var current int64
	if len(stream) > 0 {
		current = stream[len(stream)-1].Version
	}
	if current != expectedVersion {
		return store.ErrConcurrencyConflict
	}

	now := s.now()
	for _, env := range envelopes {
		s.streams[aggregateId] = append(s.streams[aggregateId], env)
		s.log = append(s.log, env)
		s.position++
		s.records = append(s.records, &outbox.Record{
			Id:            uuid.New(),
			Position:      s.position,
			Envelope:      *env,
			Status:        outbox.StatusPending,
			NextAttemptAt: now,
			CreatedAt:     now,
		})
	}
	return nil
}

func (s *Store) Load(_ context.Context, aggregateId uuid.UUID, fromVersion int64) ([]*event.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var envelopes []*event.Envelope
	for _, env := range s.streams[aggregateId] {
		if env.Version > fromVersion {
			envelopes = append(envelopes, env)
		}
	}
	return envelopes, nil
}

func (s *Store) LoadAll(_ context.Context, batchSize int, fc func([]*event.Envelope) error) error {
	s.mu.Lock()
	log := make([]*event.Envelope, len(s.log))
	copy(log, s.log)
	s.mu.Unlock()

	for i := 0; i < len(log); i += batchSize {
		end := i + batchSize
		if end > len(log) {
			end = len(log)
		}
		if err := fc(log[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) SaveSnapshot(_ context.Context, snap *store.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.AggregateId] = snap
	return nil
}

func (s *Store) LoadSnapshot(_ context.Context, aggregateId uuid.UUID) (*store.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshots[aggregateId], nil
}

// FindDueInBatches selects the deliverable records in global append order.
// A record whose aggregate has an earlier record still waiting out a
// backoff window is held back, preserving per-aggregate delivery order.
func (s *Store) FindDueInBatches(_ context.Context, batchSize int, limit int, fc func([]*outbox.Record) error) error {
	s.mu.Lock()
	now := s.now()
	blocked := make(map[uuid.UUID]bool)
	var due []*outbox.Record
	for _, r := range s.records {
		if r.Status == outbox.StatusDispatched || r.Status == outbox.StatusDeadLettered {
			continue
		}
		if blocked[r.Envelope.AggregateId] || r.NextAttemptAt.After(now) {
			blocked[r.Envelope.AggregateId] = true
			continue
		}
		cp := *r
		due = append(due, &cp)
		if limit != -1 && len(due) == limit {
			break
		}
	}
	s.mu.Unlock()

	for i := 0; i < len(due); i += batchSize {
		end := i + batchSize
		if end > len(due) {
			end = len(due)
		}
		if err := fc(due[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) MarkDispatched(_ context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if r := s.find(id); r != nil {
			r.Status = outbox.StatusDispatched
		}
	}
	return nil
}

func (s *Store) MarkFailed(_ context.Context, id uuid.UUID, lastError string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.find(id); r != nil {
		r.Status = outbox.StatusFailed
		r.Attempts++
		r.LastError = lastError
		r.NextAttemptAt = nextAttemptAt
	}
	return nil
}

func (s *Store) MarkDeadLettered(_ context.Context, id uuid.UUID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.find(id); r != nil {
		r.Status = outbox.StatusDeadLettered
		r.Attempts++
		r.LastError = lastError
	}
	return nil
}

func (s *Store) ListDeadLettered(_ context.Context, limit int) ([]*outbox.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dead []*outbox.Record
	for _, r := range s.records {
		if r.Status == outbox.StatusDeadLettered {
			cp := *r
			dead = append(dead, &cp)
			if len(dead) == limit {
				break
			}
		}
	}
	return dead, nil
}

func (s *Store) PurgeDispatched(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)
	var kept []*outbox.Record
	var purged int64
	for _, r := range s.records {
		if r.Status == outbox.StatusDispatched && r.CreatedAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return purged, nil
}

func (s *Store) AcquireLock(dispatcherId uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.lockedBy != uuid.Nil && s.lockedUntil.After(now) {
		return false, nil
	}
	s.lockedBy = dispatcherId
	s.lockedUntil = now.Add(outbox.LockMaxDuration)
	return true, nil
}

func (s *Store) ReleaseLock(dispatcherId uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockedBy == dispatcherId {
		s.lockedBy = uuid.Nil
		s.lockedUntil = time.Time{}
	}
	return nil
}

func (s *Store) SubscribeDispatcher(dispatcherId uuid.UUID, maxDispatchers int) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for i := range s.subscriptions {
		if now.Sub(s.subscriptions[i].aliveAt) > outbox.SubsExpirationAfter {
			s.subscriptions[i].dispatcherId = dispatcherId
			s.subscriptions[i].aliveAt = now
			return true, s.subscriptions[i].id, nil
		}
	}
	if len(s.subscriptions) >= maxDispatchers {
		return false, 0, nil
	}
	sub := subscription{id: len(s.subscriptions) + 1, dispatcherId: dispatcherId, aliveAt: now}
	s.subscriptions = append(s.subscriptions, sub)
	return true, sub.id, nil
}

func (s *Store) UpdateSubscription(dispatcherId uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.subscriptions {
		if s.subscriptions[i].dispatcherId == dispatcherId {
			s.subscriptions[i].aliveAt = s.now()
			return true, nil
		}
	}
	return false, nil
}

// find returns the stored record with the given id, or nil.
func (s *Store) find(id uuid.UUID) *outbox.Record {
	for _, r := range s.records {
		if r.Id == id {
			return r
		}
	}
	return nil
}
