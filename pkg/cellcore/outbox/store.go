package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists outbox events.
//
// Implementations must make RecordFailure increment the retry count
// atomically and must never hand one event to two concurrent ClaimBatch
// callers while its lease is live.
type Store interface {
	// Save stores a new event. Saving an id that already exists is a no-op.
	Save(ctx context.Context, evt *Event) error

	// ClaimBatch leases up to limit publishable events, oldest first:
	// PENDING events and FAILED events whose next attempt is due.
	ClaimBatch(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*Event, error)

	// MarkPublished moves an event to PUBLISHED.
	MarkPublished(ctx context.Context, id string, at time.Time) error

	// RecordFailure moves an event to FAILED and increments its retry count.
	RecordFailure(ctx context.Context, id string, f Failure) error

	// Get returns one event or ErrNotFound.
	Get(ctx context.Context, id string) (*Event, error)

	// List returns events matching filter, oldest first.
	List(ctx context.Context, filter ListFilter) ([]*Event, error)

	// Requeue resets an unpublished event to PENDING with a fresh retry
	// budget. It returns ErrAlreadyPublished for published events.
	Requeue(ctx context.Context, id string, now time.Time) error

	// PurgePublished deletes events published before the cutoff.
	PurgePublished(ctx context.Context, before time.Time) (int, error)
}

// MemoryStore keeps events in memory.
// Suitable for testing and single-process use.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string]*Event
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*Event)}
}

func cloneEvent(e *Event) *Event {
	cp := *e
	cp.Envelope = append([]byte(nil), e.Envelope...)
	return &cp
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, evt *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[evt.ID]; ok {
		return nil
	}
	cp := cloneEvent(evt)
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = cp.CreatedAt
	s.events[cp.ID] = cp
	return nil
}

// ClaimBatch implements Store.
func (s *MemoryStore) ClaimBatch(_ context.Context, now time.Time, limit int, lease time.Duration) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*Event
	for _, e := range s.events {
		if e.claimable(now) {
			ready = append(ready, e)
		}
	}
	sortEvents(ready)
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}

	out := make([]*Event, len(ready))
	for i, e := range ready {
		e.LeaseUntil = now.Add(lease)
		e.UpdatedAt = now
		out[i] = cloneEvent(e)
	}
	return out, nil
}

// MarkPublished implements Store.
func (s *MemoryStore) MarkPublished(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = StatusPublished
	e.PublishedAt = at
	e.UpdatedAt = at
	e.LeaseUntil = time.Time{}
	return nil
}

// RecordFailure implements Store.
func (s *MemoryStore) RecordFailure(_ context.Context, id string, f Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = StatusFailed
	e.RetryCount++
	e.LastError = f.Err
	e.NextAttemptAt = f.NextAttemptAt
	e.Dead = f.Dead
	e.UpdatedAt = f.At
	e.LeaseUntil = time.Time{}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEvent(e), nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*Event, error) {
	s.mu.Lock()
	var out []*Event
	for _, e := range s.events {
		if filter.match(e) {
			out = append(out, cloneEvent(e))
		}
	}
	s.mu.Unlock()

	sortEvents(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Requeue implements Store.
func (s *MemoryStore) Requeue(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status == StatusPublished {
		return ErrAlreadyPublished
	}
	e.Status = StatusPending
	e.RetryCount = 0
	e.Dead = false
	e.NextAttemptAt = time.Time{}
	e.LeaseUntil = time.Time{}
	e.UpdatedAt = now
	return nil
}

// PurgePublished implements Store.
func (s *MemoryStore) PurgePublished(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, e := range s.events {
		if e.Status == StatusPublished && e.PublishedAt.Before(before) {
			delete(s.events, id)
			n++
		}
	}
	return n, nil
}

func sortEvents(events []*Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].ID < events[j].ID
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
}
