package idempotency

import (
	"context"
	"sync"
	"time"
)

// Store persists processed keys.
type Store interface {
	// Get returns the unexpired key for hashKey or ErrNotFound.
	Get(ctx context.Context, hashKey string) (*Key, error)

	// Put stores key unless an unexpired key with the same hash exists,
	// in which case it returns ErrKeyExists.
	Put(ctx context.Context, key Key) error

	// Complete stores key unconditionally, replacing a pending reservation.
	Complete(ctx context.Context, key Key) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, hashKey string) error

	// Sweep removes keys expired at now and returns how many it removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// StoreOption configures a MemoryStore or SQLStore.
type StoreOption func(*storeOptions)

type storeOptions struct {
	now func() time.Time
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) StoreOption {
	return func(o *storeOptions) {
		o.now = now
	}
}

func applyStoreOptions(opts []StoreOption) storeOptions {
	o := storeOptions{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// MemoryStore keeps keys in memory. Expired keys are invisible to Get and
// are removed by Sweep.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]Key
	now  func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	o := applyStoreOptions(opts)
	return &MemoryStore{
		keys: make(map[string]Key),
		now:  o.now,
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, hashKey string) (*Key, error) {
	s.mu.RLock()
	k, ok := s.keys[hashKey]
	s.mu.RUnlock()

	if !ok || k.Expired(s.now()) {
		return nil, ErrNotFound
	}
	k.Result = append([]byte(nil), k.Result...)
	return &k, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, key Key) error {
	now := s.now()
	key = key.normalize(now)
	key.Result = append([]byte(nil), key.Result...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.keys[key.HashKey]; ok && !cur.Expired(now) {
		return ErrKeyExists
	}
	s.keys[key.HashKey] = key
	return nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, key Key) error {
	key = key.normalize(s.now())
	key.Result = append([]byte(nil), key.Result...)

	s.mu.Lock()
	s.keys[key.HashKey] = key
	s.mu.Unlock()
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, hashKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, hashKey)
	return nil
}

// Sweep implements Store.
func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for h, k := range s.keys {
		if k.Expired(now) {
			delete(s.keys, h)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored keys, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
