package audit

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Store errors.
var (
	// ErrSequenceConflict is returned when a record does not extend the
	// current chain head, usually because another writer appended first.
	ErrSequenceConflict = errors.New("record does not extend the chain head")

	// ErrDuplicateRecord is returned for a record id that already exists.
	ErrDuplicateRecord = errors.New("audit record already exists")
)

// Head is the newest link of a chain.
type Head struct {
	Sequence uint64
	Hash     string
}

// Filter selects records. Empty fields match everything.
type Filter struct {
	TenantID      string
	ChainID       string
	ActorID       string
	Entity        string
	EntityID      string
	CorrelationID string

	// ThroughSequence bounds sequence numbers from above; 0 means no bound.
	ThroughSequence uint64

	// Newest returns the newest records first.
	Newest bool

	// Limit caps the number of records; 0 means no cap.
	Limit int
}

func (f Filter) match(r *Record) bool {
	switch {
	case f.TenantID != "" && r.TenantID != f.TenantID,
		f.ChainID != "" && r.ChainID != f.ChainID,
		f.ActorID != "" && r.Actor.ID != f.ActorID,
		f.Entity != "" && r.Target.Entity != f.Entity,
		f.EntityID != "" && r.Target.EntityID != f.EntityID,
		f.CorrelationID != "" && r.Trace.CorrelationID != f.CorrelationID,
		f.ThroughSequence > 0 && r.Sequence > f.ThroughSequence:
		return false
	}
	return true
}

// Store persists audit chains. Append must check the record against the
// chain head and advance the head atomically. Records are never updated.
type Store interface {
	// Head returns the newest link of a chain, or sequence 0 and
	// GenesisHash for an empty chain.
	Head(ctx context.Context, tenantID, chainID string) (Head, error)

	// Append stores rec if it extends the head of its chain.
	Append(ctx context.Context, rec *Record) error

	// List returns copies of matching records. Within one chain they are
	// ordered by sequence; across chains by timestamp.
	List(ctx context.Context, f Filter) ([]*Record, error)

	// Count returns the number of matching records.
	Count(ctx context.Context, f Filter) (int, error)

	// Anchor returns the archive anchor of a chain.
	Anchor(ctx context.Context, tenantID, chainID string) (Anchor, error)

	// Compact removes records up to anchor.Sequence and records the anchor.
	Compact(ctx context.Context, tenantID, chainID string, anchor Anchor) (int, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

type chainKey struct {
	tenant string
	chain  string
}

type memChain struct {
	records []*Record
	head    Head
	anchor  Anchor
}

// MemoryStore keeps chains in memory. Records are copied in and out.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[chainKey]*memChain
	ids    map[string]struct{}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains: make(map[chainKey]*memChain),
		ids:    make(map[string]struct{}),
	}
}

// Head implements Store.
func (s *MemoryStore) Head(_ context.Context, tenantID, chainID string) (Head, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chains[chainKey{tenantID, chainID}]
	if !ok {
		return Head{Hash: GenesisHash}, nil
	}
	return c.head, nil
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := chainKey{rec.TenantID, rec.ChainID}
	c, ok := s.chains[key]
	if !ok {
		c = &memChain{head: Head{Hash: GenesisHash}}
	}
	if rec.Sequence != c.head.Sequence+1 || rec.Integrity.PrevHash != c.head.Hash {
		return ErrSequenceConflict
	}
	if _, dup := s.ids[rec.RecordID]; dup {
		return ErrDuplicateRecord
	}

	c.records = append(c.records, rec.Clone())
	c.head = Head{Sequence: rec.Sequence, Hash: rec.Integrity.Hash}
	s.chains[key] = c
	s.ids[rec.RecordID] = struct{}{}
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, f Filter) ([]*Record, error) {
	s.mu.RLock()
	var out []*Record
	for key, c := range s.chains {
		if (f.TenantID != "" && key.tenant != f.TenantID) || (f.ChainID != "" && key.chain != f.ChainID) {
			continue
		}
		for _, r := range c.records {
			if f.match(r) {
				out = append(out, r.Clone())
			}
		}
	}
	s.mu.RUnlock()

	sortRecords(out, f)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func sortRecords(recs []*Record, f Filter) {
	less := func(a, b *Record) bool {
		if f.ChainID == "" {
			if !a.Timestamp.Equal(b.Timestamp) {
				return a.Timestamp.Before(b.Timestamp)
			}
			if a.ChainID != b.ChainID {
				return a.ChainID < b.ChainID
			}
		}
		return a.Sequence < b.Sequence
	}
	sort.Slice(recs, func(i, j int) bool {
		if f.Newest {
			return less(recs[j], recs[i])
		}
		return less(recs[i], recs[j])
	})
}

// Count implements Store.
func (s *MemoryStore) Count(ctx context.Context, f Filter) (int, error) {
	f.Limit = 0
	recs, err := s.List(ctx, f)
	return len(recs), err
}

// Anchor implements Store.
func (s *MemoryStore) Anchor(_ context.Context, tenantID, chainID string) (Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.chains[chainKey{tenantID, chainID}]; ok {
		return c.anchor, nil
	}
	return Anchor{}, nil
}

// Compact implements Store.
func (s *MemoryStore) Compact(_ context.Context, tenantID, chainID string, anchor Anchor) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chains[chainKey{tenantID, chainID}]
	if !ok {
		return 0, nil
	}
	kept := c.records[:0:0]
	removed := 0
	for _, r := range c.records {
		if r.Sequence <= anchor.Sequence {
			delete(s.ids, r.RecordID)
			removed++
			continue
		}
		kept = append(kept, r)
	}
	c.records = kept
	c.anchor = anchor
	return removed, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
