package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/cellcore/pkg/cellcore/observability"
	"github.com/randalmurphal/cellcore/pkg/cellcore/registry"
)

// ErrNothingToArchive is returned by Archive when no record is at or below
// the requested sequence.
var ErrNothingToArchive = errors.New("no records to archive")

// AppendResult reports how many records an append accepted.
type AppendResult struct {
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Errors   []AppendError `json:"errors,omitempty"`
}

// AppendError explains one rejected record.
type AppendError struct {
	RecordID string `json:"record_id,omitempty"`
	Message  string `json:"message"`
}

func (r *AppendResult) merge(o AppendResult) {
	r.Accepted += o.Accepted
	r.Rejected += o.Rejected
	r.Errors = append(r.Errors, o.Errors...)
}

// Err returns the rejections as an error, or nil when every record was
// accepted.
func (r AppendResult) Err() error {
	if r.Rejected == 0 {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = fmt.Errorf("record %s: %s", e.RecordID, e.Message)
	}
	return errors.Join(errs...)
}

// Health is the state reported by Chain.Health.
type Health struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Health statuses.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

// Option configures a Chain.
type Option func(*Chain)

// WithLogger sets the chain logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Chain) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *Chain) {
		c.metrics = m
	}
}

// WithAlerter sets who is told about broken chains (default: LogAlerter).
func WithAlerter(a Alerter) Option {
	return func(c *Chain) {
		c.alerter = a
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) {
		c.now = now
	}
}

// Chain appends to and verifies audit chains kept in a Store. Appends to
// one chain are serialized in-process; the store rejects appends that
// raced with another process.
type Chain struct {
	store   Store
	locks   *registry.Registry[chainKey, *sync.Mutex]
	broken  *registry.Registry[chainKey, Verification]
	alerter Alerter
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	now     func() time.Time
}

// NewChain creates a chain writer over store.
func NewChain(store Store, opts ...Option) *Chain {
	c := &Chain{
		store:   store,
		locks:   registry.New[chainKey, *sync.Mutex](),
		broken:  registry.New[chainKey, Verification](),
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.alerter == nil {
		c.alerter = LogAlerter{Logger: c.logger}
	}
	return c
}

func (c *Chain) lock(key chainKey) func() {
	mu := c.locks.GetOrCreate(key, func() *sync.Mutex { return &sync.Mutex{} })
	mu.Lock()
	return mu.Unlock
}

// Append links rec to the head of its chain and stores it. On acceptance
// rec carries its record id, sequence, timestamp and integrity fields.
func (c *Chain) Append(ctx context.Context, rec *Record) AppendResult {
	res := c.append(ctx, rec)
	if rec != nil {
		c.metrics.RecordAuditAppend(ctx, rec.ChainID, res.Accepted, res.Rejected)
	}
	return res
}

func (c *Chain) append(ctx context.Context, rec *Record) AppendResult {
	if err := rec.Validate(); err != nil {
		id := ""
		if rec != nil {
			id = rec.RecordID
		}
		return reject(id, err)
	}
	if rec.ChainID == "" {
		rec.ChainID = DefaultChainID
	}

	unlock := c.lock(chainKey{rec.TenantID, rec.ChainID})
	defer unlock()

	head, err := c.store.Head(ctx, rec.TenantID, rec.ChainID)
	if err != nil {
		return reject(rec.RecordID, err)
	}

	next := rec.Clone()
	if next.RecordID == "" {
		next.RecordID = uuid.NewString()
	}
	if next.Timestamp.IsZero() {
		next.Timestamp = c.now()
	}
	next.Timestamp = next.Timestamp.UTC()
	next.Sequence = head.Sequence + 1
	next.Integrity = Integrity{PrevHash: head.Hash, Algo: Algo}

	hash, err := ComputeHash(next)
	if err != nil {
		return reject(next.RecordID, err)
	}
	next.Integrity.Hash = hash

	if err := c.store.Append(ctx, next); err != nil {
		return reject(next.RecordID, err)
	}

	rec.RecordID = next.RecordID
	rec.Timestamp = next.Timestamp
	rec.Sequence = next.Sequence
	rec.Integrity = next.Integrity
	return AppendResult{Accepted: 1}
}

func reject(recordID string, err error) AppendResult {
	return AppendResult{
		Rejected: 1,
		Errors:   []AppendError{{RecordID: recordID, Message: err.Error()}},
	}
}

// AppendMany appends records in order. A rejected record does not stop
// the ones after it.
func (c *Chain) AppendMany(ctx context.Context, recs []*Record) AppendResult {
	var total AppendResult
	for _, rec := range recs {
		total.merge(c.Append(ctx, rec))
	}
	return total
}

// VerifyChain loads a chain and verifies it from its archive anchor. A
// broken chain is reported to the Alerter and returned as an
// *IntegrityError; the chain is left untouched. A chain whose head points
// past the last stored record is reported as truncated.
func (c *Chain) VerifyChain(ctx context.Context, tenantID, chainID string) (Verification, error) {
	if chainID == "" {
		chainID = DefaultChainID
	}
	key := chainKey{tenantID, chainID}

	anchor, err := c.store.Anchor(ctx, tenantID, chainID)
	if err != nil {
		return Verification{}, err
	}
	head, err := c.store.Head(ctx, tenantID, chainID)
	if err != nil {
		return Verification{}, err
	}
	recs, err := c.store.List(ctx, Filter{TenantID: tenantID, ChainID: chainID})
	if err != nil {
		return Verification{}, err
	}

	v := VerifyFrom(anchor, recs)
	if v.IsValid {
		last := Head{Sequence: anchor.Sequence, Hash: anchor.prevHash()}
		if n := len(recs); n > 0 {
			last = Head{Sequence: recs[n-1].Sequence, Hash: recs[n-1].Integrity.Hash}
		}
		if head.Sequence != last.Sequence || head.Hash != last.Hash {
			v.IsValid = false
			v.BrokenSequence = last.Sequence + 1
			v.Reason = fmt.Sprintf("chain head is at sequence %d but the last stored record is %d", head.Sequence, last.Sequence)
		}
	}

	c.metrics.RecordIntegrityCheck(ctx, chainID, v.IsValid)
	if v.IsValid {
		c.broken.Delete(key)
		return v, nil
	}

	c.broken.Store(key, v)
	c.alerter.Alert(ctx, Alert{TenantID: tenantID, ChainID: chainID, Verification: v, DetectedAt: c.now()})
	return v, &IntegrityError{TenantID: tenantID, ChainID: chainID, Verification: v}
}

// Latest returns up to n records of a chain, newest first.
func (c *Chain) Latest(ctx context.Context, tenantID, chainID string, n int) ([]*Record, error) {
	if chainID == "" {
		chainID = DefaultChainID
	}
	return c.store.List(ctx, Filter{TenantID: tenantID, ChainID: chainID, Newest: true, Limit: n})
}

// ByActor returns every record of a tenant written by actorID.
func (c *Chain) ByActor(ctx context.Context, tenantID, actorID string) ([]*Record, error) {
	return c.store.List(ctx, Filter{TenantID: tenantID, ActorID: actorID})
}

// ByResource returns every record of a tenant that targets an entity.
func (c *Chain) ByResource(ctx context.Context, tenantID, entity, entityID string) ([]*Record, error) {
	return c.store.List(ctx, Filter{TenantID: tenantID, Entity: entity, EntityID: entityID})
}

// Count returns the number of stored records in a chain.
func (c *Chain) Count(ctx context.Context, tenantID, chainID string) (int, error) {
	if chainID == "" {
		chainID = DefaultChainID
	}
	return c.store.Count(ctx, Filter{TenantID: tenantID, ChainID: chainID})
}

// Health reports degraded when the store is unreachable or the last
// verification of any chain failed.
func (c *Chain) Health(ctx context.Context) Health {
	if err := c.store.Ping(ctx); err != nil {
		return Health{Status: HealthDegraded, Detail: "store unreachable: " + err.Error()}
	}
	if n := c.broken.Len(); n > 0 {
		return Health{Status: HealthDegraded, Detail: fmt.Sprintf("%d broken chain(s)", n)}
	}
	return Health{Status: HealthOK}
}

// Archive writes the records of a chain up to throughSeq to w as JSON
// lines, then removes them from the store and records an anchor so the
// remainder still verifies. The archived part must verify first.
func (c *Chain) Archive(ctx context.Context, tenantID, chainID string, throughSeq uint64, w io.Writer) (Anchor, error) {
	if chainID == "" {
		chainID = DefaultChainID
	}
	unlock := c.lock(chainKey{tenantID, chainID})
	defer unlock()

	current, err := c.store.Anchor(ctx, tenantID, chainID)
	if err != nil {
		return Anchor{}, err
	}
	recs, err := c.store.List(ctx, Filter{TenantID: tenantID, ChainID: chainID, ThroughSequence: throughSeq})
	if err != nil {
		return Anchor{}, err
	}
	if len(recs) == 0 {
		return Anchor{}, ErrNothingToArchive
	}
	if v := VerifyFrom(current, recs); !v.IsValid {
		return Anchor{}, &IntegrityError{TenantID: tenantID, ChainID: chainID, Verification: v}
	}

	enc := json.NewEncoder(w)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			return Anchor{}, fmt.Errorf("write archive: %w", err)
		}
	}

	last := recs[len(recs)-1]
	anchor := Anchor{Sequence: last.Sequence, Hash: last.Integrity.Hash, ArchivedAt: c.now()}
	removed, err := c.store.Compact(ctx, tenantID, chainID, anchor)
	if err != nil {
		return Anchor{}, err
	}
	c.logger.Info("audit chain archived",
		slog.String("tenant_id", tenantID),
		slog.String("chain_id", chainID),
		slog.Uint64("through_sequence", anchor.Sequence),
		slog.Int("removed", removed),
	)
	return anchor, nil
}

// ReadArchive decodes records written by Archive.
func ReadArchive(r io.Reader) ([]*Record, error) {
	dec := json.NewDecoder(r)
	var out []*Record
	for {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("read archive: %w", err)
		}
		out = append(out, &rec)
	}
}
