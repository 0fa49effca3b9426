package event

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// DLQ errors.
var (
	ErrDLQFull     = errors.New("dead letter queue is full")
	ErrNotInDLQ    = errors.New("event not found in dead letter queue")
	errNilFailedEv = errors.New("nil failed event")
)

// DeadLetterQueue holds events that could not be delivered and need an
// operator decision.
type DeadLetterQueue interface {
	Enqueue(ctx context.Context, failed *FailedEvent) error
	Get(ctx context.Context, eventID string) (*FailedEvent, error)
	List(ctx context.Context, limit int) ([]*FailedEvent, error)
	Remove(ctx context.Context, eventID string) error
	Count(ctx context.Context) (int, error)
}

// FailedEvent is a dead-lettered event with its failure history.
type FailedEvent struct {
	EventID   string `json:"event_id"`
	Topic     string `json:"topic"`
	EventData []byte `json:"event_data"`
	TenantID  string `json:"tenant_id"`

	// Source names what gave up on the event: a subscription or the outbox relay.
	Source       string `json:"source"`
	ErrorMessage string `json:"error_message"`

	AttemptCount  int       `json:"attempt_count"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	LastFailedAt  time.Time `json:"last_failed_at"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewFailedEvent builds a FailedEvent from an envelope. EventData holds the
// encoded envelope when it can be encoded.
func NewFailedEvent(env *Envelope, err error, source string, attempts int) *FailedEvent {
	now := time.Now().UTC()
	fe := &FailedEvent{
		EventID:       env.EventID,
		Topic:         env.EventName,
		TenantID:      env.Tenant.OrgID,
		Source:        source,
		AttemptCount:  attempts,
		FirstFailedAt: now,
		LastFailedAt:  now,
	}
	if err != nil {
		fe.ErrorMessage = err.Error()
	}
	if data, encErr := Encode(env); encErr == nil {
		fe.EventData = data
	}
	return fe
}

// DLQConfig configures the dead letter queue.
type DLQConfig struct {
	// MaxSize limits the number of events in the DLQ.
	// Default: 10000
	MaxSize int

	// OnEnqueue is called when an event is added.
	OnEnqueue func(*FailedEvent)
}

// DefaultDLQConfig provides reasonable defaults.
var DefaultDLQConfig = DLQConfig{
	MaxSize: 10000,
}

// InMemoryDLQ is an in-memory implementation of DeadLetterQueue.
// Suitable for testing and single-instance deployments.
type InMemoryDLQ struct {
	mu     sync.RWMutex
	events map[string]*FailedEvent
	cfg    DLQConfig

	enqueued int64
	removed  int64
}

var _ DeadLetterQueue = (*InMemoryDLQ)(nil)

// NewInMemoryDLQ creates a new in-memory dead letter queue.
func NewInMemoryDLQ(cfg DLQConfig) *InMemoryDLQ {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultDLQConfig.MaxSize
	}
	return &InMemoryDLQ{
		events: make(map[string]*FailedEvent),
		cfg:    cfg,
	}
}

// Enqueue adds a failed event. Enqueuing an event id already present
// merges the failure into the existing entry.
func (d *InMemoryDLQ) Enqueue(_ context.Context, failed *FailedEvent) error {
	if failed == nil {
		return errNilFailedEv
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.events[failed.EventID]; ok {
		existing.ErrorMessage = failed.ErrorMessage
		existing.LastFailedAt = failed.LastFailedAt
		if failed.AttemptCount > existing.AttemptCount {
			existing.AttemptCount = failed.AttemptCount
		}
		return nil
	}

	if len(d.events) >= d.cfg.MaxSize {
		return ErrDLQFull
	}

	d.events[failed.EventID] = failed
	d.enqueued++

	if d.cfg.OnEnqueue != nil {
		d.cfg.OnEnqueue(failed)
	}
	return nil
}

// Get returns a dead-lettered event by id.
func (d *InMemoryDLQ) Get(_ context.Context, eventID string) (*FailedEvent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	fe, ok := d.events[eventID]
	if !ok {
		return nil, ErrNotInDLQ
	}
	cp := *fe
	return &cp, nil
}

// List returns up to limit events, oldest failure first. A limit <= 0
// returns everything.
func (d *InMemoryDLQ) List(_ context.Context, limit int) ([]*FailedEvent, error) {
	d.mu.RLock()
	out := make([]*FailedEvent, 0, len(d.events))
	for _, fe := range d.events {
		cp := *fe
		out = append(out, &cp)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstFailedAt.Equal(out[j].FirstFailedAt) {
			return out[i].EventID < out[j].EventID
		}
		return out[i].FirstFailedAt.Before(out[j].FirstFailedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Remove deletes an event once it has been handled.
func (d *InMemoryDLQ) Remove(_ context.Context, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.events[eventID]; !ok {
		return ErrNotInDLQ
	}
	delete(d.events, eventID)
	d.removed++
	return nil
}

// Count returns the number of events in the queue.
func (d *InMemoryDLQ) Count(_ context.Context) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.events), nil
}

// CountByTopic returns counts grouped by topic.
func (d *InMemoryDLQ) CountByTopic(_ context.Context) (map[string]int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	counts := make(map[string]int)
	for _, fe := range d.events {
		counts[fe.Topic]++
	}
	return counts, nil
}

// OnHandlerError dead-letters a failed subscription. It has the shape of
// BridgeConfig.OnHandlerError.
func (d *InMemoryDLQ) OnHandlerError(ctx context.Context, env *Envelope, herr *HandlerError) {
	fe := NewFailedEvent(env, herr.Err, "subscription", 1)
	fe.Metadata = map[string]any{"subscription_id": herr.SubscriptionID}
	_ = d.Enqueue(ctx, fe)
}

// Stats returns DLQ statistics.
func (d *InMemoryDLQ) Stats() DLQStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return DLQStats{
		QueueSize: len(d.events),
		Enqueued:  d.enqueued,
		Removed:   d.removed,
	}
}

// DLQStats provides statistics about the DLQ.
type DLQStats struct {
	QueueSize int   // Current DLQ size
	Enqueued  int64 // Total events enqueued
	Removed   int64 // Total events removed
}
