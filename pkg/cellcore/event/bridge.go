package event

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	cerrors "github.com/randalmurphal/cellcore/pkg/cellcore/errors"
	"github.com/randalmurphal/cellcore/pkg/cellcore/observability"
)

// AllTopics subscribes a handler to every topic.
const AllTopics = "*"

// Gate decides whether the bridge may accept publishes yet.
// contract.Registry implements it.
type Gate interface {
	Enforced() bool
}

// BridgeConfig configures bridge behavior.
type BridgeConfig struct {
	// MaxConcurrentHandlers bounds handler goroutines across all publishes.
	// Default: 64
	MaxConcurrentHandlers int64

	// HandlerTimeout bounds each handler invocation.
	// Default: 0 (no timeout)
	HandlerTimeout time.Duration

	// LedgerLimit caps the in-memory saga ledger. Zero uses the default,
	// a negative value keeps every entry.
	// Default: 10000
	LedgerLimit int

	// OnHandlerError is called for every failed or panicking handler.
	OnHandlerError func(ctx context.Context, env *Envelope, err *HandlerError)
}

// DefaultBridgeConfig provides reasonable defaults.
var DefaultBridgeConfig = BridgeConfig{
	MaxConcurrentHandlers: 64,
	LedgerLimit:           10000,
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithLogger sets the bridge logger.
func WithLogger(logger *slog.Logger) BridgeOption {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) BridgeOption {
	return func(b *Bridge) {
		b.metrics = m
	}
}

// WithSpans sets the span manager.
func WithSpans(s observability.SpanManager) BridgeOption {
	return func(b *Bridge) {
		b.spans = s
	}
}

// WithGate refuses publishes until gate reports enforcement.
func WithGate(g Gate) BridgeOption {
	return func(b *Bridge) {
		b.gate = g
	}
}

// WithClock overrides the time source used for ledger timestamps.
func WithClock(now func() time.Time) BridgeOption {
	return func(b *Bridge) {
		b.now = now
	}
}

type subscription struct {
	id      uint64
	topic   string
	handler Handler
}

// Bridge is the in-process event bus between cells.
//
// Publish records a SUCCESS ledger entry, then starts every handler that is
// subscribed at that moment on its own goroutine. The number of running
// handlers is bounded by a semaphore shared by all publishes; slots are
// taken in subscription order off the publisher's goroutine, so Publish
// never waits for capacity. Publishes made from inside a handler start
// their handlers outside the pool. The returned Delivery completes when
// every handler has finished.
type Bridge struct {
	cfg BridgeConfig

	mu       sync.RWMutex
	subs     map[string][]*subscription
	nextID   uint64
	closed   bool
	inflight sync.WaitGroup

	sem    *semaphore.Weighted
	ledger *Ledger
	gate   Gate

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	now     func() time.Time
}

// NewBridge creates a bridge.
func NewBridge(cfg BridgeConfig, opts ...BridgeOption) *Bridge {
	if cfg.MaxConcurrentHandlers <= 0 {
		cfg.MaxConcurrentHandlers = DefaultBridgeConfig.MaxConcurrentHandlers
	}
	limit := cfg.LedgerLimit
	switch {
	case limit == 0:
		limit = DefaultBridgeConfig.LedgerLimit
	case limit < 0:
		limit = 0
	}

	b := &Bridge{
		cfg:     cfg,
		subs:    make(map[string][]*subscription),
		sem:     semaphore.NewWeighted(cfg.MaxConcurrentHandlers),
		ledger:  NewLedger(limit),
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for topic. Handlers for the same topic run in
// subscription order of start; AllTopics handlers start after topic handlers.
func (b *Bridge) Subscribe(topic string, handler Handler) Unsubscribe {
	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, topic: topic, handler: handler}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(topic, sub.id) })
	}
}

func (b *Bridge) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.subs[topic]
	next := make([]*subscription, 0, len(cur))
	for _, s := range cur {
		if s.id != id {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(b.subs, topic)
		return
	}
	b.subs[topic] = next
}

// snapshotLocked copies the handler list for topic. Caller holds b.mu.
func (b *Bridge) snapshotLocked(topic string) []*subscription {
	direct := b.subs[topic]
	var wild []*subscription
	if topic != AllTopics {
		wild = b.subs[AllTopics]
	}
	out := make([]*subscription, 0, len(direct)+len(wild))
	out = append(out, direct...)
	return append(out, wild...)
}

func (b *Bridge) admit(topic string, env *Envelope) error {
	if b.gate != nil && !b.gate.Enforced() {
		return ErrTopologyNotEnforced
	}
	if err := env.Validate(); err != nil {
		return err
	}
	if env.EventName != topic {
		return fmt.Errorf("%w: envelope %q on topic %q", ErrTopicMismatch, env.EventName, topic)
	}
	return nil
}

// Publish delivers env to every handler subscribed to topic.
//
// The returned error is non-nil only when the publish itself is refused:
// closed bridge, closed topology gate, invalid envelope or topic mismatch.
// Handler failures are reported through the ledger, the logger and
// BridgeConfig.OnHandlerError, and are visible on the Delivery.
func (b *Bridge) Publish(ctx context.Context, topic string, env *Envelope) (*Delivery, error) {
	if err := b.admit(topic, env); err != nil {
		b.metrics.RecordPublish(ctx, topic, 0, err)
		return nil, err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		b.metrics.RecordPublish(ctx, topic, 0, ErrBridgeClosed)
		return nil, ErrBridgeClosed
	}
	handlers := b.snapshotLocked(topic)
	b.inflight.Add(len(handlers))
	b.mu.RUnlock()

	ctx, span := b.spans.StartPublishSpan(ctx, topic, env.Trace.CorrelationID)
	defer b.spans.EndSpanWithError(span, nil)

	b.ledger.Append(SagaLogEntry{
		CorrelationID: env.Trace.CorrelationID,
		Step:          topic,
		Status:        LedgerSuccess,
		Details:       "From: " + env.Producer,
		Timestamp:     b.now(),
	})

	d := newDelivery(env, topic, len(handlers))

	// Handlers outlive Publish; keep trace values but drop cancellation.
	hctx := context.WithoutCancel(ctx)
	if inHandler(ctx) {
		// The publishing handler already holds a slot. Waiting for another
		// one could deadlock once every slot is held by such a publisher.
		for i, sub := range handlers {
			go b.dispatch(hctx, d, i, sub, env, false)
		}
	} else if len(handlers) > 0 {
		go b.start(hctx, d, handlers, env)
	}

	b.metrics.RecordPublish(ctx, topic, len(handlers), nil)
	observability.LogPublish(b.logger, topic, env.EventID, env.Trace.CorrelationID, len(handlers))
	return d, nil
}

// PublishAndWait publishes and blocks until every handler has finished or
// ctx is done.
func (b *Bridge) PublishAndWait(ctx context.Context, topic string, env *Envelope) ([]HandlerResult, error) {
	d, err := b.Publish(ctx, topic, env)
	if err != nil {
		return nil, err
	}
	return d.Wait(ctx)
}

type handlerCtxKey struct{}

func inHandler(ctx context.Context) bool {
	v, _ := ctx.Value(handlerCtxKey{}).(bool)
	return v
}

// start acquires a pool slot for each handler in subscription order and
// launches it. ctx is never canceled, so Acquire only returns once a slot
// is free.
func (b *Bridge) start(ctx context.Context, d *Delivery, handlers []*subscription, env *Envelope) {
	for i, sub := range handlers {
		_ = b.sem.Acquire(ctx, 1)
		go b.dispatch(ctx, d, i, sub, env, true)
	}
}

func (b *Bridge) dispatch(ctx context.Context, d *Delivery, idx int, sub *subscription, env *Envelope, pooled bool) {
	if pooled {
		defer b.sem.Release(1)
	}
	ctx = context.WithValue(ctx, handlerCtxKey{}, true)
	elapsed := observability.TimedOperation()
	err := b.invoke(ctx, sub, env)
	b.complete(ctx, d, idx, sub, env, elapsed(), err)
}

func (b *Bridge) invoke(ctx context.Context, sub *subscription, env *Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &cerrors.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	if b.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.HandlerTimeout)
		defer cancel()
	}
	return sub.handler(ctx, env)
}

func (b *Bridge) complete(ctx context.Context, d *Delivery, idx int, sub *subscription, env *Envelope, dur time.Duration, err error) {
	defer b.inflight.Done()

	res := HandlerResult{SubscriptionID: sub.id, Duration: dur}
	if err != nil {
		herr := &HandlerError{
			Topic:          d.Topic,
			EventID:        env.EventID,
			CorrelationID:  env.Trace.CorrelationID,
			SubscriptionID: sub.id,
			Err:            err,
			Timestamp:      b.now(),
		}
		res.Err = herr

		b.ledger.Append(SagaLogEntry{
			CorrelationID: env.Trace.CorrelationID,
			Step:          d.Topic,
			Status:        LedgerFailed,
			Details:       herr.Error(),
			Timestamp:     herr.Timestamp,
		})
		observability.LogHandlerError(b.logger, d.Topic, env.EventID, sub.id, err)
		b.notifyHandlerError(ctx, env, herr)
	}

	b.metrics.RecordHandler(ctx, d.Topic, dur, err)
	d.finish(idx, res)
}

func (b *Bridge) notifyHandlerError(ctx context.Context, env *Envelope, herr *HandlerError) {
	if b.cfg.OnHandlerError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler error hook panicked",
				"event_id", env.EventID,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	b.cfg.OnHandlerError(ctx, env, herr)
}

// RecordStep appends an entry to the saga ledger. The compensation saga
// uses it to record COMPENSATED and FAILED undo steps.
func (b *Bridge) RecordStep(entry SagaLogEntry) SagaLogEntry {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = b.now()
	}
	return b.ledger.Append(entry)
}

// History returns the saga ledger for correlationID in append order.
// An empty correlationID returns the whole ledger.
func (b *Bridge) History(correlationID string) []SagaLogEntry {
	return b.ledger.History(correlationID)
}

// Topics returns the topics that currently have subscribers, sorted.
func (b *Bridge) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	topics := make([]string, 0, len(b.subs))
	for t := range b.subs {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// SubscriberCount returns the number of handlers a publish on topic would
// start, including AllTopics subscribers.
func (b *Bridge) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.snapshotLocked(topic))
}

// Close stops accepting publishes and waits for running handlers to finish
// or ctx to be done.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandlerResult is the outcome of one handler for one publish.
type HandlerResult struct {
	SubscriptionID uint64
	Duration       time.Duration

	// Err is nil on success, otherwise a *HandlerError.
	Err error
}

// Delivery tracks the handlers started by one Publish.
type Delivery struct {
	EventID       string
	Topic         string
	CorrelationID string

	results []HandlerResult
	pending atomic.Int64
	done    chan struct{}
}

func newDelivery(env *Envelope, topic string, n int) *Delivery {
	d := &Delivery{
		EventID:       env.EventID,
		Topic:         topic,
		CorrelationID: env.Trace.CorrelationID,
		results:       make([]HandlerResult, n),
		done:          make(chan struct{}),
	}
	d.pending.Store(int64(n))
	if n == 0 {
		close(d.done)
	}
	return d
}

func (d *Delivery) finish(idx int, res HandlerResult) {
	d.results[idx] = res
	if d.pending.Add(-1) == 0 {
		close(d.done)
	}
}

// Handlers returns the number of handlers the publish started.
func (d *Delivery) Handlers() int {
	return len(d.results)
}

// Done is closed once every handler has finished.
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until every handler has finished or ctx is done.
// Results are in handler start order.
func (d *Delivery) Wait(ctx context.Context) ([]HandlerResult, error) {
	select {
	case <-d.done:
		out := make([]HandlerResult, len(d.results))
		copy(out, d.results)
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
