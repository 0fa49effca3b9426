package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/randalmurphal/cellcore/pkg/cellcore/event"
	"github.com/randalmurphal/cellcore/pkg/cellcore/observability"
	"github.com/randalmurphal/cellcore/pkg/cellcore/retry"
)

// RelayConfig configures relay behavior.
type RelayConfig struct {
	// BatchSize is the maximum number of events claimed per pass.
	// Default: 100
	BatchSize int

	// MaxRetries is the number of failed publishes after which an event
	// is marked dead.
	// Default: 5
	MaxRetries int

	// BaseDelay is the delay before the first retry; it doubles after
	// every further failure.
	// Default: 1s
	BaseDelay time.Duration

	// MaxDelay caps the retry delay.
	// Default: 5m
	MaxDelay time.Duration

	// Deadline bounds one ProcessPendingEvents pass.
	// Default: 30s
	Deadline time.Duration

	// Lease hides claimed events from other relays while they are being
	// published. It must exceed Deadline.
	// Default: 1m
	Lease time.Duration
}

// DefaultRelayConfig provides reasonable defaults.
var DefaultRelayConfig = RelayConfig{
	BatchSize:  100,
	MaxRetries: 5,
	BaseDelay:  1 * time.Second,
	MaxDelay:   5 * time.Minute,
	Deadline:   30 * time.Second,
	Lease:      1 * time.Minute,
}

// Report summarizes one relay pass.
type Report struct {
	Claimed   int
	Published int
	Failed    int
	Dead      int

	// Skipped counts claimed events left for a later pass because the
	// deadline expired. Their leases lapse on their own.
	Skipped int
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRelayLogger sets the relay logger.
func WithRelayLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) {
		r.logger = logger
	}
}

// WithRelayMetrics sets the metrics recorder.
func WithRelayMetrics(m observability.MetricsRecorder) RelayOption {
	return func(r *Relay) {
		r.metrics = m
	}
}

// WithRelaySpans sets the span manager.
func WithRelaySpans(s observability.SpanManager) RelayOption {
	return func(r *Relay) {
		r.spans = s
	}
}

// WithDeadLetters enqueues dead events in dlq.
func WithDeadLetters(dlq event.DeadLetterQueue) RelayOption {
	return func(r *Relay) {
		r.dlq = dlq
	}
}

// WithLimiter throttles publishes.
func WithLimiter(l *rate.Limiter) RelayOption {
	return func(r *Relay) {
		r.limiter = l
	}
}

// WithRelayClock overrides the time source.
func WithRelayClock(now func() time.Time) RelayOption {
	return func(r *Relay) {
		r.now = now
	}
}

// Relay moves events from a Store to a Publisher.
type Relay struct {
	store     Store
	publisher Publisher
	cfg       RelayConfig
	backoff   *retry.Executor

	// mu serializes passes within one process; leases cover other processes.
	mu sync.Mutex

	dlq     event.DeadLetterQueue
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	now     func() time.Time
}

// NewRelay creates a relay.
func NewRelay(store Store, publisher Publisher, cfg RelayConfig, opts ...RelayOption) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRelayConfig.BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultRelayConfig.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultRelayConfig.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultRelayConfig.MaxDelay
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultRelayConfig.Deadline
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultRelayConfig.Lease
	}

	r := &Relay{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		backoff:   retry.New(retry.Config{BaseDelay: cfg.BaseDelay, MaxDelay: cfg.MaxDelay}),
		logger:    slog.Default(),
		metrics:   observability.NoopMetrics{},
		spans:     observability.NoopSpanManager{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RetryDelay returns the delay scheduled after the nth failed publish.
func (r *Relay) RetryDelay(n int) time.Duration {
	return r.backoff.Delay(n)
}

// ProcessPendingEvents runs one relay pass: claim, publish, record.
//
// It is safe to call repeatedly and concurrently with Save. Publish
// failures are recorded on the events, not returned; the error reports
// store failures only.
func (r *Relay) ProcessPendingEvents(ctx context.Context) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var report Report
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Deadline)
	defer cancel()

	batch, err := r.store.ClaimBatch(ctx, r.now(), r.cfg.BatchSize, r.cfg.Lease)
	if err != nil {
		return report, err
	}
	report.Claimed = len(batch)
	if len(batch) == 0 {
		return report, nil
	}

	ctx, span := r.spans.StartRelaySpan(ctx, len(batch))
	// Bookkeeping must land even when the pass deadline has expired.
	bookCtx := context.WithoutCancel(ctx)

	var errs []error
	for i, evt := range batch {
		if ctx.Err() != nil {
			report.Skipped = len(batch) - i
			break
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				report.Skipped = len(batch) - i
				break
			}
		}

		poison, perr := r.publish(ctx, evt)
		if perr == nil {
			if err := r.store.MarkPublished(bookCtx, evt.ID, r.now()); err != nil {
				errs = append(errs, err)
				continue
			}
			report.Published++
			r.spans.AddSpanEvent(ctx, "outbox.published",
				attribute.String("event.id", evt.ID),
				attribute.String("messaging.destination.name", evt.Topic),
			)
			continue
		}

		dead, err := r.recordFailure(bookCtx, evt, perr, poison)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if dead {
			report.Dead++
		} else {
			report.Failed++
		}
	}

	if report.Skipped > 0 {
		r.logger.Warn("outbox pass deadline reached",
			slog.Int("skipped", report.Skipped),
			slog.Duration("deadline", r.cfg.Deadline),
		)
	}

	r.metrics.RecordOutbox(ctx, observability.OutboxPublished, report.Published)
	r.metrics.RecordOutbox(ctx, observability.OutboxRetrying, report.Failed)
	r.metrics.RecordOutbox(ctx, observability.OutboxDead, report.Dead)

	err = errors.Join(errs...)
	r.spans.EndSpanWithError(span, err)
	return report, err
}

// publish reports whether the event can never succeed, and the publish error.
func (r *Relay) publish(ctx context.Context, evt *Event) (bool, error) {
	env, err := evt.Decode()
	if err != nil {
		return true, err
	}
	return false, r.publisher.Publish(ctx, evt, env)
}

func (r *Relay) recordFailure(ctx context.Context, evt *Event, perr error, poison bool) (bool, error) {
	now := r.now()
	failures := evt.RetryCount + 1
	dead := poison || failures >= r.cfg.MaxRetries

	f := Failure{Err: perr.Error(), At: now, Dead: dead}
	if !dead {
		f.NextAttemptAt = now.Add(r.backoff.Delay(failures))
	}
	if err := r.store.RecordFailure(ctx, evt.ID, f); err != nil {
		return false, err
	}
	observability.LogOutboxFailure(r.logger, evt.ID, evt.Topic, failures, dead, perr)

	if dead && r.dlq != nil {
		fe := &event.FailedEvent{
			EventID:       evt.ID,
			Topic:         evt.Topic,
			EventData:     evt.Envelope,
			Source:        "outbox",
			ErrorMessage:  perr.Error(),
			AttemptCount:  failures,
			FirstFailedAt: evt.CreatedAt,
			LastFailedAt:  now,
		}
		if env, err := evt.Decode(); err == nil {
			fe.TenantID = env.Tenant.OrgID
		}
		if err := r.dlq.Enqueue(ctx, fe); err != nil {
			r.logger.Error("dead letter enqueue failed",
				slog.String("event_id", evt.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return dead, nil
}

// Run processes pending events every interval until ctx is done.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		report, err := r.ProcessPendingEvents(ctx)
		if err != nil {
			r.logger.Error("outbox pass failed", slog.String("error", err.Error()))
		} else if report.Claimed > 0 {
			r.logger.Debug("outbox pass",
				slog.Int("claimed", report.Claimed),
				slog.Int("published", report.Published),
				slog.Int("failed", report.Failed),
				slog.Int("dead", report.Dead),
			)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Replay gives a dead or failed event a fresh retry budget and removes it
// from the dead letter queue.
func (r *Relay) Replay(ctx context.Context, eventID string) error {
	if err := r.store.Requeue(ctx, eventID, r.now()); err != nil {
		return fmt.Errorf("replay %s: %w", eventID, err)
	}
	if r.dlq != nil {
		if err := r.dlq.Remove(ctx, eventID); err != nil && !errors.Is(err, event.ErrNotInDLQ) {
			return fmt.Errorf("replay %s: %w", eventID, err)
		}
	}
	r.logger.Info("outbox event requeued", slog.String("event_id", eventID))
	return nil
}
