package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/randalmurphal/cellcore/pkg/cellcore/event"
	"github.com/randalmurphal/cellcore/pkg/cellcore/observability"
)

// Reservation defaults for Guard.Execute.
const (
	// DefaultReservationTTL bounds how long a crashed holder blocks a key.
	DefaultReservationTTL = 5 * time.Minute

	// DefaultPollInterval is how often a waiter rechecks a reserved key.
	DefaultPollInterval = 25 * time.Millisecond
)

// Outcome is the result of Guard.Execute.
type Outcome struct {
	// Result is the operation's output, either fresh or from the stored key.
	Result []byte

	// Duplicate is true when this caller did not run the operation.
	Duplicate bool
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithGuardLogger sets the guard logger.
func WithGuardLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) {
		g.logger = logger
	}
}

// WithGuardMetrics sets the metrics recorder.
func WithGuardMetrics(m observability.MetricsRecorder) GuardOption {
	return func(g *Guard) {
		g.metrics = m
	}
}

// WithGuardClock overrides the time source for key creation times.
func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		g.now = now
	}
}

// WithReservation sets how long an Execute reservation lives and how often
// other callers poll it. Zero values keep the defaults.
func WithReservation(ttl, poll time.Duration) GuardOption {
	return func(g *Guard) {
		if ttl > 0 {
			g.reservationTTL = ttl
		}
		if poll > 0 {
			g.pollInterval = poll
		}
	}
}

// Guard checks and records processed operations.
type Guard struct {
	store   Store
	group   singleflight.Group
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	now     func() time.Time

	reservationTTL time.Duration
	pollInterval   time.Duration
}

// NewGuard creates a guard over store.
func NewGuard(store Store, opts ...GuardOption) *Guard {
	g := &Guard{
		store:   store,
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		now:     func() time.Time { return time.Now().UTC() },

		reservationTTL: DefaultReservationTTL,
		pollInterval:   DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IsDuplicate reports whether hashKey has an unexpired record, finished or
// reserved. Call it before executing side effects.
func (g *Guard) IsDuplicate(ctx context.Context, hashKey string) (bool, error) {
	_, err := g.store.Get(ctx, hashKey)
	switch {
	case err == nil:
		g.metrics.RecordIdempotency(ctx, true)
		return true, nil
	case errors.Is(err, ErrNotFound):
		g.metrics.RecordIdempotency(ctx, false)
		return false, nil
	default:
		return false, err
	}
}

// SaveKey records a processed operation. Call it only after the side
// effect has durably committed. Saving a key that is already recorded is
// not an error.
func (g *Guard) SaveKey(ctx context.Context, key Key) error {
	if key.HashKey == "" {
		return errors.New("idempotency key hash is required")
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = g.now()
	}
	if err := g.store.Put(ctx, key); err != nil && !errors.Is(err, ErrKeyExists) {
		return err
	}
	return nil
}

// Lookup returns the stored key for hashKey or ErrNotFound.
func (g *Guard) Lookup(ctx context.Context, hashKey string) (*Key, error) {
	return g.store.Get(ctx, hashKey)
}

// Execute runs fn at most once per unexpired hashKey.
//
// Callers in one process with the same hashKey share one in-flight call.
// Across processes the store arbitrates: the caller that reserves the key
// runs fn, the others poll until the reservation completes and return its
// result as a duplicate. A failing fn releases the reservation, so the
// operation can be retried. A reservation left by a crashed caller expires
// after the reservation TTL.
func (g *Guard) Execute(ctx context.Context, hashKey string, ttl time.Duration, fn func(ctx context.Context) ([]byte, error)) (Outcome, error) {
	ran := false
	v, err, _ := g.group.Do(hashKey, func() (any, error) {
		for {
			k, err := g.store.Get(ctx, hashKey)
			switch {
			case err == nil && !k.Pending:
				return k.Result, nil
			case err == nil:
				if err := g.poll(ctx); err != nil {
					return nil, fmt.Errorf("wait for reserved idempotency key: %w", err)
				}
				continue
			case !errors.Is(err, ErrNotFound):
				return nil, err
			}

			reservation := Key{HashKey: hashKey, TTL: g.reservationTTL, CreatedAt: g.now(), Pending: true}
			if err := g.store.Put(ctx, reservation); err != nil {
				if errors.Is(err, ErrKeyExists) {
					continue
				}
				return nil, fmt.Errorf("reserve idempotency key: %w", err)
			}

			ran = true
			return g.run(ctx, hashKey, ttl, fn)
		}
	})

	out := Outcome{Duplicate: !ran}
	if b, ok := v.([]byte); ok {
		out.Result = b
	}
	if err != nil {
		return out, err
	}
	g.metrics.RecordIdempotency(ctx, out.Duplicate)
	return out, nil
}

// run executes fn under a held reservation and completes or releases it.
func (g *Guard) run(ctx context.Context, hashKey string, ttl time.Duration, fn func(ctx context.Context) ([]byte, error)) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.release(ctx, hashKey)
			panic(r)
		}
	}()

	result, err = fn(ctx)
	if err != nil {
		g.release(ctx, hashKey)
		return nil, err
	}

	key := Key{HashKey: hashKey, TTL: ttl, CreatedAt: g.now(), Result: result}
	if err := g.store.Complete(ctx, key); err != nil {
		return result, fmt.Errorf("save idempotency key after commit: %w", err)
	}
	return result, nil
}

func (g *Guard) release(ctx context.Context, hashKey string) {
	if err := g.store.Delete(context.WithoutCancel(ctx), hashKey); err != nil {
		g.logger.Warn("idempotency reservation not released",
			slog.String("hash_key", hashKey),
			slog.String("error", err.Error()),
		)
	}
}

func (g *Guard) poll(ctx context.Context) error {
	t := time.NewTimer(g.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RunSweeper removes expired keys every interval until ctx is done.
func (g *Guard) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := g.store.Sweep(ctx, g.now())
			if err != nil {
				g.logger.Warn("idempotency sweep failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				g.logger.Debug("idempotency keys swept", slog.Int("removed", n))
			}
		}
	}
}

// EventKey is the hash key of one event as seen by one consumer.
func EventKey(consumer string, env *event.Envelope) (string, error) {
	return HashKey(env.EventName,
		map[string]string{"consumer": consumer},
		map[string]string{"event_id": env.EventID},
	)
}

// Middleware makes an event handler apply each event at most once per
// consumer. Redelivered events, such as outbox retries, are dropped.
func Middleware(g *Guard, consumer string, ttl time.Duration) event.Middleware {
	return func(next event.Handler) event.Handler {
		return func(ctx context.Context, env *event.Envelope) error {
			key, err := EventKey(consumer, env)
			if err != nil {
				return err
			}
			out, err := g.Execute(ctx, key, ttl, func(ctx context.Context) ([]byte, error) {
				return nil, next(ctx, env)
			})
			if err != nil {
				return err
			}
			if out.Duplicate {
				g.logger.Debug("duplicate event dropped",
					slog.String("consumer", consumer),
					slog.String("event_id", env.EventID),
					slog.String("topic", env.EventName),
				)
			}
			return nil
		}
	}
}
