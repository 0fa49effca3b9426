// Package retry runs actions with exponential backoff and hands the final
// failure to a single terminal hook.
//
// The terminal hook is the only link between retry policy and rollback
// policy: wire it to saga.OnFinalFailure and an exhausted action starts
// compensation of its flow.
//
//	exec := retry.New(retry.DefaultConfig, retry.WithLogger(logger))
//	res := exec.Execute(ctx, "reserve-stock", reserve, saga.OnFinalFailure(ctx, comp, corrID))
//	if !res.OK {
//	    // the flow is being compensated
//	}
//
// Errors classified transient are retried, as are errors nobody classified.
// Errors explicitly classified otherwise, panics and a cancelled context end
// the run at once.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"time"

	cerrors "github.com/randalmurphal/cellcore/pkg/cellcore/errors"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 3
	MaxAttempts int

	// BaseDelay is the delay after the first failed attempt. The delay
	// doubles after every further failure.
	// Default: 1s
	BaseDelay time.Duration

	// MaxDelay caps a single delay.
	// Default: 30s
	MaxDelay time.Duration

	// Jitter is the random jitter factor (0.0-1.0).
	// Default: 0
	Jitter float64

	// RetryableFunc optionally overrides the default retryability check.
	RetryableFunc func(error) bool
}

// DefaultConfig is the standard retry configuration: three attempts with
// 1s and 2s between them.
var DefaultConfig = Config{
	MaxAttempts: 3,
	BaseDelay:   1 * time.Second,
	MaxDelay:    30 * time.Second,
}

// Action is one attempt of a retried operation.
type Action func(ctx context.Context) error

// FinalFailureFunc receives the last error once every attempt has failed.
type FinalFailureFunc func(err error)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Result describes a finished Execute call.
type Result struct {
	// OK is true when an attempt succeeded.
	OK bool

	// Attempts is the number of attempts made.
	Attempts int

	// Err is the final *errors.CategorizedError when OK is false.
	Err error

	// Duration is the total time spent, including delays.
	Duration time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithSleeper replaces the wall-clock sleep between attempts.
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) {
		e.sleep = s
	}
}

// Executor runs actions under a retry policy. It is safe for concurrent use.
type Executor struct {
	cfg    Config
	logger *slog.Logger
	sleep  Sleeper
}

// New creates an executor. Zero config fields take DefaultConfig values.
func New(cfg Config, opts ...Option) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.RetryableFunc == nil {
		cfg.RetryableFunc = func(err error) bool { return !cerrors.IsTerminal(err) }
	}

	e := &Executor{
		cfg:    cfg,
		logger: slog.Default(),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Executor) Config() Config {
	return e.cfg
}

// Delay returns the delay after failed attempt n (1-based), without jitter:
// BaseDelay * 2^(n-1), capped at MaxDelay.
func (e *Executor) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := e.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.cfg.MaxDelay {
			return e.cfg.MaxDelay
		}
	}
	return min(d, e.cfg.MaxDelay)
}

func (e *Executor) backoff(attempt int) time.Duration {
	base := e.Delay(attempt)
	if e.cfg.Jitter <= 0 {
		return base
	}
	// base +/- (base * jitter * random)
	jitterAmount := float64(base) * e.cfg.Jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + jitterAmount)
}

// Execute runs action until it succeeds or the policy gives up. On giving up
// it calls onFinalFailure exactly once with the last error and returns a
// Result with OK false. Execute never panics on behalf of action.
func (e *Executor) Execute(ctx context.Context, name string, action Action, onFinalFailure FinalFailureFunc) Result {
	start := time.Now()
	var (
		lastErr  error
		attempts int
		reason   string
	)

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			reason = "context cancelled"
			break
		}

		attempts = attempt
		err := e.run(ctx, action)
		if err == nil {
			if attempt > 1 {
				e.logger.Info("operation succeeded after retry",
					slog.String("operation", name),
					slog.Int("attempts", attempt),
				)
			}
			return Result{OK: true, Attempts: attempt, Duration: time.Since(start)}
		}
		lastErr = err

		if !e.cfg.RetryableFunc(err) {
			reason = "not retryable"
			break
		}
		if attempt == e.cfg.MaxAttempts {
			reason = "max attempts exceeded"
			break
		}

		delay := e.backoff(attempt)
		e.logger.Warn("operation failed, retrying",
			slog.String("operation", name),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if serr := e.sleep(ctx, delay); serr != nil {
			reason = "context cancelled during backoff"
			break
		}
	}

	finalErr := &cerrors.CategorizedError{
		Err:      lastErr,
		Category: cerrors.Categorize(lastErr),
		Attempts: attempts,
		Context:  fmt.Sprintf("%s: %s", name, reason),
	}
	e.logger.Error("operation failed",
		slog.String("operation", name),
		slog.Int("attempts", attempts),
		slog.String("reason", reason),
		slog.String("error", lastErr.Error()),
	)
	e.finalFailure(name, onFinalFailure, lastErr)

	return Result{
		Attempts: attempts,
		Err:      finalErr,
		Duration: time.Since(start),
	}
}

func (e *Executor) run(ctx context.Context, action Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &cerrors.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return action(ctx)
}

func (e *Executor) finalFailure(name string, hook FinalFailureFunc, err error) {
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("final failure hook panicked",
				slog.String("operation", name),
				slog.Any("panic", r),
			)
		}
	}()
	hook(err)
}

// Do is Execute for actions that produce a value. ok is false when every
// attempt failed, in which case onFinalFailure has been called.
func Do[T any](ctx context.Context, e *Executor, name string, action func(ctx context.Context) (T, error), onFinalFailure FinalFailureFunc) (T, bool) {
	var out T
	res := e.Execute(ctx, name, func(ctx context.Context) error {
		v, err := action(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, onFinalFailure)
	if !res.OK {
		var zero T
		return zero, false
	}
	return out, true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
