package retry_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/randalmurphal/cellcore/pkg/cellcore/errors"
	"github.com/randalmurphal/cellcore/pkg/cellcore/retry"
)

// recordingSleeper records requested delays without waiting.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newExecutor(cfg retry.Config) (*retry.Executor, *recordingSleeper) {
	s := &recordingSleeper{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return retry.New(cfg, retry.WithSleeper(s.sleep), retry.WithLogger(logger)), s
}

func TestExecute_SucceedsOnThirdAttempt(t *testing.T) {
	exec, sleeper := newExecutor(retry.DefaultConfig)

	calls := 0
	finalCalls := 0
	res := exec.Execute(context.Background(), "reserve", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("lock contention")
		}
		return nil
	}, func(error) { finalCalls++ })

	assert.True(t, res.OK)
	assert.Equal(t, 3, res.Attempts)
	assert.NoError(t, res.Err)
	assert.Zero(t, finalCalls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.delays)
}

func TestExecute_ExhaustsAttempts(t *testing.T) {
	exec, sleeper := newExecutor(retry.DefaultConfig)

	boom := errors.New("gateway down")
	calls := 0
	var finalErrs []error
	res := exec.Execute(context.Background(), "charge", func(context.Context) error {
		calls++
		return boom
	}, func(err error) { finalErrs = append(finalErrs, err) })

	assert.False(t, res.OK)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, res.Attempts)
	require.Len(t, finalErrs, 1)
	assert.Same(t, boom, finalErrs[0])
	assert.ErrorIs(t, res.Err, boom)
	assert.Len(t, sleeper.delays, 2, "no delay after the last attempt")

	var cat *cerrors.CategorizedError
	require.ErrorAs(t, res.Err, &cat)
	assert.Equal(t, 3, cat.Attempts)
	assert.Contains(t, cat.Context, "max attempts exceeded")
}

func TestExecute_PermanentErrorStopsImmediately(t *testing.T) {
	exec, sleeper := newExecutor(retry.DefaultConfig)

	declined := cerrors.Permanent(errors.New("card declined"), "charge")
	calls, finalCalls := 0, 0
	res := exec.Execute(context.Background(), "charge", func(context.Context) error {
		calls++
		return declined
	}, func(error) { finalCalls++ })

	assert.False(t, res.OK)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, finalCalls)
	assert.Empty(t, sleeper.delays)
}

func TestExecute_TransientErrorIsRetried(t *testing.T) {
	exec, _ := newExecutor(retry.Config{MaxAttempts: 2})

	calls := 0
	res := exec.Execute(context.Background(), "publish", func(context.Context) error {
		calls++
		return &cerrors.TimeoutError{Operation: "publish", Duration: time.Second}
	}, nil)

	assert.False(t, res.OK)
	assert.Equal(t, 2, calls)
}

func TestExecute_PanicIsRecovered(t *testing.T) {
	exec, _ := newExecutor(retry.DefaultConfig)

	calls := 0
	var finalErr error
	res := exec.Execute(context.Background(), "explode", func(context.Context) error {
		calls++
		panic("nil map")
	}, func(err error) { finalErr = err })

	assert.False(t, res.OK)
	assert.Equal(t, 1, calls, "panics are not retried")
	var perr *cerrors.PanicError
	assert.ErrorAs(t, finalErr, &perr)
}

func TestExecute_CancelledBeforeStart(t *testing.T) {
	exec, _ := newExecutor(retry.DefaultConfig)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	var finalErr error
	res := exec.Execute(ctx, "noop", func(context.Context) error {
		calls++
		return nil
	}, func(err error) { finalErr = err })

	assert.False(t, res.OK)
	assert.Zero(t, calls)
	assert.Zero(t, res.Attempts)
	assert.ErrorIs(t, finalErr, context.Canceled)
}

func TestExecute_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := retry.New(retry.DefaultConfig, retry.WithSleeper(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	boom := errors.New("flaky")
	finalCalls := 0
	var finalErr error
	res := exec.Execute(ctx, "flaky", func(context.Context) error { return boom }, func(err error) {
		finalCalls++
		finalErr = err
	})

	assert.False(t, res.OK)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, finalCalls)
	assert.Same(t, boom, finalErr, "the hook sees the action's error, not the cancellation")
}

func TestExecute_HookPanicDoesNotEscape(t *testing.T) {
	exec, _ := newExecutor(retry.Config{MaxAttempts: 1})
	assert.NotPanics(t, func() {
		exec.Execute(context.Background(), "x", func(context.Context) error {
			return errors.New("x")
		}, func(error) { panic("hook") })
	})
}

func TestDo(t *testing.T) {
	exec, _ := newExecutor(retry.DefaultConfig)

	calls := 0
	v, ok := retry.Do(context.Background(), exec, "lookup", func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("first try fails")
		}
		return "ring-42", nil
	}, nil)
	assert.True(t, ok)
	assert.Equal(t, "ring-42", v)

	v, ok = retry.Do(context.Background(), exec, "lookup", func(context.Context) (string, error) {
		return "partial", errors.New("always")
	}, nil)
	assert.False(t, ok)
	assert.Empty(t, v)
}

func TestDelay(t *testing.T) {
	exec := retry.New(retry.Config{BaseDelay: time.Second, MaxDelay: 5 * time.Second})

	assert.Equal(t, time.Second, exec.Delay(1))
	assert.Equal(t, 2*time.Second, exec.Delay(2))
	assert.Equal(t, 4*time.Second, exec.Delay(3))
	assert.Equal(t, 5*time.Second, exec.Delay(4))
	assert.Equal(t, 5*time.Second, exec.Delay(40))
	assert.Equal(t, time.Second, exec.Delay(0))
}

func TestJitterStaysInBounds(t *testing.T) {
	exec, sleeper := newExecutor(retry.Config{MaxAttempts: 20, BaseDelay: time.Second, MaxDelay: time.Second, Jitter: 0.5})
	exec.Execute(context.Background(), "jitter", func(context.Context) error { return errors.New("x") }, nil)

	require.Len(t, sleeper.delays, 19)
	for _, d := range sleeper.delays {
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestNew_Defaults(t *testing.T) {
	cfg := retry.New(retry.Config{}).Config()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.MaxDelay)
	assert.NotNil(t, cfg.RetryableFunc)
}
