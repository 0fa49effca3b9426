package event_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/cellcore/pkg/cellcore/event"
)

func TestInMemoryDLQ(t *testing.T) {
	ctx := context.Background()
	var enqueued int
	dlq := event.NewInMemoryDLQ(event.DLQConfig{
		MaxSize:   2,
		OnEnqueue: func(*event.FailedEvent) { enqueued++ },
	})

	first := event.NewFailedEvent(newEnv("a.b"), errors.New("first"), "outbox", 5)
	second := event.NewFailedEvent(newEnv("c.d"), errors.New("second"), "outbox", 5)
	second.FirstFailedAt = first.FirstFailedAt.Add(time.Second)

	require.NoError(t, dlq.Enqueue(ctx, second))
	require.NoError(t, dlq.Enqueue(ctx, first))
	assert.ErrorIs(t, dlq.Enqueue(ctx, event.NewFailedEvent(newEnv("e.f"), nil, "outbox", 1)), event.ErrDLQFull)

	// Re-enqueueing a known event merges instead of growing the queue.
	again := *first
	again.ErrorMessage = "again"
	again.AttemptCount = 7
	require.NoError(t, dlq.Enqueue(ctx, &again))

	count, err := dlq.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 2, enqueued)

	list, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.EventID, list[0].EventID)
	assert.Equal(t, "again", list[0].ErrorMessage)
	assert.Equal(t, 7, list[0].AttemptCount)

	limited, err := dlq.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	byTopic, err := dlq.CountByTopic(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a.b": 1, "c.d": 1}, byTopic)

	require.NoError(t, dlq.Remove(ctx, first.EventID))
	assert.ErrorIs(t, dlq.Remove(ctx, first.EventID), event.ErrNotInDLQ)
	_, err = dlq.Get(ctx, first.EventID)
	assert.ErrorIs(t, err, event.ErrNotInDLQ)

	stats := dlq.Stats()
	assert.Equal(t, 1, stats.QueueSize)
	assert.Equal(t, int64(2), stats.Enqueued)
	assert.Equal(t, int64(1), stats.Removed)
}

func TestLedger_History(t *testing.T) {
	l := event.NewLedger(0)
	l.Append(event.SagaLogEntry{CorrelationID: "a", Step: "one", Status: event.LedgerSuccess})
	l.Append(event.SagaLogEntry{CorrelationID: "b", Step: "two", Status: event.LedgerSuccess})
	l.Append(event.SagaLogEntry{CorrelationID: "a", Step: "three", Status: event.LedgerFailed})

	a := l.History("a")
	require.Len(t, a, 2)
	assert.Equal(t, "one", a[0].Step)
	assert.Equal(t, "three", a[1].Step)
	assert.Equal(t, 3, l.Len())

	// History returns a copy.
	a[0].Step = "mutated"
	assert.Equal(t, "one", l.History("a")[0].Step)
}
