package idempotency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRemaining(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	fresh := Key{HashKey: "h", TTL: time.Hour, CreatedAt: now}
	assert.Equal(t, time.Hour, remaining(fresh, now))

	aged := Key{HashKey: "h", TTL: time.Hour, CreatedAt: now.Add(-45 * time.Minute)}
	assert.Equal(t, 15*time.Minute, remaining(aged, now))

	stale := Key{HashKey: "h", TTL: time.Hour, CreatedAt: now.Add(-2 * time.Hour)}
	assert.LessOrEqual(t, remaining(stale, now), time.Duration(0))
}
