package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/cellcore/pkg/cellcore/config"
	"github.com/randalmurphal/cellcore/pkg/cellcore/event"
	"github.com/randalmurphal/cellcore/pkg/cellcore/outbox"
)

func TestParseChains(t *testing.T) {
	refs, err := parseChains([]string{"org-1/main", " org-2 ", "org-1/events", ""})
	require.NoError(t, err)
	assert.Equal(t, []chainRef{
		{tenantID: "org-1", chainID: "main"},
		{tenantID: "org-2", chainID: "main"},
		{tenantID: "org-1", chainID: "events"},
	}, refs)

	_, err = parseChains([]string{"/main"})
	assert.Error(t, err)
	_, err = parseChains([]string{"org-1/"})
	assert.Error(t, err)
}

func TestConfig_Env(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "pgx")
	t.Setenv("RELAY_INTERVAL", "250ms")
	t.Setenv("AUDIT_CHAINS", "org-1/main,org-2/main")

	var cfg Config
	require.NoError(t, config.ParseEnv(&cfg))
	assert.Equal(t, "pgx", cfg.DatabaseDriver)
	assert.Equal(t, 250*time.Millisecond, cfg.RelayInterval)
	assert.Equal(t, []string{"org-1/main", "org-2/main"}, cfg.AuditChains)
	assert.Zero(t, cfg.RelayBatchSize)
	assert.Equal(t, time.Minute, cfg.IdempotencySweepInterval)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadTunables(t *testing.T) {
	fc, err := config.FromYAML([]byte(`
relay:
  batch_size: 250
  base_delay: 500ms
  redis:
    max_len: 5000
bridge:
  max_concurrent_handlers: 8
  handler_timeout: 2s
dead_letters:
  max_size: 50
idempotency:
  redis_prefix: "atelier:idem:"
`))
	require.NoError(t, err)

	tune := loadTunables(fc)
	assert.Equal(t, 250, tune.relay.BatchSize)
	assert.Equal(t, 500*time.Millisecond, tune.relay.BaseDelay)
	assert.Equal(t, outbox.DefaultRelayConfig.MaxRetries, tune.relay.MaxRetries)
	assert.Equal(t, outbox.DefaultRelayConfig.Lease, tune.relay.Lease)
	assert.Equal(t, int64(5000), tune.streamLen)
	assert.Equal(t, int64(8), tune.bridge.MaxConcurrentHandlers)
	assert.Equal(t, 2*time.Second, tune.bridge.HandlerTimeout)
	assert.Equal(t, event.DefaultBridgeConfig.LedgerLimit, tune.bridge.LedgerLimit)
	assert.Equal(t, 50, tune.dlqSize)
	assert.Equal(t, "atelier:idem:", tune.redisPrefix)
}

func TestLoadTunables_Defaults(t *testing.T) {
	tune := loadTunables(config.New(nil))
	assert.Equal(t, outbox.DefaultRelayConfig, tune.relay)
	assert.Equal(t, event.DefaultDLQConfig.MaxSize, tune.dlqSize)
	assert.Empty(t, tune.redisPrefix)
}
