// Package main runs the outbox relay, the idempotency key sweeper and the
// periodic audit chain verification against a shared database.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/randalmurphal/cellcore/pkg/cellcore/audit"
	"github.com/randalmurphal/cellcore/pkg/cellcore/config"
	"github.com/randalmurphal/cellcore/pkg/cellcore/contract"
	"github.com/randalmurphal/cellcore/pkg/cellcore/event"
	"github.com/randalmurphal/cellcore/pkg/cellcore/idempotency"
	"github.com/randalmurphal/cellcore/pkg/cellcore/observability"
	"github.com/randalmurphal/cellcore/pkg/cellcore/outbox"
	"github.com/randalmurphal/cellcore/pkg/cellcore/sqlstore"
)

// Config holds the relay process configuration.
type Config struct {
	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	DatabaseURL    string `env:"DATABASE_URL" envDefault:"file:cellcore.db"`

	// RedisAddr enables the stream publisher when set.
	RedisAddr   string `env:"REDIS_ADDR"`
	RedisStream string `env:"REDIS_STREAM" envDefault:"cellcore:events"`

	RelayInterval time.Duration `env:"RELAY_INTERVAL" envDefault:"1s"`
	// RelayBatchSize overrides relay.batch_size from ConfigFiles when set.
	RelayBatchSize int `env:"RELAY_BATCH_SIZE"`
	// RelayRateLimit caps publishes per second; 0 disables the limiter.
	RelayRateLimit float64 `env:"RELAY_RATE_LIMIT" envDefault:"0"`

	AuditVerifyInterval time.Duration `env:"AUDIT_VERIFY_INTERVAL" envDefault:"5m"`
	// AuditChains lists the chains to verify as tenant/chain pairs.
	AuditChains []string `env:"AUDIT_CHAINS" envSeparator:","`

	IdempotencySweepInterval time.Duration `env:"IDEMPOTENCY_SWEEP_INTERVAL" envDefault:"1m"`

	ContractsFile string `env:"CONTRACTS_FILE"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	// ConfigFiles are YAML or JSON files with component tunables, merged
	// in order.
	ConfigFiles []string `env:"CONFIG_FILES" envSeparator:","`
}

// tunables are the component settings read from ConfigFiles.
type tunables struct {
	relay       outbox.RelayConfig
	bridge      event.BridgeConfig
	streamLen   int64
	dlqSize     int
	redisPrefix string
}

func loadTunables(fc config.Config) tunables {
	relay := fc.Sub("relay")
	bridge := fc.Sub("bridge")
	def := outbox.DefaultRelayConfig
	return tunables{
		relay: outbox.RelayConfig{
			BatchSize:  relay.Int("batch_size", def.BatchSize),
			MaxRetries: relay.Int("max_retries", def.MaxRetries),
			BaseDelay:  relay.Duration("base_delay", def.BaseDelay),
			MaxDelay:   relay.Duration("max_delay", def.MaxDelay),
			Deadline:   relay.Duration("deadline", def.Deadline),
			Lease:      relay.Duration("lease", def.Lease),
		},
		bridge: event.BridgeConfig{
			MaxConcurrentHandlers: int64(bridge.Int("max_concurrent_handlers", int(event.DefaultBridgeConfig.MaxConcurrentHandlers))),
			HandlerTimeout:        bridge.Duration("handler_timeout", 0),
			LedgerLimit:           bridge.Int("ledger_limit", event.DefaultBridgeConfig.LedgerLimit),
		},
		streamLen:   int64(relay.Int("redis.max_len", 0)),
		dlqSize:     fc.Int("dead_letters.max_size", event.DefaultDLQConfig.MaxSize),
		redisPrefix: fc.String("idempotency.redis_prefix", ""),
	}
}

type chainRef struct {
	tenantID string
	chainID  string
}

func parseChains(refs []string) ([]chainRef, error) {
	out := make([]chainRef, 0, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		tenant, chain, found := strings.Cut(ref, "/")
		if !found {
			chain = audit.DefaultChainID
		}
		if tenant == "" || chain == "" {
			return nil, fmt.Errorf("invalid audit chain %q: want tenant/chain", ref)
		}
		out = append(out, chainRef{tenantID: tenant, chainID: chain})
	}
	return out, nil
}

func main() {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := observability.NewLogger(cfg.LogLevel, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("relay stopped", slog.String("error", err.Error()))
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	contracts := contract.NewRegistry()
	if cfg.ContractsFile != "" {
		n, err := contracts.LoadManifestFile(cfg.ContractsFile)
		if err != nil {
			return err
		}
		logger.Info("contracts loaded", slog.Int("cells", n))
	}
	if err := contracts.EnforceTopology(); err != nil {
		return err
	}

	chains, err := parseChains(cfg.AuditChains)
	if err != nil {
		return err
	}

	fileCfg, err := config.Load(cfg.ConfigFiles...)
	if err != nil {
		return err
	}
	tune := loadTunables(fileCfg)
	if cfg.RelayBatchSize > 0 {
		tune.relay.BatchSize = cfg.RelayBatchSize
	}

	db, err := sqlstore.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	outboxStore, err := outbox.NewSQLStore(ctx, db)
	if err != nil {
		return err
	}
	auditStore, err := audit.NewSQLStore(ctx, db)
	if err != nil {
		return err
	}

	metrics := observability.NewMetricsRecorder()
	spans := observability.NewSpanManager()

	auditChain := audit.NewChain(auditStore,
		audit.WithLogger(logger),
		audit.WithMetrics(metrics),
	)

	bridgeCfg := tune.bridge
	bridgeCfg.OnHandlerError = audit.OnHandlerError(auditChain, "events")
	bridge := event.NewBridge(bridgeCfg,
		event.WithLogger(logger),
		event.WithMetrics(metrics),
		event.WithSpans(spans),
		event.WithGate(contracts),
	)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := bridge.Close(closeCtx); err != nil {
			logger.Warn("bridge close", slog.String("error", err.Error()))
		}
	}()

	publishers := outbox.MultiPublisher{outbox.BridgePublisher{Bridge: bridge}}

	var keyStore idempotency.Store
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		publishers = append(publishers, outbox.StreamPublisher{
			Client: client,
			Stream: cfg.RedisStream,
			MaxLen: tune.streamLen,
		})
		keyStore = idempotency.NewRedisStore(client, tune.redisPrefix)
	} else {
		keyStore, err = idempotency.NewSQLStore(ctx, db)
		if err != nil {
			return err
		}
	}
	guard := idempotency.NewGuard(keyStore,
		idempotency.WithGuardLogger(logger),
		idempotency.WithGuardMetrics(metrics),
	)

	relayCfg := tune.relay
	relayOpts := []outbox.RelayOption{
		outbox.WithRelayLogger(logger),
		outbox.WithRelayMetrics(metrics),
		outbox.WithRelaySpans(spans),
		outbox.WithDeadLetters(event.NewInMemoryDLQ(event.DLQConfig{MaxSize: tune.dlqSize})),
	}
	if cfg.RelayRateLimit > 0 {
		burst := max(int(cfg.RelayRateLimit), 1)
		relayOpts = append(relayOpts, outbox.WithLimiter(rate.NewLimiter(rate.Limit(cfg.RelayRateLimit), burst)))
	}
	relay := outbox.NewRelay(outboxStore, publishers, relayCfg, relayOpts...)

	logger.Info("relay starting",
		slog.String("driver", db.Dialect.Name),
		slog.Duration("interval", cfg.RelayInterval),
		slog.Int("batch_size", relayCfg.BatchSize),
		slog.Int("audit_chains", len(chains)),
		slog.Bool("redis", cfg.RedisAddr != ""),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relay.Run(ctx, cfg.RelayInterval)
	})
	g.Go(func() error {
		return guard.RunSweeper(ctx, cfg.IdempotencySweepInterval)
	})
	if len(chains) > 0 {
		g.Go(func() error {
			return verifyChains(ctx, auditChain, chains, cfg.AuditVerifyInterval, logger)
		})
	}

	err = g.Wait()
	logger.Info("relay stopped")
	return err
}

// verifyChains checks every chain at each interval. Broken chains are
// reported through the chain's alerter and never stop the loop.
func verifyChains(ctx context.Context, c *audit.Chain, chains []chainRef, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, ref := range chains {
			v, err := c.VerifyChain(ctx, ref.tenantID, ref.chainID)
			var integrityErr *audit.IntegrityError
			switch {
			case errors.As(err, &integrityErr):
			case err != nil:
				if ctx.Err() != nil {
					return nil
				}
				logger.Warn("audit verification failed",
					slog.String("tenant_id", ref.tenantID),
					slog.String("chain_id", ref.chainID),
					slog.String("error", err.Error()),
				)
			default:
				logger.Debug("audit chain verified",
					slog.String("tenant_id", ref.tenantID),
					slog.String("chain_id", ref.chainID),
					slog.Int("entries", v.TotalEntries),
				)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
