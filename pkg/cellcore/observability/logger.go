// Package observability provides the logging, metrics and tracing hooks
// shared by the consistency core.
//
// Features:
//   - Structured logging via slog
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// NewLogger builds a text logger writing to w at the named level
// ("debug", "info", "warn", "error"). Unknown levels fall back to info.
// A nil writer means stdout.
func NewLogger(level string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EnrichLogger adds flow context to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, "corr-123", "order.created.v1")
//	enriched.Info("dispatching") // includes correlation_id and topic
func EnrichLogger(logger *slog.Logger, correlationID, topic string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("correlation_id", correlationID),
		slog.String("topic", topic),
	)
}

// LogPublish logs an accepted publish.
func LogPublish(logger *slog.Logger, topic, eventID, correlationID string, handlers int) {
	if logger == nil {
		return
	}
	logger.Debug("event published",
		slog.String("topic", topic),
		slog.String("event_id", eventID),
		slog.String("correlation_id", correlationID),
		slog.Int("handlers", handlers),
	)
}

// LogHandlerError logs a subscriber failure. The publisher never sees it.
func LogHandlerError(logger *slog.Logger, topic, eventID string, subscriptionID uint64, err error) {
	if logger == nil {
		return
	}
	logger.Error("event handler failed",
		slog.String("topic", topic),
		slog.String("event_id", eventID),
		slog.Uint64("subscription_id", subscriptionID),
		slog.String("error", err.Error()),
	)
}

// LogCompensationStep logs the outcome of one undo action.
func LogCompensationStep(logger *slog.Logger, correlationID, step string, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Error("compensation step failed, flow is STUCK",
			slog.String("correlation_id", correlationID),
			slog.String("step", step),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Debug("compensation step completed",
		slog.String("correlation_id", correlationID),
		slog.String("step", step),
	)
}

// LogCompensationDone logs the end of a compensation run.
func LogCompensationDone(logger *slog.Logger, correlationID, status, reason string, steps, failed int) {
	if logger == nil {
		return
	}
	logger.Info("compensation finished",
		slog.String("correlation_id", correlationID),
		slog.String("status", status),
		slog.String("reason", reason),
		slog.Int("steps", steps),
		slog.Int("failed", failed),
	)
}

// LogOutboxFailure logs a failed relay attempt.
func LogOutboxFailure(logger *slog.Logger, eventID, topic string, retry int, dead bool, err error) {
	if logger == nil {
		return
	}
	level := slog.LevelWarn
	if dead {
		level = slog.LevelError
	}
	logger.Log(context.Background(), level, "outbox publish failed",
		slog.String("event_id", eventID),
		slog.String("topic", topic),
		slog.Int("retry_count", retry),
		slog.Bool("dead", dead),
		slog.String("error", err.Error()),
	)
}

// LogIntegrityBreak logs an audit chain verification failure.
func LogIntegrityBreak(logger *slog.Logger, tenantID, chainID, brokenAt, reason string) {
	if logger == nil {
		return
	}
	logger.Error("audit chain integrity break",
		slog.String("tenant_id", tenantID),
		slog.String("chain_id", chainID),
		slog.String("broken_at", brokenAt),
		slog.String("reason", reason),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	elapsed := done()
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}
