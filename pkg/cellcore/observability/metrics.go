package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Outbox relay outcomes reported to RecordOutbox.
const (
	OutboxPublished = "published"
	OutboxRetrying  = "retrying"
	OutboxDead      = "dead"
)

// MetricsRecorder records consistency-core metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records an accepted or refused publish.
	RecordPublish(ctx context.Context, topic string, handlers int, err error)

	// RecordHandler records one subscriber invocation.
	RecordHandler(ctx context.Context, topic string, duration time.Duration, err error)

	// RecordOutbox records relay outcomes for a number of outbox events.
	RecordOutbox(ctx context.Context, outcome string, count int)

	// RecordCompensation records a finished compensation run.
	RecordCompensation(ctx context.Context, status string, steps int, duration time.Duration)

	// RecordAuditAppend records an append call on an audit chain.
	RecordAuditAppend(ctx context.Context, chainID string, accepted, rejected int)

	// RecordIntegrityCheck records the result of a chain verification.
	RecordIntegrityCheck(ctx context.Context, chainID string, valid bool)

	// RecordIdempotency records a guard decision.
	RecordIdempotency(ctx context.Context, duplicate bool)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	publishes       metric.Int64Counter
	publishErrors   metric.Int64Counter
	handlerCalls    metric.Int64Counter
	handlerErrors   metric.Int64Counter
	handlerLatency  metric.Float64Histogram
	outboxEvents    metric.Int64Counter
	compensations   metric.Int64Counter
	compensationLat metric.Float64Histogram
	auditRecords    metric.Int64Counter
	integrityChecks metric.Int64Counter
	idempotency     metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("cellcore")
	m := &otelMetrics{}

	var err error
	if m.publishes, err = meter.Int64Counter("cellcore.bridge.publishes",
		metric.WithDescription("Number of accepted publishes"),
	); err != nil {
		return nil, err
	}
	if m.publishErrors, err = meter.Int64Counter("cellcore.bridge.publish_errors",
		metric.WithDescription("Number of refused publishes"),
	); err != nil {
		return nil, err
	}
	if m.handlerCalls, err = meter.Int64Counter("cellcore.bridge.handler_calls",
		metric.WithDescription("Number of subscriber invocations"),
	); err != nil {
		return nil, err
	}
	if m.handlerErrors, err = meter.Int64Counter("cellcore.bridge.handler_errors",
		metric.WithDescription("Number of failed subscriber invocations"),
	); err != nil {
		return nil, err
	}
	if m.handlerLatency, err = meter.Float64Histogram("cellcore.bridge.handler_latency_ms",
		metric.WithDescription("Subscriber latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.outboxEvents, err = meter.Int64Counter("cellcore.outbox.events",
		metric.WithDescription("Outbox events processed by the relay, by outcome"),
	); err != nil {
		return nil, err
	}
	if m.compensations, err = meter.Int64Counter("cellcore.saga.compensations",
		metric.WithDescription("Number of compensation runs"),
	); err != nil {
		return nil, err
	}
	if m.compensationLat, err = meter.Float64Histogram("cellcore.saga.compensation_latency_ms",
		metric.WithDescription("Compensation run latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.auditRecords, err = meter.Int64Counter("cellcore.audit.records",
		metric.WithDescription("Audit records by append result"),
	); err != nil {
		return nil, err
	}
	if m.integrityChecks, err = meter.Int64Counter("cellcore.audit.integrity_checks",
		metric.WithDescription("Audit chain verifications"),
	); err != nil {
		return nil, err
	}
	if m.idempotency, err = meter.Int64Counter("cellcore.idempotency.checks",
		metric.WithDescription("Idempotency guard decisions"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordPublish(ctx context.Context, topic string, handlers int, err error) {
	attrs := metric.WithAttributes(attribute.String("topic", topic))
	if err != nil {
		m.publishErrors.Add(ctx, 1, attrs)
		return
	}
	m.publishes.Add(ctx, 1, attrs)
}

func (m *otelMetrics) RecordHandler(ctx context.Context, topic string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("topic", topic))
	m.handlerCalls.Add(ctx, 1, attrs)
	m.handlerLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.handlerErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordOutbox(ctx context.Context, outcome string, count int) {
	if count <= 0 {
		return
	}
	m.outboxEvents.Add(ctx, int64(count), metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *otelMetrics) RecordCompensation(ctx context.Context, status string, steps int, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.Int("steps", steps),
	)
	m.compensations.Add(ctx, 1, attrs)
	m.compensationLat.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (m *otelMetrics) RecordAuditAppend(ctx context.Context, chainID string, accepted, rejected int) {
	if accepted > 0 {
		m.auditRecords.Add(ctx, int64(accepted), metric.WithAttributes(
			attribute.String("chain_id", chainID),
			attribute.Bool("accepted", true),
		))
	}
	if rejected > 0 {
		m.auditRecords.Add(ctx, int64(rejected), metric.WithAttributes(
			attribute.String("chain_id", chainID),
			attribute.Bool("accepted", false),
		))
	}
}

func (m *otelMetrics) RecordIntegrityCheck(ctx context.Context, chainID string, valid bool) {
	m.integrityChecks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("chain_id", chainID),
		attribute.Bool("valid", valid),
	))
}

func (m *otelMetrics) RecordIdempotency(ctx context.Context, duplicate bool) {
	m.idempotency.Add(ctx, 1, metric.WithAttributes(attribute.Bool("duplicate", duplicate)))
}
