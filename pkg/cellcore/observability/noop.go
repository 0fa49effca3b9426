package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

// Compile-time interface check.
var _ MetricsRecorder = NoopMetrics{}

// RecordPublish does nothing.
func (NoopMetrics) RecordPublish(_ context.Context, _ string, _ int, _ error) {}

// RecordHandler does nothing.
func (NoopMetrics) RecordHandler(_ context.Context, _ string, _ time.Duration, _ error) {}

// RecordOutbox does nothing.
func (NoopMetrics) RecordOutbox(_ context.Context, _ string, _ int) {}

// RecordCompensation does nothing.
func (NoopMetrics) RecordCompensation(_ context.Context, _ string, _ int, _ time.Duration) {}

// RecordAuditAppend does nothing.
func (NoopMetrics) RecordAuditAppend(_ context.Context, _ string, _, _ int) {}

// RecordIntegrityCheck does nothing.
func (NoopMetrics) RecordIntegrityCheck(_ context.Context, _ string, _ bool) {}

// RecordIdempotency does nothing.
func (NoopMetrics) RecordIdempotency(_ context.Context, _ bool) {}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

// Compile-time interface check.
var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartPublishSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartPublishSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartCompensationSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartCompensationSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartRelaySpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartRelaySpan(ctx context.Context, _ int) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(_ trace.Span, _ error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(_ context.Context, _ string, _ ...attribute.KeyValue) {}
