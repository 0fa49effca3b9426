package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer uses the global OTel tracer provider.
var tracer = otel.Tracer("cellcore")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartPublishSpan starts a span around an Event Bridge publish.
	StartPublishSpan(ctx context.Context, topic, correlationID string) (context.Context, trace.Span)

	// StartCompensationSpan starts a span around a compensation run.
	StartCompensationSpan(ctx context.Context, correlationID, reason string) (context.Context, trace.Span)

	// StartRelaySpan starts a span around one outbox relay pass.
	StartRelaySpan(ctx context.Context, batchSize int) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

func (m *otelSpanManager) StartPublishSpan(ctx context.Context, topic, correlationID string) (context.Context, trace.Span) {
	return StartPublishSpan(ctx, topic, correlationID)
}

func (m *otelSpanManager) StartCompensationSpan(ctx context.Context, correlationID, reason string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "cellcore.saga.compensate",
		trace.WithAttributes(
			attribute.String("correlation.id", correlationID),
			attribute.String("compensation.reason", reason),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) StartRelaySpan(ctx context.Context, batchSize int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "cellcore.outbox.relay",
		trace.WithAttributes(attribute.Int("outbox.batch_size", batchSize)),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	AddSpanEvent(ctx, name, attrs...)
}

// StartPublishSpan starts a publish span on the global tracer.
func StartPublishSpan(ctx context.Context, topic, correlationID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "cellcore.publish "+topic,
		trace.WithAttributes(
			attribute.String("messaging.destination.name", topic),
			attribute.String("correlation.id", correlationID),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
