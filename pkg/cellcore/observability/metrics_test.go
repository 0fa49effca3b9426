package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupMetricsTest installs a manual-reader meter provider for the test.
func setupMetricsTest(t *testing.T) (*sdkmetric.ManualReader, func()) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	originalProvider := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)

	cleanup := func() {
		otel.SetMeterProvider(originalProvider)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down meter provider: %v", err)
		}
	}
	return reader, cleanup
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the value of the int64 sum data point whose attributes
// contain key=value.
func sumFor(t *testing.T, m *metricdata.Metrics, key attribute.Key, value attribute.Value) int64 {
	t.Helper()
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected Sum[int64] for %s", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(key); ok && v == value {
			total += dp.Value
		}
	}
	return total
}

func TestNewMetricsRecorder(t *testing.T) {
	_, cleanup := setupMetricsTest(t)
	defer cleanup()

	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)

	_, isNoop := recorder.(NoopMetrics)
	assert.False(t, isNoop)
}

func TestRecordBridgeMetrics(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordPublish(ctx, "order.created.v1", 2, nil)
	m.RecordPublish(ctx, "order.created.v1", 0, errors.New("gate closed"))
	m.RecordHandler(ctx, "order.created.v1", 3*time.Millisecond, nil)
	m.RecordHandler(ctx, "order.created.v1", 4*time.Millisecond, errors.New("boom"))

	rm := collectMetrics(t, reader)
	topic := attribute.StringValue("order.created.v1")

	assert.Equal(t, int64(1), sumFor(t, findMetric(rm, "cellcore.bridge.publishes"), "topic", topic))
	assert.Equal(t, int64(1), sumFor(t, findMetric(rm, "cellcore.bridge.publish_errors"), "topic", topic))
	assert.Equal(t, int64(2), sumFor(t, findMetric(rm, "cellcore.bridge.handler_calls"), "topic", topic))
	assert.Equal(t, int64(1), sumFor(t, findMetric(rm, "cellcore.bridge.handler_errors"), "topic", topic))

	hist := findMetric(rm, "cellcore.bridge.handler_latency_ms")
	require.NotNil(t, hist)
	h, ok := hist.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.NotEmpty(t, h.DataPoints)
	assert.Equal(t, uint64(2), h.DataPoints[0].Count)
}

func TestRecordOutboxMetrics(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordOutbox(ctx, OutboxPublished, 3)
	m.RecordOutbox(ctx, OutboxDead, 1)
	m.RecordOutbox(ctx, OutboxRetrying, 0)

	rm := collectMetrics(t, reader)
	metric := findMetric(rm, "cellcore.outbox.events")
	assert.Equal(t, int64(3), sumFor(t, metric, "outcome", attribute.StringValue(OutboxPublished)))
	assert.Equal(t, int64(1), sumFor(t, metric, "outcome", attribute.StringValue(OutboxDead)))
	assert.Equal(t, int64(0), sumFor(t, metric, "outcome", attribute.StringValue(OutboxRetrying)))
}

func TestRecordSagaAndAuditMetrics(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordCompensation(ctx, "STUCK", 3, 20*time.Millisecond)
	m.RecordAuditAppend(ctx, "orders", 4, 1)
	m.RecordIntegrityCheck(ctx, "orders", false)
	m.RecordIdempotency(ctx, true)
	m.RecordIdempotency(ctx, false)

	rm := collectMetrics(t, reader)

	assert.Equal(t, int64(1), sumFor(t, findMetric(rm, "cellcore.saga.compensations"), "status", attribute.StringValue("STUCK")))
	assert.Equal(t, int64(4), sumFor(t, findMetric(rm, "cellcore.audit.records"), "accepted", attribute.BoolValue(true)))
	assert.Equal(t, int64(1), sumFor(t, findMetric(rm, "cellcore.audit.records"), "accepted", attribute.BoolValue(false)))
	assert.Equal(t, int64(1), sumFor(t, findMetric(rm, "cellcore.audit.integrity_checks"), "valid", attribute.BoolValue(false)))
	assert.Equal(t, int64(1), sumFor(t, findMetric(rm, "cellcore.idempotency.checks"), "duplicate", attribute.BoolValue(true)))
}

func TestNoopMetrics(t *testing.T) {
	var m MetricsRecorder = NoopMetrics{}
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.RecordPublish(ctx, "t", 1, nil)
		m.RecordHandler(ctx, "t", time.Millisecond, errors.New("x"))
		m.RecordOutbox(ctx, OutboxDead, 1)
		m.RecordCompensation(ctx, "COMPENSATED", 0, 0)
		m.RecordAuditAppend(ctx, "c", 1, 0)
		m.RecordIntegrityCheck(ctx, "c", true)
		m.RecordIdempotency(ctx, false)
	})
}
