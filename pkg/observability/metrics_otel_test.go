package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func setupTestMeterProvider(t *testing.T) (*metric.MeterProvider, *metric.ManualReader) {
	t.Helper()
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))
	t.Cleanup(func() { provider.Shutdown(context.Background()) })
	return provider, reader
}

// sums collects the named counter as attribute value -> total.
func sums(t *testing.T, reader *metric.ManualReader, name string, key attribute.Key) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(key)
				out[v.AsString()] += dp.Value
			}
		}
	}
	return out
}

func TestOTelMetrics_Increment(t *testing.T) {
	provider, reader := setupTestMeterProvider(t)
	m, err := NewOTelMetrics(provider)
	require.NoError(t, err)

	ctx := context.Background()
	m.Increment(ctx, "saga.completed")
	m.Increment(ctx, "saga.completed")
	m.Increment(ctx, "saga.compensated")
	m.Increment(ctx, "outbox.sent")
	m.Increment(ctx, "outbox.failed")
	m.Increment(ctx, "outbox.failed")
	m.Increment(ctx, "nodot")
	m.Increment(ctx, "other.thing")

	assert.Equal(t, map[string]int64{"completed": 2, "compensated": 1},
		sums(t, reader, "settle.saga.outcomes", "saga.outcome"))
	assert.Equal(t, map[string]int64{"sent": 1, "failed": 2},
		sums(t, reader, "settle.outbox.events", "outbox.result"))
}

func TestNewOTelMetrics_GlobalProvider(t *testing.T) {
	m, err := NewOTelMetrics(nil)
	require.NoError(t, err)
	assert.NotPanics(t, func() { m.Increment(context.Background(), "saga.failed") })
}
