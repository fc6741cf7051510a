package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestNewResource(t *testing.T) {
	tcases := []struct {
		name        string
		serviceName string
		expected    string
	}{
		{name: "service name", serviceName: "go-discuss", expected: "go-discuss"},
		{name: "fallback", serviceName: "", expected: "unknown-service"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := newResource(context.Background(), tc.serviceName)
			require.NoError(t, err)

			value, ok := res.Set().Value(semconv.ServiceNameKey)
			require.True(t, ok, "expected service name attribute")
			assert.Equal(t, tc.expected, value.AsString())
		})
	}
}

func TestNewMeterProvider(t *testing.T) {
	res, err := newResource(context.Background(), "go-discuss")
	require.NoError(t, err)

	reader := sdkmetric.NewManualReader()
	mp := NewMeterProvider(res, reader)
	defer mp.Shutdown(context.Background())

	counter, err := mp.Meter("test").Int64Counter("joins_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 2)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Equal(t, res, rm.Resource)
	require.Len(t, rm.ScopeMetrics, 1)
	require.Len(t, rm.ScopeMetrics[0].Metrics, 1)

	sum, ok := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.EqualValues(t, 2, sum.DataPoints[0].Value)
}

func TestInit(t *testing.T) {
	t.Run("requires an endpoint", func(t *testing.T) {
		_, err := Init(context.Background(), Options{ServiceName: "go-discuss"})
		assert.Error(t, err)
	})

	t.Run("registers the global provider", func(t *testing.T) {
		prev := otel.GetMeterProvider()
		defer otel.SetMeterProvider(prev)

		// the exporter dials lazily, so no collector is needed here
		shutdown, err := Init(context.Background(), Options{
			ServiceName:    "go-discuss",
			Endpoint:       "127.0.0.1:4317",
			ExportInterval: time.Hour,
		})
		require.NoError(t, err)
		assert.IsType(t, &sdkmetric.MeterProvider{}, otel.GetMeterProvider())

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_ = shutdown(ctx)
	})
}
