package metrics_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/teranos/fhirlake/metrics"
)

func setupTestMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumFor(t *testing.T, m *metricdata.Metrics, key, value string) int64 {
	t.Helper()
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected Sum[int64], got %T", m.Data)
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestOTelSink_ResourcesProcessed(t *testing.T) {
	reader, mp := setupTestMeter()
	sink := metrics.NewOTelSinkWithMeter(mp.Meter("test"))
	ctx := context.Background()

	sink.ResourcesProcessed(ctx, "Patient", 50, 0)
	sink.ResourcesProcessed(ctx, "Patient", 30, 2)
	sink.ResourcesProcessed(ctx, "Observation", 7, 0)

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(80), sumFor(t, findMetric(rm, "fhirlake.resources.processed"), "resource_type", "Patient"))
	assert.Equal(t, int64(7), sumFor(t, findMetric(rm, "fhirlake.resources.processed"), "resource_type", "Observation"))
	assert.Equal(t, int64(2), sumFor(t, findMetric(rm, "fhirlake.resources.skipped"), "resource_type", "Patient"))
}

func TestOTelSink_ErrorsAndOutcomes(t *testing.T) {
	reader, mp := setupTestMeter()
	sink := metrics.NewOTelSinkWithMeter(mp.Meter("test"))
	ctx := context.Background()

	sink.ErrorClassified(ctx, "read_source_error")
	sink.ErrorClassified(ctx, "read_source_error")
	sink.ErrorClassified(ctx, "conversion_error")
	sink.JobFinished(ctx, "processing", "failed", "read_source_error", 3*time.Second)
	sink.JobFinished(ctx, "processing", "completed", "", time.Second)

	rm := collectMetrics(t, reader)
	errs := findMetric(rm, "fhirlake.errors")
	assert.Equal(t, int64(2), sumFor(t, errs, "error_kind", "read_source_error"))
	assert.Equal(t, int64(1), sumFor(t, errs, "error_kind", "conversion_error"))

	finished := findMetric(rm, "fhirlake.job.finished")
	assert.Equal(t, int64(1), sumFor(t, finished, "status", "completed"))
	assert.Equal(t, int64(1), sumFor(t, finished, "status", "failed"))

	duration := findMetric(rm, "fhirlake.job.duration")
	require.NotNil(t, duration)
	hist, ok := duration.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count)
}

func TestNopSink(t *testing.T) {
	var sink metrics.Sink = metrics.NopSink{}
	ctx := context.Background()
	sink.JobFinished(ctx, "processing", "completed", "", time.Second)
	sink.ResourcesProcessed(ctx, "Patient", 1, 1)
	sink.ErrorClassified(ctx, "unknown")
}
