// Package metrics receives classified error counts and processed-resource
// counts from the job engine. Nothing in the engine depends on a sink for
// correctness.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for fhirlake metrics
const meterName = "github.com/teranos/fhirlake"

// Sink receives job engine measurements
type Sink interface {
	// JobFinished records a job reaching a terminal status
	JobFinished(ctx context.Context, kind, status, errorKind string, elapsed time.Duration)
	// ResourcesProcessed records rows written and skipped for a resource type
	ResourcesProcessed(ctx context.Context, resourceType string, processed, skipped int64)
	// ErrorClassified records one classified failure
	ErrorClassified(ctx context.Context, errorKind string)
}

// NopSink discards everything
type NopSink struct{}

func (NopSink) JobFinished(context.Context, string, string, string, time.Duration) {}
func (NopSink) ResourcesProcessed(context.Context, string, int64, int64) {}
func (NopSink) ErrorClassified(context.Context, string) {}

// OTelSink records measurements on OpenTelemetry instruments.
//
// Instruments:
//   - fhirlake.job.finished (Int64Counter): kind, status, error_kind
//   - fhirlake.job.duration (Float64Histogram): seconds from start to terminal status
//   - fhirlake.resources.processed / fhirlake.resources.skipped (Int64Counter): resource_type
//   - fhirlake.errors (Int64Counter): error_kind
type OTelSink struct {
	finished  metric.Int64Counter
	duration  metric.Float64Histogram
	processed metric.Int64Counter
	skipped   metric.Int64Counter
	errors    metric.Int64Counter
}

// NewOTelSink creates a sink on the global MeterProvider. Without a configured
// provider the instruments are noops.
func NewOTelSink() *OTelSink {
	return NewOTelSinkWithMeter(otel.Meter(meterName))
}

// NewOTelSinkWithMeter creates a sink on the given meter
func NewOTelSinkWithMeter(meter metric.Meter) *OTelSink {
	// the API hands back noop instruments alongside any error
	finished, _ := meter.Int64Counter("fhirlake.job.finished",
		metric.WithDescription("Jobs that reached a terminal status"),
		metric.WithUnit("{job}"))
	duration, _ := meter.Float64Histogram("fhirlake.job.duration",
		metric.WithDescription("Time from job start to terminal status"),
		metric.WithUnit("s"))
	processed, _ := meter.Int64Counter("fhirlake.resources.processed",
		metric.WithDescription("Resources converted and staged"),
		metric.WithUnit("{resource}"))
	skipped, _ := meter.Int64Counter("fhirlake.resources.skipped",
		metric.WithDescription("Resources the converter skipped"),
		metric.WithUnit("{resource}"))
	errs, _ := meter.Int64Counter("fhirlake.errors",
		metric.WithDescription("Classified job failures"),
		metric.WithUnit("{error}"))

	return &OTelSink{
		finished:  finished,
		duration:  duration,
		processed: processed,
		skipped:   skipped,
		errors:    errs,
	}
}

// JobFinished implements Sink
func (s *OTelSink) JobFinished(ctx context.Context, kind, status, errorKind string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
		attribute.String("error_kind", errorKind),
	)
	s.finished.Add(ctx, 1, attrs)
	s.duration.Record(ctx, elapsed.Seconds(), attrs)
}

// ResourcesProcessed implements Sink
func (s *OTelSink) ResourcesProcessed(ctx context.Context, resourceType string, processed, skipped int64) {
	attrs := metric.WithAttributes(attribute.String("resource_type", resourceType))
	if processed > 0 {
		s.processed.Add(ctx, processed, attrs)
	}
	if skipped > 0 {
		s.skipped.Add(ctx, skipped, attrs)
	}
}

// ErrorClassified implements Sink
func (s *OTelSink) ErrorClassified(ctx context.Context, errorKind string) {
	s.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("error_kind", errorKind)))
}
