// Package observe provides application-wide observability primitives for
// whisperapi: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all whisperapi metrics.
const meterName = "github.com/MrWong99/whisperapi"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranscribeDuration tracks engine inference latency.
	TranscribeDuration metric.Float64Histogram

	// NormalizeDuration tracks audio decode and resample latency.
	NormalizeDuration metric.Float64Histogram

	// --- Counters ---

	// IngressBytes counts audio payload bytes accepted for processing. Use
	// with attribute:
	//   attribute.String("source", "multipart"|"base64"|"url")
	IngressBytes metric.Int64Counter

	// AdmissionRejections counts requests refused by the admission gate.
	AdmissionRejections metric.Int64Counter

	// --- Gauges ---

	// ActiveJobs tracks transcriptions currently holding an admission slot.
	ActiveJobs metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). The tail
// is long because large files legitimately take minutes to transcribe.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TranscribeDuration, err = m.Float64Histogram("whisperapi.transcribe.duration",
		metric.WithDescription("Latency of engine inference per request."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.NormalizeDuration, err = m.Float64Histogram("whisperapi.normalize.duration",
		metric.WithDescription("Latency of audio decoding and resampling."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.IngressBytes, err = m.Int64Counter("whisperapi.ingress.bytes",
		metric.WithDescription("Audio payload bytes accepted, by ingress source."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.AdmissionRejections, err = m.Int64Counter("whisperapi.admission.rejections",
		metric.WithDescription("Requests refused by the concurrency gate."),
	); err != nil {
		return nil, err
	}

	if met.ActiveJobs, err = m.Int64UpDownCounter("whisperapi.active_jobs",
		metric.WithDescription("Transcriptions currently holding an admission slot."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("whisperapi.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordIngress records accepted payload bytes for one ingress source.
func (m *Metrics) RecordIngress(ctx context.Context, source string, bytes int64) {
	m.IngressBytes.Add(ctx, bytes,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordTranscribe records one inference run with its model and outcome.
func (m *Metrics) RecordTranscribe(ctx context.Context, model, status string, seconds float64) {
	m.TranscribeDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("status", status),
		),
	)
}
