// Package observe provides application-wide observability primitives for
// vocalcheck: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all vocalcheck metrics.
const meterName = "github.com/MrWong99/vocalcheck"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// CaptureDuration tracks the recorded length of kept takes.
	CaptureDuration metric.Float64Histogram

	// TranscodeDuration tracks how long transcoding a take took.
	TranscodeDuration metric.Float64Histogram

	// UploadDuration tracks target request plus transfer time per attempt.
	UploadDuration metric.Float64Histogram

	// --- Counters ---

	// Clips counts finished takes. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("outcome", ...)
	Clips metric.Int64Counter

	// TranscodeFallbacks counts takes kept in their original encoding.
	TranscodeFallbacks metric.Int64Counter

	// Uploads counts upload attempts. Use with attributes:
	//   attribute.String("status", ...), attribute.Bool("retry", ...)
	Uploads metric.Int64Counter

	// AnalysisPolls counts status polls. Use with attribute:
	//   attribute.String("status", ...)
	AnalysisPolls metric.Int64Counter

	// AnalysisOutcomes counts analyses reaching a terminal state. Use with
	// attribute:
	//   attribute.String("status", ...)
	AnalysisOutcomes metric.Int64Counter

	// BackendRequests counts calls to the assessment backend. Use with
	// attributes:
	//   attribute.String("endpoint", ...), attribute.String("status", ...)
	BackendRequests metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes per backend
	// endpoint. Use with attributes:
	//   attribute.String("endpoint", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveCaptures tracks takes currently holding the microphone.
	ActiveCaptures metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// transcoding and network latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// takeBuckets defines histogram bucket boundaries (in seconds) for recorded
// take lengths.
var takeBuckets = []float64{
	1, 2, 5, 10, 15, 20, 30, 45, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CaptureDuration, err = m.Float64Histogram("vocalcheck.capture.duration",
		metric.WithDescription("Recorded length of kept takes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(takeBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscodeDuration, err = m.Float64Histogram("vocalcheck.transcode.duration",
		metric.WithDescription("Time spent transcoding a take to canonical WAV."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UploadDuration, err = m.Float64Histogram("vocalcheck.upload.duration",
		metric.WithDescription("Latency of one upload attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Clips, err = m.Int64Counter("vocalcheck.clips",
		metric.WithDescription("Finished takes by stage and outcome."),
	); err != nil {
		return nil, err
	}
	if met.TranscodeFallbacks, err = m.Int64Counter("vocalcheck.transcode.fallbacks",
		metric.WithDescription("Takes kept in their original encoding because transcoding failed."),
	); err != nil {
		return nil, err
	}
	if met.Uploads, err = m.Int64Counter("vocalcheck.uploads",
		metric.WithDescription("Upload attempts by status and retry flag."),
	); err != nil {
		return nil, err
	}
	if met.AnalysisPolls, err = m.Int64Counter("vocalcheck.analysis.polls",
		metric.WithDescription("Analysis status polls by observed status."),
	); err != nil {
		return nil, err
	}
	if met.AnalysisOutcomes, err = m.Int64Counter("vocalcheck.analysis.outcomes",
		metric.WithDescription("Analyses reaching a terminal state."),
	); err != nil {
		return nil, err
	}
	if met.BackendRequests, err = m.Int64Counter("vocalcheck.backend.requests",
		metric.WithDescription("Backend API requests by endpoint and status."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("vocalcheck.backend.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by endpoint and new state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCaptures, err = m.Int64UpDownCounter("vocalcheck.active_captures",
		metric.WithDescription("Number of takes currently holding the microphone."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("vocalcheck.http.request.duration",
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordClip records a finished take for stage with outcome
// ("kept", "discarded", "auto_stopped" or "aborted").
func (m *Metrics) RecordClip(ctx context.Context, stage int, outcome string) {
	m.Clips.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", strconv.Itoa(stage)),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordUpload records one upload attempt.
func (m *Metrics) RecordUpload(ctx context.Context, status string, retry bool) {
	m.Uploads.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("status", status),
			attribute.Bool("retry", retry),
		),
	)
}

// RecordAnalysisPoll records one status poll with the observed status.
func (m *Metrics) RecordAnalysisPoll(ctx context.Context, status string) {
	m.AnalysisPolls.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordAnalysisOutcome records an analysis reaching status.
func (m *Metrics) RecordAnalysisOutcome(ctx context.Context, status string) {
	m.AnalysisOutcomes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordBackendRequest records one backend API call.
func (m *Metrics) RecordBackendRequest(ctx context.Context, endpoint, status string) {
	m.BackendRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("status", status),
		),
	)
}

// RecordBreakerTransition records a breaker moving to state for endpoint.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, endpoint, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("state", state),
		),
	)
}
