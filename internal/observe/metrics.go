// Package observe provides application-wide observability primitives for
// npustt: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all npustt metrics.
const meterName = "github.com/MrWong99/npustt"

// Utterance outcomes used as the "outcome" attribute of [Metrics.Utterances].
const (
	OutcomeTranscribed = "transcribed"
	OutcomeFailed      = "failed"
	OutcomeDropped     = "dropped"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// InferenceDuration tracks one backend inference call including decode.
	// Use with attributes:
	//   attribute.String("model", ...), attribute.String("device", ...), attribute.String("status", ...)
	InferenceDuration metric.Float64Histogram

	// UtteranceDuration tracks the audio length of emitted utterances.
	UtteranceDuration metric.Float64Histogram

	// RealTimeFactor tracks inference time divided by audio duration.
	RealTimeFactor metric.Float64Histogram

	// --- Counters ---

	// Frames counts classified frames. Use with attribute:
	//   attribute.Bool("speech", ...)
	Frames metric.Int64Counter

	// Utterances counts emitted utterances by outcome. Use with attribute:
	//   attribute.String("outcome", ...)
	Utterances metric.Int64Counter

	// TruncatedUtterances counts utterances longer than the static input
	// length whose tail was cut.
	TruncatedUtterances metric.Int64Counter

	// --- Error counters ---

	// ClassifierErrors counts voice-activity classifier failures.
	ClassifierErrors metric.Int64Counter

	// CaptureErrors counts fatal capture failures.
	CaptureErrors metric.Int64Counter

	// --- Gauges ---

	// ActivePipelines tracks the number of running pipelines.
	ActivePipelines metric.Int64UpDownCounter

	// HandoffDepth tracks utterances waiting for the inference worker.
	HandoffDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// inference latency, from small CPU models to 30 s NPU windows.
var latencyBuckets = []float64{
	0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

// utteranceBuckets covers utterance lengths from a single word to the 30 s
// static window.
var utteranceBuckets = []float64{
	0.5, 1, 2, 3, 5, 8, 13, 20, 30, 60,
}

// rtfBuckets covers real-time factors; anything above 1 cannot keep up with
// live audio.
var rtfBuckets = []float64{
	0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.InferenceDuration, err = m.Float64Histogram("npustt.inference.duration",
		metric.WithDescription("Latency of one transcription backend call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UtteranceDuration, err = m.Float64Histogram("npustt.utterance.duration",
		metric.WithDescription("Audio length of emitted utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(utteranceBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RealTimeFactor, err = m.Float64Histogram("npustt.inference.rtf",
		metric.WithDescription("Inference time divided by utterance duration."),
		metric.WithExplicitBucketBoundaries(rtfBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Frames, err = m.Int64Counter("npustt.frames",
		metric.WithDescription("Total classified frames by speech decision."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("npustt.utterances",
		metric.WithDescription("Total emitted utterances by outcome."),
	); err != nil {
		return nil, err
	}
	if met.TruncatedUtterances, err = m.Int64Counter("npustt.utterances.truncated",
		metric.WithDescription("Utterances cut to the static input length."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ClassifierErrors, err = m.Int64Counter("npustt.classifier.errors",
		metric.WithDescription("Total voice-activity classifier failures."),
	); err != nil {
		return nil, err
	}
	if met.CaptureErrors, err = m.Int64Counter("npustt.capture.errors",
		metric.WithDescription("Total fatal capture failures."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActivePipelines, err = m.Int64UpDownCounter("npustt.active_pipelines",
		metric.WithDescription("Number of running pipelines."),
	); err != nil {
		return nil, err
	}
	if met.HandoffDepth, err = m.Int64UpDownCounter("npustt.handoff.depth",
		metric.WithDescription("Utterances queued for the inference worker."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("npustt.http.request.duration",
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

// RecordInference records one backend call with the standard attribute set.
func (m *Metrics) RecordInference(ctx context.Context, model, device, status string, seconds float64) {
	m.InferenceDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("device", device),
			attribute.String("status", status),
		),
	)
}

// RecordFrame records one classified frame.
func (m *Metrics) RecordFrame(ctx context.Context, speech bool) {
	m.Frames.Add(ctx, 1, metric.WithAttributes(attribute.Bool("speech", speech)))
}

// RecordUtterance records the outcome of one emitted utterance.
func (m *Metrics) RecordUtterance(ctx context.Context, outcome string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
