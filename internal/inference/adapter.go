// Package inference adapts variable-length utterances to transcription models
// that only run statically shaped graphs.
//
// An [Adapter] owns one prepared [stt.Model]. For static models every
// utterance is zero-padded (or truncated) to the compiled input length, and
// the per-frame output is cut back to the frames that cover real audio before
// decoding, so padded silence never produces symbols. Variable-length models
// receive the utterance unchanged.
//
// Preparation happens once in [New]; a model that cannot be loaded surfaces as
// [ErrBackendUnavailable] there and never at transcription time. A failed
// transcription returns an [*InferenceError] and is not retried.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/npustt/internal/observe"
	"github.com/MrWong99/npustt/internal/resilience"
	"github.com/MrWong99/npustt/pkg/provider/stt"
)

// ErrBackendUnavailable is returned by [New] when no target device could
// prepare the model.
var ErrBackendUnavailable = stt.ErrBackendUnavailable

// ErrInferenceFailed matches every [*InferenceError] via errors.Is.
var ErrInferenceFailed = errors.New("inference: inference failed")

// InferenceError reports a failed transcription of one utterance.
type InferenceError struct {
	// OriginalLength is the utterance length in samples after clamping.
	OriginalLength int

	// Device is the device the model runs on.
	Device string

	// Err is the underlying cause.
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference: %d samples on %s: %v", e.OriginalLength, e.Device, e.Err)
}

// Unwrap returns the underlying cause.
func (e *InferenceError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrInferenceFailed].
func (e *InferenceError) Is(target error) bool { return target == ErrInferenceFailed }

// Request is an utterance shaped for a static model.
type Request struct {
	// Samples is exactly the static length long.
	Samples []float32

	// OriginalLength is the number of real (non-padding) samples in Samples.
	OriginalLength int

	// Truncated is true when the utterance was longer than the static length
	// and its tail was discarded.
	Truncated bool
}

// Adapt pads samples with zeros, or cuts them, to exactly length samples.
// The input is never modified. A non-positive length passes samples through.
func Adapt(samples []float32, length int) Request {
	if length <= 0 {
		return Request{Samples: samples, OriginalLength: len(samples)}
	}
	if len(samples) > length {
		out := make([]float32, length)
		copy(out, samples[:length])
		return Request{Samples: out, OriginalLength: length, Truncated: true}
	}
	out := make([]float32, length)
	copy(out, samples)
	return Request{Samples: out, OriginalLength: len(samples)}
}

// ValidFrames returns how many output frames are covered by originalLength
// real samples when each frame spans stride samples. A non-positive stride
// yields 0.
func ValidFrames(originalLength, stride int) int {
	if stride <= 0 || originalLength <= 0 {
		return 0
	}
	return originalLength / stride
}

// Result is the outcome of one successful transcription.
type Result struct {
	// Text is the decoded transcript. It may be empty.
	Text string

	// OriginalLength is the number of real samples that reached the model.
	OriginalLength int

	// Truncated is true when audio beyond the static length was discarded.
	Truncated bool

	// Frames is the frame count the model returned.
	Frames int

	// ValidFrames is the frame count passed to the decoder.
	ValidFrames int

	// Elapsed is the wall time spent in inference and decoding.
	Elapsed time.Duration
}

// Option is a functional option for [New].
type Option func(*Adapter)

// WithCircuitBreaker guards model calls with cb. While cb is open,
// Transcribe fails fast with a cause of [resilience.ErrCircuitOpen].
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(a *Adapter) { a.breaker = cb }
}

// WithMetrics records inference duration and status into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// Adapter transcribes utterances with one prepared model. Transcribe calls
// are serialised; it is safe to share an Adapter between goroutines, but
// only one inference runs at a time.
type Adapter struct {
	mu      sync.Mutex
	model   stt.Model
	meta    stt.Metadata
	static  int
	stride  int
	closed  bool
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
}

// New validates cfg and prepares backend on cfg.Device, falling back to
// cfg.DeviceFallbacks in order. Every preparation problem, including a model
// whose shape contract contradicts cfg, wraps [ErrBackendUnavailable].
func New(ctx context.Context, backend stt.Backend, cfg Config, opts ...Option) (*Adapter, error) {
	if backend == nil {
		return nil, fmt.Errorf("inference: %w: backend is nil", ErrBackendUnavailable)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("inference: %w: %w", ErrBackendUnavailable, err)
	}

	model, err := resilience.PrepareOnDevices(ctx, backend, cfg.prepareConfig(), cfg.devices())
	if err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}

	a := &Adapter{model: model, meta: model.Metadata()}
	for _, o := range opts {
		o(a)
	}

	a.static = a.meta.StaticInputLength
	a.stride = a.meta.OutputStride
	if cfg.OutputStride > 0 {
		a.stride = cfg.OutputStride
	}
	if err := a.checkShape(cfg); err != nil {
		_ = model.Close()
		return nil, fmt.Errorf("inference: %w", err)
	}

	slog.Info("inference: model prepared",
		"model", a.meta.Name,
		"device", a.meta.Device,
		"static_input_length", a.static,
		"output_stride", a.stride,
	)
	return a, nil
}

func (a *Adapter) checkShape(cfg Config) error {
	if a.meta.SampleRate > 0 && a.meta.SampleRate != cfg.SampleRate {
		return stt.Unavailable("model expects %d Hz audio, configured %d Hz", a.meta.SampleRate, cfg.SampleRate)
	}
	if a.static > 0 && a.stride <= 0 {
		return stt.Unavailable("static model %q reports no output stride", a.meta.Name)
	}
	if a.static > 0 && cfg.StaticInputLength > 0 && a.static != cfg.StaticInputLength {
		slog.Warn("inference: model static length differs from configuration",
			"model", a.meta.Name, "model_length", a.static, "configured_length", cfg.StaticInputLength)
	}
	return nil
}

// Transcribe runs one utterance through the model and decodes it. For static
// models the output is truncated to [ValidFrames] before decoding. Errors are
// [*InferenceError]; the adapter keeps working after a failure.
func (a *Adapter) Transcribe(ctx context.Context, samples []float32) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "inference.transcribe",
		trace.WithAttributes(
			attribute.String("model", a.meta.Name),
			attribute.String("device", a.meta.Device),
			attribute.Int("samples", len(samples)),
		),
	)
	defer span.End()

	start := time.Now()
	req := Adapt(samples, a.static)
	res := Result{OriginalLength: req.OriginalLength, Truncated: req.Truncated}

	fail := func(err error) (Result, error) {
		a.record(ctx, "error", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, &InferenceError{OriginalLength: res.OriginalLength, Device: a.meta.Device, Err: err}
	}

	if a.closed {
		return fail(stt.ErrModelClosed)
	}
	if req.Truncated {
		observe.Logger(ctx).Warn("inference: utterance longer than static input, tail discarded",
			"samples", len(samples), "static_input_length", a.static)
		if a.metrics != nil {
			a.metrics.TruncatedUtterances.Add(ctx, 1)
		}
	}

	var out stt.Output
	infer := func() error {
		var err error
		out, err = a.model.Infer(ctx, req.Samples)
		return err
	}
	var err error
	if a.breaker != nil {
		err = a.breaker.Execute(infer)
	} else {
		err = infer()
	}
	if err != nil {
		return fail(err)
	}
	if out == nil {
		return fail(errors.New("model returned no output"))
	}

	res.Frames = out.Frames()
	res.ValidFrames = res.Frames
	if a.static > 0 {
		if valid := ValidFrames(res.OriginalLength, a.stride); valid < res.Frames {
			out = out.Truncate(valid)
			res.ValidFrames = valid
		}
	}

	text, err := a.model.Decode(out)
	if err != nil {
		return fail(fmt.Errorf("decode: %w", err))
	}
	res.Text = text
	res.Elapsed = time.Since(start)

	span.SetAttributes(
		attribute.Int("frames", res.Frames),
		attribute.Int("valid_frames", res.ValidFrames),
		attribute.Bool("truncated", res.Truncated),
	)
	a.record(ctx, "ok", res.Elapsed)
	return res, nil
}

func (a *Adapter) record(ctx context.Context, status string, d time.Duration) {
	if a.metrics == nil {
		return
	}
	a.metrics.RecordInference(ctx, a.meta.Name, a.meta.Device, status, d.Seconds())
}

// Metadata returns the prepared model's shape contract.
func (a *Adapter) Metadata() stt.Metadata { return a.meta }

// StaticInputLength returns the padded input length, or 0 for
// variable-length models.
func (a *Adapter) StaticInputLength() int { return a.static }

// OutputStride returns the samples-per-frame ratio used for truncation.
func (a *Adapter) OutputStride() int { return a.stride }

// Breaker returns the circuit breaker passed via [WithCircuitBreaker], or nil.
func (a *Adapter) Breaker() *resilience.CircuitBreaker { return a.breaker }

// Close waits for an in-flight Transcribe and releases the model. It is safe
// to call more than once.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.model.Close()
}
