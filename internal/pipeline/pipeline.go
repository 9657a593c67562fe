// Package pipeline runs the capture, segmentation and inference stages of one
// audio stream.
//
// Three goroutines cooperate:
//
//	capture ──frames──▶ segmentation ──utterances──▶ inference worker ──▶ Sink
//
// Capture pulls frames from an [audio.Source] into a bounded frame queue so a
// slow consumer never stalls the device. Segmentation classifies each frame
// exactly once, feeds the [segment.Machine] and hands complete utterances to
// the worker through a small bounded queue. The single inference worker calls
// the [Transcriber] serially, so at most one inference is in flight per
// stream, and reports each outcome as an [Event].
//
// Frames are processed in arrival order and utterances are transcribed in
// emission order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/npustt/internal/inference"
	"github.com/MrWong99/npustt/internal/observe"
	"github.com/MrWong99/npustt/internal/segment"
	"github.com/MrWong99/npustt/pkg/audio"
	"github.com/MrWong99/npustt/pkg/provider/vad"
)

// ErrCaptureFailure wraps a device-level error from the frame source. It is
// fatal to the run.
var ErrCaptureFailure = errors.New("pipeline: capture failure")

// ErrClassifierFailure wraps a voice-activity error under [ClassifierHalt].
var ErrClassifierFailure = errors.New("pipeline: classifier failure")

// ErrAlreadyStarted is returned by a second call to [Pipeline.Run].
var ErrAlreadyStarted = errors.New("pipeline: already started")

// errQueueFull is the cause attached to utterances dropped by
// [BackpressureDrop].
var errQueueFull = errors.New("pipeline: handoff queue full")

// errAbandoned is the cause attached to utterances dropped at shutdown under
// [InflightAbandon].
var errAbandoned = errors.New("pipeline: abandoned at shutdown")

// Transcriber turns one utterance into text. *inference.Adapter implements
// it.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32) (inference.Result, error)
}

var _ Transcriber = (*inference.Adapter)(nil)

// Option is a functional option for [New].
type Option func(*Pipeline)

// WithMetrics records frame, utterance and queue metrics into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithIDGenerator replaces the UUID generator used for utterance IDs.
func WithIDGenerator(fn func() string) Option {
	return func(p *Pipeline) { p.newID = fn }
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	SessionID        string        `json:"session_id"`
	Running          bool          `json:"running"`
	State            string        `json:"state"`
	Frames           int64         `json:"frames"`
	SpeechFrames     int64         `json:"speech_frames"`
	Utterances       int64         `json:"utterances"`
	Transcribed      int64         `json:"transcribed"`
	Failed           int64         `json:"failed"`
	Dropped          int64         `json:"dropped"`
	ClassifierErrors int64         `json:"classifier_errors"`
	VADThreshold     float64       `json:"vad_threshold"`
	SilenceThreshold time.Duration `json:"silence_threshold_ns"`
}

// job is one emitted utterance on its way to the worker.
type job struct {
	id  string
	seq int64
	utt segment.Utterance
}

// Pipeline processes one stream. It is single-use: build a new Pipeline for
// each Run.
type Pipeline struct {
	cfg         Config
	source      audio.Source
	classifier  vad.Classifier
	transcriber Transcriber
	sink        Sink
	metrics     *observe.Metrics
	newID       func() string

	// publishMu serialises sink calls; drop events can come from the
	// segmentation goroutine while the worker publishes.
	publishMu sync.Mutex

	started atomic.Bool
	running atomic.Bool

	// live settings, read by the segmentation stage before every frame
	vadThreshold     atomic.Uint64
	silenceThreshold atomic.Int64

	state            atomic.Int32
	frames           atomic.Int64
	speechFrames     atomic.Int64
	utterances       atomic.Int64
	transcribed      atomic.Int64
	failed           atomic.Int64
	dropped          atomic.Int64
	classifierErrors atomic.Int64
}

// New returns a Pipeline reading src. A nil sink discards events.
func New(cfg Config, src audio.Source, cls vad.Classifier, tr Transcriber, sink Sink, opts ...Option) (*Pipeline, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: invalid config: %w", err)
	}
	switch {
	case src == nil:
		return nil, errors.New("pipeline: source is nil")
	case cls == nil:
		return nil, errors.New("pipeline: classifier is nil")
	case tr == nil:
		return nil, errors.New("pipeline: transcriber is nil")
	}
	if sink == nil {
		sink = Discard
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}

	p := &Pipeline{
		cfg:         cfg,
		source:      src,
		classifier:  cls,
		transcriber: tr,
		sink:        sink,
		newID:       uuid.NewString,
	}
	for _, o := range opts {
		o(p)
	}
	p.vadThreshold.Store(math.Float64bits(cfg.VADThreshold))
	p.silenceThreshold.Store(int64(cfg.SilenceThreshold))
	return p, nil
}

// SessionID returns the identifier stamped on every event.
func (p *Pipeline) SessionID() string { return p.cfg.SessionID }

// Running reports whether Run is active.
func (p *Pipeline) Running() bool { return p.running.Load() }

// SetVADThreshold changes the speech threshold. It takes effect from the next
// frame.
func (p *Pipeline) SetVADThreshold(th float64) error {
	if th < 0 || th >= 1 {
		return fmt.Errorf("pipeline: vad threshold %v outside [0, 1)", th)
	}
	p.vadThreshold.Store(math.Float64bits(th))
	return nil
}

// SetSilenceThreshold changes the trailing silence that ends an utterance. It
// takes effect from the next frame, including for the utterance currently
// being accumulated.
func (p *Pipeline) SetSilenceThreshold(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("pipeline: silence threshold %v must be positive", d)
	}
	p.silenceThreshold.Store(int64(d))
	return nil
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		SessionID:        p.cfg.SessionID,
		Running:          p.running.Load(),
		State:            segment.State(p.state.Load()).String(),
		Frames:           p.frames.Load(),
		SpeechFrames:     p.speechFrames.Load(),
		Utterances:       p.utterances.Load(),
		Transcribed:      p.transcribed.Load(),
		Failed:           p.failed.Load(),
		Dropped:          p.dropped.Load(),
		ClassifierErrors: p.classifierErrors.Load(),
		VADThreshold:     math.Float64frombits(p.vadThreshold.Load()),
		SilenceThreshold: time.Duration(p.silenceThreshold.Load()),
	}
}

// Run processes the stream until the source ends, ctx is cancelled, or a
// fatal error occurs. It closes the source before returning.
//
// Cancelling ctx is the stop signal: capture halts, a partial utterance is
// discarded (or flushed when FlushOnStop is set), and emitted utterances are
// finished or abandoned per InflightOnStop. A clean stop returns nil. A
// source failure returns an error wrapping [ErrCaptureFailure]; a classifier
// failure under [ClassifierHalt] wraps [ErrClassifierFailure]. Inference
// failures never end the run.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	p.running.Store(true)
	defer p.running.Store(false)
	if p.metrics != nil {
		p.metrics.ActivePipelines.Add(ctx, 1)
		defer p.metrics.ActivePipelines.Add(context.WithoutCancel(ctx), -1)
	}

	log := slog.With("session_id", p.cfg.SessionID)
	log.Info("pipeline: started",
		"sample_rate", p.cfg.SampleRate,
		"vad_threshold", p.cfg.VADThreshold,
		"silence_threshold", p.cfg.SilenceThreshold,
		"backpressure", string(p.cfg.Backpressure),
	)

	frames := make(chan audio.Frame, p.cfg.FrameQueueSize)
	handoff := make(chan job, p.cfg.HandoffQueueSize)
	workerDone := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)

	// Emitted utterances outlive the stop signal under the finish policy.
	workCtx := context.WithoutCancel(ctx)
	var abandon <-chan struct{}
	if p.cfg.InflightOnStop == InflightAbandon {
		workCtx = gctx
		abandon = gctx.Done()
	}

	g.Go(func() error { return p.capture(gctx, frames) })
	g.Go(func() error {
		defer close(handoff)
		return p.segmentFrames(gctx, frames, handoff, workerDone)
	})
	g.Go(func() error {
		defer close(workerDone)
		p.work(workCtx, handoff, abandon)
		return nil
	})

	err := g.Wait()
	switch {
	case err == nil:
		log.Info("pipeline: stopped", "utterances", p.utterances.Load())
	case errors.Is(err, ErrCaptureFailure) || errors.Is(err, ErrClassifierFailure):
		log.Error("pipeline: stopped on failure", "err", err)
	default:
		log.Error("pipeline: stopped", "err", err)
	}
	return err
}

// capture pulls frames until the source ends or fails. It always closes
// frames, so segmentation sees end of stream.
func (p *Pipeline) capture(ctx context.Context, frames chan<- audio.Frame) error {
	defer close(frames)
	defer func() {
		if err := p.source.Close(); err != nil {
			slog.Warn("pipeline: failed to close source", "err", err)
		}
	}()
	for {
		f, err := p.source.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				slog.Debug("pipeline: source ended", "session_id", p.cfg.SessionID)
				return nil
			case ctx.Err() != nil:
				return nil
			default:
				if p.metrics != nil {
					p.metrics.CaptureErrors.Add(ctx, 1)
				}
				return fmt.Errorf("%w: %w", ErrCaptureFailure, err)
			}
		}
		select {
		case frames <- f:
		case <-ctx.Done():
			return nil
		}
	}
}

// segmentFrames classifies frames and emits utterances. It owns the state
// machine.
func (p *Pipeline) segmentFrames(ctx context.Context, frames <-chan audio.Frame, handoff chan<- job, workerDone <-chan struct{}) error {
	m := segment.New(segment.WithSilenceThreshold(time.Duration(p.silenceThreshold.Load())))
	var seq int64

	emit := func(u segment.Utterance) {
		seq++
		j := job{id: p.newID(), seq: seq, utt: u}
		p.utterances.Add(1)
		if p.metrics != nil {
			p.metrics.UtteranceDuration.Record(ctx, u.Duration().Seconds())
		}
		p.enqueue(ctx, j, handoff, workerDone)
	}
	stop := func() {
		if p.cfg.FlushOnStop {
			if u, ok := m.Flush(); ok {
				slog.Info("pipeline: flushing partial utterance",
					"session_id", p.cfg.SessionID, "start", u.Start, "duration", u.Duration())
				emit(u)
			}
		} else if n := m.Buffered(); n > 0 {
			slog.Debug("pipeline: discarding partial utterance", "session_id", p.cfg.SessionID, "samples", n)
		}
		m.Reset()
		p.state.Store(int32(m.State()))
	}

	for {
		var (
			f  audio.Frame
			ok bool
		)
		select {
		case <-ctx.Done():
			stop()
			return nil
		case f, ok = <-frames:
		}
		if !ok {
			stop()
			return nil
		}

		speech, err := p.classify(ctx, f)
		if err != nil {
			if ctx.Err() != nil {
				stop()
				return nil
			}
			m.Reset()
			p.state.Store(int32(m.State()))
			return err
		}

		if d := time.Duration(p.silenceThreshold.Load()); d != m.SilenceThreshold() {
			m.SetSilenceThreshold(d)
		}
		u, emitted := m.Step(f, speech)
		p.state.Store(int32(m.State()))
		if emitted {
			emit(u)
		}
	}
}

// classify returns the speech decision for f. Under [ClassifierSilence] a
// failure is logged and counted as silence.
func (p *Pipeline) classify(ctx context.Context, f audio.Frame) (bool, error) {
	p.frames.Add(1)
	prob, err := p.classifier.Classify(ctx, f.Samples, f.SampleRate)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		p.classifierErrors.Add(1)
		if p.metrics != nil {
			p.metrics.ClassifierErrors.Add(ctx, 1)
		}
		if p.cfg.ClassifierFailure == ClassifierHalt {
			return false, fmt.Errorf("%w: frame at %v: %w", ErrClassifierFailure, f.Timestamp, err)
		}
		slog.Warn("pipeline: classifier failed, treating frame as silence",
			"session_id", p.cfg.SessionID, "timestamp", f.Timestamp, "err", err)
		prob = 0
	}
	d := vad.Decide(prob, math.Float64frombits(p.vadThreshold.Load()))
	if d.Speech {
		p.speechFrames.Add(1)
	}
	if p.metrics != nil {
		p.metrics.RecordFrame(ctx, d.Speech)
	}
	return d.Speech, nil
}

// enqueue hands j to the worker according to the backpressure policy.
func (p *Pipeline) enqueue(ctx context.Context, j job, handoff chan<- job, workerDone <-chan struct{}) {
	if p.cfg.Backpressure == BackpressureDrop {
		select {
		case handoff <- j:
			p.queued(ctx, 1)
		default:
			p.drop(ctx, j, errQueueFull)
		}
		return
	}
	select {
	case handoff <- j:
		p.queued(ctx, 1)
	case <-workerDone:
		p.drop(ctx, j, errAbandoned)
	}
}

func (p *Pipeline) queued(ctx context.Context, delta int64) {
	if p.metrics != nil {
		p.metrics.HandoffDepth.Add(context.WithoutCancel(ctx), delta)
	}
}

// work runs inference for each queued utterance in order. A closed abandon
// channel drops whatever is still queued.
func (p *Pipeline) work(ctx context.Context, handoff <-chan job, abandon <-chan struct{}) {
	for {
		select {
		case <-abandon:
			for j := range handoff {
				p.queued(ctx, -1)
				p.drop(ctx, j, errAbandoned)
			}
			return
		case j, ok := <-handoff:
			if !ok {
				return
			}
			p.queued(ctx, -1)
			p.transcribe(ctx, j)
		}
	}
}

func (p *Pipeline) transcribe(ctx context.Context, j job) {
	u := j.utt
	ev := p.event(j)
	ctx = observe.WithUtterance(ctx, observe.Utterance{SessionID: ev.SessionID, ID: ev.UtteranceID, Seq: ev.Seq})
	ctx, span := observe.StartSpan(ctx, "pipeline.utterance")
	defer span.End()
	log := observe.Logger(ctx)

	res, err := p.transcriber.Transcribe(ctx, u.Samples)
	if err != nil {
		if ctx.Err() != nil && p.cfg.InflightOnStop == InflightAbandon {
			p.drop(ctx, j, errors.Join(errAbandoned, err))
			return
		}
		p.failed.Add(1)
		ev.Kind = KindFailure
		ev.Err = err
		log.Error("pipeline: utterance transcription failed",
			"start", u.Start,
			"duration", u.Duration(),
			"samples", len(u.Samples),
			"err", err,
		)
		if p.metrics != nil {
			p.metrics.RecordUtterance(ctx, observe.OutcomeFailed)
		}
		p.publish(ctx, ev)
		return
	}

	p.transcribed.Add(1)
	ev.Kind = KindTranscript
	ev.Text = res.Text
	ev.Truncated = res.Truncated
	ev.InferenceTime = res.Elapsed
	if u.Duration() > 0 {
		ev.RTF = res.Elapsed.Seconds() / u.Duration().Seconds()
	}
	log.Debug("pipeline: utterance transcribed",
		"start", u.Start,
		"duration", u.Duration(),
		"inference_time", res.Elapsed,
		"rtf", ev.RTF,
	)
	if p.metrics != nil {
		p.metrics.RecordUtterance(ctx, observe.OutcomeTranscribed)
		p.metrics.RealTimeFactor.Record(ctx, ev.RTF)
	}
	p.publish(ctx, ev)
}

func (p *Pipeline) drop(ctx context.Context, j job, cause error) {
	p.dropped.Add(1)
	ev := p.event(j)
	ev.Kind = KindDropped
	ev.Err = cause
	slog.Warn("pipeline: utterance dropped",
		"session_id", ev.SessionID,
		"utterance_id", ev.UtteranceID,
		"start", j.utt.Start,
		"duration", j.utt.Duration(),
		"err", cause,
	)
	if p.metrics != nil {
		p.metrics.RecordUtterance(context.WithoutCancel(ctx), observe.OutcomeDropped)
	}
	p.publish(ctx, ev)
}

func (p *Pipeline) event(j job) Event {
	return Event{
		SessionID:   p.cfg.SessionID,
		UtteranceID: j.id,
		Seq:         j.seq,
		Start:       j.utt.Start,
		Duration:    j.utt.Duration(),
		Samples:     len(j.utt.Samples),
		At:          time.Now(),
	}
}

func (p *Pipeline) publish(ctx context.Context, ev Event) {
	p.publishMu.Lock()
	defer p.publishMu.Unlock()
	if err := p.sink.Publish(context.WithoutCancel(ctx), ev); err != nil {
		slog.Warn("pipeline: sink publish failed",
			"session_id", ev.SessionID, "utterance_id", ev.UtteranceID, "kind", ev.Kind.String(), "err", err)
	}
}
