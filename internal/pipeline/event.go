package pipeline

import (
	"context"
	"time"
)

// Kind classifies an [Event].
type Kind int

const (
	// KindTranscript is a successfully transcribed utterance.
	KindTranscript Kind = iota

	// KindFailure is an utterance whose inference failed. Err holds the cause.
	KindFailure

	// KindDropped is an utterance discarded before inference because the
	// handoff queue was full or the pipeline stopped with abandon policy.
	KindDropped
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindTranscript:
		return "transcript"
	case KindFailure:
		return "failure"
	case KindDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Event reports the fate of one utterance.
type Event struct {
	Kind Kind

	// SessionID identifies the pipeline run.
	SessionID string

	// UtteranceID is assigned when the utterance is emitted.
	UtteranceID string

	// Seq is the 1-based emission order within the session.
	Seq int64

	// Text is the transcript. Empty for non-transcript events.
	Text string

	// Start is the stream offset of the first speech frame.
	Start time.Duration

	// Duration is the audio length of the utterance including trailing
	// silence.
	Duration time.Duration

	// Samples is the utterance length in samples.
	Samples int

	// Truncated is set when audio beyond the model's static input was cut.
	Truncated bool

	// InferenceTime is the wall time of the backend call and decode.
	InferenceTime time.Duration

	// RTF is InferenceTime divided by Duration.
	RTF float64

	// Err is the failure cause for KindFailure and KindDropped events.
	Err error

	// At is when the event was produced.
	At time.Time
}

// Sink receives pipeline events. Publish is called from the inference worker
// (and, for drop events, from the segmentation stage); implementations must be
// safe for concurrent use and should not block for long.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, ev Event) error

// Publish calls f.
func (f SinkFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Discard is a [Sink] that drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })
