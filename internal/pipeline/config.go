package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/npustt/internal/segment"
	"github.com/MrWong99/npustt/pkg/audio"
	"github.com/MrWong99/npustt/pkg/provider/vad"
)

// Backpressure decides what happens when the inference worker falls behind and
// the handoff queue is full.
type Backpressure string

const (
	// BackpressureBlock stalls segmentation until the worker takes the
	// utterance. Capture keeps running into the frame queue.
	BackpressureBlock Backpressure = "block"

	// BackpressureDrop discards the new utterance and reports it as dropped.
	BackpressureDrop Backpressure = "drop"
)

// ClassifierPolicy decides how a failed voice-activity call is handled.
type ClassifierPolicy string

const (
	// ClassifierSilence treats the frame as non-speech and continues.
	ClassifierSilence ClassifierPolicy = "silence"

	// ClassifierHalt stops the pipeline with [ErrClassifierFailure].
	ClassifierHalt ClassifierPolicy = "halt"
)

// InflightPolicy decides what happens to emitted utterances when the pipeline
// stops.
type InflightPolicy string

const (
	// InflightFinish lets the running inference complete and transcribes every
	// utterance already queued.
	InflightFinish InflightPolicy = "finish"

	// InflightAbandon cancels the running inference and drops queued
	// utterances.
	InflightAbandon InflightPolicy = "abandon"
)

// Default queue sizes.
const (
	DefaultFrameQueueSize   = 256
	DefaultHandoffQueueSize = 4
)

// Config holds the pipeline settings. The zero value is completed by
// [Config.withDefaults].
type Config struct {
	// SampleRate of incoming frames. Default: 16000.
	SampleRate int

	// VADThreshold is the probability above which a frame counts as speech.
	// Default: 0.5.
	VADThreshold float64

	// SilenceThreshold is the trailing silence that ends an utterance.
	// Default: 500ms.
	SilenceThreshold time.Duration

	// FrameQueueSize bounds frames buffered between capture and
	// segmentation.
	FrameQueueSize int

	// HandoffQueueSize bounds utterances waiting for inference.
	HandoffQueueSize int

	Backpressure      Backpressure
	ClassifierFailure ClassifierPolicy
	InflightOnStop    InflightPolicy

	// FlushOnStop transcribes a partial utterance when the pipeline stops or
	// the source ends. By default it is discarded.
	FlushOnStop bool

	// SessionID labels all events. Default: a random UUID.
	SessionID string
}

func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = audio.DefaultSampleRate
	}
	if c.VADThreshold == 0 {
		c.VADThreshold = vad.DefaultThreshold
	}
	if c.SilenceThreshold == 0 {
		c.SilenceThreshold = segment.DefaultSilenceThreshold
	}
	if c.FrameQueueSize == 0 {
		c.FrameQueueSize = DefaultFrameQueueSize
	}
	if c.HandoffQueueSize == 0 {
		c.HandoffQueueSize = DefaultHandoffQueueSize
	}
	if c.Backpressure == "" {
		c.Backpressure = BackpressureBlock
	}
	if c.ClassifierFailure == "" {
		c.ClassifierFailure = ClassifierSilence
	}
	if c.InflightOnStop == "" {
		c.InflightOnStop = InflightFinish
	}
	return c
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if err := vad.CheckSampleRate(c.SampleRate); err != nil {
		errs = append(errs, err)
	}
	if c.VADThreshold < 0 || c.VADThreshold >= 1 {
		errs = append(errs, fmt.Errorf("vad threshold %v outside [0, 1)", c.VADThreshold))
	}
	if c.SilenceThreshold <= 0 {
		errs = append(errs, fmt.Errorf("silence threshold %v must be positive", c.SilenceThreshold))
	}
	if c.FrameQueueSize < 1 {
		errs = append(errs, fmt.Errorf("frame queue size %d must be at least 1", c.FrameQueueSize))
	}
	if c.HandoffQueueSize < 1 {
		errs = append(errs, fmt.Errorf("handoff queue size %d must be at least 1", c.HandoffQueueSize))
	}
	switch c.Backpressure {
	case BackpressureBlock, BackpressureDrop:
	default:
		errs = append(errs, fmt.Errorf("unknown backpressure policy %q", c.Backpressure))
	}
	switch c.ClassifierFailure {
	case ClassifierSilence, ClassifierHalt:
	default:
		errs = append(errs, fmt.Errorf("unknown classifier failure policy %q", c.ClassifierFailure))
	}
	switch c.InflightOnStop {
	case InflightFinish, InflightAbandon:
	default:
		errs = append(errs, fmt.Errorf("unknown inflight policy %q", c.InflightOnStop))
	}
	return errors.Join(errs...)
}
