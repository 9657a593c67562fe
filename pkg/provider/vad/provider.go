// Package vad defines the Classifier interface for Voice Activity Detection
// backends.
//
// A classifier wraps a frame-level speech detector (e.g., Silero VAD, WebRTC
// VAD, or a plain energy gate) and reports, for one block of audio, the
// probability that it contains speech. Classifiers are stateless per call from
// the caller's point of view: the segmentation stage classifies every frame
// exactly once and applies its own threshold via [Decide].
//
// Classify may be called on the hot path of the segmentation loop; it should
// return quickly and must honour ctx cancellation if it does any blocking work.
//
// Implementations must be safe for concurrent use.
package vad

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnsupportedSampleRate is returned by [Classifier.Classify] when the
// supplied sample rate is neither 8 kHz nor 16 kHz.
var ErrUnsupportedSampleRate = errors.New("vad: unsupported sample rate")

// Classifier maps a block of mono float32 samples to a speech probability in
// [0.0, 1.0].
type Classifier interface {
	// Classify returns the speech probability for samples captured at
	// sampleRate. Only 8000 and 16000 Hz are accepted; any other rate yields an
	// error wrapping [ErrUnsupportedSampleRate].
	Classify(ctx context.Context, samples []float32, sampleRate int) (float64, error)
}

// CheckSampleRate returns nil for the sample rates every Classifier must
// accept and an error wrapping [ErrUnsupportedSampleRate] otherwise.
func CheckSampleRate(sampleRate int) error {
	switch sampleRate {
	case 8000, 16000:
		return nil
	default:
		return fmt.Errorf("%w: %d Hz (want 8000 or 16000)", ErrUnsupportedSampleRate, sampleRate)
	}
}
