// Package audio defines the frame type and frame sources that feed the
// segmentation pipeline.
//
// A [Frame] is a fixed-length block of mono float32 samples captured at a
// fixed sample rate. Frames are produced by a [Source] (live capture, a WAV
// file, or a synthetic generator) and consumed exactly once, in arrival order,
// by the segmentation stage.
//
// This package lives under pkg/ because capture adapters outside this module
// are expected to implement [Source].
package audio

import "time"

// DefaultSampleRate is the rate every stage downstream of the source assumes
// unless configured otherwise.
const DefaultSampleRate = 16000

// DefaultBlockSize is the number of samples per frame (32 ms at 16 kHz).
const DefaultBlockSize = 512

// Frame is a single block of audio flowing through the pipeline. Frames are
// immutable once produced; consumers must not modify Samples.
type Frame struct {
	// Samples holds mono float32 samples in the range [-1.0, 1.0].
	Samples []float32

	// SampleRate in Hz (e.g., 16000).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the nominal duration of the frame derived from its sample
// count and sample rate. A frame with a non-positive sample rate has zero
// duration.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// DurationMs returns the frame duration in fractional milliseconds. 512
// samples at 16 kHz yield exactly 32.
func (f Frame) DurationMs() float64 {
	if f.SampleRate <= 0 {
		return 0
	}
	return float64(len(f.Samples)) * 1000 / float64(f.SampleRate)
}
