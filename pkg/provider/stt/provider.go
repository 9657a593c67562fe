// Package stt defines the Backend interface for Speech-to-Text engines.
//
// A backend wraps an acoustic transcription model (e.g., a Wav2Vec2 encoder
// compiled for an NPU, or whisper.cpp) and exposes it in two phases. Prepare
// loads and compiles the model for a target device once and either returns a
// ready [Model] or fails; the Model then runs one blocking inference per
// utterance and decodes the per-frame output into text.
//
// Some accelerators only run statically shaped graphs. Such models report a
// positive [Metadata.StaticInputLength] and every Infer call must receive
// exactly that many samples; padding and output trimming are the caller's job.
// Models accepting variable-length input report zero.
//
// A Model holds exclusive device state. Implementations need not support
// concurrent Infer calls on one Model; callers serialise them.
package stt

import (
	"context"
	"errors"
	"fmt"
)

// Target devices understood by the bundled backends.
const (
	DeviceNPU = "NPU"
	DeviceCPU = "CPU"
	DeviceGPU = "GPU"
)

// ErrBackendUnavailable is returned by [Backend.Prepare] when the model cannot
// be loaded or compiled for the requested device (bad path, driver missing,
// shape mismatch).
var ErrBackendUnavailable = errors.New("stt: backend unavailable")

// ErrInputLength is returned by [Model.Infer] when a statically shaped model
// receives a buffer whose length differs from its StaticInputLength.
var ErrInputLength = errors.New("stt: input length does not match static model shape")

// ErrModelClosed is returned by [Model.Infer] after Close.
var ErrModelClosed = errors.New("stt: model is closed")

// PrepareConfig describes the model to load and where to run it.
type PrepareConfig struct {
	// ModelLocation is a backend-specific path or identifier of the model
	// artefacts (a directory, a .bin file, or a server URL).
	ModelLocation string

	// Device is the execution target (e.g., "NPU", "CPU", "GPU").
	Device string

	// StaticInputLength is the number of samples the compiled graph must
	// accept, or 0 to request a variable-length model. Backends that cannot
	// compile static shapes ignore it and report 0 in their Metadata.
	StaticInputLength int

	// SampleRate is the rate of the audio that will be passed to Infer.
	SampleRate int

	// Language is a BCP-47 hint for multilingual models. Empty means the
	// model default.
	Language string

	// Options carries backend-specific settings verbatim from configuration.
	Options map[string]string
}

// Metadata describes the shape contract of a prepared model.
type Metadata struct {
	// Name is a human-readable model identifier used in logs and metrics.
	Name string

	// Device is the device the model was actually prepared on.
	Device string

	// StaticInputLength is the exact number of samples Infer requires, or 0
	// when any length is accepted.
	StaticInputLength int

	// OutputStride is the number of input samples covered by one output
	// frame (e.g., 320 for a Wav2Vec2 convolutional encoder at 16 kHz).
	OutputStride int

	// SampleRate is the input rate the model was trained for.
	SampleRate int
}

// Backend prepares models. Implementations must be safe for concurrent use.
type Backend interface {
	// Prepare loads the model described by cfg. On failure the returned error
	// wraps [ErrBackendUnavailable]. The caller owns the returned Model and
	// must call Close when done.
	Prepare(ctx context.Context, cfg PrepareConfig) (Model, error)
}

// Model is a prepared, device-resident transcription model.
type Model interface {
	// Metadata returns the model's shape contract. It never changes after
	// Prepare.
	Metadata() Metadata

	// Infer runs the model on samples and returns its per-frame output. The
	// call blocks until the device finishes or ctx is done.
	Infer(ctx context.Context, samples []float32) (Output, error)

	// Decode turns per-frame output (possibly truncated) into text.
	Decode(out Output) (string, error)

	// Close releases the device context. Calling Close more than once is safe.
	Close() error
}

// Unavailable wraps cause so that it satisfies errors.Is(err,
// ErrBackendUnavailable) while preserving cause for errors.Is/As.
func Unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %w", ErrBackendUnavailable, fmt.Errorf(format, args...))
}
