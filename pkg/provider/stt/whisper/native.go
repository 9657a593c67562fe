// This file contains the NativeBackend implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/npustt/pkg/provider/stt"
)

// Compile-time assertion that NativeBackend satisfies stt.Backend.
var _ stt.Backend = (*NativeBackend)(nil)

// NativeBackend implements stt.Backend using whisper.cpp Go bindings (CGO),
// eliminating HTTP overhead entirely. Each Prepare loads its own copy of the
// model.
type NativeBackend struct {
	language string
}

// NativeOption is a functional option for configuring a NativeBackend.
type NativeOption func(*NativeBackend)

// WithNativeLanguage sets the BCP-47 language code for transcription
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(b *NativeBackend) { b.language = lang }
}

// NewNative creates a NativeBackend.
func NewNative(opts ...NativeOption) *NativeBackend {
	b := &NativeBackend{language: defaultLanguage}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Prepare loads the ggml model file at cfg.ModelLocation. The bindings run on
// the CPU (or on whatever GPU backend libwhisper was built with); an NPU
// target is refused so that callers fall through to the next device.
func (b *NativeBackend) Prepare(ctx context.Context, cfg stt.PrepareConfig) (stt.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, stt.Unavailable("whisper: context already cancelled: %w", err)
	}
	if cfg.ModelLocation == "" {
		return nil, stt.Unavailable("whisper: model path must not be empty")
	}
	if cfg.Device == stt.DeviceNPU {
		return nil, stt.Unavailable("whisper: device %s is not supported by whisper.cpp", cfg.Device)
	}
	model, err := whisperlib.New(cfg.ModelLocation)
	if err != nil {
		return nil, stt.Unavailable("whisper: load model %q: %w", cfg.ModelLocation, err)
	}

	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}
	lang := cfg.Language
	if lang == "" {
		lang = b.language
	}
	return &nativeModel{
		model:    model,
		language: lang,
		meta: stt.Metadata{
			Name:         cfg.ModelLocation,
			Device:       cfg.Device,
			OutputStride: sr / 100,
			SampleRate:   sr,
		},
	}, nil
}

// nativeModel is a loaded whisper.cpp model.
type nativeModel struct {
	language string
	meta     stt.Metadata

	mu    sync.Mutex
	model whisperlib.Model
}

func (m *nativeModel) Metadata() stt.Metadata { return m.meta }

// Infer runs whisper.cpp on samples using a fresh context. whisper.cpp
// cannot be interrupted mid-call, so ctx is only checked before and after.
func (m *nativeModel) Infer(ctx context.Context, samples []float32) (stt.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model == nil {
		return nil, stt.ErrModelClosed
	}

	// Each context is NOT thread-safe, but the model can be shared across
	// goroutines.
	wctx, err := m.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(m.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", m.language, "error", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper: process audio: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var segs stt.Segments
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whisper: read segment: %w", err)
		}
		segs = append(segs, stt.Segment{Start: segment.Start, End: segment.End, Text: segment.Text})
	}
	return segs, nil
}

func (m *nativeModel) Decode(out stt.Output) (string, error) {
	return decodeSegments(out)
}

// Close releases the whisper model.
func (m *nativeModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model == nil {
		return nil
	}
	err := m.model.Close()
	m.model = nil
	return err
}
