// Package mock provides test doubles for the stt package interfaces.
//
// Use Backend to verify the PrepareConfig passed by the caller and to inject
// preparation failures. Use Model to script inference outputs, errors, and
// latency, and to inspect what each Infer call received and when it ran.
//
// Example:
//
//	m := &mock.Model{
//	    Meta:    stt.Metadata{StaticInputLength: 480000, OutputStride: 320},
//	    Outputs: []stt.Output{&stt.Logits{NumFrames: 1500, Vocab: 32, Data: data}},
//	}
//	b := &mock.Backend{Model: m}
//	model, _ := b.Prepare(ctx, cfg)
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/npustt/pkg/provider/stt"
)

// PrepareCall records a single invocation of Backend.Prepare.
type PrepareCall struct {
	// Cfg is the PrepareConfig passed to Prepare.
	Cfg stt.PrepareConfig
}

// Backend is a mock implementation of stt.Backend.
type Backend struct {
	mu sync.Mutex

	// Model is returned by Prepare. If nil, Prepare returns a new default
	// Model.
	Model stt.Model

	// PrepareErr, if non-nil, is returned as the error from Prepare.
	PrepareErr error

	// DeviceErrs maps a device name to the error Prepare returns for it.
	// Checked before PrepareErr.
	DeviceErrs map[string]error

	// PrepareCalls records every call to Prepare in order.
	PrepareCalls []PrepareCall
}

// Prepare records the call and returns Model, PrepareErr.
func (b *Backend) Prepare(_ context.Context, cfg stt.PrepareConfig) (stt.Model, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.PrepareCalls = append(b.PrepareCalls, PrepareCall{Cfg: cfg})
	if err, ok := b.DeviceErrs[cfg.Device]; ok {
		return nil, err
	}
	if b.PrepareErr != nil {
		return nil, b.PrepareErr
	}
	if b.Model != nil {
		return b.Model, nil
	}
	return &Model{}, nil
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (b *Backend) Calls() []PrepareCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]PrepareCall(nil), b.PrepareCalls...)
}

// Ensure Backend implements stt.Backend at compile time.
var _ stt.Backend = (*Backend)(nil)

// InferCall records a single invocation of Model.Infer.
type InferCall struct {
	// Samples is a copy of the buffer passed to Infer.
	Samples []float32

	// Started and Finished bracket the call.
	Started  time.Time
	Finished time.Time
}

// DecodeCall records a single invocation of Model.Decode.
type DecodeCall struct {
	// Frames is the frame count of the Output passed to Decode.
	Frames int

	// Output is the value passed to Decode.
	Output stt.Output
}

// Model is a mock implementation of stt.Model.
type Model struct {
	mu sync.Mutex

	// Meta is returned by Metadata.
	Meta stt.Metadata

	// Outputs are returned by Infer in order, one per call. When exhausted,
	// or when empty, Infer returns Logits with one frame per
	// Meta.OutputStride samples (or a single frame when the stride is 0).
	Outputs []stt.Output

	// InferErrs maps a zero-based call index to the error returned by that
	// call.
	InferErrs map[int]error

	// InferErr, if non-nil, is returned by every Infer call not covered by
	// InferErrs.
	InferErr error

	// Delay is how long each Infer call blocks. Honours ctx cancellation.
	Delay time.Duration

	// Texts are returned by Decode in order. When exhausted, Decode returns
	// "frames=<n>".
	Texts []string

	// DecodeErr, if non-nil, is returned by every Decode call.
	DecodeErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// InferCalls records every call to Infer in order.
	InferCalls []InferCall

	// DecodeCalls records every call to Decode in order.
	DecodeCalls []DecodeCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Metadata returns Meta.
func (m *Model) Metadata() stt.Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Meta
}

// Infer records the call, waits Delay, and returns the next scripted output.
// The lock is not held while waiting, so overlapping calls are observable in
// InferCalls.
func (m *Model) Infer(ctx context.Context, samples []float32) (stt.Output, error) {
	started := time.Now()
	cp := make([]float32, len(samples))
	copy(cp, samples)

	m.mu.Lock()
	idx := len(m.InferCalls)
	m.InferCalls = append(m.InferCalls, InferCall{Samples: cp, Started: started})
	delay := m.Delay
	m.mu.Unlock()

	var ctxErr error
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			ctxErr = ctx.Err()
		case <-t.C:
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.InferCalls[idx].Finished = time.Now()
	if ctxErr != nil {
		return nil, ctxErr
	}
	if err, ok := m.InferErrs[idx]; ok {
		return nil, err
	}
	if m.InferErr != nil {
		return nil, m.InferErr
	}
	if idx < len(m.Outputs) {
		return m.Outputs[idx], nil
	}
	frames := 1
	if m.Meta.OutputStride > 0 {
		frames = len(samples) / m.Meta.OutputStride
	}
	return &stt.Logits{NumFrames: frames, Vocab: 1, Data: make([]float32, frames)}, nil
}

// Decode records the call and returns the next scripted text.
func (m *Model) Decode(out stt.Output) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := len(m.DecodeCalls)
	m.DecodeCalls = append(m.DecodeCalls, DecodeCall{Frames: out.Frames(), Output: out})
	if m.DecodeErr != nil {
		return "", m.DecodeErr
	}
	if idx < len(m.Texts) {
		return m.Texts[idx], nil
	}
	return fmt.Sprintf("frames=%d", out.Frames()), nil
}

// Close records the call and returns CloseErr.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCallCount++
	return m.CloseErr
}

// Infers returns a copy of the recorded Infer calls. Thread-safe.
func (m *Model) Infers() []InferCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]InferCall(nil), m.InferCalls...)
}

// Decodes returns a copy of the recorded Decode calls. Thread-safe.
func (m *Model) Decodes() []DecodeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DecodeCall(nil), m.DecodeCalls...)
}

// Ensure Model implements stt.Model at compile time.
var _ stt.Model = (*Model)(nil)
