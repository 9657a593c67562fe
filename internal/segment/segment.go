// Package segment implements the speech segmentation state machine.
//
// A [Machine] consumes one frame at a time together with its speech
// decision and groups consecutive frames into utterances. Leading silence is
// ignored; once speech starts every frame, speech or not, is buffered so the
// transcriber sees natural trailing context. An utterance is complete when
// the accumulated trailing silence reaches the configured threshold.
//
//	Idle     + speech  → start buffer, Speaking
//	Idle     + silence → stay Idle
//	Speaking + speech  → append, reset silence run
//	Speaking + silence → append, grow silence run; emit and go Idle when
//	                     the run reaches the threshold
//
// The machine does no I/O and cannot fail. It is not safe for concurrent use.
package segment

import (
	"fmt"
	"time"

	"github.com/MrWong99/npustt/pkg/audio"
)

// DefaultSilenceThreshold is the trailing silence that ends an utterance.
const DefaultSilenceThreshold = 500 * time.Millisecond

// State is the segmentation state.
type State int

const (
	// Idle means no speech has been observed since the last emission.
	Idle State = iota

	// Speaking means an utterance is being accumulated.
	Speaking
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Speaking:
		return "speaking"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Utterance is a completed speech region. It owns Samples exclusively.
type Utterance struct {
	// Samples is the contiguous audio from the first speech frame through the
	// last trailing-silence frame.
	Samples []float32

	// SampleRate of Samples in Hz.
	SampleRate int

	// Start is the timestamp of the first speech frame.
	Start time.Duration

	// Frames is the number of frames concatenated into Samples.
	Frames int
}

// Duration returns the audio length of the utterance.
func (u Utterance) Duration() time.Duration {
	if u.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(u.Samples)) * time.Second / time.Duration(u.SampleRate)
}

// Machine is the segmentation state machine. The zero value is not usable;
// construct one with [New].
type Machine struct {
	thresholdMs float64

	state        State
	frames       []audio.Frame
	samples      int
	silenceRunMs float64
}

// Option is a functional option for configuring a Machine.
type Option func(*Machine)

// WithSilenceThreshold sets the trailing silence that completes an utterance.
// Non-positive values are ignored.
func WithSilenceThreshold(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.thresholdMs = durationMs(d)
		}
	}
}

// New returns a Machine in state Idle.
func New(opts ...Option) *Machine {
	m := &Machine{thresholdMs: durationMs(DefaultSilenceThreshold)}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Step feeds one frame and its speech decision. When the frame completes an
// utterance, Step returns it and true.
func (m *Machine) Step(frame audio.Frame, speech bool) (Utterance, bool) {
	switch m.state {
	case Idle:
		if !speech {
			return Utterance{}, false
		}
		m.state = Speaking
		m.silenceRunMs = 0
		m.push(frame)
		return Utterance{}, false

	default:
		m.push(frame)
		if speech {
			m.silenceRunMs = 0
			return Utterance{}, false
		}
		m.silenceRunMs += frame.DurationMs()
		if m.silenceRunMs >= m.thresholdMs {
			return m.emit(), true
		}
		return Utterance{}, false
	}
}

// Flush emits the partial utterance, if any, regardless of trailing silence.
func (m *Machine) Flush() (Utterance, bool) {
	if m.state != Speaking || len(m.frames) == 0 {
		m.Reset()
		return Utterance{}, false
	}
	return m.emit(), true
}

// Reset discards any partial utterance and returns to Idle.
func (m *Machine) Reset() {
	m.frames = nil
	m.samples = 0
	m.silenceRunMs = 0
	m.state = Idle
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// SilenceRun returns the trailing silence accumulated in state Speaking, in
// fractional milliseconds. It is always 0 in state Idle.
func (m *Machine) SilenceRun() float64 { return m.silenceRunMs }

// Buffered returns the number of samples in the open utterance.
func (m *Machine) Buffered() int { return m.samples }

// SetSilenceThreshold changes the threshold. It applies from the next Step,
// including to an utterance already in progress. Non-positive values are
// ignored.
func (m *Machine) SetSilenceThreshold(d time.Duration) {
	if d > 0 {
		m.thresholdMs = durationMs(d)
	}
}

// SilenceThreshold returns the current threshold.
func (m *Machine) SilenceThreshold() time.Duration {
	return time.Duration(m.thresholdMs * float64(time.Millisecond))
}

func (m *Machine) push(f audio.Frame) {
	m.frames = append(m.frames, f)
	m.samples += len(f.Samples)
}

// emit concatenates the buffer into an Utterance and drops the machine's
// reference to it.
func (m *Machine) emit() Utterance {
	first := m.frames[0]
	u := Utterance{
		Samples:    make([]float32, 0, m.samples),
		SampleRate: first.SampleRate,
		Start:      first.Timestamp,
		Frames:     len(m.frames),
	}
	for _, f := range m.frames {
		u.Samples = append(u.Samples, f.Samples...)
	}
	m.Reset()
	return u
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
