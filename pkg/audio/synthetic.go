package audio

import (
	"math"
	"math/rand/v2"
	"time"
)

// formants are the component frequencies (Hz) mixed into synthetic speech.
var formants = []float64{100, 200, 300, 500, 800, 1200}

// syllableRate is the amplitude modulation rate (Hz) of synthetic speech.
const syllableRate = 3.0

// Span is one contiguous stretch of a synthetic signal.
type Span struct {
	Speech   bool
	Duration time.Duration
}

// SpeechLike generates duration worth of speech-like audio: a mixture of
// formant sinusoids with a syllable-rate envelope, peak-normalised to 0.8.
// The same seed always produces the same samples.
func SpeechLike(duration time.Duration, sampleRate int, seed uint64) []float32 {
	n := int(duration.Seconds() * float64(sampleRate))
	if n <= 0 {
		return nil
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	phases := make([]float64, len(formants))
	for i := range phases {
		phases[i] = rng.Float64() * math.Pi
	}

	out := make([]float32, n)
	var peak float64
	for i := range n {
		t := float64(i) / float64(sampleRate)
		var v float64
		for k, f := range formants {
			v += 0.1 * math.Sin(2*math.Pi*f*t+phases[k])
		}
		v *= 0.5 + 0.5*math.Sin(2*math.Pi*syllableRate*t)
		out[i] = float32(v)
		peak = math.Max(peak, math.Abs(v))
	}
	if peak > 0 {
		scale := float32(0.8 / peak)
		for i := range out {
			out[i] *= scale
		}
	}
	return out
}

// Synthesize renders spans into one contiguous signal. Silence spans are
// digital zero.
func Synthesize(spans []Span, sampleRate int, seed uint64) []float32 {
	var out []float32
	for i, sp := range spans {
		if sp.Speech {
			out = append(out, SpeechLike(sp.Duration, sampleRate, seed+uint64(i))...)
			continue
		}
		n := int(sp.Duration.Seconds() * float64(sampleRate))
		out = append(out, make([]float32, n)...)
	}
	return out
}

// NewSyntheticSource returns a [SliceSource] replaying the rendered spans as
// frames of blockSize samples. A trailing partial block is dropped.
func NewSyntheticSource(spans []Span, blockSize, sampleRate int, realtime bool) *SliceSource {
	rb := NewReblocker(blockSize, sampleRate)
	return NewSliceSource(rb.Push(Synthesize(spans, sampleRate, 1)), realtime)
}
