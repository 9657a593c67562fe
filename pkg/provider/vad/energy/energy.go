// Package energy implements a pure-Go [vad.Classifier] based on signal
// energy. It needs no model runtime, which makes it the default classifier in
// tests, the synthetic benchmark mode and on hosts without a neural VAD.
//
// The probability is a soft knee over the block RMS:
//
//	p = rms² / (rms² + ref²)
//
// so a block whose RMS equals the reference level scores exactly 0.5.
package energy

import (
	"context"
	"errors"

	"github.com/MrWong99/npustt/pkg/audio"
	"github.com/MrWong99/npustt/pkg/provider/vad"
)

// DefaultReferenceRMS is the RMS that maps to probability 0.5. It corresponds
// to an int16 amplitude of roughly 300.
const DefaultReferenceRMS = 300.0 / 32768.0

// Classifier is an RMS energy gate. The zero value is not usable; construct
// one with [New].
type Classifier struct {
	ref float64
}

// Option is a functional option for configuring a Classifier.
type Option func(*Classifier)

// WithReferenceRMS sets the RMS level that maps to probability 0.5.
func WithReferenceRMS(ref float64) Option {
	return func(c *Classifier) { c.ref = ref }
}

// New returns an energy classifier.
func New(opts ...Option) (*Classifier, error) {
	c := &Classifier{ref: DefaultReferenceRMS}
	for _, o := range opts {
		o(c)
	}
	if c.ref <= 0 {
		return nil, errors.New("energy: reference RMS must be positive")
	}
	return c, nil
}

// Classify returns the speech probability of samples.
func (c *Classifier) Classify(ctx context.Context, samples []float32, sampleRate int) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := vad.CheckSampleRate(sampleRate); err != nil {
		return 0, err
	}
	rms := audio.RMS(samples)
	e := rms * rms
	return e / (e + c.ref*c.ref), nil
}

var _ vad.Classifier = (*Classifier)(nil)
