// Package mock provides test doubles for the vad package interfaces.
//
// Use Classifier to script per-call speech probabilities and errors and to
// inspect the blocks that were submitted for classification.
//
// Example:
//
//	c := &mock.Classifier{Probabilities: []float64{0.9, 0.9, 0.1}}
//	p, _ := c.Classify(ctx, frame.Samples, 16000) // 0.9
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/npustt/pkg/provider/vad"
)

// ClassifyCall records a single invocation of Classifier.Classify.
type ClassifyCall struct {
	// Samples is a copy of the block passed to Classify.
	Samples []float32

	// SampleRate is the rate passed to Classify.
	SampleRate int
}

// Classifier is a mock implementation of vad.Classifier.
type Classifier struct {
	mu sync.Mutex

	// Probabilities are returned in order, one per call. Once exhausted,
	// Default is returned.
	Probabilities []float64

	// Default is returned after Probabilities is exhausted.
	Default float64

	// Errs, if non-nil, maps a zero-based call index to the error returned by
	// that call.
	Errs map[int]error

	// Err, if non-nil, is returned by every call not covered by Errs.
	Err error

	// Calls records every call to Classify in order.
	Calls []ClassifyCall
}

// Classify records the call and returns the next scripted probability.
func (c *Classifier) Classify(_ context.Context, samples []float32, sampleRate int) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := len(c.Calls)
	cp := make([]float32, len(samples))
	copy(cp, samples)
	c.Calls = append(c.Calls, ClassifyCall{Samples: cp, SampleRate: sampleRate})

	if err, ok := c.Errs[idx]; ok {
		return 0, err
	}
	if c.Err != nil {
		return 0, c.Err
	}
	if idx < len(c.Probabilities) {
		return c.Probabilities[idx], nil
	}
	return c.Default, nil
}

// CallCount returns the number of Classify calls so far. Thread-safe.
func (c *Classifier) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = nil
}

// Ensure Classifier implements vad.Classifier at compile time.
var _ vad.Classifier = (*Classifier)(nil)
