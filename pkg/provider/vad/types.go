package vad

// DefaultThreshold is the speech probability a frame must exceed to count as
// speech.
const DefaultThreshold = 0.5

// Decision is the boolean speech classification of one frame together with
// the score and threshold it was derived from.
type Decision struct {
	// Speech is true when Probability is strictly greater than Threshold.
	Speech bool

	// Probability is the speech probability score (0.0–1.0).
	Probability float64

	// Threshold is the cut-off that was applied.
	Threshold float64
}

// Decide turns a probability into a [Decision]. A probability equal to the
// threshold is not speech.
func Decide(probability, threshold float64) Decision {
	return Decision{
		Speech:      probability > threshold,
		Probability: probability,
		Threshold:   threshold,
	}
}
