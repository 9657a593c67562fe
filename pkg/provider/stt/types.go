package stt

import (
	"strings"
	"time"
)

// Output is the per-frame result of one inference call. Each frame covers
// [Metadata.OutputStride] input samples.
type Output interface {
	// Frames returns the number of output frames.
	Frames() int

	// Truncate returns an Output holding only the first n frames. n larger
	// than Frames returns the receiver unchanged; negative n is treated as 0.
	Truncate(n int) Output
}

// Logits is a row-major frames × vocab score matrix produced by CTC models.
type Logits struct {
	// NumFrames is the number of rows.
	NumFrames int

	// Vocab is the number of columns (the vocabulary size).
	Vocab int

	// Data holds NumFrames*Vocab scores.
	Data []float32
}

// Frames returns the number of rows.
func (l *Logits) Frames() int { return l.NumFrames }

// Truncate returns a view over the first n rows. The underlying data is
// shared, not copied.
func (l *Logits) Truncate(n int) Output {
	n = max(n, 0)
	if n >= l.NumFrames {
		return l
	}
	return &Logits{NumFrames: n, Vocab: l.Vocab, Data: l.Data[:n*l.Vocab]}
}

// Row returns the scores of frame i.
func (l *Logits) Row(i int) []float32 {
	return l.Data[i*l.Vocab : (i+1)*l.Vocab]
}

// Argmax returns the index of the highest score in frame i. Ties resolve to
// the lowest index.
func (l *Logits) Argmax(i int) int {
	row := l.Row(i)
	best := 0
	for j := 1; j < len(row); j++ {
		if row[j] > row[best] {
			best = j
		}
	}
	return best
}

var _ Output = (*Logits)(nil)

// SegmentResolution is the time granularity of whisper-style segment
// timestamps.
const SegmentResolution = 10 * time.Millisecond

// Segment is one timed span of recognised text.
type Segment struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// Segments is the output of sequence-to-sequence models that emit timed text
// rather than frame scores. One frame is [SegmentResolution] long.
type Segments []Segment

// Frames returns the number of SegmentResolution ticks covered by the last
// segment's end.
func (s Segments) Frames() int {
	if len(s) == 0 {
		return 0
	}
	end := s[len(s)-1].End
	return int((end + SegmentResolution - 1) / SegmentResolution)
}

// Truncate drops segments starting at or after n ticks and clips the end of
// a segment straddling the boundary.
func (s Segments) Truncate(n int) Output {
	limit := time.Duration(max(n, 0)) * SegmentResolution
	out := make(Segments, 0, len(s))
	for _, seg := range s {
		if seg.Start >= limit {
			break
		}
		seg.End = min(seg.End, limit)
		out = append(out, seg)
	}
	return out
}

// Text joins the trimmed text of all segments with single spaces.
func (s Segments) Text() string {
	parts := make([]string, 0, len(s))
	for _, seg := range s {
		if t := strings.TrimSpace(seg.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

var _ Output = Segments(nil)
