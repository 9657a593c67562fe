package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// PCM16ToFloat32 converts 16-bit signed little-endian PCM audio to float32
// samples normalised to the range [-1.0, 1.0]. The input length must be even
// (two bytes per sample); any trailing odd byte is silently ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}

// Float32ToPCM16 converts float32 samples to 16-bit signed integers, clamping
// out-of-range values to the int16 limits.
func Float32ToPCM16(samples []float32) []int {
	out := make([]int, len(samples))
	for i, s := range samples {
		v := math.Round(float64(s) * 32768.0)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int(v)
	}
	return out
}

// Downmix averages interleaved multi-channel samples into mono. If channels is
// 1 or less the input is returned unchanged.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	mono := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += samples[i*channels+ch]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// Resample resamples mono float32 audio from srcRate to dstRate using linear
// interpolation. If srcRate == dstRate, the input is returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstLen {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// RMS returns the root-mean-square energy of samples. Empty input yields 0.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Reblocker turns arbitrarily sized sample pushes into fixed-size frames.
// Create one per stream; it is not safe for concurrent use.
type Reblocker struct {
	blockSize  int
	sampleRate int
	pending    []float32
	emitted    int64
}

// NewReblocker returns a Reblocker that emits frames of blockSize samples at
// sampleRate. A non-positive blockSize falls back to [DefaultBlockSize].
func NewReblocker(blockSize, sampleRate int) *Reblocker {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Reblocker{blockSize: blockSize, sampleRate: sampleRate}
}

// Push appends samples and returns every complete frame now available. Each
// returned frame owns a fresh copy of its samples. Timestamps are derived from
// the number of samples emitted so far.
func (r *Reblocker) Push(samples []float32) []Frame {
	r.pending = append(r.pending, samples...)
	var frames []Frame
	for len(r.pending) >= r.blockSize {
		block := make([]float32, r.blockSize)
		copy(block, r.pending[:r.blockSize])
		r.pending = r.pending[r.blockSize:]
		frames = append(frames, Frame{
			Samples:    block,
			SampleRate: r.sampleRate,
			Timestamp:  r.offset(),
		})
		r.emitted += int64(r.blockSize)
	}
	if len(r.pending) == 0 {
		r.pending = nil
	}
	return frames
}

// Pending returns the number of buffered samples that do not yet fill a frame.
func (r *Reblocker) Pending() int { return len(r.pending) }

func (r *Reblocker) offset() time.Duration {
	if r.sampleRate <= 0 {
		return 0
	}
	return time.Duration(r.emitted * int64(time.Second) / int64(r.sampleRate))
}
