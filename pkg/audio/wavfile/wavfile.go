// Package wavfile provides a file-backed [audio.Source] that decodes PCM WAV
// files and replays them as fixed-size mono frames.
package wavfile

import (
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/npustt/pkg/audio"
)

// ErrInvalidFile is returned when the input is not a decodable PCM WAV file.
var ErrInvalidFile = errors.New("wavfile: not a valid PCM wav file")

// Options control how a WAV file is turned into frames.
type Options struct {
	// SampleRate is the target rate; the file is resampled when it differs.
	// Defaults to audio.DefaultSampleRate.
	SampleRate int

	// BlockSize is the number of samples per frame. Defaults to
	// audio.DefaultBlockSize.
	BlockSize int

	// Realtime paces frames at their nominal duration.
	Realtime bool
}

// Open decodes the WAV file at path and returns a source over its frames.
// Multi-channel audio is down-mixed to mono. A trailing partial block is
// zero-padded so no audio is lost.
func Open(path string, opts Options) (*audio.SliceSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: open %q: %w", path, err)
	}
	defer f.Close()

	samples, rate, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("wavfile: decode %q: %w", path, err)
	}
	return NewSource(samples, rate, opts), nil
}

// NewSource builds a frame source from already decoded mono samples at rate.
func NewSource(samples []float32, rate int, opts Options) *audio.SliceSource {
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.DefaultSampleRate
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = audio.DefaultBlockSize
	}
	samples = audio.Resample(samples, rate, opts.SampleRate)

	rb := audio.NewReblocker(opts.BlockSize, opts.SampleRate)
	frames := rb.Push(samples)
	if rest := rb.Pending(); rest > 0 {
		frames = append(frames, rb.Push(make([]float32, opts.BlockSize-rest))...)
	}
	return audio.NewSliceSource(frames, opts.Realtime)
}

// Decode reads an entire PCM WAV stream and returns mono float32 samples and
// the file's sample rate.
func Decode(r io.ReadSeeker) ([]float32, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, ErrInvalidFile
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, err
	}
	if buf == nil || buf.Format == nil {
		return nil, 0, ErrInvalidFile
	}
	depth := int(dec.BitDepth)
	if depth <= 0 {
		depth = 16
	}
	return audio.Downmix(normalise(buf, depth), buf.Format.NumChannels), buf.Format.SampleRate, nil
}

// normalise scales integer PCM of the given bit depth into [-1.0, 1.0].
func normalise(buf *goaudio.IntBuffer, depth int) []float32 {
	scale := float32(int64(1) << (depth - 1))
	out := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		out[i] = float32(v) / scale
	}
	return out
}

// Encode writes mono float32 samples as a 16-bit PCM WAV stream.
func Encode(w io.WriteSeeker, samples []float32, sampleRate int) error {
	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           audio.Float32ToPCM16(samples),
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("wavfile: write: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("wavfile: close encoder: %w", err)
	}
	return nil
}

// EncodeBytes returns mono float32 samples as an in-memory 16-bit PCM WAV
// file.
func EncodeBytes(samples []float32, sampleRate int) ([]byte, error) {
	var buf seekBuffer
	if err := Encode(&buf, samples, sampleRate); err != nil {
		return nil, err
	}
	return buf.data, nil
}

// seekBuffer is an in-memory [io.WriteSeeker]. The wav encoder seeks back to
// patch chunk sizes on Close.
type seekBuffer struct {
	data []byte
	pos  int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	if end := b.pos + len(p); end > len(b.data) {
		b.data = append(b.data, make([]byte, end-len(b.data))...)
	}
	n := copy(b.data[b.pos:], p)
	b.pos += n
	return n, nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(b.pos)
	case io.SeekEnd:
		base = int64(len(b.data))
	default:
		return 0, fmt.Errorf("wavfile: invalid whence %d", whence)
	}
	pos := base + offset
	if pos < 0 {
		return 0, errors.New("wavfile: seek before start")
	}
	b.pos = int(pos)
	return pos, nil
}
