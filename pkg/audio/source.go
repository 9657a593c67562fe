package audio

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrOverrun is returned by [ChannelSource.Push] when the frame queue is full
// and the pushed audio had to be dropped.
var ErrOverrun = errors.New("audio: capture queue overrun")

// ErrSourceClosed is returned by [ChannelSource.Push] after the source has
// been closed.
var ErrSourceClosed = errors.New("audio: source is closed")

// Source yields fixed-size frames in arrival order.
//
// Next blocks until a frame is available, the source ends, or ctx is done. It
// returns [io.EOF] when the stream ends normally, ctx.Err() when ctx is done,
// and any other error when the capture device fails. A Source must never
// block past ctx cancellation.
//
// A Source is consumed by exactly one goroutine.
type Source interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// ChannelSource adapts push-style capture (a driver callback delivering
// arbitrarily sized sample blocks) to the pull-based [Source] interface. Push
// never blocks, so the capture callback is never stalled.
type ChannelSource struct {
	frames chan Frame

	mu        sync.Mutex
	reblocker *Reblocker
	closed    bool
	err       error
	overruns  int
}

// NewChannelSource creates a ChannelSource that emits frames of blockSize
// samples at sampleRate and buffers up to queueSize frames.
func NewChannelSource(blockSize, sampleRate, queueSize int) *ChannelSource {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &ChannelSource{
		frames:    make(chan Frame, queueSize),
		reblocker: NewReblocker(blockSize, sampleRate),
	}
}

// Push delivers captured samples. Complete frames are queued; when the queue
// is full the surplus frames are dropped and [ErrOverrun] is returned.
func (s *ChannelSource) Push(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSourceClosed
	}
	var overrun bool
	for _, f := range s.reblocker.Push(samples) {
		select {
		case s.frames <- f:
		default:
			s.overruns++
			overrun = true
		}
	}
	if overrun {
		return ErrOverrun
	}
	return nil
}

// Overruns returns the number of frames dropped because the queue was full.
func (s *ChannelSource) Overruns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overruns
}

// CloseWithError ends the stream. Frames already queued are still delivered;
// afterwards Next returns err, or [io.EOF] when err is nil. Subsequent calls
// are no-ops.
func (s *ChannelSource) CloseWithError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.frames)
}

// Close ends the stream normally.
func (s *ChannelSource) Close() error {
	s.CloseWithError(nil)
	return nil
}

// Next returns the next queued frame.
func (s *ChannelSource) Next(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case f, ok := <-s.frames:
		if ok {
			return f, nil
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Frame{}, s.err
	}
	return Frame{}, io.EOF
}

var _ Source = (*ChannelSource)(nil)

// SliceSource replays a fixed list of frames. When Realtime is set, Next
// sleeps for each frame's duration before returning it, mimicking live
// capture.
type SliceSource struct {
	frames   []Frame
	pos      int
	realtime bool
}

// NewSliceSource returns a SliceSource over frames.
func NewSliceSource(frames []Frame, realtime bool) *SliceSource {
	return &SliceSource{frames: frames, realtime: realtime}
}

// Next returns the next frame or [io.EOF] once all frames have been replayed.
func (s *SliceSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.pos >= len(s.frames) {
		return Frame{}, io.EOF
	}
	f := s.frames[s.pos]
	if s.realtime {
		t := time.NewTimer(f.Duration())
		select {
		case <-ctx.Done():
			t.Stop()
			return Frame{}, ctx.Err()
		case <-t.C:
		}
	}
	s.pos++
	return f, nil
}

// Close is a no-op.
func (s *SliceSource) Close() error { return nil }

var _ Source = (*SliceSource)(nil)
