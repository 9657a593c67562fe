// Package sink delivers pipeline events to their consumers.
//
// The [pipeline.Sink] implementations here cover the local surfaces (console
// and structured logs). Durable and networked sinks live in the journal and
// natsbus subpackages. [Multi] fans one event out to several sinks.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/npustt/internal/pipeline"
)

// Message is the serialisable form of a [pipeline.Event], shared by the
// journal and the message bus.
type Message struct {
	Kind        string    `json:"kind"`
	SessionID   string    `json:"session_id"`
	UtteranceID string    `json:"utterance_id"`
	Seq         int64     `json:"seq"`
	Text        string    `json:"text,omitempty"`
	StartMs     int64     `json:"start_ms"`
	DurationMs  int64     `json:"duration_ms"`
	Samples     int       `json:"samples"`
	Truncated   bool      `json:"truncated,omitempty"`
	InferenceMs int64     `json:"inference_ms,omitempty"`
	RTF         float64   `json:"rtf,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// NewMessage converts ev.
func NewMessage(ev pipeline.Event) Message {
	m := Message{
		Kind:        ev.Kind.String(),
		SessionID:   ev.SessionID,
		UtteranceID: ev.UtteranceID,
		Seq:         ev.Seq,
		Text:        ev.Text,
		StartMs:     ev.Start.Milliseconds(),
		DurationMs:  ev.Duration.Milliseconds(),
		Samples:     ev.Samples,
		Truncated:   ev.Truncated,
		InferenceMs: ev.InferenceTime.Milliseconds(),
		RTF:         ev.RTF,
		At:          ev.At.UTC(),
	}
	if ev.Err != nil {
		m.Error = ev.Err.Error()
	}
	return m
}

// Multi returns a Sink publishing every event to all sinks in order. Every
// sink sees every event; the errors are joined.
func Multi(sinks ...pipeline.Sink) pipeline.Sink {
	return multi(sinks)
}

type multi []pipeline.Sink

func (m multi) Publish(ctx context.Context, ev pipeline.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log is a Sink writing one structured record per event to the default
// [slog.Logger].
type Log struct{}

// Publish logs ev at info level, or warn for failures and drops.
func (Log) Publish(ctx context.Context, ev pipeline.Event) error {
	attrs := []slog.Attr{
		slog.String("session_id", ev.SessionID),
		slog.String("utterance_id", ev.UtteranceID),
		slog.Int64("seq", ev.Seq),
		slog.Duration("start", ev.Start),
		slog.Duration("duration", ev.Duration),
	}
	switch ev.Kind {
	case pipeline.KindTranscript:
		attrs = append(attrs,
			slog.String("text", ev.Text),
			slog.Duration("inference_time", ev.InferenceTime),
			slog.Float64("rtf", ev.RTF),
			slog.Bool("truncated", ev.Truncated),
		)
		slog.LogAttrs(ctx, slog.LevelInfo, "transcript", attrs...)
	default:
		attrs = append(attrs, slog.Any("err", ev.Err))
		slog.LogAttrs(ctx, slog.LevelWarn, "utterance "+ev.Kind.String(), attrs...)
	}
	return nil
}

// Writer prints transcripts to an io.Writer as "> text" lines.
type Writer struct {
	mu sync.Mutex
	w  io.Writer

	// Timings appends inference time and real-time factor to each line.
	Timings bool
}

// NewWriter returns a Writer printing to w.
func NewWriter(w io.Writer, timings bool) *Writer {
	return &Writer{w: w, Timings: timings}
}

// Publish prints ev when it is a non-empty transcript. Other events are
// ignored.
func (s *Writer) Publish(_ context.Context, ev pipeline.Event) error {
	if ev.Kind != pipeline.KindTranscript || ev.Text == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.Timings {
		_, err = fmt.Fprintf(s.w, "> %s  [%.2fs audio, %.3fs inference, rtf %.3f]\n",
			ev.Text, ev.Duration.Seconds(), ev.InferenceTime.Seconds(), ev.RTF)
	} else {
		_, err = fmt.Fprintf(s.w, "> %s\n", ev.Text)
	}
	if err != nil {
		return fmt.Errorf("sink: write transcript: %w", err)
	}
	return nil
}

var (
	_ pipeline.Sink = multi(nil)
	_ pipeline.Sink = Log{}
	_ pipeline.Sink = (*Writer)(nil)
)
