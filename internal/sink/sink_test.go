package sink_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/npustt/internal/pipeline"
	"github.com/MrWong99/npustt/internal/sink"
)

func transcript(text string) pipeline.Event {
	return pipeline.Event{
		Kind:          pipeline.KindTranscript,
		SessionID:     "s",
		UtteranceID:   "u",
		Seq:           1,
		Text:          text,
		Start:         1500 * time.Millisecond,
		Duration:      2 * time.Second,
		InferenceTime: 100 * time.Millisecond,
		RTF:           0.05,
	}
}

func TestWriter(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		timings bool
		events  []pipeline.Event
		want    string
	}{
		{
			name:   "plain",
			events: []pipeline.Event{transcript("HELLO WORLD"), transcript("AGAIN")},
			want:   "> HELLO WORLD\n> AGAIN\n",
		},
		{
			name:   "skips empty and failures",
			events: []pipeline.Event{transcript(""), {Kind: pipeline.KindFailure, Err: errors.New("x")}},
			want:   "",
		},
		{
			name:    "timings",
			timings: true,
			events:  []pipeline.Event{transcript("HI")},
			want:    "> HI  [2.00s audio, 0.100s inference, rtf 0.050]\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			w := sink.NewWriter(&buf, tt.timings)
			for _, ev := range tt.events {
				if err := w.Publish(context.Background(), ev); err != nil {
					t.Fatalf("Publish: %v", err)
				}
			}
			if buf.String() != tt.want {
				t.Errorf("output = %q, want %q", buf.String(), tt.want)
			}
		})
	}
}

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	t.Parallel()
	errA := errors.New("a down")
	var got []string
	rec := func(name string, err error) pipeline.Sink {
		return pipeline.SinkFunc(func(_ context.Context, ev pipeline.Event) error {
			got = append(got, name+":"+ev.Text)
			return err
		})
	}
	m := sink.Multi(rec("a", errA), rec("b", nil))
	err := m.Publish(context.Background(), transcript("x"))
	if !errors.Is(err, errA) {
		t.Errorf("err = %v, want errA", err)
	}
	if strings.Join(got, ",") != "a:x,b:x" {
		t.Errorf("deliveries = %v", got)
	}
}

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	_ = sink.Log{}.Publish(context.Background(), transcript("HELLO"))
	_ = sink.Log{}.Publish(context.Background(), pipeline.Event{Kind: pipeline.KindFailure, Err: errors.New("device lost")})

	out := buf.String()
	for _, want := range []string{"msg=transcript", "text=HELLO", "level=WARN", `msg="utterance failure"`, `err="device lost"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestNewMessage(t *testing.T) {
	t.Parallel()
	ev := transcript("HI")
	ev.Truncated = true
	ev.At = time.Date(2026, 5, 1, 10, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	m := sink.NewMessage(ev)
	if m.Kind != "transcript" || m.StartMs != 1500 || m.DurationMs != 2000 || m.InferenceMs != 100 || !m.Truncated {
		t.Errorf("message = %+v", m)
	}
	if m.At.Location() != time.UTC || m.At.Hour() != 8 {
		t.Errorf("At = %v, want UTC", m.At)
	}
	if m.Error != "" {
		t.Errorf("Error = %q", m.Error)
	}
}
