package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every npustt span.
const tracerName = "github.com/MrWong99/npustt"

// Span attribute keys identifying an utterance.
const (
	AttrSessionID    = attribute.Key("stt.session_id")
	AttrUtteranceID  = attribute.Key("stt.utterance_id")
	AttrUtteranceSeq = attribute.Key("stt.utterance_seq")
)

// Utterance identifies one emitted utterance in logs and spans.
type Utterance struct {
	SessionID string
	ID        string
	Seq       int64
}

// Attributes returns u as span attributes.
func (u Utterance) Attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSessionID.String(u.SessionID),
		AttrUtteranceID.String(u.ID),
		AttrUtteranceSeq.Int64(u.Seq),
	}
}

type utteranceKey struct{}

// WithUtterance returns a context carrying u. Spans started with [StartSpan]
// and loggers from [Logger] pick it up.
func WithUtterance(ctx context.Context, u Utterance) context.Context {
	return context.WithValue(ctx, utteranceKey{}, u)
}

// UtteranceFrom returns the utterance stored by [WithUtterance].
func UtteranceFrom(ctx context.Context) (Utterance, bool) {
	u, ok := ctx.Value(utteranceKey{}).(Utterance)
	return u, ok
}

// Tracer returns the npustt tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span tagged with the utterance in ctx, if any. The
// caller must end the span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if u, ok := UtteranceFrom(ctx); ok {
		opts = append(opts, trace.WithAttributes(u.Attributes()...))
	}
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the trace ID of the active span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with the utterance in ctx and
// the trace_id and span_id of its active span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if u, ok := UtteranceFrom(ctx); ok {
		l = l.With(
			slog.String("session_id", u.SessionID),
			slog.String("utterance_id", u.ID),
			slog.Int64("seq", u.Seq),
		)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
