package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the livetalk tracer.
const tracerName = "github.com/MrWong99/livetalk"

// sessionAttr is the span attribute and log key carrying the session ID.
const sessionAttr = "session.id"

type sessionKey struct{}

// WithSession returns a copy of ctx tagged with a voice session ID. Spans
// started and loggers derived from the result carry the ID.
func WithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the session ID stored by [WithSession], or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// Tracer returns the livetalk tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. When ctx belongs to a session the span
// gets a session.id attribute. The caller must end the span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if id := SessionID(ctx); id != "" {
		opts = append(opts, trace.WithAttributes(attribute.String(sessionAttr, id)))
	}
	return Tracer().Start(ctx, name, opts...)
}

// TraceID returns the hex trace ID of the span in ctx, or "" without one.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Logger returns the default logger with whatever ctx knows about: the
// session_id set by [WithSession] and the trace_id/span_id of the active
// span.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if id := SessionID(ctx); id != "" {
		attrs = append(attrs, slog.String("session_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
