package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// Response headers set by [Middleware].
const (
	SessionHeader = "X-Session-ID"
	TraceHeader   = "X-Trace-ID"
)

// unmatchedRoute labels requests no route pattern matched, keeping the
// duration histogram's path attribute bounded.
const unmatchedRoute = "unmatched"

// statusRecorder remembers the status code written downstream.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrumented is the handler returned by [Middleware].
type instrumented struct {
	next    http.Handler
	metrics *Metrics
	session func() string
	prop    propagation.TextMapPropagator
}

// Middleware instruments the local probe and scrape endpoint.
//
// Every request runs inside a server span that continues any W3C trace
// context from the request headers. Its duration is recorded to
// [Metrics.HTTPRequestDuration], labelled with method, the matched route
// pattern and status. The trace ID is echoed in [TraceHeader]. Completion is
// logged at debug level, or at warn level for 5xx responses. When session is
// non-nil and returns a non-empty ID, that ID is attached to the span, the
// log line and the [SessionHeader] response header.
func Middleware(m *Metrics, session func() string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return &instrumented{
			next:    next,
			metrics: m,
			session: session,
			prop:    propagation.TraceContext{},
		}
	}
}

func (h *instrumented) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	ctx := h.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	if h.session != nil {
		if id := h.session(); id != "" {
			ctx = WithSession(ctx, id)
			w.Header().Set(SessionHeader, id)
		}
	}

	ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		),
	)
	defer span.End()
	w.Header().Set(TraceHeader, TraceID(ctx))

	// ServeMux writes the matched pattern into this request value.
	r = r.WithContext(ctx)
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	h.next.ServeHTTP(rec, r)

	route := r.Pattern
	if route == "" {
		route = unmatchedRoute
	}
	elapsed := time.Since(start)

	span.SetAttributes(
		semconv.HTTPRoute(route),
		semconv.HTTPResponseStatusCode(rec.status),
	)
	h.metrics.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("path", route),
			attribute.Int("status", rec.status),
		),
	)

	level := slog.LevelDebug
	if rec.status >= http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	Logger(ctx).LogAttrs(ctx, level, "http request",
		slog.String("method", r.Method),
		slog.String("route", route),
		slog.Int("status", rec.status),
		slog.Duration("duration", elapsed),
	)
}
