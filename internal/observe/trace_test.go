package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs an in-memory tracer provider as the global one for the
// duration of the test.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return exp
}

// captureDefaultLog points slog.Default at a JSON buffer for the duration of
// the test.
func captureDefaultLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	return rec
}

func TestSessionID(t *testing.T) {
	t.Parallel()

	if got := SessionID(context.Background()); got != "" {
		t.Errorf("SessionID(background) = %q, want empty", got)
	}
	ctx := WithSession(context.Background(), "abc")
	if got := SessionID(ctx); got != "abc" {
		t.Errorf("SessionID = %q, want abc", got)
	}
	inner := WithSession(ctx, "def")
	if got := SessionID(inner); got != "def" {
		t.Errorf("nested SessionID = %q, want def", got)
	}
}

func TestTraceID(t *testing.T) {
	exp := useTracer(t)

	if got := TraceID(context.Background()); got != "" {
		t.Errorf("TraceID(background) = %q, want empty", got)
	}

	ctx, span := StartSpan(context.Background(), "probe")
	got := TraceID(ctx)
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if want := spans[0].SpanContext.TraceID().String(); got != want {
		t.Errorf("TraceID = %q, want %q", got, want)
	}
}

func TestStartSpan_SessionAttribute(t *testing.T) {
	exp := useTracer(t)

	_, plain := StartSpan(context.Background(), "plain")
	plain.End()
	_, tagged := StartSpan(WithSession(context.Background(), "s-7"), "tagged")
	tagged.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	for _, s := range spans {
		v, ok := spanAttr(s, sessionAttr)
		switch s.Name {
		case "plain":
			if ok {
				t.Errorf("plain span carries %s=%q", sessionAttr, v.AsString())
			}
		case "tagged":
			if !ok || v.AsString() != "s-7" {
				t.Errorf("tagged span %s = %q, want s-7", sessionAttr, v.AsString())
			}
		default:
			t.Errorf("unexpected span %q", s.Name)
		}
	}
}

func TestLogger(t *testing.T) {
	useTracer(t)

	t.Run("bare context", func(t *testing.T) {
		buf := captureDefaultLog(t)
		Logger(context.Background()).Info("hello")
		rec := decodeLine(t, buf)
		for _, k := range []string{"session_id", "trace_id", "span_id"} {
			if _, ok := rec[k]; ok {
				t.Errorf("unexpected %s in %v", k, rec)
			}
		}
	})

	t.Run("session and span", func(t *testing.T) {
		buf := captureDefaultLog(t)
		ctx, span := StartSpan(WithSession(context.Background(), "s-1"), "work")
		defer span.End()

		Logger(ctx).Info("hello")
		rec := decodeLine(t, buf)
		if rec["session_id"] != "s-1" {
			t.Errorf("session_id = %v, want s-1", rec["session_id"])
		}
		if rec["trace_id"] != TraceID(ctx) {
			t.Errorf("trace_id = %v, want %s", rec["trace_id"], TraceID(ctx))
		}
		if rec["span_id"] != span.SpanContext().SpanID().String() {
			t.Errorf("span_id = %v, want %s", rec["span_id"], span.SpanContext().SpanID())
		}
	})

	t.Run("session only", func(t *testing.T) {
		buf := captureDefaultLog(t)
		Logger(WithSession(context.Background(), "s-2")).Warn("careful")
		rec := decodeLine(t, buf)
		if rec["session_id"] != "s-2" {
			t.Errorf("session_id = %v, want s-2", rec["session_id"])
		}
		if _, ok := rec["trace_id"]; ok {
			t.Error("trace_id present without a span")
		}
	})
}
