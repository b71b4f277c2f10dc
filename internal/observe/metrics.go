// Package observe provides application-wide observability primitives for
// livetalk: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all livetalk metrics.
const meterName = "github.com/MrWong99/livetalk"

// Drop reasons used with [Metrics.RecordFrameDropped].
const (
	DropMuted        = "muted"
	DropNotActive    = "not_active"
	DropBackpressure = "backpressure"
	DropQueueFull    = "queue_full" // discarded by the channel's send queue
)

// Session end causes used with [Metrics.RecordSessionEnd]. Any other value is
// recorded as [EndOther].
const (
	EndStopped            = "stopped"
	EndRemoteClosed       = "remote_closed"
	EndChannelError       = "channel_error"
	EndIdleTimeout        = "idle_timeout"
	EndMaxDuration        = "max_duration"
	EndOutputFailed       = "output_failed"
	EndCaptureUnavailable = "capture_unavailable"
	EndOutputUnavailable  = "output_unavailable"
	EndConnectionFailed   = "connection_failed"
	EndOther              = "other"
)

var endCauses = map[string]bool{
	EndStopped:            true,
	EndRemoteClosed:       true,
	EndChannelError:       true,
	EndIdleTimeout:        true,
	EndMaxDuration:        true,
	EndOutputFailed:       true,
	EndCaptureUnavailable: true,
	EndOutputUnavailable:  true,
	EndConnectionFailed:   true,
}

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long opening the duplex channel takes. Use
	// with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ConnectDuration metric.Float64Histogram

	// PlaybackLead tracks how far ahead of the output clock each unit was
	// scheduled. Zero means the jitter buffer ran dry.
	PlaybackLead metric.Float64Histogram

	// --- Counters ---

	// FramesCaptured counts frames delivered by the capture source.
	FramesCaptured metric.Int64Counter

	// FramesSent counts frames handed to the duplex channel.
	FramesSent metric.Int64Counter

	// FramesDropped counts captured frames that were not sent. Use with
	// attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// UnitsScheduled counts playback units handed to the output.
	UnitsScheduled metric.Int64Counter

	// Interruptions counts barge-in flushes.
	Interruptions metric.Int64Counter

	// --- Error counters ---

	// DecodeErrors counts inbound audio payloads that could not be decoded.
	DecodeErrors metric.Int64Counter

	// SessionEnds counts terminated sessions. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("reason", ...)
	SessionEnds metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for connection set-up latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// leadBuckets covers the jitter buffer range (in seconds).
var leadBuckets = []float64{
	0, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("livetalk.session.connect.duration",
		metric.WithDescription("Latency of opening the duplex channel."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLead, err = m.Float64Histogram("livetalk.playback.lead",
		metric.WithDescription("Distance between a unit's scheduled start and the output clock."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(leadBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesCaptured, err = m.Int64Counter("livetalk.capture.frames",
		metric.WithDescription("Total frames delivered by the capture source."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("livetalk.channel.frames_sent",
		metric.WithDescription("Total frames handed to the duplex channel."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("livetalk.channel.frames_dropped",
		metric.WithDescription("Total captured frames not sent, by reason."),
	); err != nil {
		return nil, err
	}
	if met.UnitsScheduled, err = m.Int64Counter("livetalk.playback.units",
		metric.WithDescription("Total playback units scheduled."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("livetalk.playback.interruptions",
		metric.WithDescription("Total barge-in playback flushes."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.DecodeErrors, err = m.Int64Counter("livetalk.decode.errors",
		metric.WithDescription("Total inbound audio payloads that failed to decode."),
	); err != nil {
		return nil, err
	}
	if met.SessionEnds, err = m.Int64Counter("livetalk.session.ends",
		metric.WithDescription("Total terminated sessions by provider and reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("livetalk.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livetalk.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordConnect records the duration of one connection attempt.
func (m *Metrics) RecordConnect(ctx context.Context, provider, status string, seconds float64) {
	m.ConnectDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordFrameDropped records one captured frame that was not sent.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.RecordFramesDropped(ctx, reason, 1)
}

// RecordFramesDropped records n captured frames that were not sent.
func (m *Metrics) RecordFramesDropped(ctx context.Context, reason string, n int64) {
	if n <= 0 {
		return
	}
	m.FramesDropped.Add(ctx, n,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordSessionEnd records a terminated session. cause should be one of the
// End* constants; free-form text is collapsed to [EndOther] so the reason
// label stays bounded.
func (m *Metrics) RecordSessionEnd(ctx context.Context, provider, cause string) {
	if !endCauses[cause] {
		cause = EndOther
	}
	m.SessionEnds.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("reason", cause),
		),
	)
}
