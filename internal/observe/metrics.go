// Package observe provides application-wide observability primitives for
// Voicelink: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Voicelink metrics.
const meterName = "github.com/lumewell/voicelink"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks time from dial to the gateway's session
	// confirmation.
	ConnectDuration metric.Float64Histogram

	// SessionDuration tracks full session length from confirmation to
	// disconnect.
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// SessionsStarted counts confirmed sessions. Use with attribute:
	//   attribute.String("identity", ...)
	SessionsStarted metric.Int64Counter

	// QuotaDenials counts pre-flight denials. Use with attribute:
	//   attribute.String("reason", ...)
	QuotaDenials metric.Int64Counter

	// Commits counts input-buffer commits sent to the gateway.
	Commits metric.Int64Counter

	// AudioInputSeconds accumulates seconds of speech streamed to the
	// gateway.
	AudioInputSeconds metric.Float64Counter

	// AudioOutputSeconds accumulates seconds of response audio received.
	AudioOutputSeconds metric.Float64Counter

	// --- Error counters ---

	// ProtocolErrors counts malformed or unknown inbound messages.
	ProtocolErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions (0 or 1 per
	// process, but a gauge keeps dashboards honest across restarts).
	ActiveSessions metric.Int64UpDownCounter

	// PlaybackQueueDepth tracks buffered playback chunks awaiting the
	// speaker.
	PlaybackQueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for whole
// conversation lengths.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("voicelink.connect.duration",
		metric.WithDescription("Time from dial to gateway session confirmation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("voicelink.session.duration",
		metric.WithDescription("Session length from confirmation to disconnect."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionsStarted, err = m.Int64Counter("voicelink.sessions.started",
		metric.WithDescription("Total confirmed sessions by identity."),
	); err != nil {
		return nil, err
	}
	if met.QuotaDenials, err = m.Int64Counter("voicelink.quota.denials",
		metric.WithDescription("Total pre-flight quota denials by reason."),
	); err != nil {
		return nil, err
	}
	if met.Commits, err = m.Int64Counter("voicelink.input.commits",
		metric.WithDescription("Total input-buffer commits sent to the gateway."),
	); err != nil {
		return nil, err
	}
	if met.AudioInputSeconds, err = m.Float64Counter("voicelink.audio.input.seconds",
		metric.WithDescription("Seconds of speech streamed to the gateway."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.AudioOutputSeconds, err = m.Float64Counter("voicelink.audio.output.seconds",
		metric.WithDescription("Seconds of response audio received from the gateway."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProtocolErrors, err = m.Int64Counter("voicelink.protocol.errors",
		metric.WithDescription("Total malformed or unknown inbound gateway messages."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicelink.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackQueueDepth, err = m.Int64UpDownCounter("voicelink.playback.queue_depth",
		metric.WithDescription("Buffered playback chunks awaiting the speaker."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicelink.http.request.duration",
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSessionStart is a convenience method that bumps the session counter
// and the active-session gauge together.
func (m *Metrics) RecordSessionStart(ctx context.Context, identity string) {
	m.SessionsStarted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("identity", identity)),
	)
	m.ActiveSessions.Add(ctx, 1)
}

// RecordSessionEnd closes out the active-session gauge and records the
// session duration.
func (m *Metrics) RecordSessionEnd(ctx context.Context, seconds float64) {
	m.ActiveSessions.Add(ctx, -1)
	m.SessionDuration.Record(ctx, seconds)
}

// RecordQuotaDenial records a pre-flight denial with its reason class.
func (m *Metrics) RecordQuotaDenial(ctx context.Context, reason string) {
	m.QuotaDenials.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
