// Package observe provides application-wide observability primitives for
// pailflow: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all pailflow metrics.
const meterName = "github.com/pailflow/pailflow"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// PostCallDuration tracks end-to-end post-call pipeline latency.
	PostCallDuration metric.Float64Histogram

	// BotSessionDuration tracks full bot session length (join to leave).
	BotSessionDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// LLMTokens counts LLM tokens. Use with attributes:
	//   attribute.String("model", ...), attribute.String("kind", "prompt"|"completion")
	LLMTokens metric.Int64Counter

	// UsageCost accumulates tracked provider cost in USD. Use with attribute:
	//   attribute.String("category", "llm"|"stt"|"bot_call")
	UsageCost metric.Float64Counter

	// BotsStarted counts bot spawns. Use with attribute:
	//   attribute.String("backend", ...)
	BotsStarted metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveBots tracks the number of currently registered bot workers.
	ActiveBots metric.Int64UpDownCounter

	// ActiveParticipants tracks the number of connected participants across
	// all rooms the bots are present in.
	ActiveParticipants metric.Int64UpDownCounter

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

// sessionBuckets defines histogram bucket boundaries (in seconds) sized for
// whole meetings rather than single pipeline stages.
var sessionBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("pailflow.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("pailflow.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("pailflow.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PostCallDuration, err = m.Float64Histogram("pailflow.postcall.duration",
		metric.WithDescription("End-to-end post-call pipeline latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BotSessionDuration, err = m.Float64Histogram("pailflow.bot.session.duration",
		metric.WithDescription("Bot session length from room join to room leave."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("pailflow.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.LLMTokens, err = m.Int64Counter("pailflow.llm.tokens",
		metric.WithDescription("Total LLM tokens by model and kind."),
	); err != nil {
		return nil, err
	}
	if met.UsageCost, err = m.Float64Counter("pailflow.usage.cost_usd",
		metric.WithDescription("Tracked provider cost in USD by category."),
	); err != nil {
		return nil, err
	}
	if met.BotsStarted, err = m.Int64Counter("pailflow.bots.started",
		metric.WithDescription("Total bot spawns by placement backend."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("pailflow.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveBots, err = m.Int64UpDownCounter("pailflow.active_bots",
		metric.WithDescription("Number of currently registered bot workers."),
	); err != nil {
		return nil, err
	}
	if met.ActiveParticipants, err = m.Int64UpDownCounter("pailflow.active_participants",
		metric.WithDescription("Number of connected participants across all rooms."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("pailflow.http.request.duration",
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

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordLLMTokens records prompt and completion token counts for one LLM call.
func (m *Metrics) RecordLLMTokens(ctx context.Context, model string, promptTokens, completionTokens int) {
	if promptTokens > 0 {
		m.LLMTokens.Add(ctx, int64(promptTokens),
			metric.WithAttributes(
				attribute.String("model", model),
				attribute.String("kind", "prompt"),
			),
		)
	}
	if completionTokens > 0 {
		m.LLMTokens.Add(ctx, int64(completionTokens),
			metric.WithAttributes(
				attribute.String("model", model),
				attribute.String("kind", "completion"),
			),
		)
	}
}

// RecordUsageCost records tracked cost in USD for one usage category.
func (m *Metrics) RecordUsageCost(ctx context.Context, category string, usd float64) {
	if usd <= 0 {
		return
	}
	m.UsageCost.Add(ctx, usd,
		metric.WithAttributes(attribute.String("category", category)),
	)
}

// RecordBotStarted records one bot spawn on the given placement backend.
func (m *Metrics) RecordBotStarted(ctx context.Context, backend string) {
	m.BotsStarted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("backend", backend)),
	)
}
