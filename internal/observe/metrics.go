// Package observe wires OpenTelemetry into the voice chat server: the metric
// instruments recorded by the conversation, capture and playback layers, span
// helpers with trace-tagged logging, and the HTTP middleware.
//
// [InitProvider] installs the SDK with a Prometheus bridge. Tests build their
// own [Metrics] from a manual reader through [NewMetrics].
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/aletheia"

// Metrics holds the application's instruments. All of them are safe for
// concurrent use.
type Metrics struct {
	// LLMDuration is the model round trip per turn, in seconds.
	LLMDuration metric.Float64Histogram

	// TTSDuration is the time from synthesis start to the first audio chunk.
	TTSDuration metric.Float64Histogram

	// HTTPRequestDuration is labelled by route and status.
	HTTPRequestDuration metric.Float64Histogram

	// ProviderRequests is labelled by provider, kind (llm, stt, tts) and
	// status. ProviderErrors carries the same labels minus status.
	ProviderRequests metric.Int64Counter
	ProviderErrors   metric.Int64Counter

	// Turns counts finished conversation turns by status.
	Turns metric.Int64Counter

	// UtteranceCache counts playback cache lookups by result.
	UtteranceCache metric.Int64Counter

	// DictationSessions counts dictation attempts by outcome: started,
	// unsupported, init_error or runtime_error.
	DictationSessions metric.Int64Counter

	// AttachedClients is 1 while a presentation client is connected.
	AttachedClients metric.Int64UpDownCounter
}

// latencyBuckets covers hosted-model and speech-synthesis latencies, in
// seconds.
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := builder{meter: mp.Meter(meterName)}
	m := &Metrics{
		LLMDuration: b.latency("aletheia.llm.duration",
			"Latency of language-model completions."),
		TTSDuration: b.latency("aletheia.tts.duration",
			"Time to first synthesized audio chunk."),
		HTTPRequestDuration: b.latency("aletheia.http.request.duration",
			"HTTP request latency by route and status."),
		ProviderRequests: b.counter("aletheia.provider.requests",
			"Provider calls by provider, kind and status."),
		ProviderErrors: b.counter("aletheia.provider.errors",
			"Failed provider calls by provider and kind."),
		Turns: b.counter("aletheia.conversation.turns",
			"Finished conversation turns by status."),
		UtteranceCache: b.counter("aletheia.playback.cache",
			"Utterance cache lookups by result."),
		DictationSessions: b.counter("aletheia.capture.sessions",
			"Dictation sessions by outcome."),
		AttachedClients: b.gauge("aletheia.web.attached_clients",
			"Attached presentation clients."),
	}
	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

// builder creates instruments and keeps the first error.
type builder struct {
	meter metric.Meter
	err   error
}

func (b *builder) latency(name, desc string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	if b.err == nil {
		b.err = err
	}
	return h
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	if b.err == nil {
		b.err = err
	}
	return c
}

func (b *builder) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	if b.err == nil {
		b.err = err
	}
	return g
}

// RecordProviderCall counts one provider call. A non-nil err also counts an
// error.
func (m *Metrics) RecordProviderCall(ctx context.Context, provider, kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		))
	}
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// RecordTurn counts a finished conversation turn.
func (m *Metrics) RecordTurn(ctx context.Context, status string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordCacheLookup counts an utterance cache hit or miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.UtteranceCache.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordDictation counts a dictation session outcome.
func (m *Metrics) RecordDictation(ctx context.Context, status string) {
	m.DictationSessions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
