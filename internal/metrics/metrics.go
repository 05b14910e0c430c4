// Package metrics exposes Prometheus collectors for the orchestration
// loop, the protocol layer, tool execution, and the session store.
//
// Collectors live on a private registry so tests can build as many
// instances as they like. All recording methods are nil-safe: a nil
// *Metrics records nothing.
//
//	m := metrics.New()
//	m.RecordRound("gpt-5", "responses", "success", time.Since(start).Seconds(), in, out)
//	http.Handle("/metrics", m.Handler())
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	// Exchanges counts finished exchanges.
	// Labels: outcome (success|<error kind>)
	Exchanges *prometheus.CounterVec

	// ExchangeDuration measures a whole exchange, all rounds included.
	ExchangeDuration prometheus.Histogram

	// RoundDuration measures one provider round trip in seconds.
	// Labels: model, protocol
	RoundDuration *prometheus.HistogramVec

	// Rounds counts provider round trips.
	// Labels: model, protocol, status (success|error)
	Rounds *prometheus.CounterVec

	// Tokens tracks provider-reported token usage.
	// Labels: model, type (prompt|completion)
	Tokens *prometheus.CounterVec

	// ToolCalls counts tool invocations.
	// Labels: tool, status (success|argument_error|execution_error)
	ToolCalls *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// Fallbacks counts Responses rounds retried on chat completions.
	// Labels: model
	Fallbacks *prometheus.CounterVec

	// Truncations counts history truncations.
	// Labels: strategy
	Truncations *prometheus.CounterVec

	// Sessions is the number of stored conversation sessions.
	Sessions prometheus.Gauge

	// Evictions counts sessions dropped by the bounded store.
	Evictions prometheus.Counter

	// HTTPRequests counts API requests.
	// Labels: method, path, status_code
	HTTPRequests *prometheus.CounterVec

	// DependencyUp is 1 while a dependency is reachable.
	// Labels: service
	DependencyUp *prometheus.GaugeVec
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Exchanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ampere_exchanges_total",
			Help: "Finished exchanges by outcome",
		}, []string{"outcome"}),
		ExchangeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ampere_exchange_duration_seconds",
			Help:    "Duration of a whole exchange including tool rounds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		RoundDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ampere_round_duration_seconds",
			Help:    "Duration of provider round trips",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"model", "protocol"}),
		Rounds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ampere_rounds_total",
			Help: "Provider round trips by model, protocol and status",
		}, []string{"model", "protocol", "status"}),
		Tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ampere_tokens_total",
			Help: "Provider-reported tokens by model and type",
		}, []string{"model", "type"}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ampere_tool_calls_total",
			Help: "Tool invocations by tool and status",
		}, []string{"tool", "status"}),
		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ampere_tool_duration_seconds",
			Help:    "Duration of tool executions",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"tool"}),
		Fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ampere_protocol_fallbacks_total",
			Help: "Responses rounds retried on chat completions",
		}, []string{"model"}),
		Truncations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ampere_truncations_total",
			Help: "History truncations by strategy",
		}, []string{"strategy"}),
		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "ampere_sessions",
			Help: "Stored conversation sessions",
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "ampere_session_evictions_total",
			Help: "Sessions dropped by the bounded store",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ampere_http_requests_total",
			Help: "API requests by method, path and status code",
		}, []string{"method", "path", "status_code"}),
		DependencyUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ampere_dependency_up",
			Help: "Whether an external dependency is reachable (1) or not (0)",
		}, []string{"service"}),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordExchange records a finished exchange.
func (m *Metrics) RecordExchange(outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.Exchanges.WithLabelValues(outcome).Inc()
	m.ExchangeDuration.Observe(durationSeconds)
}

// RecordRound records one provider round trip and its token usage.
func (m *Metrics) RecordRound(model, protocol, status string, durationSeconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.Rounds.WithLabelValues(model, protocol, status).Inc()
	m.RoundDuration.WithLabelValues(model, protocol).Observe(durationSeconds)
	if promptTokens > 0 {
		m.Tokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.Tokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolCall records one tool invocation.
func (m *Metrics) RecordToolCall(tool, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordFallback records a protocol fallback.
func (m *Metrics) RecordFallback(model string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(model).Inc()
}

// RecordTruncation records a history truncation.
func (m *Metrics) RecordTruncation(strategy string) {
	if m == nil {
		return
	}
	m.Truncations.WithLabelValues(strategy).Inc()
}

// SetSessions sets the stored session gauge.
func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.Sessions.Set(float64(n))
}

// RecordEviction records a session leaving the bounded store.
func (m *Metrics) RecordEviction() {
	if m == nil {
		return
	}
	m.Evictions.Inc()
}

// RecordHTTPRequest records one API request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
}

// SetDependencyUp records the reachability of a dependency.
func (m *Metrics) SetDependencyUp(service string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.DependencyUp.WithLabelValues(service).Set(v)
}

// ObserveEventDrops exports a counter read from fn at scrape time,
// typically the event bus's dropped delivery count.
func (m *Metrics) ObserveEventDrops(fn func() uint64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "ampere_event_deliveries_dropped_total",
		Help: "Event deliveries skipped because a subscriber buffer was full.",
	}, func() float64 { return float64(fn()) }))
}
