package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// promMirror publishes the same events the Monitor counts, in Prometheus
// form. Histogram buckets differ per concern: tool calls are usually fast,
// model and pipeline phases can run for minutes.
type promMirror struct {
	turnsStarted       prometheus.Counter
	turnsFinished      *prometheus.CounterVec
	cacheLookups       *prometheus.CounterVec
	flightJoins        prometheus.Counter
	selections         *prometheus.CounterVec
	toolCalls          *prometheus.CounterVec
	toolLatency        *prometheus.HistogramVec
	phaseLatency       *prometheus.HistogramVec
	breakerTransitions *prometheus.CounterVec
}

func newPromMirror(reg prometheus.Registerer) *promMirror {
	factory := promauto.With(reg)
	return &promMirror{
		turnsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "stocksage_turns_started_total",
			Help: "Chat turns accepted by the orchestrator.",
		}),
		turnsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stocksage_turns_finished_total",
			Help: "Chat turns finished, by outcome.",
		}, []string{"outcome"}),
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stocksage_cache_lookups_total",
			Help: "Response cache lookups, by cache and result.",
		}, []string{"cache", "result"}),
		flightJoins: factory.NewCounter(prometheus.CounterOpts{
			Name: "stocksage_flight_joins_total",
			Help: "Turns that attached to an identical in-flight computation.",
		}),
		selections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stocksage_tool_selections_total",
			Help: "Tool selection passes, by method.",
		}, []string{"method"}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stocksage_tool_calls_total",
			Help: "Tool invocations, by tool and outcome.",
		}, []string{"tool", "outcome"}),
		toolLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stocksage_tool_latency_seconds",
			Help:    "Tool invocation latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		phaseLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stocksage_phase_latency_seconds",
			Help:    "Latency per processing phase.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"phase"}),
		breakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stocksage_breaker_transitions_total",
			Help: "Circuit breaker state changes, by upstream and new state.",
		}, []string{"upstream", "state"}),
	}
}
