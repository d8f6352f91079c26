package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insight_tool_calls_total",
			Help: "Tool calls by tool and outcome kind (ok, transient_io, circuit_open, ...).",
		},
		[]string{"tool", "outcome"},
	)

	toolLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "insight_tool_call_duration_seconds",
			Help:    "Wall time of tool calls including retries.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"tool"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "insight_tool_breaker_state",
			Help: "Circuit breaker state per tool: 0 closed, 1 half-open, 2 open.",
		},
		[]string{"tool"},
	)
)

func init() {
	register(toolCalls, toolLatency, breakerState)
}

func ObserveToolCall(tool, outcome string, d time.Duration) {
	toolCalls.WithLabelValues(norm(tool), norm(outcome)).Inc()
	toolLatency.WithLabelValues(norm(tool)).Observe(d.Seconds())
}

func SetBreakerState(tool string, state float64) {
	breakerState.WithLabelValues(norm(tool)).Set(state)
}
