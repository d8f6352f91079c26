package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/PipeOpsHQ/insight-runtime/observe"
)

var (
	jobOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insight_job_outcomes_total",
			Help: "Attempt exits by resulting job status and error kind.",
		},
		[]string{"status", "error_kind"},
	)

	attemptsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "insight_attempts_started_total",
			Help: "Attempts admitted by the agent loop.",
		},
	)

	reasoningCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insight_reasoning_calls_total",
			Help: "Reasoning service calls by provider and result.",
		},
		[]string{"provider", "result"},
	)

	checkpointWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insight_checkpoint_writes_total",
			Help: "Checkpoint writes by kind (periodic, emergency, compacted).",
		},
		[]string{"kind"},
	)

	sweptJobs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "insight_swept_jobs_total",
			Help: "Running jobs with expired leases marked timed_out by the sweeper.",
		},
	)
)

func init() {
	register(jobOutcomes, attemptsStarted, reasoningCalls, checkpointWrites, sweptJobs)
}

func IncSwept(n int) {
	sweptJobs.Add(float64(n))
}

// Sink counts runtime events. It never fails.
type Sink struct{}

func NewSink() *Sink { return &Sink{} }

func (s *Sink) Emit(_ context.Context, event observe.Event) error {
	switch event.Kind {
	case observe.KindAttempt:
		if event.Status == observe.StatusStarted {
			attemptsStarted.Inc()
		}
	case observe.KindProvider:
		if event.Status == observe.StatusStarted {
			return nil
		}
		result := "ok"
		if event.Error != "" {
			result = "error"
		}
		reasoningCalls.WithLabelValues(norm(event.Provider), result).Inc()
	case observe.KindCheckpoint:
		kind := "periodic"
		switch event.Name {
		case "checkpoint.emergency":
			kind = "emergency"
		case "checkpoint.compacted":
			kind = "compacted"
		}
		checkpointWrites.WithLabelValues(kind).Inc()
	case observe.KindJob:
		if event.Status == observe.StatusStarted {
			return nil
		}
		jobOutcomes.WithLabelValues(string(event.Status), norm(event.ErrorKind)).Inc()
	}
	return nil
}
