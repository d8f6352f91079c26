package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/PipeOpsHQ/insight-runtime/observe"
)

func TestCollectorsRegisterOnPrivateRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}
}

func TestObserveToolCall(t *testing.T) {
	before := testutil.ToFloat64(toolCalls.WithLabelValues("weather", "transient_io"))
	ObserveToolCall("Weather", "transient_io", 20*time.Millisecond)
	after := testutil.ToFloat64(toolCalls.WithLabelValues("weather", "transient_io"))
	if after-before != 1 {
		t.Fatalf("expected counter to grow by 1, got %v", after-before)
	}

	SetBreakerState("weather", 2)
	if got := testutil.ToFloat64(breakerState.WithLabelValues("weather")); got != 2 {
		t.Fatalf("unexpected breaker gauge %v", got)
	}
}

func TestSinkCountsJobOutcomes(t *testing.T) {
	s := NewSink()
	c := jobOutcomes.WithLabelValues(string(observe.StatusFailed), "attempt_limit_exceeded")
	before := testutil.ToFloat64(c)
	_ = s.Emit(context.Background(), observe.Event{Kind: observe.KindJob, Status: observe.StatusFailed, ErrorKind: "attempt_limit_exceeded"})
	_ = s.Emit(context.Background(), observe.Event{Kind: observe.KindJob, Status: observe.StatusStarted})
	if got := testutil.ToFloat64(c) - before; got != 1 {
		t.Fatalf("expected one failed outcome, got %v", got)
	}
}

func TestSinkCountsEmergencyCheckpoints(t *testing.T) {
	s := NewSink()
	c := checkpointWrites.WithLabelValues("emergency")
	before := testutil.ToFloat64(c)
	_ = s.Emit(context.Background(), observe.Event{Kind: observe.KindCheckpoint, Name: "checkpoint.emergency"})
	if got := testutil.ToFloat64(c) - before; got != 1 {
		t.Fatalf("expected emergency write counted, got %v", got)
	}
}
