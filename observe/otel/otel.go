// Package otel turns observe events into OpenTelemetry spans so jobs,
// attempts, reasoning calls and tool calls show up in any tracing backend the
// host has configured.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/PipeOpsHQ/insight-runtime/observe"
)

const instrumentationName = "github.com/PipeOpsHQ/insight-runtime"

// Sink implements observe.Sink by emitting OpenTelemetry spans.
type Sink struct {
	tracer trace.Tracer
}

// NewSink creates an OTel sink using the given TracerProvider.
// If tp is nil, it uses a noop tracer provider.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{
		tracer: tp.Tracer(instrumentationName),
	}
}

func (s *Sink) Emit(_ context.Context, event observe.Event) error {
	event.Normalize()

	startTime := event.Timestamp
	_, span := s.tracer.Start(context.Background(), spanNameFor(event), trace.WithTimestamp(startTime))

	attrs := []attribute.KeyValue{
		attribute.String("insight.event.kind", string(event.Kind)),
	}
	add := func(key, value string) {
		if value != "" {
			attrs = append(attrs, attribute.String(key, value))
		}
	}
	add("insight.job.id", event.JobID)
	add("insight.span.id", event.SpanID)
	add("insight.parent_span.id", event.ParentSpanID)
	add("insight.provider", event.Provider)
	add("insight.tool.name", event.ToolName)
	add("insight.event.name", event.Name)
	add("insight.status", string(event.Status))
	add("insight.error.kind", event.ErrorKind)
	if event.Message != "" {
		attrs = append(attrs, attribute.String("insight.message", truncate(event.Message, 1024)))
	}
	if event.Attempt > 0 {
		attrs = append(attrs, attribute.Int("insight.attempt", event.Attempt))
	}
	if event.DurationMs > 0 {
		attrs = append(attrs, attribute.Int64("insight.duration_ms", event.DurationMs))
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, attribute.String("insight.attr."+k, fmt.Sprintf("%v", v)))
	}
	span.SetAttributes(attrs...)

	switch event.Status {
	case observe.StatusFailed, observe.StatusTimedOut:
		desc := event.Error
		if desc == "" {
			desc = event.ErrorKind
		}
		span.SetStatus(codes.Error, desc)
		if event.Error != "" {
			span.RecordError(fmt.Errorf("%s", event.Error))
		}
	case observe.StatusCompleted:
		span.SetStatus(codes.Ok, "")
	}

	endTime := startTime
	if event.DurationMs > 0 {
		endTime = startTime.Add(time.Duration(event.DurationMs) * time.Millisecond)
	}
	span.End(trace.WithTimestamp(endTime))
	return nil
}

func spanNameFor(event observe.Event) string {
	switch event.Kind {
	case observe.KindJob:
		return "insight.job"
	case observe.KindAttempt:
		return "insight.attempt"
	case observe.KindProvider:
		if event.Provider != "" {
			return "insight.llm." + event.Provider
		}
		return "insight.llm.generate"
	case observe.KindTool:
		if event.ToolName != "" {
			return "insight.tool." + event.ToolName
		}
		return "insight.tool.call"
	case observe.KindCheckpoint:
		return "insight.checkpoint"
	default:
		if event.Name != "" {
			return "insight." + event.Name
		}
		return "insight.event"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
