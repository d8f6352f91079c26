// Package logsink writes observe events as structured zerolog lines.
package logsink

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/PipeOpsHQ/insight-runtime/observe"
)

type Sink struct {
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Sink {
	return &Sink{logger: logger}
}

func (s *Sink) Emit(_ context.Context, event observe.Event) error {
	var ev *zerolog.Event
	switch event.Status {
	case observe.StatusFailed:
		ev = s.logger.Warn()
	case observe.StatusStarted:
		ev = s.logger.Debug()
	default:
		ev = s.logger.Info()
	}
	ev = ev.Str("event", event.Name).Str("kind", string(event.Kind))
	if event.JobID != "" {
		ev = ev.Str("job_id", event.JobID)
	}
	if event.Attempt > 0 {
		ev = ev.Int("attempt", event.Attempt)
	}
	if event.ToolName != "" {
		ev = ev.Str("tool", event.ToolName)
	}
	if event.Provider != "" {
		ev = ev.Str("provider", event.Provider)
	}
	if event.ErrorKind != "" {
		ev = ev.Str("error_kind", event.ErrorKind)
	}
	if event.DurationMs > 0 {
		ev = ev.Int64("duration_ms", event.DurationMs)
	}
	if event.Error != "" {
		ev = ev.Str("error", event.Error)
	}
	ev.Msg(event.Message)
	return nil
}
