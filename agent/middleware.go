package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/PipeOpsHQ/insight-runtime/tools"
	"github.com/PipeOpsHQ/insight-runtime/types"
)

type Middleware interface {
	BeforeGenerate(ctx context.Context, event *GenerateMiddlewareEvent) error
	AfterGenerate(ctx context.Context, event *GenerateMiddlewareEvent) error
	BeforeTool(ctx context.Context, event *ToolMiddlewareEvent) error
	AfterTool(ctx context.Context, event *ToolMiddlewareEvent) error
	OnError(ctx context.Context, event *ErrorMiddlewareEvent)
}

type GenerateMiddlewareEvent struct {
	JobID      string
	Attempt    int
	Provider   string
	Iteration  int
	StartedAt  time.Time
	FinishedAt time.Time
	Request    *types.Request
	Response   *types.Response
}

type ToolMiddlewareEvent struct {
	JobID      string
	Attempt    int
	Provider   string
	Iteration  int
	StartedAt  time.Time
	FinishedAt time.Time
	ToolCall   *types.ToolCall
	Result     *tools.Result
}

type ErrorMiddlewareEvent struct {
	JobID     string
	Attempt   int
	Provider  string
	Iteration int
	Stage     string
	ToolName  string
	Err       error
}

type NoopMiddleware struct{}

func (NoopMiddleware) BeforeGenerate(ctx context.Context, event *GenerateMiddlewareEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event == nil {
		return fmt.Errorf("before-generate event is required")
	}
	if event.Request == nil {
		event.Request = &types.Request{}
	}
	return nil
}

func (NoopMiddleware) AfterGenerate(ctx context.Context, event *GenerateMiddlewareEvent) error {
	if event == nil {
		return fmt.Errorf("after-generate event is required")
	}
	if event.FinishedAt.IsZero() {
		event.FinishedAt = event.StartedAt
	}
	return nil
}

func (NoopMiddleware) BeforeTool(ctx context.Context, event *ToolMiddlewareEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event == nil {
		return fmt.Errorf("before-tool event is required")
	}
	if event.ToolCall == nil {
		event.ToolCall = &types.ToolCall{}
	}
	return nil
}

func (NoopMiddleware) AfterTool(ctx context.Context, event *ToolMiddlewareEvent) error {
	if event == nil {
		return fmt.Errorf("after-tool event is required")
	}
	if event.FinishedAt.IsZero() {
		event.FinishedAt = event.StartedAt
	}
	return nil
}

func (NoopMiddleware) OnError(ctx context.Context, event *ErrorMiddlewareEvent) {
	if event == nil {
		return
	}
	if event.Stage == "" {
		event.Stage = "unknown"
	}
	if event.Err == nil && ctx.Err() != nil {
		event.Err = ctx.Err()
	}
}

// LoggingMiddleware writes one debug line per provider step and tool call.
type LoggingMiddleware struct {
	NoopMiddleware
	Logger zerolog.Logger
}

func NewLoggingMiddleware(logger zerolog.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{Logger: logger}
}

func (m *LoggingMiddleware) AfterGenerate(ctx context.Context, event *GenerateMiddlewareEvent) error {
	if err := m.NoopMiddleware.AfterGenerate(ctx, event); err != nil {
		return err
	}
	entry := m.Logger.Debug().
		Str("job_id", event.JobID).
		Int("attempt", event.Attempt).
		Int("iteration", event.Iteration).
		Dur("duration", event.FinishedAt.Sub(event.StartedAt))
	if event.Response != nil {
		entry = entry.Int("tool_calls", len(event.Response.Message.ToolCalls))
	}
	entry.Msg("reasoning step finished")
	return nil
}

func (m *LoggingMiddleware) AfterTool(ctx context.Context, event *ToolMiddlewareEvent) error {
	if err := m.NoopMiddleware.AfterTool(ctx, event); err != nil {
		return err
	}
	entry := m.Logger.Debug().
		Str("job_id", event.JobID).
		Int("attempt", event.Attempt).
		Int("iteration", event.Iteration)
	if event.ToolCall != nil {
		entry = entry.Str("tool", event.ToolCall.Name)
	}
	if event.Result != nil && !event.Result.OK {
		entry = entry.Str("error_kind", string(event.Result.ErrorKind))
	}
	entry.Msg("tool call finished")
	return nil
}

func (m *LoggingMiddleware) OnError(ctx context.Context, event *ErrorMiddlewareEvent) {
	m.NoopMiddleware.OnError(ctx, event)
	if event == nil {
		return
	}
	m.Logger.Warn().Err(event.Err).
		Str("job_id", event.JobID).
		Int("attempt", event.Attempt).
		Str("stage", event.Stage).
		Str("tool", event.ToolName).
		Msg("agent step failed")
}

func (a *Agent) runBeforeGenerate(ctx context.Context, event *GenerateMiddlewareEvent) error {
	for _, middleware := range a.middlewares {
		if err := middleware.BeforeGenerate(ctx, event); err != nil {
			a.notifyError(ctx, &ErrorMiddlewareEvent{
				JobID:     event.JobID,
				Attempt:   event.Attempt,
				Provider:  event.Provider,
				Iteration: event.Iteration,
				Stage:     "before_generate",
				Err:       err,
			})
			return err
		}
	}
	return nil
}

func (a *Agent) runAfterGenerate(ctx context.Context, event *GenerateMiddlewareEvent) error {
	for _, middleware := range a.middlewares {
		if err := middleware.AfterGenerate(ctx, event); err != nil {
			a.notifyError(ctx, &ErrorMiddlewareEvent{
				JobID:     event.JobID,
				Attempt:   event.Attempt,
				Provider:  event.Provider,
				Iteration: event.Iteration,
				Stage:     "after_generate",
				Err:       err,
			})
			return err
		}
	}
	return nil
}

func (a *Agent) runBeforeTool(ctx context.Context, event *ToolMiddlewareEvent) error {
	for _, middleware := range a.middlewares {
		if err := middleware.BeforeTool(ctx, event); err != nil {
			a.notifyError(ctx, &ErrorMiddlewareEvent{
				JobID:     event.JobID,
				Attempt:   event.Attempt,
				Provider:  event.Provider,
				Iteration: event.Iteration,
				Stage:     "before_tool",
				ToolName:  event.ToolCall.Name,
				Err:       err,
			})
			return err
		}
	}
	return nil
}

func (a *Agent) runAfterTool(ctx context.Context, event *ToolMiddlewareEvent) error {
	for _, middleware := range a.middlewares {
		if err := middleware.AfterTool(ctx, event); err != nil {
			a.notifyError(ctx, &ErrorMiddlewareEvent{
				JobID:     event.JobID,
				Attempt:   event.Attempt,
				Provider:  event.Provider,
				Iteration: event.Iteration,
				Stage:     "after_tool",
				ToolName:  event.ToolCall.Name,
				Err:       err,
			})
			return err
		}
	}
	return nil
}

// notifyError never lets a panicking middleware take the loop down.
func (a *Agent) notifyError(ctx context.Context, event *ErrorMiddlewareEvent) {
	for _, middleware := range a.middlewares {
		func(m Middleware) {
			defer func() { _ = recover() }()
			m.OnError(ctx, event)
		}(middleware)
	}
}
