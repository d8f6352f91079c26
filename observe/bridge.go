package observe

import (
	"fmt"
	"strings"

	"github.com/PipeOpsHQ/insight-runtime/types"
)

// FromRuntimeEvent maps a loop event onto the sink event model.
func FromRuntimeEvent(in types.Event) Event {
	e := Event{
		Timestamp:  in.Timestamp,
		JobID:      in.JobID,
		Attempt:    in.Attempt,
		Name:       string(in.Type),
		Provider:   in.Provider,
		ToolName:   in.ToolName,
		ErrorKind:  string(in.ErrorKind),
		Message:    in.Message,
		Error:      in.Error,
		DurationMs: in.Duration.Milliseconds(),
		Attributes: map[string]any{
			"eventType": string(in.Type),
		},
	}
	if in.Iteration > 0 {
		e.Attributes["iteration"] = in.Iteration
	}
	if in.ToolCallID != "" {
		e.Attributes["toolCallId"] = in.ToolCallID
	}

	eventType := string(in.Type)
	switch {
	case strings.HasSuffix(eventType, "_generate"):
		e.Kind = KindProvider
	case strings.HasSuffix(eventType, "_tool"):
		e.Kind = KindTool
	case strings.HasPrefix(eventType, "checkpoint."):
		e.Kind = KindCheckpoint
	case strings.HasPrefix(eventType, "attempt."):
		e.Kind = KindAttempt
	case strings.HasPrefix(eventType, "job."):
		e.Kind = KindJob
	default:
		e.Kind = KindCustom
	}

	switch {
	case strings.Contains(eventType, "before"), strings.HasSuffix(eventType, "started"), strings.HasSuffix(eventType, "created"):
		e.Status = StatusStarted
	case strings.HasSuffix(eventType, "timed_out"):
		e.Status = StatusTimedOut
	case strings.HasSuffix(eventType, "failed"):
		e.Status = StatusFailed
	case in.Error != "":
		e.Status = StatusFailed
	default:
		e.Status = StatusCompleted
	}

	e.SpanID = spanIDForRuntimeEvent(in)
	e.ParentSpanID = parentSpanIDForRuntimeEvent(in)
	e.Normalize()
	return e
}

func spanIDForRuntimeEvent(in types.Event) string {
	if in.JobID == "" {
		return ""
	}
	attempt := fmt.Sprintf("%s:attempt:%d", in.JobID, in.Attempt)
	switch {
	case in.ToolCallID != "":
		return fmt.Sprintf("%s:tool:%d:%s", attempt, in.Iteration, in.ToolCallID)
	case in.Type == types.EventBeforeGenerate || in.Type == types.EventAfterGenerate:
		return fmt.Sprintf("%s:gen:%d", attempt, in.Iteration)
	case in.Attempt > 0:
		return attempt
	default:
		return in.JobID
	}
}

func parentSpanIDForRuntimeEvent(in types.Event) string {
	if in.JobID == "" {
		return ""
	}
	attempt := fmt.Sprintf("%s:attempt:%d", in.JobID, in.Attempt)
	switch {
	case in.ToolCallID != "":
		return fmt.Sprintf("%s:gen:%d", attempt, in.Iteration)
	case in.Type == types.EventBeforeGenerate || in.Type == types.EventAfterGenerate:
		return attempt
	case in.Attempt > 0:
		return in.JobID
	default:
		return ""
	}
}
