package types

import "time"

type EventType string

const (
	EventJobCreated          EventType = "job.created"
	EventAttemptStarted      EventType = "attempt.started"
	EventBeforeGenerate      EventType = "run.before_generate"
	EventAfterGenerate       EventType = "run.after_generate"
	EventBeforeTool          EventType = "run.before_tool"
	EventAfterTool           EventType = "run.after_tool"
	EventCheckpointSaved     EventType = "checkpoint.saved"
	EventCheckpointEmergency EventType = "checkpoint.emergency"
	EventCheckpointCompacted EventType = "checkpoint.compacted"
	EventJobCompleted        EventType = "job.completed"
	EventJobTimedOut         EventType = "job.timed_out"
	EventJobFailed           EventType = "job.failed"
)

type Event struct {
	Type       EventType     `json:"type"`
	Timestamp  time.Time     `json:"timestamp"`
	JobID      string        `json:"jobId,omitempty"`
	Attempt    int           `json:"attempt,omitempty"`
	Provider   string        `json:"provider,omitempty"`
	Iteration  int           `json:"iteration,omitempty"`
	ToolName   string        `json:"toolName,omitempty"`
	ToolCallID string        `json:"toolCallId,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	ErrorKind  ErrorKind     `json:"errorKind,omitempty"`
	Message    string        `json:"message,omitempty"`
	Error      string        `json:"error,omitempty"`
}
