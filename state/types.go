package state

import (
	"encoding/json"
	"time"

	"github.com/PipeOpsHQ/insight-runtime/types"
)

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusTimedOut  JobStatus = "timed_out"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further attempt may run for the job.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type TurnKind string

const (
	TurnQuestion   TurnKind = "question"
	TurnContext    TurnKind = "context"
	TurnReasoning  TurnKind = "reasoning"
	TurnToolResult TurnKind = "tool_result"
	TurnSummary    TurnKind = "summary"
)

type TurnError struct {
	Kind    types.ErrorKind `json:"kind"`
	Message string          `json:"message,omitempty"`
}

// Turn is one entry of a job's reasoning history. Reasoning turns may carry
// tool calls; every call is answered by exactly one tool_result turn that
// follows it before the next reasoning turn.
type Turn struct {
	Kind       TurnKind         `json:"kind"`
	Content    string           `json:"content,omitempty"`
	Reasoning  string           `json:"reasoning,omitempty"`
	ToolCalls  []types.ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string           `json:"toolCallId,omitempty"`
	ToolName   string           `json:"toolName,omitempty"`
	Input      json.RawMessage  `json:"input,omitempty"`
	Output     json.RawMessage  `json:"output,omitempty"`
	Error      *TurnError       `json:"error,omitempty"`
	At         time.Time        `json:"at"`
}

type Checkpoint struct {
	History            []Turn    `json:"history"`
	IterationIndex     int       `json:"iterationIndex"`
	StartTime          time.Time `json:"startTime"`
	LastCheckpointTime time.Time `json:"lastCheckpointTime"`
	CompactionCount    int       `json:"compactionCount,omitempty"`
}

type JobError struct {
	Kind    types.ErrorKind `json:"kind"`
	Message string          `json:"message,omitempty"`
}

// Job is the single persisted document for an insight request. The job and
// its checkpoint are always written together.
type Job struct {
	ID             string         `json:"jobId"`
	Question       string         `json:"question"`
	ContextRef     string         `json:"contextRef,omitempty"`
	Status         JobStatus      `json:"status"`
	AttemptCount   int            `json:"attemptCount"`
	Version        int64          `json:"version"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	LeaseExpiresAt *time.Time     `json:"leaseExpiresAt,omitempty"`
	FinalAnswer    string         `json:"finalAnswer,omitempty"`
	Error          *JobError      `json:"error,omitempty"`
	Checkpoint     *Checkpoint    `json:"checkpoint,omitempty"`
	Usage          *types.Usage   `json:"usage,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep copy so callers never share history slices with a store.
func (j Job) Clone() Job {
	raw, err := json.Marshal(j)
	if err != nil {
		return j
	}
	var out Job
	if err := json.Unmarshal(raw, &out); err != nil {
		return j
	}
	return out
}

// LeaseActive reports whether a running attempt still owns the job at now.
func (j Job) LeaseActive(now time.Time) bool {
	return j.Status == StatusRunning && j.LeaseExpiresAt != nil && now.Before(*j.LeaseExpiresAt)
}
