// Package statetest holds the behaviour every state.Store backend must share.
package statetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/insight-runtime/state"
	"github.com/PipeOpsHQ/insight-runtime/types"
)

// Factory returns a fresh, empty store. The store is closed by the caller's cleanup.
type Factory func(t *testing.T) state.Store

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// SampleJob returns a job with a small, valid history.
func SampleJob(id string) state.Job {
	lease := base.Add(30 * time.Second)
	return state.Job{
		ID:             id,
		Question:       "will it rain on the panels tomorrow?",
		ContextRef:     "site-7",
		Status:         state.StatusRunning,
		AttemptCount:   1,
		CreatedAt:      base,
		UpdatedAt:      base,
		LeaseExpiresAt: &lease,
		Checkpoint: &state.Checkpoint{
			StartTime:          base,
			LastCheckpointTime: base,
			IterationIndex:     1,
			History: []state.Turn{
				{Kind: state.TurnQuestion, Content: "will it rain on the panels tomorrow?", At: base},
				{Kind: state.TurnReasoning, At: base, ToolCalls: []types.ToolCall{
					{ID: "call-1", Name: "weather", Arguments: json.RawMessage(`{"site":"site-7"}`)},
				}},
				{Kind: state.TurnToolResult, ToolCallID: "call-1", ToolName: "weather", Output: json.RawMessage(`{"rain":0.2}`), At: base},
			},
		},
		Usage:    &types.Usage{InputTokens: 10, OutputTokens: 4, TotalTokens: 14},
		Metadata: map[string]any{"source": "test"},
	}
}

func Run(t *testing.T, newStore Factory) {
	t.Run("CreateLoadRoundTrip", func(t *testing.T) { testCreateLoad(t, newStore(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, newStore(t)) })
	t.Run("LoadMissing", func(t *testing.T) { testLoadMissing(t, newStore(t)) })
	t.Run("ConditionalSave", func(t *testing.T) { testConditionalSave(t, newStore(t)) })
	t.Run("SaveMissing", func(t *testing.T) { testSaveMissing(t, newStore(t)) })
	t.Run("ConcurrentWritersOneWins", func(t *testing.T) { testConcurrentSave(t, newStore(t)) })
	t.Run("ListJobs", func(t *testing.T) { testListJobs(t, newStore(t)) })
	t.Run("ListJobsLeaseExpired", func(t *testing.T) { testListJobsLeaseExpired(t, newStore(t)) })
}

func testCreateLoad(t *testing.T, s state.Store) {
	ctx := context.Background()
	job := SampleJob("job-roundtrip")
	created, err := s.CreateJob(ctx, job)
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if created.Version != 1 {
		t.Fatalf("expected version 1 after create, got %d", created.Version)
	}
	got, err := s.LoadJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("LoadJob failed: %v", err)
	}
	if diff := cmp.Diff(created, got); diff != "" {
		t.Fatalf("loaded job mismatch (-want +got):\n%s", diff)
	}
}

func testCreateDuplicate(t *testing.T, s state.Store) {
	ctx := context.Background()
	if _, err := s.CreateJob(ctx, SampleJob("job-dup")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	_, err := s.CreateJob(ctx, SampleJob("job-dup"))
	if !errors.Is(err, state.ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate create, got %v", err)
	}
}

func testLoadMissing(t *testing.T, s state.Store) {
	_, err := s.LoadJob(context.Background(), "job-missing")
	if !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testConditionalSave(t *testing.T, s state.Store) {
	ctx := context.Background()
	created, err := s.CreateJob(ctx, SampleJob("job-save"))
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	next := created
	next.Status = state.StatusTimedOut
	next.Checkpoint.IterationIndex = 2
	saved, err := s.SaveJob(ctx, next, created.Version)
	if err != nil {
		t.Fatalf("SaveJob failed: %v", err)
	}
	if saved.Version != created.Version+1 {
		t.Fatalf("expected version %d, got %d", created.Version+1, saved.Version)
	}

	stale := created
	stale.Status = state.StatusCompleted
	if _, err := s.SaveJob(ctx, stale, created.Version); !errors.Is(err, state.ErrConflict) {
		t.Fatalf("expected ErrConflict for stale version, got %v", err)
	}

	got, err := s.LoadJob(ctx, created.ID)
	if err != nil {
		t.Fatalf("LoadJob failed: %v", err)
	}
	if got.Status != state.StatusTimedOut || got.Checkpoint.IterationIndex != 2 {
		t.Fatalf("stale write leaked into store: status=%s iteration=%d", got.Status, got.Checkpoint.IterationIndex)
	}
}

func testSaveMissing(t *testing.T, s state.Store) {
	_, err := s.SaveJob(context.Background(), SampleJob("job-nope"), 1)
	if !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testConcurrentSave(t *testing.T, s state.Store) {
	ctx := context.Background()
	created, err := s.CreateJob(ctx, SampleJob("job-race"))
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	const writers = 4
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			job := created.Clone()
			job.AttemptCount = created.AttemptCount + n + 1
			_, err := s.SaveJob(ctx, job, created.Version)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, state.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected save error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 || conflicts != writers-1 {
		t.Fatalf("expected exactly one winner, got wins=%d conflicts=%d", wins, conflicts)
	}
}

func testListJobs(t *testing.T, s state.Store) {
	ctx := context.Background()
	for i, status := range []state.JobStatus{state.StatusRunning, state.StatusRunning, state.StatusCompleted} {
		job := SampleJob("job-list-" + string(rune('a'+i)))
		job.Status = status
		job.UpdatedAt = base.Add(time.Duration(i) * time.Minute)
		if _, err := s.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
	}

	running, err := s.ListJobs(ctx, state.ListJobsQuery{Status: state.StatusRunning})
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(running) != 2 {
		t.Fatalf("expected 2 running jobs, got %d", len(running))
	}

	old, err := s.ListJobs(ctx, state.ListJobsQuery{Status: state.StatusRunning, UpdatedBefore: base.Add(30 * time.Second)})
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(old) != 1 || old[0].ID != "job-list-a" {
		t.Fatalf("unexpected jobs updated before cutoff: %#v", old)
	}

	limited, err := s.ListJobs(ctx, state.ListJobsQuery{Limit: 1})
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected limit to cap results, got %d", len(limited))
	}
}

func testListJobsLeaseExpired(t *testing.T, s state.Store) {
	ctx := context.Background()
	live := base.Add(time.Hour)
	gone := base.Add(-time.Minute)
	jobs := []struct {
		id    string
		lease *time.Time
	}{
		{"job-lease-live", &live},
		{"job-lease-gone", &gone},
		{"job-lease-none", nil},
	}
	for i, j := range jobs {
		job := SampleJob(j.id)
		job.LeaseExpiresAt = j.lease
		job.UpdatedAt = base.Add(time.Duration(i) * time.Minute)
		if _, err := s.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
	}

	expired, err := s.ListJobs(ctx, state.ListJobsQuery{Status: state.StatusRunning, LeaseExpiredBefore: base})
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	ids := make([]string, 0, len(expired))
	for _, job := range expired {
		ids = append(ids, job.ID)
	}
	if diff := cmp.Diff([]string{"job-lease-gone", "job-lease-none"}, ids); diff != "" {
		t.Fatalf("expired lease jobs mismatch (-want +got):\n%s", diff)
	}

	// The live job is the oldest; a page of one must still reach past it.
	first, err := s.ListJobs(ctx, state.ListJobsQuery{Status: state.StatusRunning, LeaseExpiredBefore: base, Limit: 1})
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(first) != 1 || first[0].ID != "job-lease-gone" {
		t.Fatalf("expected job-lease-gone first, got %#v", first)
	}
}
