package memory

import (
	"testing"

	"github.com/PipeOpsHQ/insight-runtime/state"
	"github.com/PipeOpsHQ/insight-runtime/state/statetest"
)

func TestMemoryStore(t *testing.T) {
	statetest.Run(t, func(t *testing.T) state.Store {
		return New()
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := New()
	ctx := t.Context()
	created, err := s.CreateJob(ctx, statetest.SampleJob("job-copy"))
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	created.Checkpoint.History[0].Content = "mutated"

	got, err := s.LoadJob(ctx, "job-copy")
	if err != nil {
		t.Fatalf("LoadJob failed: %v", err)
	}
	if got.Checkpoint.History[0].Content == "mutated" {
		t.Fatalf("store shares history with callers")
	}
}
