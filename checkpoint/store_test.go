package checkpoint

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/PipeOpsHQ/insight-runtime/state"
	"github.com/PipeOpsHQ/insight-runtime/state/memory"
	"github.com/PipeOpsHQ/insight-runtime/state/statetest"
)

var errUnavailable = errors.New("backend unavailable")

// flakyStore fails the first failSaves SaveJob calls. When commitThenFail is
// set the failing calls still write before reporting the error.
type flakyStore struct {
	state.Store

	mu             sync.Mutex
	failSaves      int
	commitThenFail bool
	saveCalls      int
}

func (f *flakyStore) SaveJob(ctx context.Context, job state.Job, expected int64) (state.Job, error) {
	f.mu.Lock()
	f.saveCalls++
	fail := f.failSaves > 0
	if fail {
		f.failSaves--
	}
	f.mu.Unlock()
	if fail && !f.commitThenFail {
		return state.Job{}, errUnavailable
	}
	saved, err := f.Store.SaveJob(ctx, job, expected)
	if fail {
		return state.Job{}, errUnavailable
	}
	return saved, err
}

func (f *flakyStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saveCalls
}

func fastPolicy() Policy {
	p := DefaultPolicy()
	p.RetryBackoff = time.Millisecond
	p.CallTimeout = 500 * time.Millisecond
	return p
}

func newStore(t *testing.T, backend state.Store, now func() time.Time) *Store {
	t.Helper()
	return New(backend, WithPolicy(fastPolicy()), WithClock(now))
}

func TestSaveRetriesTransientFailures(t *testing.T) {
	ctx := t.Context()
	backend := &flakyStore{Store: memory.New(), failSaves: 2}
	created, err := backend.CreateJob(ctx, statetest.SampleJob("job-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	now := t0.Add(time.Minute)
	s := newStore(t, backend, func() time.Time { return now })

	saved, err := s.Save(ctx, created)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if backend.calls() != 3 {
		t.Fatalf("save calls = %d, want 3", backend.calls())
	}
	if saved.Version != created.Version+1 {
		t.Fatalf("version = %d, want %d", saved.Version, created.Version+1)
	}
	if !saved.Checkpoint.LastCheckpointTime.Equal(now) || !saved.UpdatedAt.Equal(now) {
		t.Fatalf("checkpoint not stamped: last=%v updated=%v", saved.Checkpoint.LastCheckpointTime, saved.UpdatedAt)
	}
}

func TestSaveGivesUpAfterMaxRetries(t *testing.T) {
	ctx := t.Context()
	backend := &flakyStore{Store: memory.New(), failSaves: 10}
	created, _ := backend.CreateJob(ctx, statetest.SampleJob("job-1"))
	s := newStore(t, backend, time.Now)

	if _, err := s.Save(ctx, created); !errors.Is(err, errUnavailable) {
		t.Fatalf("Save err = %v, want %v", err, errUnavailable)
	}
	if backend.calls() != fastPolicy().MaxRetries {
		t.Fatalf("save calls = %d, want %d", backend.calls(), fastPolicy().MaxRetries)
	}
}

func TestSaveConflictIsNotRetried(t *testing.T) {
	ctx := t.Context()
	backend := &flakyStore{Store: memory.New()}
	created, _ := backend.CreateJob(ctx, statetest.SampleJob("job-1"))
	s := newStore(t, backend, time.Now)

	if _, err := s.Save(ctx, created); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if _, err := s.Save(ctx, created); !errors.Is(err, state.ErrConflict) {
		t.Fatalf("stale save err = %v, want ErrConflict", err)
	}
	if backend.calls() != 2 {
		t.Fatalf("save calls = %d, want 2", backend.calls())
	}
}

func TestSaveDetectsWriteWhoseReplyWasLost(t *testing.T) {
	ctx := t.Context()
	backend := &flakyStore{Store: memory.New(), failSaves: 1, commitThenFail: true}
	created, _ := backend.CreateJob(ctx, statetest.SampleJob("job-1"))
	s := newStore(t, backend, func() time.Time { return t0 })

	saved, err := s.Save(ctx, created)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved.Version != created.Version+1 {
		t.Fatalf("version = %d, want %d", saved.Version, created.Version+1)
	}
}

func TestSaveCompactsLongHistory(t *testing.T) {
	ctx := t.Context()
	backend := memory.New()
	job := statetest.SampleJob("job-1")
	job.Checkpoint.History = history(false, 20, 1)
	created, _ := backend.CreateJob(ctx, job)
	s := newStore(t, backend, time.Now)

	saved, err := s.Save(ctx, created)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	p := s.Policy()
	if n := len(saved.Checkpoint.History); n > p.KeepHead+1+p.KeepTail {
		t.Fatalf("history length %d not compacted", n)
	}
	if saved.Checkpoint.CompactionCount != 1 {
		t.Fatalf("compaction count = %d, want 1", saved.Checkpoint.CompactionCount)
	}
	loaded, err := s.Load(ctx, "job-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Checkpoint.History) != len(saved.Checkpoint.History) {
		t.Fatalf("stored history differs from returned history")
	}
}

func TestLoadReportsInvariantViolation(t *testing.T) {
	ctx := t.Context()
	backend := memory.New()
	job := statetest.SampleJob("job-1")
	job.Checkpoint.History = job.Checkpoint.History[:2] // call without result
	if _, err := backend.CreateJob(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	s := newStore(t, backend, time.Now)

	loaded, err := s.Load(ctx, "job-1")
	if !errors.Is(err, state.ErrInvariant) {
		t.Fatalf("Load err = %v, want ErrInvariant", err)
	}
	if loaded.ID != "job-1" {
		t.Fatalf("Load should still return the stored job")
	}
	if _, err := s.Load(ctx, "missing"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("missing err = %v, want ErrNotFound", err)
	}
}

func TestSaveEmergencyTruncatesAndDropsExtras(t *testing.T) {
	ctx := t.Context()
	backend := memory.New()
	job := statetest.SampleJob("job-1")
	job.Checkpoint.History = history(false, 20, 1)
	job.Checkpoint.IterationIndex = 5
	created, _ := backend.CreateJob(ctx, job)
	s := newStore(t, backend, time.Now)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	saved, err := s.SaveEmergency(cancelled, created)
	if err != nil {
		t.Fatalf("SaveEmergency: %v", err)
	}
	if saved.Status != state.StatusTimedOut {
		t.Fatalf("status = %s, want timed_out", saved.Status)
	}
	if saved.Usage != nil || saved.Metadata != nil || saved.LeaseExpiresAt != nil {
		t.Fatalf("emergency document kept usage/metadata/lease")
	}
	p := s.Policy()
	if n := len(saved.Checkpoint.History); n > p.KeepHead+1+p.EmergencyKeepTail {
		t.Fatalf("history length %d, want at most %d", n, p.KeepHead+1+p.EmergencyKeepTail)
	}
	if saved.Checkpoint.IterationIndex != 5 {
		t.Fatalf("iteration = %d, want 5", saved.Checkpoint.IterationIndex)
	}
	if err := s.Verify(ctx, "job-1", 5); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := s.Verify(ctx, "job-1", 6); !errors.Is(err, ErrNotResumable) {
		t.Fatalf("Verify beyond stored iteration = %v, want ErrNotResumable", err)
	}
}

func TestSaveEmergencyNeverOverwritesNewerAttempt(t *testing.T) {
	ctx := t.Context()
	backend := memory.New()
	created, _ := backend.CreateJob(ctx, statetest.SampleJob("job-1"))

	newer := created
	newer.AttemptCount = 2
	if _, err := backend.SaveJob(ctx, newer, created.Version); err != nil {
		t.Fatalf("newer attempt save: %v", err)
	}
	s := newStore(t, backend, time.Now)

	if _, err := s.SaveEmergency(ctx, created); !errors.Is(err, state.ErrConflict) {
		t.Fatalf("SaveEmergency err = %v, want ErrConflict", err)
	}
	stored, _ := backend.LoadJob(ctx, "job-1")
	if stored.AttemptCount != 2 || stored.Status != state.StatusRunning {
		t.Fatalf("newer attempt was overwritten: %+v", stored)
	}
}

func TestSaveEmergencyCatchesUpWithinSameAttempt(t *testing.T) {
	ctx := t.Context()
	backend := memory.New()
	created, _ := backend.CreateJob(ctx, statetest.SampleJob("job-1"))

	// A periodic save from the same attempt landed, but the caller still
	// holds the older version.
	if _, err := backend.SaveJob(ctx, created, created.Version); err != nil {
		t.Fatalf("periodic save: %v", err)
	}
	s := newStore(t, backend, time.Now)

	saved, err := s.SaveEmergency(ctx, created)
	if err != nil {
		t.Fatalf("SaveEmergency: %v", err)
	}
	if saved.Status != state.StatusTimedOut || saved.Version != created.Version+2 {
		t.Fatalf("saved = status %s version %d", saved.Status, saved.Version)
	}
}

func TestVerifyRejectsRunningJob(t *testing.T) {
	ctx := t.Context()
	backend := memory.New()
	if _, err := backend.CreateJob(ctx, statetest.SampleJob("job-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	s := newStore(t, backend, time.Now)
	if err := s.Verify(ctx, "job-1", 0); !errors.Is(err, ErrNotResumable) {
		t.Fatalf("Verify err = %v, want ErrNotResumable", err)
	}
	if err := s.Verify(ctx, "missing", 0); !errors.Is(err, ErrNotResumable) {
		t.Fatalf("Verify missing err = %v, want ErrNotResumable", err)
	}
}

func TestTransient(t *testing.T) {
	cases := map[error]bool{
		errUnavailable:           true,
		context.DeadlineExceeded: true,
		state.ErrConflict:        false,
		state.ErrNotFound:        false,
		state.ErrInvariant:       false,
		context.Canceled:         false,
	}
	for err, want := range cases {
		if got := Transient(err); got != want {
			t.Errorf("Transient(%v) = %v, want %v", err, got, want)
		}
	}
}

func TestSaveRefusesOpenToolBlock(t *testing.T) {
	ctx := t.Context()
	backend := &flakyStore{Store: memory.New()}
	created, _ := backend.CreateJob(ctx, statetest.SampleJob("job-1"))
	s := newStore(t, backend, time.Now)

	open := created
	open.Checkpoint.History = created.Checkpoint.History[:2] // call without result
	if _, err := s.Save(ctx, open); !errors.Is(err, state.ErrInvariant) {
		t.Fatalf("Save err = %v, want ErrInvariant", err)
	}
	if _, err := s.SaveEmergency(ctx, open); !errors.Is(err, state.ErrInvariant) {
		t.Fatalf("SaveEmergency err = %v, want ErrInvariant", err)
	}
	if backend.calls() != 0 {
		t.Fatalf("backend saw %d writes, want none", backend.calls())
	}

	// Failing a job keeps its history as found.
	open.Status = state.StatusFailed
	saved, err := s.Save(ctx, open)
	if err != nil {
		t.Fatalf("Save failed job: %v", err)
	}
	if len(saved.Checkpoint.History) != 2 {
		t.Fatalf("failed job history was changed: %d turns", len(saved.Checkpoint.History))
	}
}

func TestSaveEmergencyKeepsCompletedStatus(t *testing.T) {
	ctx := t.Context()
	backend := memory.New()
	created, _ := backend.CreateJob(ctx, statetest.SampleJob("job-1"))
	s := newStore(t, backend, time.Now)

	done := created
	done.Status = state.StatusCompleted
	done.FinalAnswer = "no rain expected"
	saved, err := s.SaveEmergency(ctx, done)
	if err != nil {
		t.Fatalf("SaveEmergency: %v", err)
	}
	if saved.Status != state.StatusCompleted || saved.FinalAnswer != "no rain expected" || saved.LeaseExpiresAt != nil {
		t.Fatalf("saved = %s %q lease=%v", saved.Status, saved.FinalAnswer, saved.LeaseExpiresAt)
	}
}
