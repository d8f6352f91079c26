// Package memory is an in-process job store. It is used by tests and by the
// single-shot CLI where nothing needs to outlive the process.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/PipeOpsHQ/insight-runtime/state"
)

type Store struct {
	mu   sync.Mutex
	jobs map[string]state.Job
}

func New() *Store {
	return &Store{jobs: map[string]state.Job{}}
}

func (s *Store) CreateJob(ctx context.Context, job state.Job) (state.Job, error) {
	if err := ctx.Err(); err != nil {
		return state.Job{}, err
	}
	if strings.TrimSpace(job.ID) == "" {
		return state.Job{}, fmt.Errorf("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return state.Job{}, fmt.Errorf("job %q: %w", job.ID, state.ErrConflict)
	}
	job.Version = 1
	s.jobs[job.ID] = job.Clone()
	return job.Clone(), nil
}

func (s *Store) LoadJob(ctx context.Context, jobID string) (state.Job, error) {
	if err := ctx.Err(); err != nil {
		return state.Job{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return state.Job{}, state.ErrNotFound
	}
	return job.Clone(), nil
}

func (s *Store) SaveJob(ctx context.Context, job state.Job, expectedVersion int64) (state.Job, error) {
	if err := ctx.Err(); err != nil {
		return state.Job{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[job.ID]
	if !ok {
		return state.Job{}, state.ErrNotFound
	}
	if current.Version != expectedVersion {
		return state.Job{}, fmt.Errorf("job %q at version %d, expected %d: %w", job.ID, current.Version, expectedVersion, state.ErrConflict)
	}
	job.Version = expectedVersion + 1
	s.jobs[job.ID] = job.Clone()
	return job.Clone(), nil
}

func (s *Store) ListJobs(ctx context.Context, query state.ListJobsQuery) ([]state.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]state.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if query.Matches(job) {
			out = append(out, job.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func (s *Store) Close() error { return nil }
