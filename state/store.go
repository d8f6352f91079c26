package state

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("state: not found")
	ErrConflict  = errors.New("state: conflict")
	ErrInvariant = errors.New("state: invariant violation")
)

type ListJobsQuery struct {
	Status        JobStatus
	UpdatedBefore time.Time
	// LeaseExpiredBefore keeps jobs without a lease or whose lease ended
	// before it.
	LeaseExpiredBefore time.Time
	Limit              int
}

// Store persists job documents keyed by job id. SaveJob is a conditional
// whole-document put: it succeeds only when the stored version equals
// expectedVersion and returns the job with its version bumped.
type Store interface {
	CreateJob(ctx context.Context, job Job) (Job, error)
	LoadJob(ctx context.Context, jobID string) (Job, error)
	SaveJob(ctx context.Context, job Job, expectedVersion int64) (Job, error)
	ListJobs(ctx context.Context, query ListJobsQuery) ([]Job, error)

	Close() error
}

// Matches reports whether job satisfies the filter part of q.
func (q ListJobsQuery) Matches(job Job) bool {
	if q.Status != "" && job.Status != q.Status {
		return false
	}
	if !q.UpdatedBefore.IsZero() && !job.UpdatedAt.Before(q.UpdatedBefore) {
		return false
	}
	if !q.LeaseExpiredBefore.IsZero() && job.LeaseExpiresAt != nil && !job.LeaseExpiresAt.Before(q.LeaseExpiredBefore) {
		return false
	}
	return true
}
