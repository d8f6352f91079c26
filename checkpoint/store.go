// Package checkpoint persists job documents with bounded per-call timeouts,
// transient retry, history compaction and a best-effort emergency write.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/PipeOpsHQ/insight-runtime/internal/retry"
	"github.com/PipeOpsHQ/insight-runtime/state"
)

// ErrNotResumable is returned by Verify when no usable checkpoint is stored.
var ErrNotResumable = errors.New("checkpoint: no resumable checkpoint")

type Store struct {
	backend       state.Store
	policy        Policy
	maxIterations int
	now           func() time.Time
	logger        zerolog.Logger
}

type Option func(*Store)

func WithPolicy(p Policy) Option {
	return func(s *Store) { s.policy = p.Normalize() }
}

// WithMaxIterations bounds the iteration index accepted by Load and Verify.
func WithMaxIterations(n int) Option {
	return func(s *Store) { s.maxIterations = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func New(backend state.Store, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		policy:  DefaultPolicy(),
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Policy() Policy { return s.policy }

func (s *Store) Backend() state.Store { return s.backend }

func (s *Store) Compactor() Compactor {
	return Compactor{Threshold: s.policy.CompactThreshold, KeepHead: s.policy.KeepHead, KeepTail: s.policy.KeepTail}
}

func (s *Store) Create(ctx context.Context, job state.Job) (state.Job, error) {
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	var created state.Job
	err := s.withRetry(ctx, "create", func(callCtx context.Context) error {
		var err error
		created, err = s.backend.CreateJob(callCtx, job)
		return err
	})
	return created, err
}

// Load returns the stored job. When the stored checkpoint breaks a structural
// invariant the job is returned together with an error wrapping
// state.ErrInvariant so the caller can fail it without repairing anything.
func (s *Store) Load(ctx context.Context, jobID string) (state.Job, error) {
	var job state.Job
	err := s.withRetry(ctx, "load", func(callCtx context.Context) error {
		var err error
		job, err = s.backend.LoadJob(callCtx, jobID)
		return err
	})
	if err != nil {
		return state.Job{}, err
	}
	if job.Checkpoint != nil {
		if err := job.Checkpoint.Validate(s.maxIterations); err != nil {
			return job, fmt.Errorf("job %s: %w", jobID, err)
		}
	}
	return job, nil
}

func (s *Store) List(ctx context.Context, query state.ListJobsQuery) ([]state.Job, error) {
	var jobs []state.Job
	err := s.withRetry(ctx, "list", func(callCtx context.Context) error {
		var err error
		jobs, err = s.backend.ListJobs(callCtx, query)
		return err
	})
	return jobs, err
}

// Save compacts the history when needed, stamps the checkpoint time and writes
// the whole document conditioned on job.Version.
func (s *Store) Save(ctx context.Context, job state.Job) (state.Job, error) {
	now := s.now()
	job = s.prepare(job, now)
	if err := s.writable(job); err != nil {
		return state.Job{}, err
	}
	expected := job.Version

	var (
		saved       state.Job
		hadFailures bool
	)
	err := s.withRetry(ctx, "save", func(callCtx context.Context) error {
		var err error
		saved, err = s.backend.SaveJob(callCtx, job, expected)
		if err != nil && errors.Is(err, state.ErrConflict) && hadFailures {
			// A previous try may have committed before its reply was lost.
			if stored, ok := s.landed(ctx, job, expected); ok {
				saved = stored
				return nil
			}
		}
		if err != nil {
			hadFailures = true
		}
		return err
	})
	if err != nil {
		return state.Job{}, err
	}
	return saved, nil
}

func (s *Store) prepare(job state.Job, now time.Time) state.Job {
	if job.Checkpoint != nil {
		cp := *job.Checkpoint
		if history, changed := s.Compactor().Compact(cp.History, now); changed {
			cp.History = history
			cp.CompactionCount++
			s.logger.Debug().Str("job_id", job.ID).Int("turns", len(history)).Int("compactions", cp.CompactionCount).Msg("history compacted")
		}
		cp.LastCheckpointTime = now
		job.Checkpoint = &cp
	}
	job.UpdatedAt = now
	return job
}

// writable rejects a checkpoint that a later attempt could not resume from.
// Failed jobs are never resumed and keep the history they were failed with.
func (s *Store) writable(job state.Job) error {
	if job.Checkpoint == nil || job.Status == state.StatusFailed {
		return nil
	}
	if err := job.Checkpoint.Validate(s.maxIterations); err != nil {
		return fmt.Errorf("job %s not written: %w", job.ID, err)
	}
	return nil
}

func (s *Store) landed(ctx context.Context, job state.Job, expected int64) (state.Job, bool) {
	callCtx, cancel := context.WithTimeout(ctx, s.policy.CallTimeout)
	defer cancel()
	stored, err := s.backend.LoadJob(callCtx, job.ID)
	if err != nil || stored.Version != expected+1 {
		return state.Job{}, false
	}
	if stored.Status != job.Status || stored.AttemptCount != job.AttemptCount || !stored.UpdatedAt.Equal(job.UpdatedAt) {
		return state.Job{}, false
	}
	return stored, true
}

// SaveEmergency makes one write on a fresh short context after a normal save
// failed. Usage and metadata are dropped and the history is cut hard. A job
// that is not completed or failed is written as timed_out. On a conflict it
// retries once, and only when the stored job is still the same attempt and
// behind this one.
func (s *Store) SaveEmergency(ctx context.Context, job state.Job) (state.Job, error) {
	now := s.now()
	job = s.emergencyDocument(job, now)
	if err := s.writable(job); err != nil {
		return state.Job{}, err
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.policy.CallTimeout)
	defer cancel()

	saved, err := s.backend.SaveJob(writeCtx, job, job.Version)
	if err == nil || !errors.Is(err, state.ErrConflict) {
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("emergency checkpoint failed")
		}
		return saved, err
	}

	stored, loadErr := s.backend.LoadJob(writeCtx, job.ID)
	if loadErr != nil {
		return state.Job{}, errors.Join(err, loadErr)
	}
	if !behind(stored, job) {
		s.logger.Warn().Str("job_id", job.ID).Int("stored_attempt", stored.AttemptCount).Int("attempt", job.AttemptCount).
			Msg("emergency checkpoint skipped, stored job is newer")
		return state.Job{}, err
	}
	return s.backend.SaveJob(writeCtx, job, stored.Version)
}

func behind(stored, job state.Job) bool {
	if stored.AttemptCount != job.AttemptCount || stored.Status.Terminal() {
		return false
	}
	if stored.Checkpoint == nil || job.Checkpoint == nil {
		return stored.Checkpoint == nil
	}
	return stored.Checkpoint.IterationIndex <= job.Checkpoint.IterationIndex
}

func (s *Store) emergencyDocument(job state.Job, now time.Time) state.Job {
	if !job.Status.Terminal() {
		job.Status = state.StatusTimedOut
	}
	job.LeaseExpiresAt = nil
	job.Usage = nil
	job.Metadata = nil
	job.UpdatedAt = now
	if job.Checkpoint != nil {
		cp := *job.Checkpoint
		if history, changed := compact(cp.History, s.policy.KeepHead, s.policy.EmergencyKeepTail, now); changed {
			cp.History = history
			cp.CompactionCount++
		}
		cp.LastCheckpointTime = now
		job.Checkpoint = &cp
	}
	return job
}

// Verify confirms the stored job carries a valid checkpoint at or beyond
// iteration that a later attempt can resume from.
func (s *Store) Verify(ctx context.Context, jobID string, iteration int) error {
	verifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.policy.CallTimeout)
	defer cancel()
	job, err := s.backend.LoadJob(verifyCtx, jobID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotResumable, err)
	}
	if job.Status == state.StatusRunning || job.Status == state.StatusPending {
		return fmt.Errorf("%w: job %s is %s", ErrNotResumable, jobID, job.Status)
	}
	if job.Checkpoint == nil {
		return fmt.Errorf("%w: job %s has no checkpoint", ErrNotResumable, jobID)
	}
	if err := job.Checkpoint.Validate(s.maxIterations); err != nil {
		return fmt.Errorf("%w: %v", ErrNotResumable, err)
	}
	if job.Checkpoint.IterationIndex < iteration {
		return fmt.Errorf("%w: stored iteration %d behind %d", ErrNotResumable, job.Checkpoint.IterationIndex, iteration)
	}
	return nil
}

func (s *Store) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	policy := s.policy.retryPolicy()
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return errors.Join(lastErr, err)
			}
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, s.policy.CallTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !Transient(err) || attempt == policy.MaxAttempts {
			break
		}
		s.logger.Debug().Err(err).Str("op", op).Int("attempt", attempt).Msg("checkpoint call failed, retrying")
		if err := retry.Sleep(ctx, policy.Backoff(attempt)); err != nil {
			return errors.Join(lastErr, err)
		}
	}
	return fmt.Errorf("checkpoint %s: %w", op, lastErr)
}

// Transient reports whether a store error is worth retrying. Conflicts,
// missing jobs and invariant violations are answers, not failures.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, state.ErrConflict) &&
		!errors.Is(err, state.ErrNotFound) &&
		!errors.Is(err, state.ErrInvariant) &&
		!errors.Is(err, context.Canceled)
}
