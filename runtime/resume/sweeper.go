package resume

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	robcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/PipeOpsHQ/insight-runtime/checkpoint"
	"github.com/PipeOpsHQ/insight-runtime/observe/metrics"
	"github.com/PipeOpsHQ/insight-runtime/state"
	"github.com/PipeOpsHQ/insight-runtime/types"
)

const (
	defaultSweepSchedule = "@every 30s"
	defaultSweepBatch    = 100
	defaultSweepGrace    = 5 * time.Second
)

// Sweeper finds running jobs whose attempt lease expired without a final
// checkpoint, typically because the host killed the process, and marks them
// timed_out so the next request can resume them.
type Sweeper struct {
	store    *checkpoint.Store
	schedule string
	batch    int
	grace    time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	cron    *robcron.Cron
	started bool
}

type SweeperOption func(*Sweeper)

// WithSchedule takes a robfig/cron spec such as "@every 30s" or "*/1 * * * *".
func WithSchedule(spec string) SweeperOption {
	return func(s *Sweeper) {
		if spec != "" {
			s.schedule = spec
		}
	}
}

func WithBatch(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.batch = n
		}
	}
}

// WithGrace is how long past its lease a job must be before it is swept.
func WithGrace(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d >= 0 {
			s.grace = d
		}
	}
}

func WithSweeperLogger(logger zerolog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = logger }
}

func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

func NewSweeper(store *checkpoint.Store, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:    store,
		schedule: defaultSweepSchedule,
		batch:    defaultSweepBatch,
		grace:    defaultSweepGrace,
		logger:   zerolog.Nop(),
		now:      time.Now,
		cron:     robcron.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SweepOnce runs one pass and returns how many jobs were marked timed_out.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.grace)
	jobs, err := s.store.List(ctx, state.ListJobsQuery{
		Status:             state.StatusRunning,
		LeaseExpiredBefore: cutoff,
		Limit:              s.batch,
	})
	if err != nil {
		return 0, fmt.Errorf("list running jobs: %w", err)
	}

	swept := 0
	var errs []error
	for _, job := range jobs {
		if job.LeaseActive(cutoff) {
			continue
		}
		job.Status = state.StatusTimedOut
		job.LeaseExpiresAt = nil
		job.Error = &state.JobError{Kind: types.ErrorBudgetExhausted, Message: "attempt stopped before writing its final checkpoint"}
		if _, err := s.store.Save(ctx, job); err != nil {
			if errors.Is(err, state.ErrConflict) {
				continue
			}
			errs = append(errs, fmt.Errorf("sweep job %s: %w", job.ID, err))
			continue
		}
		swept++
		s.logger.Info().Str("job_id", job.ID).Int("attempt", job.AttemptCount).Msg("expired attempt marked timed_out")
	}
	metrics.IncSwept(swept)
	return swept, errors.Join(errs...)
}

// Start schedules SweepOnce on the configured spec. It does not block.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.cron = robcron.New()
	_, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.SweepOnce(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.started = true
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		<-s.cron.Stop().Done()
		s.started = false
	}
}
