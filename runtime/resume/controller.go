// Package resume drives a job across attempts until it completes, fails for
// good, or the caller runs out of time and gets a resumable job id back.
package resume

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/PipeOpsHQ/insight-runtime/agent"
	"github.com/PipeOpsHQ/insight-runtime/internal/retry"
	"github.com/PipeOpsHQ/insight-runtime/state"
	"github.com/PipeOpsHQ/insight-runtime/types"
)

// Runner runs single attempts. *agent.Agent implements it.
type Runner interface {
	RunAttempt(ctx context.Context, req agent.AttemptRequest) (agent.AttemptResult, error)
	Abandon(ctx context.Context, jobID string, kind types.ErrorKind, detail string) error
}

type Request struct {
	JobID      string
	Question   string
	ContextRef string
	// Deadline is when the caller stops waiting. Zero means the context
	// deadline, or the overall ceiling when the context has none.
	Deadline time.Time
}

type Result struct {
	Completed   bool            `json:"completed,omitempty"`
	FinalAnswer string          `json:"finalAnswer,omitempty"`
	JobID       string          `json:"jobId,omitempty"`
	Resumable   bool            `json:"resumable,omitempty"`
	Failed      bool            `json:"failed,omitempty"`
	ErrorKind   types.ErrorKind `json:"errorKind,omitempty"`
	Message     string          `json:"message,omitempty"`
	Attempts    int             `json:"-"`
}

func failure(jobID string, kind types.ErrorKind, attempts int) Result {
	return Result{Failed: true, JobID: jobID, ErrorKind: kind, Message: kind.Summary(), Attempts: attempts}
}

type Controller struct {
	runner Runner
	policy Policy
	logger zerolog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

type Option func(*Controller)

func WithPolicy(policy Policy) Option {
	return func(c *Controller) { c.policy = NormalizePolicy(policy) }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSleep replaces the backoff wait between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

func NewController(runner Runner, opts ...Option) *Controller {
	c := &Controller{
		runner: runner,
		policy: DefaultPolicy(),
		logger: zerolog.Nop(),
		now:    time.Now,
		sleep:  retry.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) Policy() Policy { return c.policy }

// Run keeps invoking attempts for one job. Failures are reported in Result;
// the error is only non-nil when no job could be started or resumed at all.
func (c *Controller) Run(ctx context.Context, req Request) (Result, error) {
	deadline := req.Deadline
	if deadline.IsZero() {
		if d, ok := ctx.Deadline(); ok {
			deadline = d
		} else {
			deadline = c.now().Add(c.policy.OverallCeiling)
		}
	}

	var (
		jobID     = req.JobID
		startTime time.Time
		// attempts counts attempts that ran; tries also counts those that
		// could not start.
		attempts int
		tries    int
		lastErr  error
	)
	logger := c.logger.With().Str("job_id", jobID).Logger()

	for {
		now := c.now()
		if deadline.Sub(now) < c.policy.MinAttemptWindow {
			if jobID == "" {
				if lastErr != nil {
					return Result{Attempts: attempts}, lastErr
				}
				return Result{Attempts: attempts}, fmt.Errorf("%w: invocation deadline leaves no room for an attempt", agent.ErrInvalidRequest)
			}
			logger.Info().Int("attempts", attempts).Msg("caller deadline reached, job left resumable")
			return Result{Resumable: true, JobID: jobID, Attempts: attempts}, nil
		}
		if !startTime.IsZero() && now.Sub(startTime) > c.policy.OverallCeiling {
			return c.abandon(ctx, jobID, types.ErrorOverallDeadline, attempts), nil
		}
		if tries >= c.policy.MaxAttempts {
			switch {
			case jobID == "":
				return Result{Attempts: attempts}, lastErr
			case attempts >= c.policy.MaxAttempts:
				return c.abandon(ctx, jobID, types.ErrorAttemptLimit, attempts), nil
			}
			logger.Warn().Int("tries", tries).Int("attempts", attempts).Msg("attempts kept failing to start, job left resumable")
			return Result{Resumable: true, JobID: jobID, Attempts: attempts}, nil
		}

		hostDeadline := now.Add(c.policy.AttemptBudget)
		if deadline.Before(hostDeadline) {
			hostDeadline = deadline
		}
		res, err := c.runner.RunAttempt(ctx, agent.AttemptRequest{
			JobID:        jobID,
			Question:     req.Question,
			ContextRef:   req.ContextRef,
			HostDeadline: hostDeadline,
		})
		tries++

		if err != nil {
			switch {
			case errors.Is(err, agent.ErrJobNotFound):
				return failure(jobID, types.ErrorJobNotFound, attempts), nil
			case errors.Is(err, agent.ErrInvalidRequest):
				return failure(jobID, types.ErrorInvalidRequest, attempts), nil
			case ctx.Err() != nil:
				if jobID != "" {
					return Result{Resumable: true, JobID: jobID, Attempts: attempts}, nil
				}
				return Result{Attempts: attempts}, ctx.Err()
			}
			lastErr = err
			logger.Warn().Err(err).Int("tries", tries).Msg("attempt did not run, retrying")
			if err := c.wait(ctx, tries, deadline); err != nil {
				return c.leaveResumable(jobID, attempts, lastErr)
			}
			continue
		}
		attempts++

		if jobID == "" {
			jobID = res.JobID
			logger = c.logger.With().Str("job_id", jobID).Logger()
		}
		if !res.StartTime.IsZero() {
			startTime = res.StartTime
		}

		switch {
		case res.Status == state.StatusCompleted:
			return Result{Completed: true, FinalAnswer: res.FinalAnswer, JobID: jobID, Attempts: attempts}, nil
		case res.Status == state.StatusFailed:
			return failure(jobID, res.ErrorKind, attempts), nil
		case res.Resumable:
			if res.AttemptCount >= c.policy.MaxAttempts {
				return c.abandon(ctx, jobID, types.ErrorAttemptLimit, attempts), nil
			}
			logger.Debug().Int("attempt", res.AttemptCount).Int("iteration", res.IterationIndex).Msg("attempt timed out, resuming")
		}
		if err := c.wait(ctx, tries, deadline); err != nil {
			return c.leaveResumable(jobID, attempts, err)
		}
	}
}

// wait sleeps the backoff unless it would eat into the last usable window.
func (c *Controller) wait(ctx context.Context, attempts int, deadline time.Time) error {
	d := c.policy.Backoff(attempts)
	if deadline.Sub(c.now().Add(d)) < c.policy.MinAttemptWindow {
		d = 0
	}
	return c.sleep(ctx, d)
}

func (c *Controller) leaveResumable(jobID string, attempts int, err error) (Result, error) {
	if jobID == "" {
		return Result{Attempts: attempts}, err
	}
	return Result{Resumable: true, JobID: jobID, Attempts: attempts}, nil
}

// abandon fails the job for good. A job another attempt still holds is left
// to that attempt and reported resumable.
func (c *Controller) abandon(ctx context.Context, jobID string, kind types.ErrorKind, attempts int) Result {
	err := c.runner.Abandon(context.WithoutCancel(ctx), jobID, kind, "stopped by resume controller")
	if errors.Is(err, agent.ErrAttemptInProgress) {
		c.logger.Info().Str("job_id", jobID).Str("error_kind", string(kind)).Msg("job held by another attempt, left resumable")
		return Result{Resumable: true, JobID: jobID, Attempts: attempts}
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Str("error_kind", string(kind)).Msg("could not record terminal failure")
	}
	return failure(jobID, kind, attempts)
}
