// Package agent runs one bounded attempt of a resumable insight job: it
// reasons with the provider, executes tools through the tool boundary and
// checkpoints progress so a later attempt can pick up where this one stopped.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/PipeOpsHQ/insight-runtime/budget"
	"github.com/PipeOpsHQ/insight-runtime/checkpoint"
	"github.com/PipeOpsHQ/insight-runtime/internal/retry"
	"github.com/PipeOpsHQ/insight-runtime/llm"
	"github.com/PipeOpsHQ/insight-runtime/observe"
	"github.com/PipeOpsHQ/insight-runtime/state"
	"github.com/PipeOpsHQ/insight-runtime/tools"
	"github.com/PipeOpsHQ/insight-runtime/types"
)

var (
	ErrJobNotFound       = errors.New("agent: job not found")
	ErrAttemptInProgress = errors.New("agent: another attempt owns the job")
	ErrInvalidRequest    = errors.New("agent: invalid request")
)

const (
	defaultMaxIterations  = 8
	defaultMaxAttempts    = 15
	defaultOverallCeiling = 5 * time.Minute
	defaultMaxToolTimeout = 10 * time.Second
)

// ContextResolver loads the background material a question refers to.
type ContextResolver interface {
	Resolve(ctx context.Context, contextRef string) (string, error)
}

type ContextResolverFunc func(ctx context.Context, contextRef string) (string, error)

func (f ContextResolverFunc) Resolve(ctx context.Context, contextRef string) (string, error) {
	return f(ctx, contextRef)
}

type Agent struct {
	provider  llm.Provider
	store     *checkpoint.Store
	executor  *tools.Executor
	allocator *budget.Allocator

	systemPrompt    string
	maxIterations   int
	maxAttempts     int
	maxOutputTokens int
	overallCeiling  time.Duration
	maxToolTimeout  time.Duration
	retryPolicy     retry.Policy
	parallelTools   bool
	resolver        ContextResolver
	middlewares     []Middleware
	observer        observe.Sink
	logger          zerolog.Logger
	now             func() time.Time
}

type Option func(*Agent)

func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) { a.systemPrompt = prompt }
}

func WithMaxIterations(max int) Option {
	return func(a *Agent) {
		if max > 0 {
			a.maxIterations = max
		}
	}
}

func WithMaxAttempts(max int) Option {
	return func(a *Agent) {
		if max > 0 {
			a.maxAttempts = max
		}
	}
}

func WithMaxOutputTokens(max int) Option {
	return func(a *Agent) {
		if max > 0 {
			a.maxOutputTokens = max
		}
	}
}

// WithOverallCeiling bounds the wall time from a job's first attempt to its
// last, across all attempts.
func WithOverallCeiling(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.overallCeiling = d
		}
	}
}

func WithBudget(cfg budget.Config) Option {
	return func(a *Agent) { a.allocator = budget.NewAllocator(cfg) }
}

// WithRetryPolicy controls how often a failing reasoning call is repeated
// within one step. Timeouts are never retried.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(a *Agent) { a.retryPolicy = policy.Normalize() }
}

func WithMaxToolTimeout(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.maxToolTimeout = d
		}
	}
}

func WithParallelToolCalls(enabled bool) Option {
	return func(a *Agent) { a.parallelTools = enabled }
}

func WithContextResolver(resolver ContextResolver) Option {
	return func(a *Agent) { a.resolver = resolver }
}

func WithMiddleware(middlewares ...Middleware) Option {
	return func(a *Agent) {
		for _, middleware := range middlewares {
			if middleware != nil {
				a.middlewares = append(a.middlewares, middleware)
			}
		}
	}
}

func WithObserver(observer observe.Sink) Option {
	return func(a *Agent) { a.observer = observer }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

func New(provider llm.Provider, store *checkpoint.Store, executor *tools.Executor, opts ...Option) (*Agent, error) {
	if provider == nil {
		return nil, errors.New("provider is required")
	}
	if store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if executor == nil {
		executor = tools.NewExecutor(nil, nil)
	}

	a := &Agent{
		provider:       provider,
		store:          store,
		executor:       executor,
		allocator:      budget.NewAllocator(budget.DefaultConfig()),
		maxIterations:  defaultMaxIterations,
		maxAttempts:    defaultMaxAttempts,
		overallCeiling: defaultOverallCeiling,
		maxToolTimeout: defaultMaxToolTimeout,
		retryPolicy:    retry.Policy{MaxAttempts: 2, BaseBackoff: 200 * time.Millisecond, MaxBackoff: time.Second}.Normalize(),
		logger:         zerolog.Nop(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Agent) MaxAttempts() int { return a.maxAttempts }

func (a *Agent) OverallCeiling() time.Duration { return a.overallCeiling }

// AttemptRequest starts a new job when JobID is empty and resumes it otherwise.
type AttemptRequest struct {
	JobID        string
	Question     string
	ContextRef   string
	HostDeadline time.Time
}

type AttemptResult struct {
	JobID          string          `json:"jobId"`
	Status         state.JobStatus `json:"status"`
	FinalAnswer    string          `json:"finalAnswer,omitempty"`
	ErrorKind      types.ErrorKind `json:"errorKind,omitempty"`
	Message        string          `json:"message,omitempty"`
	IterationIndex int             `json:"iterationIndex"`
	AttemptCount   int             `json:"attemptCount"`
	StartTime      time.Time       `json:"startTime"`
	Resumable      bool            `json:"resumable"`
}

func resultFor(job state.Job) AttemptResult {
	res := AttemptResult{
		JobID:        job.ID,
		Status:       job.Status,
		FinalAnswer:  job.FinalAnswer,
		AttemptCount: job.AttemptCount,
		Resumable:    job.Status == state.StatusTimedOut,
	}
	if job.Checkpoint != nil {
		res.IterationIndex = job.Checkpoint.IterationIndex
		res.StartTime = job.Checkpoint.StartTime
	}
	if job.Error != nil {
		res.ErrorKind = job.Error.Kind
		res.Message = job.Error.Message
	}
	return res
}

// RunAttempt runs one attempt of a job until it completes, fails or runs out
// of time. Go errors are only returned for infrastructure failures and for
// requests that could not start an attempt at all.
func (a *Agent) RunAttempt(ctx context.Context, req AttemptRequest) (AttemptResult, error) {
	now := a.now()
	if req.HostDeadline.IsZero() {
		deadline, ok := ctx.Deadline()
		if !ok {
			return AttemptResult{}, fmt.Errorf("%w: host deadline is required", ErrInvalidRequest)
		}
		req.HostDeadline = deadline
	}
	plan := a.allocator.Plan(now, req.HostDeadline)

	job, err := a.initialize(ctx, req, plan)
	if err != nil {
		return AttemptResult{}, err
	}
	if job.Status != state.StatusRunning {
		return resultFor(job), nil
	}

	run := &attempt{
		agent:  a,
		job:    job,
		plan:   plan,
		logger: a.logger.With().Str("job_id", job.ID).Int("attempt", job.AttemptCount).Logger(),
	}
	return run.loop(ctx)
}

func (a *Agent) initialize(ctx context.Context, req AttemptRequest, plan budget.Plan) (state.Job, error) {
	now := a.now()
	var job state.Job
	if strings.TrimSpace(req.JobID) == "" {
		created, err := a.create(ctx, req, plan)
		if err != nil {
			return state.Job{}, err
		}
		job = created
	} else {
		loaded, err := a.store.Load(ctx, req.JobID)
		switch {
		case errors.Is(err, state.ErrNotFound):
			return state.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, req.JobID)
		case errors.Is(err, state.ErrInvariant):
			a.logger.Error().Err(err).Str("job_id", req.JobID).Msg("stored checkpoint is invalid")
			return a.fail(ctx, loaded, types.ErrorInvariantViolation, err.Error())
		case err != nil:
			return state.Job{}, err
		}
		job = loaded
	}

	if job.Status.Terminal() {
		return job, nil
	}
	if job.LeaseActive(now) {
		return state.Job{}, fmt.Errorf("%w: %s leased until %s", ErrAttemptInProgress, job.ID, job.LeaseExpiresAt.Format(time.RFC3339))
	}
	if job.Checkpoint == nil {
		return a.fail(ctx, job, types.ErrorInvariantViolation, "job has no checkpoint")
	}
	if job.AttemptCount >= a.maxAttempts {
		return a.fail(ctx, job, types.ErrorAttemptLimit, fmt.Sprintf("%d of %d attempts used", job.AttemptCount, a.maxAttempts))
	}
	if elapsed := now.Sub(job.Checkpoint.StartTime); elapsed > a.overallCeiling {
		return a.fail(ctx, job, types.ErrorOverallDeadline, fmt.Sprintf("%s elapsed since the job started", elapsed.Round(time.Millisecond)))
	}

	lease := req.HostDeadline
	job.AttemptCount++
	job.Status = state.StatusRunning
	job.LeaseExpiresAt = &lease
	job.Error = nil
	admitted, err := a.store.Save(ctx, job)
	if errors.Is(err, state.ErrConflict) {
		return state.Job{}, fmt.Errorf("%w: %s", ErrAttemptInProgress, job.ID)
	}
	if err != nil {
		return state.Job{}, err
	}
	a.emit(ctx, types.Event{
		Type:      types.EventAttemptStarted,
		JobID:     admitted.ID,
		Attempt:   admitted.AttemptCount,
		Iteration: admitted.Checkpoint.IterationIndex,
		Message:   "attempt started",
	})
	return admitted, nil
}

func (a *Agent) create(ctx context.Context, req AttemptRequest, plan budget.Plan) (state.Job, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return state.Job{}, fmt.Errorf("%w: question is required", ErrInvalidRequest)
	}
	now := a.now()
	history := []state.Turn{{Kind: state.TurnQuestion, Content: question, At: now}}
	if text := a.resolveContext(ctx, req.ContextRef, plan.ContextBudget); text != "" {
		history = append(history, state.Turn{Kind: state.TurnContext, Content: text, At: a.now()})
	}
	job := state.Job{
		ID:         uuid.NewString(),
		Question:   question,
		ContextRef: req.ContextRef,
		Status:     state.StatusPending,
		CreatedAt:  now,
		Checkpoint: &state.Checkpoint{
			History:            history,
			StartTime:          now,
			LastCheckpointTime: now,
		},
	}
	created, err := a.store.Create(ctx, job)
	if err != nil {
		return state.Job{}, err
	}
	a.emit(ctx, types.Event{Type: types.EventJobCreated, JobID: created.ID, Message: "job created"})
	return created, nil
}

func (a *Agent) resolveContext(ctx context.Context, ref string, limit time.Duration) string {
	if a.resolver == nil || strings.TrimSpace(ref) == "" {
		return ""
	}
	if limit <= 0 {
		a.logger.Warn().Str("context_ref", ref).Msg("no budget left to resolve context")
		return ""
	}
	resolveCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	text, err := a.resolver.Resolve(resolveCtx, ref)
	if err != nil {
		a.logger.Warn().Err(err).Str("context_ref", ref).Msg("context resolution failed, continuing without it")
		return ""
	}
	return strings.TrimSpace(text)
}

// fail marks a job failed with a terminal kind and persists it.
func (a *Agent) fail(ctx context.Context, job state.Job, kind types.ErrorKind, detail string) (state.Job, error) {
	job.Status = state.StatusFailed
	job.LeaseExpiresAt = nil
	job.Error = &state.JobError{Kind: kind, Message: kind.Summary()}
	saved, err := a.store.Save(ctx, job)
	if err != nil {
		return state.Job{}, fmt.Errorf("mark job %s failed: %w", job.ID, err)
	}
	a.logger.Warn().Str("job_id", job.ID).Str("error_kind", string(kind)).Str("detail", detail).Msg("job failed")
	a.emit(ctx, types.Event{
		Type:      types.EventJobFailed,
		JobID:     job.ID,
		Attempt:   job.AttemptCount,
		ErrorKind: kind,
		Message:   kind.Summary(),
		Error:     detail,
	})
	return saved, nil
}

// Abandon marks a job that is not yet terminal as failed. The controller uses
// it when its own bounds trip before the loop could record them.
func (a *Agent) Abandon(ctx context.Context, jobID string, kind types.ErrorKind, detail string) error {
	for i := 0; i < 3; i++ {
		job, err := a.store.Load(ctx, jobID)
		if errors.Is(err, state.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		if err != nil && !errors.Is(err, state.ErrInvariant) {
			return err
		}
		if job.Status.Terminal() {
			return nil
		}
		if job.LeaseActive(a.now()) {
			return fmt.Errorf("%w: %s", ErrAttemptInProgress, jobID)
		}
		_, err = a.fail(ctx, job, kind, detail)
		if !errors.Is(err, state.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("abandon job %s: %w", jobID, state.ErrConflict)
}

// Job returns the stored job for status reads. A job with an invalid
// checkpoint is still returned.
func (a *Agent) Job(ctx context.Context, jobID string) (state.Job, error) {
	job, err := a.store.Load(ctx, jobID)
	if errors.Is(err, state.ErrNotFound) {
		return state.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil && !errors.Is(err, state.ErrInvariant) {
		return state.Job{}, err
	}
	return job, nil
}

func (a *Agent) emit(ctx context.Context, event types.Event) {
	if a.observer == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now()
	}
	if event.Provider == "" {
		event.Provider = a.provider.Name()
	}
	if err := a.observer.Emit(ctx, observe.FromRuntimeEvent(event)); err != nil {
		a.logger.Debug().Err(err).Str("event", string(event.Type)).Msg("observer rejected event")
	}
}
