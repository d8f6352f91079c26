package resume

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/PipeOpsHQ/insight-runtime/agent"
	"github.com/PipeOpsHQ/insight-runtime/checkpoint"
	"github.com/PipeOpsHQ/insight-runtime/state"
	"github.com/PipeOpsHQ/insight-runtime/state/memory"
	"github.com/PipeOpsHQ/insight-runtime/tools"
	"github.com/PipeOpsHQ/insight-runtime/types"
)

var t0 = time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scriptedRunner returns one scripted outcome per attempt and records the
// requests it saw.
type scriptedRunner struct {
	clock      *clock
	outcomes   []outcome
	abandonErr error

	mu        sync.Mutex
	requests  []agent.AttemptRequest
	abandoned []types.ErrorKind
}

type outcome struct {
	res  agent.AttemptResult
	err  error
	took time.Duration
}

func (r *scriptedRunner) RunAttempt(ctx context.Context, req agent.AttemptRequest) (agent.AttemptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	o := r.outcomes[min(len(r.requests), len(r.outcomes))-1]
	r.clock.Advance(o.took)
	return o.res, o.err
}

func (r *scriptedRunner) Abandon(ctx context.Context, jobID string, kind types.ErrorKind, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abandoned = append(r.abandoned, kind)
	return r.abandonErr
}

func timedOut(attempt int) outcome {
	return outcome{took: 20 * time.Second, res: agent.AttemptResult{
		JobID: "job-1", Status: state.StatusTimedOut, Resumable: true, AttemptCount: attempt, StartTime: t0, IterationIndex: attempt,
	}}
}

func newController(r *scriptedRunner, policy Policy) *Controller {
	return NewController(r,
		WithPolicy(policy),
		WithClock(r.clock.Now),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			r.clock.Advance(d)
			return ctx.Err()
		}),
	)
}

func TestRun_ResumesUntilCompleted(t *testing.T) {
	c := &clock{now: t0}
	r := &scriptedRunner{clock: c, outcomes: []outcome{
		timedOut(1),
		timedOut(2),
		{took: 5 * time.Second, res: agent.AttemptResult{JobID: "job-1", Status: state.StatusCompleted, FinalAnswer: "42 kWh", AttemptCount: 3, StartTime: t0}},
	}}
	ctrl := newController(r, DefaultPolicy())

	res, err := ctrl.Run(t.Context(), Request{Question: "q", Deadline: t0.Add(2 * time.Minute)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Completed || res.FinalAnswer != "42 kWh" || res.JobID != "job-1" || res.Attempts != 3 {
		t.Fatalf("result = %+v", res)
	}
	if r.requests[0].JobID != "" || r.requests[1].JobID != "job-1" || r.requests[2].JobID != "job-1" {
		t.Fatalf("job id was not carried between attempts: %+v", r.requests)
	}
	for _, req := range r.requests {
		if budget := req.HostDeadline.Sub(t0); budget <= 0 {
			t.Fatalf("host deadline %v before start", req.HostDeadline)
		}
	}
	if got := r.requests[0].HostDeadline; !got.Equal(t0.Add(25 * time.Second)) {
		t.Fatalf("first host deadline = %v, want start+25s", got)
	}
}

func TestRun_ReturnsResumableWhenCallerDeadlineIsClose(t *testing.T) {
	c := &clock{now: t0}
	r := &scriptedRunner{clock: c, outcomes: []outcome{timedOut(1)}}
	ctrl := newController(r, DefaultPolicy())

	res, err := ctrl.Run(t.Context(), Request{Question: "q", Deadline: t0.Add(21 * time.Second)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Resumable || res.JobID != "job-1" || res.Completed || res.Failed {
		t.Fatalf("result = %+v, want resumable", res)
	}
	if len(r.requests) != 1 {
		t.Fatalf("attempts = %d, want 1", len(r.requests))
	}
	if got := r.requests[0].HostDeadline; !got.Equal(t0.Add(21 * time.Second)) {
		t.Fatalf("host deadline = %v, want caller deadline", got)
	}
}

func TestRun_StopsAtAttemptLimit(t *testing.T) {
	c := &clock{now: t0}
	r := &scriptedRunner{clock: c, outcomes: []outcome{timedOut(1), timedOut(2), timedOut(3)}}
	ctrl := newController(r, Policy{MaxAttempts: 2})

	res, err := ctrl.Run(t.Context(), Request{Question: "q", Deadline: t0.Add(time.Hour)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Failed || res.ErrorKind != types.ErrorAttemptLimit {
		t.Fatalf("result = %+v", res)
	}
	if len(r.requests) != 2 || len(r.abandoned) != 1 {
		t.Fatalf("attempts = %d abandoned = %v", len(r.requests), r.abandoned)
	}
}

func TestRun_StopsAtOverallCeiling(t *testing.T) {
	c := &clock{now: t0}
	r := &scriptedRunner{clock: c, outcomes: []outcome{timedOut(1)}}
	ctrl := newController(r, Policy{OverallCeiling: 30 * time.Second})

	res, err := ctrl.Run(t.Context(), Request{Question: "q", Deadline: t0.Add(time.Hour)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Failed || res.ErrorKind != types.ErrorOverallDeadline {
		t.Fatalf("result = %+v", res)
	}
	if len(r.abandoned) != 1 || r.abandoned[0] != types.ErrorOverallDeadline {
		t.Fatalf("abandoned = %v", r.abandoned)
	}
}

func TestRun_RequestErrors(t *testing.T) {
	c := &clock{now: t0}
	r := &scriptedRunner{clock: c, outcomes: []outcome{{err: agent.ErrJobNotFound}}}
	res, err := newController(r, DefaultPolicy()).Run(t.Context(), Request{JobID: "nope", Deadline: t0.Add(time.Minute)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Failed || res.ErrorKind != types.ErrorJobNotFound {
		t.Fatalf("result = %+v", res)
	}

	r = &scriptedRunner{clock: c, outcomes: []outcome{{err: agent.ErrInvalidRequest}}}
	res, _ = newController(r, DefaultPolicy()).Run(t.Context(), Request{Deadline: t0.Add(time.Minute)})
	if !res.Failed || res.ErrorKind != types.ErrorInvalidRequest {
		t.Fatalf("result = %+v", res)
	}
}

func TestRun_TransientErrorsAreRetried(t *testing.T) {
	c := &clock{now: t0}
	r := &scriptedRunner{clock: c, outcomes: []outcome{
		{err: errors.New("store unreachable"), took: time.Second},
		{res: agent.AttemptResult{JobID: "job-1", Status: state.StatusCompleted, FinalAnswer: "ok", AttemptCount: 1, StartTime: t0}},
	}}
	res, err := newController(r, DefaultPolicy()).Run(t.Context(), Request{Question: "q", Deadline: t0.Add(time.Minute)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Completed || len(r.requests) != 2 {
		t.Fatalf("result = %+v attempts=%d", res, len(r.requests))
	}
}

func TestRun_AttemptsThatNeverStartDoNotExhaustTheJob(t *testing.T) {
	c := &clock{now: t0}
	busy := fmt.Errorf("%w: job-1 leased", agent.ErrAttemptInProgress)
	r := &scriptedRunner{clock: c, outcomes: []outcome{{err: busy, took: time.Second}}}
	ctrl := newController(r, Policy{MaxAttempts: 2})

	res, err := ctrl.Run(t.Context(), Request{JobID: "job-1", Deadline: t0.Add(time.Hour)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Resumable || res.Failed || res.JobID != "job-1" || res.Attempts != 0 {
		t.Fatalf("result = %+v, want resumable with no attempts run", res)
	}
	if len(r.requests) != 2 || len(r.abandoned) != 0 {
		t.Fatalf("requests = %d abandoned = %v", len(r.requests), r.abandoned)
	}
}

func TestRun_AbandonOfLeasedJobLeavesItResumable(t *testing.T) {
	c := &clock{now: t0}
	r := &scriptedRunner{
		clock:      c,
		outcomes:   []outcome{timedOut(1), timedOut(2)},
		abandonErr: fmt.Errorf("%w: job-1", agent.ErrAttemptInProgress),
	}
	ctrl := newController(r, Policy{MaxAttempts: 2})

	res, err := ctrl.Run(t.Context(), Request{Question: "q", Deadline: t0.Add(time.Hour)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Resumable || res.Failed || res.JobID != "job-1" {
		t.Fatalf("result = %+v, want resumable", res)
	}
	if len(r.abandoned) != 1 {
		t.Fatalf("abandoned = %v, want one try", r.abandoned)
	}
}

func TestRun_NoJobAndNoTimeIsAnError(t *testing.T) {
	c := &clock{now: t0}
	r := &scriptedRunner{clock: c, outcomes: []outcome{timedOut(1)}}
	_, err := newController(r, DefaultPolicy()).Run(t.Context(), Request{Question: "q", Deadline: t0.Add(time.Second)})
	if !errors.Is(err, agent.ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
	if len(r.requests) != 0 {
		t.Fatalf("attempt started without a usable window")
	}
}

// timeoutProvider never finishes within the deadline it is given.
type timeoutProvider struct{ clock *clock }

func (p *timeoutProvider) Name() string { return "slow" }

func (p *timeoutProvider) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	if deadline, ok := ctx.Deadline(); ok {
		p.clock.Advance(time.Until(deadline))
	}
	return types.Response{}, context.DeadlineExceeded
}

type countingRunner struct {
	*agent.Agent
	calls int
}

func (r *countingRunner) RunAttempt(ctx context.Context, req agent.AttemptRequest) (agent.AttemptResult, error) {
	r.calls++
	return r.Agent.RunAttempt(ctx, req)
}

func TestRun_AttemptLimitWithAgent(t *testing.T) {
	c := &clock{now: t0}
	backend := memory.New()
	store := checkpoint.New(backend, checkpoint.WithClock(c.Now))
	a, err := agent.New(&timeoutProvider{clock: c}, store, tools.NewExecutor(nil, nil),
		agent.WithClock(c.Now), agent.WithMaxAttempts(2))
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	runner := &countingRunner{Agent: a}
	ctrl := NewController(runner,
		WithPolicy(Policy{MaxAttempts: 2}),
		WithClock(c.Now),
		WithSleep(func(ctx context.Context, d time.Duration) error { c.Advance(d); return nil }),
	)

	res, err := ctrl.Run(t.Context(), Request{Question: "will it hail?", Deadline: t0.Add(2 * time.Minute)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Failed || res.ErrorKind != types.ErrorAttemptLimit {
		t.Fatalf("result = %+v, want attempt_limit_exceeded", res)
	}
	if runner.calls != 2 {
		t.Fatalf("runner calls = %d, want 2", runner.calls)
	}
	job, err := backend.LoadJob(t.Context(), res.JobID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if job.Status != state.StatusFailed || job.AttemptCount != 2 {
		t.Fatalf("stored job = %s after %d attempts", job.Status, job.AttemptCount)
	}
}
