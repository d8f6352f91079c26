package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/PipeOpsHQ/insight-runtime/internal/retry"
	"github.com/PipeOpsHQ/insight-runtime/observe/metrics"
	"github.com/PipeOpsHQ/insight-runtime/types"
)

// minRetryWindow is the least time that must remain in a call's timeout for
// a retry to be worth starting.
const minRetryWindow = 20 * time.Millisecond

// Result is the outcome of one tool call. Failures are data: the loop writes
// them into history as tool-result turns.
type Result struct {
	OK        bool            `json:"ok"`
	Output    json.RawMessage `json:"output,omitempty"`
	ErrorKind types.ErrorKind `json:"errorKind,omitempty"`
	Message   string          `json:"message,omitempty"`
	Attempts  int             `json:"attempts"`
	Duration  time.Duration   `json:"duration"`
}

type Executor struct {
	registry *Registry
	breakers *BreakerSet
	retry    retry.Policy
	logger   zerolog.Logger
	now      func() time.Time
}

type ExecutorOption func(*Executor)

func WithRetryPolicy(p retry.Policy) ExecutorOption {
	return func(e *Executor) {
		e.retry = p.Normalize()
	}
}

func WithLogger(logger zerolog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

func NewExecutor(registry *Registry, breakers *BreakerSet, opts ...ExecutorOption) *Executor {
	if registry == nil {
		registry, _ = NewRegistry()
	}
	if breakers == nil {
		breakers = NewBreakerSet(DefaultBreakerConfig())
	}
	e := &Executor{
		registry: registry,
		breakers: breakers,
		retry:    retry.Policy{MaxAttempts: 2, BaseBackoff: 50 * time.Millisecond, MaxBackoff: 200 * time.Millisecond}.Normalize(),
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Definitions() []types.ToolDefinition {
	return e.registry.Definitions()
}

func (e *Executor) Breakers() *BreakerSet {
	return e.breakers
}

// Execute runs call with at most timeout of wall time. It never returns
// later than the timeout, even if the tool ignores its context.
func (e *Executor) Execute(ctx context.Context, call types.ToolCall, timeout time.Duration) Result {
	start := e.now()
	res := e.execute(ctx, call, timeout)
	res.Duration = e.now().Sub(start)

	outcome := "ok"
	if !res.OK {
		outcome = string(res.ErrorKind)
	}
	metrics.ObserveToolCall(call.Name, outcome, res.Duration)
	e.logger.Debug().
		Str("tool", call.Name).
		Str("call_id", call.ID).
		Str("outcome", outcome).
		Int("attempts", res.Attempts).
		Dur("duration", res.Duration).
		Msg("tool call finished")
	return res
}

func (e *Executor) execute(ctx context.Context, call types.ToolCall, timeout time.Duration) Result {
	tool, ok := e.registry.Lookup(call.Name)
	if !ok {
		return failed(types.ErrorToolNotFound, fmt.Sprintf("unknown tool %q", call.Name), 0)
	}
	if timeout <= 0 {
		return failed(types.ErrorBudgetExhausted, "no time left for tool call", 0)
	}

	breaker := e.breakers.For(call.Name)
	if err := breaker.Allow(); err != nil {
		return failed(types.ErrorCircuitOpen, err.Error(), 0)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	maxAttempts := 1
	if IsIdempotent(tool) {
		maxAttempts = e.retry.MaxAttempts
	}

	var res Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res = e.invoke(callCtx, tool, call.Arguments)
		res.Attempts = attempt
		if res.OK || res.ErrorKind != types.ErrorTransientIO || callCtx.Err() != nil {
			break
		}
		if attempt == maxAttempts {
			break
		}
		wait := e.retry.Backoff(attempt)
		if deadline, ok := callCtx.Deadline(); ok && time.Until(deadline) < wait+minRetryWindow {
			break
		}
		if err := retry.Sleep(callCtx, wait); err != nil {
			break
		}
	}

	switch {
	case res.OK:
		breaker.Success()
	case res.ErrorKind == types.ErrorTransientIO || res.ErrorKind == types.ErrorToolSoftFailure:
		breaker.Failure()
	}
	return res
}

type invocation struct {
	value any
	err   error
	panic any
}

func (e *Executor) invoke(ctx context.Context, tool Tool, args json.RawMessage) Result {
	done := make(chan invocation, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invocation{panic: r}
			}
		}()
		v, err := tool.Execute(ctx, args)
		done <- invocation{value: v, err: err}
	}()

	var inv invocation
	select {
	case inv = <-done:
	case <-ctx.Done():
		return failed(types.ErrorTransientIO, fmt.Sprintf("tool timed out: %v", ctx.Err()), 0)
	}

	switch {
	case inv.panic != nil:
		e.logger.Error().Str("tool", tool.Definition().Name).Interface("panic", inv.panic).Msg("tool panicked")
		return failed(types.ErrorToolSoftFailure, fmt.Sprintf("tool panicked: %v", inv.panic), 0)
	case inv.err != nil:
		if ctx.Err() != nil || isTransient(inv.err) {
			return failed(types.ErrorTransientIO, inv.err.Error(), 0)
		}
		return failed(types.ErrorToolSoftFailure, inv.err.Error(), 0)
	}

	raw, err := json.Marshal(inv.value)
	if err != nil {
		return failed(types.ErrorToolSoftFailure, fmt.Sprintf("failed to encode tool output: %v", err), 0)
	}
	return Result{OK: true, Output: raw}
}

func isTransient(err error) bool {
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func failed(kind types.ErrorKind, msg string, attempts int) Result {
	return Result{ErrorKind: kind, Message: msg, Attempts: attempts}
}
