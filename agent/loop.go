package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/PipeOpsHQ/insight-runtime/budget"
	"github.com/PipeOpsHQ/insight-runtime/internal/retry"
	"github.com/PipeOpsHQ/insight-runtime/state"
	"github.com/PipeOpsHQ/insight-runtime/types"
)

const finalizeInstruction = "You have reached the step limit. Answer the original question now using only what has already been gathered. Do not call any tools."

var (
	errEmptyAnswer     = errors.New("reasoning service returned neither text nor tool calls")
	errNoPersistBudget = errors.New("no time left to persist the checkpoint")
)

// attempt is the state of one running attempt. Only the goroutine running
// loop touches job; parallel tool calls write into their own result slots.
type attempt struct {
	agent  *Agent
	job    state.Job
	plan   budget.Plan
	logger zerolog.Logger
}

func (r *attempt) loop(ctx context.Context) (AttemptResult, error) {
	a := r.agent
	for {
		if ctx.Err() != nil {
			return r.timeOut(ctx, types.ErrorBudgetExhausted, "attempt cancelled by host")
		}
		if r.job.Checkpoint.IterationIndex >= a.maxIterations {
			return r.finalize(ctx)
		}
		if err := r.tick(ctx); err != nil {
			return AttemptResult{}, err
		}
		if !r.plan.CanStart(a.now()) {
			return r.timeOut(ctx, types.ErrorBudgetExhausted, "no time left for another reasoning step")
		}

		resp, kind, err := r.reason(ctx, a.executor.Definitions(), "")
		if err != nil {
			return r.timeOut(ctx, kind, err.Error())
		}
		calls := r.recordReasoning(resp)
		if len(calls) == 0 {
			return r.complete(ctx, resp.Message.Content)
		}
		// No checkpoint until every call has its result turn.
		r.runTools(ctx, calls)
		r.job.Checkpoint.IterationIndex++
	}
}

// tick writes a periodic checkpoint once CheckpointInterval has passed since
// the last one. It only runs between iterations, where the tool block is
// closed. Transient store failures are logged and the attempt goes on.
func (r *attempt) tick(ctx context.Context) error {
	now := r.agent.now()
	if now.Sub(r.job.Checkpoint.LastCheckpointTime) < r.plan.CheckpointInterval {
		return nil
	}
	limit := r.plan.Ceiling(now)
	if limit <= 0 {
		return nil
	}
	saveCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	compactions := r.job.Checkpoint.CompactionCount
	saved, err := r.agent.store.Save(saveCtx, r.job)
	if errors.Is(err, state.ErrConflict) {
		return fmt.Errorf("%w: %s was written by someone else", ErrAttemptInProgress, r.job.ID)
	}
	if err != nil {
		r.logger.Warn().Err(err).Msg("periodic checkpoint failed")
		return nil
	}
	r.job = saved
	r.emit(ctx, types.Event{Type: types.EventCheckpointSaved, Message: "periodic checkpoint"})
	if saved.Checkpoint.CompactionCount > compactions {
		r.emit(ctx, types.Event{
			Type:    types.EventCheckpointCompacted,
			Message: fmt.Sprintf("history compacted to %d turns", len(saved.Checkpoint.History)),
		})
	}
	return nil
}

// reason asks the provider for the next step. Failures other than timeouts
// are retried while the ceiling still admits a step.
func (r *attempt) reason(ctx context.Context, defs []types.ToolDefinition, instruction string) (types.Response, types.ErrorKind, error) {
	a := r.agent
	policy := a.retryPolicy
	var lastErr error
	for try := 1; try <= policy.MaxAttempts; try++ {
		if !r.plan.CanStart(a.now()) {
			break
		}
		resp, timedOut, err := r.generate(ctx, r.request(defs, instruction))
		if err == nil {
			return resp, "", nil
		}
		if timedOut {
			return types.Response{}, types.ErrorBudgetExhausted, err
		}
		lastErr = err
		r.logger.Warn().Err(err).Int("try", try).Msg("reasoning call failed")
		if try == policy.MaxAttempts {
			break
		}
		wait := policy.Backoff(try)
		if wait >= r.plan.Ceiling(a.now()) {
			break
		}
		if err := retry.Sleep(ctx, wait); err != nil {
			return types.Response{}, types.ErrorBudgetExhausted, err
		}
	}
	if lastErr == nil {
		return types.Response{}, types.ErrorBudgetExhausted, errors.New("no time left for another reasoning step")
	}
	return types.Response{}, types.ErrorReasoningService, lastErr
}

type generation struct {
	resp types.Response
	err  error
}

func (r *attempt) generate(ctx context.Context, req types.Request) (types.Response, bool, error) {
	a := r.agent
	now := a.now()
	callCtx, cancel := context.WithTimeout(ctx, r.plan.Ceiling(now))
	defer cancel()

	iteration := r.job.Checkpoint.IterationIndex + 1
	event := &GenerateMiddlewareEvent{
		JobID:      r.job.ID,
		Attempt:    r.job.AttemptCount,
		Provider:   a.provider.Name(),
		Iteration:  iteration,
		StartedAt:  now,
		FinishedAt: now,
		Request:    &req,
	}
	r.emit(ctx, types.Event{Type: types.EventBeforeGenerate, Iteration: iteration})
	if err := a.runBeforeGenerate(callCtx, event); err != nil {
		return types.Response{}, false, fmt.Errorf("before-generate middleware: %w", err)
	}

	done := make(chan generation, 1)
	go func() {
		resp, err := a.provider.Generate(callCtx, *event.Request)
		done <- generation{resp: resp, err: err}
	}()
	var out generation
	select {
	case out = <-done:
	case <-callCtx.Done():
		out = generation{err: callCtx.Err()}
	}

	event.FinishedAt = a.now()
	duration := event.FinishedAt.Sub(event.StartedAt)
	err := out.err
	timedOut := err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || callCtx.Err() != nil)
	if err == nil && out.resp.Final() && strings.TrimSpace(out.resp.Message.Content) == "" {
		err = errEmptyAnswer
		if note := strings.TrimSpace(out.resp.Message.Reasoning); note != "" {
			err = fmt.Errorf("%w: %s", errEmptyAnswer, note)
		}
	}
	if err != nil {
		a.notifyError(ctx, &ErrorMiddlewareEvent{
			JobID:     r.job.ID,
			Attempt:   r.job.AttemptCount,
			Provider:  a.provider.Name(),
			Iteration: iteration,
			Stage:     "generate",
			Err:       err,
		})
		kind := types.ErrorReasoningService
		if timedOut {
			kind = types.ErrorBudgetExhausted
		}
		r.emit(ctx, types.Event{Type: types.EventAfterGenerate, Iteration: iteration, Duration: duration, ErrorKind: kind, Error: err.Error()})
		return types.Response{}, timedOut, err
	}

	event.Response = &out.resp
	if err := a.runAfterGenerate(ctx, event); err != nil {
		return types.Response{}, false, fmt.Errorf("after-generate middleware: %w", err)
	}
	r.emit(ctx, types.Event{Type: types.EventAfterGenerate, Iteration: iteration, Duration: duration})
	return *event.Response, false, nil
}

func (r *attempt) request(defs []types.ToolDefinition, instruction string) types.Request {
	messages := historyMessages(r.job.Checkpoint.History)
	if instruction != "" {
		messages = append(messages, types.Message{Role: types.RoleUser, Content: instruction})
	}
	return types.Request{
		SystemPrompt:    r.agent.systemPrompt,
		Messages:        messages,
		Tools:           defs,
		MaxOutputTokens: r.agent.maxOutputTokens,
	}
}

// recordReasoning appends the provider's step to history and returns its
// tool calls with ids and arguments filled in.
func (r *attempt) recordReasoning(resp types.Response) []types.ToolCall {
	msg := resp.Message
	seen := make(map[string]bool, len(msg.ToolCalls))
	calls := make([]types.ToolCall, 0, len(msg.ToolCalls))
	for _, call := range msg.ToolCalls {
		if call.ID == "" || seen[call.ID] {
			call.ID = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		}
		seen[call.ID] = true
		if len(call.Arguments) == 0 {
			call.Arguments = json.RawMessage(`{}`)
		}
		calls = append(calls, call)
	}

	cp := r.job.Checkpoint
	cp.History = append(cp.History, state.Turn{
		Kind:      state.TurnReasoning,
		Content:   msg.Content,
		Reasoning: msg.Reasoning,
		ToolCalls: calls,
		At:        r.agent.now(),
	})
	if resp.Usage != nil {
		if r.job.Usage == nil {
			r.job.Usage = &types.Usage{}
		}
		r.job.Usage.Add(resp.Usage)
	}
	return calls
}

// runTools answers every call with exactly one tool-result turn, in call
// order, so the tool block is always closed.
func (r *attempt) runTools(ctx context.Context, calls []types.ToolCall) {
	a := r.agent
	iteration := r.job.Checkpoint.IterationIndex + 1
	results := make([]state.Turn, len(calls))

	if a.parallelTools && len(calls) > 1 {
		timeout := r.plan.ToolTimeout(a.now(), a.maxToolTimeout)
		var wg sync.WaitGroup
		wg.Add(len(calls))
		for i, call := range calls {
			go func() {
				defer wg.Done()
				results[i] = r.runTool(ctx, call, timeout, iteration)
			}()
		}
		wg.Wait()
	} else {
		for i, call := range calls {
			results[i] = r.runTool(ctx, call, r.plan.ToolTimeout(a.now(), a.maxToolTimeout), iteration)
		}
	}
	r.job.Checkpoint.History = append(r.job.Checkpoint.History, results...)
}

func (r *attempt) runTool(ctx context.Context, call types.ToolCall, timeout time.Duration, iteration int) state.Turn {
	a := r.agent
	now := a.now()
	turn := state.Turn{
		Kind:       state.TurnToolResult,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Input:      call.Arguments,
	}
	if timeout <= 0 || !r.plan.CanStart(now) {
		turn.Error = &state.TurnError{Kind: types.ErrorBudgetExhausted, Message: "no time left to run the tool"}
		turn.At = now
		r.emit(ctx, types.Event{Type: types.EventAfterTool, Iteration: iteration, ToolName: call.Name, ToolCallID: call.ID, ErrorKind: types.ErrorBudgetExhausted})
		return turn
	}

	event := &ToolMiddlewareEvent{
		JobID:      r.job.ID,
		Attempt:    r.job.AttemptCount,
		Provider:   a.provider.Name(),
		Iteration:  iteration,
		StartedAt:  now,
		FinishedAt: now,
		ToolCall:   &call,
	}
	r.emit(ctx, types.Event{Type: types.EventBeforeTool, Iteration: iteration, ToolName: call.Name, ToolCallID: call.ID})
	if err := a.runBeforeTool(ctx, event); err != nil {
		turn.Error = &state.TurnError{Kind: types.ErrorToolSoftFailure, Message: "tool call rejected before execution"}
		turn.At = a.now()
		r.emit(ctx, types.Event{Type: types.EventAfterTool, Iteration: iteration, ToolName: call.Name, ToolCallID: call.ID, ErrorKind: types.ErrorToolSoftFailure, Error: err.Error()})
		return turn
	}

	res := a.executor.Execute(ctx, *event.ToolCall, timeout)
	event.FinishedAt = a.now()
	event.Result = &res
	if err := a.runAfterTool(ctx, event); err != nil {
		r.logger.Warn().Err(err).Str("tool", call.Name).Msg("after-tool middleware failed")
	}
	if event.Result != nil {
		res = *event.Result
	}

	turn.At = event.FinishedAt
	if res.OK {
		turn.Output = res.Output
	} else {
		turn.Error = &state.TurnError{Kind: res.ErrorKind, Message: res.Message}
	}
	r.emit(ctx, types.Event{
		Type:       types.EventAfterTool,
		Iteration:  iteration,
		ToolName:   call.Name,
		ToolCallID: call.ID,
		Duration:   res.Duration,
		ErrorKind:  res.ErrorKind,
		Message:    res.Message,
	})
	return turn
}

// finalize runs once the iteration ceiling is reached: one tool-less step
// asking for the answer, falling back to what history already holds.
func (r *attempt) finalize(ctx context.Context) (AttemptResult, error) {
	answer := ""
	if r.plan.CanStart(r.agent.now()) {
		resp, _, err := r.reason(ctx, nil, finalizeInstruction)
		if err == nil && strings.TrimSpace(resp.Message.Content) != "" {
			resp.Message.ToolCalls = nil
			r.recordReasoning(resp)
			answer = resp.Message.Content
		} else if err != nil {
			r.logger.Warn().Err(err).Msg("finalization step failed, synthesizing answer")
		}
	}
	if strings.TrimSpace(answer) == "" {
		answer = synthesizeAnswer(r.job.Checkpoint.History)
	}
	return r.complete(ctx, answer)
}

func (r *attempt) complete(ctx context.Context, answer string) (AttemptResult, error) {
	r.job.Status = state.StatusCompleted
	r.job.FinalAnswer = strings.TrimSpace(answer)
	r.job.LeaseExpiresAt = nil
	r.job.Error = nil
	saved, err := r.persist(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("completed job could not be persisted, writing emergency checkpoint")
		saved, err = r.emergency(ctx)
	}
	if err != nil {
		// The answer is not stored, so the attempt ends resumable.
		r.job.Status = state.StatusRunning
		r.job.FinalAnswer = ""
		return r.timeOut(ctx, types.ErrorTransientIO, fmt.Sprintf("completed job not persisted: %v", err))
	}
	r.job = saved
	r.emit(ctx, types.Event{Type: types.EventJobCompleted, Message: "job completed"})
	r.logger.Info().Int("iteration", r.job.Checkpoint.IterationIndex).Msg("job completed")
	return resultFor(r.job), nil
}

// timeOut ends the attempt. The job stays resumable unless this was the last
// allowed attempt or the overall ceiling has passed.
func (r *attempt) timeOut(ctx context.Context, kind types.ErrorKind, detail string) (AttemptResult, error) {
	a := r.agent
	now := a.now()
	status := state.StatusTimedOut
	switch {
	case r.job.AttemptCount >= a.maxAttempts:
		status, kind = state.StatusFailed, types.ErrorAttemptLimit
	case now.Sub(r.job.Checkpoint.StartTime) > a.overallCeiling:
		status, kind = state.StatusFailed, types.ErrorOverallDeadline
	}
	r.job.Status = status
	r.job.LeaseExpiresAt = nil
	r.job.Error = &state.JobError{Kind: kind, Message: kind.Summary()}
	iteration := r.job.Checkpoint.IterationIndex

	saved, err := r.persist(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("final checkpoint failed, writing emergency checkpoint")
		saved, err = r.emergency(ctx)
	}
	if err == nil {
		r.job = saved
	}
	if status == state.StatusTimedOut {
		if verr := a.store.Verify(ctx, r.job.ID, iteration); verr != nil {
			r.logger.Warn().Err(verr).Msg("checkpoint verification failed, writing emergency checkpoint")
			if saved, err := r.emergency(ctx); err == nil {
				r.job = saved
			}
		}
	}

	eventType := types.EventJobTimedOut
	if status == state.StatusFailed {
		eventType = types.EventJobFailed
	}
	r.emit(ctx, types.Event{Type: eventType, ErrorKind: kind, Message: kind.Summary(), Error: detail})
	r.logger.Info().Str("status", string(status)).Str("error_kind", string(kind)).Str("detail", detail).
		Int("iteration", iteration).Msg("attempt ended")

	res := resultFor(r.job)
	res.Status = status
	res.ErrorKind = kind
	res.Message = kind.Summary()
	res.Resumable = status == state.StatusTimedOut
	return res, nil
}

func (r *attempt) persist(ctx context.Context) (state.Job, error) {
	limit := r.plan.PersistBudget(r.agent.now())
	if limit <= 0 {
		return state.Job{}, errNoPersistBudget
	}
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), limit)
	defer cancel()
	return r.agent.store.Save(persistCtx, r.job)
}

func (r *attempt) emergency(ctx context.Context) (state.Job, error) {
	r.emit(ctx, types.Event{Type: types.EventCheckpointEmergency, Message: "emergency checkpoint"})
	saved, err := r.agent.store.SaveEmergency(ctx, r.job)
	if err != nil {
		r.logger.Error().Err(err).Msg("emergency checkpoint failed")
	}
	return saved, err
}

func (r *attempt) emit(ctx context.Context, event types.Event) {
	event.JobID = r.job.ID
	event.Attempt = r.job.AttemptCount
	if event.Iteration == 0 && r.job.Checkpoint != nil {
		event.Iteration = r.job.Checkpoint.IterationIndex
	}
	r.agent.emit(ctx, event)
}
