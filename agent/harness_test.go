package agent

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PipeOpsHQ/insight-runtime/budget"
	"github.com/PipeOpsHQ/insight-runtime/checkpoint"
	"github.com/PipeOpsHQ/insight-runtime/internal/retry"
	"github.com/PipeOpsHQ/insight-runtime/observe"
	"github.com/PipeOpsHQ/insight-runtime/state"
	"github.com/PipeOpsHQ/insight-runtime/state/memory"
	"github.com/PipeOpsHQ/insight-runtime/tools"
	"github.com/PipeOpsHQ/insight-runtime/types"
)

var start = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: start} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// step is one scripted provider reply. took is simulated reasoning time; a
// step that would outlast the call's deadline advances the clock to the
// deadline and fails with context.DeadlineExceeded.
type step struct {
	resp types.Response
	err  error
	took time.Duration
}

type scriptedProvider struct {
	clock *fakeClock
	// reply overrides steps when set.
	reply func(req types.Request, call int) step

	mu       sync.Mutex
	steps    []step
	calls    int
	requests []types.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.requests = append(p.requests, req)
	var st step
	switch {
	case p.reply != nil:
		st = p.reply(req, call)
	case call <= len(p.steps):
		st = p.steps[call-1]
	default:
		st = p.steps[len(p.steps)-1]
	}
	p.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); st.took >= remaining {
			p.clock.Advance(remaining)
			return types.Response{}, context.DeadlineExceeded
		}
	}
	p.clock.Advance(st.took)
	return st.resp, st.err
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) lastRequest() types.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

func toolStep(took time.Duration, names ...string) step {
	calls := make([]types.ToolCall, 0, len(names))
	for i, name := range names {
		calls = append(calls, types.ToolCall{ID: name + "-" + string(rune('a'+i)), Name: name, Arguments: json.RawMessage(`{"site":"site-7"}`)})
	}
	return step{took: took, resp: types.Response{
		Message: types.Message{Role: types.RoleAssistant, ToolCalls: calls},
		Usage:   &types.Usage{InputTokens: 10, OutputTokens: 2, TotalTokens: 12},
	}}
}

func finalStep(took time.Duration, text string) step {
	return step{took: took, resp: types.Response{
		Message: types.Message{Role: types.RoleAssistant, Content: text},
		Usage:   &types.Usage{InputTokens: 20, OutputTokens: 5, TotalTokens: 25},
	}}
}

type harness struct {
	agent    *Agent
	store    *checkpoint.Store
	backend  state.Store
	clock    *fakeClock
	provider *scriptedProvider
	events   *eventLog
	weather  *atomic.Int32
}

type eventLog struct {
	mu     sync.Mutex
	events []observe.Event
}

func (l *eventLog) Emit(_ context.Context, e observe.Event) error {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
	return nil
}

func (l *eventLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Name)
	}
	return out
}

func weatherTool(calls *atomic.Int32) tools.Tool {
	return tools.NewFuncTool("weather", "forecast for a site", nil, func(ctx context.Context, args json.RawMessage) (any, error) {
		calls.Add(1)
		return map[string]any{"rain": 0.2, "cloud": 0.6}, nil
	})
}

func newHarness(t *testing.T, steps []step, opts ...Option) *harness {
	t.Helper()
	return newHarnessOn(t, memory.New(), nil, steps, opts...)
}

// newHarnessOn builds a harness over backend with extra tools registered
// next to weather.
func newHarnessOn(t *testing.T, backend state.Store, extra []tools.Tool, steps []step, opts ...Option) *harness {
	t.Helper()
	clock := newFakeClock()
	provider := &scriptedProvider{clock: clock, steps: steps}
	store := checkpoint.New(backend, checkpoint.WithClock(clock.Now), checkpoint.WithMaxIterations(8))

	weather := &atomic.Int32{}
	reg, err := tools.NewRegistry(append([]tools.Tool{weatherTool(weather)}, extra...)...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	executor := tools.NewExecutor(reg, tools.NewBreakerSet(tools.DefaultBreakerConfig(), tools.WithStateChange(nil)))

	events := &eventLog{}
	base := []Option{
		WithClock(clock.Now),
		WithObserver(events),
		WithBudget(budget.DefaultConfig()),
		WithRetryPolicy(retry.Policy{MaxAttempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}),
	}
	a, err := New(provider, store, executor, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{agent: a, store: store, backend: backend, clock: clock, provider: provider, events: events, weather: weather}
}
