package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/PipeOpsHQ/insight-runtime/types"
)

// ErrTransient marks a tool error as a passing I/O problem (timeouts,
// unreachable upstreams, 5xx). Idempotent tools may be retried on it.
var ErrTransient = errors.New("tools: transient failure")

type Tool interface {
	Definition() types.ToolDefinition
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

// IdempotentTool is implemented by tools that know whether a repeated call
// is safe. Tools that do not implement it are treated as idempotent.
type IdempotentTool interface {
	Idempotent() bool
}

func IsIdempotent(t Tool) bool {
	if it, ok := t.(IdempotentTool); ok {
		return it.Idempotent()
	}
	return true
}

type FuncTool struct {
	def           types.ToolDefinition
	fn            func(ctx context.Context, args json.RawMessage) (any, error)
	nonIdempotent bool
}

func NewFuncTool(name, description string, schema map[string]any, fn func(ctx context.Context, args json.RawMessage) (any, error)) *FuncTool {
	return &FuncTool{
		def: types.ToolDefinition{
			Name:        name,
			Description: description,
			JSONSchema:  schema,
		},
		fn: fn,
	}
}

// WithIdempotent marks whether the tool may be retried after a transient failure.
func (t *FuncTool) WithIdempotent(idempotent bool) *FuncTool {
	t.nonIdempotent = !idempotent
	return t
}

func (t *FuncTool) Idempotent() bool {
	return !t.nonIdempotent
}

func (t *FuncTool) Definition() types.ToolDefinition {
	return t.def
}

func (t *FuncTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	if t.fn == nil {
		return nil, fmt.Errorf("tool %q has no execute function", t.def.Name)
	}
	return t.fn(ctx, args)
}
