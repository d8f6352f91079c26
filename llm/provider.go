package llm

import (
	"context"

	"github.com/PipeOpsHQ/insight-runtime/types"
)

// Provider is the reasoning service. A response carrying tool calls asks the
// caller to run them; a response without any is the final answer.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req types.Request) (types.Response, error)
}
