package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// NewTypedTool builds a tool whose input schema is reflected from T and whose
// arguments are decoded into T before fn runs.
func NewTypedTool[T any](name, description string, fn func(ctx context.Context, in T) (any, error)) *FuncTool {
	return NewFuncTool(name, description, SchemaFor[T](), func(ctx context.Context, args json.RawMessage) (any, error) {
		var in T
		if len(args) > 0 {
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("invalid %s args: %w", name, err)
			}
		}
		return fn(ctx, in)
	})
}

// SchemaFor reflects the JSON schema of T as a plain map.
func SchemaFor[T any]() map[string]any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var zero T
	schema := reflector.Reflect(&zero)
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}
