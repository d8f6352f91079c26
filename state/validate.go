package state

import "fmt"

// Validate checks the structural invariants of a checkpoint. It never repairs
// anything; a failing checkpoint must not be resumed.
func (c *Checkpoint) Validate(maxIterations int) error {
	if c == nil {
		return fmt.Errorf("%w: checkpoint missing", ErrInvariant)
	}
	if c.IterationIndex < 0 {
		return fmt.Errorf("%w: negative iteration index %d", ErrInvariant, c.IterationIndex)
	}
	if maxIterations > 0 && c.IterationIndex > maxIterations {
		return fmt.Errorf("%w: iteration index %d exceeds max %d", ErrInvariant, c.IterationIndex, maxIterations)
	}
	if len(c.History) == 0 {
		return fmt.Errorf("%w: empty history", ErrInvariant)
	}
	if c.History[0].Kind != TurnQuestion {
		return fmt.Errorf("%w: history starts with %q, want question", ErrInvariant, c.History[0].Kind)
	}

	pending := map[string]bool{}
	for i, turn := range c.History {
		switch turn.Kind {
		case TurnReasoning:
			if len(pending) > 0 {
				return fmt.Errorf("%w: turn %d starts before %d tool call(s) were answered", ErrInvariant, i, len(pending))
			}
			for _, call := range turn.ToolCalls {
				if call.ID == "" {
					return fmt.Errorf("%w: turn %d has a tool call without id", ErrInvariant, i)
				}
				pending[call.ID] = true
			}
		case TurnToolResult:
			if !pending[turn.ToolCallID] {
				return fmt.Errorf("%w: turn %d answers unknown tool call %q", ErrInvariant, i, turn.ToolCallID)
			}
			delete(pending, turn.ToolCallID)
		case TurnQuestion, TurnContext, TurnSummary:
			if len(pending) > 0 {
				return fmt.Errorf("%w: turn %d interrupts an open tool block", ErrInvariant, i)
			}
		default:
			return fmt.Errorf("%w: turn %d has unknown kind %q", ErrInvariant, i, turn.Kind)
		}
	}
	if len(pending) > 0 {
		return fmt.Errorf("%w: %d tool call(s) in flight at end of history", ErrInvariant, len(pending))
	}
	return nil
}
