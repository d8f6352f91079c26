package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PipeOpsHQ/insight-runtime/state"
	"github.com/PipeOpsHQ/insight-runtime/types"
)

const contextHeader = "Background for the question:\n"

// historyMessages renders a checkpoint history as the provider conversation.
// Summary turns become user messages so providers that reject consecutive
// assistant turns still accept them.
func historyMessages(history []state.Turn) []types.Message {
	out := make([]types.Message, 0, len(history))
	for _, turn := range history {
		switch turn.Kind {
		case state.TurnQuestion:
			out = append(out, types.Message{Role: types.RoleUser, Content: turn.Content})
		case state.TurnContext:
			out = append(out, types.Message{Role: types.RoleUser, Content: contextHeader + turn.Content})
		case state.TurnSummary:
			out = append(out, types.Message{Role: types.RoleUser, Content: turn.Content})
		case state.TurnReasoning:
			out = append(out, types.Message{
				Role:      types.RoleAssistant,
				Content:   turn.Content,
				Reasoning: turn.Reasoning,
				ToolCalls: append([]types.ToolCall(nil), turn.ToolCalls...),
			})
		case state.TurnToolResult:
			out = append(out, types.Message{
				Role:       types.RoleTool,
				Name:       turn.ToolName,
				ToolCallID: turn.ToolCallID,
				Content:    toolContent(turn),
			})
		}
	}
	return out
}

func toolContent(turn state.Turn) string {
	if turn.Error != nil {
		payload, _ := json.Marshal(map[string]any{
			"error": map[string]string{
				"kind":    string(turn.Error.Kind),
				"message": turn.Error.Message,
			},
		})
		return string(payload)
	}
	if len(turn.Output) == 0 {
		return "null"
	}
	return string(turn.Output)
}

// synthesizeAnswer builds an answer from history when the provider could not
// give one: the latest assistant text plus the tool outputs after it.
func synthesizeAnswer(history []state.Turn) string {
	last := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Kind == state.TurnReasoning && strings.TrimSpace(history[i].Content) != "" {
			last = i
			break
		}
	}

	var parts []string
	if last >= 0 {
		parts = append(parts, strings.TrimSpace(history[last].Content))
	}
	var findings []string
	for i := last + 1; i < len(history); i++ {
		turn := history[i]
		if turn.Kind != state.TurnToolResult || turn.Error != nil || len(turn.Output) == 0 {
			continue
		}
		findings = append(findings, fmt.Sprintf("- %s: %s", turn.ToolName, compactJSON(turn.Output)))
	}
	if len(findings) > 0 {
		parts = append(parts, "Findings:\n"+strings.Join(findings, "\n"))
	}
	if len(parts) == 0 {
		return "No answer could be produced from the information gathered."
	}
	return strings.Join(parts, "\n\n")
}

func compactJSON(raw json.RawMessage) string {
	var buf strings.Builder
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return strings.TrimSpace(string(raw))
	}
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return strings.TrimSpace(string(raw))
	}
	return strings.TrimSpace(buf.String())
}
