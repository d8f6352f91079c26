package agent

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/PipeOpsHQ/insight-runtime/state"
	"github.com/PipeOpsHQ/insight-runtime/types"
)

func TestHistoryMessages(t *testing.T) {
	history := []state.Turn{
		{Kind: state.TurnQuestion, Content: "q"},
		{Kind: state.TurnContext, Content: "ctx"},
		{Kind: state.TurnSummary, Content: "[Earlier reasoning summary]"},
		{Kind: state.TurnReasoning, ToolCalls: []types.ToolCall{{ID: "c1", Name: "weather"}, {ID: "c2", Name: "solar"}}},
		{Kind: state.TurnToolResult, ToolCallID: "c1", ToolName: "weather", Output: json.RawMessage(`{"rain":1}`)},
		{Kind: state.TurnToolResult, ToolCallID: "c2", ToolName: "solar", Error: &state.TurnError{Kind: types.ErrorCircuitOpen, Message: "open"}},
	}
	msgs := historyMessages(history)
	roles := []types.Role{types.RoleUser, types.RoleUser, types.RoleUser, types.RoleAssistant, types.RoleTool, types.RoleTool}
	if len(msgs) != len(roles) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(roles))
	}
	for i, role := range roles {
		if msgs[i].Role != role {
			t.Fatalf("message %d role = %s, want %s", i, msgs[i].Role, role)
		}
	}
	if !strings.HasPrefix(msgs[1].Content, contextHeader) {
		t.Fatalf("context message = %q", msgs[1].Content)
	}
	if msgs[4].Content != `{"rain":1}` || msgs[4].ToolCallID != "c1" {
		t.Fatalf("tool message = %+v", msgs[4])
	}
	if !strings.Contains(msgs[5].Content, `"kind":"circuit_open"`) {
		t.Fatalf("error tool message = %q", msgs[5].Content)
	}
}

func TestSynthesizeAnswer(t *testing.T) {
	history := []state.Turn{
		{Kind: state.TurnQuestion, Content: "q"},
		{Kind: state.TurnReasoning, Content: "Looking at the forecast.", ToolCalls: []types.ToolCall{{ID: "c1", Name: "weather"}}},
		{Kind: state.TurnToolResult, ToolCallID: "c1", ToolName: "weather", Output: json.RawMessage(`{ "rain" : 0.5 }`)},
	}
	got := synthesizeAnswer(history)
	want := "Looking at the forecast.\n\nFindings:\n- weather: {\"rain\":0.5}"
	if got != want {
		t.Fatalf("synthesizeAnswer = %q, want %q", got, want)
	}
	if got := synthesizeAnswer(history[:1]); !strings.Contains(got, "No answer") {
		t.Fatalf("empty history answer = %q", got)
	}
}
