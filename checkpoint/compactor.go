package checkpoint

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PipeOpsHQ/insight-runtime/state"
)

const summarySnippet = 200

// Compactor shrinks a history to head + summary + tail without ever
// separating a tool call from its result.
type Compactor struct {
	Threshold int
	KeepHead  int
	KeepTail  int
}

// Compact returns the compacted history and whether anything changed. It is
// a no-op while the history is at or below the threshold.
func (c Compactor) Compact(history []state.Turn, at time.Time) ([]state.Turn, bool) {
	if len(history) <= c.Threshold {
		return history, false
	}
	return compact(history, c.KeepHead, c.KeepTail, at)
}

func compact(history []state.Turn, keepHead, keepTail int, at time.Time) ([]state.Turn, bool) {
	n := len(history)
	if keepHead < 0 {
		keepHead = 0
	}
	if keepTail < 0 {
		keepTail = 0
	}

	// Leading question and context turns always stay in the head.
	lead := 0
	for lead < n && (history[lead].Kind == state.TurnQuestion || history[lead].Kind == state.TurnContext) {
		lead++
	}
	head := keepHead
	if head < lead {
		head = lead
	}
	if head > n {
		head = n
	}
	// An earlier summary is folded into the new one instead of piling up.
	for i := lead; i < head; i++ {
		if history[i].Kind == state.TurnSummary {
			head = i
			break
		}
	}
	// Pull the head back so it does not end inside a tool block.
	if head < n && history[head].Kind == state.TurnToolResult {
		for head > lead && history[head-1].Kind != state.TurnReasoning {
			head--
		}
		if head > lead {
			head--
		}
	}

	tail := n - keepTail
	if tail < head {
		tail = head
	}
	// Push the tail start forward past results whose call would be dropped.
	for tail < n && history[tail].Kind == state.TurnToolResult {
		tail++
	}

	if tail-head < 1 || (tail-head == 1 && history[head].Kind == state.TurnSummary) {
		return history, false
	}

	out := make([]state.Turn, 0, head+1+(n-tail))
	out = append(out, history[:head]...)
	out = append(out, state.Turn{
		Kind:    state.TurnSummary,
		Content: summarize(history[head:tail]),
		At:      at,
	})
	out = append(out, history[tail:]...)
	return out, true
}

func summarize(turns []state.Turn) string {
	parts := []string{"[Earlier reasoning summary]"}
	for _, t := range turns {
		switch t.Kind {
		case state.TurnSummary:
			parts = append(parts, strings.TrimSuffix(strings.TrimPrefix(t.Content, "[Earlier reasoning summary]\n"), "\n[End of summary]"))
		case state.TurnReasoning:
			if len(t.ToolCalls) > 0 {
				names := make([]string, 0, len(t.ToolCalls))
				for _, tc := range t.ToolCalls {
					names = append(names, tc.Name)
				}
				parts = append(parts, "Called tools: "+strings.Join(names, ", "))
			} else if t.Content != "" {
				parts = append(parts, "Reasoned: "+snippet(t.Content))
			}
		case state.TurnToolResult:
			if t.Error != nil {
				parts = append(parts, fmt.Sprintf("%s failed (%s)", t.ToolName, t.Error.Kind))
			} else {
				parts = append(parts, fmt.Sprintf("%s returned %s", t.ToolName, snippet(string(t.Output))))
			}
		case state.TurnQuestion, state.TurnContext:
			parts = append(parts, "Noted: "+snippet(t.Content))
		}
	}
	parts = append(parts, "[End of summary]")
	return strings.Join(parts, "\n")
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= summarySnippet {
		return s
	}
	cut := summarySnippet
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
