package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/compasshq/compass/plugin/ai/contextload"
)

const basePersona = `You are Compass, a focused assistant for projects, tasks and goals.
Answer from the workspace data you are given. Use the available tools to read
or change workspace data instead of guessing. Keep answers short and concrete.`

// buildSystemPrompt assembles the system preamble from the loaded context
// and the carried agent state.
func buildSystemPrompt(pc *contextload.PromptContext, state *AgentState) string {
	var sb strings.Builder
	sb.WriteString(basePersona)

	if pc != nil {
		if pc.Preamble != "" {
			sb.WriteString("\n\n")
			sb.WriteString(pc.Preamble)
		} else if pc.Degraded {
			sb.WriteString("\n\nWorkspace data is temporarily unavailable; say so if asked about specifics.")
		}
		if len(pc.Data) > 0 {
			if snapshot, err := json.Marshal(pc.Data); err == nil {
				sb.WriteString("\n\nWorkspace snapshot:\n")
				sb.Write(snapshot)
			}
		}
		if pc.Focus != "" {
			fmt.Fprintf(&sb, "\n\nThe user is currently focused on %s.", pc.Focus)
		}
	}

	if brief := stateBrief(state); brief != "" {
		sb.WriteString("\n\nCarried working memory:\n")
		sb.WriteString(brief)
	}
	return sb.String()
}

// stateBrief renders the agent state as a few prompt lines. Only well-formed
// entity ids make it into the prompt.
func stateBrief(state *AgentState) string {
	if state == nil {
		return ""
	}
	var lines []string
	if n := len(state.CurrentUnderstanding.Entities); n > 0 {
		refs := make([]string, 0, n)
		for _, e := range state.CurrentUnderstanding.Entities {
			if !ValidEntityID(e.ID) {
				continue
			}
			if e.Name != "" {
				refs = append(refs, fmt.Sprintf("%s (%s)", e.Name, e.ID))
			} else {
				refs = append(refs, e.ID)
			}
		}
		if len(refs) > 0 {
			lines = append(lines, "Known entities: "+strings.Join(refs, ", "))
		}
	}
	if len(state.Assumptions) > 0 {
		lines = append(lines, "Assumptions: "+strings.Join(state.Assumptions, "; "))
	}
	if len(state.Expectations) > 0 {
		lines = append(lines, "Expectations: "+strings.Join(state.Expectations, "; "))
	}
	if len(state.TentativeHypotheses) > 0 {
		lines = append(lines, "Hypotheses: "+strings.Join(state.TentativeHypotheses, "; "))
	}
	return strings.Join(lines, "\n")
}

// estimateTokens approximates token usage for accounting events. Close
// enough for a usage snapshot; exact counts come from the provider.
func estimateTokens(chars int) int {
	return chars / 4
}
