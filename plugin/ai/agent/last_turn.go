package agent

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/compasshq/compass/plugin/ai/contextload"
)

const lastTurnSummaryBudget = 280

// LastTurnEntities are the fixed entity-reference slots carried to the next
// turn.
type LastTurnEntities struct {
	ProjectID  string   `json:"project_id,omitempty"`
	TaskIDs    []string `json:"task_ids,omitempty"`
	GoalIDs    []string `json:"goal_ids,omitempty"`
	PlanID     string   `json:"plan_id,omitempty"`
	DocumentID string   `json:"document_id,omitempty"`
}

// LastTurnContext is the compact carry-forward of one completed turn. It is
// handed to the client and echoed back on the next request as a continuity
// hint; it is never persisted server-side.
type LastTurnContext struct {
	Summary      string           `json:"summary"`
	Entities     LastTurnEntities `json:"entities"`
	ContextType  string           `json:"context_type"`
	DataAccessed []string         `json:"data_accessed,omitempty"`
	Timestamp    int64            `json:"timestamp"`
}

// Hint renders the context as a short text fragment for history composition.
func (c *LastTurnContext) Hint() string {
	if c == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(c.Summary)
	if c.Entities.ProjectID != "" {
		sb.WriteString(" (project ")
		sb.WriteString(c.Entities.ProjectID)
		sb.WriteString(")")
	}
	return sb.String()
}

// BuildLastTurnContext distills a completed turn. Pure function: inputs in,
// context out, no I/O.
func BuildLastTurnContext(
	assistantText, userMessage string,
	scope contextload.Scope,
	shift *ContextShift,
	results []ToolResult,
	now time.Time,
) *LastTurnContext {
	ltc := &LastTurnContext{
		Summary:     turnSummary(assistantText, userMessage, shift),
		ContextType: string(scope.Type),
		Timestamp:   now.Unix(),
	}

	if scope.Type != contextload.ScopeGlobal && ValidEntityID(scope.EntityID) {
		slotEntity(&ltc.Entities, scope.EntityID)
	}

	seen := make(map[string]bool)
	for _, res := range results {
		if res.ToolName != "" && !seen["tool:"+res.ToolName] {
			seen["tool:"+res.ToolName] = true
			ltc.DataAccessed = append(ltc.DataAccessed, res.ToolName)
		}
		if !res.Success {
			continue
		}
		for _, id := range extractEntityIDs(res) {
			if seen[id] {
				continue
			}
			seen[id] = true
			slotEntity(&ltc.Entities, id)
		}
	}
	return ltc
}

// turnSummary prefers the assistant's own words, then the shift message,
// then the user's message, and never returns empty.
func turnSummary(assistantText, userMessage string, shift *ContextShift) string {
	if s := strings.TrimSpace(assistantText); s != "" {
		return truncateSummary(s)
	}
	if shift != nil && strings.TrimSpace(shift.Message) != "" {
		return truncateSummary(strings.TrimSpace(shift.Message))
	}
	if s := strings.TrimSpace(userMessage); s != "" {
		return truncateSummary("User asked: " + s)
	}
	return "Conversation turn completed."
}

func truncateSummary(s string) string {
	runes := []rune(s)
	if len(runes) <= lastTurnSummaryBudget {
		return s
	}
	return string(runes[:lastTurnSummaryBudget]) + "..."
}

func slotEntity(e *LastTurnEntities, id string) {
	switch EntityKind(id) {
	case "project":
		if e.ProjectID == "" {
			e.ProjectID = id
		}
	case "task":
		e.TaskIDs = append(e.TaskIDs, id)
	case "goal":
		e.GoalIDs = append(e.GoalIDs, id)
	case "plan":
		if e.PlanID == "" {
			e.PlanID = id
		}
	case "document":
		if e.DocumentID == "" {
			e.DocumentID = id
		}
	}
}

// extractEntityIDs walks one tool result for recognizable entity references:
// declared side effects first, then well-known payload keys.
func extractEntityIDs(res ToolResult) []string {
	var ids []string
	if res.SideEffects != nil {
		for _, ref := range res.SideEffects.EntityUpdates {
			ids = append(ids, ref.ID)
		}
		ids = append(ids, res.SideEffects.EntitiesAccessed...)
		if res.SideEffects.ContextShift != nil {
			ids = append(ids, res.SideEffects.ContextShift.EntityID)
		}
	}
	ids = append(ids, payloadEntityIDs(res.Data)...)
	return FilterValidEntityIDs(ids)
}

func payloadEntityIDs(data any) []string {
	if data == nil {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}

	var ids []string
	for key, value := range payload {
		switch v := value.(type) {
		case string:
			if strings.HasSuffix(key, "_id") || key == "id" {
				ids = append(ids, v)
			}
		case []any:
			for _, item := range v {
				switch it := item.(type) {
				case string:
					ids = append(ids, it)
				case map[string]any:
					if id, ok := it["id"].(string); ok {
						ids = append(ids, id)
					}
				}
			}
		case map[string]any:
			if id, ok := v["id"].(string); ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}
