package agent

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compasshq/compass/plugin/ai/contextload"
)

var testNow = time.Unix(1788000000, 0)

func TestBuildLastTurnContextSummaryPreference(t *testing.T) {
	scope := contextload.Scope{Type: contextload.ScopeGlobal}

	withAssistant := BuildLastTurnContext("I created the task.", "add a task", scope, nil, nil, testNow)
	assert.Equal(t, "I created the task.", withAssistant.Summary)

	shift := &ContextShift{NewContext: "project", EntityID: "proj_1", Message: "Switched to project Apollo"}
	withShift := BuildLastTurnContext("", "open apollo", scope, shift, nil, testNow)
	assert.Equal(t, "Switched to project Apollo", withShift.Summary)

	withUser := BuildLastTurnContext("", "what's next?", scope, nil, nil, testNow)
	assert.Equal(t, "User asked: what's next?", withUser.Summary)

	fallback := BuildLastTurnContext("", "", scope, nil, nil, testNow)
	assert.NotEmpty(t, fallback.Summary)
}

func TestBuildLastTurnContextTruncatesSummary(t *testing.T) {
	long := strings.Repeat("a", 1000)
	ltc := BuildLastTurnContext(long, "", contextload.Scope{Type: contextload.ScopeGlobal}, nil, nil, testNow)
	assert.Less(t, len(ltc.Summary), 300)
	assert.True(t, strings.HasSuffix(ltc.Summary, "..."))
}

func TestBuildLastTurnContextEntities(t *testing.T) {
	scope := contextload.Scope{Type: contextload.ScopeProject, EntityID: "proj_123"}
	results := []ToolResult{
		{
			ToolName: "create_task",
			Success:  true,
			Data:     map[string]any{"task": map[string]any{"id": "task_9"}},
			SideEffects: &SideEffects{
				EntityUpdates: []EntityRef{{ID: "task_9", Kind: "task"}},
			},
		},
		{
			ToolName: "list_goals",
			Success:  true,
			Data:     map[string]any{"goals": []any{map[string]any{"id": "goal_1"}, map[string]any{"id": "goal_2"}}},
		},
		{ToolName: "create_task", Success: false},
	}

	ltc := BuildLastTurnContext("done", "add a task to review the draft", scope, nil, results, testNow)

	assert.Equal(t, "proj_123", ltc.Entities.ProjectID)
	assert.Equal(t, []string{"task_9"}, ltc.Entities.TaskIDs)
	assert.ElementsMatch(t, []string{"goal_1", "goal_2"}, ltc.Entities.GoalIDs)
	assert.Equal(t, "project", ltc.ContextType)
	assert.Equal(t, testNow.Unix(), ltc.Timestamp)

	// Tool names are deduplicated in order of first use.
	assert.Equal(t, []string{"create_task", "list_goals"}, ltc.DataAccessed)
}

func TestBuildLastTurnContextDeduplicatesIDs(t *testing.T) {
	scope := contextload.Scope{Type: contextload.ScopeGlobal}
	results := []ToolResult{
		{ToolName: "a", Success: true, SideEffects: &SideEffects{EntitiesAccessed: []string{"task_1", "task_1"}}},
		{ToolName: "b", Success: true, SideEffects: &SideEffects{EntitiesAccessed: []string{"task_1"}}},
	}
	ltc := BuildLastTurnContext("done", "", scope, nil, results, testNow)
	assert.Equal(t, []string{"task_1"}, ltc.Entities.TaskIDs)
}

func TestBuildLastTurnContextIgnoresMalformedScope(t *testing.T) {
	scope := contextload.Scope{Type: contextload.ScopeProject, EntityID: "proj_" + strings.Repeat("x", 100)}
	ltc := BuildLastTurnContext("done", "", scope, nil, nil, testNow)
	assert.Empty(t, ltc.Entities.ProjectID)
}

func TestLastTurnContextHint(t *testing.T) {
	var nilCtx *LastTurnContext
	assert.Equal(t, "", nilCtx.Hint())

	ltc := &LastTurnContext{Summary: "renamed task_1", Entities: LastTurnEntities{ProjectID: "proj_1"}}
	hint := ltc.Hint()
	assert.Contains(t, hint, "renamed task_1")
	assert.Contains(t, hint, "proj_1")
	require.NotEmpty(t, hint)
}
