package ai

import (
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int { return &i }

func TestToolCallAccumulator(t *testing.T) {
	acc := newToolCallAccumulator()

	acc.add(openai.ToolCall{
		Index:    intPtr(0),
		ID:       "call_1",
		Function: openai.FunctionCall{Name: "create_task", Arguments: `{"title":`},
	})
	acc.add(openai.ToolCall{
		Index:    intPtr(0),
		Function: openai.FunctionCall{Arguments: `"ship v2"}`},
	})
	acc.add(openai.ToolCall{
		Index:    intPtr(1),
		ID:       "call_2",
		Function: openai.FunctionCall{Name: "list_tasks", Arguments: `{}`},
	})

	calls := acc.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, "create_task", calls[0].Name)
	assert.Equal(t, `{"title":"ship v2"}`, calls[0].Arguments)
	assert.Equal(t, "call_2", calls[1].ID)
	assert.Equal(t, "list_tasks", calls[1].Name)
}

func TestToolCallAccumulatorEmpty(t *testing.T) {
	acc := newToolCallAccumulator()
	assert.Nil(t, acc.calls())
}

func TestLLMConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LLMConfig
		wantErr bool
	}{
		{
			name: "openai with key",
			cfg:  LLMConfig{Provider: "openai", APIKey: "sk-test"},
		},
		{
			name:    "deepseek without base URL",
			cfg:     LLMConfig{Provider: "deepseek", APIKey: "sk-test"},
			wantErr: true,
		},
		{
			name: "compatible with base URL",
			cfg:  LLMConfig{Provider: "compatible", APIKey: "sk-test", BaseURL: "http://localhost:11434/v1"},
		},
		{
			name:    "unknown provider",
			cfg:     LLMConfig{Provider: "bedrock", APIKey: "sk-test"},
			wantErr: true,
		},
		{
			name:    "missing key",
			cfg:     LLMConfig{Provider: "openai"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, tt.cfg.Model)
			assert.Positive(t, tt.cfg.MaxTokens)
		})
	}
}

func TestConvertMessagesToolFields(t *testing.T) {
	msgs := convertMessages([]Message{
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "call_1", Name: "list_tasks", Arguments: "{}"}}},
		{Role: "tool", ToolCallID: "call_1", Content: `{"tasks":[]}`},
	})
	require.Len(t, msgs, 2)
	require.Len(t, msgs[0].ToolCalls, 1)
	assert.Equal(t, "call_1", msgs[0].ToolCalls[0].ID)
	assert.Equal(t, openai.ToolTypeFunction, msgs[0].ToolCalls[0].Type)
	assert.Equal(t, "call_1", msgs[1].ToolCallID)
}
