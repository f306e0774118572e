// Package ai hosts the assistant subsystem: LLM access, context loading,
// history composition and the agent orchestrator.
package ai

import (
	"context"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// Message is a chat message in model wire form.
type Message struct {
	Role       string // system, user, assistant, tool
	Content    string
	ToolCalls  []ToolCall // set on assistant messages that request tools
	ToolCallID string     // set on tool messages
}

// ToolCall is a model-issued request to invoke a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema
}

// Usage is the token accounting reported by the model.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// StreamEventType identifies a streaming chunk kind.
type StreamEventType string

const (
	// StreamEventDelta carries incremental assistant text.
	StreamEventDelta StreamEventType = "delta"
	// StreamEventToolCalls carries fully accumulated tool calls.
	StreamEventToolCalls StreamEventType = "tool_calls"
	// StreamEventUsage carries token usage, sent once near stream end.
	StreamEventUsage StreamEventType = "usage"
	// StreamEventDone marks normal completion.
	StreamEventDone StreamEventType = "done"
)

// StreamEvent is one unit of streamed model output.
type StreamEvent struct {
	Type         StreamEventType
	Content      string
	ToolCalls    []ToolCall
	Usage        *Usage
	FinishReason string
}

// LLMService is the LLM backend interface.
type LLMService interface {
	// Chat performs a synchronous completion.
	Chat(ctx context.Context, messages []Message) (string, error)

	// StreamChat performs a streaming completion. Tool calls, if any, are
	// accumulated across deltas and delivered as a single tool_calls event.
	// Both channels close when the stream ends.
	StreamChat(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamEvent, <-chan error)
}

type llmService struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

// NewLLMService creates an LLMService backed by an OpenAI-compatible API.
func NewLLMService(cfg *LLMConfig) (LLMService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &llmService{
		client:      openai.NewClientWithConfig(config),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}, nil
}

func (s *llmService) Chat(ctx context.Context, messages []Message) (string, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.model,
		Messages:    convertMessages(messages),
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty completion response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (s *llmService) StreamChat(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamEvent, <-chan error) {
	eventChan := make(chan StreamEvent, 16)
	errChan := make(chan error, 1)

	go func() {
		defer close(eventChan)
		defer close(errChan)

		req := openai.ChatCompletionRequest{
			Model:       s.model,
			Messages:    convertMessages(messages),
			MaxTokens:   s.maxTokens,
			Temperature: s.temperature,
			Stream:      true,
			StreamOptions: &openai.StreamOptions{
				IncludeUsage: true,
			},
		}
		if len(tools) > 0 {
			req.Tools = convertTools(tools)
		}

		stream, err := s.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			errChan <- err
			return
		}
		defer stream.Close()

		acc := newToolCallAccumulator()
		finishReason := ""

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errChan <- err
				return
			}

			if resp.Usage != nil {
				s.send(ctx, eventChan, StreamEvent{
					Type: StreamEventUsage,
					Usage: &Usage{
						PromptTokens:     resp.Usage.PromptTokens,
						CompletionTokens: resp.Usage.CompletionTokens,
						TotalTokens:      resp.Usage.TotalTokens,
					},
				})
			}
			if len(resp.Choices) == 0 {
				continue
			}

			choice := resp.Choices[0]
			if choice.Delta.Content != "" {
				if !s.send(ctx, eventChan, StreamEvent{Type: StreamEventDelta, Content: choice.Delta.Content}) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				acc.add(tc)
			}
			if choice.FinishReason != "" {
				finishReason = string(choice.FinishReason)
			}
		}

		if calls := acc.calls(); len(calls) > 0 {
			if !s.send(ctx, eventChan, StreamEvent{Type: StreamEventToolCalls, ToolCalls: calls, FinishReason: finishReason}) {
				return
			}
		}
		s.send(ctx, eventChan, StreamEvent{Type: StreamEventDone, FinishReason: finishReason})
	}()

	return eventChan, errChan
}

func (s *llmService) send(ctx context.Context, ch chan<- StreamEvent, event StreamEvent) bool {
	select {
	case ch <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

// toolCallAccumulator stitches streamed tool-call fragments back together.
// Fragments arrive keyed by index; only the first fragment carries the id
// and function name, later ones append argument text.
type toolCallAccumulator struct {
	order   []int
	partial map[int]*ToolCall
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{partial: make(map[int]*ToolCall)}
}

func (a *toolCallAccumulator) add(tc openai.ToolCall) {
	idx := 0
	if tc.Index != nil {
		idx = *tc.Index
	}
	call, ok := a.partial[idx]
	if !ok {
		call = &ToolCall{}
		a.partial[idx] = call
		a.order = append(a.order, idx)
	}
	if tc.ID != "" {
		call.ID = tc.ID
	}
	if tc.Function.Name != "" {
		call.Name = tc.Function.Name
	}
	call.Arguments += tc.Function.Arguments
}

func (a *toolCallAccumulator) calls() []ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	calls := make([]ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		calls = append(calls, *a.partial[idx])
	}
	return calls
}

func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func convertTools(tools []ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}
