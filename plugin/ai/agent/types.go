// Package agent implements the turn orchestrator: it drives one chat turn
// end to end, streaming model output to the client, executing tool calls
// through a gateway, and folding the outcome into durable agent state.
package agent

import (
	"fmt"

	"github.com/compasshq/compass/plugin/ai/contextload"
)

// Event types emitted to the client, in wire order.
const (
	EventTypeSession         = "session"
	EventTypeTextDelta       = "text_delta"
	EventTypeToolCall        = "tool_call"
	EventTypeToolResult      = "tool_result"
	EventTypeContextShift    = "context_shift"
	EventTypeContextUsage    = "context_usage"
	EventTypeLastTurnContext = "last_turn_context"
	EventTypeOperation       = "operation"
	EventTypeError           = "error"
	EventTypeDone            = "done"
)

// Stream is the client-facing event sink for one turn.
type Stream interface {
	// Send sends an event to the client. Returning an error aborts the turn.
	Send(eventType string, eventData any) error

	// Close closes the stream. The caller manages when.
	Close() error
}

// StreamAdapter adapts a plain send function to the Stream interface.
type StreamAdapter struct {
	sendFunc func(eventType string, eventData any) error
}

// NewStreamAdapter wraps a send function as a Stream.
func NewStreamAdapter(sendFunc func(eventType string, eventData any) error) *StreamAdapter {
	return &StreamAdapter{sendFunc: sendFunc}
}

// Send sends an event through the adapter.
func (a *StreamAdapter) Send(eventType string, eventData any) error {
	if a.sendFunc == nil {
		return fmt.Errorf("send function not set")
	}
	return a.sendFunc(eventType, eventData)
}

// Close is a no-op; the transport owns the connection lifecycle.
func (a *StreamAdapter) Close() error {
	return nil
}

// TurnRequest is one inbound chat request.
type TurnRequest struct {
	Message      string `json:"message"`
	ContextType  string `json:"context_type"`
	EntityID     string `json:"entity_id,omitempty"`
	SessionUID   string `json:"session_id,omitempty"`
	ProjectFocus string `json:"projectFocus,omitempty"`

	// VoiceNoteGroupID links the turn to a voice note upload. Accepted for
	// wire compatibility; transcription happens upstream of this service.
	VoiceNoteGroupID string `json:"voiceNoteGroupId,omitempty"`

	LastTurnContext *LastTurnContext `json:"lastTurnContext,omitempty"`
}

// Scope resolves the request's declared context scope.
func (r *TurnRequest) Scope() contextload.Scope {
	t := contextload.ScopeType(r.ContextType)
	if t == "" {
		t = contextload.ScopeGlobal
	}
	return contextload.Scope{Type: t, EntityID: r.EntityID}
}

// ContextShift is a tool-triggered change of the effective scope mid-turn.
type ContextShift struct {
	NewContext string `json:"new_context"`
	EntityID   string `json:"entity_id"`
	EntityName string `json:"entity_name,omitempty"`
	EntityType string `json:"entity_type,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Operation is a read-only activity log entry surfaced for the UI.
type Operation struct {
	Action     string `json:"action"`
	EntityType string `json:"entity_type"`
	EntityName string `json:"entity_name"`
	Status     string `json:"status"`
}

// ContextUsage is the token/size accounting snapshot for the assembled prompt.
type ContextUsage struct {
	SystemPromptChars int  `json:"system_prompt_chars"`
	HistoryMessages   int  `json:"history_messages"`
	RawHistoryCount   int  `json:"raw_history_count"`
	EstimatedTokens   int  `json:"estimated_tokens"`
	Compressed        bool `json:"compressed"`
}
