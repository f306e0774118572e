package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compasshq/compass/internal/observability"
	"github.com/compasshq/compass/plugin/ai"
	"github.com/compasshq/compass/plugin/ai/contextload"
	"github.com/compasshq/compass/plugin/ai/history"
	"github.com/compasshq/compass/store"
)

// scriptedLLM replays one event script per StreamChat call.
type scriptedLLM struct {
	mu        sync.Mutex
	scripts   [][]ai.StreamEvent
	call      int
	streamErr error
	hang      bool
	chatReply string
}

func (l *scriptedLLM) Chat(context.Context, []ai.Message) (string, error) {
	return l.chatReply, nil
}

func (l *scriptedLLM) StreamChat(ctx context.Context, _ []ai.Message, _ []ai.ToolDefinition) (<-chan ai.StreamEvent, <-chan error) {
	l.mu.Lock()
	idx := l.call
	l.call++
	l.mu.Unlock()

	events := make(chan ai.StreamEvent, 32)
	errs := make(chan error, 1)
	go func() {
		if l.streamErr != nil {
			errs <- l.streamErr
			close(events)
			close(errs)
			return
		}
		var script []ai.StreamEvent
		if idx < len(l.scripts) {
			script = l.scripts[idx]
		}
		for _, ev := range script {
			events <- ev
		}
		if l.hang {
			// Leave the channels open; the orchestrator must exit on its
			// own context.
			<-ctx.Done()
			return
		}
		close(events)
		close(errs)
	}()
	return events, errs
}

func (l *scriptedLLM) calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.call
}

type recordedEvent struct {
	Type string
	Data any
}

// fakeStream records every event, in order.
type fakeStream struct {
	mu      sync.Mutex
	events  []recordedEvent
	closed  int
	onEvent func(eventType string)
}

func (s *fakeStream) Send(eventType string, eventData any) error {
	s.mu.Lock()
	s.events = append(s.events, recordedEvent{Type: eventType, Data: eventData})
	hook := s.onEvent
	s.mu.Unlock()
	if hook != nil {
		hook(eventType)
	}
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeStream) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func (s *fakeStream) countOf(eventType string) int {
	n := 0
	for _, typ := range s.types() {
		if typ == eventType {
			n++
		}
	}
	return n
}

func (s *fakeStream) firstOf(eventType string) (recordedEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.Type == eventType {
			return e, true
		}
	}
	return recordedEvent{}, false
}

type staticAccess struct {
	allowed bool
	err     error
}

func (a staticAccess) HasAccess(context.Context, int32, string, AccessLevel) (bool, error) {
	return a.allowed, a.err
}

type staticFetcher struct{}

func (staticFetcher) FetchSnapshot(_ context.Context, scope contextload.Scope, _ string) (*contextload.PromptContext, error) {
	return &contextload.PromptContext{
		Scope:    scope,
		Preamble: "Workspace preamble.",
		Data:     map[string]any{"projects": 1},
	}, nil
}

func newTestOrchestrator(t *testing.T, llm ai.LLMService, registry *Registry, access AccessChecker) (*Orchestrator, *store.Store) {
	t.Helper()
	st := newTestStore(t)
	if registry == nil {
		registry = NewRegistry()
	}
	o := NewOrchestrator(OrchestratorConfig{
		Store:           st,
		LLM:             llm,
		Loader:          contextload.NewLoader(staticFetcher{}, observability.NopReporter{}, time.Minute),
		Registry:        registry,
		Access:          access,
		Reporter:        observability.NopReporter{},
		HistorySettings: history.DefaultSettings(),
	})
	return o, st
}

func delta(s string) ai.StreamEvent {
	return ai.StreamEvent{Type: ai.StreamEventDelta, Content: s}
}

func doneEvent(reason string) ai.StreamEvent {
	return ai.StreamEvent{Type: ai.StreamEventDone, FinishReason: reason}
}

func TestStreamTurnHappyPath(t *testing.T) {
	llm := &scriptedLLM{scripts: [][]ai.StreamEvent{{
		delta("Hello "),
		delta("world."),
		{Type: ai.StreamEventUsage, Usage: &ai.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
		doneEvent("stop"),
	}}}
	o, st := newTestOrchestrator(t, llm, nil, nil)
	stream := &fakeStream{}

	o.StreamTurn(context.Background(), 1, &TurnRequest{Message: "hi", ContextType: "global"}, stream)

	types := stream.types()
	require.NotEmpty(t, types)
	assert.Equal(t, EventTypeSession, types[0])
	assert.Equal(t, EventTypeDone, types[len(types)-1])
	assert.Equal(t, 1, stream.countOf(EventTypeDone))
	assert.Equal(t, 1, stream.closed)
	assert.Equal(t, 2, stream.countOf(EventTypeTextDelta))
	assert.Equal(t, 1, stream.countOf(EventTypeContextUsage))
	assert.Zero(t, stream.countOf(EventTypeError))

	doneEv, ok := stream.firstOf(EventTypeDone)
	require.True(t, ok)
	payload := doneEv.Data.(map[string]any)
	assert.Equal(t, "stop", payload["finished_reason"])

	// Both halves of the turn are persisted.
	sessionEv, _ := stream.firstOf(EventTypeSession)
	session := sessionEv.Data.(map[string]any)["session"].(*store.Session)
	msgs, err := st.ListMessages(context.Background(), &store.FindMessage{SessionID: &session.ID})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.MessageRoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, store.MessageRoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello world.", msgs[1].Content)

	reloaded, err := st.GetSession(context.Background(), &store.FindSession{ID: &session.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.MessageCount)
	assert.Equal(t, 15, reloaded.TokenCount)
}

func TestStreamTurnToolCallWithScopeInjection(t *testing.T) {
	registry := NewRegistry()
	var receivedArgs string
	require.NoError(t, registry.Register(Definition{
		Name:               "create_task",
		RequiredScopeParam: "project_id",
	}, func(_ context.Context, _ *ServiceContext, args json.RawMessage) (any, error) {
		receivedArgs = string(args)
		return map[string]any{"task": map[string]any{"id": "task_77", "title": "review the draft"}}, nil
	}))

	llm := &scriptedLLM{scripts: [][]ai.StreamEvent{
		{
			{Type: ai.StreamEventToolCalls, ToolCalls: []ai.ToolCall{{
				ID: "call_1", Name: "create_task", Arguments: `{"title":"review the draft"}`,
			}}, FinishReason: "tool_calls"},
			doneEvent("tool_calls"),
		},
		{delta("Task created."), doneEvent("stop")},
	}}
	o, _ := newTestOrchestrator(t, llm, registry, staticAccess{allowed: true})
	stream := &fakeStream{}

	o.StreamTurn(context.Background(), 1, &TurnRequest{
		Message:     "add a task to review the draft",
		ContextType: "project",
		EntityID:    "proj_123",
	}, stream)

	assert.Equal(t, 2, llm.calls())

	// The omitted project id is injected from the turn's scope.
	callEv, ok := stream.firstOf(EventTypeToolCall)
	require.True(t, ok)
	fn := callEv.Data.(map[string]any)["tool_call"].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "create_task", fn["name"])
	var args map[string]any
	require.NoError(t, json.Unmarshal([]byte(fn["arguments"].(string)), &args))
	assert.Equal(t, "proj_123", args["project_id"])
	assert.Contains(t, receivedArgs, "proj_123")

	resEv, ok := stream.firstOf(EventTypeToolResult)
	require.True(t, ok)
	result := resEv.Data.(map[string]any)["result"].(map[string]any)
	assert.Equal(t, true, result["success"])

	ltcEv, ok := stream.firstOf(EventTypeLastTurnContext)
	require.True(t, ok)
	ltc := ltcEv.Data.(map[string]any)["context"].(*LastTurnContext)
	assert.Equal(t, "proj_123", ltc.Entities.ProjectID)
	assert.Contains(t, ltc.Entities.TaskIDs, "task_77")
	assert.Equal(t, []string{"create_task"}, ltc.DataAccessed)

	types := stream.types()
	assert.Equal(t, EventTypeDone, types[len(types)-1])
	assert.Equal(t, 1, stream.countOf(EventTypeDone))
}

type openProjectResult struct {
	Name  string `json:"name"`
	shift *ContextShift
}

func (r openProjectResult) ToolSideEffects() *SideEffects {
	return &SideEffects{ContextShift: r.shift}
}

func TestStreamTurnContextShift(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(Definition{Name: "open_project"}, func(context.Context, *ServiceContext, json.RawMessage) (any, error) {
		return openProjectResult{Name: "Apollo", shift: &ContextShift{
			NewContext: "project", EntityID: "proj_9", EntityName: "Apollo", EntityType: "project",
		}}, nil
	}))
	var taskArgs string
	require.NoError(t, registry.Register(Definition{
		Name:               "create_task",
		RequiredScopeParam: "project_id",
	}, func(_ context.Context, svc *ServiceContext, args json.RawMessage) (any, error) {
		taskArgs = string(args)
		assert.Equal(t, "proj_9", svc.Scope.EntityID)
		return map[string]any{"task": map[string]any{"id": "task_1"}}, nil
	}))

	llm := &scriptedLLM{scripts: [][]ai.StreamEvent{
		{
			{Type: ai.StreamEventToolCalls, ToolCalls: []ai.ToolCall{
				{ID: "call_1", Name: "open_project", Arguments: `{"name":"apollo"}`},
				{ID: "call_2", Name: "create_task", Arguments: `{"title":"kickoff"}`},
			}, FinishReason: "tool_calls"},
			doneEvent("tool_calls"),
		},
		{delta("Opened Apollo and added the task."), doneEvent("stop")},
	}}
	o, st := newTestOrchestrator(t, llm, registry, nil)
	stream := &fakeStream{}

	o.StreamTurn(context.Background(), 1, &TurnRequest{Message: "open apollo and add a kickoff task", ContextType: "global"}, stream)

	// The shift event directly follows the tool result that produced it.
	types := stream.types()
	shiftIdx := -1
	for i, typ := range types {
		if typ == EventTypeContextShift {
			shiftIdx = i
			break
		}
	}
	require.Positive(t, shiftIdx)
	assert.Equal(t, EventTypeToolResult, types[shiftIdx-1])

	// The second tool call resolves its project id against the shifted scope.
	var args map[string]any
	require.NoError(t, json.Unmarshal([]byte(taskArgs), &args))
	assert.Equal(t, "proj_9", args["project_id"])

	// The shifted scope is persisted on the session.
	sessionEv, _ := stream.firstOf(EventTypeSession)
	session := sessionEv.Data.(map[string]any)["session"].(*store.Session)
	reloaded, err := st.GetSession(context.Background(), &store.FindSession{ID: &session.ID})
	require.NoError(t, err)
	assert.Equal(t, "project", reloaded.ContextType)
	assert.Equal(t, "proj_9", reloaded.EntityID)
}

func TestStreamTurnAccessDenied(t *testing.T) {
	llm := &scriptedLLM{}
	o, _ := newTestOrchestrator(t, llm, nil, staticAccess{allowed: false})
	stream := &fakeStream{}

	o.StreamTurn(context.Background(), 1, &TurnRequest{
		Message:     "what's in this project?",
		ContextType: "project",
		EntityID:    "proj_секрет",
	}, stream)

	assert.Equal(t, 1, stream.countOf(EventTypeError))
	assert.Equal(t, 1, stream.countOf(EventTypeDone))
	assert.Zero(t, stream.countOf(EventTypeTextDelta))
	assert.Zero(t, stream.countOf(EventTypeToolCall))
	assert.Zero(t, llm.calls(), "model is never reached on denial")

	doneEv, _ := stream.firstOf(EventTypeDone)
	assert.Equal(t, "error", doneEv.Data.(map[string]any)["finished_reason"])

	errEv, _ := stream.firstOf(EventTypeError)
	msg := errEv.Data.(map[string]any)["error"].(string)
	assert.NotContains(t, msg, "proj_", "denial reason must not leak the entity")

	types := stream.types()
	assert.Equal(t, EventTypeDone, types[len(types)-1])
	assert.Equal(t, 1, stream.closed)
}

func TestStreamTurnAccessCheckFailsOpen(t *testing.T) {
	llm := &scriptedLLM{scripts: [][]ai.StreamEvent{{delta("ok"), doneEvent("stop")}}}
	o, _ := newTestOrchestrator(t, llm, nil, staticAccess{allowed: false, err: errors.New("acl service down")})
	stream := &fakeStream{}

	o.StreamTurn(context.Background(), 1, &TurnRequest{
		Message: "hello", ContextType: "project", EntityID: "proj_1",
	}, stream)

	assert.Zero(t, stream.countOf(EventTypeError))
	assert.Equal(t, 1, stream.countOf(EventTypeTextDelta))
}

func TestStreamTurnLLMFailure(t *testing.T) {
	llm := &scriptedLLM{streamErr: errors.New("upstream 503")}
	o, _ := newTestOrchestrator(t, llm, nil, nil)
	stream := &fakeStream{}

	o.StreamTurn(context.Background(), 1, &TurnRequest{Message: "hi", ContextType: "global"}, stream)

	assert.Equal(t, 1, stream.countOf(EventTypeError))
	assert.Equal(t, 1, stream.countOf(EventTypeDone))
	doneEv, _ := stream.firstOf(EventTypeDone)
	assert.Equal(t, "error", doneEv.Data.(map[string]any)["finished_reason"])

	errEv, _ := stream.firstOf(EventTypeError)
	assert.NotContains(t, errEv.Data.(map[string]any)["error"].(string), "503")
	assert.Equal(t, 1, stream.closed)
}

func TestStreamTurnRejectsToolOutsideOfferedSet(t *testing.T) {
	registry := NewRegistry()
	handlerCalled := false
	require.NoError(t, registry.Register(Definition{
		Name:   "complete_task",
		Scopes: []contextload.ScopeType{contextload.ScopeProject},
	}, func(context.Context, *ServiceContext, json.RawMessage) (any, error) {
		handlerCalled = true
		return map[string]any{"ok": true}, nil
	}))

	// The model hallucinates a call to a tool the global scope never offered.
	llm := &scriptedLLM{scripts: [][]ai.StreamEvent{
		{
			{Type: ai.StreamEventToolCalls, ToolCalls: []ai.ToolCall{{
				ID: "call_1", Name: "complete_task", Arguments: `{"task_id":"task_1"}`,
			}}, FinishReason: "tool_calls"},
			doneEvent("tool_calls"),
		},
		{delta("I cannot do that here."), doneEvent("stop")},
	}}
	o, _ := newTestOrchestrator(t, llm, registry, nil)
	stream := &fakeStream{}

	o.StreamTurn(context.Background(), 1, &TurnRequest{Message: "hello there", ContextType: "global"}, stream)

	assert.False(t, handlerCalled, "an unoffered tool must never execute")
	resEv, ok := stream.firstOf(EventTypeToolResult)
	require.True(t, ok)
	result := resEv.Data.(map[string]any)["result"].(map[string]any)
	assert.Equal(t, false, result["success"])
	assert.Contains(t, result["error"], "not available")

	doneEv, _ := stream.firstOf(EventTypeDone)
	assert.Equal(t, "stop", doneEv.Data.(map[string]any)["finished_reason"])
}

// closingErrLLM buffers its failure and closes both channels before the
// consumer runs a single select, so either arm may be drawn first.
type closingErrLLM struct {
	err error
}

func (l *closingErrLLM) Chat(context.Context, []ai.Message) (string, error) {
	return "", l.err
}

func (l *closingErrLLM) StreamChat(context.Context, []ai.Message, []ai.ToolDefinition) (<-chan ai.StreamEvent, <-chan error) {
	events := make(chan ai.StreamEvent)
	errs := make(chan error, 1)
	errs <- l.err
	close(events)
	close(errs)
	return events, errs
}

func TestStreamSegmentNeverSwallowsBufferedError(t *testing.T) {
	llm := &closingErrLLM{err: errors.New("connection reset")}
	o := NewOrchestrator(OrchestratorConfig{
		LLM:      llm,
		Registry: NewRegistry(),
		Reporter: observability.NopReporter{},
	})

	// The select's arm order is random; every draw must surface the error.
	for i := 0; i < 50; i++ {
		turn := &turnState{req: &TurnRequest{Message: "hi"}}
		stream := &fakeStream{}
		_, _, err := o.streamSegment(context.Background(), turn, stream, nil, nil)
		require.Error(t, err)
	}
}

func TestStreamTurnBufferedErrorFailsTurn(t *testing.T) {
	llm := &closingErrLLM{err: errors.New("connection reset")}
	o, _ := newTestOrchestrator(t, llm, nil, nil)
	stream := &fakeStream{}

	o.StreamTurn(context.Background(), 1, &TurnRequest{Message: "hi", ContextType: "global"}, stream)

	assert.Equal(t, 1, stream.countOf(EventTypeError))
	doneEv, _ := stream.firstOf(EventTypeDone)
	assert.Equal(t, "error", doneEv.Data.(map[string]any)["finished_reason"])
}

func TestStreamTurnCancellationPersistsPartialText(t *testing.T) {
	llm := &scriptedLLM{hang: true, scripts: [][]ai.StreamEvent{{delta("partial answer")}}}
	o, st := newTestOrchestrator(t, llm, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	stream := &fakeStream{}
	stream.onEvent = func(eventType string) {
		if eventType == EventTypeTextDelta {
			cancel()
		}
	}

	o.StreamTurn(ctx, 1, &TurnRequest{Message: "hi", ContextType: "global"}, stream)
	cancel()

	assert.Equal(t, 1, stream.countOf(EventTypeDone))
	doneEv, _ := stream.firstOf(EventTypeDone)
	assert.Equal(t, "cancelled", doneEv.Data.(map[string]any)["finished_reason"])

	sessionEv, _ := stream.firstOf(EventTypeSession)
	session := sessionEv.Data.(map[string]any)["session"].(*store.Session)
	msgs, err := st.ListMessages(context.Background(), &store.FindMessage{SessionID: &session.ID})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial answer", msgs[1].Content)
}

func TestStreamTurnReusesSession(t *testing.T) {
	llm := &scriptedLLM{scripts: [][]ai.StreamEvent{
		{delta("first"), doneEvent("stop")},
		{delta("second"), doneEvent("stop")},
	}}
	o, st := newTestOrchestrator(t, llm, nil, nil)

	first := &fakeStream{}
	o.StreamTurn(context.Background(), 1, &TurnRequest{Message: "one", ContextType: "global"}, first)
	sessionEv, _ := first.firstOf(EventTypeSession)
	session := sessionEv.Data.(map[string]any)["session"].(*store.Session)

	second := &fakeStream{}
	o.StreamTurn(context.Background(), 1, &TurnRequest{
		Message: "two", ContextType: "global", SessionUID: session.UID,
	}, second)
	secondSessionEv, _ := second.firstOf(EventTypeSession)
	reused := secondSessionEv.Data.(map[string]any)["session"].(*store.Session)
	assert.Equal(t, session.ID, reused.ID)

	msgs, err := st.ListMessages(context.Background(), &store.FindMessage{SessionID: &session.ID})
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestStreamTurnRejectsForeignSession(t *testing.T) {
	llm := &scriptedLLM{scripts: [][]ai.StreamEvent{{delta("x"), doneEvent("stop")}}}
	o, st := newTestOrchestrator(t, llm, nil, nil)

	other, err := st.CreateSession(context.Background(), &store.Session{UserID: 99})
	require.NoError(t, err)

	stream := &fakeStream{}
	o.StreamTurn(context.Background(), 1, &TurnRequest{
		Message: "hi", ContextType: "global", SessionUID: other.UID,
	}, stream)

	assert.Equal(t, 1, stream.countOf(EventTypeError))
	assert.Zero(t, stream.countOf(EventTypeTextDelta))
}

func TestStreamTurnEmptyMessage(t *testing.T) {
	llm := &scriptedLLM{}
	o, _ := newTestOrchestrator(t, llm, nil, nil)
	stream := &fakeStream{}

	o.StreamTurn(context.Background(), 1, &TurnRequest{Message: "   ", ContextType: "global"}, stream)

	assert.Equal(t, 1, stream.countOf(EventTypeError))
	assert.Equal(t, 1, stream.countOf(EventTypeDone))
	assert.Zero(t, llm.calls())
}
