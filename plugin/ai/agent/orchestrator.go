package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/compasshq/compass/internal/errors"
	"github.com/compasshq/compass/internal/observability"
	"github.com/compasshq/compass/plugin/ai"
	"github.com/compasshq/compass/plugin/ai/contextload"
	"github.com/compasshq/compass/plugin/ai/history"
	"github.com/compasshq/compass/store"
)

// AccessLevel is the permission required on a scoped entity.
type AccessLevel string

const (
	// AccessRead is required to anchor a conversation on an entity.
	AccessRead AccessLevel = "read"
)

// AccessChecker answers whether a user may use an entity as conversation
// scope. A transport error fails open; an explicit false fails closed.
type AccessChecker interface {
	HasAccess(ctx context.Context, userID int32, entityID string, level AccessLevel) (bool, error)
}

// DefaultMaxToolIterations bounds the tool-call loop within one turn.
const DefaultMaxToolIterations = 8

// Orchestrator drives one chat turn end to end.
type Orchestrator struct {
	store      *store.Store
	llm        ai.LLMService
	loader     *contextload.Loader
	registry   *Registry
	gateway    *Gateway
	access     AccessChecker
	reconciler *Reconciler
	summarizer *Summarizer
	reporter   observability.ErrorReporter

	historySettings   history.Settings
	maxToolIterations int
	now               func() time.Time
}

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	Store      *store.Store
	LLM        ai.LLMService
	Loader     *contextload.Loader
	Registry   *Registry
	Gateway    *Gateway
	Access     AccessChecker
	Reconciler *Reconciler
	Summarizer *Summarizer
	Reporter   observability.ErrorReporter

	HistorySettings   history.Settings
	MaxToolIterations int
}

// NewOrchestrator creates a turn orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Reporter == nil {
		cfg.Reporter = observability.NewSlogReporter(nil)
	}
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = DefaultMaxToolIterations
	}
	if cfg.Gateway == nil {
		cfg.Gateway = NewGateway(cfg.Registry, cfg.Reporter)
	}
	return &Orchestrator{
		store:             cfg.Store,
		llm:               cfg.LLM,
		loader:            cfg.Loader,
		registry:          cfg.Registry,
		gateway:           cfg.Gateway,
		access:            cfg.Access,
		reconciler:        cfg.Reconciler,
		summarizer:        cfg.Summarizer,
		reporter:          cfg.Reporter,
		historySettings:   cfg.HistorySettings,
		maxToolIterations: cfg.MaxToolIterations,
		now:               time.Now,
	}
}

// turnState is the mutable per-turn working set.
type turnState struct {
	req     *TurnRequest
	userID  int32
	session *store.Session
	meta    *AgentMetadata

	// effectiveScope starts as the declared scope and follows context
	// shifts for the remainder of the turn.
	effectiveScope contextload.Scope
	shift          *ContextShift

	assistantText strings.Builder
	results       []ToolResult
	usage         *ai.Usage
	finished      string

	// prepared is set once the user message is persisted and context and
	// history are in hand; only prepared turns touch session counters.
	prepared bool

	assistantPersisted bool
	doneSent           bool
}

// StreamTurn executes one chat turn, emitting events to the stream. The
// stream always receives a terminal done event and is always closed, no
// matter which phase fails.
func (o *Orchestrator) StreamTurn(ctx context.Context, userID int32, req *TurnRequest, stream Stream) {
	rc := observability.NewRequestContext(slog.Default(), req.ContextType, userID)
	ctx = observability.WithRequestContext(ctx, rc)

	turn := &turnState{req: req, userID: userID, effectiveScope: req.Scope()}

	defer func() {
		if r := recover(); r != nil {
			o.reporter.Report(fmt.Errorf("turn panicked: %v", r), observability.ErrorReport{
				Endpoint:      "chat_stream",
				OperationType: "turn",
				Metadata:      map[string]any{"user_id": userID},
			})
			o.failTurn(turn, stream, errors.TurnFailed("unrecoverable failure", fmt.Errorf("panic: %v", r)))
		}
		o.finalize(turn, stream, rc)
	}()

	if err := o.runTurn(ctx, turn, stream, rc); err != nil {
		o.failTurn(turn, stream, err)
	}
}

// failTurn emits the user-safe error event and marks the turn failed. The
// terminal done event is left to finalize.
func (o *Orchestrator) failTurn(turn *turnState, stream Stream, err error) {
	if turn.finished == "" {
		turn.finished = "error"
	}
	_ = stream.Send(EventTypeError, map[string]any{"error": errors.UserMessage(err)})
}

func (o *Orchestrator) runTurn(ctx context.Context, turn *turnState, stream Stream, rc *observability.RequestContext) error {
	req := turn.req
	if strings.TrimSpace(req.Message) == "" {
		return errors.InvalidArgument("message is required")
	}
	scope := turn.effectiveScope
	if !scope.Valid() {
		return errors.InvalidArgument("invalid context scope")
	}

	// Resolving session.
	session, err := o.resolveSession(ctx, turn)
	if err != nil {
		return err
	}
	turn.session = session
	turn.meta = ParseAgentMetadata(session.AgentMetadata)
	if err := stream.Send(EventTypeSession, map[string]any{"session": session}); err != nil {
		return errors.Wrap(err, errors.ErrCodeTurnFailed, "send session event")
	}

	if scope.RequiresEntity() {
		if err := o.checkAccess(ctx, turn.userID, scope.EntityID); err != nil {
			return err
		}
	}

	// Loading context, composing history and persisting the user message
	// run concurrently; the turn consumes all three results at once.
	var (
		pc         *contextload.PromptContext
		cacheEntry *contextload.CacheEntry
		fromCache  bool
		composed   history.Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pc, cacheEntry, fromCache = o.loader.Load(gctx, scope, req.ProjectFocus, turn.meta.ContextCache)
		return nil
	})
	g.Go(func() error {
		raw, err := o.loadHistory(gctx, session.ID)
		if err != nil {
			return err
		}
		composed = history.Compose(raw, req.LastTurnContext.Hint(), session.Summary, o.historySettings)
		return nil
	})
	g.Go(func() error {
		_, err := o.store.CreateMessage(gctx, &store.Message{
			SessionID: session.ID,
			Role:      store.MessageRoleUser,
			Content:   req.Message,
			CreatedTs: o.now().Unix(),
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, errors.ErrCodeTurnFailed, "prepare turn")
	}
	if !fromCache && cacheEntry != nil {
		turn.meta.ContextCache = cacheEntry
	}
	turn.prepared = true

	systemPrompt := buildSystemPrompt(pc, turn.meta.State)
	_ = stream.Send(EventTypeContextUsage, map[string]any{"usage": ContextUsage{
		SystemPromptChars: len(systemPrompt),
		HistoryMessages:   len(composed.HistoryForModel),
		RawHistoryCount:   composed.RawHistoryCount,
		EstimatedTokens:   estimateTokens(len(systemPrompt) + historyChars(composed.HistoryForModel) + len(req.Message)),
		Compressed:        composed.Compressed,
	}})
	rc.Debug("turn prepared",
		slog.String(observability.LogFieldSessionUID, session.UID),
		slog.String("history_strategy", string(composed.Strategy)),
		slog.Bool("context_cached", fromCache),
	)

	conversation := make([]ai.Message, 0, len(composed.HistoryForModel)+2)
	conversation = append(conversation, ai.Message{Role: "system", Content: systemPrompt})
	conversation = append(conversation, composed.HistoryForModel...)
	conversation = append(conversation, ai.Message{Role: "user", Content: req.Message})

	return o.streamLoop(ctx, turn, stream, conversation)
}

// streamLoop runs the model stream, executing tool calls between segments
// until the model finishes with plain text or the iteration bound is hit.
func (o *Orchestrator) streamLoop(ctx context.Context, turn *turnState, stream Stream, conversation []ai.Message) error {
	for iteration := 0; ; iteration++ {
		toolDefs := o.registry.SelectForTurn(turn.effectiveScope.Type, turn.req.Message)
		allowed := AllowedNames(toolDefs)
		wireTools := make([]ai.ToolDefinition, 0, len(toolDefs))
		for _, d := range toolDefs {
			wireTools = append(wireTools, d.ToolDefinition())
		}
		if iteration >= o.maxToolIterations {
			// Out of iterations: let the model wrap up without tools.
			wireTools = nil
		}

		segmentText, toolCalls, err := o.streamSegment(ctx, turn, stream, conversation, wireTools)
		if err != nil {
			return err
		}
		if len(toolCalls) == 0 {
			return nil
		}

		assistantMsg := ai.Message{Role: "assistant", Content: segmentText, ToolCalls: toolCalls}
		conversation = append(conversation, assistantMsg)
		for _, call := range toolCalls {
			result := o.runToolCall(ctx, turn, stream, call, allowed)
			payload, err := json.Marshal(toolResultPayload(result))
			if err != nil {
				payload = []byte(`{"success":false,"error":"unencodable tool result"}`)
			}
			conversation = append(conversation, ai.Message{
				Role:       "tool",
				Content:    string(payload),
				ToolCallID: call.ID,
			})
		}
	}
}

// streamSegment forwards one model stream until it ends or requests tools.
func (o *Orchestrator) streamSegment(ctx context.Context, turn *turnState, stream Stream, conversation []ai.Message, tools []ai.ToolDefinition) (string, []ai.ToolCall, error) {
	events, errs := o.llm.StreamChat(ctx, conversation, tools)

	var segment strings.Builder
	var toolCalls []ai.ToolCall
	for {
		select {
		case <-ctx.Done():
			turn.finished = "cancelled"
			return segment.String(), nil, errors.ContextCanceled(ctx.Err())
		case err, ok := <-errs:
			if ok && err != nil {
				return segment.String(), nil, errors.Wrap(err, errors.ErrCodeLLMUnavailable, "llm stream")
			}
			errs = nil
		case event, ok := <-events:
			if !ok {
				// The producer closes both channels after its last send; an
				// error may still sit buffered behind the closed events arm.
				select {
				case err, ok := <-errs:
					if ok && err != nil {
						return segment.String(), nil, errors.Wrap(err, errors.ErrCodeLLMUnavailable, "llm stream")
					}
				default:
				}
				return segment.String(), toolCalls, nil
			}
			switch event.Type {
			case ai.StreamEventDelta:
				segment.WriteString(event.Content)
				turn.assistantText.WriteString(event.Content)
				if err := stream.Send(EventTypeTextDelta, map[string]any{"content": event.Content}); err != nil {
					return segment.String(), nil, errors.Wrap(err, errors.ErrCodeTurnFailed, "send delta")
				}
			case ai.StreamEventToolCalls:
				toolCalls = event.ToolCalls
			case ai.StreamEventUsage:
				if event.Usage != nil {
					turn.usage = addUsage(turn.usage, event.Usage)
				}
			case ai.StreamEventDone:
				if turn.finished == "" && event.FinishReason != "" && len(toolCalls) == 0 {
					turn.finished = event.FinishReason
				}
			}
		}
	}
}

// runToolCall executes one tool call: required-id injection, gateway
// dispatch, event emission and context-shift adoption. The allow-list is the
// tool set the model was offered for this segment.
func (o *Orchestrator) runToolCall(ctx context.Context, turn *turnState, stream Stream, call ai.ToolCall, allowed map[string]bool) ToolResult {
	call = o.injectScopeParam(turn, call)

	_ = stream.Send(EventTypeToolCall, map[string]any{"tool_call": map[string]any{
		"id": call.ID,
		"function": map[string]any{
			"name":      call.Name,
			"arguments": call.Arguments,
		},
	}})

	svc := &ServiceContext{
		UserID:     turn.userID,
		SessionUID: turn.session.UID,
		Scope:      turn.effectiveScope,
	}
	result := o.gateway.Execute(ctx, call, allowed, svc)
	turn.results = append(turn.results, result)

	_ = stream.Send(EventTypeToolResult, map[string]any{"result": toolResultPayload(result)})

	// A context shift re-anchors the rest of the turn; the shift event must
	// directly follow the tool result that produced it.
	if result.SideEffects != nil && result.SideEffects.ContextShift != nil {
		shift := result.SideEffects.ContextShift
		turn.shift = shift
		turn.effectiveScope = contextload.Scope{
			Type:     contextload.ScopeType(shift.NewContext),
			EntityID: shift.EntityID,
		}
		_ = stream.Send(EventTypeContextShift, map[string]any{"context_shift": shift})
	}

	if op := operationFor(result); op != nil {
		_ = stream.Send(EventTypeOperation, map[string]any{"operation": op})
	}
	return result
}

// injectScopeParam fills a missing scope-bound argument from the effective
// scope. The model is not required to repeat context it was already given.
func (o *Orchestrator) injectScopeParam(turn *turnState, call ai.ToolCall) ai.ToolCall {
	tool, ok := o.registry.lookup(call.Name)
	if !ok || tool.def.RequiredScopeParam == "" || turn.effectiveScope.EntityID == "" {
		return call
	}

	args := map[string]any{}
	raw := call.Arguments
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		// Malformed arguments fall through to the gateway, which turns
		// them into a failed result.
		return call
	}
	if v, ok := args[tool.def.RequiredScopeParam].(string); ok && v != "" {
		return call
	}
	args[tool.def.RequiredScopeParam] = turn.effectiveScope.EntityID
	if injected, err := json.Marshal(args); err == nil {
		call.Arguments = string(injected)
	}
	return call
}

// finalize always runs: persists the turn, emits the trailing events and
// closes the stream.
func (o *Orchestrator) finalize(turn *turnState, stream Stream, rc *observability.RequestContext) {
	defer func() {
		if r := recover(); r != nil {
			o.reporter.Report(fmt.Errorf("finalize panicked: %v", r), observability.ErrorReport{
				Endpoint: "chat_stream", OperationType: "finalize",
			})
		}
		if !turn.doneSent {
			turn.doneSent = true
			_ = stream.Send(EventTypeDone, donePayload(turn))
		}
		_ = stream.Close()
	}()

	// The request context may already be cancelled; persistence still runs.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if turn.session != nil && turn.prepared {
		o.persistTurn(ctx, turn, rc)
		if turn.finished != "error" || turn.assistantText.Len() > 0 {
			ltc := BuildLastTurnContext(
				turn.assistantText.String(),
				turn.req.Message,
				turn.effectiveScope,
				turn.shift,
				turn.results,
				o.now(),
			)
			_ = stream.Send(EventTypeLastTurnContext, map[string]any{"context": ltc})
		}
	}

	turn.doneSent = true
	_ = stream.Send(EventTypeDone, donePayload(turn))
	rc.Info("turn finished",
		slog.Int64(observability.LogFieldDuration, rc.DurationMs()),
		slog.String("finished_reason", finishedReason(turn)),
		slog.Int("tool_calls", len(turn.results)),
	)
}

func (o *Orchestrator) persistTurn(ctx context.Context, turn *turnState, rc *observability.RequestContext) {
	session := turn.session

	// Whatever text was generated survives, even on cancellation.
	if turn.assistantText.Len() > 0 && !turn.assistantPersisted {
		turn.assistantPersisted = true
		msg := &store.Message{
			SessionID: session.ID,
			Role:      store.MessageRoleAssistant,
			Content:   turn.assistantText.String(),
			CreatedTs: o.now().Unix(),
		}
		if turn.usage != nil {
			msg.PromptTokens = turn.usage.PromptTokens
			msg.CompletionTokens = turn.usage.CompletionTokens
		}
		if _, err := o.store.CreateMessage(ctx, msg); err != nil {
			o.reporter.Report(err, observability.ErrorReport{
				Endpoint: "chat_stream", OperationType: "persist_assistant_message",
				Metadata: map[string]any{"session_id": session.ID},
			})
		}
	}

	update := &store.UpdateSession{ID: session.ID}
	messageCount := session.MessageCount + 2
	update.MessageCount = &messageCount
	if turn.usage != nil {
		tokenCount := session.TokenCount + turn.usage.TotalTokens
		update.TokenCount = &tokenCount
	}
	if turn.shift != nil {
		ct := string(turn.effectiveScope.Type)
		update.ContextType = &ct
		update.EntityID = &turn.effectiveScope.EntityID
	}
	if blob, err := turn.meta.Encode(); err == nil {
		update.AgentMetadata = &blob
	}
	if _, err := o.store.UpdateSession(ctx, update); err != nil {
		o.reporter.Report(err, observability.ErrorReport{
			Endpoint: "chat_stream", OperationType: "update_session",
			Metadata: map[string]any{"session_id": session.ID},
		})
	}

	if o.reconciler != nil {
		o.reconciler.ReconcileAsync(session.ID, TurnOutcome{
			UserMessage:   turn.req.Message,
			AssistantText: turn.assistantText.String(),
			ToolResults:   turn.results,
			Shift:         turn.shift,
			CompletedAt:   o.now(),
		})
	}
	if o.summarizer != nil {
		o.summarizer.MaybeRefreshAsync(session.ID, messageCount)
	}
}

func (o *Orchestrator) resolveSession(ctx context.Context, turn *turnState) (*store.Session, error) {
	req := turn.req
	if req.SessionUID != "" {
		session, err := o.store.GetSession(ctx, &store.FindSession{UID: &req.SessionUID})
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeServiceUnavailable, "load session")
		}
		if session != nil {
			if session.UserID != turn.userID {
				return nil, errors.AccessDenied("session does not belong to caller")
			}
			return session, nil
		}
		// Unknown uid: fall through and start a fresh conversation.
	}
	session, err := o.store.CreateSession(ctx, &store.Session{
		UserID:      turn.userID,
		ContextType: string(turn.effectiveScope.Type),
		EntityID:    turn.effectiveScope.EntityID,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeServiceUnavailable, "create session")
	}
	return session, nil
}

// checkAccess fails open on a transport error and closed on an explicit
// denial. The denial reason is never surfaced.
func (o *Orchestrator) checkAccess(ctx context.Context, userID int32, entityID string) error {
	if o.access == nil {
		return nil
	}
	allowed, err := o.access.HasAccess(ctx, userID, entityID, AccessRead)
	if err != nil {
		o.reporter.Report(err, observability.ErrorReport{
			Endpoint: "chat_stream", OperationType: "access_check",
			Metadata: map[string]any{"entity_id": entityID},
		})
		return nil
	}
	if !allowed {
		return errors.AccessDenied("entity access denied")
	}
	return nil
}

func (o *Orchestrator) loadHistory(ctx context.Context, sessionID int32) ([]ai.Message, error) {
	msgs, err := o.store.ListMessages(ctx, &store.FindMessage{SessionID: &sessionID})
	if err != nil {
		return nil, err
	}
	out := make([]ai.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ai.Message{Role: string(m.Role), Content: m.Content})
	}
	return out, nil
}

func toolResultPayload(result ToolResult) map[string]any {
	payload := map[string]any{
		"tool_call_id": result.ToolCallID,
		"tool_name":    result.ToolName,
		"success":      result.Success,
		"duration_ms":  result.DurationMs,
	}
	if result.Data != nil {
		payload["data"] = result.Data
	}
	if result.Error != "" {
		payload["error"] = result.Error
	}
	return payload
}

// operationFor maps a successful tool call to a UI activity entry.
func operationFor(result ToolResult) *Operation {
	if !result.Success {
		return nil
	}
	action := "used"
	switch {
	case strings.HasPrefix(result.ToolName, "get_"), strings.HasPrefix(result.ToolName, "list_"):
		action = "read"
	case strings.HasPrefix(result.ToolName, "create_"):
		action = "created"
	case strings.HasPrefix(result.ToolName, "update_"), strings.HasPrefix(result.ToolName, "open_"):
		action = "updated"
	}
	op := &Operation{Action: action, EntityType: "workspace", Status: "done"}
	if result.SideEffects != nil && len(result.SideEffects.EntityUpdates) > 0 {
		ref := result.SideEffects.EntityUpdates[0]
		op.EntityType = ref.Kind
		op.EntityName = ref.Name
	}
	return op
}

func donePayload(turn *turnState) map[string]any {
	payload := map[string]any{"finished_reason": finishedReason(turn)}
	if turn.usage != nil {
		payload["usage"] = map[string]any{
			"prompt_tokens":     turn.usage.PromptTokens,
			"completion_tokens": turn.usage.CompletionTokens,
			"total_tokens":      turn.usage.TotalTokens,
		}
	}
	return payload
}

func finishedReason(turn *turnState) string {
	if turn.finished == "" {
		return "stop"
	}
	return turn.finished
}

func addUsage(total, delta *ai.Usage) *ai.Usage {
	if total == nil {
		u := *delta
		return &u
	}
	total.PromptTokens += delta.PromptTokens
	total.CompletionTokens += delta.CompletionTokens
	total.TotalTokens += delta.TotalTokens
	return total
}

func historyChars(msgs []ai.Message) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Content)
	}
	return n
}
