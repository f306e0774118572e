package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/compasshq/compass/internal/observability"
	"github.com/compasshq/compass/plugin/ai"
)

// EntityRef is a compact reference to a touched entity.
type EntityRef struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Name string `json:"name,omitempty"`
}

// SideEffects is the side-channel metadata a tool result carries beyond its
// payload: scope changes and which entities the call touched.
type SideEffects struct {
	ContextShift     *ContextShift  `json:"context_shift,omitempty"`
	EntityCounts     map[string]int `json:"entity_counts,omitempty"`
	EntityUpdates    []EntityRef    `json:"entity_updates,omitempty"`
	EntitiesAccessed []string       `json:"entities_accessed,omitempty"`
}

// SideEffectCarrier is implemented by tool results that declare their side
// effects structurally instead of relying on payload inspection.
type SideEffectCarrier interface {
	ToolSideEffects() *SideEffects
}

// ToolResult is the gateway's normalized outcome of one tool call.
type ToolResult struct {
	ToolCallID  string        `json:"tool_call_id"`
	ToolName    string        `json:"tool_name"`
	Success     bool          `json:"success"`
	Data        any           `json:"data,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"-"`
	DurationMs  int64         `json:"duration_ms"`
	SideEffects *SideEffects  `json:"-"`
}

// Gateway is the uniform execution boundary in front of all tools. Execute
// never panics and never returns an error: every failure mode becomes a
// ToolResult with Success=false.
type Gateway struct {
	registry *Registry
	reporter observability.ErrorReporter
}

// NewGateway creates a tool gateway over a registry.
func NewGateway(registry *Registry, reporter observability.ErrorReporter) *Gateway {
	if reporter == nil {
		reporter = observability.NewSlogReporter(nil)
	}
	return &Gateway{registry: registry, reporter: reporter}
}

// Execute runs one tool call against the turn's allow-listed tool set.
func (g *Gateway) Execute(ctx context.Context, call ai.ToolCall, allowed map[string]bool, svc *ServiceContext) ToolResult {
	result := ToolResult{ToolCallID: call.ID, ToolName: call.Name}
	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
		result.DurationMs = result.Duration.Milliseconds()
	}()

	if !allowed[call.Name] {
		result.Error = fmt.Sprintf("tool %q is not available in this conversation", call.Name)
		return result
	}
	tool, ok := g.registry.lookup(call.Name)
	if !ok {
		result.Error = fmt.Sprintf("unknown tool %q", call.Name)
		return result
	}

	args := call.Arguments
	if args == "" {
		args = "{}"
	}
	if !json.Valid([]byte(args)) {
		result.Error = "malformed tool arguments"
		return result
	}

	data, err := g.invoke(ctx, tool, svc, json.RawMessage(args))
	if err != nil {
		g.reporter.Report(err, observability.ErrorReport{
			Endpoint:      "tool_gateway",
			OperationType: call.Name,
			Metadata:      map[string]any{"tool_call_id": call.ID},
		})
		result.Error = err.Error()
		return result
	}

	result.Success = true
	result.Data = data
	result.SideEffects = extractSideEffects(data)
	return result
}

// invoke contains the tool's error surface. A panicking tool becomes an
// error here so the stream above survives.
func (g *Gateway) invoke(ctx context.Context, tool *registeredTool, svc *ServiceContext, args json.RawMessage) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", tool.def.Name, r)
		}
	}()
	return tool.handler(ctx, svc, args)
}

// extractSideEffects reads side-channel metadata off a tool's return value.
// Results implementing SideEffectCarrier are trusted as-is; anything else is
// scanned for recognizable shapes as a best-effort fallback.
func extractSideEffects(data any) *SideEffects {
	if data == nil {
		return nil
	}
	if carrier, ok := data.(SideEffectCarrier); ok {
		return carrier.ToolSideEffects()
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}

	effects := &SideEffects{}
	found := false

	if rawShift, ok := payload["context_shift"]; ok {
		var shift ContextShift
		if err := json.Unmarshal(rawShift, &shift); err == nil && shift.NewContext != "" {
			effects.ContextShift = &shift
			found = true
		}
	}
	if rawAccessed, ok := payload["_entities_accessed"]; ok {
		var ids []string
		if err := json.Unmarshal(rawAccessed, &ids); err == nil {
			if ids = FilterValidEntityIDs(ids); len(ids) > 0 {
				effects.EntitiesAccessed = ids
				found = true
			}
		}
	}
	for key, value := range payload {
		var items []map[string]any
		if err := json.Unmarshal(value, &items); err != nil || len(items) == 0 {
			continue
		}
		count := 0
		for _, item := range items {
			id, _ := item["id"].(string)
			if !ValidEntityID(id) {
				continue
			}
			count++
			kind, _ := item["entity_type"].(string)
			if kind == "" {
				kind = EntityKind(id)
			}
			name, _ := item["name"].(string)
			if name == "" {
				name, _ = item["title"].(string)
			}
			effects.EntityUpdates = append(effects.EntityUpdates, EntityRef{ID: id, Kind: kind, Name: name})
		}
		if count > 0 {
			if effects.EntityCounts == nil {
				effects.EntityCounts = make(map[string]int)
			}
			effects.EntityCounts[key] = count
			found = true
		}
	}

	if !found {
		return nil
	}
	// Map iteration order is random; keep the refs stable for callers.
	sort.Slice(effects.EntityUpdates, func(i, j int) bool {
		return effects.EntityUpdates[i].ID < effects.EntityUpdates[j].ID
	})
	return effects
}
