package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/compasshq/compass/plugin/ai"
	"github.com/compasshq/compass/plugin/ai/contextload"
)

// ServiceContext carries per-turn state into tool handlers. The effective
// scope reflects any context shift earlier in the same turn.
type ServiceContext struct {
	UserID     int32
	SessionUID string
	Scope      contextload.Scope
}

// Handler executes one tool. args is the raw JSON argument object.
type Handler func(ctx context.Context, svc *ServiceContext, args json.RawMessage) (any, error)

// Definition describes a registered tool.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema for the argument object

	// Keywords gate per-turn selection: when non-empty, the tool is only
	// offered if the user message mentions one of them.
	Keywords []string

	// Scopes restricts the tool to certain context scopes. Empty means the
	// tool is available in every scope.
	Scopes []contextload.ScopeType

	// RequiredScopeParam names an argument that must carry the effective
	// scope's entity id. When the model omits it, the orchestrator injects
	// it before dispatch.
	RequiredScopeParam string
}

// ToolDefinition converts to the model wire form.
func (d *Definition) ToolDefinition() ai.ToolDefinition {
	return ai.ToolDefinition{
		Name:        d.Name,
		Description: d.Description,
		Parameters:  d.Parameters,
	}
}

func (d *Definition) availableIn(scope contextload.ScopeType) bool {
	if len(d.Scopes) == 0 {
		return true
	}
	for _, s := range d.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func (d *Definition) keywordMatch(message string) bool {
	if len(d.Keywords) == 0 {
		return true
	}
	lower := strings.ToLower(message)
	for _, kw := range d.Keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

type registeredTool struct {
	def     Definition
	handler Handler
}

// Registry maps tool names to their schema and handler.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registeredTool)}
}

// Register adds a tool. Duplicate names are rejected.
func (r *Registry) Register(def Definition, handler Handler) error {
	if def.Name == "" {
		return fmt.Errorf("tool definition missing name")
	}
	if handler == nil {
		return fmt.Errorf("tool %s has no handler", def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[def.Name]; ok {
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	r.tools[def.Name] = &registeredTool{def: def, handler: handler}
	return nil
}

// MustRegister registers a tool and panics on conflict. For init-time wiring.
func (r *Registry) MustRegister(def Definition, handler Handler) {
	if err := r.Register(def, handler); err != nil {
		panic(err)
	}
}

func (r *Registry) lookup(name string) (*registeredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// SelectForTurn picks the tools offered to the model for one turn: those
// available in the effective scope whose keywords match the user message.
// The result is name-sorted so identical turns offer identical tool lists.
func (r *Registry) SelectForTurn(scope contextload.ScopeType, message string) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var selected []Definition
	for _, t := range r.tools {
		if !t.def.availableIn(scope) {
			continue
		}
		if !t.def.keywordMatch(message) {
			continue
		}
		selected = append(selected, t.def)
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].Name < selected[j].Name })
	return selected
}

// AllowedNames returns the allow-list for a selected tool set.
func AllowedNames(defs []Definition) map[string]bool {
	allowed := make(map[string]bool, len(defs))
	for _, d := range defs {
		allowed[d.Name] = true
	}
	return allowed
}
