package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/compasshq/compass/internal/observability"
	"github.com/compasshq/compass/store"
)

// Bounds on the carried agent state. The state is a working memory, not a
// transcript; anything beyond these caps is oldest-first evicted.
const (
	maxTrackedEntities = 40
	maxDependencies    = 20
	maxAssumptions     = 12
	maxExpectations    = 12
	maxHypotheses      = 8
	maxStateItems      = 24
)

// TrackedEntity is one entity the agent is keeping in mind across turns.
type TrackedEntity struct {
	ID       string `json:"id"`
	Kind     string `json:"kind,omitempty"`
	Name     string `json:"name,omitempty"`
	LastSeen int64  `json:"last_seen"`
}

// CurrentUnderstanding is the agent's picture of the workspace.
type CurrentUnderstanding struct {
	Entities     []TrackedEntity `json:"entities,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
}

// AgentState is the durable, bounded cross-turn memory carried on a session.
type AgentState struct {
	CurrentUnderstanding CurrentUnderstanding `json:"current_understanding"`
	Assumptions          []string             `json:"assumptions,omitempty"`
	Expectations         []string             `json:"expectations,omitempty"`
	TentativeHypotheses  []string             `json:"tentative_hypotheses,omitempty"`
	Items                []string             `json:"items,omitempty"`
	UpdatedTs            int64                `json:"updated_ts,omitempty"`
}

// Sanitize strips malformed entity references so bad ids never compound
// across turns. Returns the receiver for chaining.
func (s *AgentState) Sanitize() *AgentState {
	if s == nil {
		return nil
	}
	var kept []TrackedEntity
	seen := make(map[string]bool)
	for _, e := range s.CurrentUnderstanding.Entities {
		if !ValidEntityID(e.ID) || seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		kept = append(kept, e)
	}
	s.CurrentUnderstanding.Entities = kept
	return s
}

// TurnOutcome is what one completed turn contributes to the agent state.
type TurnOutcome struct {
	UserMessage   string
	AssistantText string
	ToolResults   []ToolResult
	Shift         *ContextShift
	CompletedAt   time.Time
}

// MergeTurn folds a turn outcome into the prior state. The merge is
// additive: entities and notes from earlier turns survive unless evicted by
// the bounds, so a turn the reconciler missed is not lost on the next run.
func MergeTurn(prior *AgentState, outcome TurnOutcome) *AgentState {
	state := prior
	if state == nil {
		state = &AgentState{}
	}
	state.Sanitize()

	now := outcome.CompletedAt.Unix()
	index := make(map[string]int)
	for i, e := range state.CurrentUnderstanding.Entities {
		index[e.ID] = i
	}

	// Indexes, not pointers: appends below may reallocate the slice.
	observe := func(ref EntityRef) {
		if !ValidEntityID(ref.ID) {
			return
		}
		if i, ok := index[ref.ID]; ok {
			existing := &state.CurrentUnderstanding.Entities[i]
			existing.LastSeen = now
			if existing.Name == "" {
				existing.Name = ref.Name
			}
			if existing.Kind == "" {
				existing.Kind = ref.Kind
			}
			return
		}
		entity := TrackedEntity{ID: ref.ID, Kind: ref.Kind, Name: ref.Name, LastSeen: now}
		if entity.Kind == "" {
			entity.Kind = EntityKind(ref.ID)
		}
		state.CurrentUnderstanding.Entities = append(state.CurrentUnderstanding.Entities, entity)
		index[ref.ID] = len(state.CurrentUnderstanding.Entities) - 1
	}

	for _, res := range outcome.ToolResults {
		if res.SideEffects == nil {
			continue
		}
		for _, ref := range res.SideEffects.EntityUpdates {
			observe(ref)
		}
		for _, id := range res.SideEffects.EntitiesAccessed {
			observe(EntityRef{ID: id})
		}
	}
	if outcome.Shift != nil {
		observe(EntityRef{ID: outcome.Shift.EntityID, Kind: outcome.Shift.EntityType, Name: outcome.Shift.EntityName})
	}

	if item := turnItem(outcome); item != "" {
		state.Items = appendBounded(state.Items, item, maxStateItems)
	}
	if exp := turnExpectation(outcome); exp != "" {
		state.Expectations = appendBounded(state.Expectations, exp, maxExpectations)
	}

	state.Assumptions = capTail(state.Assumptions, maxAssumptions)
	state.TentativeHypotheses = capTail(state.TentativeHypotheses, maxHypotheses)
	state.CurrentUnderstanding.Dependencies = capTail(state.CurrentUnderstanding.Dependencies, maxDependencies)
	state.CurrentUnderstanding.Entities = evictOldest(state.CurrentUnderstanding.Entities, maxTrackedEntities)
	state.UpdatedTs = now
	return state
}

func turnItem(outcome TurnOutcome) string {
	msg := strings.TrimSpace(outcome.UserMessage)
	if msg == "" {
		return ""
	}
	if len(msg) > 120 {
		msg = string([]rune(msg)[:120]) + "..."
	}
	var tools []string
	for _, res := range outcome.ToolResults {
		if res.Success {
			tools = append(tools, res.ToolName)
		}
	}
	if len(tools) == 0 {
		return msg
	}
	return fmt.Sprintf("%s [via %s]", msg, strings.Join(tools, ", "))
}

func turnExpectation(outcome TurnOutcome) string {
	for _, res := range outcome.ToolResults {
		if !res.Success {
			return fmt.Sprintf("tool %s failed and may need a retry", res.ToolName)
		}
	}
	return ""
}

func appendBounded(items []string, item string, limit int) []string {
	for _, existing := range items {
		if existing == item {
			return items
		}
	}
	items = append(items, item)
	return capTail(items, limit)
}

func capTail(items []string, limit int) []string {
	if len(items) <= limit {
		return items
	}
	return items[len(items)-limit:]
}

func evictOldest(entities []TrackedEntity, limit int) []TrackedEntity {
	for len(entities) > limit {
		oldest := 0
		for i, e := range entities {
			if e.LastSeen < entities[oldest].LastSeen {
				oldest = i
			}
		}
		entities = append(entities[:oldest], entities[oldest+1:]...)
	}
	return entities
}

// Reconciler folds completed turns into the session's durable agent state.
// It runs detached from the request path and is allowed to fail; the state
// is an optimization, not a correctness requirement.
type Reconciler struct {
	store    *store.Store
	reporter observability.ErrorReporter
}

// NewReconciler creates a reconciler.
func NewReconciler(st *store.Store, reporter observability.ErrorReporter) *Reconciler {
	if reporter == nil {
		reporter = observability.NewSlogReporter(nil)
	}
	return &Reconciler{store: st, reporter: reporter}
}

// Reconcile re-reads the session, merges the outcome into its agent state
// and writes it back. Errors are reported and swallowed; the session keeps
// its last good state.
func (r *Reconciler) Reconcile(ctx context.Context, sessionID int32, outcome TurnOutcome) {
	report := func(err error, op string) {
		r.reporter.Report(err, observability.ErrorReport{
			Endpoint:      "agent_reconciler",
			OperationType: op,
			Metadata:      map[string]any{"session_id": sessionID},
		})
	}

	session, err := r.store.GetSession(ctx, &store.FindSession{ID: &sessionID})
	if err != nil {
		report(err, "load_session")
		return
	}
	if session == nil {
		return
	}

	meta := ParseAgentMetadata(session.AgentMetadata)
	meta.State = MergeTurn(meta.State, outcome)

	blob, err := meta.Encode()
	if err != nil {
		report(err, "encode_metadata")
		return
	}
	if err := r.store.UpdateSessionMetadata(ctx, sessionID, blob); err != nil {
		report(err, "persist_metadata")
	}
}

// ReconcileAsync runs Reconcile on a detached goroutine with its own
// timeout, never awaited by the request path.
func (r *Reconciler) ReconcileAsync(sessionID int32, outcome TurnOutcome) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		r.Reconcile(ctx, sessionID, outcome)
	}()
}
