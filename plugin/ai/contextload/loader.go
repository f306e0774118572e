package contextload

import (
	"context"
	"time"

	"github.com/compasshq/compass/internal/observability"
)

// CacheVersion is the schema version of cached context entries. Bump it when
// the PromptContext shape changes so stale entries are rebuilt, not decoded.
const CacheVersion = 2

// DefaultTTL is the freshness window for cached context entries.
const DefaultTTL = 5 * time.Minute

// PromptContext is the assembled context handed to the prompt builder.
type PromptContext struct {
	Scope       Scope          `json:"scope"`
	DisplayName string         `json:"display_name,omitempty"`
	Preamble    string         `json:"preamble,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Focus       string         `json:"focus,omitempty"`
	Degraded    bool           `json:"degraded,omitempty"`
}

// CacheEntry is a context snapshot carried on session metadata.
type CacheEntry struct {
	Version   int            `json:"version"`
	Key       string         `json:"key"`
	CreatedAt int64          `json:"created_at"`
	Context   *PromptContext `json:"context"`
}

// SnapshotFetcher fetches a fresh domain snapshot for a scope.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, scope Scope, focus string) (*PromptContext, error)
}

// Loader resolves prompt contexts, consulting a session-carried cache entry
// before fetching.
type Loader struct {
	fetcher  SnapshotFetcher
	reporter observability.ErrorReporter
	ttl      time.Duration
	now      func() time.Time
}

// NewLoader creates a context loader. A zero ttl uses DefaultTTL.
func NewLoader(fetcher SnapshotFetcher, reporter observability.ErrorReporter, ttl time.Duration) *Loader {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if reporter == nil {
		reporter = observability.NewSlogReporter(nil)
	}
	return &Loader{
		fetcher:  fetcher,
		reporter: reporter,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Load returns the prompt context for the scope. cached is the session's
// current cache entry, or nil. The returned entry is the one the caller
// should persist back onto the session; fromCache reports whether the
// cached entry was reused without a fetch.
//
// A failed fetch never fails the turn. The loader reports the error and
// returns a degraded empty context instead.
func (l *Loader) Load(ctx context.Context, scope Scope, focus string, cached *CacheEntry) (pc *PromptContext, entry *CacheEntry, fromCache bool) {
	key := scope.CacheKey(focus)

	if l.usable(cached, key) {
		return cached.Context, cached, true
	}

	fresh, err := l.fetcher.FetchSnapshot(ctx, scope, focus)
	if err != nil {
		l.reporter.Report(err, observability.ErrorReport{
			Endpoint:      "context_loader",
			OperationType: "fetch_snapshot",
			Metadata: map[string]any{
				"scope_type": string(scope.Type),
				"entity_id":  scope.EntityID,
			},
		})
		degraded := &PromptContext{Scope: scope, Focus: focus, Degraded: true}
		// Degraded contexts are not cached so the next turn retries the fetch.
		return degraded, cached, false
	}
	if fresh == nil {
		fresh = &PromptContext{Scope: scope, Focus: focus}
	}
	fresh.Scope = scope
	if focus != "" {
		fresh.Focus = focus
	}

	entry = &CacheEntry{
		Version:   CacheVersion,
		Key:       key,
		CreatedAt: l.now().Unix(),
		Context:   fresh,
	}
	return fresh, entry, false
}

func (l *Loader) usable(cached *CacheEntry, key string) bool {
	if cached == nil || cached.Context == nil {
		return false
	}
	if cached.Version != CacheVersion || cached.Key != key {
		return false
	}
	age := l.now().Unix() - cached.CreatedAt
	return age >= 0 && time.Duration(age)*time.Second < l.ttl
}
