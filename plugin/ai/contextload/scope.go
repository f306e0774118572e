// Package contextload assembles the prompt context for a conversation scope
// and caches it on the session with a short TTL.
package contextload

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ScopeType declares the subject of a conversation.
type ScopeType string

const (
	// ScopeGlobal is the cross-project workspace view.
	ScopeGlobal ScopeType = "global"
	// ScopeProject anchors the conversation to one project.
	ScopeProject ScopeType = "project"
	// ScopeProjectAudit is the audit report view of one project.
	ScopeProjectAudit ScopeType = "project_audit"
	// ScopeProjectForecast is the forecast report view of one project.
	ScopeProjectForecast ScopeType = "project_forecast"
	// ScopeDailyBrief anchors the conversation to a point-in-time brief.
	ScopeDailyBrief ScopeType = "daily_brief"
)

// Scope identifies what a conversation is about.
type Scope struct {
	Type     ScopeType `json:"type"`
	EntityID string    `json:"entity_id,omitempty"`
}

// RequiresEntity reports whether the scope type needs a non-empty entity id.
func (s Scope) RequiresEntity() bool {
	switch s.Type {
	case ScopeProject, ScopeProjectAudit, ScopeProjectForecast, ScopeDailyBrief:
		return true
	default:
		return false
	}
}

// Valid reports whether the scope is usable as declared.
func (s Scope) Valid() bool {
	switch s.Type {
	case ScopeGlobal, ScopeProject, ScopeProjectAudit, ScopeProjectForecast, ScopeDailyBrief:
	default:
		return false
	}
	if s.RequiresEntity() && s.EntityID == "" {
		return false
	}
	return true
}

// CacheKey returns a deterministic key for (scope, focus). Two loads with the
// same key may share a cached context.
func (s Scope) CacheKey(focus string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", s.Type, s.EntityID, focus)))
	return hex.EncodeToString(h[:16])
}
