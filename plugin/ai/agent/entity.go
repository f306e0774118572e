package agent

import "strings"

// Entity id prefixes the workspace issues. An id is prefix + opaque suffix.
var entityPrefixes = map[string]string{
	"proj_":  "project",
	"task_":  "task",
	"goal_":  "goal",
	"plan_":  "plan",
	"doc_":   "document",
	"brief_": "brief",
}

const maxEntityIDLength = 64

// ValidEntityID reports whether id is a well-formed workspace entity id.
// Malformed ids are dropped rather than forwarded to the model, so a
// hallucinated or truncated id never poisons future turns.
func ValidEntityID(id string) bool {
	if id == "" || len(id) > maxEntityIDLength {
		return false
	}
	var suffix string
	for prefix := range entityPrefixes {
		if strings.HasPrefix(id, prefix) {
			suffix = id[len(prefix):]
			break
		}
	}
	if suffix == "" {
		return false
	}
	for _, r := range suffix {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

// EntityKind classifies an id by its prefix. This is a best-effort hint for
// unlabeled ids found in tool payloads, not a source of truth; returns ""
// when the id is malformed or the prefix is unknown.
func EntityKind(id string) string {
	if !ValidEntityID(id) {
		return ""
	}
	for prefix, kind := range entityPrefixes {
		if strings.HasPrefix(id, prefix) {
			return kind
		}
	}
	return ""
}

// FilterValidEntityIDs drops malformed ids, preserving order and uniqueness.
func FilterValidEntityIDs(ids []string) []string {
	var out []string
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !ValidEntityID(id) || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
