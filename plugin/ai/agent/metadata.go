package agent

import (
	"encoding/json"

	"github.com/compasshq/compass/plugin/ai/contextload"
)

// AgentMetadata is the schema of a session's agent_metadata blob. The store
// treats the blob as opaque text; this package owns its shape.
type AgentMetadata struct {
	State        *AgentState             `json:"agent_state,omitempty"`
	ContextCache *contextload.CacheEntry `json:"context_cache,omitempty"`
}

// ParseAgentMetadata decodes a session's metadata blob. Undecodable blobs
// yield a fresh empty metadata rather than an error so one bad write cannot
// brick a session.
func ParseAgentMetadata(blob string) *AgentMetadata {
	meta := &AgentMetadata{}
	if blob == "" || blob == "{}" {
		return meta
	}
	if err := json.Unmarshal([]byte(blob), meta); err != nil {
		return &AgentMetadata{}
	}
	return meta
}

// Encode serializes the metadata back into its session blob form.
func (m *AgentMetadata) Encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
