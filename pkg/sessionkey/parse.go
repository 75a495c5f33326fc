package sessionkey

import (
	"regexp"
	"strings"
)

// Shape classifies a raw session key string.
type Shape string

const (
	ShapeMissing        Shape = "missing"
	ShapeAgent          Shape = "agent"
	ShapeMalformedAgent Shape = "malformed_agent"
	ShapeLegacyOrAlias  Shape = "legacy_or_alias"
)

// Parsed is an agent-scoped session key split into its namespace and scope.
type Parsed struct {
	AgentID string
	Rest    string
}

var (
	cronRunRegex = regexp.MustCompile(`^cron:[^:]+:run:[^:]+$`)

	threadMarkers = []string{":thread:", ":topic:"}
)

// Parse splits an agent:<id>:<rest> key. Empty segments are ignored and at
// least three must remain.
func Parse(key string) (Parsed, bool) {
	raw := strings.TrimSpace(key)
	if raw == "" {
		return Parsed{}, false
	}

	parts := make([]string, 0, 4)
	for _, part := range strings.Split(raw, ":") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) < 3 || parts[0] != "agent" {
		return Parsed{}, false
	}

	agentID := strings.TrimSpace(parts[1])
	rest := strings.Join(parts[2:], ":")
	if agentID == "" || rest == "" {
		return Parsed{}, false
	}

	return Parsed{AgentID: agentID, Rest: rest}, true
}

// ClassifyShape reports how a key should be treated without repairing it.
func ClassifyShape(key string) Shape {
	raw := strings.TrimSpace(key)
	if raw == "" {
		return ShapeMissing
	}
	if _, ok := Parse(raw); ok {
		return ShapeAgent
	}
	if strings.HasPrefix(strings.ToLower(raw), "agent:") {
		return ShapeMalformedAgent
	}
	return ShapeLegacyOrAlias
}

// IsSubagentKey matches subagent:... and agent:<id>:subagent:... keys.
func IsSubagentKey(key string) bool {
	return hasScopePrefix(key, "subagent:")
}

// IsAcpKey matches acp:... and agent:<id>:acp:... keys.
func IsAcpKey(key string) bool {
	return hasScopePrefix(key, "acp:")
}

// IsCronRunKey matches agent:<id>:cron:<name>:run:<id>.
func IsCronRunKey(key string) bool {
	parsed, ok := Parse(key)
	if !ok {
		return false
	}
	return cronRunRegex.MatchString(strings.ToLower(parsed.Rest))
}

func hasScopePrefix(key, prefix string) bool {
	raw := strings.TrimSpace(key)
	if raw == "" {
		return false
	}
	if strings.HasPrefix(strings.ToLower(raw), prefix) {
		return true
	}
	if parsed, ok := Parse(raw); ok {
		return strings.HasPrefix(strings.ToLower(parsed.Rest), prefix)
	}
	return false
}

// ResolveThreadParent returns the key before the last :thread: or :topic:
// marker. A marker at the start of the key has no parent.
func ResolveThreadParent(key string) (string, bool) {
	raw := strings.TrimSpace(key)
	if raw == "" {
		return "", false
	}

	lowered := strings.ToLower(raw)
	idx := -1
	for _, marker := range threadMarkers {
		if candidate := strings.LastIndex(lowered, marker); candidate > idx {
			idx = candidate
		}
	}
	if idx <= 0 {
		return "", false
	}

	parent := strings.TrimSpace(raw[:idx])
	if parent == "" {
		return "", false
	}
	return parent, true
}

// ResolveAgentIDFromKey returns the normalized agent namespace of a key,
// or DefaultAgentID when the key is not agent-scoped.
func ResolveAgentIDFromKey(key string) string {
	if parsed, ok := Parse(key); ok {
		return NormalizeAgentID(parsed.AgentID)
	}
	return DefaultAgentID
}

// ToRequestKey strips the agent namespace from a store key. Keys that are not
// agent-scoped are returned as-is; empty input is absent.
func ToRequestKey(storeKey string) (string, bool) {
	raw := strings.TrimSpace(storeKey)
	if raw == "" {
		return "", false
	}
	if parsed, ok := Parse(raw); ok {
		return parsed.Rest, true
	}
	return raw, true
}
