package routing

import (
	"strings"

	"github.com/harun/switchboard/pkg/sessionkey"
)

// ListAgentIDs returns the normalized, de-duplicated agent ids in config
// order. An empty agent list yields the default agent id.
func ListAgentIDs(cfg Config) []string {
	seen := make(map[string]struct{}, len(cfg.Agents))
	ids := make([]string, 0, len(cfg.Agents))
	for _, agent := range cfg.Agents {
		id := sessionkey.NormalizeAgentID(agent.ID)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return []string{sessionkey.DefaultAgentID}
	}
	return ids
}

// ResolveDefaultAgentID picks the first agent flagged default, else the first
// agent, else the well-known default id.
func ResolveDefaultAgentID(cfg Config) string {
	if len(cfg.Agents) == 0 {
		return sessionkey.DefaultAgentID
	}

	chosen := cfg.Agents[0]
	for _, agent := range cfg.Agents {
		if agent.Default {
			chosen = agent
			break
		}
	}

	id := strings.TrimSpace(chosen.ID)
	if id == "" {
		id = sessionkey.DefaultAgentID
	}
	return sessionkey.NormalizeAgentID(id)
}

// MultipleDefaultAgents reports whether more than one agent is flagged default.
func MultipleDefaultAgents(cfg Config) bool {
	count := 0
	for _, agent := range cfg.Agents {
		if agent.Default {
			count++
		}
	}
	return count > 1
}

// ResolveSessionAgentID returns the agent namespace of a session key,
// falling back to the configured default agent.
func ResolveSessionAgentID(cfg Config, sessionKey string) string {
	key := strings.ToLower(strings.TrimSpace(sessionKey))
	if key != "" {
		if parsed, ok := sessionkey.Parse(key); ok {
			return sessionkey.NormalizeAgentID(parsed.AgentID)
		}
	}
	return ResolveDefaultAgentID(cfg)
}

// lookupAgentID returns the configured agent matching agentID after
// normalization.
func lookupAgentID(cfg Config, agentID string) (string, bool) {
	normalized := sessionkey.NormalizeAgentID(agentID)
	for _, id := range ListAgentIDs(cfg) {
		if id == normalized {
			return id, true
		}
	}
	return "", false
}
