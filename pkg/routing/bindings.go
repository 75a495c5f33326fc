package routing

import (
	"sort"
	"strings"

	"github.com/harun/switchboard/pkg/sessionkey"
)

func normalizeBindingChannel(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// concreteAccountID returns the normalized account of a binding, or false for
// empty and wildcard accounts.
func concreteAccountID(match BindingMatch) (string, bool) {
	account := strings.TrimSpace(match.AccountID)
	if account == "" || account == WildcardAccountID {
		return "", false
	}
	return sessionkey.NormalizeAccountID(account), true
}

// ListBoundAccountIDs returns the sorted concrete account ids bound on a channel.
func ListBoundAccountIDs(cfg Config, channel string) []string {
	target := normalizeBindingChannel(channel)
	if target == "" {
		return nil
	}

	seen := make(map[string]struct{})
	for _, binding := range cfg.Bindings {
		if normalizeBindingChannel(binding.Match.Channel) != target {
			continue
		}
		if account, ok := concreteAccountID(binding.Match); ok {
			seen[account] = struct{}{}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ResolveDefaultAgentBoundAccountID returns the first concrete account bound to
// the default agent on a channel.
func ResolveDefaultAgentBoundAccountID(cfg Config, channel string) (string, bool) {
	target := normalizeBindingChannel(channel)
	if target == "" {
		return "", false
	}

	defaultAgent := ResolveDefaultAgentID(cfg)
	for _, binding := range cfg.Bindings {
		if sessionkey.NormalizeAgentID(binding.AgentID) != defaultAgent {
			continue
		}
		if normalizeBindingChannel(binding.Match.Channel) != target {
			continue
		}
		if account, ok := concreteAccountID(binding.Match); ok {
			return account, true
		}
	}
	return "", false
}

// BuildChannelAccountBindings groups concrete account ids by channel and agent.
func BuildChannelAccountBindings(cfg Config) map[string]map[string][]string {
	result := make(map[string]map[string][]string)
	for _, binding := range cfg.Bindings {
		channel := normalizeBindingChannel(binding.Match.Channel)
		if channel == "" {
			continue
		}
		account, ok := concreteAccountID(binding.Match)
		if !ok {
			continue
		}

		agentID := sessionkey.NormalizeAgentID(binding.AgentID)
		byAgent, exists := result[channel]
		if !exists {
			byAgent = make(map[string][]string)
			result[channel] = byAgent
		}
		if !containsString(byAgent[agentID], account) {
			byAgent[agentID] = append(byAgent[agentID], account)
		}
	}
	return result
}

// ResolvePreferredAccountID prefers the first bound account that is among the
// available accountIDs, then the default. A nil accountIDs puts no limit on
// which bound account may be chosen.
func ResolvePreferredAccountID(accountIDs []string, defaultAccountID string, boundAccounts []string) string {
	for _, bound := range boundAccounts {
		if accountIDs == nil || containsString(accountIDs, bound) {
			return bound
		}
	}
	return defaultAccountID
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
