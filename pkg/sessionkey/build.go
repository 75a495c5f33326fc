package sessionkey

import (
	"fmt"
	"sort"
	"strings"
)

// DMScope controls how direct-message sessions are partitioned.
type DMScope string

const (
	DMScopeMain                  DMScope = "main"
	DMScopePerPeer               DMScope = "per-peer"
	DMScopePerChannelPeer        DMScope = "per-channel-peer"
	DMScopePerAccountChannelPeer DMScope = "per-account-channel-peer"
)

// Valid reports whether s is a known scope. The empty scope is treated as main.
func (s DMScope) Valid() bool {
	switch s {
	case "", DMScopeMain, DMScopePerPeer, DMScopePerChannelPeer, DMScopePerAccountChannelPeer:
		return true
	}
	return false
}

// PeerKind is the conversation type of a peer.
type PeerKind string

const (
	PeerKindDirect  PeerKind = "direct"
	PeerKindGroup   PeerKind = "group"
	PeerKindChannel PeerKind = "channel"
)

// NormalizePeerKind maps raw chat types onto PeerKind. "dm" is an alias of
// direct; unknown kinds yield "".
func NormalizePeerKind(raw string) PeerKind {
	switch normalizeToken(raw) {
	case "direct", "dm":
		return PeerKindDirect
	case "group":
		return PeerKindGroup
	case "channel":
		return PeerKindChannel
	}
	return ""
}

// IdentityLinks maps a canonical identity to its channel-specific aliases.
// An alias is either a bare peer id or "<channel>:<peerId>".
type IdentityLinks map[string][]string

// PeerKeyParams are the inputs to BuildPeer.
type PeerKeyParams struct {
	AgentID       string
	MainKey       string
	Channel       string
	AccountID     string
	PeerKind      PeerKind
	PeerID        string
	DMScope       DMScope
	IdentityLinks IdentityLinks
}

// ThreadKeys is the result of ResolveThreadKeys.
type ThreadKeys struct {
	SessionKey       string
	ParentSessionKey string
}

// BuildMain returns agent:<agentId>:<mainKey>.
func BuildMain(agentID, mainKey string) string {
	return fmt.Sprintf("agent:%s:%s", NormalizeAgentID(agentID), NormalizeMainKey(mainKey))
}

// BuildPeer builds the session key for a peer conversation.
func BuildPeer(p PeerKeyParams) string {
	kind := p.PeerKind
	if kind == "" {
		kind = PeerKindDirect
	}
	agentID := NormalizeAgentID(p.AgentID)

	if kind != PeerKindDirect {
		peerID := strings.TrimSpace(p.PeerID)
		if peerID == "" {
			peerID = "unknown"
		}
		return fmt.Sprintf("agent:%s:%s:%s:%s", agentID, channelToken(p.Channel), kind, strings.ToLower(peerID))
	}

	peerID := strings.TrimSpace(p.PeerID)
	if p.DMScope != "" && p.DMScope != DMScopeMain {
		if linked, ok := resolveLinkedPeerID(p.IdentityLinks, p.Channel, peerID); ok {
			peerID = linked
		}
	}
	peerID = strings.ToLower(peerID)

	if peerID != "" {
		switch p.DMScope {
		case DMScopePerAccountChannelPeer:
			return fmt.Sprintf("agent:%s:%s:%s:direct:%s", agentID, channelToken(p.Channel), NormalizeAccountID(p.AccountID), peerID)
		case DMScopePerChannelPeer:
			return fmt.Sprintf("agent:%s:%s:direct:%s", agentID, channelToken(p.Channel), peerID)
		case DMScopePerPeer:
			return fmt.Sprintf("agent:%s:direct:%s", agentID, peerID)
		}
	}

	return BuildMain(p.AgentID, p.MainKey)
}

func channelToken(channel string) string {
	if token := normalizeToken(channel); token != "" {
		return token
	}
	return "unknown"
}

// resolveLinkedPeerID finds the canonical identity whose aliases contain the
// peer id or its channel-scoped form. Canonical names are scanned in sorted
// order so overlapping aliases resolve deterministically.
func resolveLinkedPeerID(links IdentityLinks, channel, peerID string) (string, bool) {
	if len(links) == 0 || peerID == "" {
		return "", false
	}

	candidates := make(map[string]struct{}, 2)
	if raw := normalizeToken(peerID); raw != "" {
		candidates[raw] = struct{}{}
	}
	if ch := normalizeToken(channel); ch != "" {
		candidates[normalizeToken(ch+":"+peerID)] = struct{}{}
	}

	canonicals := make([]string, 0, len(links))
	for canonical := range links {
		canonicals = append(canonicals, canonical)
	}
	sort.Strings(canonicals)

	for _, canonical := range canonicals {
		name := strings.TrimSpace(canonical)
		if name == "" {
			continue
		}
		for _, alias := range links[canonical] {
			normalized := normalizeToken(alias)
			if normalized == "" {
				continue
			}
			if _, ok := candidates[normalized]; ok {
				return name, true
			}
		}
	}
	return "", false
}

// ResolveThreadKeys appends a :thread:<id> suffix when a thread id is present
// and useSuffix is set. parentKey is passed through untouched.
func ResolveThreadKeys(baseKey, threadID, parentKey string, useSuffix bool) ThreadKeys {
	thread := strings.TrimSpace(threadID)
	if thread == "" {
		return ThreadKeys{SessionKey: baseKey}
	}

	key := baseKey
	if useSuffix {
		key = fmt.Sprintf("%s:thread:%s", baseKey, strings.ToLower(thread))
	}
	return ThreadKeys{SessionKey: key, ParentSessionKey: parentKey}
}

// BuildGroupHistoryKey returns <channel>:<account>:<kind>:<peer>, the key
// under which pending group history is buffered per bot account.
func BuildGroupHistoryKey(channel, accountID string, kind PeerKind, peerID string) string {
	peer := normalizeToken(peerID)
	if peer == "" {
		peer = "unknown"
	}
	return fmt.Sprintf("%s:%s:%s:%s", channelToken(channel), NormalizeAccountID(accountID), kind, peer)
}

// ToStoreKey namespaces a request key under an agent. Empty or main request
// keys map to the agent's main key; agent keys are returned lowercased.
func ToStoreKey(agentID, requestKey, mainKey string) string {
	raw := strings.TrimSpace(requestKey)
	if raw == "" || raw == DefaultMainKey {
		return BuildMain(agentID, mainKey)
	}

	lowered := strings.ToLower(raw)
	if strings.HasPrefix(lowered, "agent:") {
		return lowered
	}
	return fmt.Sprintf("agent:%s:%s", NormalizeAgentID(agentID), lowered)
}

// BuildSubagentKey returns agent:<id>:subagent:<label>.
func BuildSubagentKey(agentID, label string) string {
	return fmt.Sprintf("agent:%s:subagent:%s", NormalizeAgentID(agentID), normalizeSegment(label))
}

// BuildCronRunKey returns agent:<id>:cron:<job>:run:<runId>.
func BuildCronRunKey(agentID, jobName, runID string) string {
	return fmt.Sprintf("agent:%s:cron:%s:run:%s", NormalizeAgentID(agentID), normalizeSegment(jobName), normalizeSegment(runID))
}

// normalizeSegment keeps a single key segment free of separators.
func normalizeSegment(value string) string {
	segment := strings.ReplaceAll(normalizeToken(value), ":", "-")
	if segment == "" {
		return "unknown"
	}
	return segment
}
