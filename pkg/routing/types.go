package routing

import (
	"strings"

	"github.com/harun/switchboard/pkg/sessionkey"
)

// MatchedBy names the binding tier that produced a route.
type MatchedBy string

const (
	MatchedByPeer       MatchedBy = "binding.peer"
	MatchedByParentPeer MatchedBy = "binding.peer.parent"
	MatchedByGuild      MatchedBy = "binding.guild"
	MatchedByTeam       MatchedBy = "binding.team"
	MatchedByAccount    MatchedBy = "binding.account"
	MatchedByChannel    MatchedBy = "binding.channel"
	MatchedByDefault    MatchedBy = "default"
)

// Tiers lists every MatchedBy value in priority order.
var Tiers = []MatchedBy{
	MatchedByPeer,
	MatchedByParentPeer,
	MatchedByGuild,
	MatchedByTeam,
	MatchedByAccount,
	MatchedByChannel,
	MatchedByDefault,
}

// WildcardAccountID matches any account in a binding.
const WildcardAccountID = "*"

// Peer identifies the remote side of a conversation.
type Peer struct {
	Kind sessionkey.PeerKind `json:"kind"`
	ID   string              `json:"id"`
}

// Agent is a configured agent as seen by the resolver.
type Agent struct {
	ID      string `json:"id"`
	Default bool   `json:"default,omitempty"`
}

// BindingPeer is the peer predicate of a binding. Kind accepts the "dm" alias.
type BindingPeer struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// BindingMatch is the predicate half of a binding.
type BindingMatch struct {
	Channel   string       `json:"channel"`
	AccountID string       `json:"account_id,omitempty"`
	Peer      *BindingPeer `json:"peer,omitempty"`
	GuildID   string       `json:"guild_id,omitempty"`
	TeamID    string       `json:"team_id,omitempty"`
}

// Binding routes messages matching Match to AgentID.
type Binding struct {
	AgentID string       `json:"agent_id"`
	Match   BindingMatch `json:"match"`
}

func (m BindingMatch) hasPeer() bool {
	return m.Peer != nil && (strings.TrimSpace(m.Peer.Kind) != "" || strings.TrimSpace(m.Peer.ID) != "")
}

// hasScopedPredicate reports whether the binding narrows beyond channel and account.
func (m BindingMatch) hasScopedPredicate() bool {
	return m.hasPeer() || strings.TrimSpace(m.GuildID) != "" || strings.TrimSpace(m.TeamID) != ""
}

// Config is the static routing configuration. It is never mutated by the resolver.
type Config struct {
	Agents        []Agent                  `json:"agents"`
	Bindings      []Binding                `json:"bindings"`
	DMScope       sessionkey.DMScope       `json:"dm_scope"`
	MainKey       string                   `json:"main_key"`
	IdentityLinks sessionkey.IdentityLinks `json:"identity_links"`
}

// RouteInput is the inbound context to resolve.
type RouteInput struct {
	Channel    string
	AccountID  string
	Peer       *Peer
	ParentPeer *Peer
	GuildID    string
	TeamID     string
}

// ResolvedRoute is the resolver's output for a single inbound message.
type ResolvedRoute struct {
	AgentID        string    `json:"agentId"`
	Channel        string    `json:"channel"`
	AccountID      string    `json:"accountId"`
	SessionKey     string    `json:"sessionKey"`
	MainSessionKey string    `json:"mainSessionKey"`
	MatchedBy      MatchedBy `json:"matchedBy"`
}
