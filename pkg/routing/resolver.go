package routing

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	"github.com/harun/switchboard/pkg/sessionkey"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Resolver maps inbound message context to an agent and session key.
// Resolution performs no I/O and never fails.
type Resolver struct {
	config        atomic.Pointer[Config]
	stats         *StatisticsTracker
	defaultWarned atomic.Bool
}

// NewResolver creates a resolver over cfg.
func NewResolver(cfg Config) *Resolver {
	observability.EnsureRegistered()

	r := &Resolver{stats: NewStatisticsTracker()}
	r.SetConfig(cfg)
	return r
}

// SetConfig replaces the routing configuration. Calls already in flight keep
// the configuration they started with.
func (r *Resolver) SetConfig(cfg Config) {
	snapshot := cfg
	r.config.Store(&snapshot)
	r.defaultWarned.Store(false)
}

// Config returns the current routing configuration.
func (r *Resolver) Config() Config {
	return *r.config.Load()
}

// Statistics returns the per-tier tracker.
func (r *Resolver) Statistics() *StatisticsTracker {
	return r.stats
}

// normalizedInput is RouteInput after trimming and case folding.
type normalizedInput struct {
	channel    string
	accountID  string
	peer       *Peer
	parentPeer *Peer
	guildID    string
	teamID     string
}

func normalizeInput(in RouteInput) normalizedInput {
	accountID := strings.TrimSpace(in.AccountID)
	if accountID == "" {
		accountID = sessionkey.DefaultAccountID
	}
	return normalizedInput{
		channel:    strings.ToLower(strings.TrimSpace(in.Channel)),
		accountID:  accountID,
		peer:       normalizePeer(in.Peer),
		parentPeer: normalizePeer(in.ParentPeer),
		guildID:    strings.TrimSpace(in.GuildID),
		teamID:     strings.TrimSpace(in.TeamID),
	}
}

func normalizePeer(peer *Peer) *Peer {
	if peer == nil {
		return nil
	}
	kind := sessionkey.NormalizePeerKind(string(peer.Kind))
	if kind == "" && strings.TrimSpace(string(peer.Kind)) == "" {
		kind = sessionkey.PeerKindDirect
	}
	return &Peer{Kind: kind, ID: strings.TrimSpace(peer.ID)}
}

// Resolve returns the route for an inbound message.
func (r *Resolver) Resolve(ctx context.Context, in RouteInput) ResolvedRoute {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"switchboard.routing",
		"routing.resolve",
		attribute.String("channel", in.Channel),
		attribute.String("account_id", in.AccountID),
	)
	defer span.End()

	cfg := r.config.Load()
	input := normalizeInput(in)
	if MultipleDefaultAgents(*cfg) && r.defaultWarned.CompareAndSwap(false, true) {
		log.Warn().Msg("Multiple agents marked default; using the first one")
	}

	agentID, matchedBy := matchBindings(filterBindings(cfg.Bindings, input), input)
	if matchedBy == MatchedByDefault {
		agentID = ResolveDefaultAgentID(*cfg)
	}

	resolvedAgent, known := "", false
	if strings.TrimSpace(agentID) != "" {
		resolvedAgent, known = lookupAgentID(*cfg, agentID)
	}
	if !known {
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Debug().
			Str("agent_id", agentID).
			Str("matched_by", string(matchedBy)).
			Msg("Bound agent not configured, using default agent")
		r.stats.RecordFallback()
		resolvedAgent = ResolveDefaultAgentID(*cfg)
		matchedBy = MatchedByDefault
	}

	route := buildRoute(*cfg, input, resolvedAgent, matchedBy)

	span.SetAttributes(
		attribute.String("agent_id", route.AgentID),
		attribute.String("matched_by", string(route.MatchedBy)),
	)
	r.stats.RecordMatch(route.MatchedBy, route.AgentID)
	observability.RecordRouteResolution(string(route.MatchedBy), !known)

	logger := tracing.LoggerFromContext(tracing.WithAgentID(ctx, route.AgentID), log.Logger)
	logger.Debug().
		Str("channel", route.Channel).
		Str("account_id", route.AccountID).
		Str("session_key", route.SessionKey).
		Str("matched_by", string(route.MatchedBy)).
		Msg("Route resolved")

	return route
}

func buildRoute(cfg Config, input normalizedInput, agentID string, matchedBy MatchedBy) ResolvedRoute {
	params := sessionkey.PeerKeyParams{
		AgentID:       agentID,
		MainKey:       cfg.MainKey,
		Channel:       input.channel,
		AccountID:     input.accountID,
		PeerKind:      sessionkey.PeerKindDirect,
		DMScope:       cfg.DMScope,
		IdentityLinks: cfg.IdentityLinks,
	}
	if input.peer != nil {
		params.PeerKind = input.peer.Kind
		params.PeerID = input.peer.ID
	}

	return ResolvedRoute{
		AgentID:        agentID,
		Channel:        input.channel,
		AccountID:      input.accountID,
		SessionKey:     strings.ToLower(sessionkey.BuildPeer(params)),
		MainSessionKey: strings.ToLower(sessionkey.BuildMain(agentID, cfg.MainKey)),
		MatchedBy:      matchedBy,
	}
}

// filterBindings keeps bindings on the input channel whose account predicate
// accepts the input account.
func filterBindings(bindings []Binding, input normalizedInput) []Binding {
	filtered := make([]Binding, 0, len(bindings))
	for _, binding := range bindings {
		channel := normalizeBindingChannel(binding.Match.Channel)
		if channel == "" || channel != input.channel {
			continue
		}
		if !matchesAccountID(binding.Match.AccountID, input.accountID) {
			continue
		}
		filtered = append(filtered, binding)
	}
	return filtered
}

func matchesAccountID(pattern, actual string) bool {
	trimmed := strings.TrimSpace(pattern)
	switch trimmed {
	case "":
		return actual == sessionkey.DefaultAccountID
	case WildcardAccountID:
		return true
	default:
		return trimmed == actual
	}
}

// matchBindings walks the tiers in priority order; the first matching binding
// in config order wins.
func matchBindings(bindings []Binding, input normalizedInput) (string, MatchedBy) {
	if input.peer != nil {
		for _, b := range bindings {
			if matchesPeer(b.Match, input.peer) {
				return b.AgentID, MatchedByPeer
			}
		}
	}

	if input.parentPeer != nil && input.parentPeer.ID != "" {
		for _, b := range bindings {
			if matchesPeer(b.Match, input.parentPeer) {
				return b.AgentID, MatchedByParentPeer
			}
		}
	}

	if input.guildID != "" {
		for _, b := range bindings {
			if id := strings.TrimSpace(b.Match.GuildID); id != "" && id == input.guildID {
				return b.AgentID, MatchedByGuild
			}
		}
	}

	if input.teamID != "" {
		for _, b := range bindings {
			if id := strings.TrimSpace(b.Match.TeamID); id != "" && id == input.teamID {
				return b.AgentID, MatchedByTeam
			}
		}
	}

	for _, b := range bindings {
		if strings.TrimSpace(b.Match.AccountID) == WildcardAccountID || b.Match.hasScopedPredicate() {
			continue
		}
		return b.AgentID, MatchedByAccount
	}

	for _, b := range bindings {
		if strings.TrimSpace(b.Match.AccountID) != WildcardAccountID || b.Match.hasScopedPredicate() {
			continue
		}
		return b.AgentID, MatchedByChannel
	}

	return "", MatchedByDefault
}

func matchesPeer(match BindingMatch, peer *Peer) bool {
	if match.Peer == nil {
		return false
	}
	kind := sessionkey.NormalizePeerKind(match.Peer.Kind)
	id := strings.TrimSpace(match.Peer.ID)
	if kind == "" || id == "" {
		return false
	}
	return kind == peer.Kind && id == peer.ID
}
