// Package inbound ties route resolution to the session store for one
// inbound message: resolve the agent and session key, then record the
// message's chat context against that key.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harun/switchboard/internal/tracing"
	"github.com/harun/switchboard/pkg/routing"
	"github.com/harun/switchboard/pkg/session"
	"github.com/harun/switchboard/pkg/sessionkey"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ErrEmptySessionKey is returned when usage is recorded without a key.
var ErrEmptySessionKey = errors.New("session key is required")

// RouteResolver resolves inbound context to a route.
type RouteResolver interface {
	Resolve(ctx context.Context, in routing.RouteInput) routing.ResolvedRoute
}

// Message is the channel-agnostic view of an inbound message.
type Message struct {
	Channel     string
	AccountID   string
	Peer        *routing.Peer
	ParentPeer  *routing.Peer
	GuildID     string
	TeamID      string
	ThreadID    string
	From        string
	To          string
	DisplayName string
	Subject     string
	Provider    string
}

// Result is what Record hands to the agent pipeline.
type Result struct {
	Route            routing.ResolvedRoute `json:"route"`
	SessionKey       string                `json:"sessionKey"`
	ParentSessionKey string                `json:"parentSessionKey,omitempty"`
	Entry            session.SessionEntry  `json:"entry"`
	IsNewSession     bool                  `json:"isNewSession"`
}

// Usage is the token accounting for one agent turn.
type Usage struct {
	InputTokens   int64
	OutputTokens  int64
	ContextTokens int64
	Model         string
	Provider      string
}

// Recorder records inbound messages into a session store.
type Recorder struct {
	resolver    RouteResolver
	store       *session.Manager
	storePath   string
	resetPolicy session.ResetPolicy
	now         func() time.Time
}

// NewRecorder creates a recorder writing to storePath.
func NewRecorder(resolver RouteResolver, store *session.Manager, storePath string, resetPolicy session.ResetPolicy) *Recorder {
	return &Recorder{
		resolver:    resolver,
		store:       store,
		storePath:   storePath,
		resetPolicy: resetPolicy,
		now:         time.Now,
	}
}

// StorePath returns the store file the recorder writes to.
func (r *Recorder) StorePath() string {
	return r.storePath
}

// Record resolves msg and merges its chat context into the session record.
// A record that is stale under the reset policy starts over with a new
// session id.
func (r *Recorder) Record(ctx context.Context, msg Message) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewInboundContext(ctx, msg.Channel)
	}
	ctx, span := tracing.StartSpan(ctx, "switchboard.inbound", "inbound.record", attribute.String("channel", msg.Channel))
	defer span.End()

	route := r.resolver.Resolve(ctx, routing.RouteInput{
		Channel:    msg.Channel,
		AccountID:  msg.AccountID,
		Peer:       msg.Peer,
		ParentPeer: msg.ParentPeer,
		GuildID:    msg.GuildID,
		TeamID:     msg.TeamID,
	})

	keys := sessionkey.ResolveThreadKeys(route.SessionKey, msg.ThreadID, route.SessionKey, true)
	ctx = tracing.WithSessionKey(tracing.WithAgentID(ctx, route.AgentID), keys.SessionKey)
	span.SetAttributes(attribute.String("session_key", keys.SessionKey))
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	type outcome struct {
		entry session.SessionEntry
		isNew bool
	}
	out, err := session.Update(ctx, r.store, r.storePath, func(records map[string]session.SessionEntry) (outcome, error) {
		now := r.now()
		var existing *session.SessionEntry
		if current, ok := records[keys.SessionKey]; ok {
			existing = &current
		}

		isNew := existing == nil
		if existing != nil && !session.EvaluateFreshness(existing.UpdatedAt, r.resetPolicy, now).Fresh {
			existing = carryOver(*existing)
			isNew = true
		}

		patch := messagePatch(route, msg)
		if isNew {
			patch.Origin = messageOrigin(route, msg)
		}

		merged := session.MergeEntry(existing, patch, now)
		records[keys.SessionKey] = merged
		return outcome{entry: merged.Clone(), isNew: isNew}, nil
	}, session.SaveOptions{})
	if err != nil {
		return Result{}, tracing.RecordError(span, fmt.Errorf("failed to record inbound message: %w", err))
	}

	if out.isNew {
		logger.Info().
			Str("session_id", out.entry.SessionID).
			Str("matched_by", string(route.MatchedBy)).
			Msg("Session started")
	}

	return Result{
		Route:            route,
		SessionKey:       keys.SessionKey,
		ParentSessionKey: keys.ParentSessionKey,
		Entry:            out.entry,
		IsNewSession:     out.isNew,
	}, nil
}

// RecordUsage adds a turn's token counts to the session record at key.
func (r *Recorder) RecordUsage(ctx context.Context, key string, usage Usage) (session.SessionEntry, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return session.SessionEntry{}, ErrEmptySessionKey
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, key)
	ctx, span := tracing.StartSpan(ctx, "switchboard.inbound", "inbound.record_usage", attribute.String("session_key", key))
	defer span.End()

	entry, err := session.Update(ctx, r.store, r.storePath, func(records map[string]session.SessionEntry) (session.SessionEntry, error) {
		var existing *session.SessionEntry
		if current, ok := records[key]; ok {
			existing = &current
		}

		var input, output, total int64
		if existing != nil {
			input, output, total = existing.InputTokens, existing.OutputTokens, existing.TotalTokens
		}
		patch := session.SessionPatch{
			InputTokens:  session.Int64(input + usage.InputTokens),
			OutputTokens: session.Int64(output + usage.OutputTokens),
			TotalTokens:  session.Int64(total + usage.InputTokens + usage.OutputTokens),
		}
		if usage.ContextTokens > 0 {
			patch.ContextTokens = session.Int64(usage.ContextTokens)
		}
		if usage.Model != "" {
			patch.Model = session.String(usage.Model)
		}
		if usage.Provider != "" {
			patch.ModelProvider = session.String(usage.Provider)
		}

		merged := session.MergeEntry(existing, patch, r.now())
		records[key] = merged
		return merged.Clone(), nil
	}, session.SaveOptions{})
	if err != nil {
		return session.SessionEntry{}, tracing.RecordError(span, fmt.Errorf("failed to record usage: %w", err))
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Int64("input_tokens", usage.InputTokens).
		Int64("output_tokens", usage.OutputTokens).
		Int64("total_tokens", entry.TotalTokens).
		Msg("Usage recorded")

	return entry, nil
}

// carryOver starts a fresh record that keeps user-chosen settings.
func carryOver(stale session.SessionEntry) *session.SessionEntry {
	return &session.SessionEntry{
		SessionID:           uuid.New().String(),
		UpdatedAt:           stale.UpdatedAt,
		Label:               stale.Label,
		ProviderOverride:    stale.ProviderOverride,
		ModelOverride:       stale.ModelOverride,
		AuthProfileOverride: stale.AuthProfileOverride,
		SendPolicy:          stale.SendPolicy,
		GroupActivation:     stale.GroupActivation,
	}
}

func chatTypeOf(peer *routing.Peer) session.ChatType {
	if peer == nil {
		return session.ChatTypeDirect
	}
	switch peer.Kind {
	case sessionkey.PeerKindGroup:
		return session.ChatTypeGroup
	case sessionkey.PeerKindChannel:
		return session.ChatTypeChannel
	default:
		return session.ChatTypeDirect
	}
}

func messagePatch(route routing.ResolvedRoute, msg Message) session.SessionPatch {
	chatType := chatTypeOf(msg.Peer)
	patch := session.SessionPatch{
		ChatType:      &chatType,
		Channel:       session.String(route.Channel),
		LastChannel:   session.String(route.Channel),
		LastAccountID: session.String(route.AccountID),
	}

	to := strings.TrimSpace(msg.To)
	if to == "" && msg.Peer != nil {
		to = strings.TrimSpace(msg.Peer.ID)
	}
	if to != "" {
		patch.LastTo = session.String(to)
	}

	thread := session.ThreadID(strings.TrimSpace(msg.ThreadID))
	patch.LastThreadID = &thread

	if chatType != session.ChatTypeDirect && msg.Peer != nil {
		patch.GroupID = session.String(strings.TrimSpace(msg.Peer.ID))
	}
	if s := strings.TrimSpace(msg.Subject); s != "" {
		patch.Subject = session.String(s)
	}
	if s := strings.TrimSpace(msg.DisplayName); s != "" {
		patch.DisplayName = session.String(s)
	}
	if s := strings.TrimSpace(msg.GuildID); s != "" {
		patch.Space = session.String(s)
	} else if s := strings.TrimSpace(msg.TeamID); s != "" {
		patch.Space = session.String(s)
	}
	if msg.ParentPeer != nil && strings.TrimSpace(msg.ParentPeer.ID) != "" {
		patch.GroupChannel = session.String(strings.TrimSpace(msg.ParentPeer.ID))
	}
	return patch
}

func messageOrigin(route routing.ResolvedRoute, msg Message) *session.SessionOrigin {
	provider := strings.TrimSpace(msg.Provider)
	if provider == "" {
		provider = route.Channel
	}
	return &session.SessionOrigin{
		Label:     strings.TrimSpace(msg.DisplayName),
		Provider:  provider,
		Surface:   route.Channel,
		ChatType:  chatTypeOf(msg.Peer),
		From:      strings.TrimSpace(msg.From),
		To:        strings.TrimSpace(msg.To),
		AccountID: route.AccountID,
		ThreadID:  session.ThreadID(strings.TrimSpace(msg.ThreadID)),
	}
}
