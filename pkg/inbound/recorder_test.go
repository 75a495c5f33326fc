package inbound

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/switchboard/pkg/routing"
	"github.com/harun/switchboard/pkg/session"
	"github.com/harun/switchboard/pkg/sessionkey"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T, cfg routing.Config, policy session.ResetPolicy) (*Recorder, *session.Manager) {
	t.Helper()
	store := session.NewManager()
	path := filepath.Join(t.TempDir(), "sessions.json")
	return NewRecorder(routing.NewResolver(cfg), store, path, policy), store
}

func TestRecorder_RecordCreatesSession(t *testing.T) {
	cfg := routing.Config{
		Agents:   []routing.Agent{{ID: "main", Default: true}, {ID: "support"}},
		Bindings: []routing.Binding{{AgentID: "support", Match: routing.BindingMatch{Channel: "telegram", AccountID: "*"}}},
		DMScope:  sessionkey.DMScopePerChannelPeer,
	}
	rec, store := newTestRecorder(t, cfg, session.ResetPolicy{})
	ctx := context.Background()

	res, err := rec.Record(ctx, Message{
		Channel:     "telegram",
		AccountID:   "bot1",
		Peer:        &routing.Peer{Kind: sessionkey.PeerKindDirect, ID: "42"},
		From:        "alice",
		DisplayName: "Alice",
	})
	require.NoError(t, err)

	assert.True(t, res.IsNewSession)
	assert.Equal(t, "support", res.Route.AgentID)
	assert.Equal(t, routing.MatchedByChannel, res.Route.MatchedBy)
	assert.Equal(t, "agent:support:telegram:direct:42", res.SessionKey)
	assert.Empty(t, res.ParentSessionKey)

	entry := res.Entry
	assert.NotEmpty(t, entry.SessionID)
	assert.Equal(t, session.ChatTypeDirect, entry.ChatType)
	assert.Equal(t, "telegram", entry.LastChannel)
	assert.Equal(t, "bot1", entry.LastAccountID)
	assert.Equal(t, "42", entry.LastTo)
	assert.Equal(t, "Alice", entry.DisplayName)
	require.NotNil(t, entry.Origin)
	assert.Equal(t, "alice", entry.Origin.From)
	assert.Equal(t, "telegram", entry.Origin.Provider)

	stored, ok := store.Get(ctx, rec.StorePath(), res.SessionKey)
	require.True(t, ok)
	assert.Equal(t, entry, stored)
}

func TestRecorder_RecordReusesSession(t *testing.T) {
	rec, _ := newTestRecorder(t, routing.Config{DMScope: sessionkey.DMScopePerPeer}, session.ResetPolicy{})
	ctx := context.Background()
	msg := Message{Channel: "telegram", Peer: &routing.Peer{Kind: sessionkey.PeerKindDirect, ID: "7"}, From: "first"}

	first, err := rec.Record(ctx, msg)
	require.NoError(t, err)

	msg.From = "second"
	second, err := rec.Record(ctx, msg)
	require.NoError(t, err)

	assert.False(t, second.IsNewSession)
	assert.Equal(t, first.Entry.SessionID, second.Entry.SessionID)
	assert.Equal(t, "first", second.Entry.Origin.From)
}

func TestRecorder_RecordThreadAndGroup(t *testing.T) {
	rec, _ := newTestRecorder(t, routing.Config{}, session.ResetPolicy{})

	res, err := rec.Record(context.Background(), Message{
		Channel:  "discord",
		Peer:     &routing.Peer{Kind: sessionkey.PeerKindChannel, ID: "Room1"},
		GuildID:  "g1",
		ThreadID: "T99",
		Subject:  "release",
	})
	require.NoError(t, err)

	assert.Equal(t, "agent:main:discord:channel:room1:thread:t99", res.SessionKey)
	assert.Equal(t, "agent:main:discord:channel:room1", res.ParentSessionKey)
	assert.Equal(t, session.ChatTypeChannel, res.Entry.ChatType)
	assert.Equal(t, "Room1", res.Entry.GroupID)
	assert.Equal(t, "g1", res.Entry.Space)
	assert.Equal(t, "release", res.Entry.Subject)
	assert.Equal(t, session.ThreadID("T99"), res.Entry.LastThreadID)
	assert.Empty(t, res.Entry.SpawnedBy)
}

func TestRecorder_StaleSessionGetsNewID(t *testing.T) {
	now := time.Now()
	rec, _ := newTestRecorder(t, routing.Config{}, session.ResetPolicy{Mode: session.ResetIdle, IdleMinutes: 30})
	rec.now = func() time.Time { return now }
	ctx := context.Background()
	msg := Message{Channel: "telegram"}

	first, err := rec.Record(ctx, msg)
	require.NoError(t, err)
	_, err = rec.store.UpdateEntry(ctx, rec.StorePath(), first.SessionKey, session.SessionPatch{Label: session.String("keep-me")})
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	fresh, err := rec.Record(ctx, msg)
	require.NoError(t, err)
	assert.False(t, fresh.IsNewSession)
	assert.Equal(t, first.Entry.SessionID, fresh.Entry.SessionID)

	now = now.Add(2 * time.Hour)
	reset, err := rec.Record(ctx, msg)
	require.NoError(t, err)
	assert.True(t, reset.IsNewSession)
	assert.NotEqual(t, first.Entry.SessionID, reset.Entry.SessionID)
	assert.Equal(t, "keep-me", reset.Entry.Label)
}

func TestRecorder_RecordUsage(t *testing.T) {
	rec, _ := newTestRecorder(t, routing.Config{}, session.ResetPolicy{})
	ctx := context.Background()

	res, err := rec.Record(ctx, Message{Channel: "telegram"})
	require.NoError(t, err)

	_, err = rec.RecordUsage(ctx, res.SessionKey, Usage{InputTokens: 10, OutputTokens: 5, ContextTokens: 100, Model: "m1", Provider: "p1"})
	require.NoError(t, err)
	entry, err := rec.RecordUsage(ctx, res.SessionKey, Usage{InputTokens: 1, OutputTokens: 2})
	require.NoError(t, err)

	assert.Equal(t, int64(11), entry.InputTokens)
	assert.Equal(t, int64(7), entry.OutputTokens)
	assert.Equal(t, int64(18), entry.TotalTokens)
	assert.Equal(t, int64(100), entry.ContextTokens)
	assert.Equal(t, "m1", entry.Model)
	assert.Equal(t, "p1", entry.ModelProvider)
	assert.Equal(t, res.Entry.SessionID, entry.SessionID)

	_, err = rec.RecordUsage(ctx, "  ", Usage{})
	assert.ErrorIs(t, err, ErrEmptySessionKey)
}

func TestRecorder_RecordUsageLogsTotals(t *testing.T) {
	var buf bytes.Buffer
	previous := log.Logger
	log.Logger = zerolog.New(&buf).Level(zerolog.DebugLevel)
	t.Cleanup(func() { log.Logger = previous })

	rec, _ := newTestRecorder(t, routing.Config{}, session.ResetPolicy{})
	ctx := context.Background()

	res, err := rec.Record(ctx, Message{Channel: "telegram"})
	require.NoError(t, err)
	_, err = rec.RecordUsage(ctx, res.SessionKey, Usage{InputTokens: 3, OutputTokens: 4})
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "Usage recorded")
	assert.Contains(t, buf.String(), `"total_tokens":7`)
	assert.Contains(t, buf.String(), `"session_key":"`+res.SessionKey+`"`)
}
