package session

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ChatType classifies the conversation a session belongs to.
type ChatType string

const (
	ChatTypeDirect  ChatType = "direct"
	ChatTypeGroup   ChatType = "group"
	ChatTypeChannel ChatType = "channel"
)

const (
	SendPolicyAllow = "allow"
	SendPolicyDeny  = "deny"

	GroupActivationMention = "mention"
	GroupActivationAlways  = "always"
)

// ThreadID is a platform thread identifier. Some channels use numeric ids,
// so it decodes from either a JSON string or a JSON number.
type ThreadID string

func (t *ThreadID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = ThreadID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*t = ThreadID(n.String())
	return nil
}

// SessionOrigin records where a session was first opened.
type SessionOrigin struct {
	Label     string   `json:"label,omitempty"`
	Provider  string   `json:"provider,omitempty"`
	Surface   string   `json:"surface,omitempty"`
	ChatType  ChatType `json:"chatType,omitempty"`
	From      string   `json:"from,omitempty"`
	To        string   `json:"to,omitempty"`
	AccountID string   `json:"accountId,omitempty"`
	ThreadID  ThreadID `json:"threadId,omitempty"`
}

// SessionEntry is one persisted session record. UpdatedAt is epoch milliseconds.
type SessionEntry struct {
	SessionID   string `json:"sessionId"`
	UpdatedAt   int64  `json:"updatedAt"`
	SessionFile string `json:"sessionFile,omitempty"`
	SpawnedBy   string `json:"spawnedBy,omitempty"`
	Label       string `json:"label,omitempty"`
	DisplayName string `json:"displayName,omitempty"`

	ChatType     ChatType `json:"chatType,omitempty"`
	Channel      string   `json:"channel,omitempty"`
	GroupID      string   `json:"groupId,omitempty"`
	Subject      string   `json:"subject,omitempty"`
	GroupChannel string   `json:"groupChannel,omitempty"`
	Space        string   `json:"space,omitempty"`

	Origin *SessionOrigin `json:"origin,omitempty"`

	LastChannel   string   `json:"lastChannel,omitempty"`
	LastTo        string   `json:"lastTo,omitempty"`
	LastAccountID string   `json:"lastAccountId,omitempty"`
	LastThreadID  ThreadID `json:"lastThreadId,omitempty"`

	AbortedLastRun bool `json:"abortedLastRun,omitempty"`
	SystemSent     bool `json:"systemSent,omitempty"`

	ModelProvider string `json:"modelProvider,omitempty"`
	Model         string `json:"model,omitempty"`
	ContextTokens int64  `json:"contextTokens,omitempty"`

	InputTokens     int64 `json:"inputTokens,omitempty"`
	OutputTokens    int64 `json:"outputTokens,omitempty"`
	TotalTokens     int64 `json:"totalTokens,omitempty"`
	CompactionCount int   `json:"compactionCount,omitempty"`

	ProviderOverride    string `json:"providerOverride,omitempty"`
	ModelOverride       string `json:"modelOverride,omitempty"`
	AuthProfileOverride string `json:"authProfileOverride,omitempty"`

	SendPolicy      string `json:"sendPolicy,omitempty"`
	GroupActivation string `json:"groupActivation,omitempty"`

	Extra map[string]interface{} `json:"extra,omitempty"`
}

// Clone returns a deep copy of the entry.
func (e SessionEntry) Clone() SessionEntry {
	out := e
	if e.Origin != nil {
		origin := *e.Origin
		out.Origin = &origin
	}
	out.Extra = cloneExtra(e.Extra)
	return out
}

// UpdatedTime converts UpdatedAt to a time.Time.
func (e SessionEntry) UpdatedTime() time.Time {
	return time.UnixMilli(e.UpdatedAt)
}

func cloneExtra(extra map[string]interface{}) map[string]interface{} {
	if extra == nil {
		return nil
	}
	// Extra holds decoded JSON, so a JSON round trip is a faithful deep copy.
	data, err := json.Marshal(extra)
	if err != nil {
		out := make(map[string]interface{}, len(extra))
		for k, v := range extra {
			out[k] = v
		}
		return out
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// decodeEntry parses one record. Records without a sessionId or updatedAt,
// or with mistyped fields, are rejected.
func decodeEntry(raw json.RawMessage) (SessionEntry, bool) {
	var probe struct {
		SessionID *string `json:"sessionId"`
		UpdatedAt *int64  `json:"updatedAt"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return SessionEntry{}, false
	}
	if probe.SessionID == nil || *probe.SessionID == "" || probe.UpdatedAt == nil {
		return SessionEntry{}, false
	}

	var entry SessionEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return SessionEntry{}, false
	}
	return entry, true
}

// SessionPatch is a partial update. Nil fields leave the existing value alone.
type SessionPatch struct {
	SessionID   *string
	UpdatedAt   *int64
	SessionFile *string
	SpawnedBy   *string
	Label       *string
	DisplayName *string

	ChatType     *ChatType
	Channel      *string
	GroupID      *string
	Subject      *string
	GroupChannel *string
	Space        *string

	Origin *SessionOrigin

	LastChannel   *string
	LastTo        *string
	LastAccountID *string
	LastThreadID  *ThreadID

	AbortedLastRun *bool
	SystemSent     *bool

	ModelProvider *string
	Model         *string
	ContextTokens *int64

	InputTokens     *int64
	OutputTokens    *int64
	TotalTokens     *int64
	CompactionCount *int

	ProviderOverride    *string
	ModelOverride       *string
	AuthProfileOverride *string

	SendPolicy      *string
	GroupActivation *string

	// Extra replaces the existing map when non-nil.
	Extra map[string]interface{}
}

// MergeEntry applies patch over existing. The session id comes from the
// patch, then the existing entry, then a fresh UUID. UpdatedAt never moves
// backward: it is the max of the existing value, the patch value and now.
func MergeEntry(existing *SessionEntry, patch SessionPatch, now time.Time) SessionEntry {
	var merged SessionEntry
	if existing != nil {
		merged = existing.Clone()
	}

	sessionID := ""
	if patch.SessionID != nil {
		sessionID = *patch.SessionID
	}
	if sessionID == "" && existing != nil {
		sessionID = existing.SessionID
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	updatedAt := now.UnixMilli()
	if existing != nil && existing.UpdatedAt > updatedAt {
		updatedAt = existing.UpdatedAt
	}
	if patch.UpdatedAt != nil && *patch.UpdatedAt > updatedAt {
		updatedAt = *patch.UpdatedAt
	}

	patch.apply(&merged)
	merged.SessionID = sessionID
	merged.UpdatedAt = updatedAt
	return merged
}

func (p SessionPatch) apply(e *SessionEntry) {
	setString(&e.SessionFile, p.SessionFile)
	setString(&e.SpawnedBy, p.SpawnedBy)
	setString(&e.Label, p.Label)
	setString(&e.DisplayName, p.DisplayName)
	if p.ChatType != nil {
		e.ChatType = *p.ChatType
	}
	setString(&e.Channel, p.Channel)
	setString(&e.GroupID, p.GroupID)
	setString(&e.Subject, p.Subject)
	setString(&e.GroupChannel, p.GroupChannel)
	setString(&e.Space, p.Space)
	if p.Origin != nil {
		origin := *p.Origin
		e.Origin = &origin
	}
	setString(&e.LastChannel, p.LastChannel)
	setString(&e.LastTo, p.LastTo)
	setString(&e.LastAccountID, p.LastAccountID)
	if p.LastThreadID != nil {
		e.LastThreadID = *p.LastThreadID
	}
	if p.AbortedLastRun != nil {
		e.AbortedLastRun = *p.AbortedLastRun
	}
	if p.SystemSent != nil {
		e.SystemSent = *p.SystemSent
	}
	setString(&e.ModelProvider, p.ModelProvider)
	setString(&e.Model, p.Model)
	setInt64(&e.ContextTokens, p.ContextTokens)
	setInt64(&e.InputTokens, p.InputTokens)
	setInt64(&e.OutputTokens, p.OutputTokens)
	setInt64(&e.TotalTokens, p.TotalTokens)
	if p.CompactionCount != nil {
		e.CompactionCount = *p.CompactionCount
	}
	setString(&e.ProviderOverride, p.ProviderOverride)
	setString(&e.ModelOverride, p.ModelOverride)
	setString(&e.AuthProfileOverride, p.AuthProfileOverride)
	setString(&e.SendPolicy, p.SendPolicy)
	setString(&e.GroupActivation, p.GroupActivation)
	if p.Extra != nil {
		e.Extra = cloneExtra(p.Extra)
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt64(dst *int64, src *int64) {
	if src != nil {
		*dst = *src
	}
}

// String returns a pointer to s, for building patches.
func String(s string) *string { return &s }

// Int64 returns a pointer to n, for building patches.
func Int64(n int64) *int64 { return &n }

// Bool returns a pointer to b, for building patches.
func Bool(b bool) *bool { return &b }

// FormatThreadID converts a numeric thread id.
func FormatThreadID(id int64) ThreadID {
	return ThreadID(strconv.FormatInt(id, 10))
}
