package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/switchboard/pkg/routing"
	"github.com/harun/switchboard/pkg/session"
	"github.com/harun/switchboard/pkg/sessionkey"
)

// ErrInvalidConfig wraps every semantic validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config represents the switchboard configuration
type Config struct {
	Agents    []AgentConfig   `json:"agents" mapstructure:"agents"`
	Bindings  []BindingConfig `json:"bindings" mapstructure:"bindings"`
	Session   SessionConfig   `json:"session" mapstructure:"session"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Telemetry TelemetryConfig `json:"telemetry" mapstructure:"telemetry"`
	DataDir   string          `json:"data_dir" mapstructure:"data_dir"`
}

// AgentConfig declares one agent that bindings may route to.
type AgentConfig struct {
	ID      string `json:"id" mapstructure:"id"`
	Name    string `json:"name,omitempty" mapstructure:"name"`
	Default bool   `json:"default,omitempty" mapstructure:"default"`
}

// BindingConfig routes matching inbound messages to AgentID.
type BindingConfig struct {
	AgentID string      `json:"agent_id" mapstructure:"agent_id"`
	Match   MatchConfig `json:"match" mapstructure:"match"`
}

// MatchConfig is the predicate half of a binding.
type MatchConfig struct {
	Channel   string      `json:"channel" mapstructure:"channel"`
	AccountID string      `json:"account_id,omitempty" mapstructure:"account_id"`
	Peer      *PeerConfig `json:"peer,omitempty" mapstructure:"peer"`
	GuildID   string      `json:"guild_id,omitempty" mapstructure:"guild_id"`
	TeamID    string      `json:"team_id,omitempty" mapstructure:"team_id"`
}

// PeerConfig matches a specific peer; kind accepts the "dm" alias.
type PeerConfig struct {
	Kind string `json:"kind" mapstructure:"kind"`
	ID   string `json:"id" mapstructure:"id"`
}

// SessionConfig holds session key and store settings
type SessionConfig struct {
	DMScope       string              `json:"dm_scope" mapstructure:"dm_scope"`
	MainKey       string              `json:"main_key" mapstructure:"main_key"`
	IdentityLinks map[string][]string `json:"identity_links,omitempty" mapstructure:"identity_links"`
	Store         StoreConfig         `json:"store" mapstructure:"store"`
	Reset         ResetConfig         `json:"reset" mapstructure:"reset"`
}

// StoreConfig holds session store file settings
type StoreConfig struct {
	Path           string `json:"path" mapstructure:"path"`
	CacheTTLMs     int    `json:"cache_ttl_ms" mapstructure:"cache_ttl_ms"`
	PruneAfterDays int    `json:"prune_after_days" mapstructure:"prune_after_days"`
	MaxEntries     int    `json:"max_entries" mapstructure:"max_entries"`
	RotateBytes    int64  `json:"rotate_bytes" mapstructure:"rotate_bytes"`
	MaxBackups     int    `json:"max_backups" mapstructure:"max_backups"`
}

// ResetConfig holds the session reset policy
type ResetConfig struct {
	Mode        string `json:"mode" mapstructure:"mode"`
	IdleMinutes int    `json:"idle_minutes" mapstructure:"idle_minutes"`
	AtHour      int    `json:"at_hour" mapstructure:"at_hour"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TelemetryConfig holds tracing, metrics and audit settings
type TelemetryConfig struct {
	ServiceName  string `json:"service_name" mapstructure:"service_name"`
	OTLPEndpoint string `json:"otlp_endpoint,omitempty" mapstructure:"otlp_endpoint"`
	MetricsAddr  string `json:"metrics_addr,omitempty" mapstructure:"metrics_addr"`
	AuditFile    string `json:"audit_file,omitempty" mapstructure:"audit_file"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Agents:   []AgentConfig{},
		Bindings: []BindingConfig{},
		Session: SessionConfig{
			DMScope: string(sessionkey.DMScopeMain),
			MainKey: sessionkey.DefaultMainKey,
			Store: StoreConfig{
				CacheTTLMs:     int(session.DefaultCacheTTL / time.Millisecond),
				PruneAfterDays: int(session.DefaultPruneAfter / (24 * time.Hour)),
				MaxEntries:     session.DefaultMaxEntries,
				RotateBytes:    session.DefaultRotateBytes,
				MaxBackups:     session.DefaultMaxBackups,
			},
			Reset: ResetConfig{
				Mode:   string(session.ResetOff),
				AtHour: session.DefaultResetHour,
			},
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "switchboard",
		},
	}
}

// Validate checks the configuration for semantic errors the schema cannot express.
func (c *Config) Validate() error {
	if scope := strings.TrimSpace(c.Session.DMScope); scope != "" && !sessionkey.DMScope(scope).Valid() {
		return fmt.Errorf("%w: unknown session.dm_scope %q", ErrInvalidConfig, scope)
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, agent := range c.Agents {
		if strings.TrimSpace(agent.ID) == "" {
			return fmt.Errorf("%w: agents[%d] has an empty id", ErrInvalidConfig, i)
		}
		id := sessionkey.NormalizeAgentID(agent.ID)
		if seen[id] {
			return fmt.Errorf("%w: duplicate agent id %q", ErrInvalidConfig, id)
		}
		seen[id] = true
	}

	for i, binding := range c.Bindings {
		if strings.TrimSpace(binding.Match.Channel) == "" {
			return fmt.Errorf("%w: bindings[%d] has no match.channel", ErrInvalidConfig, i)
		}
	}

	if c.Session.Reset.AtHour < 0 || c.Session.Reset.AtHour > 23 {
		return fmt.Errorf("%w: session.reset.at_hour must be between 0 and 23", ErrInvalidConfig)
	}
	if c.Session.Store.CacheTTLMs < 0 {
		return fmt.Errorf("%w: session.store.cache_ttl_ms must not be negative", ErrInvalidConfig)
	}

	return nil
}

// RoutingConfig converts the agent, binding and session sections into the
// resolver's configuration. An unknown dm scope degrades to main.
func (c *Config) RoutingConfig() routing.Config {
	out := routing.Config{
		Agents:   make([]routing.Agent, 0, len(c.Agents)),
		Bindings: make([]routing.Binding, 0, len(c.Bindings)),
		DMScope:  sessionkey.DMScope(strings.TrimSpace(c.Session.DMScope)),
		MainKey:  c.Session.MainKey,
	}
	if !out.DMScope.Valid() {
		out.DMScope = sessionkey.DMScopeMain
	}

	for _, agent := range c.Agents {
		out.Agents = append(out.Agents, routing.Agent{ID: agent.ID, Default: agent.Default})
	}
	for _, binding := range c.Bindings {
		match := routing.BindingMatch{
			Channel:   binding.Match.Channel,
			AccountID: binding.Match.AccountID,
			GuildID:   binding.Match.GuildID,
			TeamID:    binding.Match.TeamID,
		}
		if binding.Match.Peer != nil {
			match.Peer = &routing.BindingPeer{Kind: binding.Match.Peer.Kind, ID: binding.Match.Peer.ID}
		}
		out.Bindings = append(out.Bindings, routing.Binding{AgentID: binding.AgentID, Match: match})
	}
	if len(c.Session.IdentityLinks) > 0 {
		out.IdentityLinks = make(sessionkey.IdentityLinks, len(c.Session.IdentityLinks))
		for canonical, ids := range c.Session.IdentityLinks {
			out.IdentityLinks[canonical] = append([]string(nil), ids...)
		}
	}
	return out
}

// MaintenanceConfig converts the store section; zero values select defaults.
func (c *Config) MaintenanceConfig() session.MaintenanceConfig {
	store := c.Session.Store
	return session.MaintenanceConfig{
		PruneAfter:  time.Duration(store.PruneAfterDays) * 24 * time.Hour,
		MaxEntries:  store.MaxEntries,
		RotateBytes: store.RotateBytes,
		MaxBackups:  store.MaxBackups,
	}
}

// CacheTTL returns the configured store cache TTL.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Session.Store.CacheTTLMs) * time.Millisecond
}

// ResetPolicy converts the reset section.
func (c *Config) ResetPolicy() session.ResetPolicy {
	return session.ResetPolicy{
		Mode:        session.NormalizeResetMode(c.Session.Reset.Mode),
		IdleMinutes: c.Session.Reset.IdleMinutes,
		AtHour:      c.Session.Reset.AtHour,
	}
}

// SessionManagerOptions returns the store options implied by this config.
func (c *Config) SessionManagerOptions() []session.Option {
	return []session.Option{
		session.WithCacheTTL(c.CacheTTL()),
		session.WithMaintenance(c.MaintenanceConfig()),
	}
}
