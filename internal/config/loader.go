package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix      = "SWITCHBOARD"
	dataDirName    = ".switchboard"
	configFileName = "switchboard.json"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file, validates it against the schema, applies
// SWITCHBOARD_* environment overrides and fills in derived paths. A missing
// file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, errors.New("failed to determine config path")
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v, DefaultConfig())

	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := ValidateDocument(data); err != nil {
			return nil, err
		}
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.applyDerivedPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindDefaults registers scalar keys so AutomaticEnv can override them
// even when the file omits them.
func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("session.dm_scope", cfg.Session.DMScope)
	v.SetDefault("session.main_key", cfg.Session.MainKey)
	v.SetDefault("session.store.path", cfg.Session.Store.Path)
	v.SetDefault("session.store.cache_ttl_ms", cfg.Session.Store.CacheTTLMs)
	v.SetDefault("session.store.prune_after_days", cfg.Session.Store.PruneAfterDays)
	v.SetDefault("session.store.max_entries", cfg.Session.Store.MaxEntries)
	v.SetDefault("session.store.rotate_bytes", cfg.Session.Store.RotateBytes)
	v.SetDefault("session.store.max_backups", cfg.Session.Store.MaxBackups)
	v.SetDefault("session.reset.mode", cfg.Session.Reset.Mode)
	v.SetDefault("session.reset.idle_minutes", cfg.Session.Reset.IdleMinutes)
	v.SetDefault("session.reset.at_hour", cfg.Session.Reset.AtHour)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)
	v.SetDefault("telemetry.service_name", cfg.Telemetry.ServiceName)
	v.SetDefault("telemetry.otlp_endpoint", cfg.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.metrics_addr", cfg.Telemetry.MetricsAddr)
	v.SetDefault("telemetry.audit_file", cfg.Telemetry.AuditFile)
}

func (c *Config) applyDerivedPaths() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, dataDirName)
	}
	if c.Session.Store.Path == "" {
		c.Session.Store.Path = filepath.Join(c.DataDir, "sessions", "sessions.json")
	}
	return nil
}

// Save writes the configuration as indented JSON with 0600 permissions.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return errors.New("failed to determine config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	if env := strings.TrimSpace(os.Getenv(envPrefix + "_CONFIG")); env != "" {
		return env
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, dataDirName, configFileName)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
