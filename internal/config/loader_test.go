package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.GetConfigPath())
}

func TestGetConfigPathFromEnv(t *testing.T) {
	t.Setenv("SWITCHBOARD_CONFIG", "/etc/switchboard.json")
	assert.Equal(t, "/etc/switchboard.json", NewLoader("").GetConfigPath())
}

func TestLoaderLoad(t *testing.T) {
	t.Run("defaults when file doesn't exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		t.Setenv("SWITCHBOARD_DATA_DIR", tmpDir)

		cfg, err := Load(filepath.Join(tmpDir, "missing.json"))
		require.NoError(t, err)
		assert.Equal(t, "main", cfg.Session.DMScope)
		assert.Equal(t, tmpDir, cfg.DataDir)
		assert.Equal(t, filepath.Join(tmpDir, "sessions", "sessions.json"), cfg.Session.Store.Path)
	})

	t.Run("load config from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "switchboard.json")
		writeConfig(t, configPath, `{
			"agents": [{"id": "main", "default": true}, {"id": "support"}],
			"bindings": [
				{"agent_id": "support", "match": {"channel": "slack", "peer": {"kind": "dm", "id": "U1"}}}
			],
			"session": {
				"dm_scope": "per-channel-peer",
				"identity_links": {"alice": ["telegram:111"]},
				"store": {"path": "`+filepath.ToSlash(filepath.Join(tmpDir, "store.json"))+`", "max_entries": 50},
				"reset": {"mode": "daily", "at_hour": 6}
			},
			"logging": {"level": "debug"},
			"data_dir": "`+filepath.ToSlash(tmpDir)+`"
		}`)

		cfg, err := Load(configPath)
		require.NoError(t, err)

		require.Len(t, cfg.Agents, 2)
		assert.True(t, cfg.Agents[0].Default)
		require.Len(t, cfg.Bindings, 1)
		require.NotNil(t, cfg.Bindings[0].Match.Peer)
		assert.Equal(t, "U1", cfg.Bindings[0].Match.Peer.ID)
		assert.Equal(t, "per-channel-peer", cfg.Session.DMScope)
		assert.Equal(t, []string{"telegram:111"}, cfg.Session.IdentityLinks["alice"])
		assert.Equal(t, 50, cfg.Session.Store.MaxEntries)
		assert.Equal(t, 3, cfg.Session.Store.MaxBackups)
		assert.Equal(t, "daily", cfg.Session.Reset.Mode)
		assert.Equal(t, 6, cfg.Session.Reset.AtHour)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.True(t, cfg.Logging.Redaction)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "switchboard.json")
		writeConfig(t, configPath, `{"logging": {"level": "info"}, "data_dir": "`+filepath.ToSlash(tmpDir)+`"}`)

		t.Setenv("SWITCHBOARD_LOGGING_LEVEL", "warn")
		t.Setenv("SWITCHBOARD_SESSION_DM_SCOPE", "per-peer")
		t.Setenv("SWITCHBOARD_SESSION_STORE_MAX_ENTRIES", "12")

		cfg, err := Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, "per-peer", cfg.Session.DMScope)
		assert.Equal(t, 12, cfg.Session.Store.MaxEntries)
	})

	t.Run("schema violation", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "switchboard.json")
		writeConfig(t, configPath, `{"session": {"reset": {"mode": "weekly"}}}`)

		_, err := Load(configPath)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidConfig))
	})

	t.Run("semantic violation", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "switchboard.json")
		writeConfig(t, configPath, `{"agents": [{"id": "a"}, {"id": "A"}]}`)

		_, err := Load(configPath)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate agent id")
	})

	t.Run("malformed json", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "switchboard.json")
		writeConfig(t, configPath, `{"agents": [`)

		_, err := Load(configPath)
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "switchboard.json")

	cfg := DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Agents = []AgentConfig{{ID: "main", Default: true}}
	cfg.Bindings = []BindingConfig{{AgentID: "main", Match: MatchConfig{Channel: "telegram"}}}

	loader := NewLoader(configPath)
	require.NoError(t, loader.Save(cfg))

	info, err := os.Stat(configPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, cfg.Agents, loaded.Agents)
	assert.Equal(t, cfg.Bindings, loaded.Bindings)
}

func TestValidateDocument(t *testing.T) {
	assert.NoError(t, ValidateDocument([]byte(`{"agents": [{"id": "main"}]}`)))
	assert.Error(t, ValidateDocument([]byte(`{"agents": [{"name": "no id"}]}`)))
	assert.Error(t, ValidateDocument([]byte(`{"bindings": [{"agent_id": "x", "match": {"channel": "slack", "peer": {"kind": "robot"}}}]}`)))
}

func TestWatcherReload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "switchboard.json")
	writeConfig(t, configPath, `{"agents": [{"id": "main"}], "data_dir": "`+filepath.ToSlash(tmpDir)+`"}`)

	changed := make(chan *Config, 4)
	w, err := NewWatcher(NewLoader(configPath), zerolog.Nop(), func(cfg *Config) { changed <- cfg })
	require.NoError(t, err)
	defer w.Stop()

	require.Len(t, w.Current().Agents, 1)

	t.Run("invalid file keeps previous config", func(t *testing.T) {
		writeConfig(t, configPath, `{"agents": [{"id": "x"}, {"id": "X"}]}`)
		w.Reload()
		assert.Len(t, w.Current().Agents, 1)
		assert.Equal(t, "main", w.Current().Agents[0].ID)
	})

	t.Run("file change is picked up", func(t *testing.T) {
		writeConfig(t, configPath, `{"agents": [{"id": "main"}, {"id": "support"}], "data_dir": "`+filepath.ToSlash(tmpDir)+`"}`)

		select {
		case cfg := <-changed:
			assert.Len(t, cfg.Agents, 2)
		case <-time.After(5 * time.Second):
			t.Fatal("config change was not observed")
		}
		assert.Len(t, w.Current().Agents, 2)
	})
}
