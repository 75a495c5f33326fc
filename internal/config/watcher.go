package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/harun/switchboard/internal/observability"
)

const defaultReloadDebounce = 250 * time.Millisecond

// Watcher keeps the current config in memory and reloads it when the file
// changes. Readers always see a complete *Config; a reload that fails to
// load or validate leaves the previous one in place.
type Watcher struct {
	loader   *Loader
	path     string
	logger   zerolog.Logger
	onChange func(*Config)
	debounce time.Duration

	current atomic.Pointer[Config]
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	timer  *time.Timer
	stopCh chan struct{}
	done   chan struct{}
}

// NewWatcher loads the config once and starts watching its directory.
// onChange, if non-nil, runs after every successful reload.
func NewWatcher(loader *Loader, logger zerolog.Logger, onChange func(*Config)) (*Watcher, error) {
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}

	path := loader.GetConfigPath()
	// Watch the directory so editors that replace the file by rename are seen.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &Watcher{
		loader:   loader,
		path:     filepath.Clean(path),
		logger:   logger,
		onChange: onChange,
		debounce: defaultReloadDebounce,
		watcher:  fsw,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	w.current.Store(cfg)

	go w.run()

	return w, nil
}

// Current returns the most recently loaded config.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Stop stops watching and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	close(w.stopCh)
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Config change detected")
				w.scheduleReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Config watcher error")

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.Reload)
}

// Reload loads the file now and swaps it in if it is valid.
func (w *Watcher) Reload() {
	ctx := context.Background()

	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Warn().Err(err).Str("path", w.path).Msg("Config reload failed, keeping previous config")
		observability.GetAuditLogger().Record(ctx, observability.AuditEvent{
			Type:     "config",
			Actor:    "watcher",
			Action:   "config:reload",
			Status:   "failure",
			Metadata: map[string]interface{}{"path": w.path, "error": err.Error()},
		})
		return
	}

	w.current.Store(cfg)
	w.logger.Info().
		Str("path", w.path).
		Int("agents", len(cfg.Agents)).
		Int("bindings", len(cfg.Bindings)).
		Msg("Config reloaded")
	observability.RecordConfigAudit(ctx, "config:reload", "watcher", map[string]interface{}{
		"path":     w.path,
		"agents":   len(cfg.Agents),
		"bindings": len(cfg.Bindings),
	})

	if w.onChange != nil {
		w.onChange(cfg)
	}
}
