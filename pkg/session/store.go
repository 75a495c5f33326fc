package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultCacheTTL bounds how long a loaded store is served from memory.
	DefaultCacheTTL = 45 * time.Second

	// CacheTTLEnv overrides the cache TTL in milliseconds; <= 0 disables caching.
	CacheTTLEnv = "SWITCHBOARD_SESSION_CACHE_TTL_MS"

	tracerName = "switchboard.session"
)

// LoadOptions controls Load.
type LoadOptions struct {
	SkipCache bool
}

// SaveOptions controls Save and Update.
type SaveOptions struct {
	SkipMaintenance bool
}

type cacheEntry struct {
	records  map[string]SessionEntry
	loadedAt time.Time
	modTime  time.Time
	exists   bool
}

// Manager reads and writes session store files. It owns the per-path write
// locks and the per-path read cache; independent managers share nothing.
type Manager struct {
	cacheTTL    time.Duration
	maintenance MaintenanceConfig
	now         func() time.Time
	audit       *observability.AuditLogger
	readFile    func(string) ([]byte, error)

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	cacheMu    sync.RWMutex
	cache      map[string]*cacheEntry
	generation map[string]uint64

	loads singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithCacheTTL sets the cache TTL. The environment override still wins.
func WithCacheTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.cacheTTL = ttl
	}
}

// WithMaintenance sets the limits applied on every save.
func WithMaintenance(cfg MaintenanceConfig) Option {
	return func(m *Manager) {
		m.maintenance = cfg
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithAuditLogger records maintenance passes that changed something.
func WithAuditLogger(audit *observability.AuditLogger) Option {
	return func(m *Manager) {
		m.audit = audit
	}
}

// NewManager creates a store manager.
func NewManager(opts ...Option) *Manager {
	observability.EnsureRegistered()

	m := &Manager{
		cacheTTL:    DefaultCacheTTL,
		maintenance: DefaultMaintenanceConfig(),
		now:         time.Now,
		readFile:    os.ReadFile,
		locks:       make(map[string]*sync.Mutex),
		cache:       make(map[string]*cacheEntry),
		generation:  make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}

	if raw := strings.TrimSpace(os.Getenv(CacheTTLEnv)); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			m.cacheTTL = time.Duration(ms) * time.Millisecond
		} else {
			log.Warn().Str("value", raw).Msg("Ignoring invalid " + CacheTTLEnv)
		}
	}
	m.maintenance = m.maintenance.withDefaults()

	return m
}

// CacheTTL returns the effective cache TTL; zero or less means disabled.
func (m *Manager) CacheTTL() time.Duration {
	return m.cacheTTL
}

func (m *Manager) cacheEnabled() bool {
	return m.cacheTTL > 0
}

func cleanPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

func (m *Manager) lockFor(path string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	if lock, exists := m.locks[path]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	m.locks[path] = lock
	return lock
}

// InvalidateCache drops the cached copy of path.
func (m *Manager) InvalidateCache(path string) {
	m.invalidate(cleanPath(path))
}

// invalidate also detaches any in-flight shared read, so a load that starts
// after a completed save never joins a read of the previous file.
func (m *Manager) invalidate(path string) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	delete(m.cache, path)
	m.generation[path]++
	m.loads.Forget(path)
}

func (m *Manager) currentGeneration(path string) uint64 {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	return m.generation[path]
}

// storeCache publishes records unless a write invalidated path after the
// read began.
func (m *Manager) storeCache(path string, gen uint64, entry *cacheEntry) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if m.generation[path] != gen {
		return
	}
	m.cache[path] = entry
}

// cached returns the shared cached map for path when it is within TTL and the
// file's modification time is unchanged. Callers must not mutate it.
func (m *Manager) cached(path string) (map[string]SessionEntry, string) {
	m.cacheMu.RLock()
	entry, ok := m.cache[path]
	m.cacheMu.RUnlock()
	if !ok {
		return nil, "miss"
	}
	if m.now().Sub(entry.loadedAt) > m.cacheTTL {
		m.invalidate(path)
		return nil, "stale"
	}

	modTime, exists := statModTime(path)
	if exists != entry.exists || !modTime.Equal(entry.modTime) {
		m.invalidate(path)
		return nil, "stale"
	}
	return entry.records, "hit"
}

func statModTime(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// Load returns a private copy of the records stored at path. A missing or
// unparsable file yields an empty map.
func (m *Manager) Load(ctx context.Context, path string, opts LoadOptions) map[string]SessionEntry {
	return cloneRecords(m.loadShared(ctx, cleanPath(path), opts))
}

// loadShared may return the cached map itself; callers must copy before mutating.
func (m *Manager) loadShared(ctx context.Context, path string, opts LoadOptions) map[string]SessionEntry {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithStorePath(ctx, path)
	ctx, span := tracing.StartSpan(
		ctx,
		tracerName,
		"session.load",
		attribute.String("store_path", path),
		attribute.Bool("skip_cache", opts.SkipCache),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
	}()

	if opts.SkipCache || !m.cacheEnabled() {
		observability.RecordCacheLookup("disabled")
		records, _, _ := m.readStore(ctx, path)
		return records
	}

	records, result := m.cached(path)
	observability.RecordCacheLookup(result)
	if records != nil {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return records
	}

	v, _, _ := m.loads.Do(path, func() (interface{}, error) {
		gen := m.currentGeneration(path)
		records, modTime, exists := m.readStore(ctx, path)
		m.storeCache(path, gen, &cacheEntry{
			records:  records,
			loadedAt: m.now(),
			modTime:  modTime,
			exists:   exists,
		})
		return records, nil
	})
	return v.(map[string]SessionEntry)
}

// readStore parses the file record by record, skipping malformed records.
func (m *Manager) readStore(ctx context.Context, path string) (map[string]SessionEntry, time.Time, bool) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	records := make(map[string]SessionEntry)

	modTime, exists := statModTime(path)
	if !exists {
		return records, time.Time{}, false
	}

	data, err := m.readFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn().Err(err).Msg("Failed to read session store, treating as empty")
		}
		return records, modTime, exists
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		logger.Warn().Err(err).Msg("Session store is not a JSON object, treating as empty")
		return records, modTime, exists
	}

	skipped := 0
	for key, value := range raw {
		entry, ok := decodeEntry(value)
		if !ok {
			skipped++
			continue
		}
		records[key] = entry
	}
	if skipped > 0 {
		logger.Warn().Int("skipped", skipped).Msg("Skipped malformed session records")
		observability.RecordSkippedRecords(skipped)
	}

	return records, modTime, exists
}

// ReadUpdatedAt returns the updatedAt of one record.
func (m *Manager) ReadUpdatedAt(ctx context.Context, path, key string) (int64, bool) {
	records := m.loadShared(ctx, cleanPath(path), LoadOptions{})
	entry, ok := records[key]
	if !ok {
		return 0, false
	}
	return entry.UpdatedAt, true
}

// Get returns a copy of one record.
func (m *Manager) Get(ctx context.Context, path, key string) (SessionEntry, bool) {
	records := m.loadShared(ctx, cleanPath(path), LoadOptions{})
	entry, ok := records[key]
	if !ok {
		return SessionEntry{}, false
	}
	return entry.Clone(), true
}

// Save writes records to path, replacing the file atomically. Unless
// maintenance is skipped, stale and excess records are removed from records
// in place before writing.
func (m *Manager) Save(ctx context.Context, path string, records map[string]SessionEntry, opts SaveOptions) error {
	path = cleanPath(path)
	lock := m.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	_, err := m.saveLocked(ctx, path, records, opts)
	return err
}

// Update is the read-modify-write primitive. Under the path lock it re-reads
// the file bypassing the cache, applies mutate and saves the result. An error
// from mutate aborts the update without writing.
func Update[T any](ctx context.Context, m *Manager, path string, mutate func(records map[string]SessionEntry) (T, error), opts SaveOptions) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}
	path = cleanPath(path)
	ctx = tracing.WithStorePath(ctx, path)
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.update", attribute.String("store_path", path))
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordSessionUpdate(time.Since(start))
	}()

	lock := m.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	records, _, _ := m.readStore(ctx, path)
	result, err := mutate(records)
	if err != nil {
		return zero, tracing.RecordError(span, err)
	}
	if _, err := m.saveLocked(ctx, path, records, opts); err != nil {
		return zero, tracing.RecordError(span, err)
	}
	return result, nil
}

// UpdateEntry merges patch into the record at key and returns the result.
func (m *Manager) UpdateEntry(ctx context.Context, path, key string, patch SessionPatch) (SessionEntry, error) {
	return Update(ctx, m, path, func(records map[string]SessionEntry) (SessionEntry, error) {
		var existing *SessionEntry
		if current, ok := records[key]; ok {
			existing = &current
		}
		merged := MergeEntry(existing, patch, m.now())
		records[key] = merged
		return merged.Clone(), nil
	}, SaveOptions{})
}

// Delete removes the record at key and reports whether it existed.
func (m *Manager) Delete(ctx context.Context, path, key string) (bool, error) {
	return Update(ctx, m, path, func(records map[string]SessionEntry) (bool, error) {
		_, ok := records[key]
		delete(records, key)
		return ok, nil
	}, SaveOptions{SkipMaintenance: true})
}

// Maintain runs prune, cap and rotate against path and rewrites the store.
func (m *Manager) Maintain(ctx context.Context, path string) (MaintenanceReport, error) {
	path = cleanPath(path)
	lock := m.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	records, _, _ := m.readStore(ctx, path)
	return m.saveLocked(ctx, path, records, SaveOptions{})
}

func (m *Manager) saveLocked(ctx context.Context, path string, records map[string]SessionEntry, opts SaveOptions) (MaintenanceReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithStorePath(ctx, path)
	ctx, span := tracing.StartSpan(
		ctx,
		tracerName,
		"session.save",
		attribute.String("store_path", path),
		attribute.Int("entries", len(records)),
		attribute.Bool("skip_maintenance", opts.SkipMaintenance),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	success := false
	defer func() {
		observability.RecordSessionSave(time.Since(start), success)
	}()

	m.invalidate(path)

	var report MaintenanceReport
	if !opts.SkipMaintenance {
		report = m.runMaintenance(ctx, path, records)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return report, tracing.RecordError(span, fmt.Errorf("failed to create store directory: %w", err))
	}

	if records == nil {
		records = map[string]SessionEntry{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return report, tracing.RecordError(span, fmt.Errorf("failed to marshal session store: %w", err))
	}

	if err := writeAtomic(path, data); err != nil {
		return report, tracing.RecordError(span, err)
	}
	m.invalidate(path)

	success = true
	report.Remaining = len(records)
	observability.SetSessionEntries(filepath.Base(path), len(records))
	logger.Debug().Int("entries", len(records)).Msg("Session store saved")

	return report, nil
}

func (m *Manager) runMaintenance(ctx context.Context, path string, records map[string]SessionEntry) MaintenanceReport {
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	cfg := m.maintenance
	now := m.now()

	report := MaintenanceReport{
		Pruned: PruneStale(records, cfg.PruneAfter, now),
		Capped: CapCount(records, cfg.MaxEntries),
	}
	if report.Pruned > 0 {
		logger.Info().Int("pruned", report.Pruned).Dur("max_age", cfg.PruneAfter).Msg("Pruned stale session entries")
	}
	if report.Capped > 0 {
		logger.Info().Int("removed", report.Capped).Int("max_entries", cfg.MaxEntries).Msg("Capped session entry count")
	}

	backup, err := rotateFile(path, cfg.RotateBytes, cfg.MaxBackups, now)
	if err != nil {
		logger.Warn().Err(err).Msg("Session store rotation failed")
	}
	report.Rotated = backup != ""
	report.BackupTo = backup

	observability.RecordMaintenance(report.Pruned, report.Capped, report.Rotated)
	if m.audit != nil && (report.Pruned > 0 || report.Capped > 0 || report.Rotated) {
		m.audit.Record(ctx, observability.MaintenanceEvent(path, report.Pruned, report.Capped, backup))
	}
	return report
}

// writeAtomic writes data to a temp file beside path and renames it into
// place. Windows lacks an atomic replace, so it writes directly.
func writeAtomic(path string, data []byte) error {
	if runtime.GOOS == "windows" {
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return fmt.Errorf("failed to write session store: %w", err)
		}
		return nil
	}

	suffix, err := gonanoid.New()
	if err != nil {
		return fmt.Errorf("failed to generate temp file name: %w", err)
	}
	tmpPath := filepath.Join(filepath.Dir(path), fmt.Sprintf("%s.%d.%s.tmp", filepath.Base(path), os.Getpid(), suffix))

	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpPath)

	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace session store: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("failed to set session store permissions: %w", err)
	}
	return nil
}

func cloneRecords(records map[string]SessionEntry) map[string]SessionEntry {
	out := make(map[string]SessionEntry, len(records))
	for key, entry := range records {
		out[key] = entry.Clone()
	}
	return out
}
