package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultPruneAfter  = 30 * 24 * time.Hour
	DefaultMaxEntries  = 500
	DefaultRotateBytes = 10 * 1024 * 1024
	DefaultMaxBackups  = 3

	backupInfix = ".bak."
)

// MaintenanceConfig bounds the size and age of a store file. Zero values
// select the defaults.
type MaintenanceConfig struct {
	PruneAfter  time.Duration
	MaxEntries  int
	RotateBytes int64
	MaxBackups  int
}

// DefaultMaintenanceConfig returns the stock limits.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		PruneAfter:  DefaultPruneAfter,
		MaxEntries:  DefaultMaxEntries,
		RotateBytes: DefaultRotateBytes,
		MaxBackups:  DefaultMaxBackups,
	}
}

func (c MaintenanceConfig) withDefaults() MaintenanceConfig {
	if c.PruneAfter <= 0 {
		c.PruneAfter = DefaultPruneAfter
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.RotateBytes <= 0 {
		c.RotateBytes = DefaultRotateBytes
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = DefaultMaxBackups
	}
	return c
}

// MaintenanceReport summarizes one maintenance pass.
type MaintenanceReport struct {
	Pruned    int    `json:"pruned"`
	Capped    int    `json:"capped"`
	Rotated   bool   `json:"rotated"`
	BackupTo  string `json:"backupTo,omitempty"`
	Remaining int    `json:"remaining"`
}

// PruneStale removes entries last updated before now-maxAge and returns how
// many were removed. A non-positive maxAge uses DefaultPruneAfter.
func PruneStale(records map[string]SessionEntry, maxAge time.Duration, now time.Time) int {
	if maxAge <= 0 {
		maxAge = DefaultPruneAfter
	}
	cutoff := now.Add(-maxAge).UnixMilli()

	pruned := 0
	for key, entry := range records {
		if entry.UpdatedAt < cutoff {
			delete(records, key)
			pruned++
		}
	}
	return pruned
}

// CapCount keeps the maxEntries most recently updated entries and returns
// how many were dropped. Equal timestamps are ordered by key.
func CapCount(records map[string]SessionEntry, maxEntries int) int {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if len(records) <= maxEntries {
		return 0
	}

	keys := make([]string, 0, len(records))
	for key := range records {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := records[keys[i]], records[keys[j]]
		if a.UpdatedAt != b.UpdatedAt {
			return a.UpdatedAt > b.UpdatedAt
		}
		return keys[i] < keys[j]
	})

	drop := keys[maxEntries:]
	for _, key := range drop {
		delete(records, key)
	}
	return len(drop)
}

// RotateFile moves path aside to <path>.bak.<epochms> when it is larger than
// maxBytes, then deletes all but the maxBackups newest backups. A missing file
// or one within the limit is left untouched.
func RotateFile(path string, maxBytes int64, maxBackups int, now time.Time) (bool, error) {
	backup, err := rotateFile(path, maxBytes, maxBackups, now)
	return backup != "", err
}

func rotateFile(path string, maxBytes int64, maxBackups int, now time.Time) (string, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultRotateBytes
	}
	if maxBackups <= 0 {
		maxBackups = DefaultMaxBackups
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to stat session store: %w", err)
	}
	if info.Size() <= maxBytes {
		return "", nil
	}

	backup := path + backupInfix + strconv.FormatInt(now.UnixMilli(), 10)
	if err := os.Rename(path, backup); err != nil {
		return "", fmt.Errorf("failed to rotate session store: %w", err)
	}

	log.Info().
		Str("backup", filepath.Base(backup)).
		Int64("size_bytes", info.Size()).
		Msg("Rotated session store file")

	backups, err := ListBackups(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to list session store backups")
		return backup, nil
	}
	if len(backups) > maxBackups {
		deleted := 0
		for _, old := range backups[maxBackups:] {
			if err := os.Remove(old); err != nil && !errors.Is(err, fs.ErrNotExist) {
				log.Warn().Err(err).Str("backup", filepath.Base(old)).Msg("Failed to delete old session store backup")
				continue
			}
			deleted++
		}
		log.Info().Int("deleted", deleted).Msg("Cleaned up old session store backups")
	}

	return backup, nil
}

// ListBackups returns the rotation backups of path, newest first.
func ListBackups(path string) ([]string, error) {
	dir := filepath.Dir(path)
	prefix := filepath.Base(path) + backupInfix

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	backups := make([]string, 0, len(names))
	for _, name := range names {
		backups = append(backups, filepath.Join(dir, name))
	}
	return backups, nil
}
