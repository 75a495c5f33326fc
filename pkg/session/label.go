package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxLabelLength is the longest accepted session label, in characters.
const MaxLabelLength = 64

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidLabel    = errors.New("invalid label")
)

// LabelResult is the outcome of ParseLabel. Error is set when OK is false.
type LabelResult struct {
	OK    bool   `json:"ok"`
	Label string `json:"label,omitempty"`
	Error string `json:"error,omitempty"`
}

// ParseLabel validates a user-supplied session label.
func ParseLabel(raw string) LabelResult {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return LabelResult{Error: "invalid label: empty"}
	}
	if utf8.RuneCountInString(trimmed) > MaxLabelLength {
		return LabelResult{Error: fmt.Sprintf("invalid label: too long (max %d)", MaxLabelLength)}
	}
	return LabelResult{OK: true, Label: trimmed}
}

// SetLabel validates raw and stores it on the existing record at key.
// Labels are unique per store: a label held by another record is rejected.
func (m *Manager) SetLabel(ctx context.Context, path, key, raw string) (SessionEntry, error) {
	parsed := ParseLabel(raw)
	if !parsed.OK {
		return SessionEntry{}, fmt.Errorf("%w: %s", ErrInvalidLabel, strings.TrimPrefix(parsed.Error, "invalid label: "))
	}

	return Update(ctx, m, path, func(records map[string]SessionEntry) (SessionEntry, error) {
		existing, ok := records[key]
		if !ok {
			return SessionEntry{}, fmt.Errorf("%w: %s", ErrSessionNotFound, key)
		}
		for other, entry := range records {
			if other != key && entry.Label == parsed.Label {
				return SessionEntry{}, fmt.Errorf("%w: label %q already used by %s", ErrInvalidLabel, parsed.Label, other)
			}
		}

		merged := MergeEntry(&existing, SessionPatch{Label: String(parsed.Label)}, m.now())
		records[key] = merged
		return merged.Clone(), nil
	}, SaveOptions{SkipMaintenance: true})
}
