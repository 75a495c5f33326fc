package sessionkey

import (
	"regexp"
	"strings"
)

const (
	DefaultAgentID   = "main"
	DefaultMainKey   = "main"
	DefaultAccountID = "default"

	// MaxIDLength bounds normalized agent and account ids.
	MaxIDLength = 64
)

var (
	validIDRegex      = regexp.MustCompile(`(?i)^[a-z0-9]([a-z0-9_-]*[a-z0-9])?$`)
	invalidCharsRegex = regexp.MustCompile(`[^a-z0-9_-]+`)
)

// NormalizeAgentID returns a path-safe, lowercase agent id.
// Empty or degenerate input yields DefaultAgentID.
func NormalizeAgentID(raw string) string {
	return normalizeID(raw, DefaultAgentID)
}

// NormalizeAccountID applies the agent id algorithm with DefaultAccountID as fallback.
func NormalizeAccountID(raw string) string {
	return normalizeID(raw, DefaultAccountID)
}

// NormalizeMainKey lowercases the main-scope token, defaulting to DefaultMainKey.
func NormalizeMainKey(raw string) string {
	trimmed := strings.Trim(strings.TrimSpace(raw), ":")
	if trimmed == "" {
		return DefaultMainKey
	}
	return strings.ToLower(trimmed)
}

func normalizeID(raw, fallback string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback
	}

	if len(trimmed) <= MaxIDLength && validIDRegex.MatchString(trimmed) {
		return strings.ToLower(trimmed)
	}

	normalized := invalidCharsRegex.ReplaceAllString(strings.ToLower(trimmed), "-")
	normalized = strings.Trim(normalized, "-")
	if len(normalized) > MaxIDLength {
		// truncation can expose a trailing dash
		normalized = strings.TrimRight(normalized[:MaxIDLength], "-")
	}
	if normalized == "" {
		return fallback
	}
	return normalized
}

func normalizeToken(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
