package session

import (
	"strings"
	"time"
)

// ResetMode selects when a stored session expires.
type ResetMode string

const (
	ResetOff   ResetMode = "off"
	ResetIdle  ResetMode = "idle"
	ResetDaily ResetMode = "daily"

	DefaultResetHour = 4
)

// ResetPolicy decides when a session must start over with a new session id.
type ResetPolicy struct {
	Mode        ResetMode `json:"mode"`
	IdleMinutes int       `json:"idle_minutes"`
	AtHour      int       `json:"at_hour"`
}

// Freshness is the result of evaluating a record against a ResetPolicy.
type Freshness struct {
	Fresh bool `json:"fresh"`
	// ResetAt is the instant after which the record counts as stale.
	ResetAt time.Time `json:"resetAt,omitempty"`
}

// NormalizeResetMode lowercases mode; unknown and empty modes are off.
func NormalizeResetMode(mode string) ResetMode {
	switch ResetMode(strings.ToLower(strings.TrimSpace(mode))) {
	case ResetIdle:
		return ResetIdle
	case ResetDaily:
		return ResetDaily
	default:
		return ResetOff
	}
}

// EvaluateFreshness reports whether a record last updated at updatedAt
// (epoch ms) survives policy at now.
func EvaluateFreshness(updatedAt int64, policy ResetPolicy, now time.Time) Freshness {
	last := time.UnixMilli(updatedAt)

	switch NormalizeResetMode(string(policy.Mode)) {
	case ResetIdle:
		if policy.IdleMinutes <= 0 {
			return Freshness{Fresh: true}
		}
		resetAt := last.Add(time.Duration(policy.IdleMinutes) * time.Minute)
		return Freshness{Fresh: now.Before(resetAt), ResetAt: resetAt}
	case ResetDaily:
		atHour := policy.AtHour
		if atHour < 0 || atHour > 23 {
			atHour = DefaultResetHour
		}
		local := now.In(time.Local)
		resetAt := time.Date(local.Year(), local.Month(), local.Day(), atHour, 0, 0, 0, local.Location())
		if local.Before(resetAt) {
			resetAt = resetAt.AddDate(0, 0, -1)
		}
		return Freshness{Fresh: !last.Before(resetAt), ResetAt: resetAt}
	default:
		return Freshness{Fresh: true}
	}
}
