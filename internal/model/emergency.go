package model

import (
	"time"

	"github.com/google/uuid"
)

// Severity classifies how far a metric has drifted from its baseline.
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityRank returns the numeric rank of a severity (higher = worse).
func SeverityRank(s Severity) int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether s is at least as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return SeverityRank(s) >= SeverityRank(min)
}

// MaxSeverity returns the worse of two severities.
func MaxSeverity(a, b Severity) Severity {
	if SeverityRank(a) >= SeverityRank(b) {
		return a
	}
	return b
}

// EscalateSeverity bumps a severity one bucket up, capped at Critical.
func EscalateSeverity(s Severity) Severity {
	switch s {
	case SeverityNone:
		return SeverityLow
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// EmergencyEvent tracks one unresolved issue from the first ALERT about it
// until resolution or human hand-off. Events are matched by (domain, metric)
// so repeated alerts about the same underlying issue merge instead of
// spawning duplicates.
type EmergencyEvent struct {
	ID               uuid.UUID  `json:"id"`
	TriggeringAlert  uuid.UUID  `json:"triggering_alert"`
	Domain           Domain     `json:"domain"`
	Metric           Metric     `json:"metric"`
	Severity         Severity   `json:"severity"`
	ResponseLevel    int        `json:"response_level"`
	EscalatedToHuman bool       `json:"escalated_to_human"`
	OpenedAt         time.Time  `json:"opened_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
}

// Key returns the (domain, metric) pair the event tracks.
func (e EmergencyEvent) Key() KPIKey {
	return KPIKey{Domain: e.Domain, Metric: e.Metric}
}

// Resolved reports whether the event has been closed.
func (e EmergencyEvent) Resolved() bool {
	return e.ResolvedAt != nil
}
