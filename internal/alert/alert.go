// Package alert defines the canonical alert shape accepted by the
// correlation engine, boundary validation, and the normalization rules
// that turn an alert into a stable fingerprint.
package alert

import (
	"fmt"
	"strings"
	"time"
)

// Severity is the severity of an alert or incident.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// rank orders severities for max comparisons. Higher is more severe.
var rank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := rank[s]
	return ok
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return rank[s] >= rank[other]
}

// Max returns the more severe of s and other.
func (s Severity) Max(other Severity) Severity {
	if rank[other] > rank[s] {
		return other
	}
	return s
}

// ParseSeverity maps a free-form severity string to a Severity,
// falling back to medium for unknown values ("error", "warning" and
// friends come in from vendor payloads).
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityCritical:
		return SeverityCritical
	case SeverityHigh, "error":
		return SeverityHigh
	case SeverityMedium, "warning", "warn":
		return SeverityMedium
	case SeverityLow:
		return SeverityLow
	case SeverityInfo, "ok", "none":
		return SeverityInfo
	default:
		return SeverityMedium
	}
}

// Alert is a normalized alert handed to the correlator by an ingest
// adapter. Alerts are ephemeral: they are consumed immediately and
// never persisted standalone.
type Alert struct {
	Source      string            `json:"source"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Severity    Severity          `json:"severity"`
	Labels      map[string]string `json:"labels,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
}

// ValidationError reports a malformed alert rejected at the boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid alert: %s %s", e.Field, e.Reason)
}

// Validate checks the alert for the minimum shape the correlator
// requires. Invalid alerts never reach the engine.
func (a *Alert) Validate() error {
	if strings.TrimSpace(a.Source) == "" {
		return &ValidationError{Field: "source", Reason: "is required"}
	}
	if strings.TrimSpace(a.Title) == "" {
		return &ValidationError{Field: "title", Reason: "is required"}
	}
	if !a.Severity.Valid() {
		return &ValidationError{Field: "severity", Reason: fmt.Sprintf("%q is not a known severity", a.Severity)}
	}
	return nil
}
