// Package violations consumes denial events, detects abuse patterns and
// emits security alerts. It owns the per-identifier violation history and
// the Clean/Watching/Flagged/Blocked state machine.
package violations

import (
	"time"
)

// AlertType names a detected abuse pattern.
type AlertType string

const (
	// AlertBruteForce fires on repeated denied attempts against
	// authentication endpoints.
	AlertBruteForce AlertType = "brute_force"
	// AlertAPIAbuse fires on a burst of denials across any endpoints.
	AlertAPIAbuse AlertType = "api_abuse"
)

// Severity grades an alert. High-severity alerts quarantine the offender
// automatically; medium and low are report-only.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// State tracks an identifier through the abuse lifecycle.
type State int

const (
	StateClean State = iota
	StateWatching
	StateFlagged
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StateClean:
		return "clean"
	case StateWatching:
		return "watching"
	case StateFlagged:
		return "flagged"
	case StateBlocked:
		return "blocked"
	}
	return "unknown"
}

// Violation records one denied attempt.
type Violation struct {
	Identifier string            `json:"identifier"`
	Endpoint   string            `json:"endpoint"`
	At         time.Time         `json:"at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SecurityAlert is emitted once per detection event. Evidence carries the
// violations that tripped the pattern.
type SecurityAlert struct {
	ID         string      `json:"id"`
	Type       AlertType   `json:"type"`
	Severity   Severity    `json:"severity"`
	Identifier string      `json:"identifier"`
	At         time.Time   `json:"at"`
	Evidence   []Violation `json:"evidence"`
}
