package types

import "time"

// Severity of an alert or anomaly, ordered low < medium < high.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ValidSeverity reports whether s is a recognized severity.
func ValidSeverity(s Severity) bool {
	return s == SeverityLow || s == SeverityMedium || s == SeverityHigh
}

// Rank returns the ordering of a severity: low=0, medium=1, high=2.
// Unknown severities rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	}
	return -1
}

// Escalate returns the severity one level above s, capped at high.
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium, SeverityHigh:
		return SeverityHigh
	}
	return s
}

// AlertStatus is the user-visible lifecycle of an alert.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// ValidAlertStatus reports whether s is a recognized alert status.
func ValidAlertStatus(s AlertStatus) bool {
	return s == AlertActive || s == AlertAcknowledged || s == AlertResolved
}

// Evidence is the structured backing for an alert: which module produced it
// and the details a user (or support) can inspect.
type Evidence struct {
	Source  string         `json:"source"`
	Details map[string]any `json:"details,omitempty"`
}

// Alert is a derived, human-readable conclusion about a device, correlated
// from one or more events. Explanation must be plain language; alerts are
// shown to non-technical users.
type Alert struct {
	ID                string      `json:"id"`
	DeviceID          string      `json:"device_id"`
	DetectorID        string      `json:"detector_id"`
	Severity          Severity    `json:"severity"`
	Title             string      `json:"title"`
	Explanation       string      `json:"explanation"`
	Evidence          Evidence    `json:"evidence"`
	Confidence        float64     `json:"confidence"`
	RecommendedAction string      `json:"recommended_action,omitempty"`
	Status            AlertStatus `json:"status"`
	RelatedEventIDs   []string    `json:"related_event_ids"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}
