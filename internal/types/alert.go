package types

import "time"

// Severity is the class of an alert. Critical subsumes Warning.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so that Critical compares above Warning.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// SeverityFor maps a sensor category to the alert class it opens.
// Normal has no alert class and returns false.
func SeverityFor(c Category) (Severity, bool) {
	switch c {
	case CategoryAlert:
		return SeverityCritical, true
	case CategoryWarning:
		return SeverityWarning, true
	default:
		return "", false
	}
}

// AlertStatus is the lifecycle state of an alert
type AlertStatus string

const (
	StatusActive       AlertStatus = "active"
	StatusAcknowledged AlertStatus = "acknowledged"
	StatusResolved     AlertStatus = "resolved"
)

// Open reports whether the alert still counts against the one-open-per-sensor limit.
func (s AlertStatus) Open() bool {
	return s == StatusActive || s == StatusAcknowledged
}

// ResolveReason records why an alert left the open set.
type ResolveReason string

const (
	ReasonRelieved  ResolveReason = "relieved"
	ReasonEscalated ResolveReason = "escalated"
	ReasonDismissed ResolveReason = "dismissed"
)

// Alert represents an open or resolved threshold alert
type Alert struct {
	ID             uint64        `json:"id"`
	SensorID       string        `json:"sensor_id"`
	SensorName     string        `json:"sensor_name,omitempty"`
	Severity       Severity      `json:"severity"`
	Status         AlertStatus   `json:"status"`
	Metric         Metric        `json:"metric"`
	RaisedAt       time.Time     `json:"raised_at"`
	AcknowledgedAt *time.Time    `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
	Reason         ResolveReason `json:"reason,omitempty"`
	TriggerValue   float64       `json:"trigger_value"`
	PeakValue      float64       `json:"peak_value"`
	Flapping       bool          `json:"flapping,omitempty"`
	Escalated      bool          `json:"escalated,omitempty"`
	SensorOffline  bool          `json:"sensor_offline,omitempty"`
}

// Clone returns a deep copy so callers never share timestamps with engine state.
func (a *Alert) Clone() Alert {
	c := *a
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		c.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	return c
}

// HistoryRecord is the archived form of a resolved alert.
type HistoryRecord struct {
	Alert
	Duration time.Duration `json:"duration"`
}

// NewHistoryRecord copies a resolved alert and computes its duration.
func NewHistoryRecord(a *Alert) HistoryRecord {
	rec := HistoryRecord{Alert: a.Clone()}
	if a.ResolvedAt != nil {
		rec.Duration = a.ResolvedAt.Sub(a.RaisedAt)
	}
	return rec
}
