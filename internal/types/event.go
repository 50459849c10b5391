package types

import "time"

// EventType identifies a lifecycle notification.
type EventType string

const (
	EventRaised           EventType = "raised"
	EventAcknowledged     EventType = "acknowledged"
	EventResolved         EventType = "resolved"
	EventEscalated        EventType = "escalated"
	EventReadinessChanged EventType = "readiness_changed"
)

// Event is emitted by the engine for notifier fan-out.
// Seq is assigned by the bus and increases monotonically.
type Event struct {
	Seq     uint64         `json:"seq"`
	Type    EventType      `json:"type"`
	At      time.Time      `json:"at"`
	Alert   *Alert         `json:"alert,omitempty"`
	Network *NetworkStatus `json:"network,omitempty"`
}

// AlertEvent builds an event carrying a private copy of the alert.
func AlertEvent(t EventType, at time.Time, a *Alert) Event {
	c := a.Clone()
	return Event{Type: t, At: at, Alert: &c}
}
