package alerter

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// EscalationManager tracks unacknowledged alerts and reports the ones whose
// reminder is due. Due is polled from the engine tick; callers serialize access.
type EscalationManager struct {
	log   zerolog.Logger
	after time.Duration
	due   map[uint64]time.Time // alert ID -> reminder time
}

// NewEscalationManager creates a manager. A zero delay disables reminders.
func NewEscalationManager(log zerolog.Logger, after time.Duration) *EscalationManager {
	return &EscalationManager{
		log:   log.With().Str("component", "escalation").Logger(),
		after: after,
		due:   make(map[uint64]time.Time),
	}
}

// StartEscalation schedules a reminder for an alert raised at raisedAt.
func (m *EscalationManager) StartEscalation(alertID uint64, raisedAt time.Time) {
	if m.after <= 0 {
		return
	}
	m.due[alertID] = raisedAt.Add(m.after)
	m.log.Debug().Uint64("alert_id", alertID).Dur("delay", m.after).Msg("escalation timer started")
}

// CancelEscalation drops a pending reminder for an acknowledged or resolved alert.
func (m *EscalationManager) CancelEscalation(alertID uint64) {
	if _, ok := m.due[alertID]; ok {
		delete(m.due, alertID)
		m.log.Debug().Uint64("alert_id", alertID).Msg("escalation cancelled")
	}
}

// Due removes and returns the alerts whose reminder time has passed, oldest first.
func (m *EscalationManager) Due(now time.Time) []uint64 {
	var ids []uint64
	for id, at := range m.due {
		if !now.Before(at) {
			ids = append(ids, id)
			delete(m.due, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
