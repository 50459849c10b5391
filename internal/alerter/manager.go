package alerter

import (
	"errors"
	"sort"
	"time"

	"github.com/floodwatch/floodwatch/internal/types"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned for an unknown alert ID.
	ErrNotFound = errors.New("alert not found")
	// ErrInvalidTransition is returned when a command does not apply to the alert's state.
	ErrInvalidTransition = errors.New("invalid alert transition")
)

// recentResolved bounds how many resolved alerts are kept for command lookups.
const recentResolved = 512

// ArchiveFunc receives an immutable copy of every resolved alert, exactly once.
type ArchiveFunc func(rec types.HistoryRecord)

// EmitFunc receives lifecycle events in the order transitions happen.
type EmitFunc func(ev types.Event)

// Observation is one classified reading handed to Evaluate.
type Observation struct {
	SensorID   string
	SensorName string
	Category   types.Category
	Metric     types.Metric
	Reading    types.Reading
	Now        time.Time
}

// Manager drives the per-sensor alert state machine. At most one alert is
// open (Active or Acknowledged) per sensor; Critical replaces Warning.
// Manager is not safe for concurrent use; the engine serializes access.
type Manager struct {
	log        zerolog.Logger
	flap       *FlapDetector
	escalation *EscalationManager
	archive    ArchiveFunc
	emit       EmitFunc

	nextID     uint64
	open       map[string]*types.Alert // sensor ID -> open alert
	byID       map[uint64]*types.Alert // open alerts by ID
	suppressed map[string]types.Severity
	resolved   map[uint64]types.Alert
	order      []uint64
}

// NewManager creates a lifecycle manager. archive and emit may be nil.
func NewManager(log zerolog.Logger, flap *FlapDetector, escalation *EscalationManager, archive ArchiveFunc, emit EmitFunc) *Manager {
	if archive == nil {
		archive = func(types.HistoryRecord) {}
	}
	if emit == nil {
		emit = func(types.Event) {}
	}
	return &Manager{
		log:        log.With().Str("component", "alerter").Logger(),
		flap:       flap,
		escalation: escalation,
		archive:    archive,
		emit:       emit,
		open:       make(map[string]*types.Alert),
		byID:       make(map[uint64]*types.Alert),
		suppressed: make(map[string]types.Severity),
		resolved:   make(map[uint64]types.Alert),
	}
}

// ResumeAfter makes the next raised alert take an ID above lastID, so
// numbering continues across restarts of a persistent history.
func (m *Manager) ResumeAfter(lastID uint64) {
	if lastID > m.nextID {
		m.nextID = lastID
	}
}

// Evaluate applies a classified reading to the sensor's alert state.
func (m *Manager) Evaluate(obs Observation) {
	sev, alerting := types.SeverityFor(obs.Category)
	existing := m.open[obs.SensorID]

	if !alerting {
		delete(m.suppressed, obs.SensorID)
		if existing != nil {
			m.resolve(existing, types.ReasonRelieved, obs.Now)
		}
		return
	}

	if existing != nil {
		existing.SensorOffline = false
		if sev.Rank() > existing.Severity.Rank() {
			m.resolve(existing, types.ReasonEscalated, obs.Now)
			m.raise(obs, sev)
			return
		}
		if v := obs.Reading.Value(existing.Metric); !types.Missing(v) && v > existing.PeakValue {
			existing.PeakValue = v
		}
		return
	}

	if prev, ok := m.suppressed[obs.SensorID]; ok {
		if sev.Rank() <= prev.Rank() {
			return
		}
		delete(m.suppressed, obs.SensorID)
	}
	m.raise(obs, sev)
}

func (m *Manager) raise(obs Observation, sev types.Severity) {
	m.nextID++
	value := obs.Reading.Value(obs.Metric)
	if types.Missing(value) {
		// held level from an earlier reading; JSON cannot carry NaN
		value = 0
	}
	a := &types.Alert{
		ID:           m.nextID,
		SensorID:     obs.SensorID,
		SensorName:   obs.SensorName,
		Severity:     sev,
		Status:       types.StatusActive,
		Metric:       obs.Metric,
		RaisedAt:     obs.Now,
		TriggerValue: value,
		PeakValue:    value,
	}
	if m.flap != nil {
		a.Flapping, _ = m.flap.RecordRaise(obs.SensorID, obs.Now)
	}

	m.open[a.SensorID] = a
	m.byID[a.ID] = a
	if m.escalation != nil {
		m.escalation.StartEscalation(a.ID, a.RaisedAt)
	}

	m.log.Info().
		Uint64("alert_id", a.ID).
		Str("sensor_id", a.SensorID).
		Str("severity", string(a.Severity)).
		Str("metric", string(a.Metric)).
		Float64("value", value).
		Bool("flapping", a.Flapping).
		Msg("alert raised")

	m.emit(types.AlertEvent(types.EventRaised, obs.Now, a))
}

func (m *Manager) resolve(a *types.Alert, reason types.ResolveReason, now time.Time) {
	if !a.Status.Open() {
		return
	}
	t := now
	a.Status = types.StatusResolved
	a.ResolvedAt = &t
	a.Reason = reason

	delete(m.open, a.SensorID)
	delete(m.byID, a.ID)
	if m.escalation != nil {
		m.escalation.CancelEscalation(a.ID)
	}
	m.remember(a)

	rec := types.NewHistoryRecord(a)
	m.log.Info().
		Uint64("alert_id", a.ID).
		Str("sensor_id", a.SensorID).
		Str("reason", string(reason)).
		Dur("duration", rec.Duration).
		Msg("alert resolved")

	m.archive(rec)
	m.emit(types.AlertEvent(types.EventResolved, now, a))
}

func (m *Manager) remember(a *types.Alert) {
	m.resolved[a.ID] = a.Clone()
	m.order = append(m.order, a.ID)
	if len(m.order) > recentResolved {
		delete(m.resolved, m.order[0])
		m.order = m.order[1:]
	}
}

// lookupClosed returns the state of an alert that is no longer open.
func (m *Manager) lookupClosed(id uint64) (types.Alert, error) {
	if a, ok := m.resolved[id]; ok {
		return a.Clone(), ErrInvalidTransition
	}
	if id > 0 && id <= m.nextID {
		// Resolved long ago and aged out of the recent set.
		return types.Alert{ID: id, Status: types.StatusResolved}, ErrInvalidTransition
	}
	return types.Alert{}, ErrNotFound
}

// Acknowledge moves an Active alert to Acknowledged.
func (m *Manager) Acknowledge(id uint64, now time.Time) (types.Alert, error) {
	a, ok := m.byID[id]
	if !ok {
		return m.lookupClosed(id)
	}
	if a.Status != types.StatusActive {
		return a.Clone(), ErrInvalidTransition
	}

	t := now
	a.Status = types.StatusAcknowledged
	a.AcknowledgedAt = &t
	if m.escalation != nil {
		m.escalation.CancelEscalation(a.ID)
	}

	m.log.Info().Uint64("alert_id", a.ID).Str("sensor_id", a.SensorID).Msg("alert acknowledged")
	m.emit(types.AlertEvent(types.EventAcknowledged, now, a))
	return a.Clone(), nil
}

// Dismiss force-resolves an open alert. The sensor is not re-alerted at the
// same or lower severity until it returns to Normal.
func (m *Manager) Dismiss(id uint64, now time.Time) (types.Alert, error) {
	a, ok := m.byID[id]
	if !ok {
		return m.lookupClosed(id)
	}
	m.suppressed[a.SensorID] = a.Severity
	m.resolve(a, types.ReasonDismissed, now)
	return a.Clone(), nil
}

// SetSensorOffline flags or clears the offline marker on a sensor's open alert.
// It reports whether an open alert was changed.
func (m *Manager) SetSensorOffline(sensorID string, offline bool) bool {
	a, ok := m.open[sensorID]
	if !ok || a.SensorOffline == offline {
		return false
	}
	a.SensorOffline = offline
	if offline {
		m.log.Warn().Uint64("alert_id", a.ID).Str("sensor_id", sensorID).Msg("sensor offline with open alert")
	}
	return true
}

// CheckEscalations emits one Escalated event for every alert that is still
// Active past its reminder delay.
func (m *Manager) CheckEscalations(now time.Time) int {
	if m.escalation == nil {
		return 0
	}
	n := 0
	for _, id := range m.escalation.Due(now) {
		a, ok := m.byID[id]
		if !ok || a.Status != types.StatusActive {
			continue
		}
		a.Escalated = true
		n++
		m.log.Warn().
			Uint64("alert_id", a.ID).
			Str("sensor_id", a.SensorID).
			Dur("open_for", now.Sub(a.RaisedAt)).
			Msg("escalating unacknowledged alert")
		m.emit(types.AlertEvent(types.EventEscalated, now, a))
	}
	return n
}

// Get returns an open or recently resolved alert
func (m *Manager) Get(id uint64) (types.Alert, bool) {
	if a, ok := m.byID[id]; ok {
		return a.Clone(), true
	}
	if a, ok := m.resolved[id]; ok {
		return a.Clone(), true
	}
	return types.Alert{}, false
}

// OpenFor returns the open alert for a sensor, if any
func (m *Manager) OpenFor(sensorID string) (types.Alert, bool) {
	a, ok := m.open[sensorID]
	if !ok {
		return types.Alert{}, false
	}
	return a.Clone(), true
}

// ActiveAlerts returns copies of all open alerts ordered by ID
func (m *Manager) ActiveAlerts() []types.Alert {
	alerts := make([]types.Alert, 0, len(m.byID))
	for _, a := range m.byID {
		alerts = append(alerts, a.Clone())
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].ID < alerts[j].ID })
	return alerts
}

// OpenCount returns the number of open alerts
func (m *Manager) OpenCount() int {
	return len(m.byID)
}
