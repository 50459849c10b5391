package alerter

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/floodwatch/floodwatch/internal/types"
	"github.com/rs/zerolog"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	records []types.HistoryRecord
	events  []types.Event
}

func newTestManager(flapThreshold int, escalateAfter time.Duration) (*Manager, *recorder) {
	rec := &recorder{}
	m := NewManager(
		zerolog.Nop(),
		NewFlapDetector(zerolog.Nop(), flapThreshold, 10*time.Minute),
		NewEscalationManager(zerolog.Nop(), escalateAfter),
		func(r types.HistoryRecord) { rec.records = append(rec.records, r) },
		func(ev types.Event) { rec.events = append(rec.events, ev) },
	)
	return m, rec
}

func obs(sensor string, cat types.Category, water float64, at time.Time) Observation {
	return Observation{
		SensorID: sensor,
		Category: cat,
		Metric:   types.MetricWaterLevel,
		Reading:  types.Reading{SensorID: sensor, WaterLevel: water, Temperature: 20},
		Now:      at,
	}
}

func (r *recorder) kinds() []types.EventType {
	out := make([]types.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func TestRaiseAndRelieve(t *testing.T) {
	m, rec := newTestManager(0, 0)

	m.Evaluate(obs("S1", types.CategoryAlert, 80, t0))
	active := m.ActiveAlerts()
	if len(active) != 1 || active[0].Severity != types.SeverityCritical || active[0].Status != types.StatusActive {
		t.Fatalf("active = %+v", active)
	}
	if active[0].PeakValue != 80 || !active[0].RaisedAt.Equal(t0) {
		t.Fatalf("alert = %+v", active[0])
	}

	m.Evaluate(obs("S1", types.CategoryAlert, 85, t0.Add(time.Second)))
	m.Evaluate(obs("S1", types.CategoryAlert, 70, t0.Add(2*time.Second)))
	if a, _ := m.OpenFor("S1"); a.PeakValue != 85 {
		t.Fatalf("peak = %v, want 85", a.PeakValue)
	}

	m.Evaluate(obs("S1", types.CategoryNormal, 60, t0.Add(time.Minute)))
	if m.OpenCount() != 0 {
		t.Fatal("alert still open after relief")
	}
	if len(rec.records) != 1 {
		t.Fatalf("history records = %d", len(rec.records))
	}
	h := rec.records[0]
	if h.Duration != time.Minute || h.Reason != types.ReasonRelieved || h.PeakValue != 85 {
		t.Fatalf("history = %+v", h)
	}
	want := []types.EventType{types.EventRaised, types.EventResolved}
	if got := rec.kinds(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("events = %v", got)
	}
}

func TestNoDuplicateWhileOpen(t *testing.T) {
	m, rec := newTestManager(0, 0)
	for i := 0; i < 5; i++ {
		m.Evaluate(obs("S1", types.CategoryWarning, 71, t0.Add(time.Duration(i)*time.Second)))
	}
	if m.OpenCount() != 1 || len(rec.events) != 1 {
		t.Fatalf("open=%d events=%d", m.OpenCount(), len(rec.events))
	}
}

func TestEscalationReplacesWarning(t *testing.T) {
	m, rec := newTestManager(0, 0)
	m.Evaluate(obs("S1", types.CategoryWarning, 71, t0))
	m.Evaluate(obs("S1", types.CategoryAlert, 76, t0.Add(time.Second)))

	active := m.ActiveAlerts()
	if len(active) != 1 || active[0].Severity != types.SeverityCritical {
		t.Fatalf("active = %+v", active)
	}
	if len(rec.records) != 1 || rec.records[0].Reason != types.ReasonEscalated || rec.records[0].Severity != types.SeverityWarning {
		t.Fatalf("history = %+v", rec.records)
	}

	// Critical subsumes Warning: dropping to Warning keeps the Critical alert open.
	m.Evaluate(obs("S1", types.CategoryWarning, 72, t0.Add(2*time.Second)))
	if a, ok := m.OpenFor("S1"); !ok || a.Severity != types.SeverityCritical {
		t.Fatalf("open = %+v ok=%v", a, ok)
	}
}

func TestAcknowledge(t *testing.T) {
	m, rec := newTestManager(0, 0)
	m.Evaluate(obs("S1", types.CategoryWarning, 71, t0))
	id := m.ActiveAlerts()[0].ID

	a, err := m.Acknowledge(id, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if a.Status != types.StatusAcknowledged || a.AcknowledgedAt == nil || !a.AcknowledgedAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("alert = %+v", a)
	}

	if _, err := m.Acknowledge(id, t0.Add(2*time.Minute)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second ack err = %v", err)
	}
	if _, err := m.Acknowledge(999, t0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id err = %v", err)
	}

	// Acknowledged is not terminal; relief still resolves it.
	m.Evaluate(obs("S1", types.CategoryNormal, 10, t0.Add(3*time.Minute)))
	if len(rec.records) != 1 || rec.records[0].AcknowledgedAt == nil {
		t.Fatalf("history = %+v", rec.records)
	}
}

func TestAcknowledgeResolvedIsInvalid(t *testing.T) {
	m, rec := newTestManager(0, 0)
	m.Evaluate(obs("S1", types.CategoryWarning, 71, t0))
	id := m.ActiveAlerts()[0].ID
	m.Evaluate(obs("S1", types.CategoryNormal, 10, t0.Add(time.Second)))

	events := len(rec.events)
	a, err := m.Acknowledge(id, t0.Add(time.Minute))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v", err)
	}
	if a.Status != types.StatusResolved || a.AcknowledgedAt != nil {
		t.Fatalf("state mutated: %+v", a)
	}
	if len(rec.events) != events {
		t.Fatal("event emitted for rejected command")
	}
	if got, _ := m.Get(id); got.AcknowledgedAt != nil {
		t.Fatalf("stored alert mutated: %+v", got)
	}
}

func TestDismiss(t *testing.T) {
	m, rec := newTestManager(0, 0)
	m.Evaluate(obs("S1", types.CategoryWarning, 71, t0))
	id := m.ActiveAlerts()[0].ID

	a, err := m.Dismiss(id, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	if a.Status != types.StatusResolved || a.Reason != types.ReasonDismissed {
		t.Fatalf("alert = %+v", a)
	}

	// Dismissing again, or relief racing the dismissal, never archives twice.
	if _, err := m.Dismiss(id, t0.Add(2*time.Minute)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second dismiss err = %v", err)
	}
	m.Evaluate(obs("S1", types.CategoryNormal, 10, t0.Add(3*time.Minute)))
	if len(rec.records) != 1 {
		t.Fatalf("history records = %d, want 1", len(rec.records))
	}
}

func TestDismissSuppressesUntilNormalOrEscalation(t *testing.T) {
	m, _ := newTestManager(0, 0)
	m.Evaluate(obs("S1", types.CategoryWarning, 71, t0))
	m.Dismiss(m.ActiveAlerts()[0].ID, t0)

	m.Evaluate(obs("S1", types.CategoryWarning, 72, t0.Add(time.Second)))
	if m.OpenCount() != 0 {
		t.Fatal("dismissed warning re-raised at same severity")
	}

	m.Evaluate(obs("S1", types.CategoryAlert, 80, t0.Add(2*time.Second)))
	if a, ok := m.OpenFor("S1"); !ok || a.Severity != types.SeverityCritical {
		t.Fatal("escalation after dismissal should raise")
	}
	m.Dismiss(m.ActiveAlerts()[0].ID, t0.Add(3*time.Second))
	m.Evaluate(obs("S1", types.CategoryNormal, 10, t0.Add(4*time.Second)))
	m.Evaluate(obs("S1", types.CategoryWarning, 71, t0.Add(5*time.Second)))
	if m.OpenCount() != 1 {
		t.Fatal("returning to normal should clear suppression")
	}
}

func TestEscalationReminder(t *testing.T) {
	m, rec := newTestManager(0, 5*time.Minute)
	m.Evaluate(obs("S1", types.CategoryAlert, 80, t0))
	m.Evaluate(obs("S2", types.CategoryAlert, 80, t0))
	m.Acknowledge(m.ActiveAlerts()[1].ID, t0.Add(time.Minute))

	if n := m.CheckEscalations(t0.Add(4 * time.Minute)); n != 0 {
		t.Fatalf("early escalation: %d", n)
	}
	if n := m.CheckEscalations(t0.Add(5 * time.Minute)); n != 1 {
		t.Fatalf("escalations = %d, want 1", n)
	}
	if n := m.CheckEscalations(t0.Add(10 * time.Minute)); n != 0 {
		t.Fatalf("escalated twice: %d", n)
	}
	last := rec.events[len(rec.events)-1]
	if last.Type != types.EventEscalated || last.Alert.SensorID != "S1" || !last.Alert.Escalated {
		t.Fatalf("last event = %+v", last)
	}
}

func TestFlappingFlag(t *testing.T) {
	m, rec := newTestManager(3, 0)
	at := t0
	for i := 0; i < 3; i++ {
		m.Evaluate(obs("S1", types.CategoryWarning, 71, at))
		at = at.Add(time.Minute)
		m.Evaluate(obs("S1", types.CategoryNormal, 10, at))
		at = at.Add(time.Minute)
	}
	var raised []types.Event
	for _, ev := range rec.events {
		if ev.Type == types.EventRaised {
			raised = append(raised, ev)
		}
	}
	if len(raised) != 3 {
		t.Fatalf("raised = %d", len(raised))
	}
	if raised[1].Alert.Flapping || !raised[2].Alert.Flapping {
		t.Fatalf("flapping flags = %v %v", raised[1].Alert.Flapping, raised[2].Alert.Flapping)
	}
}

func TestSensorOfflineMarker(t *testing.T) {
	m, _ := newTestManager(0, 0)
	m.Evaluate(obs("S1", types.CategoryAlert, 80, t0))
	if !m.SetSensorOffline("S1", true) {
		t.Fatal("expected marker change")
	}
	if a, _ := m.OpenFor("S1"); !a.SensorOffline || a.Status != types.StatusActive {
		t.Fatalf("offline alert = %+v", a)
	}
	m.Evaluate(obs("S1", types.CategoryAlert, 81, t0.Add(time.Minute)))
	if a, _ := m.OpenFor("S1"); a.SensorOffline {
		t.Fatal("marker not cleared by a new reading")
	}
	if m.SetSensorOffline("S2", true) {
		t.Fatal("no alert for S2")
	}
}

// Randomly interleaved readings and commands never leave more than one open
// alert per sensor, and every alert ID reaches history at most once.
func TestAtMostOneOpenPerSensor(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	m, rec := newTestManager(4, time.Minute)
	sensors := []string{"A", "B", "C", "D"}
	cats := []types.Category{types.CategoryNormal, types.CategoryWarning, types.CategoryAlert}
	at := t0

	for i := 0; i < 5000; i++ {
		at = at.Add(time.Duration(rng.Intn(3000)) * time.Millisecond)
		switch rng.Intn(10) {
		case 0:
			if active := m.ActiveAlerts(); len(active) > 0 {
				m.Acknowledge(active[rng.Intn(len(active))].ID, at)
			}
		case 1:
			if active := m.ActiveAlerts(); len(active) > 0 {
				m.Dismiss(active[rng.Intn(len(active))].ID, at)
			}
		case 2:
			m.CheckEscalations(at)
		default:
			s := sensors[rng.Intn(len(sensors))]
			m.Evaluate(obs(s, cats[rng.Intn(len(cats))], rng.Float64()*100, at))
		}

		perSensor := map[string]int{}
		for _, a := range m.ActiveAlerts() {
			if !a.Status.Open() {
				t.Fatalf("step %d: closed alert in active set: %+v", i, a)
			}
			perSensor[a.SensorID]++
			if perSensor[a.SensorID] > 1 {
				t.Fatalf("step %d: sensor %s has %d open alerts", i, a.SensorID, perSensor[a.SensorID])
			}
		}
	}

	seen := map[uint64]bool{}
	for _, r := range rec.records {
		if seen[r.ID] {
			t.Fatalf("alert %d archived twice", r.ID)
		}
		seen[r.ID] = true
	}
}
