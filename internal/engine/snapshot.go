package engine

import (
	"time"

	"github.com/floodwatch/floodwatch/internal/config"
	"github.com/floodwatch/floodwatch/internal/history"
	"github.com/floodwatch/floodwatch/internal/types"
)

// Stats is a point-in-time view of engine counters
type Stats struct {
	Processed     uint64        `json:"processed"`
	Dropped       uint64        `json:"backpressure_dropped"`
	Stale         uint64        `json:"stale_readings"`
	Invalid       uint64        `json:"invalid_readings"`
	QueueDepth    int           `json:"queue_depth"`
	QueueCapacity int           `json:"queue_capacity"`
	Sensors       int           `json:"sensors"`
	SensorsOnline int           `json:"sensors_online"`
	OpenAlerts    int           `json:"open_alerts"`
	LastEventSeq  uint64        `json:"last_event_seq"`
	Uptime        time.Duration `json:"uptime"`
}

// GetSensorSnapshot returns every known sensor ordered by ID
func (e *Engine) GetSensorSnapshot() []types.SensorSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.Snapshot(e.clock())
}

// GetActiveAlerts returns all Active and Acknowledged alerts
func (e *Engine) GetActiveAlerts() []types.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alerts.ActiveAlerts()
}

// GetAlert returns an open or recently resolved alert
func (e *Engine) GetAlert(id uint64) (types.Alert, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alerts.Get(id)
}

// GetHistory queries resolved alerts newest-first. Records are written
// asynchronously, so a just-resolved alert may take a moment to appear.
func (e *Engine) GetHistory(f history.Filter) ([]types.HistoryRecord, error) {
	return e.history.Query(f)
}

// GetNetworkStatus returns the last computed readiness
func (e *Engine) GetNetworkStatus() types.NetworkStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.network.Last()
}

// Thresholds returns the active threshold snapshot
func (e *Engine) Thresholds() config.Thresholds {
	return *e.thresholds.Load()
}

// Subscribe returns the lifecycle event stream. Call cancel to unsubscribe.
func (e *Engine) Subscribe() (<-chan types.Event, func()) {
	return e.bus.Subscribe()
}

// Stats returns engine counters
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	sensors := e.registry.Len()
	online := e.registry.OnlineCount()
	open := e.alerts.OpenCount()
	startAt := e.startAt
	e.mu.Unlock()

	var uptime time.Duration
	if !startAt.IsZero() {
		uptime = e.clock().Sub(startAt)
	}
	return Stats{
		Processed:     e.processed.Load(),
		Dropped:       e.dropped.Load(),
		Stale:         e.stale.Load(),
		Invalid:       e.invalid.Load(),
		QueueDepth:    e.queue.Len(),
		QueueCapacity: e.queue.Cap(),
		Sensors:       sensors,
		SensorsOnline: online,
		OpenAlerts:    open,
		LastEventSeq:  e.bus.Seq(),
		Uptime:        uptime,
	}
}
