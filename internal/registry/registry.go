// Package registry holds the authoritative map of known sensors.
//
// Registry is not safe for concurrent use; the engine serializes access.
package registry

import (
	"sort"
	"time"

	"github.com/floodwatch/floodwatch/internal/types"
)

// Registry tracks the latest reading and derived state of every sensor
type Registry struct {
	sensors map[string]*types.Sensor
}

// Update is the result of recording a reading
type Update struct {
	Previous   types.Levels
	PrevCat    types.Category
	Online     bool
	WasOffline bool
	New        bool
}

// New creates an empty registry
func New() *Registry {
	return &Registry{sensors: make(map[string]*types.Sensor)}
}

// Update inserts or refreshes a sensor's last reading and lastSeenAt.
// It returns the previous levels for edge detection; category is written
// separately by SetLevels once the reading has been classified.
func (r *Registry) Update(id string, reading types.Reading, at time.Time) Update {
	s, ok := r.sensors[id]
	if !ok {
		s = &types.Sensor{ID: id, Name: id, FirstSeenAt: at}
		r.sensors[id] = s
	}

	u := Update{
		Previous:   s.Levels,
		PrevCat:    s.Category,
		WasOffline: ok && !s.Online,
		New:        !ok,
	}

	if reading.Name != "" {
		s.Name = reading.Name
	}
	s.WaterLevel = reading.WaterLevel
	s.Temperature = reading.Temperature
	s.SampledAt = reading.SampledAt
	s.LastSeenAt = at
	s.Online = true

	u.Online = s.Online
	return u
}

// SetLevels records the classification of the sensor's latest reading.
func (r *Registry) SetLevels(id string, levels types.Levels, stale bool) {
	s, ok := r.sensors[id]
	if !ok {
		return
	}
	s.Levels = levels
	s.Category = levels.Overall()
	s.StaleData = stale
}

// SweepStale marks sensors not heard from within timeout as offline and
// returns the IDs that just transitioned, sorted for stable output.
func (r *Registry) SweepStale(now time.Time, timeout time.Duration) []string {
	var offline []string
	for id, s := range r.sensors {
		if s.Online && now.Sub(s.LastSeenAt) > timeout {
			s.Online = false
			offline = append(offline, id)
		}
	}
	sort.Strings(offline)
	return offline
}

// Get returns a copy of a sensor
func (r *Registry) Get(id string) (types.Sensor, bool) {
	s, ok := r.sensors[id]
	if !ok {
		return types.Sensor{}, false
	}
	return *s, true
}

// OnlineCount returns the number of sensors currently online
func (r *Registry) OnlineCount() int {
	n := 0
	for _, s := range r.sensors {
		if s.Online {
			n++
		}
	}
	return n
}

// Len returns the number of known sensors
func (r *Registry) Len() int {
	return len(r.sensors)
}

// Snapshot returns presentation rows ordered by sensor ID
func (r *Registry) Snapshot(now time.Time) []types.SensorSnapshot {
	out := make([]types.SensorSnapshot, 0, len(r.sensors))
	for _, s := range r.sensors {
		row := types.SensorSnapshot{
			ID:              s.ID,
			Name:            s.Name,
			Category:        s.Category,
			LastSeenSeconds: int64(now.Sub(s.LastSeenAt) / time.Second),
			Online:          s.Online,
			StaleData:       s.StaleData,
		}
		if !types.Missing(s.WaterLevel) {
			v := s.WaterLevel
			row.WaterLevel = &v
		}
		if !types.Missing(s.Temperature) {
			v := s.Temperature
			row.Temperature = &v
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
