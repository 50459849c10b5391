package types

import (
	"math"
	"strings"
	"time"
)

// Category is the classification of a sensor's current reading
type Category int

const (
	CategoryNormal Category = iota
	CategoryWarning
	CategoryAlert
)

func (c Category) String() string {
	switch c {
	case CategoryNormal:
		return "Normal"
	case CategoryWarning:
		return "Warning"
	case CategoryAlert:
		return "Alert"
	default:
		return "Unknown"
	}
}

// MarshalText renders the category by name in JSON payloads.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// MaxCategory returns the more severe of two categories.
func MaxCategory(a, b Category) Category {
	if a > b {
		return a
	}
	return b
}

// Metric names the measurement that drove a classification.
type Metric string

const (
	MetricWaterLevel  Metric = "water_level"
	MetricTemperature Metric = "temperature"
)

// Levels holds the per-metric categories used for hysteresis.
type Levels struct {
	Water       Category `json:"water"`
	Temperature Category `json:"temperature"`
}

// Overall is the sensor category: the maximum severity across metrics.
func (l Levels) Overall() Category {
	return MaxCategory(l.Water, l.Temperature)
}

// Driver returns the metric responsible for the overall category.
// Water wins ties since it is the primary flood signal.
func (l Levels) Driver() Metric {
	if l.Temperature > l.Water {
		return MetricTemperature
	}
	return MetricWaterLevel
}

// Reading is one telemetry sample delivered by the feed.
// Missing values are carried as NaN.
type Reading struct {
	SensorID    string    `json:"sensor_id"`
	Name        string    `json:"name,omitempty"`
	WaterLevel  float64   `json:"water_level"`
	Temperature float64   `json:"temperature"`
	SampledAt   time.Time `json:"sampled_at"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Value returns the reading for the given metric.
func (r Reading) Value(m Metric) float64 {
	if m == MetricTemperature {
		return r.Temperature
	}
	return r.WaterLevel
}

// NormalizeSensorID canonicalizes a device address.
func NormalizeSensorID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// Missing reports whether a measurement is absent or unusable.
func Missing(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}

// Sensor is the registry's view of a device.
type Sensor struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	WaterLevel  float64   `json:"water_level"`
	Temperature float64   `json:"temperature"`
	Levels      Levels    `json:"levels"`
	Category    Category  `json:"category"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	SampledAt   time.Time `json:"sampled_at"`
	Online      bool      `json:"online"`
	StaleData   bool      `json:"stale_data"`
}

// SensorSnapshot is the read-only row returned to presentation layers.
type SensorSnapshot struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	WaterLevel      *float64 `json:"waterLevel"`
	Temperature     *float64 `json:"temperature"`
	Category        Category `json:"category"`
	LastSeenSeconds int64    `json:"lastSeenSeconds"`
	Online          bool     `json:"online"`
	StaleData       bool     `json:"staleData"`
}

// NetworkStatus is the derived mesh readiness view
type NetworkStatus struct {
	NetworkReady   bool `json:"networkReady"`
	ConnectedPeers int  `json:"connectedPeers"`
	MinPeers       int  `json:"minPeers"`
}
