package alerter

import (
	"time"

	"github.com/rs/zerolog"
)

// FlapDetector counts alert raises per sensor and flags sensors that keep
// re-alerting inside a window. Callers serialize access.
type FlapDetector struct {
	log       zerolog.Logger
	threshold int           // raises inside window that mark a sensor flapping; 0 disables
	window    time.Duration // time window for threshold
	history   map[string][]time.Time
	flapping  map[string]bool
}

// NewFlapDetector creates a new flap detector.
func NewFlapDetector(log zerolog.Logger, threshold int, window time.Duration) *FlapDetector {
	return &FlapDetector{
		log:       log.With().Str("component", "flap-detector").Logger(),
		threshold: threshold,
		window:    window,
		history:   make(map[string][]time.Time),
		flapping:  make(map[string]bool),
	}
}

// RecordRaise records a raise at now and reports whether the sensor is flapping.
// justStarted is true only on the raise that crossed the threshold.
func (f *FlapDetector) RecordRaise(sensorID string, now time.Time) (flapping bool, justStarted bool) {
	if f.threshold <= 0 {
		return false, false
	}

	pruned := f.prune(f.history[sensorID], now)
	pruned = append(pruned, now)
	f.history[sensorID] = pruned

	if len(pruned) >= f.threshold {
		wasFlapping := f.flapping[sensorID]
		f.flapping[sensorID] = true
		if !wasFlapping {
			f.log.Warn().Str("sensor_id", sensorID).Int("raises", len(pruned)).Dur("window", f.window).Msg("flapping detected")
			return true, true
		}
		return true, false
	}

	return false, false
}

// IsFlapping returns whether a sensor is currently marked as flapping.
func (f *FlapDetector) IsFlapping(sensorID string) bool {
	return f.flapping[sensorID]
}

// Cleanup drops raises older than the window and clears the flag on sensors
// that have gone quiet. It returns the sensors that stopped flapping.
func (f *FlapDetector) Cleanup(now time.Time) []string {
	var stopped []string
	for id, timestamps := range f.history {
		pruned := f.prune(timestamps, now)
		if len(pruned) == 0 {
			delete(f.history, id)
		} else {
			f.history[id] = pruned
		}
		if f.flapping[id] && len(pruned) < f.threshold {
			delete(f.flapping, id)
			stopped = append(stopped, id)
			f.log.Info().Str("sensor_id", id).Msg("flapping stopped")
		}
	}
	return stopped
}

func (f *FlapDetector) prune(timestamps []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-f.window)
	pruned := make([]time.Time, 0, len(timestamps)+1)
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	return pruned
}
