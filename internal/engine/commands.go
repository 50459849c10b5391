package engine

import (
	"fmt"

	"github.com/floodwatch/floodwatch/internal/config"
	"github.com/floodwatch/floodwatch/internal/metrics"
	"github.com/floodwatch/floodwatch/internal/types"
)

// Acknowledge moves an Active alert to Acknowledged.
// It fails with alerter.ErrNotFound or alerter.ErrInvalidTransition.
func (e *Engine) Acknowledge(alertID uint64) (types.Alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alerts.Acknowledge(alertID, e.clock())
}

// Dismiss force-resolves an Active or Acknowledged alert.
func (e *Engine) Dismiss(alertID uint64) (types.Alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := e.alerts.Dismiss(alertID, e.clock())
	metrics.AlertsOpen.Set(float64(e.alerts.OpenCount()))
	return a, err
}

// ReloadThresholds swaps the threshold snapshot. An invalid snapshot is
// rejected with config.ErrStaleConfig and the previous one stays active.
// Open alerts are not touched; the new thresholds apply from the next reading.
func (e *Engine) ReloadThresholds(th config.Thresholds) error {
	if err := config.ValidateThresholds(&th); err != nil {
		metrics.ConfigReloadsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: %v", config.ErrStaleConfig, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.thresholds.Swap(&th)
	metrics.ConfigReloadsTotal.WithLabelValues("success").Inc()
	e.log.Info().
		Float64("warning_level", th.WarningLevel).
		Float64("critical_level", th.CriticalLevel).
		Float64("temp_warning_level", th.TempWarningLevel).
		Float64("hysteresis_percent", th.HysteresisPercent).
		Int("min_peers", th.MinPeers).
		Msg("thresholds reloaded")

	if prev == nil || prev.MinPeers != th.MinPeers {
		e.recomputeNetworkLocked(e.clock())
	}
	return nil
}

// ReloadFromDir loads thresholds.yaml from dir and applies it.
func (e *Engine) ReloadFromDir(dir string) error {
	th, err := config.LoadThresholds(dir)
	if err != nil {
		metrics.ConfigReloadsTotal.WithLabelValues("failed").Inc()
		e.log.Error().Err(err).Str("dir", dir).Msg("threshold reload rejected, keeping previous config")
		return err
	}
	return e.ReloadThresholds(*th)
}

// SetConnectedPeers records the peer count reported by an external source.
// It is ignored for readiness when peers are derived from the registry.
func (e *Engine) SetConnectedPeers(n int) {
	if n < 0 {
		n = 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.externalPeers = n
	if e.opts.PeerSource == config.PeerSourceExternal {
		e.recomputeNetworkLocked(e.clock())
	}
}
