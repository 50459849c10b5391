package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/floodwatch/floodwatch/internal/alerter"
	"github.com/floodwatch/floodwatch/internal/config"
	"github.com/floodwatch/floodwatch/internal/engine"
	"github.com/floodwatch/floodwatch/internal/history"
	"github.com/floodwatch/floodwatch/internal/ingest"
	"github.com/floodwatch/floodwatch/internal/logging"
	"github.com/floodwatch/floodwatch/internal/types"
	"github.com/go-chi/chi/v5"
)

const maxBodySize = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   err.Error(),
	})
}

// statusFor maps engine errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, alerter.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, alerter.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, config.ErrStaleConfig):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrInvalidReading):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.versionMu.RLock()
	version, commit, buildDate := s.version, s.commit, s.buildDate
	s.versionMu.RUnlock()

	status := map[string]interface{}{
		"engine":     s.engine.Stats(),
		"network":    s.engine.GetNetworkStatus(),
		"thresholds": s.engine.Thresholds(),
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime":     time.Since(s.startTime).Round(time.Second).String(),
		"version":    version,
		"commit":     commit,
		"build_date": buildDate,
	}
	if s.ingestHealth != nil {
		status["ingest"] = s.ingestHealth()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	sensors := s.engine.GetSensorSnapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sensors": sensors,
		"count":   len(sensors),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := s.engine.GetActiveAlerts()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	id, err := alertID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a, ok := s.engine.GetAlert(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("alert %d: %w", id, alerter.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, "acknowledge", s.engine.Acknowledge)
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, "dismiss", s.engine.Dismiss)
}

// command runs an alert command and reports the resulting alert state,
// including on InvalidTransition.
func (s *Server) command(w http.ResponseWriter, r *http.Request, name string, fn func(uint64) (types.Alert, error)) {
	id, err := alertID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	a, err := fn(id)
	if err != nil {
		s.logger.Warn().Err(err).Uint64("alert_id", id).Str("command", name).Msg("alert command rejected")
		resp := map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		}
		if a.ID != 0 {
			resp["alert"] = a
		}
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"alert":   a,
	})
}

func alertID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid alert id %q", raw)
	}
	return id, nil
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r, time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	records, err := s.engine.GetHistory(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"history": records,
		"count":   len(records),
	})
}

// parseFilter reads severity, sensor, since and limit. since accepts an
// RFC3339 timestamp or a duration relative to now ("24h").
func parseFilter(r *http.Request, now time.Time) (history.Filter, error) {
	q := r.URL.Query()
	var f history.Filter

	switch sev := types.Severity(strings.ToLower(q.Get("severity"))); sev {
	case "":
	case types.SeverityWarning, types.SeverityCritical:
		f.Severity = sev
	default:
		return f, fmt.Errorf("invalid severity %q", q.Get("severity"))
	}

	f.SensorID = types.NormalizeSensorID(q.Get("sensor"))

	if since := q.Get("since"); since != "" {
		if d, err := time.ParseDuration(since); err == nil {
			f.Since = now.Add(-d)
		} else if t, err := time.Parse(time.RFC3339, since); err == nil {
			f.Since = t
		} else {
			return f, fmt.Errorf("invalid since %q", since)
		}
	}

	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", limit)
		}
		f.Limit = n
	}
	return f, nil
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetNetworkStatus())
}

func (s *Server) handleSetPeers(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := ingest.ParsePeerCount(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.engine.SetConnectedPeers(n)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"network": s.engine.GetNetworkStatus(),
	})
}

func (s *Server) handleThresholds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Thresholds())
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	accepted, err := ingest.HandlePayload(s.engine, ingest.SourceHTTP, body, s.logger)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, engine.ErrStopped) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]interface{}{
			"success":  false,
			"error":    err.Error(),
			"accepted": accepted,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success":  true,
		"accepted": accepted,
	})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reloadFunc == nil {
		writeError(w, http.StatusNotImplemented, errors.New("config reload not configured"))
		return
	}

	s.logger.Info().Msg("threshold reload requested via API")
	if err := s.reloadFunc(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"thresholds": s.engine.Thresholds(),
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}

	var entries []logging.LogEntry
	if s.logBuffer != nil {
		entries = s.logBuffer.Recent(n, r.URL.Query().Get("level"))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}
