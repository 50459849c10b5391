// Package api serves the engine's snapshots and commands over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/floodwatch/floodwatch/internal/config"
	"github.com/floodwatch/floodwatch/internal/engine"
	"github.com/floodwatch/floodwatch/internal/history"
	"github.com/floodwatch/floodwatch/internal/logging"
	"github.com/floodwatch/floodwatch/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Engine is the engine surface the API depends on
type Engine interface {
	Submit(r types.Reading) error
	GetSensorSnapshot() []types.SensorSnapshot
	GetActiveAlerts() []types.Alert
	GetAlert(id uint64) (types.Alert, bool)
	GetHistory(f history.Filter) ([]types.HistoryRecord, error)
	GetNetworkStatus() types.NetworkStatus
	Acknowledge(alertID uint64) (types.Alert, error)
	Dismiss(alertID uint64) (types.Alert, error)
	SetConnectedPeers(n int)
	Thresholds() config.Thresholds
	Stats() engine.Stats
}

// ReloadFunc reloads thresholds from the configuration source
type ReloadFunc func() error

// IngestHealthFunc reports per-target status of long-lived feeds
type IngestHealthFunc func() map[string]interface{}

// Server provides the HTTP API
type Server struct {
	engine    Engine
	logger    zerolog.Logger
	addr      string
	startTime time.Time
	srv       *http.Server

	logBuffer    *logging.LogBuffer
	eventStream  http.Handler
	reloadFunc   ReloadFunc
	ingestHealth IngestHealthFunc

	versionMu sync.RWMutex
	version   string
	commit    string
	buildDate string
}

// NewServer creates a new API server
func NewServer(eng Engine, logger zerolog.Logger, addr string) *Server {
	return &Server{
		engine:    eng,
		logger:    logger.With().Str("component", "api").Logger(),
		addr:      addr,
		startTime: time.Now(),
	}
}

// SetLogBuffer exposes captured log lines at /api/logs
func (s *Server) SetLogBuffer(lb *logging.LogBuffer) {
	s.logBuffer = lb
}

// SetEventStream mounts the websocket hub at /ws
func (s *Server) SetEventStream(h http.Handler) {
	s.eventStream = h
}

// SetReloadFunc sets the function called by POST /api/reload
func (s *Server) SetReloadFunc(fn ReloadFunc) {
	s.reloadFunc = fn
}

// SetIngestHealth adds feed status to /api/status
func (s *Server) SetIngestHealth(fn IngestHealthFunc) {
	s.ingestHealth = fn
}

// SetVersion sets the version information
func (s *Server) SetVersion(version, commit, buildDate string) {
	s.versionMu.Lock()
	defer s.versionMu.Unlock()
	s.version = version
	s.commit = commit
	s.buildDate = buildDate
}

// Router builds the route table
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(recovery(s.logger))
	r.Use(requestLogger(s.logger))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	if s.eventStream != nil {
		r.Handle("/ws", s.eventStream)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/sensors", s.handleSensors)
		r.Get("/alerts", s.handleAlerts)
		r.Get("/alerts/{id}", s.handleAlert)
		r.Post("/alerts/{id}/ack", s.handleAcknowledge)
		r.Post("/alerts/{id}/dismiss", s.handleDismiss)
		r.Get("/history", s.handleHistory)
		r.Get("/network", s.handleNetwork)
		r.Put("/network/peers", s.handleSetPeers)
		r.Get("/thresholds", s.handleThresholds)
		r.Post("/readings", s.handleReadings)
		r.Post("/reload", s.handleReload)
		r.Get("/logs", s.handleLogs)
	})
	return r
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", s.addr).Msg("API listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
