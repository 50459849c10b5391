// Package engine is the single serialization point for sensor state.
//
// Readings enter through Submit into a bounded queue drained by one worker
// goroutine. The same worker runs the periodic tick (stale sweep, reminders,
// readiness). Commands and snapshot reads take the engine lock directly, so
// every mutation of registry and alert state is serialized.
package engine

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/floodwatch/floodwatch/internal/alerter"
	"github.com/floodwatch/floodwatch/internal/config"
	"github.com/floodwatch/floodwatch/internal/evaluator"
	"github.com/floodwatch/floodwatch/internal/events"
	"github.com/floodwatch/floodwatch/internal/history"
	"github.com/floodwatch/floodwatch/internal/metrics"
	"github.com/floodwatch/floodwatch/internal/network"
	"github.com/floodwatch/floodwatch/internal/queue"
	"github.com/floodwatch/floodwatch/internal/registry"
	"github.com/floodwatch/floodwatch/internal/types"
	"github.com/rs/zerolog"
)

var (
	// ErrStopped is returned by Submit after shutdown has begun.
	ErrStopped = errors.New("engine stopped")
	// ErrBackpressure marks a reading evicted from a full queue. It is logged
	// and counted, never returned to producers.
	ErrBackpressure = errors.New("ingestion queue full")
	// ErrInvalidReading is returned for readings without a sensor identity.
	ErrInvalidReading = errors.New("reading has no sensor id")
)

// Options configures an Engine
type Options struct {
	Thresholds    config.Thresholds
	QueueCapacity int
	TickInterval  time.Duration
	StaleTimeout  time.Duration
	HistoryBuffer int
	PeerSource    string
	FlapThreshold int
	FlapWindow    time.Duration
	EscalateAfter time.Duration

	// History receives resolved alerts. Defaults to an in-memory store.
	History history.Store
	// Clock defaults to time.Now.
	Clock  func() time.Time
	Logger zerolog.Logger
}

// FromConfig builds engine options from the loaded configuration
func FromConfig(cfg *config.Config) Options {
	return Options{
		Thresholds:    cfg.Thresholds,
		QueueCapacity: cfg.Engine.QueueCapacity,
		TickInterval:  cfg.Engine.TickInterval,
		StaleTimeout:  cfg.Engine.StaleTimeout,
		HistoryBuffer: cfg.Engine.HistoryBuffer,
		PeerSource:    cfg.Network.PeerSource,
		FlapThreshold: cfg.Alerts.FlapThreshold,
		FlapWindow:    cfg.Alerts.FlapWindow,
		EscalateAfter: cfg.Alerts.EscalateAfter,
	}
}

// Engine owns sensor, alert and network state
type Engine struct {
	log     zerolog.Logger
	sampled zerolog.Logger
	opts    Options
	clock   func() time.Time

	thresholds atomic.Pointer[config.Thresholds]
	queue      *queue.Queue
	bus        *events.Bus
	history    history.Store

	mu            sync.Mutex
	registry      *registry.Registry
	alerts        *alerter.Manager
	flap          *alerter.FlapDetector
	escalation    *alerter.EscalationManager
	network       *network.Aggregator
	externalPeers int
	archiveClosed bool

	archiveCh chan types.HistoryRecord
	archiveWG sync.WaitGroup

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	ticker   *time.Ticker
	started  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	startAt  time.Time

	processed atomic.Uint64
	dropped   atomic.Uint64
	stale     atomic.Uint64
	invalid   atomic.Uint64
}

// New creates an engine. Call Start to begin processing.
func New(opts Options) *Engine {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 100
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 2 * time.Second
	}
	if opts.StaleTimeout <= 0 {
		opts.StaleTimeout = 30 * time.Second
	}
	if opts.HistoryBuffer < 0 {
		opts.HistoryBuffer = 0
	}
	if opts.PeerSource == "" {
		opts.PeerSource = config.PeerSourceRegistry
	}
	if opts.FlapWindow <= 0 {
		opts.FlapWindow = 10 * time.Minute
	}
	if opts.History == nil {
		opts.History = history.NewMemoryStore()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	log := opts.Logger.With().Str("component", "engine").Logger()
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		log: log,
		sampled: log.Sample(&zerolog.BurstSampler{
			Burst:       5,
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: 100},
		}),
		opts:      opts,
		clock:     opts.Clock,
		queue:     queue.New(opts.QueueCapacity),
		bus:       events.NewBus(),
		history:   opts.History,
		registry:  registry.New(),
		network:   network.NewAggregator(),
		archiveCh: make(chan types.HistoryRecord, opts.HistoryBuffer),
		ctx:       ctx,
		cancel:    cancel,
	}
	th := opts.Thresholds
	e.thresholds.Store(&th)

	e.flap = alerter.NewFlapDetector(opts.Logger, opts.FlapThreshold, opts.FlapWindow)
	e.escalation = alerter.NewEscalationManager(opts.Logger, opts.EscalateAfter)
	e.alerts = alerter.NewManager(opts.Logger, e.flap, e.escalation, e.archive, e.emit)
	if last := opts.History.MaxID(); last > 0 {
		e.alerts.ResumeAfter(last)
		log.Info().Uint64("last_alert_id", last).Msg("alert numbering resumed from history")
	}

	metrics.QueueCapacity.Set(float64(opts.QueueCapacity))
	return e
}

// Start launches the ingestion worker and the history archiver.
func (e *Engine) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	e.startAt = e.clock()
	e.recomputeNetworkLocked(e.startAt)
	e.mu.Unlock()

	e.archiveWG.Add(1)
	go e.runArchiver()

	e.ticker = time.NewTicker(e.opts.TickInterval)
	e.wg.Add(1)
	go e.run(e.ticker)

	e.log.Info().
		Int("queue_capacity", e.opts.QueueCapacity).
		Dur("tick_interval", e.opts.TickInterval).
		Dur("stale_timeout", e.opts.StaleTimeout).
		Str("peer_source", e.opts.PeerSource).
		Msg("engine started")
}

// Stop shuts down gracefully: new readings are rejected, the queue is
// drained, pending history writes are flushed, then the tick stops and
// event subscribers are drained. Commands and snapshots keep working.
func (e *Engine) Stop(ctx context.Context) error {
	var err error
	e.stopOnce.Do(func() {
		e.stopping.Store(true)
		e.queue.Close()
		e.log.Info().Int("queued", e.queue.Len()).Msg("stopping engine")

		if e.started.Load() {
			e.cancel()
			e.wg.Wait()
		} else {
			e.cancel()
			e.drain()
		}

		e.mu.Lock()
		e.archiveClosed = true
		close(e.archiveCh)
		e.mu.Unlock()
		if e.started.Load() {
			e.archiveWG.Wait()
			e.ticker.Stop()
		}

		err = e.bus.Close(ctx)
		e.log.Info().
			Uint64("processed", e.processed.Load()).
			Uint64("dropped", e.dropped.Load()).
			Msg("engine stopped")
	})
	return err
}

// Submit enqueues a reading for evaluation. It never blocks; when the queue
// is full the oldest queued reading for the same sensor is dropped.
func (e *Engine) Submit(r types.Reading) error {
	if e.stopping.Load() {
		return ErrStopped
	}
	r.SensorID = types.NormalizeSensorID(r.SensorID)
	if r.SensorID == "" {
		e.invalid.Add(1)
		return ErrInvalidReading
	}
	r.ReceivedAt = e.clock()

	dropped, err := e.queue.Push(r)
	if err != nil {
		return ErrStopped
	}
	if dropped {
		e.dropped.Add(1)
		metrics.ReadingsDroppedTotal.Inc()
		e.sampled.Warn().
			Err(ErrBackpressure).
			Str("sensor_id", r.SensorID).
			Uint64("dropped_total", e.dropped.Load()).
			Msg("reading dropped")
	}
	metrics.QueueDepth.Set(float64(e.queue.Len()))
	return nil
}

// run owns the ingestion worker. The ticker is stopped by Stop once
// history is flushed.
func (e *Engine) run(ticker *time.Ticker) {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			e.drain()
			return
		case <-e.queue.Ready():
			e.drain()
		case <-ticker.C:
			e.Tick(e.clock())
		}
	}
}

func (e *Engine) drain() {
	for {
		r, ok := e.queue.Pop()
		if !ok {
			metrics.QueueDepth.Set(0)
			return
		}
		e.safeProcess(r)
	}
}

func (e *Engine) safeProcess(r types.Reading) {
	defer func() {
		if rec := recover(); rec != nil {
			e.log.Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("sensor_id", r.SensorID).
				Msg("reading processing panic recovered")
			metrics.PanicsRecovered.WithLabelValues("engine").Inc()
		}
	}()
	e.process(r)
}

// process updates the registry, classifies the reading and drives the
// alert state machine.
func (e *Engine) process(r types.Reading) {
	e.mu.Lock()
	defer e.mu.Unlock()

	th := e.thresholds.Load()
	now := r.ReceivedAt

	u := e.registry.Update(r.SensorID, r, now)
	res := evaluator.Classify(r, *th, u.Previous)
	e.registry.SetLevels(r.SensorID, res.Levels, res.Stale)

	if u.New {
		e.log.Info().Str("sensor_id", r.SensorID).Str("name", r.Name).Msg("new sensor")
		metrics.SensorsKnown.Set(float64(e.registry.Len()))
	} else if u.WasOffline {
		e.log.Info().Str("sensor_id", r.SensorID).Msg("sensor back online")
	}
	if res.Stale {
		e.stale.Add(1)
		metrics.ReadingsStaleTotal.Inc()
		e.sampled.Warn().
			Str("sensor_id", r.SensorID).
			Float64("water_level", r.WaterLevel).
			Float64("temperature", r.Temperature).
			Msg("stale data in reading")
	}
	if res.Category != u.PrevCat {
		e.log.Debug().
			Str("sensor_id", r.SensorID).
			Stringer("from", u.PrevCat).
			Stringer("to", res.Category).
			Msg("category changed")
	}

	s, _ := e.registry.Get(r.SensorID)
	e.alerts.Evaluate(alerter.Observation{
		SensorID:   r.SensorID,
		SensorName: s.Name,
		Category:   res.Category,
		Metric:     res.Levels.Driver(),
		Reading:    r,
		Now:        now,
	})

	e.processed.Add(1)
	metrics.ReadingsProcessedTotal.Inc()
	metrics.AlertsOpen.Set(float64(e.alerts.OpenCount()))
	if u.New || u.WasOffline {
		metrics.SensorsOnline.Set(float64(e.registry.OnlineCount()))
		if e.opts.PeerSource == config.PeerSourceRegistry {
			e.recomputeNetworkLocked(now)
		}
	}
}

// Tick runs the periodic work: stale sweep, escalation reminders, flap
// cleanup and readiness recomputation.
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, id := range e.registry.SweepStale(now, e.opts.StaleTimeout) {
		e.alerts.SetSensorOffline(id, true)
		e.log.Warn().Str("sensor_id", id).Dur("timeout", e.opts.StaleTimeout).Msg("sensor offline")
	}
	if n := e.alerts.CheckEscalations(now); n > 0 {
		metrics.AlertsEscalatedTotal.Add(float64(n))
	}
	e.flap.Cleanup(now)
	e.recomputeNetworkLocked(now)

	metrics.SensorsOnline.Set(float64(e.registry.OnlineCount()))
	metrics.AlertsOpen.Set(float64(e.alerts.OpenCount()))
	metrics.QueueDepth.Set(float64(e.queue.Len()))
}

func (e *Engine) recomputeNetworkLocked(now time.Time) {
	peers := e.externalPeers
	if e.opts.PeerSource == config.PeerSourceRegistry {
		peers = e.registry.OnlineCount()
	}
	status, changed := e.network.Recompute(peers, e.thresholds.Load().MinPeers)

	metrics.ConnectedPeers.Set(float64(status.ConnectedPeers))
	metrics.NetworkReady.Set(metrics.BoolGauge(status.NetworkReady))

	if changed {
		e.log.Info().
			Bool("ready", status.NetworkReady).
			Int("connected_peers", status.ConnectedPeers).
			Int("min_peers", status.MinPeers).
			Msg("network readiness changed")
		st := status
		e.emit(types.Event{Type: types.EventReadinessChanged, At: now, Network: &st})
	}
}

// emit publishes an event and updates lifecycle counters. Called with e.mu held.
func (e *Engine) emit(ev types.Event) {
	ev = e.bus.Publish(ev)
	if ev.Alert == nil {
		return
	}
	sev := string(ev.Alert.Severity)
	switch ev.Type {
	case types.EventRaised:
		metrics.AlertsRaisedTotal.WithLabelValues(sev).Inc()
	case types.EventAcknowledged:
		metrics.AlertsAcknowledgedTotal.WithLabelValues(sev).Inc()
	case types.EventResolved:
		metrics.AlertsResolvedTotal.WithLabelValues(sev, string(ev.Alert.Reason)).Inc()
	}
}
