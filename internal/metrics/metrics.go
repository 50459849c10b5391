package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	ReadingsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floodwatch_readings_received_total",
			Help: "Total number of readings received per transport",
		},
		[]string{"source"}, // source: mqtt, amqp, gnmi, http
	)

	ReadingsProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "floodwatch_readings_processed_total",
			Help: "Total number of readings evaluated by the engine",
		},
	)

	ReadingsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "floodwatch_readings_dropped_total",
			Help: "Readings evicted from the ingestion queue by newer ones (backpressure)",
		},
	)

	ReadingsStaleTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "floodwatch_readings_stale_total",
			Help: "Readings with missing or NaN measurements",
		},
	)

	DecodeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floodwatch_decode_errors_total",
			Help: "Telemetry payloads that could not be decoded",
		},
		[]string{"source"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "floodwatch_queue_depth",
			Help: "Current number of readings waiting in the ingestion queue",
		},
	)

	QueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "floodwatch_queue_capacity",
			Help: "Capacity of the ingestion queue",
		},
	)

	// Alert lifecycle metrics
	AlertsRaisedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floodwatch_alerts_raised_total",
			Help: "Total number of alerts raised",
		},
		[]string{"severity"},
	)

	AlertsAcknowledgedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floodwatch_alerts_acknowledged_total",
			Help: "Total number of alerts acknowledged",
		},
		[]string{"severity"},
	)

	AlertsResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floodwatch_alerts_resolved_total",
			Help: "Total number of alerts resolved",
		},
		[]string{"severity", "reason"},
	)

	AlertsEscalatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "floodwatch_alerts_escalated_total",
			Help: "Reminders emitted for alerts left unacknowledged",
		},
	)

	AlertsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "floodwatch_alerts_open",
			Help: "Alerts currently Active or Acknowledged",
		},
	)

	HistoryAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floodwatch_history_appends_total",
			Help: "History store appends",
		},
		[]string{"status"}, // status: success, duplicate, failed
	)

	// Sensor and network metrics
	SensorsOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "floodwatch_sensors_online",
			Help: "Sensors that reported within the stale timeout",
		},
	)

	SensorsKnown = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "floodwatch_sensors_known",
			Help: "Sensors seen since startup",
		},
	)

	ConnectedPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "floodwatch_connected_peers",
			Help: "Connected mesh peers",
		},
	)

	NetworkReady = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "floodwatch_network_ready",
			Help: "1 when connected peers meet the configured minimum",
		},
	)

	ConfigReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floodwatch_config_reloads_total",
			Help: "Threshold reload attempts",
		},
		[]string{"status"}, // status: success, failed
	)

	// Notification sinks
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floodwatch_events_published_total",
			Help: "Lifecycle events delivered to sinks",
		},
		[]string{"sink", "status"},
	)

	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "floodwatch_websocket_clients",
			Help: "Connected websocket clients",
		},
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "floodwatch_kafka_publish_duration_seconds",
			Help:    "Time taken to publish an event batch to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floodwatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "floodwatch_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floodwatch_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)

// BoolGauge converts a flag to a gauge value.
func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
