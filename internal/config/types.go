package config

import (
	"os"
	"time"
)

// Config represents the complete floodwatch configuration
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	History HistoryConfig `yaml:"history"`
	Alerts  AlertConfig   `yaml:"alerts"`
	Network NetworkConfig `yaml:"network"`
	API     APIConfig     `yaml:"api"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	AMQP    AMQPConfig    `yaml:"amqp"`
	GNMI    GNMIConfig    `yaml:"gnmi"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Webhook WebhookConfig `yaml:"webhook"`

	// Thresholds is loaded from thresholds.yaml and may be swapped at runtime.
	Thresholds Thresholds `yaml:"-"`
}

// EngineConfig controls ingestion and the scheduler tick
type EngineConfig struct {
	QueueCapacity int           `yaml:"queue_capacity"`
	TickInterval  time.Duration `yaml:"tick_interval"`
	StaleTimeout  time.Duration `yaml:"stale_timeout"`
	HistoryBuffer int           `yaml:"history_buffer"`
}

// HistoryConfig selects the history backend and its retention policy
type HistoryConfig struct {
	Backend    string        `yaml:"backend"` // "memory" or "file"
	Path       string        `yaml:"path,omitempty"`
	MaxRecords int           `yaml:"max_records,omitempty"`
	MaxAge     time.Duration `yaml:"max_age,omitempty"`
}

// AlertConfig defines flap suppression and reminder behavior
type AlertConfig struct {
	FlapThreshold int           `yaml:"flap_threshold"`
	FlapWindow    time.Duration `yaml:"flap_window"`
	EscalateAfter time.Duration `yaml:"escalate_after"`
}

// NetworkConfig defines where the connected peer count comes from
type NetworkConfig struct {
	PeerSource string `yaml:"peer_source"` // "registry" or "external"
}

const (
	PeerSourceRegistry = "registry"
	PeerSourceExternal = "external"
)

// APIConfig configures the HTTP listener
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// MQTTConfig configures the MQTT telemetry feed
type MQTTConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Broker        string `yaml:"broker"`
	ClientID      string `yaml:"client_id"`
	Username      string `yaml:"username,omitempty"`
	PasswordEnv   string `yaml:"password_env,omitempty"`
	ReadingsTopic string `yaml:"readings_topic"`
	PeersTopic    string `yaml:"peers_topic,omitempty"`
	QoS           byte   `yaml:"qos"`
}

// Password resolves the broker password from the environment.
func (c MQTTConfig) Password() string {
	return lookupEnv(c.PasswordEnv)
}

// AMQPConfig configures the RabbitMQ telemetry consumer
type AMQPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URLEnv   string `yaml:"url_env"`
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
	Binding  string `yaml:"binding_key"`
	Prefetch int    `yaml:"prefetch"`
}

// URL resolves the broker URL from the environment.
func (c AMQPConfig) URL() string {
	return lookupEnv(c.URLEnv)
}

// GNMIConfig configures gNMI subscription to sensor gateways
type GNMIConfig struct {
	Enabled        bool                  `yaml:"enabled"`
	SampleInterval time.Duration         `yaml:"sample_interval"`
	Targets        map[string]GNMITarget `yaml:"targets"`
}

// GNMITarget is one gateway exporting sensor state over gNMI
type GNMITarget struct {
	Address     string `yaml:"address"`
	Username    string `yaml:"username,omitempty"`
	PasswordEnv string `yaml:"password_env,omitempty"`
	TLS         bool   `yaml:"tls"`
	SkipVerify  bool   `yaml:"skip_verify,omitempty"`
	CACert      string `yaml:"ca_cert,omitempty"`
	ClientCert  string `yaml:"client_cert,omitempty"`
	ClientKey   string `yaml:"client_key,omitempty"`
}

// Password resolves the target password from the environment.
func (t GNMITarget) Password() string {
	return lookupEnv(t.PasswordEnv)
}

// KafkaConfig configures the lifecycle event publisher
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// WebhookConfig configures the HTTP webhook sink
type WebhookConfig struct {
	Enabled bool          `yaml:"enabled"`
	URLEnv  string        `yaml:"url_env"`
	Timeout time.Duration `yaml:"timeout"`
}

// URL resolves the webhook endpoint from the environment.
func (c WebhookConfig) URL() string {
	return lookupEnv(c.URLEnv)
}

// Thresholds is the immutable snapshot consumed by the categorizer.
type Thresholds struct {
	WarningLevel      float64 `json:"warning_level"`
	CriticalLevel     float64 `json:"critical_level"`
	TempWarningLevel  float64 `json:"temp_warning_level"`
	HysteresisPercent float64 `json:"hysteresis_percent"`
	MinPeers          int     `json:"min_peers"`
}

// Margin returns the hysteresis band below a threshold.
func (t Thresholds) Margin(threshold float64) float64 {
	return threshold * t.HysteresisPercent / 100
}

func lookupEnv(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}
