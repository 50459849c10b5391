package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	mainFile       = "floodwatch.yaml"
	thresholdsFile = "thresholds.yaml"
)

// ErrStaleConfig is returned when a threshold reload is incomplete or invalid.
// The caller keeps its previous snapshot.
var ErrStaleConfig = errors.New("stale config")

// LoadConfigDir loads all configuration files from a directory
func LoadConfigDir(dir string) (*Config, error) {
	cfg := &Config{}

	if err := loadYAML(filepath.Join(dir, mainFile), cfg); err != nil {
		return nil, fmt.Errorf("loading %s: %w", mainFile, err)
	}

	th, err := LoadThresholds(dir)
	if err != nil {
		return nil, err
	}
	cfg.Thresholds = *th

	applyDefaults(cfg)

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// rawThresholds uses pointers so absent keys can be told apart from zero values.
type rawThresholds struct {
	WarningLevel      *float64 `yaml:"warning_level"`
	CriticalLevel     *float64 `yaml:"critical_level"`
	TempWarningLevel  *float64 `yaml:"temp_warning_level"`
	HysteresisPercent *float64 `yaml:"hysteresis_percent"`
	MinPeers          *int     `yaml:"min_peers"`
}

// LoadThresholds reads thresholds.yaml from dir. Every field is mandatory;
// a missing or invalid field yields an error wrapping ErrStaleConfig.
func LoadThresholds(dir string) (*Thresholds, error) {
	var raw rawThresholds
	if err := loadYAML(filepath.Join(dir, thresholdsFile), &raw); err != nil {
		return nil, fmt.Errorf("loading %s: %w: %v", thresholdsFile, ErrStaleConfig, err)
	}

	var missing []string
	if raw.WarningLevel == nil {
		missing = append(missing, "warning_level")
	}
	if raw.CriticalLevel == nil {
		missing = append(missing, "critical_level")
	}
	if raw.TempWarningLevel == nil {
		missing = append(missing, "temp_warning_level")
	}
	if raw.HysteresisPercent == nil {
		missing = append(missing, "hysteresis_percent")
	}
	if raw.MinPeers == nil {
		missing = append(missing, "min_peers")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%s: %w: missing %s", thresholdsFile, ErrStaleConfig, strings.Join(missing, ", "))
	}

	th := &Thresholds{
		WarningLevel:      *raw.WarningLevel,
		CriticalLevel:     *raw.CriticalLevel,
		TempWarningLevel:  *raw.TempWarningLevel,
		HysteresisPercent: *raw.HysteresisPercent,
		MinPeers:          *raw.MinPeers,
	}
	if err := ValidateThresholds(th); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", thresholdsFile, ErrStaleConfig, err)
	}
	return th, nil
}

// loadYAML loads a YAML file into a struct
func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

func applyDefaults(cfg *Config) {
	if cfg.Engine.QueueCapacity == 0 {
		cfg.Engine.QueueCapacity = 100
	}
	if cfg.Engine.TickInterval == 0 {
		cfg.Engine.TickInterval = 2 * time.Second
	}
	if cfg.Engine.StaleTimeout == 0 {
		cfg.Engine.StaleTimeout = 30 * time.Second
	}
	if cfg.Engine.HistoryBuffer == 0 {
		cfg.Engine.HistoryBuffer = 1024
	}
	if cfg.History.Backend == "" {
		cfg.History.Backend = "memory"
	}
	if cfg.Alerts.FlapWindow == 0 {
		cfg.Alerts.FlapWindow = 10 * time.Minute
	}
	if cfg.Network.PeerSource == "" {
		cfg.Network.PeerSource = PeerSourceRegistry
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = ":8088"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "floodwatch"
	}
	if cfg.MQTT.ReadingsTopic == "" {
		cfg.MQTT.ReadingsTopic = "floodwatch/sensors/+/reading"
	}
	if cfg.AMQP.Queue == "" {
		cfg.AMQP.Queue = "floodwatch.readings"
	}
	if cfg.AMQP.Prefetch == 0 {
		cfg.AMQP.Prefetch = 50
	}
	if cfg.GNMI.SampleInterval == 0 {
		cfg.GNMI.SampleInterval = 10 * time.Second
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "floodwatch.events"
	}
	if cfg.Webhook.Timeout == 0 {
		cfg.Webhook.Timeout = 10 * time.Second
	}
}

// ValidateThresholds checks the shape of a threshold snapshot
func ValidateThresholds(th *Thresholds) error {
	if th.WarningLevel < 0 || th.CriticalLevel < 0 || th.TempWarningLevel < 0 {
		return fmt.Errorf("threshold levels must be non-negative")
	}
	if th.CriticalLevel <= th.WarningLevel {
		return fmt.Errorf("critical_level (%g) must be greater than warning_level (%g)", th.CriticalLevel, th.WarningLevel)
	}
	if th.HysteresisPercent < 0 || th.HysteresisPercent >= 100 {
		return fmt.Errorf("hysteresis_percent must be in [0, 100)")
	}
	if th.MinPeers < 0 {
		return fmt.Errorf("min_peers must be >= 0")
	}
	return nil
}

// ValidateConfig validates the configuration
func ValidateConfig(cfg *Config) error {
	if cfg.Engine.QueueCapacity < 1 {
		return fmt.Errorf("engine.queue_capacity must be > 0")
	}
	if cfg.Engine.TickInterval < 0 || cfg.Engine.StaleTimeout < 0 {
		return fmt.Errorf("engine durations must be positive")
	}
	if cfg.Engine.HistoryBuffer < 0 {
		return fmt.Errorf("engine.history_buffer must be >= 0")
	}

	switch cfg.History.Backend {
	case "memory":
	case "file":
		if cfg.History.Path == "" {
			return fmt.Errorf("history.path is required for the file backend")
		}
	default:
		return fmt.Errorf("history.backend must be 'memory' or 'file'")
	}
	if cfg.History.MaxRecords < 0 || cfg.History.MaxAge < 0 {
		return fmt.Errorf("history retention limits must be >= 0")
	}

	if cfg.Alerts.FlapThreshold < 0 {
		return fmt.Errorf("alerts.flap_threshold must be >= 0")
	}
	if cfg.Alerts.EscalateAfter < 0 {
		return fmt.Errorf("alerts.escalate_after must be >= 0")
	}

	if cfg.Network.PeerSource != PeerSourceRegistry && cfg.Network.PeerSource != PeerSourceExternal {
		return fmt.Errorf("network.peer_source must be 'registry' or 'external'")
	}

	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt: broker is required")
	}
	if cfg.AMQP.Enabled {
		if cfg.AMQP.URLEnv == "" {
			return fmt.Errorf("amqp: url_env is required")
		}
		if cfg.AMQP.Exchange != "" && cfg.AMQP.Binding == "" {
			return fmt.Errorf("amqp: binding_key is required when exchange is set")
		}
	}
	if cfg.GNMI.Enabled {
		if len(cfg.GNMI.Targets) == 0 {
			return fmt.Errorf("gnmi: no targets configured")
		}
		for name, target := range cfg.GNMI.Targets {
			if target.Address == "" {
				return fmt.Errorf("gnmi target %s: address is required", name)
			}
			if (target.ClientCert == "") != (target.ClientKey == "") {
				return fmt.Errorf("gnmi target %s: client_cert and client_key must be set together", name)
			}
		}
	}
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka: brokers are required")
	}
	if cfg.Webhook.Enabled && cfg.Webhook.URLEnv == "" {
		// Note: the env var itself may be set at runtime
		return fmt.Errorf("webhook: url_env is required")
	}

	return ValidateThresholds(&cfg.Thresholds)
}
