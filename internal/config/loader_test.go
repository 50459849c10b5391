package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

const validThresholds = `
warning_level: 70
critical_level: 75
temp_warning_level: 35
hysteresis_percent: 10
min_peers: 1
`

func TestLoadConfigDirDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "floodwatch.yaml", "engine:\n  tick_interval: 5s\n")
	writeFile(t, dir, "thresholds.yaml", validThresholds)

	cfg, err := LoadConfigDir(dir)
	if err != nil {
		t.Fatalf("LoadConfigDir: %v", err)
	}
	if cfg.Engine.QueueCapacity != 100 {
		t.Errorf("queue capacity = %d, want 100", cfg.Engine.QueueCapacity)
	}
	if cfg.Engine.TickInterval != 5*time.Second {
		t.Errorf("tick interval = %v, want 5s", cfg.Engine.TickInterval)
	}
	if cfg.Engine.StaleTimeout != 30*time.Second {
		t.Errorf("stale timeout = %v, want 30s", cfg.Engine.StaleTimeout)
	}
	if cfg.API.Listen != ":8088" {
		t.Errorf("listen = %q", cfg.API.Listen)
	}
	if cfg.Network.PeerSource != PeerSourceRegistry {
		t.Errorf("peer source = %q", cfg.Network.PeerSource)
	}
	if cfg.Thresholds.CriticalLevel != 75 || cfg.Thresholds.MinPeers != 1 {
		t.Errorf("thresholds = %+v", cfg.Thresholds)
	}
	if got := cfg.Thresholds.Margin(cfg.Thresholds.CriticalLevel); got != 7.5 {
		t.Errorf("margin = %v, want 7.5", got)
	}
}

func TestLoadThresholdsMissingField(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "thresholds.yaml", "warning_level: 70\ncritical_level: 75\n")

	_, err := LoadThresholds(dir)
	if !errors.Is(err, ErrStaleConfig) {
		t.Fatalf("err = %v, want ErrStaleConfig", err)
	}
}

func TestLoadThresholdsZeroIsPresent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "thresholds.yaml", `
warning_level: 10
critical_level: 20
temp_warning_level: 35
hysteresis_percent: 0
min_peers: 0
`)
	th, err := LoadThresholds(dir)
	if err != nil {
		t.Fatalf("LoadThresholds: %v", err)
	}
	if th.HysteresisPercent != 0 || th.MinPeers != 0 {
		t.Errorf("thresholds = %+v", th)
	}
}

func TestLoadThresholdsInvalidShape(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "thresholds.yaml", `
warning_level: 80
critical_level: 75
temp_warning_level: 35
hysteresis_percent: 10
min_peers: 1
`)
	if _, err := LoadThresholds(dir); !errors.Is(err, ErrStaleConfig) {
		t.Fatalf("err = %v, want ErrStaleConfig", err)
	}
}

func TestValidateConfig(t *testing.T) {
	base := func() *Config {
		cfg := &Config{Thresholds: Thresholds{WarningLevel: 10, CriticalLevel: 20, TempWarningLevel: 35, HysteresisPercent: 10, MinPeers: 1}}
		applyDefaults(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"file backend without path", func(c *Config) { c.History.Backend = "file" }, true},
		{"unknown backend", func(c *Config) { c.History.Backend = "sqlite" }, true},
		{"bad peer source", func(c *Config) { c.Network.PeerSource = "gossip" }, true},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }, true},
		{"kafka without brokers", func(c *Config) { c.Kafka.Enabled = true }, true},
		{"gnmi without targets", func(c *Config) { c.GNMI.Enabled = true }, true},
		{"gnmi half tls pair", func(c *Config) {
			c.GNMI.Enabled = true
			c.GNMI.Targets = map[string]GNMITarget{"gw1": {Address: "10.0.0.1:9339", ClientCert: "c.pem"}}
		}, true},
		{"webhook without url", func(c *Config) { c.Webhook.Enabled = true }, true},
		{"negative queue", func(c *Config) { c.Engine.QueueCapacity = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := ValidateConfig(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateConfig() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigDirMissingMain(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "thresholds.yaml", validThresholds)
	if _, err := LoadConfigDir(dir); err == nil {
		t.Fatal("expected error for missing floodwatch.yaml")
	}
}

func TestSampleConfigLoads(t *testing.T) {
	cfg, err := LoadConfigDir(filepath.Join("..", "..", "config"))
	if err != nil {
		t.Fatalf("sample config: %v", err)
	}
	if cfg.Thresholds.CriticalLevel != 75 || cfg.Engine.StaleTimeout != 30*time.Second {
		t.Fatalf("unexpected sample values: %+v", cfg)
	}
	if cfg.GNMI.Targets["gateway-1"].Address == "" {
		t.Fatal("gnmi target not decoded")
	}
}
