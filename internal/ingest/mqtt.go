package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/floodwatch/floodwatch/internal/config"
	"github.com/rs/zerolog"
)

const (
	mqttConnectTimeout    = 15 * time.Second
	mqttDisconnectQuiesce = 250
)

// MQTTSubscriber consumes sensor readings, and optionally peer counts, from
// an MQTT broker. Subscriptions are re-established on every reconnect.
type MQTTSubscriber struct {
	cfg    config.MQTTConfig
	sub    Submitter
	peers  PeerReporter
	log    zerolog.Logger
	client mqtt.Client
}

// NewMQTTSubscriber creates a subscriber. peers may be nil when the peer
// count is derived from the sensor registry.
func NewMQTTSubscriber(cfg config.MQTTConfig, sub Submitter, peers PeerReporter, log zerolog.Logger) *MQTTSubscriber {
	return &MQTTSubscriber{
		cfg:   cfg,
		sub:   sub,
		peers: peers,
		log:   log.With().Str("component", "mqtt").Str("broker", cfg.Broker).Logger(),
	}
}

// Start connects to the broker and blocks until ctx is cancelled.
func (m *MQTTSubscriber) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.cfg.Broker)
	opts.SetClientID(m.cfg.ClientID)
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password())
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(2 * time.Minute)
	opts.SetCleanSession(true)

	opts.OnConnect = func(c mqtt.Client) {
		m.log.Info().Msg("connected to MQTT broker")
		m.subscribe(c)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.log.Error().Err(err).Msg("MQTT connection lost")
	}
	opts.OnReconnecting = func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		m.log.Warn().Msg("reconnecting to MQTT broker")
	}

	m.client = mqtt.NewClient(opts)
	token := m.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
	case <-ctx.Done():
		m.client.Disconnect(mqttDisconnectQuiesce)
		return ctx.Err()
	case <-time.After(mqttConnectTimeout):
		// ConnectRetry keeps trying in the background
		m.log.Warn().Dur("timeout", mqttConnectTimeout).Msg("MQTT broker not reachable yet, retrying in background")
	}

	<-ctx.Done()
	m.client.Disconnect(mqttDisconnectQuiesce)
	m.log.Info().Msg("MQTT subscriber stopped")
	return nil
}

func (m *MQTTSubscriber) subscribe(c mqtt.Client) {
	topics := map[string]mqtt.MessageHandler{
		m.cfg.ReadingsTopic: m.handleReading,
	}
	if m.cfg.PeersTopic != "" && m.peers != nil {
		topics[m.cfg.PeersTopic] = m.handlePeers
	}
	for topic, handler := range topics {
		token := c.Subscribe(topic, m.cfg.QoS, handler)
		token.Wait()
		if err := token.Error(); err != nil {
			m.log.Error().Err(err).Str("topic", topic).Msg("MQTT subscribe failed")
			continue
		}
		m.log.Info().Str("topic", topic).Uint8("qos", m.cfg.QoS).Msg("subscribed")
	}
}

func (m *MQTTSubscriber) handleReading(_ mqtt.Client, msg mqtt.Message) {
	if _, err := HandlePayload(m.sub, SourceMQTT, msg.Payload(), m.log); err != nil {
		m.log.Warn().Err(err).Str("topic", msg.Topic()).Msg("MQTT reading rejected")
	}
}

func (m *MQTTSubscriber) handlePeers(_ mqtt.Client, msg mqtt.Message) {
	n, err := ParsePeerCount(msg.Payload())
	if err != nil {
		m.log.Warn().Err(err).Str("topic", msg.Topic()).Msg("invalid peer count")
		return
	}
	m.peers.SetConnectedPeers(n)
}

// ParsePeerCount accepts a bare integer or {"connectedPeers": n}.
func ParsePeerCount(body []byte) (int, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return 0, ErrEmptyPayload
	}
	if body[0] == '{' {
		var p struct {
			ConnectedPeers *int `json:"connectedPeers"`
		}
		if err := json.Unmarshal(body, &p); err != nil {
			return 0, fmt.Errorf("decode peer count: %w", err)
		}
		if p.ConnectedPeers == nil {
			return 0, fmt.Errorf("decode peer count: connectedPeers missing")
		}
		return validPeers(*p.ConnectedPeers)
	}
	n, err := strconv.Atoi(string(body))
	if err != nil {
		return 0, fmt.Errorf("decode peer count: %w", err)
	}
	return validPeers(n)
}

func validPeers(n int) (int, error) {
	if n < 0 {
		return 0, fmt.Errorf("negative peer count %d", n)
	}
	return n, nil
}
