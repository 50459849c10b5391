package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

var (
	sensors    = flag.Int("sensors", 5, "Number of simulated sensor nodes")
	interval   = flag.Duration("interval", 2*time.Second, "Publish interval per node")
	anomaly    = flag.Float64("anomaly", 0.05, "Probability a node starts a flood surge (0.0-1.0)")
	dropout    = flag.Float64("dropout", 0.01, "Probability a node goes silent for a while (0.0-1.0)")
	mqttBroker = flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
	mqttUser   = flag.String("user", "", "MQTT username")
	topicRoot  = flag.String("topic-root", "floodwatch/sensors", "Readings are published to <root>/<id>/reading")
	peersTopic = flag.String("peers-topic", "", "If set, publish the connected node count here")
	logLevel   = flag.String("log-level", "info", "Log level")
)

// node is one simulated mesh sensor
type node struct {
	mac         string
	name        string
	baseLevel   float64
	level       float64
	temperature float64
	surge       int
	silentUntil time.Time
}

func newNode(i int, rng *rand.Rand) *node {
	base := 10 + rng.Float64()*20
	return &node{
		mac:         fmt.Sprintf("AA:BB:CC:00:%02X:%02X", i>>8, i&0xff),
		name:        fmt.Sprintf("node-%d", i+1),
		baseLevel:   base,
		level:       base,
		temperature: 18 + rng.Float64()*6,
	}
}

// step advances the random walk. A surge raises the level for a number of
// ticks, then it recedes toward the base level.
func (n *node) step(rng *rand.Rand, anomalyProb float64) {
	if n.surge == 0 && rng.Float64() < anomalyProb {
		n.surge = 10 + rng.Intn(20)
	}
	if n.surge > 0 {
		n.level += 3 + rng.Float64()*5
		n.surge--
	} else {
		n.level += (n.baseLevel-n.level)*0.2 + (rng.Float64()*2 - 1)
	}
	n.level = math.Max(0, math.Min(n.level, 200))
	n.temperature += (rng.Float64() - 0.5) * 0.4
}

// category mirrors the node firmware: 0 normal, 1 warning, 2 critical
func (n *node) category() float64 {
	switch {
	case n.level >= 80:
		return 2
	case n.level >= 50:
		return 1
	default:
		return 0
	}
}

type meshPayload struct {
	MAC  string    `json:"mac"`
	Name string    `json:"name"`
	Data []float64 `json:"data"`
}

func (n *node) payload() ([]byte, error) {
	return json.Marshal(meshPayload{
		MAC:  n.mac,
		Name: n.name,
		Data: []float64{
			math.Round(n.level*10) / 10,
			math.Round(n.temperature*10) / 10,
			n.category(),
		},
	})
}

func topicID(mac string) string {
	return strings.ReplaceAll(strings.ToLower(mac), ":", "")
}

func main() {
	flag.Parse()

	envErr := godotenv.Load()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Str("component", "sensorsim").Logger()

	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		logger.Warn().Err(envErr).Msg("Failed to load .env file")
	}
	if *sensors < 1 || *interval <= 0 {
		logger.Fatal().Msg("sensors and interval must be positive")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(*mqttBroker)
	opts.SetClientID(fmt.Sprintf("floodwatch-sensorsim-%d", os.Getpid()))
	if *mqttUser != "" {
		opts.SetUsername(*mqttUser)
		opts.SetPassword(os.Getenv("MQTT_PASSWORD"))
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info().Str("broker", *mqttBroker).Msg("Connected to MQTT broker")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Error().Err(err).Msg("MQTT connection lost")
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		logger.Fatal().Err(token.Error()).Msg("Failed to connect to MQTT broker")
	}
	defer client.Disconnect(250)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nodes := make([]*node, *sensors)
	for i := range nodes {
		nodes[i] = newNode(i, rng)
	}

	logger.Info().
		Int("sensors", *sensors).
		Dur("interval", *interval).
		Float64("anomaly", *anomaly).
		Msg("Simulator started, press Ctrl+C to stop")

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	published, reported := 0, 0
	for {
		select {
		case <-ctx.Done():
			logger.Info().Int("published", published).Msg("Simulator stopped")
			return
		case now := <-ticker.C:
			online := 0
			for _, n := range nodes {
				if now.Before(n.silentUntil) {
					continue
				}
				if rng.Float64() < *dropout {
					n.silentUntil = now.Add(time.Duration(30+rng.Intn(90)) * time.Second)
					logger.Info().Str("mac", n.mac).Time("until", n.silentUntil).Msg("Node going silent")
					continue
				}
				online++

				n.step(rng, *anomaly)
				body, err := n.payload()
				if err != nil {
					logger.Error().Err(err).Msg("Failed to encode reading")
					continue
				}
				topic := fmt.Sprintf("%s/%s/reading", *topicRoot, topicID(n.mac))
				token := client.Publish(topic, 0, false, body)
				if token.Wait() && token.Error() != nil {
					logger.Error().Err(token.Error()).Str("topic", topic).Msg("Publish failed")
					continue
				}
				published++
				logger.Debug().Str("topic", topic).RawJSON("payload", body).Msg("Published reading")
			}

			if *peersTopic != "" {
				token := client.Publish(*peersTopic, 0, true, []byte(fmt.Sprintf(`{"connectedPeers":%d}`, online)))
				if token.Wait() && token.Error() != nil {
					logger.Error().Err(token.Error()).Msg("Peer count publish failed")
				}
			}
			if published-reported >= 100 {
				reported = published
				logger.Info().Int("published", published).Int("online", online).Msg("Simulator progress")
			}
		}
	}
}
