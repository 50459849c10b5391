package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/floodwatch/floodwatch/internal/api"
	"github.com/floodwatch/floodwatch/internal/config"
	"github.com/floodwatch/floodwatch/internal/engine"
	"github.com/floodwatch/floodwatch/internal/history"
	"github.com/floodwatch/floodwatch/internal/ingest"
	"github.com/floodwatch/floodwatch/internal/logging"
	"github.com/floodwatch/floodwatch/internal/notify"
	"github.com/floodwatch/floodwatch/internal/version"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configDir := flag.String("config-dir", "/config", "Directory containing floodwatch.yaml and thresholds.yaml")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	info := version.Get()
	if *showVersion {
		fmt.Println(info.String())
		return
	}

	envErr := godotenv.Load()

	// Last 1000 lines are served at /api/logs
	logBuffer := logging.NewLogBuffer(1000)
	logger := logging.New(*logLevel, logBuffer).With().
		Str("version", info.Version).
		Str("commit", info.Commit).
		Logger()

	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		logger.Warn().Err(envErr).Msg("Failed to load .env file")
	}
	logger.Info().Str("config_dir", *configDir).Msg("Starting floodwatch")

	cfg, err := config.LoadConfigDir(*configDir)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("config_dir", *configDir).
			Msg("Failed to load configuration")
	}
	logger.Info().
		Float64("warning_level", cfg.Thresholds.WarningLevel).
		Float64("critical_level", cfg.Thresholds.CriticalLevel).
		Int("min_peers", cfg.Thresholds.MinPeers).
		Str("history_backend", cfg.History.Backend).
		Msg("Configuration loaded")

	store, err := openHistory(cfg.History, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open history store")
	}

	opts := engine.FromConfig(cfg)
	opts.History = store
	opts.Logger = logger
	eng := engine.New(opts)
	eng.Start()

	// Sinks outlive ingestion so the final events drain during shutdown.
	notifyCtx, cancelNotify := context.WithCancel(context.Background())
	defer cancelNotify()

	hub := notify.NewHub(logger)
	go hub.Run(notifyCtx)

	sinks := []notify.Sink{hub}
	var kafkaPub *notify.KafkaPublisher
	if cfg.Kafka.Enabled {
		kafkaPub, err = notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create Kafka publisher")
		}
		sinks = append(sinks, kafkaPub)
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("Kafka event sink enabled")
	}
	if cfg.Webhook.Enabled {
		url := cfg.Webhook.URL()
		if url == "" {
			logger.Fatal().Str("url_env", cfg.Webhook.URLEnv).Msg("Webhook enabled but URL environment variable is empty")
		}
		sinks = append(sinks, notify.NewWebhook(url, cfg.Webhook.Timeout, logger))
		logger.Info().Msg("Webhook event sink enabled")
	}
	dispatcher := notify.NewDispatcher(eng, logger, sinks...)
	dispatcher.Start(notifyCtx)

	ingestCtx, cancelIngest := context.WithCancel(context.Background())
	defer cancelIngest()
	var ingestWG sync.WaitGroup
	collectors := startIngest(ingestCtx, &ingestWG, cfg, eng, logger)

	apiServer := api.NewServer(eng, logger, cfg.API.Listen)
	apiServer.SetLogBuffer(logBuffer)
	apiServer.SetEventStream(hub)
	apiServer.SetVersion(info.Version, info.Commit, info.BuildDate)
	apiServer.SetReloadFunc(func() error {
		return eng.ReloadFromDir(*configDir)
	})
	if len(collectors) > 0 {
		apiServer.SetIngestHealth(func() map[string]interface{} {
			health := make(map[string]interface{}, len(collectors))
			for _, c := range collectors {
				health["gnmi/"+c.Name()] = c.Health()
			}
			return health
		})
	}

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error().Err(err).Msg("API server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	logger.Info().Str("listen", cfg.API.Listen).Msg("floodwatch running, press Ctrl+C to stop")

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			logger.Info().Msg("SIGHUP received, reloading thresholds")
			if err := eng.ReloadFromDir(*configDir); err != nil {
				logger.Error().Err(err).Msg("Threshold reload failed")
			}
			continue
		}
		logger.Info().Str("signal", sig.String()).Msg("Shutting down...")
		break
	}
	signal.Stop(sigChan)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	cancelIngest()
	ingestWG.Wait()

	if err := apiServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("API shutdown error")
	}
	if err := eng.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Engine did not drain before timeout")
	}

	drained := make(chan struct{})
	go func() {
		dispatcher.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		logger.Warn().Msg("Event sinks did not drain before timeout")
	}
	cancelNotify()

	if kafkaPub != nil {
		if err := kafkaPub.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing Kafka publisher")
		}
	}
	if err := store.Close(); err != nil {
		logger.Error().Err(err).Msg("Error closing history store")
	}
	logger.Info().Msg("floodwatch stopped")
}

// openHistory builds the configured backend wrapped in its retention policy
func openHistory(cfg config.HistoryConfig, logger zerolog.Logger) (history.Store, error) {
	var store history.PrunableStore
	switch cfg.Backend {
	case "file":
		fileStore, err := history.NewFileStore(cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		store = fileStore
	default:
		store = history.NewMemoryStore()
	}

	if cfg.MaxRecords > 0 || cfg.MaxAge > 0 {
		return history.NewRetention(store, cfg.MaxRecords, cfg.MaxAge, time.Now, logger), nil
	}
	return store, nil
}

// startIngest launches every enabled telemetry feed
func startIngest(ctx context.Context, wg *sync.WaitGroup, cfg *config.Config, eng *engine.Engine, logger zerolog.Logger) []*ingest.GNMICollector {
	var peers ingest.PeerReporter
	if cfg.Network.PeerSource == config.PeerSourceExternal {
		peers = eng
	}

	if cfg.MQTT.Enabled {
		sub := ingest.NewMQTTSubscriber(cfg.MQTT, eng, peers, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sub.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("MQTT subscriber exited")
			}
		}()
	}

	if cfg.AMQP.Enabled {
		consumer := ingest.NewAMQPConsumer(cfg.AMQP, eng, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("AMQP consumer exited")
			}
		}()
	}

	var collectors []*ingest.GNMICollector
	if cfg.GNMI.Enabled {
		for name, target := range cfg.GNMI.Targets {
			c := ingest.NewGNMICollector(name, target, cfg.GNMI.SampleInterval, eng, logger)
			collectors = append(collectors, c)
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.Run(ctx)
			}()
		}
		logger.Info().Int("targets", len(collectors)).Msg("gNMI collectors started")
	}
	return collectors
}
