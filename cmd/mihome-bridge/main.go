package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mihome-bridge/mihome-bridge/internal/api"
	"github.com/mihome-bridge/mihome-bridge/internal/config"
	"github.com/mihome-bridge/mihome-bridge/internal/hub"
	"github.com/mihome-bridge/mihome-bridge/internal/integration"
	"github.com/mihome-bridge/mihome-bridge/internal/protocol"
	"github.com/mihome-bridge/mihome-bridge/internal/server"
	"github.com/mihome-bridge/mihome-bridge/internal/storage"
	"github.com/mihome-bridge/mihome-bridge/internal/trace"
	"github.com/mihome-bridge/mihome-bridge/pkg/miot"
)

func main() {
	// Command line flags
	var configFile string
	flag.StringVar(&configFile, "config", "config/mihome-bridge.yml", "config file path")
	flag.Parse()

	// Logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	// Log level
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	cfg.LogSummary()
	log.Info().Msg("Starting MiHome Bridge...")

	// Root context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	store := openStore(ctx, cfg)
	defer store.Close()

	// UDP transport and protocol engine
	transport, err := protocol.NewUDPTransport(cfg.Protocol.Bind, cfg.Protocol.DevicePort)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create UDP transport")
	}
	defer transport.Close()

	engine := protocol.NewEngine(cfg.EngineConfig(), transport)

	if cfg.Trace.Enabled {
		tracer, err := trace.NewFileTracer(cfg.Trace.Dir)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create packet trace")
		}
		defer tracer.Close()
		engine.SetTracer(tracer)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := transport.Serve(ctx, engine.HandleDatagram); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("UDP transport stopped")
		}
	}()
	log.Info().Str("addr", transport.LocalAddr().String()).Msg("UDP transport listening")

	// Connect to NATS
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name("mihome-bridge"),
			nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
			nats.ReconnectWait(cfg.NATS.ReconnectInterval),
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				log.Warn().Err(err).Msg("Disconnected from NATS")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info().Msg("Reconnected to NATS")
			}),
		)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without NATS support")
			nc = nil
		} else {
			defer nc.Close()
			log.Info().Msg("Connected to NATS")
		}
	}

	// Event forwarding
	sinks := []integration.Sink{integration.NewStoreSink(store)}
	if nc != nil {
		sinks = append(sinks, integration.NewNATSSink(nc, cfg.NATS.SubjectPrefix))
	}
	if cfg.MQTT.Broker != "" {
		opts := integration.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
			Retain:      cfg.MQTT.Retain,
		}
		client, err := integration.NewMQTTClient(opts)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to MQTT, continuing without MQTT support")
		} else {
			mqttSink := integration.NewMQTTSink(client, opts)
			defer mqttSink.Close()
			sinks = append(sinks, mqttSink)
		}
	}
	if cfg.Webhook.URL != "" {
		sinks = append(sinks, integration.NewWebhookSink(cfg.Webhook.URL, cfg.Webhook.Headers, cfg.Webhook.Timeout))
	}

	forwarder := integration.NewForwarder(1024, sinks...)
	forwarder.Start(ctx)

	// Devices
	h := hub.New(engine, miot.NewDirProvider(cfg.Spec.Dir), store, forwarder)
	for _, dc := range cfg.Devices {
		if _, err := h.AddDevice(ctx, dc); err != nil {
			log.Error().Err(err).Str("device", dc.ID).Msg("Failed to add device")
		}
	}

	// NATS commands
	if nc != nil {
		subscriber := server.NewCommandSubscriber(nc, h, cfg.NATS.SubjectPrefix)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := subscriber.Start(ctx); err != nil && err != context.Canceled {
				log.Error().Err(err).Msg("NATS command subscriber stopped")
			}
		}()
	}

	// REST API
	var apiServer *api.RESTServer
	if cfg.API.Enabled {
		apiServer = api.NewRESTServer(cfg, store, h)
		go func() {
			addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
			if err := apiServer.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("REST API server failed")
			}
		}()
	}

	// Wait for a signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")

	if apiServer != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
		}
		done()
	}

	h.Close()

	// Stop background workers
	cancel()
	forwarder.Wait()
	wg.Wait()

	log.Info().Msg("MiHome Bridge stopped")
}

// openStore connects to PostgreSQL when configured, otherwise keeps state in memory
func openStore(ctx context.Context, cfg *config.Config) storage.Store {
	if cfg.Database.DSN == "" {
		log.Info().Msg("Database not configured, keeping state in memory")
		return storage.NewMemoryStore()
	}

	pg, err := storage.NewPostgresStore(cfg.Database.DSN, storage.PoolOptions{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	if err := pg.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Database migration failed")
	}
	log.Info().Msg("Connected to database")
	return pg
}
