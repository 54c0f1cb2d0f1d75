package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mqtt-aio/config"
	"mqtt-aio/internal/aio"
	"mqtt-aio/internal/engine"
	"mqtt-aio/internal/engine/native"
	"mqtt-aio/internal/engine/paho"
	"mqtt-aio/internal/logger"
	"mqtt-aio/internal/loop"
	"mqtt-aio/internal/metrics"
	"mqtt-aio/internal/relay"
)

func main() {
	// Command line flags for config
	configPath := flag.String("config", "", "path to config file (JSON or YAML, empty = defaults)")

	// Optional override flags
	hostOverride := flag.String("host", "", "override broker host")
	portOverride := flag.Int("port", 0, "override broker port (0 = use config)")
	clientIDOverride := flag.String("client-id", "", "override client identifier (empty = generated)")
	engineOverride := flag.String("engine", "", "override engine: native or paho")
	protocolOverride := flag.Int("protocol", 0, "override MQTT protocol version: 4 or 5 (0 = use config)")
	topicsOverride := flag.String("topics", "", "comma separated topic filters to subscribe to")
	qosOverride := flag.Int("qos", 0, "QoS for topics given with -topics")
	limitOverride := flag.Int("limit", 0, "disconnect after this many messages (0 = use config)")
	metricsAddrOverride := flag.String("metrics-addr", "", "enable metrics on this address (empty = use config)")

	flag.Parse()

	// Load configuration
	cfg := &config.Config{}
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	} else {
		cfg.MQTT.Host = "localhost"
		cfg.SetDefaults()
	}

	var topics []string
	if *topicsOverride != "" {
		topics = strings.Split(*topicsOverride, ",")
	}

	// Apply any command line overrides
	cfg.ApplyOverrides(
		*hostOverride,
		*portOverride,
		*clientIDOverride,
		*engineOverride,
		topics,
		*qosOverride,
		*limitOverride,
		*metricsAddrOverride,
	)
	if *protocolOverride != 0 {
		cfg.MQTT.ProtocolVersion = *protocolOverride
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	// Initialize logger
	logger, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	engine.Init()
	defer func() {
		if n := engine.Cleanup(); n > 0 {
			logger.Warn("engine handles still live at cleanup", "count", n)
		}
	}()

	// Setup metrics if enabled
	var metricsService *metrics.Metrics
	var metricsServer *http.Server

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metricsService, err = metrics.NewMetrics(reg)
		if err != nil {
			logger.Fatal("failed to create metrics service", "error", err)
		}

		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			Registry:          reg,
			EnableOpenMetrics: true,
		}))

		metricsServer = &http.Server{
			Addr:    cfg.Metrics.Address,
			Handler: mux,
		}

		go func() {
			logger.Info("starting metrics server",
				"address", cfg.Metrics.Address,
				"path", cfg.Metrics.Path)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	// Build the engine
	engineOpts := engine.Options{
		ClientID:        cfg.MQTT.ClientID,
		Username:        cfg.MQTT.Username,
		Password:        cfg.MQTT.Password,
		CleanSession:    !cfg.MQTT.PersistentSession,
		ProtocolVersion: byte(cfg.MQTT.ProtocolVersion),
	}
	var eng engine.Engine
	switch cfg.MQTT.Engine {
	case config.EnginePaho:
		pahoOpts := paho.Options{Options: engineOpts}
		if cfg.MQTT.TLS.Enable {
			pahoOpts.TLS, err = paho.NewTLSConfig(cfg.MQTT.TLS.CertFile, cfg.MQTT.TLS.KeyFile, cfg.MQTT.TLS.CAFile)
			if err != nil {
				logger.Fatal("failed to create TLS config", "error", err)
			}
		}
		eng = paho.New(pahoOpts)
	default:
		eng = native.New(engineOpts)
	}

	// Start the event loop
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	eventLoop := loop.New(logger)
	go func() {
		if err := eventLoop.Run(loopCtx); err != nil {
			logger.Error("event loop stopped", "error", err)
		}
	}()

	misc, opTimeout, flushMin, flushMax := cfg.Client.Durations()
	clientLog := logger.With("component", "aio", "engine", cfg.MQTT.Engine)
	client, err := aio.New(eventLoop, engine.NewHandle(eng, clientLog), aio.Options{
		MiscInterval:     misc,
		OperationTimeout: opTimeout,
		FlushMinInterval: flushMin,
		FlushMaxInterval: flushMax,
		DisableQueue:     cfg.Client.DisableQueue,
		Logger:           clientLog,
		Metrics:          metricsService,
	})
	if err != nil {
		logger.Fatal("failed to create client", "error", err)
	}
	defer client.Destroy()

	if metricsService != nil {
		updateInterval, err := time.ParseDuration(cfg.Metrics.UpdateInterval)
		if err != nil {
			logger.Fatal("invalid metrics update interval", "error", err)
		}
		metricsCollector := metrics.NewMetricsCollector(metricsService, updateInterval, client)
		metricsCollector.Start()
		defer metricsCollector.Stop()
	}

	// Optional relay to NATS
	var msgRelay *relay.Relay
	if cfg.Relay.Enabled {
		relayLog := logger.With("component", "relay")
		conn, err := relay.Connect(&cfg.Relay, relayLog)
		if err != nil {
			logger.Fatal("failed to connect relay", "error", err)
		}
		defer conn.Close()
		msgRelay = relay.New(conn, cfg.Relay.SubjectPrefix, relayLog, metricsService)
	}

	// Setup signal handlers
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rc, err := client.Connect(ctx, cfg.MQTT.Host, cfg.MQTT.Port, cfg.MQTT.KeepaliveDuration())
	if err != nil {
		logger.Fatal("failed to connect to broker",
			"host", cfg.MQTT.Host,
			"port", cfg.MQTT.Port,
			"code", int(rc),
			"error", err)
	}

	// Without the queue the relay runs as the catch-all handler
	handler := func(_ context.Context, msg *engine.Message) error {
		logger.Debug("message received",
			"topic", msg.Topic,
			"qos", msg.QoS,
			"retain", msg.Retain,
			"payloadSize", len(msg.Payload))
		return nil
	}
	if msgRelay != nil && cfg.Client.DisableQueue {
		handler = msgRelay.Handler()
	}
	if err := client.OnTopic("#", handler); err != nil {
		logger.Fatal("failed to register message handler", "error", err)
	}

	for _, sub := range cfg.Subscriptions {
		if _, err := client.Subscribe(ctx, sub.Topic, sub.QoS); err != nil {
			logger.Fatal("failed to subscribe", "topic", sub.Topic, "error", err)
		}
	}

	// Consume the stream, counting and relaying
	var received atomic.Int64
	limit := int64(cfg.Client.Limit)
	limitReached := make(chan struct{})
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		if cfg.Client.DisableQueue {
			return
		}
		counted := func(yield func(*engine.Message) bool) {
			for msg := range client.Messages(ctx) {
				n := received.Add(1)
				if !yield(msg) {
					return
				}
				if limit > 0 && n == limit {
					close(limitReached)
				}
			}
		}
		if msgRelay == nil {
			for range counted {
			}
			return
		}
		n := msgRelay.Run(ctx, counted)
		logger.Debug("relay stream ended", "forwarded", n)
	}()

	logger.Info("mqtt-aio-sub started",
		"host", cfg.MQTT.Host,
		"port", cfg.MQTT.Port,
		"engine", cfg.MQTT.Engine,
		"protocolVersion", cfg.MQTT.ProtocolVersion,
		"subscriptions", len(cfg.Subscriptions),
		"limit", limit,
		"relayEnabled", cfg.Relay.Enabled,
		"metricsEnabled", cfg.Metrics.Enabled)

	shutdown := func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := client.Close(shutdownCtx); err != nil {
			logger.Error("failed to disconnect", "error", err)
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shutdown metrics server", "error", err)
			}
		}
		logger.Info("mqtt-aio-sub stopped",
			"received", received.Load(),
			"stats", client.Stats())
	}

	// Handle signals
	for {
		select {
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("received SIGHUP, dumping stats",
					"stats", client.Stats(),
					"engineHandles", engine.LiveHandles())
				if msgRelay != nil {
					logger.Info("relay stats", "stats", msgRelay.Stats())
				}
				logger.Sync()
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("shutting down...")
				shutdown()
				return
			}
		case <-limitReached:
			logger.Info("message limit reached", "limit", limit)
			limitReached = nil
			shutdown()
			return
		case <-streamDone:
			if client.State() != aio.StateDisconnected {
				// Queue disabled; keep running until a signal
				streamDone = nil
				continue
			}
			logger.Warn("connection closed by broker or network")
			shutdown()
			return
		}
	}
}
