// Package main implements the entry point for the FleetStream node: the
// ingestion gateway, rule engine, routing fan-out, and delivery sinks for
// device telemetry.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/fleetstream/config"
	"github.com/c360/fleetstream/detector"
	"github.com/c360/fleetstream/enrich"
	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/gateway"
	"github.com/c360/fleetstream/health"
	"github.com/c360/fleetstream/identity"
	"github.com/c360/fleetstream/ingest/mqttbridge"
	"github.com/c360/fleetstream/metric"
	"github.com/c360/fleetstream/natsclient"
	"github.com/c360/fleetstream/provision"
	"github.com/c360/fleetstream/router"
	"github.com/c360/fleetstream/rule"
	"github.com/c360/fleetstream/sink"
	"github.com/c360/fleetstream/sink/archive"
	"github.com/c360/fleetstream/sink/deadletter"
	"github.com/c360/fleetstream/sink/detectorsink"
	"github.com/c360/fleetstream/sink/enrichsink"
	"github.com/c360/fleetstream/sink/stream"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "fleetstream"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("node failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if cliCfg.ShowVersion {
		fmt.Printf("%s %s (build %s)\n", appName, Version, BuildTime)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.LogLevel != "" {
		cfg.Logging.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Logging.Format = cliCfg.LogFormat
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		logger.Info("configuration is valid")
		return nil
	}

	logger.Info("starting node", "version", Version)

	ctx := context.Background()
	registry := metric.NewRegistry()
	monitor := health.NewMonitor()

	// NATS underpins the default stream backend and identity persistence
	var natsClient *natsclient.Client
	needNATS := cfg.Stream.Backend == config.StreamBackendNATS || cfg.Identity.KVBucket != ""
	if needNATS {
		natsClient = natsclient.NewClient(cfg.NATS, logger)
		connectCtx, cancel := context.WithTimeout(ctx, cfg.NATS.Timeout)
		err := natsClient.Connect(connectCtx)
		cancel()
		if err != nil {
			return err
		}
		defer func() { _ = natsClient.Close() }()

		monitor.Register("nats", func() health.Status {
			switch natsClient.Status() {
			case natsclient.StatusConnected:
				return health.Status{Level: health.Healthy}
			case natsclient.StatusReconnecting:
				return health.Status{Level: health.Degraded, Message: "reconnecting"}
			default:
				return health.Status{Level: health.Unhealthy, Message: natsClient.Status().String()}
			}
		})
	}

	store, err := setupIdentity(ctx, cfg, natsClient, logger)
	if err != nil {
		return err
	}

	provisioner, err := provision.NewService(store, cfg.Provision, logger, registry)
	if err != nil {
		return err
	}

	deadLetter := deadletter.NewStore(cfg.DeadLetterCapacity, logger)
	dispatcher := router.NewRouter(cfg.Router, deadLetter, logger, registry)

	lifecycles, err := setupSinks(ctx, cfg, natsClient, dispatcher, logger)
	if err != nil {
		return err
	}

	engine, err := setupRules(cfg, dispatcher, logger, registry)
	if err != nil {
		return err
	}

	gw := gateway.NewGateway(cfg.Gateway, store, engine, dispatcher, logger, registry)
	if err := gw.Start(ctx); err != nil {
		return err
	}

	var bridge *mqttbridge.Bridge
	if cfg.MQTT.Enabled {
		bridge, err = mqttbridge.New(mqttbridge.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topics:   cfg.MQTT.Topics,
			QoS:      cfg.MQTT.QoS,
		}, gw, logger)
		if err != nil {
			return err
		}
		if err := bridge.Start(ctx); err != nil {
			return err
		}
	}

	monitor.Set("gateway", health.Healthy, "")

	admin := &adminAPI{provisioner: provisioner, deadLetter: deadLetter, logger: logger}
	httpServer := startHTTPServer(cfg.Metrics.Addr, registry, monitor, admin, logger)

	logger.Info("node running",
		"stream_backend", cfg.Stream.Backend,
		"archive_writer", cfg.Archive.Writer,
		"mqtt", cfg.MQTT.Enabled,
	)

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	shutdownTimeout := cliCfg.ShutdownTimeout

	// Stop intake first so the pipeline drains, then the sinks
	if bridge != nil {
		_ = bridge.Stop(shutdownTimeout)
	}
	_ = gw.Stop(shutdownTimeout)
	for i := len(lifecycles) - 1; i >= 0; i-- {
		if err := lifecycles[i].Stop(shutdownTimeout); err != nil {
			logger.Warn("sink stop failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info("shutdown complete")
	return nil
}

// setupIdentity builds the identity store, warm-starting from the KV
// mirror when one is configured, and seeds the default policy so a fresh
// node can enroll devices immediately.
func setupIdentity(ctx context.Context, cfg *config.Config, natsClient *natsclient.Client, logger *slog.Logger) (*identity.MemoryStore, error) {
	var opts []identity.MemoryOption
	opts = append(opts, identity.WithLogger(logger))

	var mirror *identity.KVMirror
	if cfg.Identity.KVBucket != "" {
		bucket, err := natsClient.KeyValue(ctx, cfg.Identity.KVBucket)
		if err != nil {
			return nil, err
		}
		mirror = identity.NewKVMirror(natsClient.NewKVStore(bucket))
		opts = append(opts, identity.WithMirror(mirror))
	}

	store := identity.NewMemoryStore(opts...)

	if mirror != nil {
		devices, credentials, claims, policies, err := mirror.Load(ctx)
		if err != nil {
			return nil, err
		}
		if err := store.Restore(devices, credentials, claims, policies); err != nil {
			return nil, err
		}
		logger.Info("identity warm start",
			"devices", len(devices), "claims", len(claims), "policies", len(policies))
	}

	if _, err := store.GetPolicy(ctx, cfg.Provision.DefaultPolicy); err != nil {
		if err := store.PutPolicy(ctx, identity.Policy{
			Name:    cfg.Provision.DefaultPolicy,
			Version: 1,
			Statements: []identity.Statement{
				{Action: identity.ActionPublish, TopicPattern: "#"},
			},
		}); err != nil {
			return nil, err
		}
		logger.Info("seeded default policy", "policy", cfg.Provision.DefaultPolicy)
	}

	return store, nil
}

// setupSinks builds and registers the delivery sinks, returning the
// lifecycles to stop on shutdown in registration order.
func setupSinks(ctx context.Context, cfg *config.Config, natsClient *natsclient.Client, dispatcher *router.Router, logger *slog.Logger) ([]sink.Lifecycle, error) {
	var lifecycles []sink.Lifecycle

	// stream sink
	var publisher stream.Publisher
	switch cfg.Stream.Backend {
	case config.StreamBackendNATS:
		natsPub := stream.NewNATSPublisher(natsClient, cfg.Stream.NATSSubject)
		if err := natsPub.EnsureStream(ctx, cfg.Stream.NATSStream); err != nil {
			return nil, err
		}
		publisher = natsPub
	case config.StreamBackendKafka:
		kafkaPub, err := stream.NewKafkaPublisher(cfg.Stream.Kafka)
		if err != nil {
			return nil, err
		}
		publisher = kafkaPub
	}

	streamSink := stream.New(cfg.Stream.Stream, publisher, logger)
	if err := streamSink.Start(ctx); err != nil {
		return nil, err
	}
	lifecycles = append(lifecycles, streamSink)
	if err := dispatcher.RegisterSink(streamSink); err != nil {
		return nil, err
	}

	// archive sink
	var writer archive.BatchWriter
	switch cfg.Archive.Writer {
	case config.ArchiveWriterFile:
		fileWriter, err := archive.NewFileWriter(cfg.Archive.Dir, cfg.Archive.Prefix)
		if err != nil {
			return nil, err
		}
		writer = fileWriter
	case config.ArchiveWriterObject:
		objectWriter, err := archive.NewObjectWriter(ctx, cfg.Archive.Object)
		if err != nil {
			return nil, err
		}
		writer = objectWriter
	}

	archiveSink := archive.New(cfg.Archive.Archive, writer, logger)
	if err := archiveSink.Start(ctx); err != nil {
		return nil, err
	}
	lifecycles = append(lifecycles, archiveSink)
	if err := dispatcher.RegisterSink(archiveSink); err != nil {
		return nil, err
	}

	// detector sink
	detectorEngine := detector.NewEngine(cfg.Detector, nil, logger)
	if err := dispatcher.RegisterSink(detectorsink.New("detector", detectorEngine, logger)); err != nil {
		return nil, err
	}

	// enrichment sink, forwarding derived envelopes back through the router
	enrichWorker, err := enrich.NewWorker(cfg.Enrich.Enrich, logger)
	if err != nil {
		return nil, err
	}
	target := cfg.Enrich.Target
	if target == "" {
		target = streamSink.Name()
	}
	if err := dispatcher.RegisterSink(enrichsink.New("enrich", enrichWorker, dispatcher, target, logger)); err != nil {
		return nil, err
	}

	return lifecycles, nil
}

// setupRules loads rule files and compiles them against the registered
// sink names, so a rule naming an unknown sink fails startup.
func setupRules(cfg *config.Config, dispatcher *router.Router, logger *slog.Logger, registry *metric.Registry) (*rule.Engine, error) {
	var defs []rule.Definition
	if len(cfg.RuleFiles) > 0 {
		loaded, err := rule.LoadDefinitions(cfg.RuleFiles)
		if err != nil {
			return nil, err
		}
		defs = loaded
	}

	table, err := rule.Compile(defs, dispatcher.SinkNames())
	if err != nil {
		return nil, errors.Wrap(err, "main", "setupRules", "compile rules")
	}

	logger.Info("rule table compiled", "rules", table.Len())
	return rule.NewEngine(table, logger, registry), nil
}

func startHTTPServer(addr string, registry *metric.Registry, monitor *health.Monitor, admin *adminAPI, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())
	mux.Handle("/healthz", monitor.Handler())
	admin.register(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return server
}
