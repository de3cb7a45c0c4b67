// Package config loads the node configuration: defaults, then a JSON
// file, then environment overrides, validated as a whole before anything
// starts.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/c360/fleetstream/detector"
	"github.com/c360/fleetstream/enrich"
	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/gateway"
	"github.com/c360/fleetstream/natsclient"
	"github.com/c360/fleetstream/provision"
	"github.com/c360/fleetstream/router"
	"github.com/c360/fleetstream/sink/archive"
	"github.com/c360/fleetstream/sink/stream"
)

// Stream backend kinds
const (
	StreamBackendNATS  = "nats"
	StreamBackendKafka = "kafka"
)

// Archive writer kinds
const (
	ArchiveWriterFile   = "file"
	ArchiveWriterObject = "object"
)

// LoggingConfig controls log output
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// MetricsConfig controls the metrics endpoint
type MetricsConfig struct {
	Addr string `json:"addr"`
}

// MQTTConfig controls the MQTT ingestion bridge
type MQTTConfig struct {
	Enabled  bool     `json:"enabled"`
	Broker   string   `json:"broker"`
	ClientID string   `json:"client_id"`
	Topics   []string `json:"topics"`
	QoS      byte     `json:"qos"`
}

// StreamSinkConfig selects and configures the stream backend
type StreamSinkConfig struct {
	Backend     string             `json:"backend"`
	Stream      stream.Config      `json:"stream"`
	NATSSubject string             `json:"nats_subject_prefix"`
	NATSStream  string             `json:"nats_stream"`
	Kafka       stream.KafkaConfig `json:"kafka"`
}

// ArchiveSinkConfig selects and configures the archive writer
type ArchiveSinkConfig struct {
	Writer  string               `json:"writer"`
	Archive archive.Config       `json:"archive"`
	Dir     string               `json:"dir"`
	Prefix  string               `json:"prefix"`
	Object  archive.ObjectConfig `json:"object"`
}

// EnrichSinkConfig configures the enrichment path
type EnrichSinkConfig struct {
	Enrich enrich.Config `json:"enrich"`
	// Target is the sink enriched messages forward to
	Target string `json:"target"`
}

// IdentityConfig controls identity persistence
type IdentityConfig struct {
	// KVBucket mirrors identity records to NATS KV when set
	KVBucket string `json:"kv_bucket"`
}

// Config is the complete node configuration
type Config struct {
	Logging   LoggingConfig     `json:"logging"`
	Metrics   MetricsConfig     `json:"metrics"`
	NATS      natsclient.Config `json:"nats"`
	Identity  IdentityConfig    `json:"identity"`
	Provision provision.Config  `json:"provision"`
	Gateway   gateway.Config    `json:"gateway"`
	Router    router.Config     `json:"router"`
	Stream    StreamSinkConfig  `json:"stream_sink"`
	Archive   ArchiveSinkConfig `json:"archive_sink"`
	Enrich    EnrichSinkConfig  `json:"enrich_sink"`
	Detector  detector.Config   `json:"detector"`
	MQTT      MQTTConfig        `json:"mqtt"`
	// RuleFiles are loaded and compiled at startup
	RuleFiles []string `json:"rule_files"`
	// DeadLetterCapacity bounds the in-memory dead-letter buffer
	DeadLetterCapacity int `json:"dead_letter_capacity"`
}

// Default returns the baseline configuration
func Default() *Config {
	return &Config{
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Metrics:  MetricsConfig{Addr: ":9090"},
		NATS:     natsclient.DefaultConfig(),
		Gateway:  gateway.DefaultConfig(),
		Router:   router.DefaultConfig(),
		Provision: provision.Config{
			DefaultPolicy: "device-default-v1",
		},
		Stream: StreamSinkConfig{
			Backend:     StreamBackendNATS,
			Stream:      stream.DefaultConfig(),
			NATSSubject: "telemetry",
			NATSStream:  "TELEMETRY",
		},
		Archive: ArchiveSinkConfig{
			Writer:  ArchiveWriterFile,
			Archive: archive.DefaultConfig(),
			Dir:     "./data/archive",
			Prefix:  "telemetry",
		},
		Enrich: EnrichSinkConfig{
			Target: "stream",
		},
		Detector:           detector.DefaultConfig(),
		MQTT:               MQTTConfig{ClientID: "fleetstream-bridge", QoS: 1},
		DeadLetterCapacity: 4096,
	}
}

// Load reads configuration from an optional file path, applying defaults
// and environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "Config", "Load", "read file")
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(errors.ErrInvalidConfig, "Config", "Load", "parse file")
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const envPrefix = "FLEETSTREAM"

// applyEnvOverrides lets deployment environments override the settings
// that differ per node without editing the file.
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(envPrefix + "_NATS_URL"); val != "" {
		cfg.NATS.URL = val
	}
	if val := os.Getenv(envPrefix + "_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv(envPrefix + "_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
	if val := os.Getenv(envPrefix + "_METRICS_ADDR"); val != "" {
		cfg.Metrics.Addr = val
	}
	if val := os.Getenv(envPrefix + "_MQTT_BROKER"); val != "" {
		cfg.MQTT.Broker = val
		cfg.MQTT.Enabled = true
	}
	if val := os.Getenv(envPrefix + "_KAFKA_BROKERS"); val != "" {
		cfg.Stream.Kafka.Brokers = strings.Split(val, ",")
	}
	if val := os.Getenv(envPrefix + "_RULE_FILES"); val != "" {
		cfg.RuleFiles = strings.Split(val, ",")
	}
	if val := os.Getenv(envPrefix + "_RATE_PER_DEVICE"); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Gateway.RatePerDevice = parsed
		}
	}
}

// Validate rejects configurations that cannot produce a working node
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Wrap(errors.ErrInvalidConfig, "Config", "Validate", "logging level")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return errors.Wrap(errors.ErrInvalidConfig, "Config", "Validate", "logging format")
	}

	switch c.Stream.Backend {
	case StreamBackendNATS:
	case StreamBackendKafka:
		if len(c.Stream.Kafka.Brokers) == 0 {
			return errors.Wrap(errors.ErrMissingConfig, "Config", "Validate", "kafka brokers")
		}
		if c.Stream.Kafka.Topic == "" {
			return errors.Wrap(errors.ErrMissingConfig, "Config", "Validate", "kafka topic")
		}
	default:
		return errors.Wrap(errors.ErrInvalidConfig, "Config", "Validate", "stream backend")
	}

	switch c.Archive.Writer {
	case ArchiveWriterFile:
		if c.Archive.Dir == "" {
			return errors.Wrap(errors.ErrMissingConfig, "Config", "Validate", "archive dir")
		}
	case ArchiveWriterObject:
		if c.Archive.Object.Endpoint == "" || c.Archive.Object.Bucket == "" {
			return errors.Wrap(errors.ErrMissingConfig, "Config", "Validate", "object store endpoint and bucket")
		}
	default:
		return errors.Wrap(errors.ErrInvalidConfig, "Config", "Validate", "archive writer")
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errors.Wrap(errors.ErrMissingConfig, "Config", "Validate", "mqtt broker")
	}
	if c.Provision.DefaultPolicy == "" {
		return errors.Wrap(errors.ErrMissingConfig, "Config", "Validate", "default policy")
	}
	if c.Gateway.AdmissionTimeout < 0 || c.Router.DeliveryTimeout <= 0 {
		return errors.Wrap(errors.ErrInvalidConfig, "Config", "Validate", "timeouts")
	}
	return nil
}
