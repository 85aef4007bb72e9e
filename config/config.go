// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file configuration.
const (
	EnvRPCURLs     = "CHAINSTREAM_RPC_URLS"
	EnvPostgresURL = "CHAINSTREAM_POSTGRES_URL"
)

// Config holds all configuration for chainstream.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Storage  StorageConfig  `yaml:"storage"`
	Broker   BrokerConfig   `yaml:"broker"`
	RPC      RPCConfig      `yaml:"rpc"`
	Producer ProducerConfig `yaml:"producer"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Consumer ConsumerConfig `yaml:"consumer"`
	Server   ServerConfig   `yaml:"server"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig selects the backend shared by the broker and the sink.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger, postgres

	// BadgerDB settings
	BadgerDir  string `yaml:"badger_dir"`
	SyncWrites bool   `yaml:"sync_writes"`

	// PostgreSQL settings
	PostgresURL      string `yaml:"postgres_url"`
	PostgresMaxConns int32  `yaml:"postgres_max_conns"`
}

// BrokerConfig holds broker settings.
type BrokerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Compression  string        `yaml:"compression"` // none, s2, zstd
}

// RPCConfig holds upstream JSON-RPC client settings.
type RPCConfig struct {
	URLs             []string      `yaml:"urls"`
	WSURL            string        `yaml:"ws_url"` // newHeads subscription, polling when empty
	Timeout          time.Duration `yaml:"timeout"`
	ChunkSize        uint64        `yaml:"chunk_size"`
	RPS              float64       `yaml:"rps"`
	Burst            int           `yaml:"burst"`
	EndpointRPS      float64       `yaml:"endpoint_rps"`
	MaxRetries       int           `yaml:"max_retries"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	BreakerThreshold uint32        `yaml:"breaker_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
}

// ProducerConfig holds historical producer settings.
type ProducerConfig struct {
	Concurrency int    `yaml:"concurrency"`
	Contract    string `yaml:"contract"` // keep only logs of this contract
}

// IngestConfig holds incremental ingestion settings.
type IngestConfig struct {
	Enabled        bool          `yaml:"enabled"`
	CheckpointFile string        `yaml:"checkpoint_file"`
	StartBlock     uint64        `yaml:"start_block"`
	BatchSize      uint64        `yaml:"batch_size"`
	Confirmations  uint64        `yaml:"confirmations"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// ConsumerConfig holds sink consumer settings.
type ConsumerConfig struct {
	Enabled bool     `yaml:"enabled"`
	Group   string   `yaml:"group"`
	Topics  []string `yaml:"topics"` // all topics when empty
}

// ServerConfig holds health, metrics and telemetry settings.
type ServerConfig struct {
	HealthAddr      string        `yaml:"health_addr"`
	MetricsAddr     string        `yaml:"metrics_addr"` // OTLP endpoint
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	MetricsExporter string        `yaml:"metrics_exporter"` // otlp, prometheus
	InstanceID      string        `yaml:"instance_id"`

	// OpenTelemetry configuration
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:             "badger",
			BadgerDir:        "/tmp/chainstream/data",
			SyncWrites:       true,
			PostgresMaxConns: 10,
		},
		Broker: BrokerConfig{
			PollInterval: 10 * time.Millisecond,
			Compression:  "none",
		},
		RPC: RPCConfig{
			Timeout:          30 * time.Second,
			ChunkSize:        50,
			RPS:              3,
			Burst:            1,
			MaxRetries:       6,
			BaseDelay:        500 * time.Millisecond,
			MaxDelay:         8 * time.Second,
			BreakerThreshold: 5,
			BreakerTimeout:   60 * time.Second,
		},
		Producer: ProducerConfig{
			Concurrency: 4,
		},
		Ingest: IngestConfig{
			Enabled:        false,
			CheckpointFile: "/tmp/chainstream/checkpoint.json",
			BatchSize:      100,
			Confirmations:  12,
			PollInterval:   12 * time.Second,
		},
		Consumer: ConsumerConfig{
			Enabled: true,
			Group:   "sink",
		},
		Server: ServerConfig{
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			MetricsAddr:     "localhost:4317",
			MetricsEnabled:  false,
			MetricsExporter: "otlp",
			ShutdownTimeout: 30 * time.Second,

			// OpenTelemetry defaults
			OtelServiceName:     "chainstream",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
	}
}

// Load loads configuration from a YAML file and applies environment
// overrides. If the file doesn't exist, the defaults are used.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	cfg.applyEnv()
	if cfg.Server.InstanceID == "" {
		cfg.Server.InstanceID = uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvRPCURLs); v != "" {
		var urls []string
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		c.RPC.URLs = urls
	}
	if v := os.Getenv(EnvPostgresURL); v != "" {
		c.Storage.PostgresURL = v
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true, "postgres": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger, postgres")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}
	if c.Storage.Type == "postgres" && c.Storage.PostgresURL == "" {
		return fmt.Errorf("storage.postgres_url required when type is postgres")
	}

	if c.Broker.PollInterval <= 0 {
		return fmt.Errorf("broker.poll_interval must be positive")
	}
	validCompression := map[string]bool{"none": true, "s2": true, "zstd": true}
	if !validCompression[c.Broker.Compression] {
		return fmt.Errorf("broker.compression must be one of: none, s2, zstd")
	}

	for i, u := range c.RPC.URLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("rpc.urls[%d] must be an http(s) URL", i)
		}
	}
	if c.RPC.WSURL != "" && !strings.HasPrefix(c.RPC.WSURL, "ws://") && !strings.HasPrefix(c.RPC.WSURL, "wss://") {
		return fmt.Errorf("rpc.ws_url must be a ws(s) URL")
	}
	if c.RPC.Timeout <= 0 {
		return fmt.Errorf("rpc.timeout must be positive")
	}
	if c.RPC.ChunkSize < 1 {
		return fmt.Errorf("rpc.chunk_size must be at least 1")
	}
	if c.RPC.RPS < 0 || c.RPC.EndpointRPS < 0 {
		return fmt.Errorf("rpc.rps and rpc.endpoint_rps cannot be negative")
	}
	if c.RPC.Burst < 1 {
		return fmt.Errorf("rpc.burst must be at least 1")
	}
	if c.RPC.MaxRetries < 0 {
		return fmt.Errorf("rpc.max_retries cannot be negative")
	}
	if c.RPC.BaseDelay <= 0 {
		return fmt.Errorf("rpc.base_delay must be positive")
	}
	if c.RPC.MaxDelay < c.RPC.BaseDelay {
		return fmt.Errorf("rpc.max_delay must not be less than rpc.base_delay")
	}
	if c.RPC.BreakerThreshold < 1 {
		return fmt.Errorf("rpc.breaker_threshold must be at least 1")
	}

	if c.Producer.Concurrency < 1 {
		return fmt.Errorf("producer.concurrency must be at least 1")
	}

	if c.Ingest.Enabled {
		if c.Ingest.CheckpointFile == "" {
			return fmt.Errorf("ingest.checkpoint_file required when ingest is enabled")
		}
		if c.Ingest.BatchSize < 1 {
			return fmt.Errorf("ingest.batch_size must be at least 1")
		}
		if c.Ingest.PollInterval < time.Second {
			return fmt.Errorf("ingest.poll_interval must be at least 1 second")
		}
		if len(c.RPC.URLs) == 0 {
			return fmt.Errorf("rpc.urls required when ingest is enabled")
		}
	}

	if c.Consumer.Enabled && c.Consumer.Group == "" {
		return fmt.Errorf("consumer.group cannot be empty")
	}

	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}

	// Metrics validation (only if metrics enabled)
	if c.Server.MetricsEnabled {
		if c.Server.MetricsExporter != "otlp" && c.Server.MetricsExporter != "prometheus" {
			return fmt.Errorf("server.metrics_exporter must be 'otlp' or 'prometheus'")
		}
		if c.Server.MetricsExporter == "otlp" && c.Server.MetricsAddr == "" {
			return fmt.Errorf("server.metrics_addr required for the otlp exporter")
		}
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
