// Package config handles configuration loading for Argus SIEM.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"argus-siem/internal/consumer"
	"argus-siem/internal/detect"
	"argus-siem/internal/gen"
	"argus-siem/internal/ingest"
	"argus-siem/internal/storage"
)

// Config holds the complete application configuration.
type Config struct {
	Server    ServerConfig       `yaml:"server"`
	Ingest    IngestConfig       `yaml:"ingest"`
	Queue     QueueConfig        `yaml:"queue"`
	Engine    detect.Config      `yaml:"engine"`
	Rules     RulesConfig        `yaml:"rules"`
	Generator gen.Config         `yaml:"generator"`
	Storage   StorageConfig      `yaml:"storage"`
	Consumer  consumer.Config    `yaml:"consumer"`
	Kafka     ingest.KafkaConfig `yaml:"kafka"`
	Logging   LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// IngestConfig holds HTTP ingestion settings.
type IngestConfig struct {
	MaxBatchSize   int `yaml:"max_batch_size"`
	MaxPayloadSize int `yaml:"max_payload_size"`
}

// QueueConfig holds persistence queue settings.
type QueueConfig struct {
	EventQueueSize int `yaml:"event_queue_size"`
	AlertQueueSize int `yaml:"alert_queue_size"`
}

// RulesConfig selects the rule set loaded at startup. When Dir is empty
// the built-in rules are used.
type RulesConfig struct {
	Dir string `yaml:"dir"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// Backend is "memory" or "clickhouse".
	Backend     string                    `yaml:"backend"`
	ClickHouse  storage.ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter storage.BatchWriterConfig `yaml:"batch_writer"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Ingest: IngestConfig{
			MaxBatchSize:   1000,
			MaxPayloadSize: 10 * 1024 * 1024,
		},
		Queue: QueueConfig{
			EventQueueSize: 100000,
			AlertQueueSize: 10000,
		},
		Engine:    detect.DefaultConfig(),
		Generator: gen.DefaultConfig(),
		Storage: StorageConfig{
			Backend:     "memory",
			ClickHouse:  storage.DefaultClickHouseConfig(),
			BatchWriter: storage.DefaultBatchWriterConfig(),
		},
		Consumer: consumer.DefaultConfig(),
		Kafka:    ingest.DefaultKafkaConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a file or returns defaults. The path
// comes from ARGUS_CONFIG_PATH, falling back to configs/config.yaml; a
// missing file is not an error.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("ARGUS_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("ARGUS_HTTP_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Server.HTTPPort)
	}
	if level := os.Getenv("ARGUS_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if dir := os.Getenv("ARGUS_RULES_DIR"); dir != "" {
		c.Rules.Dir = dir
	}
	if backend := os.Getenv("ARGUS_STORAGE_BACKEND"); backend != "" {
		c.Storage.Backend = backend
	}
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}
	if enabled := os.Getenv("ARGUS_KAFKA_ENABLED"); enabled == "true" {
		c.Kafka.Enabled = true
	}
	if brokers := os.Getenv("ARGUS_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
	}
	if topic := os.Getenv("ARGUS_KAFKA_TOPIC"); topic != "" {
		c.Kafka.Topic = topic
	}
	if enabled := os.Getenv("ARGUS_GENERATOR_ENABLED"); enabled == "true" {
		c.Generator.Enabled = true
	}
}

func splitAndTrim(s, sep string) []string {
	var parts []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}
	if c.Queue.EventQueueSize <= 0 {
		return fmt.Errorf("event_queue_size must be positive")
	}
	if c.Queue.AlertQueueSize <= 0 {
		return fmt.Errorf("alert_queue_size must be positive")
	}
	if c.Ingest.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive")
	}
	switch c.Storage.Backend {
	case "memory", "clickhouse":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if err := c.Kafka.Validate(); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	return nil
}
