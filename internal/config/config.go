// Package config loads the single YAML-shaped configuration document
// described in spec section 6. Unknown top-level keys are rejected
// (`yaml.Node` decode + strict field check) since the spec says so
// explicitly; recognized keys mirror the document one-for-one.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BackendKind is the closed set of queue.backend values.
type BackendKind string

const (
	BackendSQL    BackendKind = "sql"
	BackendKV     BackendKind = "kv"
	BackendAMQP   BackendKind = "amqp"
	BackendPubSub BackendKind = "pubsub"
)

// SQLConfig holds queue.sql connection details.
type SQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslMode"`
}

// KVConfig holds queue.kv connection details.
type KVConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	Keyspace int    `yaml:"keyspace"`
}

// AMQPConfig holds queue.amqp connection details.
type AMQPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Vhost    string `yaml:"vhost"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// PubSubConfig holds queue.pubsub (MQTT) connection details.
type PubSubConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"clientId"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// QueueConfig is the `queue` top-level section.
type QueueConfig struct {
	Backend BackendKind  `yaml:"backend"`
	SQL     SQLConfig    `yaml:"sql"`
	KV      KVConfig     `yaml:"kv"`
	AMQP    AMQPConfig   `yaml:"amqp"`
	PubSub  PubSubConfig `yaml:"pubsub"`
}

// WorkerConfig is the `worker` top-level section.
type WorkerConfig struct {
	ID                string        `yaml:"id"`
	Name              string        `yaml:"name"`
	Kinds             []string      `yaml:"kinds"`
	Capabilities      []string      `yaml:"capabilities"`
	MaxConcurrent     int           `yaml:"maxConcurrent"`
	PollIntervalSec   int           `yaml:"pollInterval"`
	HeartbeatIntervalS int          `yaml:"heartbeatInterval"`
	JobTimeoutSec     int           `yaml:"jobTimeout"`
	ShutdownGraceSec  int           `yaml:"shutdownGrace"`
}

func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSec) * time.Second
}
func (w WorkerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(w.HeartbeatIntervalS) * time.Second
}
func (w WorkerConfig) JobTimeout() time.Duration {
	return time.Duration(w.JobTimeoutSec) * time.Second
}
func (w WorkerConfig) ShutdownGrace() time.Duration {
	return time.Duration(w.ShutdownGraceSec) * time.Second
}

// RetryConfig is the `retry` top-level section.
type RetryConfig struct {
	BaseBackoffSec int     `yaml:"baseBackoff"`
	MaxBackoffSec  int     `yaml:"maxBackoff"`
	JitterFraction float64 `yaml:"jitterFraction"`
}

// ReaperConfig is the `reaper` top-level section.
type ReaperConfig struct {
	StaleAfterSec int `yaml:"staleAfter"`
	IntervalSec   int `yaml:"interval"`
}

func (r ReaperConfig) StaleAfter() time.Duration { return time.Duration(r.StaleAfterSec) * time.Second }
func (r ReaperConfig) Interval() time.Duration   { return time.Duration(r.IntervalSec) * time.Second }

// LoggingConfig is the `logging` top-level section.
type LoggingConfig struct {
	File     string `yaml:"file"`
	Level    string `yaml:"level"`
	MaxBytes int64  `yaml:"maxBytes"`
}

// HostEntry is one element of the `hosts` list, used by the deployer.
type HostEntry struct {
	Host    string `yaml:"host"`
	User    string `yaml:"user"`
	KeyPath string `yaml:"keyPath"`
}

// Config is the full document described in spec section 6.
type Config struct {
	Queue   QueueConfig   `yaml:"queue"`
	Worker  WorkerConfig  `yaml:"worker"`
	Retry   RetryConfig   `yaml:"retry"`
	Reaper  ReaperConfig  `yaml:"reaper"`
	Logging LoggingConfig `yaml:"logging"`
	Hosts   []HostEntry   `yaml:"hosts"`
}

var knownTopLevelKeys = map[string]struct{}{
	"queue": {}, "worker": {}, "retry": {}, "reaper": {}, "logging": {}, "hosts": {},
}

// Load reads and validates a configuration document from path. It rejects
// unknown top-level keys (spec section 6: "unknown keys are rejected")
// and applies the defaults named throughout spec sections 4 and 6.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse validates and decodes a configuration document already in memory.
func Parse(raw []byte) (*Config, error) {
	var probe map[string]yaml.Node
	if err := yaml.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("config: invalid yaml: %w", err)
	}
	for key := range probe {
		if _, ok := knownTopLevelKeys[key]; !ok {
			return nil, fmt.Errorf("config: unknown top-level key %q", key)
		}
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Worker.MaxConcurrent <= 0 {
		c.Worker.MaxConcurrent = 1
	}
	if c.Worker.PollIntervalSec <= 0 {
		c.Worker.PollIntervalSec = 2
	}
	if c.Worker.HeartbeatIntervalS <= 0 {
		c.Worker.HeartbeatIntervalS = 10
	}
	if c.Worker.JobTimeoutSec <= 0 {
		c.Worker.JobTimeoutSec = 300
	}
	if c.Worker.ShutdownGraceSec <= 0 {
		c.Worker.ShutdownGraceSec = 30
	}
	if c.Retry.BaseBackoffSec <= 0 {
		c.Retry.BaseBackoffSec = 30
	}
	if c.Retry.MaxBackoffSec <= 0 {
		c.Retry.MaxBackoffSec = 1800
	}
	if c.Retry.JitterFraction <= 0 {
		c.Retry.JitterFraction = 0.2
	}
	if c.Reaper.StaleAfterSec <= 0 {
		c.Reaper.StaleAfterSec = 300
	}
	if c.Reaper.IntervalSec <= 0 {
		c.Reaper.IntervalSec = 60
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxBytes <= 0 {
		c.Logging.MaxBytes = 10 * 1024 * 1024
	}
}

func (c *Config) validate() error {
	switch c.Queue.Backend {
	case BackendSQL, BackendKV, BackendAMQP, BackendPubSub:
	default:
		return fmt.Errorf("config: queue.backend must be one of sql|kv|amqp|pubsub, got %q", c.Queue.Backend)
	}
	if c.Worker.MaxConcurrent < 1 {
		return fmt.Errorf("config: worker.maxConcurrent must be >= 1")
	}
	switch c.Logging.Level {
	case "debug", "info", "warning", "error":
	default:
		return fmt.Errorf("config: logging.level must be one of debug|info|warning|error, got %q", c.Logging.Level)
	}
	return nil
}
