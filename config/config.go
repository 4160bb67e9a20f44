// Package config provides configuration loading and management for the rule VM.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete rule VM configuration
type Config struct {
	NATS    NATSConfig    `yaml:"nats"`
	Store   StoreConfig   `yaml:"store"`
	VM      VMConfig      `yaml:"vm"`
	Email   EmailConfig   `yaml:"email"`
	Redis   RedisConfig   `yaml:"redis"`
	Bus     BusConfig     `yaml:"bus"`
	Scripts ScriptsConfig `yaml:"scripts"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
}

// StoreConfig configures the KV buckets backing the document store
type StoreConfig struct {
	// DeviceBucket holds one document per device
	DeviceBucket string `yaml:"device_bucket"`
	// RecordBucket holds generated-data records, newest-first per device key
	RecordBucket string `yaml:"record_bucket"`
	// RuleBucket holds rule documents and feeds the change stream
	RuleBucket string `yaml:"rule_bucket"`
	// RecordHistory is the per-key history depth of the record bucket (1-64)
	RecordHistory int `yaml:"record_history"`
}

// VMConfig tunes the scheduler core
type VMConfig struct {
	// QueueCapacity bounds the ready and future queues; producers block when full
	QueueCapacity int `yaml:"queue_capacity"`
	// SnapshotPath is the file the deferred-evaluation queue is persisted to
	SnapshotPath string `yaml:"snapshot_path"`
	// SnapshotInterval is how often the snapshot loop checks for changes
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	// ObserveInterval is how often scheduler state is published to Redis
	ObserveInterval time.Duration `yaml:"observe_interval"`
	// TimerSlack is added to every future-task delay before re-enqueueing
	TimerSlack time.Duration `yaml:"timer_slack"`
	// StopPollInterval is how often WaitedStop re-checks the running-task count
	StopPollInterval time.Duration `yaml:"stop_poll_interval"`
}

// EmailConfig configures the SendGrid transport for SEND_EMAIL actions
type EmailConfig struct {
	// APIKey is the SendGrid API key (empty = log instead of send)
	APIKey string `yaml:"api_key"`
	// From is the sender address
	From string `yaml:"from"`
	// FromName is the sender display name
	FromName string `yaml:"from_name"`
}

// RedisConfig configures the observability sink
type RedisConfig struct {
	// Addr is the Redis host:port (empty = sink disabled)
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BusConfig configures the message-bus subscriber
type BusConfig struct {
	// Stream is the JetStream stream consumed for device events
	Stream string `yaml:"stream"`
	// Subscriptions lists the per-device-class consumers
	Subscriptions []BusSubscription `yaml:"subscriptions"`
	// IngestRecords writes validated event payloads into the record bucket
	IngestRecords bool `yaml:"ingest_records"`
}

// BusSubscription binds one subject filter to a device class
type BusSubscription struct {
	// Subject is the JetStream filter subject (e.g. "telemetry.dw.>")
	Subject string `yaml:"subject"`
	// Class selects payload validation: door_window, energy_meter, switch, occupancy
	Class string `yaml:"class"`
	// DeviceGlobs restricts dispatch to matching device ids (empty = all)
	DeviceGlobs []string `yaml:"device_globs"`
}

// ScriptsConfig configures the text-format rule directory
type ScriptsConfig struct {
	// Dir is watched for *.rule files to run immediately (empty = disabled)
	Dir string `yaml:"dir"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Listen is the host:port for /metrics (empty = disabled)
	Listen string `yaml:"listen"`
}

// DeviceClasses are the bus subscription classes with payload validation.
var DeviceClasses = []string{"door_window", "energy_meter", "switch", "occupancy"}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		Store: StoreConfig{
			DeviceBucket:  "DEVICES",
			RecordBucket:  "TELEMETRY",
			RuleBucket:    "RULES",
			RecordHistory: 64,
		},
		VM: VMConfig{
			QueueCapacity:    10,
			SnapshotPath:     "future_task_list.gob",
			SnapshotInterval: 5 * time.Second,
			ObserveInterval:  1 * time.Second,
			TimerSlack:       2 * time.Second,
			StopPollInterval: 1 * time.Second,
		},
		Email: EmailConfig{
			APIKey:   "",
			From:     "alerts@qube.local",
			FromName: "Rule Engine",
		},
		Redis: RedisConfig{
			Addr: "",
			DB:   0,
		},
		Bus: BusConfig{
			Stream:        "TELEMETRY_EVENTS",
			Subscriptions: nil,
			IngestRecords: false,
		},
		Scripts: ScriptsConfig{
			Dir: "",
		},
		Metrics: MetricsConfig{
			Listen: "",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Store.DeviceBucket == "" || c.Store.RecordBucket == "" || c.Store.RuleBucket == "" {
		return fmt.Errorf("store bucket names are required")
	}
	if c.Store.RecordHistory < 1 || c.Store.RecordHistory > 64 {
		return fmt.Errorf("store.record_history must be between 1 and 64")
	}
	if c.VM.QueueCapacity < 1 {
		return fmt.Errorf("vm.queue_capacity must be at least 1")
	}
	if c.VM.SnapshotInterval <= 0 {
		return fmt.Errorf("vm.snapshot_interval must be positive")
	}
	if c.VM.ObserveInterval <= 0 {
		return fmt.Errorf("vm.observe_interval must be positive")
	}
	if c.VM.SnapshotPath == "" {
		return fmt.Errorf("vm.snapshot_path is required")
	}
	for i, sub := range c.Bus.Subscriptions {
		if sub.Subject == "" {
			return fmt.Errorf("bus.subscriptions[%d].subject is required", i)
		}
		if !validDeviceClass(sub.Class) {
			return fmt.Errorf("bus.subscriptions[%d].class %q is not one of %v", i, sub.Class, DeviceClasses)
		}
	}
	return nil
}

func validDeviceClass(class string) bool {
	for _, c := range DeviceClasses {
		if c == class {
			return true
		}
	}
	return false
}

// ExpandEnvWithDefaults expands ${VAR} and ${VAR:-default} references in s.
// An unset or empty variable with a default falls back to the default.
func ExpandEnvWithDefaults(s string) string {
	return os.Expand(s, func(key string) string {
		name, def, ok := strings.Cut(key, ":-")
		if !ok {
			return os.Getenv(key)
		}
		if v := os.Getenv(name); v != "" {
			return v
		}
		return def
	})
}

// LoadFromFile loads configuration from a YAML file, expanding environment
// variable references before parsing
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := ExpandEnvWithDefaults(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}

	// Store
	if other.Store.DeviceBucket != "" {
		c.Store.DeviceBucket = other.Store.DeviceBucket
	}
	if other.Store.RecordBucket != "" {
		c.Store.RecordBucket = other.Store.RecordBucket
	}
	if other.Store.RuleBucket != "" {
		c.Store.RuleBucket = other.Store.RuleBucket
	}
	if other.Store.RecordHistory != 0 {
		c.Store.RecordHistory = other.Store.RecordHistory
	}

	// VM
	if other.VM.QueueCapacity != 0 {
		c.VM.QueueCapacity = other.VM.QueueCapacity
	}
	if other.VM.SnapshotPath != "" {
		c.VM.SnapshotPath = other.VM.SnapshotPath
	}
	if other.VM.SnapshotInterval != 0 {
		c.VM.SnapshotInterval = other.VM.SnapshotInterval
	}
	if other.VM.ObserveInterval != 0 {
		c.VM.ObserveInterval = other.VM.ObserveInterval
	}
	if other.VM.TimerSlack != 0 {
		c.VM.TimerSlack = other.VM.TimerSlack
	}
	if other.VM.StopPollInterval != 0 {
		c.VM.StopPollInterval = other.VM.StopPollInterval
	}

	// Email
	if other.Email.APIKey != "" {
		c.Email.APIKey = other.Email.APIKey
	}
	if other.Email.From != "" {
		c.Email.From = other.Email.From
	}
	if other.Email.FromName != "" {
		c.Email.FromName = other.Email.FromName
	}

	// Redis
	if other.Redis.Addr != "" {
		c.Redis.Addr = other.Redis.Addr
	}
	if other.Redis.Password != "" {
		c.Redis.Password = other.Redis.Password
	}
	if other.Redis.DB != 0 {
		c.Redis.DB = other.Redis.DB
	}

	// Bus
	if other.Bus.Stream != "" {
		c.Bus.Stream = other.Bus.Stream
	}
	if len(other.Bus.Subscriptions) > 0 {
		c.Bus.Subscriptions = other.Bus.Subscriptions
	}
	if other.Bus.IngestRecords {
		c.Bus.IngestRecords = true
	}

	// Scripts
	if other.Scripts.Dir != "" {
		c.Scripts.Dir = other.Scripts.Dir
	}

	// Metrics
	if other.Metrics.Listen != "" {
		c.Metrics.Listen = other.Metrics.Listen
	}
}
