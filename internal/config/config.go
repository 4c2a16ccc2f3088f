package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// NodeConfig identifies this worker process
type NodeConfig struct {
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// StorageConfig holds local store configuration
type StorageConfig struct {
	StoreDir      string        `yaml:"store_dir"`
	FlushEvery    int           `yaml:"flush_every"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	SyncOnFlush   bool          `yaml:"sync_on_flush"`
	CacheSize     int           `yaml:"cache_size"`
}

// ChangelogConfig holds changelog configuration
type ChangelogConfig struct {
	Dir           string `yaml:"dir"`
	SegmentSize   int64  `yaml:"segment_size"`
	SyncWrites    bool   `yaml:"sync_writes"`
	IndexInterval int    `yaml:"index_interval"`
}

// RecoveryConfig holds recovery and standby tailing configuration
type RecoveryConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	BatchSize       int           `yaml:"batch_size"`
	CheckpointEvery int           `yaml:"checkpoint_every"`
	OpenBackoff     time.Duration `yaml:"open_backoff"`
}

// WindowConfig holds window sweep configuration
type WindowConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// LimitsConfig bounds key and value sizes on the write path
type LimitsConfig struct {
	MaxKeySize   int `yaml:"max_key_size"`
	MaxValueSize int `yaml:"max_value_size"`
}

// WorkerPoolConfig holds background task pool configuration
type WorkerPoolConfig struct {
	MaxWorkers int `yaml:"max_workers"`
	QueueSize  int `yaml:"queue_size"`
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AssignmentConfig is the static partition assignment used by the bootstrap
// worker when no external ownership tracker is wired in
type AssignmentConfig struct {
	Owned   []int32 `yaml:"owned"`
	Standby []int32 `yaml:"standby"`
}

// WindowSpec declares an optional window layer on a configured table
type WindowSpec struct {
	Type      string        `yaml:"type"` // tumbling, hopping or sliding
	Size      time.Duration `yaml:"size"`
	Hop       time.Duration `yaml:"hop"`
	Retention time.Duration `yaml:"retention"`
}

// TableSpec declares one table hosted by the bootstrap worker
type TableSpec struct {
	Name       string      `yaml:"name"`
	Partitions int32       `yaml:"partitions"`
	KeyCodec   string      `yaml:"key_codec"`   // bytes, string, int64 or json
	ValueCodec string      `yaml:"value_codec"` // bytes, string, int64 or json
	Window     *WindowSpec `yaml:"window"`
}

// Config represents the complete configuration for a tabled worker
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Storage    StorageConfig    `yaml:"storage"`
	Changelog  ChangelogConfig  `yaml:"changelog"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
	Window     WindowConfig     `yaml:"window"`
	Limits     LimitsConfig     `yaml:"limits"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
	Assignment AssignmentConfig `yaml:"assignment"`
	Tables     []TableSpec      `yaml:"tables"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with all defaults applied
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Node.ID == "" {
		cfg.Node.ID = uuid.NewString()
	}
	if cfg.Node.DataDir == "" {
		cfg.Node.DataDir = "/var/lib/tabled"
	}

	if cfg.Storage.StoreDir == "" {
		cfg.Storage.StoreDir = cfg.Node.DataDir + "/tables"
	}
	if cfg.Storage.FlushEvery == 0 {
		cfg.Storage.FlushEvery = 256
	}
	if cfg.Storage.FlushInterval == 0 {
		cfg.Storage.FlushInterval = time.Second
	}

	if cfg.Changelog.Dir == "" {
		cfg.Changelog.Dir = cfg.Node.DataDir + "/changelog"
	}
	if cfg.Changelog.SegmentSize == 0 {
		cfg.Changelog.SegmentSize = 64 * 1024 * 1024
	}
	if cfg.Changelog.IndexInterval == 0 {
		cfg.Changelog.IndexInterval = 128
	}

	if cfg.Recovery.PollInterval == 0 {
		cfg.Recovery.PollInterval = 100 * time.Millisecond
	}
	if cfg.Recovery.BatchSize == 0 {
		cfg.Recovery.BatchSize = 1024
	}
	if cfg.Recovery.CheckpointEvery == 0 {
		cfg.Recovery.CheckpointEvery = 4096
	}
	if cfg.Recovery.OpenBackoff == 0 {
		cfg.Recovery.OpenBackoff = 5 * time.Second
	}

	if cfg.Window.SweepInterval == 0 {
		cfg.Window.SweepInterval = 30 * time.Second
	}

	if cfg.Limits.MaxKeySize == 0 {
		cfg.Limits.MaxKeySize = 4096
	}
	if cfg.Limits.MaxValueSize == 0 {
		cfg.Limits.MaxValueSize = 1 << 20 // 1MB
	}

	if cfg.WorkerPool.MaxWorkers == 0 {
		cfg.WorkerPool.MaxWorkers = 8
	}
	if cfg.WorkerPool.QueueSize == 0 {
		cfg.WorkerPool.QueueSize = 64
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9642
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	if c.Storage.FlushEvery < 1 {
		return fmt.Errorf("storage.flush_every must be positive")
	}
	if c.Changelog.SegmentSize < 1024 {
		return fmt.Errorf("changelog.segment_size must be at least 1KB")
	}
	if c.Recovery.BatchSize < 1 {
		return fmt.Errorf("recovery.batch_size must be positive")
	}
	for _, p := range c.Assignment.Owned {
		for _, s := range c.Assignment.Standby {
			if p == s {
				return fmt.Errorf("partition %d cannot be both owned and standby", p)
			}
		}
	}
	seen := make(map[string]bool, len(c.Tables))
	for _, t := range c.Tables {
		if t.Name == "" {
			return fmt.Errorf("tables[].name is required")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate table %q", t.Name)
		}
		seen[t.Name] = true
		if t.Partitions < 1 {
			return fmt.Errorf("table %q needs a positive partition count", t.Name)
		}
		if t.Window != nil && t.Window.Size <= 0 {
			return fmt.Errorf("table %q window.size must be positive", t.Name)
		}
	}
	return nil
}
