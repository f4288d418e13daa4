package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config is the top-level governance queue configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Queue       QueueConfig       `yaml:"queue"`
	Reservation ReservationConfig `yaml:"reservation"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig holds the RPC listener and storage settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	WSAddr     string `yaml:"ws_addr"`
	DataDir    string `yaml:"datadir"` // empty keeps the event index in memory
}

// QueueConfig holds the admission limits for the governed scope.
type QueueConfig struct {
	ScopeID               string        `yaml:"scope_id"`
	MaxConcurrentActive   uint64        `yaml:"max_concurrent_active"`
	MaxIndividuallyFunded uint64        `yaml:"max_individually_funded"` // legacy key: max_shared_funded
	EvictionGracePeriod   time.Duration `yaml:"eviction_grace_period"`
	BaseFee               uint64        `yaml:"base_fee"`
}

// ReservationConfig holds the recreation window and pruning settings.
type ReservationConfig struct {
	BucketDuration   time.Duration `yaml:"bucket_duration"`
	RecreationPeriod time.Duration `yaml:"recreation_period"`
	SafetyBuffer     time.Duration `yaml:"safety_buffer"`
	PruneInterval    time.Duration `yaml:"prune_interval"`
	PruneMaxBuckets  int           `yaml:"prune_max_buckets"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// UnmarshalYAML accepts max_shared_funded as an alias for
// max_individually_funded. The explicit key wins when both are present.
func (q *QueueConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain QueueConfig
	var aux struct {
		plain           `yaml:",inline"`
		MaxSharedFunded *uint64 `yaml:"max_shared_funded"`
	}
	aux.plain = plain(*q)
	if err := node.Decode(&aux); err != nil {
		return err
	}
	*q = QueueConfig(aux.plain)

	explicit := false
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == "max_individually_funded" {
			explicit = true
		}
	}
	if aux.MaxSharedFunded != nil && !explicit {
		q.MaxIndividuallyFunded = *aux.MaxSharedFunded
	}
	return nil
}

// Scope returns the configured scope id as a hash.
func (q QueueConfig) Scope() common.Hash {
	return common.HexToHash(q.ScopeID)
}

// Millis converts a duration to the millisecond timestamps used by the queue.
func Millis(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d / time.Millisecond)
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the queue cannot run with.
func (c *Config) Validate() error {
	if c.Queue.MaxConcurrentActive == 0 {
		return errors.New("queue.max_concurrent_active must be positive")
	}
	if c.Reservation.BucketDuration <= 0 {
		return errors.New("reservation.bucket_duration must be positive")
	}
	if c.Reservation.PruneInterval <= 0 {
		return errors.New("reservation.prune_interval must be positive")
	}
	return nil
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: "0.0.0.0:8645",
			WSAddr:     "0.0.0.0:8646",
			DataDir:    "/data",
		},
		Queue: QueueConfig{
			ScopeID:               "0x01",
			MaxConcurrentActive:   2,
			MaxIndividuallyFunded: 1,
			EvictionGracePeriod:   5 * time.Minute,
			BaseFee:               100_000,
		},
		Reservation: ReservationConfig{
			BucketDuration:   time.Hour,
			RecreationPeriod: 7 * 24 * time.Hour,
			SafetyBuffer:     time.Hour,
			PruneInterval:    time.Minute,
			PruneMaxBuckets:  16,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "0.0.0.0:6061",
		},
	}
}
