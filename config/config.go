// Package config reads the host's YAML configuration file (spec §6,
// "Configuration options"), grounded on the teacher's config.ReadConfig,
// generalized from a fixed two-field {dir, nodes} shape to the full set of
// recognized keys.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/jgalecki/raft/snapshot"
	"github.com/jgalecki/raft/storage"
)

// Config is the host's raftd configuration file shape.
type Config struct {
	ServerId        uint64 `yaml:"serverId"`
	ListenAddresses string `yaml:"listenAddresses"`
	ClusterUUID     string `yaml:"clusterUUID"`

	StorageModule string `yaml:"storageModule"`
	StoragePath   string `yaml:"storagePath"`
	UseTempStorage bool  `yaml:"use-temporary-storage"`

	ElectionTimeoutMilliseconds int `yaml:"electionTimeoutMilliseconds"`
	HeartbeatPeriodMilliseconds int `yaml:"heartbeatPeriodMilliseconds"`
	MaxThreads                  int `yaml:"maxThreads"`
}

// ReadConfig loads and validates a configuration file, applying the
// defaults named in spec §6.
func ReadConfig(file string) (*Config, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", file, err)
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", file, err)
	}
	if err := c.applyDefaults(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() error {
	if c.ServerId == 0 {
		return fmt.Errorf("config: serverId is required")
	}
	if c.ListenAddresses == "" {
		return fmt.Errorf("config: listenAddresses is required")
	}
	if c.UseTempStorage {
		c.StorageModule = string(storage.ModuleMemory)
	}
	switch c.StorageModule {
	case "", string(storage.ModuleMemory):
		c.StorageModule = string(storage.ModuleMemory)
	case string(storage.ModuleFilesystem):
		if c.StoragePath == "" {
			return fmt.Errorf("config: storagePath is required when storageModule is Filesystem")
		}
	default:
		return fmt.Errorf("config: unknown storageModule %q", c.StorageModule)
	}
	if c.ElectionTimeoutMilliseconds <= 0 {
		c.ElectionTimeoutMilliseconds = 500
	}
	if c.HeartbeatPeriodMilliseconds <= 0 {
		c.HeartbeatPeriodMilliseconds = c.ElectionTimeoutMilliseconds / 5
	}
	if c.MaxThreads <= 0 {
		c.MaxThreads = 16
	}
	return nil
}

// ElectionTimeout is the configured election timeout as a time.Duration.
func (c *Config) ElectionTimeout() time.Duration {
	return time.Duration(c.ElectionTimeoutMilliseconds) * time.Millisecond
}

// HeartbeatPeriod is the configured heartbeat period as a time.Duration.
func (c *Config) HeartbeatPeriod() time.Duration {
	return time.Duration(c.HeartbeatPeriodMilliseconds) * time.Millisecond
}

// StorageOptions builds the options the storage package needs to open this
// host's durable log backend.
func (c *Config) StorageOptions() storage.Options {
	return storage.Options{Module: storage.Module(c.StorageModule), Path: c.StoragePath}
}

// SnapshotModule builds the snapshot backend selector matching
// StorageModule (the two always travel together: a Memory log keeps its
// snapshot in memory too).
func (c *Config) SnapshotModule() snapshot.Module {
	return snapshot.Module(c.StorageModule)
}

// EnsureClusterUUID assigns a random cluster UUID the first time a server
// boots without one configured and without one already persisted, per
// spec §3 ("clusterUUID (once known, immutable thereafter)"). It does not
// overwrite a UUID already recorded in either place.
func (c *Config) EnsureClusterUUID(persisted string) string {
	if persisted != "" {
		return persisted
	}
	if c.ClusterUUID != "" {
		return c.ClusterUUID
	}
	return uuid.NewString()
}
