// Package config loads the YAML runtime configuration shared by the
// serve and status commands.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warren-db/warren/internal/record"
)

// Config is the full runtime configuration. Zero values resolve to the
// defaults in Default.
type Config struct {
	// Process uniquely identifies this process among replication peers.
	Process string `yaml:"process"`

	Backend     BackendConfig     `yaml:"backend"`
	Transaction TransactionConfig `yaml:"transaction"`
	Lock        LockConfig        `yaml:"lock"`
	Replication ReplicationConfig `yaml:"replication"`

	// Types declares per-type policies beyond the built-ins.
	Types []TypeConfig `yaml:"types"`
}

// BackendConfig selects and connects the storage engine.
type BackendConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`

	// DSN is the driver-specific connection string: a file path (or
	// ":memory:") for sqlite, a connection URL for postgres.
	DSN string `yaml:"dsn"`
}

// TransactionConfig tunes the write coordinator.
type TransactionConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"maxRetries"`
}

// LockConfig tunes the lease lock manager and sweeper.
type LockConfig struct {
	RenewInterval time.Duration `yaml:"renewInterval"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// ReplicationConfig tunes the cross-process replicator.
type ReplicationConfig struct {
	// Enabled turns the stdio replicator on in serve.
	Enabled bool `yaml:"enabled"`

	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// TypeConfig declares a record type policy.
type TypeConfig struct {
	Type      string   `yaml:"type"`
	UniqueBy  []string `yaml:"uniqueBy"`
	Versioned bool     `yaml:"versioned"`
}

// Default returns the configuration used when no file is given: an
// in-memory sqlite store with replication off.
func Default() Config {
	return Config{
		Process: fmt.Sprintf("warren-%d", os.Getpid()),
		Backend: BackendConfig{
			Driver: "sqlite",
			DSN:    ":memory:",
		},
	}
}

// Load reads and validates a config file. Missing fields keep their
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the composition root cannot honor.
func (c Config) Validate() error {
	switch c.Backend.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown backend driver %q (want sqlite or postgres)", c.Backend.Driver)
	}
	if c.Backend.DSN == "" {
		return fmt.Errorf("backend dsn is required")
	}
	if c.Process == "" {
		return fmt.Errorf("process id is required")
	}
	for _, t := range c.Types {
		if t.Type == "" {
			return fmt.Errorf("type policy with empty type name")
		}
	}
	return nil
}

// Registry builds a policy registry from the declared types, on top of
// the built-ins.
func (c Config) Registry() (*record.Registry, error) {
	reg := record.NewRegistry()
	for _, t := range c.Types {
		err := reg.Register(record.Policy{
			Type:      t.Type,
			UniqueBy:  t.UniqueBy,
			Versioned: t.Versioned,
		})
		if err != nil {
			return nil, err
		}
	}
	return reg, nil
}
