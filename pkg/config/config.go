// Package config loads the rebacd server's YAML configuration file,
// grounded in the teacher's cmd/warren flag-and-struct shape (manager.Config,
// cluster init flags) but collected from a file via gopkg.in/yaml.v3 instead
// of a flat flag set, since a server process has more knobs than fit
// comfortably on a command line.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/rebac-core/pkg/log"
	"github.com/cuemby/rebac-core/pkg/objectstore"
)

// Config is the top-level server configuration.
type Config struct {
	// Server holds the HTTP/JSON + WebSocket listen settings.
	Server ServerConfig `yaml:"server"`

	// Storage holds the per-tenant raft/kvlog data directory.
	Storage StorageConfig `yaml:"storage"`

	// ObjectStore holds the S3-compatible snapshot/schema backend. Leaving
	// it unset (nil) disables snapshot export and schema durability across restarts
	// (every tenant is then cold-started empty) — valid for local
	// experimentation, never for a production deployment.
	ObjectStore *objectstore.Config `yaml:"object_store,omitempty"`

	// Tenant holds the idle timeout and memory cap for the per-tenant actor
	// registry. Load and Validate read them, but cmd/rebacd does not pass
	// them to pkg/tenant, whose registry runs with tenant.DefaultIdleTimeout
	// and tenant.DefaultMemCapBytes.
	Tenant TenantConfig `yaml:"tenant"`

	// Log holds structured logging configuration.
	Log LogConfig `yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// StorageConfig controls the local data directory shared by every tenant's
// raft group and the kv mutation log.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// TenantConfig controls the per-tenant actor registry.
type TenantConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	MemCapBytes uint64        `yaml:"mem_cap_bytes"`
}

// LogConfig controls pkg/log.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// defaults mirrors the flag defaults the teacher's CLI hard-codes
// (127.0.0.1 addresses, a ./*-data directory, info-level console logs).
func defaults() Config {
	return Config{
		Server:  ServerConfig{ListenAddr: "127.0.0.1:8080"},
		Storage: StorageConfig{DataDir: "./rebacd-data"},
		Tenant: TenantConfig{
			IdleTimeout: 10 * time.Minute,
			MemCapBytes: 128 << 20,
		},
		Log: LogConfig{Level: "info", JSON: false},
	}
}

// Load reads and parses the YAML configuration file at path, filling in
// defaults for anything left unset.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would fail in confusing ways deeper
// in startup (an empty data directory, a zero memory cap).
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("config: server.listen_addr must not be empty")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("config: storage.data_dir must not be empty")
	}
	if c.Tenant.MemCapBytes == 0 {
		return fmt.Errorf("config: tenant.mem_cap_bytes must be greater than zero")
	}
	if c.ObjectStore != nil && c.ObjectStore.Bucket == "" {
		return fmt.Errorf("config: object_store.bucket must not be empty when object_store is set")
	}
	if _, ok := validLogLevels[c.Log.Level]; !ok {
		return fmt.Errorf("config: log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

var validLogLevels = map[string]bool{
	string(log.DebugLevel): true,
	string(log.InfoLevel):  true,
	string(log.WarnLevel):  true,
	string(log.ErrorLevel): true,
}

// LogConfig adapts c's string level to pkg/log's Config.
func (c *Config) LogConfig() log.Config {
	return log.Config{Level: log.Level(c.Log.Level), JSONOutput: c.Log.JSON}
}
