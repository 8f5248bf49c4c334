// Package config loads the sheaf configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aretw0/sheaf/internal/logging"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file read when none is given.
const DefaultPath = "sheaf.yaml"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Server   Server   `yaml:"server" json:"server"`
	Database Database `yaml:"database" json:"database"`
	Batch    Batch    `yaml:"batch" json:"batch"`
	Gate     Gate     `yaml:"gate" json:"gate"`
	Log      Log      `yaml:"log" json:"log"`
}

type Server struct {
	Addr string `yaml:"addr" json:"addr"`
}

type Database struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`
	// Migrate creates the ledger schema on startup.
	Migrate bool `yaml:"migrate" json:"migrate"`
}

type Batch struct {
	// Concurrency caps how many elements of one group run at once.
	Concurrency int `yaml:"concurrency" json:"concurrency"`
}

type Gate struct {
	// Driver is "memory" (per process) or "redis" (shared by replicas).
	Driver   string `yaml:"driver" json:"driver"`
	Capacity int    `yaml:"capacity" json:"capacity"`
	Redis    Redis  `yaml:"redis" json:"redis"`
}

type Redis struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Prefix   string `yaml:"prefix" json:"prefix"`
	// Lease bounds how long a crashed replica keeps its grant, e.g. "5m".
	Lease string `yaml:"lease" json:"lease"`
}

type Log struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default returns the configuration used for anything a file leaves out.
func Default() Config {
	return Config{
		Server:   Server{Addr: ":8080"},
		Database: Database{Driver: "sqlite", DSN: "sheaf.db", Migrate: true},
		Batch:    Batch{Concurrency: 4},
		Gate: Gate{
			Driver:   "memory",
			Capacity: 64,
			Redis:    Redis{Addr: "localhost:6379", Prefix: "sheaf:gate:", Lease: "5m"},
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load reads a YAML or JSON file (by extension) over the defaults.
// A missing file at DefaultPath yields the defaults; any other missing file
// is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && path == DefaultPath {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if strings.ToLower(filepath.Ext(path)) == ".json" {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: unknown database driver %q", ErrInvalid, c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("%w: database dsn is required", ErrInvalid)
	}
	if c.Batch.Concurrency < 1 {
		return fmt.Errorf("%w: batch concurrency must be positive", ErrInvalid)
	}

	switch c.Gate.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("%w: unknown gate driver %q", ErrInvalid, c.Gate.Driver)
	}
	if c.Gate.Capacity < 1 {
		return fmt.Errorf("%w: gate capacity must be positive", ErrInvalid)
	}
	if _, err := c.Gate.Redis.LeaseTTL(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

// LeaseTTL parses Lease. An empty lease means the gate default.
func (r Redis) LeaseTTL() (time.Duration, error) {
	if r.Lease == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(r.Lease)
	if err != nil {
		return 0, fmt.Errorf("gate lease: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("gate lease must be positive")
	}
	return d, nil
}
