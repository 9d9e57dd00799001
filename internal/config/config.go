// Package config loads and validates the run configuration from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gambitlab/gambit/internal/engine"
)

// Config is the full configuration for one analysis run.
type Config struct {
	Input  InputConfig   `yaml:"input"`
	Output OutputConfig  `yaml:"output"`
	Engine engine.Config `yaml:"engine"`
	Pool   PoolConfig    `yaml:"pool"`
	Run    RunConfig     `yaml:"run"`
	Cache  CacheConfig   `yaml:"cache"`
	Limit  LimitConfig   `yaml:"rate_limit"`
	Log    LogConfig     `yaml:"log"`

	// Participant, when set, is a player name whose presence in the input
	// is reported on the final run report.
	Participant string `yaml:"participant"`
}

type InputConfig struct {
	PGN string `yaml:"pgn"`
}

type OutputConfig struct {
	// Annotated is the path the annotated games are written to. Empty
	// disables the writer.
	Annotated string `yaml:"annotated"`
	// MetricsAddr, when set, serves Prometheus metrics during the run,
	// e.g. ":9187".
	MetricsAddr string `yaml:"metrics_addr"`
}

type PoolConfig struct {
	Size int `yaml:"size"`
}

type RunConfig struct {
	Concurrency int `yaml:"concurrency"`
	MaxRetries  int `yaml:"max_retries"`
}

type CacheConfig struct {
	Path string `yaml:"path"`
}

type LimitConfig struct {
	CallsPerSecond float64 `yaml:"calls_per_second"`
	Burst          int     `yaml:"burst"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load reads the YAML file at path, applies defaults and validates.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields with working values.
func (c *Config) ApplyDefaults() {
	if c.Engine.Depth <= 0 {
		c.Engine.Depth = 18
	}
	if c.Engine.MultiPV <= 0 {
		c.Engine.MultiPV = 1
	}
	if c.Pool.Size <= 0 {
		c.Pool.Size = 2
	}
	if c.Run.Concurrency <= 0 {
		c.Run.Concurrency = c.Pool.Size
	}
	if c.Run.MaxRetries < 0 {
		c.Run.MaxRetries = 0
	}
	if c.Cache.Path == "" {
		c.Cache.Path = "gambit-cache.db"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate rejects configurations that cannot produce a run.
func (c *Config) Validate() error {
	if c.Input.PGN == "" {
		return fmt.Errorf("config: input.pgn is required")
	}
	if c.Engine.Path == "" {
		return fmt.Errorf("config: engine.path is required")
	}
	if c.Run.Concurrency > c.Pool.Size {
		// More workers than engines only adds queueing at the pool; cap it.
		c.Run.Concurrency = c.Pool.Size
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	return nil
}
