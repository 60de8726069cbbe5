package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"stageline/internal/catalog"
)

// Config models stageline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Dispatcher struct {
		Workers   int `yaml:"workers"`
		QueueSize int `yaml:"queue_size"`
	} `yaml:"dispatcher"`
	Executor struct {
		// Profile selects the built-in executor set when no external
		// executors are registered. "generator" is the only stock profile.
		Profile   string `yaml:"profile"`
		CacheSize int    `yaml:"cache_size"`
	} `yaml:"executor"`
	Pipeline struct {
		// Stages overrides the default stage catalog when non-empty.
		Stages []catalog.StageDef `yaml:"stages"`
	} `yaml:"pipeline"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Dispatcher.Workers < 1 {
		return fmt.Errorf("config.dispatcher.workers must be >= 1")
	}
	if c.Dispatcher.QueueSize < 1 {
		return fmt.Errorf("config.dispatcher.queue_size must be >= 1")
	}
	if c.Executor.CacheSize < 1 {
		return fmt.Errorf("config.executor.cache_size must be >= 1")
	}
	if len(c.Pipeline.Stages) > 0 {
		if _, err := catalog.New(c.Pipeline.Stages); err != nil {
			return fmt.Errorf("config.pipeline.stages: %w", err)
		}
	}
	return nil
}

// Catalog returns the configured stage catalog, falling back to the default.
func (c *Config) Catalog() catalog.Catalog {
	if len(c.Pipeline.Stages) > 0 {
		cat, err := catalog.New(c.Pipeline.Stages)
		if err == nil {
			return cat
		}
	}
	return catalog.Default()
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stageline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = "127.0.0.1:8080"
	cfg.Server.BasePath = "/v0"
	cfg.Dispatcher.Workers = 2
	cfg.Dispatcher.QueueSize = 64
	cfg.Executor.Profile = "generator"
	cfg.Executor.CacheSize = 32
	return &cfg
}

// Load reads config from the workspace, returning defaults when the file
// does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Unset fields
// keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}
