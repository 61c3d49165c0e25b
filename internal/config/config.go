// Package config loads the broker's run-time configuration: an optional
// YAML file overlaid on hardcoded defaults, with the MEES_ADDR
// environment variable winning over both.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultAddr                = "localhost:6454"
	defaultPendingTTLSeconds   = 120
	defaultPendingSweepSeconds = 30
)

// Config is the broker's full run-time configuration.
type Config struct {
	Addr                string `yaml:"addr"`
	PendingTTLSeconds   int    `yaml:"pending_ttl_seconds"`
	PendingSweepSeconds int    `yaml:"pending_sweep_seconds"`
	Debug               bool   `yaml:"debug"`
}

// PendingTTL and PendingSweepInterval convert the YAML's integer seconds
// into durations for internal/registry.Config.
func (c Config) PendingTTL() time.Duration {
	return time.Duration(c.PendingTTLSeconds) * time.Second
}

func (c Config) PendingSweepInterval() time.Duration {
	return time.Duration(c.PendingSweepSeconds) * time.Second
}

func defaults() Config {
	return Config{
		Addr:                defaultAddr,
		PendingTTLSeconds:   defaultPendingTTLSeconds,
		PendingSweepSeconds: defaultPendingSweepSeconds,
	}
}

// Load builds a Config starting from hardcoded defaults, overlaying an
// optional YAML file (path may be empty, meaning "no file"), and finally
// letting MEES_ADDR override addr regardless of what the file said.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if env := os.Getenv("MEES_ADDR"); env != "" {
		cfg.Addr = env
	}

	return cfg, nil
}
