// Package config loads service configuration from an optional YAML file
// overlaid with SESSIOND_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Workflows WorkflowsConfig `koanf:"workflows"`
	Session   SessionConfig   `koanf:"session"`
	Engine    EngineConfig    `koanf:"engine"`
	Events    EventsConfig    `koanf:"events"`
	Storage   StorageConfig   `koanf:"storage"`
}

type ServerConfig struct {
	Port           int    `koanf:"port"`
	RequestTimeout string `koanf:"request_timeout"`
}

type WorkflowsConfig struct {
	// Path is the workflow specification file.
	Path string `koanf:"path"`
}

type SessionConfig struct {
	IdleTimeout   string `koanf:"idle_timeout"`
	SweepInterval string `koanf:"sweep_interval"`
}

type EngineConfig struct {
	TurnTimeout string `koanf:"turn_timeout"`
}

type EventsConfig struct {
	InitialBackoff string `koanf:"initial_backoff"`
	MaxBackoff     string `koanf:"max_backoff"`
	Budget         string `koanf:"budget"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // memory, sqlite
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// Load reads configuration from the given YAML file (missing file is fine)
// and environment variables. Malformed values fail the load; nothing defaults
// silently past validation.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars and defaults.
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Environment variables override file config: SESSIOND_SERVER__PORT=8081.
	if err := k.Load(env.Provider("SESSIOND_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "SESSIOND_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	defaults := map[string]any{
		"server.port":            8080,
		"server.request_timeout": "30s",
		"workflows.path":         "workflows.yaml",
		"session.idle_timeout":   "30m",
		"session.sweep_interval": "1m",
		"engine.turn_timeout":    "30s",
		"events.initial_backoff": "100ms",
		"events.max_backoff":     "2s",
		"events.budget":          "10s",
		"storage.type":           "memory",
		"storage.sqlite.path":    "./data/sessions.db",
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	durations := map[string]string{
		"server.request_timeout": c.Server.RequestTimeout,
		"session.idle_timeout":   c.Session.IdleTimeout,
		"session.sweep_interval": c.Session.SweepInterval,
		"engine.turn_timeout":    c.Engine.TurnTimeout,
		"events.initial_backoff": c.Events.InitialBackoff,
		"events.max_backoff":     c.Events.MaxBackoff,
		"events.budget":          c.Events.Budget,
	}
	for key, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", key, value)
		}
	}

	switch c.Storage.Type {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown storage type %q (expected memory or sqlite)", c.Storage.Type)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	return nil
}

// Duration parses a validated duration field.
func Duration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}
