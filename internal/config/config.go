// Package config loads the livegate configuration: defaults, overridden
// by config/config.yml, overridden by config/config.local.yml.
package config

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/livegate/livegate/internal/auth"
	"github.com/livegate/livegate/internal/dispatcher"
	"github.com/livegate/livegate/internal/gateway"
	"github.com/livegate/livegate/internal/registry"
	"github.com/livegate/livegate/internal/rules"
	"github.com/livegate/livegate/internal/transport"
)

// Config holds the application configuration.
type Config struct {
	Gateway    gateway.Config     `yaml:"gateway"`
	Rules      rules.EngineConfig `yaml:"rules"`
	Registry   registry.Config    `yaml:"registry"`
	Dispatcher dispatcher.Config  `yaml:"dispatcher"`
	Transport  transport.Config   `yaml:"transport"`
	Auth       auth.Config        `yaml:"auth"`
	Events     EventsConfig       `yaml:"events"`
	Logging    LoggingConfig      `yaml:"logging"`
}

// EventsConfig selects and tunes the record event source.
type EventsConfig struct {
	// Provider is "memory" or "nats".
	Provider string `yaml:"provider"`

	// Stream is the JetStream stream name when Provider is "nats".
	Stream string `yaml:"stream"`

	// Consumer is the durable consumer name when Provider is "nats".
	Consumer string `yaml:"consumer"`

	NATS NATSConfig `yaml:"nats"`
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// DefaultEventsConfig returns the default events configuration.
func DefaultEventsConfig() EventsConfig {
	return EventsConfig{
		Provider: "memory",
		Stream:   "LIVEGATE_EVENTS",
		Consumer: "livegate-dispatcher",
		NATS:     NATSConfig{URL: "nats://localhost:4222"},
	}
}

// ApplyDefaults fills zero-valued fields with defaults.
func (c *EventsConfig) ApplyDefaults() {
	def := DefaultEventsConfig()
	if c.Provider == "" {
		c.Provider = def.Provider
	}
	if c.Stream == "" {
		c.Stream = def.Stream
	}
	if c.Consumer == "" {
		c.Consumer = def.Consumer
	}
	if c.NATS.URL == "" {
		c.NATS.URL = def.NATS.URL
	}
}

// Validate rejects unknown providers.
func (c *EventsConfig) Validate() error {
	switch c.Provider {
	case "memory", "nats":
		return nil
	default:
		return fmt.Errorf("unknown events provider: %s (must be memory or nats)", c.Provider)
	}
}

// LoadConfig loads configuration from files.
// Order: defaults -> config.yml -> config.local.yml -> ApplyDefaults -> Validate.
func LoadConfig() *Config {
	cfg := &Config{
		Gateway:    gateway.DefaultConfig(),
		Registry:   registry.DefaultConfig(),
		Dispatcher: dispatcher.DefaultConfig(),
		Transport:  transport.DefaultConfig(),
		Auth:       auth.DefaultConfig(),
		Events:     DefaultEventsConfig(),
		Logging:    DefaultLoggingConfig(),
	}

	loadFile("config/config.yml", cfg)
	loadFile("config/config.local.yml", cfg)
	applyEnvOverrides(cfg)

	cfg.Gateway.ApplyDefaults()
	cfg.Registry.ApplyDefaults()
	cfg.Dispatcher.ApplyDefaults()
	cfg.Transport.ApplyDefaults()
	cfg.Auth.ApplyDefaults()
	cfg.Events.ApplyDefaults()
	cfg.Logging.ApplyDefaults()

	if err := cfg.Events.Validate(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	if err := cfg.Logging.Validate(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	return cfg
}

// applyEnvOverrides applies the environment knobs used in deployments
// where editing config files is awkward.
func applyEnvOverrides(cfg *Config) {
	if url := os.Getenv("LIVEGATE_NATS_URL"); url != "" {
		cfg.Events.NATS.URL = url
	}
	if level := os.Getenv("LIVEGATE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

func loadFile(filename string, cfg *Config) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		log.Printf("Warning: Error reading %s: %v", filename, err)
		return
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("Warning: Error parsing %s: %v", filename, err)
	}
}
