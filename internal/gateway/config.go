package gateway

import "time"

// Config holds gateway HTTP server settings.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr"`

	// RequireAuth rejects subscribe requests from clients that have not
	// authenticated. Even when false, access rules still gate delivery.
	RequireAuth bool `yaml:"require_auth"`

	// AllowedOrigins lists origins allowed for cross-origin streams, in
	// addition to same-host origins.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// AllowDevOrigin additionally allows localhost origins.
	AllowDevOrigin bool `yaml:"allow_dev_origin"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ShutdownTimeout: 10 * time.Second,
	}
}

// ApplyDefaults fills zero-valued fields with defaults.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
}
