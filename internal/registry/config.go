package registry

import (
	"context"
	"time"
)

// Config tunes the background cleanup sweep that reclaims subscriptions
// whose client disconnect signal was missed.
type Config struct {
	// CleanupInterval is how often the sweep runs. A negative value
	// disables the sweep; zero means the default.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// IdleTimeout is how long a client may go without activity before
	// its subscriptions are reclaimed.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		CleanupInterval: time.Minute,
		IdleTimeout:     5 * time.Minute,
	}
}

// ApplyDefaults fills zero-valued fields with defaults.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.CleanupInterval == 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
}

// RunCleanup sweeps idle clients on cfg.CleanupInterval until ctx is
// done. It returns immediately when the sweep is disabled.
func (r *Registry) RunCleanup(ctx context.Context, cfg Config) {
	if cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Cleanup(cfg.IdleTimeout); n > 0 {
				r.logger.Info("reclaimed idle subscriptions", "count", n)
			}
		}
	}
}
