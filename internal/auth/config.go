package auth

import "time"

// Config holds auth service settings.
type Config struct {
	// PrivateKeyFile is the PEM file holding the RSA signing key. A new
	// key is generated there on first start.
	PrivateKeyFile string `yaml:"private_key_file"`

	// TokenTTL bounds how long issued access tokens stay valid.
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// DefaultConfig returns the default auth configuration.
func DefaultConfig() Config {
	return Config{
		PrivateKeyFile: "data/keys/livegate.pem",
		TokenTTL:       time.Hour,
	}
}

// ApplyDefaults fills zero-valued fields with defaults.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.PrivateKeyFile == "" {
		c.PrivateKeyFile = def.PrivateKeyFile
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = def.TokenTTL
	}
}
