// Package config loads service configuration from a YAML file with
// environment overrides. Secrets (key passphrases, acquirer keys) come from
// the environment only.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Role: RoleShoppingAgent,
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "development",
		},
		Identity: IdentityConfig{
			KeyDir:    "./keys",
			Algorithm: "ecdsa-p256",
		},
		Peers: map[string]PeerConfig{},
		WebAuthn: WebAuthnConfig{
			RPID: "localhost",
		},
		Storage: StorageConfig{
			Backend: "memory",
			PostgresPool: PostgresPoolConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: Duration{Duration: 5 * time.Minute},
			},
		},
		Acquirer: AcquirerConfig{
			Mode:              "internal",
			RequireAgentToken: true,
		},
		TTL: TTLConfig{
			Nonce:        Duration{Duration: 5 * time.Minute},
			Challenge:    Duration{Duration: 60 * time.Second},
			PaymentToken: Duration{Duration: 15 * time.Minute},
			StepUp:       Duration{Duration: 10 * time.Minute},
			AgentToken:   Duration{Duration: time.Hour},
			Session:      Duration{Duration: time.Hour},
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 300,
		},
	}
}

// parseFile merges a YAML file into the config.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Peer returns a configured peer by role name.
func (c *Config) Peer(role string) (PeerConfig, bool) {
	p, ok := c.Peers[role]
	return p, ok
}

// PeerEndpoints maps peer DIDs to base URLs, the shape the A2A client wants.
func (c *Config) PeerEndpoints() map[string]string {
	out := make(map[string]string, len(c.Peers))
	for _, p := range c.Peers {
		if p.DID != "" && p.URL != "" {
			out[p.DID] = p.URL
		}
	}
	return out
}
