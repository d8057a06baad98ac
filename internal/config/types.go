package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Service roles. One binary runs exactly one of these.
const (
	RoleShoppingAgent       = "shopping-agent"
	RoleMerchantAgent       = "merchant-agent"
	RoleMerchant            = "merchant"
	RoleCredentialsProvider = "credentials-provider"
	RolePaymentNetwork      = "payment-network"
	RolePaymentProcessor    = "payment-processor"
)

// Roles lists every valid role.
func Roles() []string {
	return []string{
		RoleShoppingAgent,
		RoleMerchantAgent,
		RoleMerchant,
		RoleCredentialsProvider,
		RolePaymentNetwork,
		RolePaymentProcessor,
	}
}

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or
// numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits
// human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds one service's configuration, aggregated from file and
// environment variables.
type Config struct {
	Role      string                `yaml:"role"`
	Server    ServerConfig          `yaml:"server"`
	Logging   LoggingConfig         `yaml:"logging"`
	Identity  IdentityConfig        `yaml:"identity"`
	Peers     map[string]PeerConfig `yaml:"peers"`
	WebAuthn  WebAuthnConfig        `yaml:"webauthn"`
	Storage   StorageConfig         `yaml:"storage"`
	Acquirer  AcquirerConfig        `yaml:"acquirer"`
	TTL       TTLConfig             `yaml:"ttl"`
	RateLimit RateLimitConfig       `yaml:"rate_limit"`
	Merchant  MerchantConfig        `yaml:"merchant"`
	Processor ProcessorConfig       `yaml:"processor"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	// AdminMetricsAPIKey protects /metrics when set; empty leaves it open.
	AdminMetricsAPIKey string `yaml:"admin_metrics_api_key"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error
	Format      string `yaml:"format"`      // json, console
	Environment string `yaml:"environment"` // production, staging, development
}

// IdentityConfig names the service on the federation and points at its
// sealed signing key.
type IdentityConfig struct {
	DID       string `yaml:"did"`
	AgentName string `yaml:"agent_name"` // key file stem under KeyDir
	KeyDir    string `yaml:"key_dir"`
	Algorithm string `yaml:"algorithm"` // ecdsa-p256 | ed25519
	BaseURL   string `yaml:"base_url"`  // where peers reach this service

	// Passphrase unseals the private key; environment only, never YAML.
	Passphrase string `yaml:"-"`
}

// PeerConfig locates one federation peer.
type PeerConfig struct {
	DID string `yaml:"did"`
	URL string `yaml:"url"`
}

// WebAuthnConfig holds relying-party parameters.
type WebAuthnConfig struct {
	RPID           string   `yaml:"rp_id"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// StorageConfig selects and parameterises the store backend.
type StorageConfig struct {
	Backend         string             `yaml:"backend"` // memory | postgres | mongodb
	PostgresURL     string             `yaml:"postgres_url"`
	MongoDBURL      string             `yaml:"mongodb_url"`
	MongoDBDatabase string             `yaml:"mongodb_database"`
	PostgresPool    PostgresPoolConfig `yaml:"postgres_pool"`
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// AcquirerConfig selects the processor's capture backend.
type AcquirerConfig struct {
	Mode                string `yaml:"mode"` // internal | stripe
	StripePaymentMethod string `yaml:"stripe_payment_method"`
	RequireAgentToken   bool   `yaml:"require_agent_token"`

	// StripeSecretKey comes from the environment only.
	StripeSecretKey string `yaml:"-"`
}

// TTLConfig bounds the expiring stores.
type TTLConfig struct {
	Nonce        Duration `yaml:"nonce"`
	Challenge    Duration `yaml:"challenge"`
	PaymentToken Duration `yaml:"payment_token"`
	StepUp       Duration `yaml:"step_up"`
	AgentToken   Duration `yaml:"agent_token"`
	Session      Duration `yaml:"session"`
}

// RateLimitConfig holds per-IP request limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

// MerchantConfig carries the merchant role's catalog.
type MerchantConfig struct {
	Name    string           `yaml:"name"`
	Catalog []CatalogProduct `yaml:"catalog"`
}

// CatalogProduct is one YAML catalog entry.
type CatalogProduct struct {
	SKU          string   `yaml:"sku"`
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Currency     string   `yaml:"currency"`
	Price        float64  `yaml:"price"`
	Stock        int      `yaml:"stock"`
	Tags         []string `yaml:"tags"`
	RefundPeriod Duration `yaml:"refund_period"`
}

// ProcessorConfig holds payment-processor specifics.
type ProcessorConfig struct {
	ReceiptBaseURL string `yaml:"receipt_base_url"`
}
