package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// peerEnvNames maps a peer role to its discovery environment variable.
var peerEnvNames = map[string]string{
	RoleShoppingAgent:       "SHOPPING_AGENT_URL",
	RoleMerchantAgent:       "MERCHANT_AGENT_URL",
	RoleMerchant:            "MERCHANT_URL",
	RoleCredentialsProvider: "CREDENTIALS_PROVIDER_URL",
	RolePaymentNetwork:      "PAYMENT_NETWORK_URL",
	RolePaymentProcessor:    "PAYMENT_PROCESSOR_URL",
}

// applyEnvOverrides layers environment variables over file values. The file
// is the base; the environment wins.
func (c *Config) applyEnvOverrides() {
	overrideString(&c.Role, "AP2_ROLE")
	overrideString(&c.Server.Address, "AP2_ADDRESS")
	overrideString(&c.Server.AdminMetricsAPIKey, "AP2_ADMIN_KEY")
	overrideString(&c.Logging.Level, "AP2_LOG_LEVEL")
	overrideString(&c.Logging.Format, "AP2_LOG_FORMAT")
	overrideString(&c.Logging.Environment, "AP2_ENVIRONMENT")

	overrideString(&c.Identity.DID, "AP2_DID")
	overrideString(&c.Identity.AgentName, "AP2_AGENT_NAME")
	overrideString(&c.Identity.KeyDir, "AP2_KEY_DIR")
	overrideString(&c.Identity.BaseURL, "AP2_BASE_URL")

	// The key passphrase is environment-only: AP2_<AGENT>_PASSPHRASE for the
	// service's own role, with AP2_PASSPHRASE as the generic fallback.
	if v := os.Getenv(passphraseEnvName(c.Role)); v != "" {
		c.Identity.Passphrase = v
	} else if v := os.Getenv("AP2_PASSPHRASE"); v != "" {
		c.Identity.Passphrase = v
	}

	if c.Peers == nil {
		c.Peers = map[string]PeerConfig{}
	}
	for role, envName := range peerEnvNames {
		if v := os.Getenv(envName); v != "" {
			peer := c.Peers[role]
			peer.URL = v
			c.Peers[role] = peer
		}
	}

	overrideString(&c.Storage.Backend, "AP2_STORAGE_BACKEND")
	overrideString(&c.Storage.PostgresURL, "DATABASE_URL")
	overrideString(&c.Storage.MongoDBURL, "MONGODB_URI")
	overrideString(&c.Storage.MongoDBDatabase, "MONGODB_DATABASE")

	overrideString(&c.WebAuthn.RPID, "WEBAUTHN_RP_ID")
	if v := os.Getenv("WEBAUTHN_ORIGINS"); v != "" {
		c.WebAuthn.AllowedOrigins = splitList(v)
	}

	overrideString(&c.Acquirer.Mode, "AP2_ACQUIRER_MODE")
	overrideString(&c.Acquirer.StripeSecretKey, "STRIPE_SECRET_KEY")
	overrideString(&c.Acquirer.StripePaymentMethod, "STRIPE_PAYMENT_METHOD")

	overrideString(&c.Processor.ReceiptBaseURL, "AP2_RECEIPT_BASE_URL")
	overrideString(&c.Merchant.Name, "AP2_MERCHANT_NAME")

	overrideBool(&c.RateLimit.Enabled, "AP2_RATE_LIMIT_ENABLED")
	overrideInt(&c.RateLimit.RequestsPerMinute, "AP2_RATE_LIMIT_RPM")

	overrideDuration(&c.TTL.Nonce, "AP2_TTL_NONCE")
	overrideDuration(&c.TTL.Challenge, "AP2_TTL_CHALLENGE")
	overrideDuration(&c.TTL.PaymentToken, "AP2_TTL_PAYMENT_TOKEN")
	overrideDuration(&c.TTL.StepUp, "AP2_TTL_STEP_UP")
	overrideDuration(&c.TTL.AgentToken, "AP2_TTL_AGENT_TOKEN")
	overrideDuration(&c.TTL.Session, "AP2_TTL_SESSION")
}

// passphraseEnvName derives AP2_<AGENT>_PASSPHRASE from a role name.
func passphraseEnvName(role string) string {
	agent := strings.ToUpper(strings.ReplaceAll(role, "-", "_"))
	return "AP2_" + agent + "_PASSPHRASE"
}

func overrideString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func overrideBool(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*target = parsed
		}
	}
}

func overrideInt(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*target = parsed
		}
	}
}

func overrideDuration(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			target.Duration = parsed
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
