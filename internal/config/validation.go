package config

import (
	"fmt"
	"strings"
)

// finalize validates the merged configuration and fills derived defaults.
func (c *Config) finalize() error {
	if !validRole(c.Role) {
		return fmt.Errorf("config: role %q is not one of %s", c.Role, strings.Join(Roles(), ", "))
	}
	if c.Server.Address == "" {
		return fmt.Errorf("config: server.address is required")
	}

	if c.Identity.DID == "" {
		return fmt.Errorf("config: identity.did is required")
	}
	if !strings.HasPrefix(c.Identity.DID, "did:ap2:") {
		return fmt.Errorf("config: identity.did %q must start with did:ap2:", c.Identity.DID)
	}
	if c.Identity.AgentName == "" {
		// Key file stem defaults to the last DID segment.
		parts := strings.Split(c.Identity.DID, ":")
		c.Identity.AgentName = parts[len(parts)-1]
	}
	switch c.Identity.Algorithm {
	case "ecdsa-p256", "ed25519":
	default:
		return fmt.Errorf("config: identity.algorithm %q must be ecdsa-p256 or ed25519", c.Identity.Algorithm)
	}

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("config: storage.backend postgres needs DATABASE_URL or storage.postgres_url")
		}
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			return fmt.Errorf("config: storage.backend mongodb needs MONGODB_URI or storage.mongodb_url")
		}
		if c.Storage.MongoDBDatabase == "" {
			c.Storage.MongoDBDatabase = "ap2"
		}
	default:
		return fmt.Errorf("config: storage.backend %q must be memory, postgres, or mongodb", c.Storage.Backend)
	}

	if err := c.validateRole(); err != nil {
		return err
	}

	for _, ttl := range []struct {
		name  string
		value Duration
	}{
		{"ttl.nonce", c.TTL.Nonce},
		{"ttl.challenge", c.TTL.Challenge},
		{"ttl.payment_token", c.TTL.PaymentToken},
		{"ttl.step_up", c.TTL.StepUp},
		{"ttl.agent_token", c.TTL.AgentToken},
		{"ttl.session", c.TTL.Session},
	} {
		if ttl.value.Duration <= 0 {
			return fmt.Errorf("config: %s must be positive", ttl.name)
		}
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("config: rate_limit.requests_per_minute must be positive when enabled")
	}

	for role, peer := range c.Peers {
		if !validRole(role) {
			return fmt.Errorf("config: peers.%s is not a known role", role)
		}
		if peer.URL != "" && peer.DID == "" {
			return fmt.Errorf("config: peers.%s has a url but no did", role)
		}
	}
	return nil
}

// validateRole checks the requirements specific to the selected role.
func (c *Config) validateRole() error {
	switch c.Role {
	case RoleCredentialsProvider, RolePaymentProcessor:
		if c.WebAuthn.RPID == "" {
			return fmt.Errorf("config: webauthn.rp_id is required for role %s", c.Role)
		}
	}

	if c.Role == RolePaymentProcessor {
		switch c.Acquirer.Mode {
		case "internal":
		case "stripe":
			if c.Acquirer.StripeSecretKey == "" {
				return fmt.Errorf("config: acquirer.mode stripe needs STRIPE_SECRET_KEY")
			}
		default:
			return fmt.Errorf("config: acquirer.mode %q must be internal or stripe", c.Acquirer.Mode)
		}
	}

	if c.Role == RoleMerchant && c.Merchant.Name == "" {
		return fmt.Errorf("config: merchant.name is required for role merchant")
	}

	for _, required := range requiredPeers(c.Role) {
		peer, ok := c.Peers[required]
		if !ok || peer.URL == "" || peer.DID == "" {
			return fmt.Errorf("config: role %s needs peers.%s with did and url", c.Role, required)
		}
	}
	return nil
}

// requiredPeers lists the peers a role cannot operate without.
func requiredPeers(role string) []string {
	switch role {
	case RoleShoppingAgent:
		return []string{RoleMerchantAgent, RoleCredentialsProvider, RolePaymentProcessor}
	case RoleMerchantAgent:
		return []string{RoleMerchant, RolePaymentProcessor}
	case RoleMerchant:
		return []string{RolePaymentProcessor}
	case RoleCredentialsProvider:
		return []string{RolePaymentNetwork}
	case RolePaymentProcessor:
		return []string{RoleCredentialsProvider}
	default:
		return nil
	}
}

func validRole(role string) bool {
	for _, r := range Roles() {
		if r == role {
			return true
		}
	}
	return false
}
