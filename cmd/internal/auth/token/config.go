package token

import (
	"fmt"
	"strings"
	"time"
)

// Config controls access-token issuance and verification.
type Config struct {
	// Issuer is the value set in the "iss" claim.
	Issuer string `mapstructure:"issuer"`

	// AccessTokenTTL is the token lifetime.
	AccessTokenTTL time.Duration `mapstructure:"access_ttl"`

	// ClockSkew is tolerated during verification.
	ClockSkew time.Duration `mapstructure:"clock_skew"`

	// PasetoV4SecretKeyHex is the hex-encoded Ed25519 secret key used to sign
	// v4.public tokens.
	PasetoV4SecretKeyHex string `mapstructure:"paseto_secret_key_hex"`
}

// DefaultConfig returns development defaults. The key must still be supplied.
func DefaultConfig() Config {
	return Config{
		Issuer:         "tasting",
		AccessTokenTTL: 12 * time.Hour,
		ClockSkew:      30 * time.Second,
	}
}

// Validate rejects incomplete or inconsistent settings.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("%w: issuer required", ErrConfig)
	}
	if c.AccessTokenTTL <= 0 {
		return fmt.Errorf("%w: access ttl must be positive", ErrConfig)
	}
	if c.ClockSkew < 0 {
		return fmt.Errorf("%w: clock skew must not be negative", ErrConfig)
	}
	if strings.TrimSpace(c.PasetoV4SecretKeyHex) == "" {
		return fmt.Errorf("%w: paseto secret key required", ErrConfig)
	}
	return nil
}
