package app

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"pulse/cmd/security/token"
)

// ValidateSecurityConfig enforces the startup security policy.
//
// In production the JWT secret must be set and at least token.MinSecretBytes
// long, and session cookies must be Secure. Outside production a missing
// secret is allowed; New then signs with an ephemeral one.
func ValidateSecurityConfig(cfg Config) error {
	secret := strings.TrimSpace(cfg.JWTSecret)

	if !cfg.Production() {
		if secret != "" && len(secret) < token.MinSecretBytes {
			return fmt.Errorf("security policy: PULSE_JWT_SECRET is too short (min %d bytes)", token.MinSecretBytes)
		}
		return nil
	}

	switch {
	case secret == "":
		return errors.New("security policy: PULSE_ENV=production but PULSE_JWT_SECRET is missing")
	case len(secret) < token.MinSecretBytes:
		return fmt.Errorf("security policy: PULSE_ENV=production but PULSE_JWT_SECRET is too short (min %d bytes)", token.MinSecretBytes)
	case !cfg.CookieSecure:
		return errors.New("security policy: PULSE_ENV=production requires PULSE_COOKIE_SECURE=true")
	}
	return nil
}

// jwtSecret returns the configured secret, or a random one when none is set.
// Tokens signed with a random secret do not survive a restart.
func jwtSecret(cfg Config, log Logger) ([]byte, error) {
	if s := strings.TrimSpace(cfg.JWTSecret); s != "" {
		return []byte(s), nil
	}
	b := make([]byte, token.MinSecretBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate jwt secret: %w", err)
	}
	log.Warn("security.jwt_secret.ephemeral", "hint", "set PULSE_JWT_SECRET to keep sessions across restarts")
	return b, nil
}
