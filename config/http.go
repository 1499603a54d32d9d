package config

import (
	"fmt"
	"strings"
	"time"
)

// HTTPConfig contains the admin HTTP API configuration.
type HTTPConfig struct {
	// Addr is the address to bind the HTTP server to.
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`

	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout   time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT"    envDefault:"15s"`
}

// Sanitize applies guardrails to HTTP configuration values.
func (h *HTTPConfig) Sanitize() {
	if h.ReadHeaderTimeout <= 0 {
		h.ReadHeaderTimeout = 10 * time.Second
	}
	if h.ShutdownTimeout <= 0 {
		h.ShutdownTimeout = 15 * time.Second
	}
}

// AuthMode represents the authentication mode for the admin API.
type AuthMode string

const (
	// AuthModeOIDC verifies bearer tokens against an OIDC issuer.
	AuthModeOIDC AuthMode = "oidc"
	// AuthModeNone disables authentication (development only).
	AuthModeNone AuthMode = "none"
)

// UnmarshalText implements encoding.TextUnmarshaler for AuthMode.
func (a *AuthMode) UnmarshalText(text []byte) error {
	v := strings.ToLower(string(text))
	switch v {
	case "oidc", "none":
		*a = AuthMode(v)
		return nil
	default:
		return fmt.Errorf("invalid AuthMode: %q (valid options: oidc, none)", v)
	}
}

// AuthConfig groups the admin API authentication configuration.
type AuthConfig struct {
	// Mode determines how callers authenticate.
	Mode AuthMode `env:"AUTH_MODE" envDefault:"oidc"`

	// IssuerURL is the OIDC issuer used for token verification.
	IssuerURL string `env:"OIDC_ISSUER_URL" envDefault:"https://accounts.google.com"`

	// Audience is the expected token audience.
	Audience string `env:"OIDC_AUDIENCE"`

	// AllowedEmails limits callers to the listed identities; empty allows
	// any verified token.
	AllowedEmails []string `env:"OIDC_ALLOWED_EMAILS" envSeparator:";"`
}
