package bootstrap

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/jwt"

	"github.com/neurify-goto/form-sender-orchestrator/internal/gcs"
)

const defaultTokenURI = "https://oauth2.googleapis.com/token" //nolint:gosec // OAuth endpoint, not a credential.

// CalendarScope is the OAuth scope for holiday calendar reads.
const CalendarScope = "https://www.googleapis.com/auth/calendar.readonly"

// CloudPlatformScope covers Cloud Tasks enqueue calls.
const CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// GoogleCredentials derives OAuth token sources from one service-account key.
type GoogleCredentials struct {
	key *gcs.ServiceAccountKey
}

// LoadGoogleCredentials parses the service-account JSON from configuration.
func LoadGoogleCredentials(raw string) (*GoogleCredentials, error) {
	if raw == "" {
		return nil, fmt.Errorf("google service account JSON is required")
	}
	key, err := gcs.ParseServiceAccountKey([]byte(raw))
	if err != nil {
		return nil, err
	}
	return &GoogleCredentials{key: key}, nil
}

// Key returns the parsed service-account key.
func (c *GoogleCredentials) Key() *gcs.ServiceAccountKey {
	return c.key
}

// AccessTokenSource returns a cached token source for the given scopes.
func (c *GoogleCredentials) AccessTokenSource(ctx context.Context, scopes ...string) oauth2.TokenSource {
	cfg := &jwt.Config{
		Email:      c.key.ClientEmail,
		PrivateKey: []byte(c.key.PrivateKey),
		Scopes:     scopes,
		TokenURL:   c.tokenURL(),
	}
	return oauth2.ReuseTokenSource(nil, cfg.TokenSource(ctx))
}

// IDTokenSource returns a token source minting OIDC identity tokens for the
// given audience, used to call the dispatcher service.
func (c *GoogleCredentials) IDTokenSource(ctx context.Context, audience string) oauth2.TokenSource {
	cfg := &jwt.Config{
		Email:         c.key.ClientEmail,
		PrivateKey:    []byte(c.key.PrivateKey),
		TokenURL:      c.tokenURL(),
		UseIDToken:    true,
		PrivateClaims: map[string]interface{}{"target_audience": audience},
	}
	return oauth2.ReuseTokenSource(nil, cfg.TokenSource(ctx))
}

func (c *GoogleCredentials) tokenURL() string {
	if c.key.TokenURI != "" {
		return c.key.TokenURI
	}
	return defaultTokenURI
}
