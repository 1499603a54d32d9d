package httpx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"

	"github.com/neurify-goto/form-sender-orchestrator/config"
)

// Identity is the verified caller of an admin request.
type Identity struct {
	Subject string
	Email   string
}

// TokenVerifier validates a bearer token and returns the caller identity.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*Identity, error)
}

// OIDCVerifier verifies bearer tokens against an OIDC issuer.
type OIDCVerifier struct {
	verifier      *gooidc.IDTokenVerifier
	allowedEmails map[string]bool
}

// NewOIDCVerifier discovers the issuer and builds a token verifier.
func NewOIDCVerifier(ctx context.Context, cfg config.AuthConfig) (*OIDCVerifier, error) {
	if cfg.IssuerURL == "" {
		return nil, errors.New("OIDC issuer URL is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("OIDC audience is required")
	}

	discoverCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	provider, err := gooidc.NewProvider(discoverCtx, strings.TrimSuffix(cfg.IssuerURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}

	allowed := make(map[string]bool, len(cfg.AllowedEmails))
	for _, email := range cfg.AllowedEmails {
		email = strings.ToLower(strings.TrimSpace(email))
		if email != "" {
			allowed[email] = true
		}
	}

	return &OIDCVerifier{
		verifier:      provider.Verifier(&gooidc.Config{ClientID: cfg.Audience}),
		allowedEmails: allowed,
	}, nil
}

// Verify validates the token signature, audience, and the optional email
// allowlist.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*Identity, error) {
	token, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode token claims: %w", err)
	}

	email := strings.ToLower(claims.Email)
	if len(v.allowedEmails) > 0 && !v.allowedEmails[email] {
		return nil, fmt.Errorf("identity %q is not allowed", email)
	}
	return &Identity{Subject: token.Subject, Email: email}, nil
}

// InsecureVerifier accepts every request. Development only.
type InsecureVerifier struct{}

// Verify trivially accepts the caller.
func (InsecureVerifier) Verify(context.Context, string) (*Identity, error) {
	return &Identity{Subject: "dev", Email: "dev@localhost"}, nil
}

// RequireAuth returns a middleware enforcing bearer-token verification.
func RequireAuth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				WriteError(w, ErrorParams{
					Code:    http.StatusUnauthorized,
					ErrCode: "unauthorized",
					Err:     errors.New("missing bearer token"),
				})
				return
			}
			identity, err := verifier.Verify(r.Context(), raw)
			if err != nil {
				WriteError(w, ErrorParams{
					Code:    http.StatusUnauthorized,
					ErrCode: "unauthorized",
					Err:     err,
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), identity)))
		})
	}
}

type identityKey struct{}

func withIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the verified caller, if any.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}
