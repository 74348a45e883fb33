// Package identity turns request credentials into an authz.Identity.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"heatpump/server/apierr"
	"heatpump/server/authz"
)

// Authenticator resolves the caller of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (*authz.Identity, error)
}

// OIDCConfig configures ID token verification.
type OIDCConfig struct {
	Issuer            string
	ClientID          string
	AdminRole         string
	SkipClientIDCheck bool
}

// OIDCAuthenticator verifies "Authorization: Bearer <id token>" headers.
type OIDCAuthenticator struct {
	verifier  *oidc.IDTokenVerifier
	adminRole string
}

var _ Authenticator = (*OIDCAuthenticator)(nil)

// NewOIDCAuthenticator discovers the issuer's keys and returns an authenticator.
func NewOIDCAuthenticator(ctx context.Context, cfg OIDCConfig) (*OIDCAuthenticator, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("oidc issuer required")
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	return &OIDCAuthenticator{
		verifier:  provider.Verifier(verifierConfig(cfg)),
		adminRole: cfg.AdminRole,
	}, nil
}

// NewOIDCAuthenticatorWithKeySet verifies tokens against a fixed key set
// without discovery.
func NewOIDCAuthenticatorWithKeySet(keySet oidc.KeySet, cfg OIDCConfig) *OIDCAuthenticator {
	return &OIDCAuthenticator{
		verifier:  oidc.NewVerifier(cfg.Issuer, keySet, verifierConfig(cfg)),
		adminRole: cfg.AdminRole,
	}
}

func verifierConfig(cfg OIDCConfig) *oidc.Config {
	return &oidc.Config{ClientID: cfg.ClientID, SkipClientIDCheck: cfg.SkipClientIDCheck}
}

type tokenClaims struct {
	Email        string   `json:"email"`
	Roles        []string `json:"roles"`
	ClientIDs    []string `json:"client_ids"`
	ClientIDsAlt []string `json:"clientIds"`
}

// Authenticate verifies the bearer token and maps its claims.
func (a *OIDCAuthenticator) Authenticate(r *http.Request) (*authz.Identity, error) {
	raw, ok := bearerToken(r)
	if !ok {
		return nil, fmt.Errorf("%w: missing bearer token", authz.ErrUnauthorized)
	}
	token, err := a.verifier.Verify(r.Context(), raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", authz.ErrUnauthorized, err)
	}
	var c tokenClaims
	if err := token.Claims(&c); err != nil {
		return nil, fmt.Errorf("%w: claims: %v", authz.ErrUnauthorized, err)
	}
	clientIDs := c.ClientIDs
	if len(clientIDs) == 0 {
		clientIDs = c.ClientIDsAlt
	}
	return authz.NewIdentity(c.Email, c.Roles, clientIDs, a.adminRole), nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

type contextKey struct{}

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id *authz.Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by Middleware, or nil.
func FromContext(ctx context.Context) *authz.Identity {
	id, _ := ctx.Value(contextKey{}).(*authz.Identity)
	return id
}

var (
	errUnconfigured = apierr.New(apierr.KindConfiguration, "identity_unconfigured", "")
	errUnauthorized = apierr.Wrap(apierr.KindAuthentication, "unauthorized", authz.ErrUnauthorized)
)

// Middleware authenticates every request before next runs. A nil
// authenticator answers 503 so misconfiguration is not mistaken for a
// credentials problem.
func Middleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth == nil {
				apierr.Write(w, errUnconfigured)
				return
			}
			id, err := auth.Authenticate(r)
			if err != nil || id == nil {
				apierr.Write(w, errUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
