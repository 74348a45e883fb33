package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"

	"heatpump/server/authz"
)

const (
	testIssuer   = "https://id.example.test"
	testClientID = "heatpump-dashboard"
)

type tokenFactory struct {
	key    *rsa.PrivateKey
	signer jose.Signer
}

func newTokenFactory(t *testing.T) *tokenFactory {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		t.Fatalf("jose.NewSigner: %v", err)
	}
	return &tokenFactory{key: key, signer: signer}
}

func (f *tokenFactory) token(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	base := map[string]interface{}{
		"iss": testIssuer,
		"aud": testClientID,
		"sub": "user-1",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	for k, v := range claims {
		base[k] = v
	}
	payload, err := json.Marshal(base)
	if err != nil {
		t.Fatal(err)
	}
	jws, err := f.signer.Sign(payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	out, err := jws.CompactSerialize()
	if err != nil {
		t.Fatalf("CompactSerialize: %v", err)
	}
	return out
}

func (f *tokenFactory) authenticator() *OIDCAuthenticator {
	keySet := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&f.key.PublicKey}}
	return NewOIDCAuthenticatorWithKeySet(keySet, OIDCConfig{Issuer: testIssuer, ClientID: testClientID})
}

func TestOIDCAuthenticatorMapsClaims(t *testing.T) {
	t.Parallel()
	f := newTokenFactory(t)
	auth := f.authenticator()

	req := httptest.NewRequest(http.MethodGet, "/telemetry/series", nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t, map[string]interface{}{
		"email":      "user@west.example",
		"roles":      []string{"viewer"},
		"client_ids": []string{"west", "north"},
	}))
	id, err := auth.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.Email != "user@west.example" || id.IsAdmin() {
		t.Errorf("identity = %+v", id)
	}
	if len(id.ClientIDs) != 2 || id.ClientIDs[0] != "west" {
		t.Errorf("client ids = %v", id.ClientIDs)
	}

	req.Header.Set("Authorization", "bearer "+f.token(t, map[string]interface{}{
		"roles":     []string{"admin"},
		"clientIds": []string{"east"},
	}))
	id, err = auth.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate(admin): %v", err)
	}
	if !id.IsAdmin() || len(id.ClientIDs) != 1 || id.ClientIDs[0] != "east" {
		t.Errorf("admin identity = %+v", id)
	}
}

func TestOIDCAuthenticatorRejects(t *testing.T) {
	t.Parallel()
	f := newTokenFactory(t)
	other := newTokenFactory(t)
	auth := f.authenticator()

	tests := map[string]string{
		"no header":     "",
		"basic scheme":  "Basic dXNlcjpwYXNz",
		"empty bearer":  "Bearer ",
		"garbage":       "Bearer not.a.jwt",
		"foreign key":   "Bearer " + other.token(t, nil),
		"wrong issuer":  "Bearer " + f.token(t, map[string]interface{}{"iss": "https://evil.test"}),
		"wrong aud":     "Bearer " + f.token(t, map[string]interface{}{"aud": "someone-else"}),
		"expired token": "Bearer " + f.token(t, map[string]interface{}{"exp": time.Now().Add(-time.Hour).Unix()}),
	}
	for name, header := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		if _, err := auth.Authenticate(req); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

type staticAuth struct{ id *authz.Identity }

func (s staticAuth) Authenticate(*http.Request) (*authz.Identity, error) {
	if s.id == nil {
		return nil, authz.ErrUnauthorized
	}
	return s.id, nil
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	var seen *authz.Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	Middleware(nil)(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("nil authenticator status = %d, want 503", rec.Code)
	}

	rec = httptest.NewRecorder()
	Middleware(staticAuth{})(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("failed auth status = %d, want 401", rec.Code)
	}

	want := authz.NewIdentity("a@example.com", nil, []string{"west"}, "")
	rec = httptest.NewRecorder()
	Middleware(staticAuth{id: want})(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent || seen != want {
		t.Errorf("status = %d, identity = %+v", rec.Code, seen)
	}
}
