package jwt

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/rhuss/sandout/pkg/auth"
)

var testKeyPair *rsa.PrivateKey

func init() {
	var err error
	testKeyPair, err = rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(fmt.Sprintf("generating test RSA key: %v", err))
	}
}

const testKID = "test-key-1"

var testSecret = []byte("0123456789abcdef0123456789abcdef")

// jwksHandler serves the test public key and counts fetches.
func jwksHandler(fetchCount *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if fetchCount != nil {
			fetchCount.Add(1)
		}

		pub := testKeyPair.PublicKey
		jwks := map[string]any{
			"keys": []map[string]string{
				{
					"kty": "RSA",
					"kid": testKID,
					"use": "sig",
					"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
					"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
				},
				{"kty": "EC", "kid": "ignored"},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jwks)
	}
}

func validClaims() jwtlib.MapClaims {
	return jwtlib.MapClaims{
		"sub": "user-123",
		"iss": "https://auth.example.com",
		"aud": "sandout",
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
}

func signRSA(t *testing.T, claims jwtlib.MapClaims) string {
	t.Helper()
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodRS256, claims)
	token.Header["kid"] = testKID
	s, err := token.SignedString(testKeyPair)
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}
	return s
}

func signHMAC(t *testing.T, claims jwtlib.MapClaims) string {
	t.Helper()
	s, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}
	return s
}

// newJWKSAuthenticator starts a JWKS server and returns an authenticator
// that verifies against it.
func newJWKSAuthenticator(t *testing.T, override func(*Config), fetchCount *atomic.Int32) *Authenticator {
	t.Helper()

	server := httptest.NewServer(jwksHandler(fetchCount))
	t.Cleanup(server.Close)

	cfg := Config{
		Issuer:   "https://auth.example.com",
		Audience: "sandout",
		JWKSURL:  server.URL + "/.well-known/jwks.json",
	}
	if override != nil {
		override(&cfg)
	}

	authn, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return authn
}

func authenticate(authn *Authenticator, header string) auth.Result {
	r := httptest.NewRequest("GET", "/", nil)
	if header != "" {
		r.Header.Set("Authorization", header)
	}
	return authn.Authenticate(context.Background(), r)
}

func TestJWT_ValidToken(t *testing.T) {
	authn := newJWKSAuthenticator(t, nil, nil)

	result := authenticate(authn, "Bearer "+signRSA(t, validClaims()))

	if result.Decision != auth.Yes {
		t.Fatalf("Decision = %d, want Yes; err=%v", result.Decision, result.Err)
	}
	if result.Identity.Subject != "user-123" {
		t.Errorf("Subject = %q, want %q", result.Identity.Subject, "user-123")
	}
	if result.Identity.Tier != "default" {
		t.Errorf("Tier = %q, want default", result.Identity.Tier)
	}
}

func TestJWT_RejectedTokens(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(jwtlib.MapClaims)
	}{
		{"expired", func(c jwtlib.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() }},
		{"wrong audience", func(c jwtlib.MapClaims) { c["aud"] = "other-api" }},
		{"wrong issuer", func(c jwtlib.MapClaims) { c["iss"] = "https://evil.example.com" }},
		{"missing subject", func(c jwtlib.MapClaims) { delete(c, "sub") }},
	}

	authn := newJWKSAuthenticator(t, nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := validClaims()
			tt.mutate(claims)

			result := authenticate(authn, "Bearer "+signRSA(t, claims))
			if result.Decision != auth.No {
				t.Fatalf("Decision = %d, want No", result.Decision)
			}
			if result.Err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestJWT_MalformedTokens(t *testing.T) {
	authn := newJWKSAuthenticator(t, nil, nil)

	for _, token := range []string{"not-a-jwt", "", "eyJhbGciOiJSUzI1NiJ9.invalidpayload"} {
		if result := authenticate(authn, "Bearer "+token); result.Decision != auth.No {
			t.Errorf("token %q: Decision = %d, want No", token, result.Decision)
		}
	}
}

func TestJWT_NoBearerToken(t *testing.T) {
	authn := newJWKSAuthenticator(t, nil, nil)

	for _, header := range []string{"", "Basic dXNlcjpwYXNz"} {
		if result := authenticate(authn, header); result.Decision != auth.Abstain {
			t.Errorf("header %q: Decision = %d, want Abstain", header, result.Decision)
		}
	}
}

func TestJWT_ClaimExtraction(t *testing.T) {
	authn := newJWKSAuthenticator(t, func(cfg *Config) {
		cfg.TenantClaim = "org_id"
		cfg.TierClaim = "plan"
	}, nil)

	claims := validClaims()
	claims["org_id"] = "org-456"
	claims["plan"] = "premium"
	claims["scope"] = []any{"execute", "read"}

	result := authenticate(authn, "Bearer "+signRSA(t, claims))
	if result.Decision != auth.Yes {
		t.Fatalf("Decision = %d, want Yes; err=%v", result.Decision, result.Err)
	}
	id := result.Identity
	if id.Tenant != "org-456" {
		t.Errorf("Tenant = %q, want org-456", id.Tenant)
	}
	if id.Tier != "premium" {
		t.Errorf("Tier = %q, want premium", id.Tier)
	}
	if len(id.Scopes) != 2 || id.Scopes[0] != "execute" || id.Scopes[1] != "read" {
		t.Errorf("Scopes = %v, want [execute read]", id.Scopes)
	}
}

func TestJWT_ScopeString(t *testing.T) {
	claims := jwtlib.MapClaims{"scope": "read write admin"}
	got := extractScopes(claims, "scope")
	if len(got) != 3 || got[2] != "admin" {
		t.Errorf("extractScopes = %v, want [read write admin]", got)
	}
	if got := extractScopes(jwtlib.MapClaims{}, "scope"); got != nil {
		t.Errorf("missing claim: got %v, want nil", got)
	}
}

func TestJWT_JWKSCaching(t *testing.T) {
	var fetchCount atomic.Int32
	authn := newJWKSAuthenticator(t, nil, &fetchCount)
	token := signRSA(t, validClaims())

	for i := 0; i < 5; i++ {
		if result := authenticate(authn, "Bearer "+token); result.Decision != auth.Yes {
			t.Fatalf("request %d: Decision = %d, want Yes; err=%v", i, result.Decision, result.Err)
		}
	}

	if count := fetchCount.Load(); count != 1 {
		t.Errorf("JWKS fetch count = %d, want 1", count)
	}
}

func TestJWT_UnknownKID(t *testing.T) {
	var fetchCount atomic.Int32
	authn := newJWKSAuthenticator(t, nil, &fetchCount)

	token := jwtlib.NewWithClaims(jwtlib.SigningMethodRS256, validClaims())
	token.Header["kid"] = "rotated-away"
	s, err := token.SignedString(testKeyPair)
	if err != nil {
		t.Fatal(err)
	}

	if result := authenticate(authn, "Bearer "+s); result.Decision != auth.No {
		t.Fatalf("Decision = %d, want No", result.Decision)
	}
	if fetchCount.Load() != 1 {
		t.Errorf("JWKS fetch count = %d, want 1", fetchCount.Load())
	}
}

func TestJWT_HMACSecret(t *testing.T) {
	authn, err := New(Config{Secret: testSecret, Audience: "sandout"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	claims := validClaims()
	claims["tenant_id"] = "org-1"
	result := authenticate(authn, "Bearer "+signHMAC(t, claims))
	if result.Decision != auth.Yes {
		t.Fatalf("Decision = %d, want Yes; err=%v", result.Decision, result.Err)
	}
	if result.Identity.Tenant != "org-1" {
		t.Errorf("Tenant = %q, want org-1", result.Identity.Tenant)
	}

	// An RSA token must not pass HMAC verification.
	if result := authenticate(authn, "Bearer "+signRSA(t, validClaims())); result.Decision != auth.No {
		t.Errorf("RSA token with HMAC config: Decision = %d, want No", result.Decision)
	}
}

func TestJWT_StaticPublicKey(t *testing.T) {
	der, err := x509.MarshalPKIXPublicKey(&testKeyPair.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "key.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}

	key, err := LoadPublicKey(path)
	if err != nil {
		t.Fatalf("LoadPublicKey: %v", err)
	}
	authn, err := New(Config{PublicKey: key})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if result := authenticate(authn, "Bearer "+signRSA(t, validClaims())); result.Decision != auth.Yes {
		t.Fatalf("Decision = %d, want Yes; err=%v", result.Decision, result.Err)
	}
	if result := authenticate(authn, "Bearer "+signHMAC(t, validClaims())); result.Decision != auth.No {
		t.Errorf("HMAC token with RSA config: Decision = %d, want No", result.Decision)
	}
}

func TestJWT_NewRequiresOneKeySource(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without key source")
	}
	if _, err := New(Config{Secret: testSecret, JWKSURL: "http://example.com"}); err == nil {
		t.Error("expected error with two key sources")
	}
	if _, err := LoadPublicKey(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Error("expected error for missing key file")
	}
}
