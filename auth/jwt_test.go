package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

type mockOIDC struct {
	srv    *httptest.Server
	issuer string
}

func newMockOIDC(t *testing.T, keysJSON []byte) *mockOIDC {
	t.Helper()
	m := &mockOIDC{}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                   m.issuer,
			"jwks_uri":                 m.issuer + "/keys",
			"authorization_endpoint":   m.issuer + "/oauth2/auth",
			"token_endpoint":           m.issuer + "/oauth2/token",
			"response_types_supported": []string{"code"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(mux)
	m.issuer = m.srv.URL
	t.Cleanup(m.srv.Close)
	return m
}

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signRS256(t *testing.T, pk *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

const testAudience = "https://clawpay.example.com/mcp"

func claimsFor(issuer, aud string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss": issuer,
		"sub": "agent-7",
		"aud": aud,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
}

func TestNewFromDiscovery_HappyPath(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	idp := newMockOIDC(t, jwks)

	cfg := DefaultConfig()
	cfg.Issuer = idp.issuer
	cfg.ExpectedAudiences = []string{testAudience}
	a, err := NewFromDiscovery(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ui, err := a.CheckAuthentication(context.Background(), signRS256(t, pk, kid, claimsFor(idp.issuer, testAudience)))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "agent-7" {
		t.Fatalf("want sub agent-7, got %s", ui.UserID())
	}
	var out struct {
		Issuer string `json:"iss"`
	}
	if err := ui.Claims(&out); err != nil || out.Issuer != idp.issuer {
		t.Fatalf("claims roundtrip: %v %q", err, out.Issuer)
	}
}

func TestNewStatic_RejectsWrongAudienceAndExpired(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	idp := newMockOIDC(t, jwks)

	cfg := DefaultConfig()
	cfg.Issuer = idp.issuer
	cfg.ExpectedAudiences = []string{testAudience}
	cfg.Leeway = 0
	a, err := NewStatic(context.Background(), cfg, idp.issuer+"/keys")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	_, err = a.CheckAuthentication(context.Background(), signRS256(t, pk, kid, claimsFor(idp.issuer, "https://other")))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for audience, got %v", err)
	}

	expired := claimsFor(idp.issuer, testAudience)
	expired["exp"] = time.Now().Add(-time.Minute).Unix()
	_, err = a.CheckAuthentication(context.Background(), signRS256(t, pk, kid, expired))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for expiry, got %v", err)
	}
}

func TestNewSharedSecret(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	cfg := &Config{Issuer: "clawpay", ExpectedAudiences: []string{testAudience}}
	a, err := NewSharedSecret(cfg, secret)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claimsFor("clawpay", testAudience)).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ui, err := a.CheckAuthentication(context.Background(), tok)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "agent-7" {
		t.Fatalf("unexpected sub %q", ui.UserID())
	}

	bad, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claimsFor("clawpay", testAudience)).SignedString([]byte("ffffffffffffffffffffffffffffffff"))
	if _, err := a.CheckAuthentication(context.Background(), bad); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad signature, got %v", err)
	}

	if _, err := NewSharedSecret(cfg, []byte("short")); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
}
