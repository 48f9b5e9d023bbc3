package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls token validation.
type Config struct {
	Issuer string
	// ExpectedAudiences lists the accepted audiences. A token is accepted when
	// its aud claim intersects this set.
	ExpectedAudiences []string
	AllowedAlgs       []string
	Leeway            time.Duration
}

// DefaultConfig returns a Config with RS256 and a one minute leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

func (c *Config) validate() error {
	if c == nil {
		return errors.New("config is required")
	}
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if len(c.ExpectedAudiences) == 0 {
		return errors.New("at least one expected audience required")
	}
	return nil
}

type jwtAuthenticator struct {
	issuer    string
	audiences []string
	algs      []string
	leeway    time.Duration
	keyfunc   jwt.Keyfunc
}

var _ Authenticator = (*jwtAuthenticator)(nil)

// NewFromDiscovery performs OIDC discovery against cfg.Issuer to find the
// JWKS URI and validates tokens with auto-refreshed keys.
func NewFromDiscovery(ctx context.Context, cfg *Config) (Authenticator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	return newJWKSAuthenticator(ctx, cfg, meta.Issuer, meta.JwksURI)
}

// NewStatic validates tokens against a configured issuer and JWKS URI
// without discovery.
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (Authenticator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	return newJWKSAuthenticator(ctx, cfg, cfg.Issuer, jwksURI)
}

// NewSharedSecret validates HS256 tokens signed with secret.
func NewSharedSecret(cfg *Config, secret []byte) (Authenticator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(secret) < 32 {
		return nil, errors.New("shared secret must be at least 32 bytes")
	}
	key := slices.Clone(secret)
	return &jwtAuthenticator{
		issuer:    cfg.Issuer,
		audiences: slices.Clone(cfg.ExpectedAudiences),
		algs:      []string{jwt.SigningMethodHS256.Alg()},
		leeway:    cfg.Leeway,
		keyfunc:   func(t *jwt.Token) (any, error) { return key, nil },
	}, nil
}

func newJWKSAuthenticator(ctx context.Context, cfg *Config, issuer, jwksURI string) (*jwtAuthenticator, error) {
	algs := cfg.AllowedAlgs
	if len(algs) == 0 {
		algs = []string{"RS256"}
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return &jwtAuthenticator{
		issuer:    issuer,
		audiences: slices.Clone(cfg.ExpectedAudiences),
		algs:      slices.Clone(algs),
		leeway:    cfg.Leeway,
		keyfunc:   kf.Keyfunc,
	}, nil
}

func (a *jwtAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(a.algs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.issuer),
		jwt.WithLeeway(a.leeway),
	)
	parsed, err := parser.Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	if !audIntersects(claims["aud"], a.audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
