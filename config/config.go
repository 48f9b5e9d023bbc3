// Package config loads clawpay-mcp settings from CLAWPAY_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/joeshaw/envdecode"
	"github.com/up2itnow0822/clawpay-mcp/paysession"
)

var ErrInvalid = errors.New("invalid configuration")

// Config holds every tunable. Defaults come from the struct tags.
type Config struct {
	// PrivateKey is the hex secp256k1 key sessions are signed with.
	PrivateKey string `env:"CLAWPAY_PRIVATE_KEY"`

	SessionTTL    int64 `env:"CLAWPAY_SESSION_TTL,default=3600"`
	SessionMinTTL int64 `env:"CLAWPAY_SESSION_MIN_TTL,default=60"`
	SessionMaxTTL int64 `env:"CLAWPAY_SESSION_MAX_TTL,default=2592000"`

	// MaxPayment is the default per-call cap in token base units. Empty
	// leaves calls uncapped unless the caller passes one.
	MaxPayment string `env:"CLAWPAY_MAX_PAYMENT"`

	RequestTimeout time.Duration `env:"CLAWPAY_REQUEST_TIMEOUT,default=30s"`
	MaxBodyBytes   int64         `env:"CLAWPAY_MAX_BODY_BYTES,default=4194304"`
	DisplayLimit   int           `env:"CLAWPAY_DISPLAY_LIMIT,default=8000"`

	WalletServiceURL    string `env:"CLAWPAY_WALLET_SERVICE_URL,default=http://127.0.0.1:8787"`
	WalletServiceAPIKey string `env:"CLAWPAY_WALLET_SERVICE_API_KEY"`

	LogLevel  string `env:"CLAWPAY_LOG_LEVEL,default=info"`
	LogFormat string `env:"CLAWPAY_LOG_FORMAT,default=text"`

	HTTPAddr       string `env:"CLAWPAY_HTTP_ADDR,default=127.0.0.1:8402"`
	PublicEndpoint string `env:"CLAWPAY_PUBLIC_ENDPOINT"`

	AuthIssuer   string `env:"CLAWPAY_AUTH_ISSUER"`
	AuthAudience string `env:"CLAWPAY_AUTH_AUDIENCE"`
	AuthJWKSURL  string `env:"CLAWPAY_AUTH_JWKS_URL"`
	AuthSecret   string `env:"CLAWPAY_AUTH_SECRET"`
}

// Load decodes the environment into a Config. Unset variables keep their
// defaults.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decoding environment: %w", err)
	}
	return &cfg, nil
}

// Validate checks ranges and formats. It does not require a private key;
// commands that sign check for it themselves.
func (c *Config) Validate() error {
	var errs []error
	if c.SessionMinTTL <= 0 || c.SessionMaxTTL < c.SessionMinTTL {
		errs = append(errs, fmt.Errorf("session TTL bounds [%d, %d] are not a valid range", c.SessionMinTTL, c.SessionMaxTTL))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, fmt.Errorf("session TTL must be positive, got %d", c.SessionTTL))
	}
	if c.MaxPayment != "" {
		if _, err := uint256.FromDecimal(c.MaxPayment); err != nil {
			errs = append(errs, fmt.Errorf("max payment %q: %w", c.MaxPayment, err))
		}
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request timeout must be positive"))
	}
	if c.MaxBodyBytes <= 0 || c.DisplayLimit <= 0 {
		errs = append(errs, fmt.Errorf("body and display limits must be positive"))
	}
	if u, err := url.Parse(c.WalletServiceURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("wallet service url %q must be http(s)", c.WalletServiceURL))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log format must be text or json, got %q", c.LogFormat))
	}
	if c.AuthSecret != "" && len(c.AuthSecret) < 32 {
		errs = append(errs, fmt.Errorf("auth secret must be at least 32 bytes"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// TTLPolicy returns the configured session lifetime bounds.
func (c *Config) TTLPolicy() paysession.TTLPolicy {
	return paysession.TTLPolicy{Default: c.SessionTTL, Min: c.SessionMinTTL, Max: c.SessionMaxTTL}
}

// DefaultMaxPayment parses MaxPayment; nil when unset.
func (c *Config) DefaultMaxPayment() *uint256.Int {
	if c.MaxPayment == "" {
		return nil
	}
	v, err := uint256.FromDecimal(c.MaxPayment)
	if err != nil {
		return nil
	}
	return v
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

// AuthEnabled reports whether the HTTP transport should require bearer tokens.
func (c *Config) AuthEnabled() bool {
	return c.AuthIssuer != "" || c.AuthSecret != ""
}
