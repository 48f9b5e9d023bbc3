// Package walletservice is the x402.Payer backed by the external wallet
// service, which owns the agent wallet, its balances and its on-chain spend
// limits.
package walletservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/up2itnow0822/clawpay-mcp/payment/x402"
)

const payPath = "/v1/x402/pay"

var _ x402.Payer = (*Payer)(nil)

// ErrRejected is returned when the wallet service refuses to pay.
var ErrRejected = errors.New("wallet service rejected payment")

type payRequest struct {
	X402Version int              `json:"x402Version"`
	Requirement x402.Requirement `json:"paymentRequirements"`
}

type payResponse struct {
	PaymentHeader string `json:"paymentHeader"`
	TxHash        string `json:"txHash"`
	Payer         string `json:"payer,omitempty"`
}

// Option configures a Payer.
type Option func(*Payer)

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(p *Payer) { p.apiKey = key }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Payer) {
		if c != nil {
			p.http = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Payer) {
		if l != nil {
			p.log = l
		}
	}
}

// Payer asks the wallet service to settle x402 requirements.
type Payer struct {
	base   string
	apiKey string
	http   *http.Client
	log    *slog.Logger
}

// New returns a Payer for the wallet service at baseURL.
func New(baseURL string, opts ...Option) *Payer {
	p := &Payer{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 60 * time.Second},
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Payer) Pay(ctx context.Context, version int, req x402.Requirement) (*x402.Settlement, error) {
	start := time.Now()
	body, err := json.Marshal(payRequest{X402Version: version, Requirement: req})
	if err != nil {
		return nil, fmt.Errorf("encoding pay request: %w", err)
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+payPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building pay request: %w", err)
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		hr.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.http.Do(hr)
	if err != nil {
		p.log.ErrorContext(ctx, "walletservice.pay.fail", slog.String("err", err.Error()))
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading pay response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		p.log.WarnContext(ctx, "walletservice.pay.rejected", slog.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, msg)
	}
	var out payResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding pay response: %w", err)
	}
	if out.PaymentHeader == "" {
		return nil, fmt.Errorf("%w: empty payment header", ErrRejected)
	}
	p.log.InfoContext(ctx, "walletservice.pay.ok",
		slog.String("network", req.Network),
		slog.String("tx", out.TxHash),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)
	return &x402.Settlement{Header: out.PaymentHeader, TxHash: out.TxHash, Payer: out.Payer}, nil
}
