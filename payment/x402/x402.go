// Package x402 implements payment.Client for servers speaking the x402
// protocol: a 402 response carries payment requirements, the client settles
// one of them through a Payer and retries with an X-PAYMENT header.
package x402

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/holiman/uint256"
	"github.com/up2itnow0822/clawpay-mcp/payment"
)

const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"

	maxRequirementsBytes = 1 << 20
)

var _ payment.Client = (*Client)(nil)

// ErrPaymentFailed is returned when the Payer could not settle.
var ErrPaymentFailed = payment.ErrSettlementFailed

// Requirement is one entry of the accepts list in a 402 body.
type Requirement struct {
	Scheme            string          `json:"scheme"`
	Network           string          `json:"network"`
	MaxAmountRequired string          `json:"maxAmountRequired"`
	Resource          string          `json:"resource,omitempty"`
	Description       string          `json:"description,omitempty"`
	MimeType          string          `json:"mimeType,omitempty"`
	PayTo             string          `json:"payTo"`
	MaxTimeoutSeconds int             `json:"maxTimeoutSeconds,omitempty"`
	Asset             string          `json:"asset"`
	Extra             json.RawMessage `json:"extra,omitempty"`
}

// Requirements is the body of a 402 response.
type Requirements struct {
	X402Version int           `json:"x402Version"`
	Error       string        `json:"error,omitempty"`
	Accepts     []Requirement `json:"accepts"`
}

// SettlementResponse is the decoded X-PAYMENT-RESPONSE header.
type SettlementResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer"`
}

// Settlement is what a Payer produced for a requirement.
type Settlement struct {
	// Header is the value to send in X-PAYMENT.
	Header string
	TxHash string
	Payer  string
}

// Payer settles a requirement.
type Payer interface {
	Pay(ctx context.Context, x402Version int, req Requirement) (*Settlement, error)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for resource requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.log = l
		}
	}
}

// Client performs the x402 handshake.
type Client struct {
	http  *http.Client
	payer Payer
	log   *slog.Logger
}

// New returns a Client that settles with payer.
func New(payer Payer, opts ...Option) *Client {
	c := &Client{http: http.DefaultClient, payer: payer, log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends req. A non-402 answer is returned as is and nothing is paid. On
// 402 the first requirement is quoted, checked against hooks, settled and
// the request is retried once with the payment header.
func (c *Client) Do(ctx context.Context, req *http.Request, hooks payment.Hooks) (*http.Response, error) {
	start := time.Now()
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
		body = b
	}
	url := req.URL.String()

	resp, err := c.http.Do(cloneRequest(ctx, req, body))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	reqs, err := decodeRequirements(resp)
	if err != nil {
		return nil, err
	}
	if len(reqs.Accepts) == 0 {
		return nil, payment.ErrNoPaymentOptions
	}
	chosen := reqs.Accepts[0]
	amount, err := uint256.FromDecimal(chosen.MaxAmountRequired)
	if err != nil {
		return nil, fmt.Errorf("%w: maxAmountRequired %q: %w", payment.ErrInvalidTerms, chosen.MaxAmountRequired, err)
	}
	quote := payment.Quote{
		Scheme:   chosen.Scheme,
		Network:  chosen.Network,
		Amount:   amount,
		Asset:    chosen.Asset,
		PayTo:    chosen.PayTo,
		Resource: chosen.Resource,
	}
	if err := payment.CheckMax(amount, hooks.MaxAmount); err != nil {
		c.log.InfoContext(ctx, "x402.quote.over_max", slog.String("url", url), slog.String("amount", amount.Dec()))
		return nil, err
	}
	if hooks.BeforePayment != nil {
		if err := hooks.BeforePayment(ctx, quote, url); err != nil {
			return nil, err
		}
	}

	settlement, err := c.payer.Pay(ctx, reqs.X402Version, chosen)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPaymentFailed, err)
	}

	receipt := payment.Receipt{
		Amount:    amount,
		TxHash:    settlement.TxHash,
		Recipient: chosen.PayTo,
		Token:     chosen.Asset,
		Network:   chosen.Network,
		Payer:     settlement.Payer,
	}
	retry := cloneRequest(ctx, req, body)
	retry.Header.Set(HeaderPayment, settlement.Header)
	resp, err = c.http.Do(retry)
	if err != nil {
		return nil, &payment.NotAcceptedError{URL: url, Receipt: receipt, Err: err}
	}
	applySettlementResponse(&receipt, resp.Header.Get(HeaderPaymentResponse))
	if resp.StatusCode == http.StatusPaymentRequired {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxRequirementsBytes))
		_ = resp.Body.Close()
		c.log.WarnContext(ctx, "x402.payment.not_accepted", slog.String("url", url), slog.String("tx", receipt.TxHash))
		return nil, &payment.NotAcceptedError{URL: url, Receipt: receipt}
	}

	c.log.InfoContext(ctx, "x402.payment.ok",
		slog.String("url", url),
		slog.String("amount", amount.Dec()),
		slog.String("tx", receipt.TxHash),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)
	if hooks.PaymentComplete != nil {
		hooks.PaymentComplete(ctx, receipt)
	}
	return resp, nil
}

func applySettlementResponse(r *payment.Receipt, header string) {
	sr, ok := DecodeSettlementResponse(header)
	if !ok {
		return
	}
	if sr.Transaction != "" {
		r.TxHash = sr.Transaction
	}
	if sr.Network != "" {
		r.Network = sr.Network
	}
	if sr.Payer != "" {
		r.Payer = sr.Payer
	}
}

// DecodeSettlementResponse parses an X-PAYMENT-RESPONSE header value.
func DecodeSettlementResponse(v string) (*SettlementResponse, bool) {
	if v == "" {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		if raw, err = base64.RawURLEncoding.DecodeString(v); err != nil {
			return nil, false
		}
	}
	var sr SettlementResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, false
	}
	return &sr, true
}

func decodeRequirements(resp *http.Response) (*Requirements, error) {
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRequirementsBytes))
	if err != nil {
		return nil, fmt.Errorf("reading 402 body: %w", err)
	}
	var reqs Requirements
	if err := json.Unmarshal(raw, &reqs); err != nil {
		return nil, fmt.Errorf("%w: %w", payment.ErrInvalidTerms, err)
	}
	return &reqs, nil
}

func cloneRequest(ctx context.Context, req *http.Request, body []byte) *http.Request {
	r := req.Clone(ctx)
	if body != nil {
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
		r.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
	}
	return r
}
