package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/up2itnow0822/clawpay-mcp/payment"
	"github.com/up2itnow0822/clawpay-mcp/paysession"
	"github.com/up2itnow0822/clawpay-mcp/router"
	"github.com/up2itnow0822/clawpay-mcp/sessiontoken"
)

const (
	statusActive  = "Active"
	statusExpired = "Expired"
)

// PaymentView is proof of payment as shown to agents.
type PaymentView struct {
	TxHash    string `json:"txHash,omitempty"`
	Amount    string `json:"amount,omitempty" jsonschema:"description=Amount paid in token base units"`
	Token     string `json:"token,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Network   string `json:"network,omitempty"`
}

// TokenView is the decoded session credential. It is informational only.
type TokenView struct {
	Version   string `json:"version,omitempty"`
	Signature string `json:"signature,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	Scope     string `json:"scope,omitempty"`
	Wallet    string `json:"walletAddress,omitempty"`
}

// SessionView describes one session.
type SessionView struct {
	SessionID        string       `json:"sessionId,omitempty"`
	Endpoint         string       `json:"endpoint,omitempty"`
	Scope            string       `json:"scope,omitempty"`
	Label            string       `json:"label,omitempty"`
	WalletAddress    string       `json:"walletAddress,omitempty"`
	Status           string       `json:"status,omitempty" jsonschema:"enum=Active,enum=Expired"`
	CreatedAt        string       `json:"createdAt,omitempty" jsonschema:"format=date-time"`
	ExpiresAt        string       `json:"expiresAt,omitempty" jsonschema:"format=date-time"`
	RemainingSeconds int64        `json:"remainingSeconds,omitempty"`
	CallCount        int64        `json:"callCount,omitempty"`
	LastUsedAt       string       `json:"lastUsedAt,omitempty" jsonschema:"format=date-time"`
	Payment          *PaymentView `json:"payment,omitempty"`
	Token            *TokenView   `json:"token,omitempty"`
}

func unixString(sec int64) string {
	if sec <= 0 {
		return ""
	}
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

func (s *Set) sessionView(r *paysession.Record) SessionView {
	now := s.now()
	v := SessionView{
		SessionID:        r.SessionID,
		Endpoint:         r.Endpoint,
		Scope:            string(r.Scope),
		Label:            r.Label,
		WalletAddress:    r.WalletAddress,
		Status:           statusActive,
		CreatedAt:        unixString(r.CreatedAt),
		ExpiresAt:        unixString(r.ExpiresAt),
		RemainingSeconds: int64(r.RemainingAt(now) / time.Second),
		CallCount:        r.CallCount,
		LastUsedAt:       unixString(r.LastUsedAt),
		Payment: &PaymentView{
			TxHash:    r.PaymentTxHash,
			Token:     r.PaymentToken,
			Recipient: r.PaymentRecipient,
			Network:   r.PaymentNetwork,
		},
	}
	if r.PaymentAmount != nil {
		v.Payment.Amount = r.PaymentAmount.Dec()
	}
	if !r.ActiveAt(now) {
		v.Status = statusExpired
	}
	return v
}

func tokenView(tok string) *TokenView {
	d, ok := sessiontoken.Decode(tok)
	if !ok {
		return nil
	}
	return &TokenView{
		Version:   d.Payload.Version,
		Signature: d.Signature,
		CreatedAt: d.Payload.CreatedAt,
		ExpiresAt: d.Payload.ExpiresAt,
		Endpoint:  d.Payload.Endpoint,
		Scope:     d.Payload.Scope,
		Wallet:    d.Payload.WalletAddress,
	}
}

func receiptView(r *payment.Receipt) *PaymentView {
	if r == nil {
		return nil
	}
	v := &PaymentView{TxHash: r.TxHash, Token: r.Token, Recipient: r.Recipient, Network: r.Network}
	if r.Amount != nil {
		v.Amount = r.Amount.Dec()
	}
	return v
}

// displayBody renders a response body for the agent, pretty-printing JSON
// and cutting at the display limit on a rune boundary.
func (s *Set) displayBody(res *router.Result) (string, bool) {
	b := res.Body
	if res.IsJSON() {
		var buf bytes.Buffer
		if err := json.Indent(&buf, b, "", "  "); err == nil {
			b = buf.Bytes()
		}
	}
	truncated := res.Truncated
	if len(b) > s.displayLimit {
		cut := s.displayLimit
		for cut > 0 && !utf8.RuneStart(b[cut]) {
			cut--
		}
		b = b[:cut]
		truncated = true
	}
	out := string(b)
	if truncated {
		out += "\n[truncated]"
	}
	return out, truncated
}

func describeSession(b *strings.Builder, v SessionView) {
	fmt.Fprintf(b, "Session: %s\n", v.SessionID)
	if v.Label != "" {
		fmt.Fprintf(b, "Label: %s\n", v.Label)
	}
	fmt.Fprintf(b, "Endpoint: %s (scope: %s)\n", v.Endpoint, v.Scope)
	fmt.Fprintf(b, "Status: %s\n", v.Status)
	if v.Status == statusActive {
		fmt.Fprintf(b, "Expires: %s (%s remaining)\n", v.ExpiresAt, time.Duration(v.RemainingSeconds)*time.Second)
	}
	fmt.Fprintf(b, "Calls: %d\n", v.CallCount)
	if v.Payment != nil && v.Payment.TxHash != "" {
		fmt.Fprintf(b, "Paid: %s %s to %s on %s (tx %s)\n", v.Payment.Amount, v.Payment.Token, v.Payment.Recipient, v.Payment.Network, v.Payment.TxHash)
	}
}
