package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/up2itnow0822/clawpay-mcp/mcpservice"
	"github.com/up2itnow0822/clawpay-mcp/router"
)

// PayArgs fetches a URL through the router.
type PayArgs struct {
	URL         string            `json:"url" jsonschema:"description=Absolute http(s) URL"`
	Method      string            `json:"method,omitempty" jsonschema:"default=GET"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        string            `json:"body,omitempty"`
	MaxPayment  string            `json:"maxPayment,omitempty" jsonschema:"description=Maximum payment in token base units as a decimal string"`
	SkipSession bool              `json:"skipSession,omitempty" jsonschema:"description=Pay even if an active session covers the URL"`
}

// PayOutput is the result of x402_pay.
type PayOutput struct {
	Outcome         string       `json:"outcome,omitempty" jsonschema:"enum=session,enum=paid,enum=free"`
	SessionID       string       `json:"sessionId,omitempty"`
	SessionRejected bool         `json:"sessionRejected,omitempty"`
	Status          int          `json:"status,omitempty"`
	Body            string       `json:"body,omitempty"`
	BodyTruncated   bool         `json:"bodyTruncated,omitempty"`
	Payment         *PaymentView `json:"payment,omitempty"`
	Failure
}

func (s *Set) payTool() mcpservice.StaticTool {
	return newTool(s, "x402_pay", s.pay,
		mcpservice.WithToolTitle("Fetch with payment"),
		mcpservice.WithToolDescription("Fetch a URL. Uses an active session that covers it when one exists; otherwise pays per call within maxPayment."),
	)
}

func (s *Set) pay(ctx context.Context, a PayArgs) (PayOutput, string, error) {
	var out PayOutput
	maxAmt, err := s.maxPayment(a.MaxPayment)
	if err != nil {
		return out, "", err
	}
	res, err := s.router.Do(ctx, router.Request{
		URL:         a.URL,
		Method:      strings.ToUpper(a.Method),
		Header:      a.Headers,
		Body:        []byte(a.Body),
		MaxAmount:   maxAmt,
		SkipSession: a.SkipSession,
	})
	if err != nil {
		return out, "", err
	}
	body, truncated := s.displayBody(res)
	out.Outcome = string(res.Outcome)
	out.SessionRejected = res.SessionRejected
	out.Status = res.StatusCode
	out.Body = body
	out.BodyTruncated = truncated
	out.Payment = receiptView(res.Receipt)
	if res.Session != nil && res.Outcome == router.OutcomeSession {
		out.SessionID = res.Session.SessionID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Status %d: %s", res.StatusCode, res.Outcome)
	if out.SessionID != "" {
		fmt.Fprintf(&b, " (session %s)", out.SessionID)
	}
	if res.SessionRejected {
		b.WriteString(" after the server rejected the matching session")
	}
	if p := out.Payment; p != nil {
		fmt.Fprintf(&b, "\nPaid %s %s to %s on %s (tx %s)", p.Amount, p.Token, p.Recipient, p.Network, p.TxHash)
	}
	fmt.Fprintf(&b, "\n\n%s", body)
	return out, b.String(), nil
}
