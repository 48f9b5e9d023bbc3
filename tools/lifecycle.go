package tools

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/up2itnow0822/clawpay-mcp/internal/logctx"
	"github.com/up2itnow0822/clawpay-mcp/mcp"
	"github.com/up2itnow0822/clawpay-mcp/mcpservice"
	"github.com/up2itnow0822/clawpay-mcp/paysession"
	"github.com/up2itnow0822/clawpay-mcp/router"
)

// StartArgs opens a session.
type StartArgs struct {
	Endpoint   string `json:"endpoint" jsonschema:"description=Absolute http(s) URL to pay for"`
	Scope      string `json:"scope,omitempty" jsonschema:"enum=prefix,enum=exact,default=prefix,description=prefix covers the endpoint and everything below it; exact covers only the endpoint"`
	TTLSeconds int64  `json:"ttlSeconds,omitempty" jsonschema:"default=3600,description=Session lifetime in seconds. Clamped to the configured bounds."`
	Label      string `json:"label,omitempty" jsonschema:"description=Free-form note stored with the session"`
	MaxPayment string `json:"maxPayment,omitempty" jsonschema:"description=Maximum payment in token base units as a decimal string"`
}

// StartOutput is the result of x402_session_start.
type StartOutput struct {
	NoSessionNeeded bool         `json:"noSessionNeeded,omitempty"`
	Session         *SessionView `json:"session,omitempty"`
	Status          int          `json:"status,omitempty" jsonschema:"description=HTTP status of the first response"`
	Body            string       `json:"body,omitempty"`
	BodyTruncated   bool         `json:"bodyTruncated,omitempty"`
	Failure
}

func (s *Set) startTool() mcpservice.StaticTool {
	return newTool(s, "x402_session_start", s.start,
		mcpservice.WithToolTitle("Start paid session"),
		mcpservice.WithToolDescription("Pay once for an endpoint and open a session that later calls reuse without paying again. Makes exactly one payment attempt. Free endpoints get no session."),
	)
}

func (s *Set) start(ctx context.Context, a StartArgs) (StartOutput, string, error) {
	var out StartOutput
	if err := router.ValidateURL(a.Endpoint); err != nil {
		return out, "", err
	}
	scope, err := paysession.ParseScope(a.Scope)
	if err != nil {
		return out, "", err
	}
	if a.TTLSeconds < 0 {
		return out, "", paysession.Errorf(paysession.InvalidInput, "ttlSeconds must not be negative, got %d", a.TTLSeconds)
	}
	maxAmt, err := s.maxPayment(a.MaxPayment)
	if err != nil {
		return out, "", err
	}

	est, err := s.router.Establish(ctx, router.EstablishRequest{
		Endpoint:   a.Endpoint,
		Scope:      scope,
		TTLSeconds: a.TTLSeconds,
		Label:      a.Label,
		MaxAmount:  maxAmt,
	})
	if err != nil {
		return out, "", err
	}

	body, truncated := s.displayBody(est.Response)
	out.Status = est.Response.StatusCode
	out.Body = body
	out.BodyTruncated = truncated

	var b strings.Builder
	if est.Free {
		out.NoSessionNeeded = true
		fmt.Fprintf(&b, "No session needed: %s responded with status %d without requiring payment.\n\n%s", a.Endpoint, est.Response.StatusCode, body)
		return out, b.String(), nil
	}

	v := s.sessionView(est.Session)
	out.Session = &v
	b.WriteString("Session started.\n")
	describeSession(&b, v)
	fmt.Fprintf(&b, "\nFirst response (status %d):\n%s", est.Response.StatusCode, body)
	return out, b.String(), nil
}

// FetchArgs calls a URL with an existing session.
type FetchArgs struct {
	SessionID string            `json:"sessionId" jsonschema:"description=Session returned by x402_session_start"`
	URL       string            `json:"url" jsonschema:"description=URL covered by the session scope"`
	Method    string            `json:"method,omitempty" jsonschema:"default=GET"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
}

// FetchOutput is the result of x402_session_fetch.
type FetchOutput struct {
	SessionID        string `json:"sessionId,omitempty"`
	URL              string `json:"url,omitempty"`
	Status           int    `json:"status,omitempty"`
	Body             string `json:"body,omitempty"`
	BodyTruncated    bool   `json:"bodyTruncated,omitempty"`
	CallCount        int64  `json:"callCount,omitempty"`
	RemainingSeconds int64  `json:"remainingSeconds,omitempty"`
	Failure
}

func (s *Set) fetchTool() mcpservice.StaticTool {
	return newTool(s, "x402_session_fetch", s.fetch,
		mcpservice.WithToolTitle("Fetch with session"),
		mcpservice.WithToolDescription("Call a URL using an existing paid session. Never pays: if the server no longer accepts the session the call fails with ServerRejectedSession."),
	)
}

func (s *Set) fetch(ctx context.Context, a FetchArgs) (FetchOutput, string, error) {
	out := FetchOutput{SessionID: a.SessionID, URL: a.URL}
	if a.SessionID == "" {
		return out, "", paysession.Errorf(paysession.InvalidInput, "sessionId is required")
	}
	if err := router.ValidateURL(a.URL); err != nil {
		return out, "", err
	}

	lr := s.store.Lookup(a.SessionID)
	if !lr.Found {
		return out, "", paysession.Errorf(paysession.NotFound, "no session %s", a.SessionID)
	}
	rec := lr.Record
	if lr.Expired {
		return out, "", paysession.Errorf(paysession.Expired, "session %s expired; start a new one", a.SessionID)
	}
	if !rec.Covers(a.URL) {
		return out, "", paysession.Errorf(paysession.ScopeMismatch, "%s is outside session %s (%s scope on %s)", a.URL, rec.SessionID, rec.Scope, rec.Endpoint)
	}

	ctx = logctx.WithPaySessionData(ctx, &logctx.PaySessionData{SessionID: rec.SessionID, Endpoint: rec.Endpoint})
	res, err := s.router.SendWithSession(ctx, rec, router.Request{
		URL:    a.URL,
		Method: strings.ToUpper(a.Method),
		Header: a.Headers,
		Body:   []byte(a.Body),
	})
	if err != nil {
		return out, "", err
	}
	if res.StatusCode == http.StatusPaymentRequired {
		return out, "", paysession.Errorf(paysession.ServerRejectedSession,
			"%s answered 402 despite session %s; start a new session or use x402_pay", a.URL, rec.SessionID)
	}
	s.store.RecordUse(rec.SessionID)

	after := s.store.Lookup(rec.SessionID)
	if after.Found {
		rec = after.Record
	}
	body, truncated := s.displayBody(res)
	out.Status = res.StatusCode
	out.Body = body
	out.BodyTruncated = truncated
	out.CallCount = rec.CallCount
	out.RemainingSeconds = int64(rec.RemainingAt(s.now()) / time.Second)

	text := fmt.Sprintf("Status %d via session %s (call %d, %s remaining)\n\n%s",
		res.StatusCode, rec.SessionID, rec.CallCount, time.Duration(out.RemainingSeconds)*time.Second, body)
	return out, text, nil
}

// StatusArgs selects one session or all active ones.
type StatusArgs struct {
	SessionID string `json:"sessionId,omitempty" jsonschema:"description=Omit to list all active sessions"`
}

// StatusOutput is the result of x402_session_status.
type StatusOutput struct {
	Sessions []SessionView `json:"sessions,omitempty"`
	Session  *SessionView  `json:"session,omitempty"`
	Failure
}

func (s *Set) statusTool() mcpservice.StaticTool {
	return newTool(s, "x402_session_status", s.status,
		mcpservice.WithToolTitle("Session status"),
		mcpservice.WithToolDescription("List active sessions with their remaining time or show one session in detail. A session looked up by id is shown even after it expired."),
		mcpservice.WithToolAnnotations(mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true}),
	)
}

func (s *Set) status(ctx context.Context, a StatusArgs) (StatusOutput, string, error) {
	var out StatusOutput
	var b strings.Builder
	if a.SessionID == "" {
		active := s.store.ListActive()
		out.Sessions = make([]SessionView, 0, len(active))
		if len(active) == 0 {
			return out, "No active sessions.", nil
		}
		fmt.Fprintf(&b, "%d active session(s):\n", len(active))
		for _, r := range active {
			v := s.sessionView(r)
			out.Sessions = append(out.Sessions, v)
			fmt.Fprintf(&b, "- %s %s (%s) %s remaining, %d calls", v.SessionID, v.Endpoint, v.Scope, time.Duration(v.RemainingSeconds)*time.Second, v.CallCount)
			if v.Label != "" {
				fmt.Fprintf(&b, ", %q", v.Label)
			}
			b.WriteByte('\n')
		}
		return out, b.String(), nil
	}

	lr := s.store.Lookup(a.SessionID)
	if !lr.Found {
		return out, "", paysession.Errorf(paysession.NotFound, "no session %s", a.SessionID)
	}
	v := s.sessionView(lr.Record)
	v.Token = tokenView(lr.Record.SessionToken)
	out.Session = &v
	describeSession(&b, v)
	if v.Token != nil {
		fmt.Fprintf(&b, "Token: version %s, signed by %s\n", v.Token.Version, v.Token.Wallet)
	}
	return out, b.String(), nil
}

// EndArgs names the session to end.
type EndArgs struct {
	SessionID string `json:"sessionId"`
}

// EndOutput is the result of x402_session_end.
type EndOutput struct {
	SessionID      string `json:"sessionId,omitempty"`
	Ended          bool   `json:"ended,omitempty"`
	AlreadyExpired bool   `json:"alreadyExpired,omitempty"`
	Failure
}

func (s *Set) endTool() mcpservice.StaticTool {
	return newTool(s, "x402_session_end", s.end,
		mcpservice.WithToolTitle("End session"),
		mcpservice.WithToolDescription("End a session before its TTL runs out. Ending an expired session is not an error."),
		mcpservice.WithToolAnnotations(mcp.ToolAnnotations{IdempotentHint: true}),
	)
}

func (s *Set) end(ctx context.Context, a EndArgs) (EndOutput, string, error) {
	out := EndOutput{SessionID: a.SessionID}
	lr := s.store.Lookup(a.SessionID)
	if !lr.Found {
		return out, "", paysession.Errorf(paysession.NotFound, "no session %s", a.SessionID)
	}
	if lr.Expired {
		out.AlreadyExpired = true
		return out, fmt.Sprintf("Session %s was already expired.", a.SessionID), nil
	}
	if !s.store.End(a.SessionID) {
		return out, "", paysession.Errorf(paysession.NotFound, "no session %s", a.SessionID)
	}
	out.Ended = true
	s.log.InfoContext(logctx.WithPaySessionData(ctx, &logctx.PaySessionData{SessionID: lr.Record.SessionID, Endpoint: lr.Record.Endpoint}), "session.end.ok")
	return out, fmt.Sprintf("Session %s ended. It had served %d call(s).", a.SessionID, lr.Record.CallCount), nil
}
