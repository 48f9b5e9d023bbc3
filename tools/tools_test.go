package tools

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/up2itnow0822/clawpay-mcp/mcp"
	"github.com/up2itnow0822/clawpay-mcp/mcpservice"
	"github.com/up2itnow0822/clawpay-mcp/payment/x402"
	"github.com/up2itnow0822/clawpay-mcp/paysession"
	"github.com/up2itnow0822/clawpay-mcp/paysession/memstore"
	"github.com/up2itnow0822/clawpay-mcp/router"
	"github.com/up2itnow0822/clawpay-mcp/sessiontoken"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubPayer struct{ calls atomic.Int32 }

func (p *stubPayer) Pay(ctx context.Context, v int, req x402.Requirement) (*x402.Settlement, error) {
	p.calls.Add(1)
	return &x402.Settlement{Header: "paid", TxHash: "0xfeed"}, nil
}

// api is a paywalled JSON service. /free never asks for payment.
type api struct {
	hits           atomic.Int32
	rejectSessions atomic.Bool
	refusePayments atomic.Bool
}

func (a *api) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.hits.Add(1)
	switch {
	case r.URL.Path == "/free":
		_, _ = w.Write([]byte("open data"))
	case r.Header.Get("X-PAYMENT") == "paid" && !a.refusePayments.Load():
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"temp":21}`))
	case r.Header.Get(paysession.HeaderPaymentSess) != "" && !a.rejectSessions.Load():
		_, _ = w.Write([]byte("via session " + r.URL.Path))
	default:
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"x402Version":1,"accepts":[{"scheme":"exact","network":"base","maxAmountRequired":"250","payTo":"0xshop","asset":"0xusdc"}]}`))
	}
}

type harness struct {
	tools *mcpservice.ToolsContainer
	store *memstore.Store
	payer *stubPayer
	api   *api
	clk   *clock
	url   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	a := &api{}
	srv := httptest.NewServer(a)
	t.Cleanup(srv.Close)

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := &clock{now: time.Unix(1_750_000_000, 0)}
	store := memstore.New(
		sessiontoken.SignerFunc(func(context.Context, string) (string, error) { return "0xsig", nil }),
		memstore.WithClock(clk.Now),
		memstore.WithLogger(quiet),
		memstore.WithTTLPolicy(paysession.TTLPolicy{Default: 3600, Min: 1, Max: paysession.MaxTTL}),
	)
	payer := &stubPayer{}
	r := router.New(store, x402.New(payer, x402.WithLogger(quiet)), "0xagent", router.WithLogger(quiet))
	set := New(r, WithClock(clk.Now), WithLogger(quiet))
	return &harness{tools: set.Container(), store: store, payer: payer, api: a, clk: clk, url: srv.URL}
}

func (h *harness) call(t *testing.T, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	raw, _ := json.Marshal(args)
	res, err := h.tools.CallTool(context.Background(), nil, &mcp.CallToolRequestReceived{Name: name, Arguments: raw})
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return res
}

func text(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		parts = append(parts, c.Text)
	}
	return strings.Join(parts, "\n")
}

func structured[T any](t *testing.T, res *mcp.CallToolResult) T {
	t.Helper()
	var out T
	raw, _ := json.Marshal(res.StructuredContent)
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode structured content: %v", err)
	}
	return out
}

func wantError(t *testing.T, res *mcp.CallToolResult, kind paysession.Kind) {
	t.Helper()
	if !res.IsError {
		t.Fatalf("expected %s error, got success: %s", kind, text(res))
	}
	if got := res.StructuredContent["errorKind"]; got != string(kind) {
		t.Fatalf("errorKind = %v want %s (%s)", got, kind, text(res))
	}
	if !strings.Contains(text(res), string(kind)) {
		t.Fatalf("message does not name %s: %s", kind, text(res))
	}
}

func (h *harness) start(t *testing.T, args map[string]any) SessionView {
	t.Helper()
	res := h.call(t, "x402_session_start", args)
	if res.IsError {
		t.Fatalf("start failed: %s", text(res))
	}
	out := structured[StartOutput](t, res)
	if out.Session == nil {
		t.Fatalf("no session in %s", text(res))
	}
	return *out.Session
}

func TestToolDescriptors(t *testing.T) {
	h := newHarness(t)
	names := map[string]bool{}
	for _, tool := range h.tools.Snapshot() {
		names[tool.Name] = true
		if tool.OutputSchema == nil {
			t.Fatalf("%s has no output schema", tool.Name)
		}
	}
	for _, n := range []string{"x402_session_start", "x402_session_fetch", "x402_session_status", "x402_session_end", "x402_pay"} {
		if !names[n] {
			t.Fatalf("missing tool %s", n)
		}
	}
}

func TestStartCreatesSession(t *testing.T) {
	h := newHarness(t)
	res := h.call(t, "x402_session_start", map[string]any{"endpoint": h.url + "/weather", "label": "météo", "ttlSeconds": 600})
	if res.IsError {
		t.Fatalf("start failed: %s", text(res))
	}
	out := structured[StartOutput](t, res)
	if out.Session == nil || out.Session.Scope != "prefix" || out.Session.RemainingSeconds != 600 || out.Session.Label != "météo" {
		t.Fatalf("unexpected session view %+v", out.Session)
	}
	if out.Session.Payment == nil || out.Session.Payment.Amount != "250" || out.Session.Payment.TxHash != "0xfeed" {
		t.Fatalf("unexpected payment proof %+v", out.Session.Payment)
	}
	if !strings.Contains(out.Body, `"temp": 21`) {
		t.Fatalf("first body not pretty printed: %q", out.Body)
	}
	if !strings.Contains(text(res), "Session started") {
		t.Fatalf("unexpected text %s", text(res))
	}
}

func TestStartFreeEndpoint(t *testing.T) {
	h := newHarness(t)
	res := h.call(t, "x402_session_start", map[string]any{"endpoint": h.url + "/free"})
	if res.IsError {
		t.Fatalf("start failed: %s", text(res))
	}
	out := structured[StartOutput](t, res)
	if !out.NoSessionNeeded || out.Session != nil {
		t.Fatalf("expected no session, got %+v", out)
	}
	if !strings.Contains(text(res), "No session needed") {
		t.Fatalf("text does not say no session is needed: %s", text(res))
	}
	if h.store.Len() != 0 || h.payer.calls.Load() != 0 {
		t.Fatalf("free endpoint created a session or paid")
	}
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t)
	wantError(t, h.call(t, "x402_session_start", map[string]any{"endpoint": "not a url"}), paysession.InvalidInput)
	wantError(t, h.call(t, "x402_session_start", map[string]any{"endpoint": h.url, "scope": "subtree"}), paysession.InvalidInput)
	wantError(t, h.call(t, "x402_session_start", map[string]any{"endpoint": h.url, "maxPayment": "ten"}), paysession.InvalidInput)
	wantError(t, h.call(t, "x402_session_start", map[string]any{"endpoint": h.url, "ttlSeconds": -1}), paysession.InvalidInput)
	wantError(t, h.call(t, "x402_session_start", map[string]any{"endpoint": h.url + "/x", "maxPayment": "249"}), paysession.PaymentCapExceeded)
	if h.payer.calls.Load() != 0 {
		t.Fatalf("invalid starts paid")
	}
}

func TestFetchCountsCalls(t *testing.T) {
	h := newHarness(t)
	v := h.start(t, map[string]any{"endpoint": h.url + "/api"})

	first := h.call(t, "x402_session_fetch", map[string]any{"sessionId": v.SessionID, "url": h.url + "/api/a"})
	h.clk.Advance(3 * time.Second)
	second := h.call(t, "x402_session_fetch", map[string]any{"sessionId": v.SessionID, "url": h.url + "/api/b"})
	if first.IsError || second.IsError {
		t.Fatalf("fetch failed: %s / %s", text(first), text(second))
	}
	f1, f2 := structured[FetchOutput](t, first), structured[FetchOutput](t, second)
	if f1.CallCount != 1 || f2.CallCount != 2 {
		t.Fatalf("call counts %d, %d", f1.CallCount, f2.CallCount)
	}
	if f2.RemainingSeconds > f1.RemainingSeconds {
		t.Fatalf("remaining TTL increased: %d -> %d", f1.RemainingSeconds, f2.RemainingSeconds)
	}
	if f2.Body != "via session /api/b" {
		t.Fatalf("unexpected body %q", f2.Body)
	}
	if h.payer.calls.Load() != 1 {
		t.Fatalf("fetch paid")
	}
}

func TestFetchScopeMismatchMakesNoRequest(t *testing.T) {
	h := newHarness(t)
	v := h.start(t, map[string]any{"endpoint": h.url + "/api", "scope": "exact"})
	hits := h.api.hits.Load()
	wantError(t, h.call(t, "x402_session_fetch", map[string]any{"sessionId": v.SessionID, "url": h.url + "/api/other"}), paysession.ScopeMismatch)
	if h.api.hits.Load() != hits {
		t.Fatalf("scope mismatch still issued a request")
	}
}

func TestFetchFailures(t *testing.T) {
	h := newHarness(t)
	wantError(t, h.call(t, "x402_session_fetch", map[string]any{"sessionId": "missing", "url": h.url}), paysession.NotFound)

	v := h.start(t, map[string]any{"endpoint": h.url + "/api"})
	h.api.rejectSessions.Store(true)
	wantError(t, h.call(t, "x402_session_fetch", map[string]any{"sessionId": v.SessionID, "url": h.url + "/api"}), paysession.ServerRejectedSession)
	if got := h.store.Lookup(v.SessionID).Record.CallCount; got != 0 {
		t.Fatalf("rejected fetch recorded a use")
	}
	if h.payer.calls.Load() != 1 {
		t.Fatalf("rejected fetch paid again")
	}

	h.clk.Advance(2 * time.Hour)
	wantError(t, h.call(t, "x402_session_fetch", map[string]any{"sessionId": v.SessionID, "url": h.url + "/api"}), paysession.Expired)
}

func TestShortSessionExpiresButStaysVisible(t *testing.T) {
	h := newHarness(t)
	v := h.start(t, map[string]any{"endpoint": h.url + "/api", "ttlSeconds": 1})
	h.clk.Advance(1200 * time.Millisecond)

	if lr := h.store.Lookup(v.SessionID); !lr.Expired {
		t.Fatalf("session still active")
	}
	if h.store.FindByURL(h.url+"/api") != nil {
		t.Fatalf("expired session still routable")
	}
	res := h.call(t, "x402_session_status", map[string]any{"sessionId": v.SessionID})
	if res.IsError {
		t.Fatalf("status failed: %s", text(res))
	}
	out := structured[StatusOutput](t, res)
	if out.Session == nil || out.Session.Status != "Expired" || !strings.Contains(text(res), "Expired") {
		t.Fatalf("expected Expired status, got %s", text(res))
	}
	if out.Session.Token == nil || out.Session.Token.Version != sessiontoken.Version {
		t.Fatalf("decoded token missing: %+v", out.Session.Token)
	}
}

func TestStatusList(t *testing.T) {
	h := newHarness(t)
	res := h.call(t, "x402_session_status", map[string]any{})
	if res.IsError || !strings.Contains(text(res), "No active sessions") {
		t.Fatalf("unexpected empty listing: %s", text(res))
	}
	a := h.start(t, map[string]any{"endpoint": h.url + "/a", "label": "first"})
	b := h.start(t, map[string]any{"endpoint": h.url + "/b"})
	h.call(t, "x402_session_end", map[string]any{"sessionId": a.SessionID})

	out := structured[StatusOutput](t, h.call(t, "x402_session_status", map[string]any{}))
	if len(out.Sessions) != 1 || out.Sessions[0].SessionID != b.SessionID {
		t.Fatalf("unexpected listing %+v", out.Sessions)
	}
	wantError(t, h.call(t, "x402_session_status", map[string]any{"sessionId": "nope"}), paysession.NotFound)
}

func TestEnd(t *testing.T) {
	h := newHarness(t)
	v := h.start(t, map[string]any{"endpoint": h.url + "/api"})

	out := structured[EndOutput](t, h.call(t, "x402_session_end", map[string]any{"sessionId": v.SessionID}))
	if !out.Ended {
		t.Fatalf("session not ended: %+v", out)
	}
	again := h.call(t, "x402_session_end", map[string]any{"sessionId": v.SessionID})
	if again.IsError || !strings.Contains(text(again), "already expired") {
		t.Fatalf("second end: %s", text(again))
	}
	wantError(t, h.call(t, "x402_session_end", map[string]any{"sessionId": "unknown"}), paysession.NotFound)
	wantError(t, h.call(t, "x402_session_fetch", map[string]any{"sessionId": v.SessionID, "url": h.url + "/api"}), paysession.Expired)
}

func TestPayUsesSessionThenPays(t *testing.T) {
	h := newHarness(t)
	free := structured[PayOutput](t, h.call(t, "x402_pay", map[string]any{"url": h.url + "/free"}))
	if free.Outcome != "free" || free.Payment != nil {
		t.Fatalf("unexpected free outcome %+v", free)
	}

	paid := structured[PayOutput](t, h.call(t, "x402_pay", map[string]any{"url": h.url + "/api"}))
	if paid.Outcome != "paid" || paid.Payment == nil || paid.Payment.Amount != "250" {
		t.Fatalf("unexpected paid outcome %+v", paid)
	}

	v := h.start(t, map[string]any{"endpoint": h.url + "/api"})
	viaSession := structured[PayOutput](t, h.call(t, "x402_pay", map[string]any{"url": h.url + "/api/x"}))
	if viaSession.Outcome != "session" || viaSession.SessionID != v.SessionID {
		t.Fatalf("expected session reuse, got %+v", viaSession)
	}
	if h.payer.calls.Load() != 2 {
		t.Fatalf("payer calls = %d want 2", h.payer.calls.Load())
	}
	wantError(t, h.call(t, "x402_pay", map[string]any{"url": h.url + "/api/y", "skipSession": true, "maxPayment": "1"}), paysession.PaymentCapExceeded)
}

func TestRefusedPaymentKeepsProof(t *testing.T) {
	h := newHarness(t)
	h.api.refusePayments.Store(true)

	res := h.call(t, "x402_pay", map[string]any{"url": h.url + "/api"})
	wantError(t, res, paysession.PaymentNotAccepted)
	if !strings.Contains(text(res), "0xfeed") || strings.Contains(text(res), "no payment") {
		t.Fatalf("refused payment reported without its tx: %s", text(res))
	}

	res = h.call(t, "x402_session_start", map[string]any{"endpoint": h.url + "/api"})
	wantError(t, res, paysession.PaymentNotAccepted)
	if !strings.Contains(text(res), "0xfeed") {
		t.Fatalf("start lost the tx: %s", text(res))
	}
	if h.store.Len() != 0 || h.payer.calls.Load() != 2 {
		t.Fatalf("sessions %d, payer calls %d", h.store.Len(), h.payer.calls.Load())
	}
}

func TestUnknownArgumentsRejected(t *testing.T) {
	h := newHarness(t)
	res := h.call(t, "x402_session_end", map[string]any{"sessionId": "x", "force": true})
	if !res.IsError {
		t.Fatalf("unknown argument accepted")
	}
}
