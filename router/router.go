// Package router decides, per outbound request, whether an existing paid
// session authorizes it or a new payment is needed, and mints sessions from
// payment receipts.
//
// A single call moves through
//
//	lookup -> hit:  send with session headers -> non-402: done, no payment
//	                                           -> 402: fall through
//	       -> miss: pay -> cap rejected or unusable terms: fail, nothing paid
//	                    -> paid, still 402: fail with the tx hash
//	                    -> paid: done (or new session for Establish)
//
// Timeouts and transport failures never touch session state.
package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/holiman/uint256"
	"github.com/up2itnow0822/clawpay-mcp/internal/logctx"
	"github.com/up2itnow0822/clawpay-mcp/payment"
	"github.com/up2itnow0822/clawpay-mcp/paysession"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxBodyBytes = 4 << 20
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// Outcome is how a routed call was satisfied.
type Outcome string

const (
	// OutcomeSession: an existing session was accepted, nothing was paid.
	OutcomeSession Outcome = "session"
	// OutcomePaid: a payment was made for this call.
	OutcomePaid Outcome = "paid"
	// OutcomeFree: the resource did not ask for payment.
	OutcomeFree Outcome = "free"
)

// Request is one outbound call.
type Request struct {
	URL    string
	Method string
	Header map[string]string
	Body   []byte
	// MaxAmount caps a payment in token base units. Nil means uncapped.
	MaxAmount *uint256.Int
	// SkipSession forces the payment path.
	SkipSession bool
}

// Result is a completed call.
type Result struct {
	Outcome     Outcome
	StatusCode  int
	Header      http.Header
	Body        []byte
	Truncated   bool
	ContentType string
	// Session is the session that authorized the call, if any.
	Session *paysession.Record
	// Receipt is set when a payment was made.
	Receipt *payment.Receipt
	// SessionRejected reports that a matching session got a 402 and the
	// call fell through to payment.
	SessionRejected bool
}

// IsJSON reports whether the response declared a JSON body.
func (r *Result) IsJSON() bool {
	if r.ContentType == "" {
		return false
	}
	return contenttype.NewMediaType(r.ContentType).Matches(jsonMediaType)
}

// EstablishRequest asks for a new session on Endpoint.
type EstablishRequest struct {
	Endpoint   string
	Method     string
	Header     map[string]string
	Body       []byte
	Scope      paysession.Scope
	TTLSeconds int64
	Label      string
	MaxAmount  *uint256.Int
}

// Establishment is the outcome of Establish. Free is true, and Session
// nil, when the endpoint served without payment.
type Establishment struct {
	Free     bool
	Session  *paysession.Record
	Receipt  *payment.Receipt
	Response *Result
}

// Option configures a Router.
type Option func(*Router)

// WithHTTPClient sets the client used for session-authenticated requests.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Router) {
		if c != nil {
			r.http = c
		}
	}
}

// WithTimeout bounds every outbound call.
func WithTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithMaxBodyBytes bounds how much of a response body is kept.
func WithMaxBodyBytes(n int64) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxBody = n
		}
	}
}

// WithDefaultHeaders sets headers sent on every request, lowest precedence.
func WithDefaultHeaders(h map[string]string) Option {
	return func(r *Router) { r.defaults = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// Router routes outbound calls between sessions and payments.
type Router struct {
	store    paysession.Store
	pay      payment.Client
	wallet   string
	http     *http.Client
	timeout  time.Duration
	maxBody  int64
	defaults map[string]string
	log      *slog.Logger
}

// New returns a Router. wallet is the address sessions are minted for; it
// must be the address of the store's signer.
func New(store paysession.Store, pay payment.Client, wallet string, opts ...Option) *Router {
	r := &Router{
		store:   store,
		pay:     pay,
		wallet:  wallet,
		http:    http.DefaultClient,
		timeout: defaultTimeout,
		maxBody: defaultMaxBodyBytes,
		defaults: map[string]string{
			"User-Agent": "clawpay-mcp",
		},
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the session store the router consults.
func (r *Router) Store() paysession.Store { return r.store }

// Wallet returns the address sessions are minted for.
func (r *Router) Wallet() string { return r.wallet }

// Do routes one call through a matching session or the payment path.
func (r *Router) Do(ctx context.Context, req Request) (*Result, error) {
	if err := ValidateURL(req.URL); err != nil {
		return nil, err
	}
	rejected := false
	if !req.SkipSession {
		if rec := r.store.FindByURL(req.URL); rec != nil {
			sctx := logctx.WithPaySessionData(ctx, &logctx.PaySessionData{SessionID: rec.SessionID, Endpoint: rec.Endpoint})
			res, err := r.SendWithSession(sctx, rec, req)
			if err != nil {
				return nil, err
			}
			if res.StatusCode != http.StatusPaymentRequired {
				r.store.RecordUse(rec.SessionID)
				res.Outcome = OutcomeSession
				r.log.InfoContext(sctx, "router.session.hit", slog.Int("status", res.StatusCode))
				return res, nil
			}
			r.log.WarnContext(sctx, "router.session.rejected")
			rejected = true
		} else {
			r.log.DebugContext(ctx, "router.session.miss", slog.String("url", req.URL))
		}
	}

	res, err := r.payAndFetch(ctx, req)
	if err != nil {
		return nil, err
	}
	res.SessionRejected = rejected
	return res, nil
}

// SendWithSession issues req with rec's session headers and no payment
// handling. It does not record a use; callers decide based on the status.
func (r *Router) SendWithSession(ctx context.Context, rec *paysession.Record, req Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	hr, err := r.newHTTPRequest(ctx, req, rec.Headers())
	if err != nil {
		return nil, err
	}
	resp, err := r.http.Do(hr)
	if err != nil {
		return nil, classify(ctx, err, req.URL)
	}
	res, err := r.readResult(ctx, resp, req.URL)
	if err != nil {
		return nil, err
	}
	res.Session = rec
	return res, nil
}

// Establish makes exactly one payment attempt against the endpoint and
// turns the receipt into a session. A free endpoint yields no session.
func (r *Router) Establish(ctx context.Context, er EstablishRequest) (*Establishment, error) {
	if err := ValidateURL(er.Endpoint); err != nil {
		return nil, err
	}
	scope := er.Scope
	if scope == "" {
		scope = paysession.ScopePrefix
	}
	if !scope.Valid() {
		return nil, paysession.Errorf(paysession.InvalidInput, "unknown scope %q", scope)
	}

	res, err := r.payAndFetch(ctx, Request{
		URL:       er.Endpoint,
		Method:    er.Method,
		Header:    er.Header,
		Body:      er.Body,
		MaxAmount: er.MaxAmount,
	})
	if err != nil {
		return nil, err
	}
	if res.Receipt == nil {
		r.log.InfoContext(ctx, "router.establish.free", slog.String("endpoint", er.Endpoint))
		return &Establishment{Free: true, Response: res}, nil
	}

	rec, err := r.store.Create(ctx, paysession.CreateOptions{
		Endpoint:         er.Endpoint,
		Scope:            scope,
		WalletAddress:    r.wallet,
		TTLSeconds:       er.TTLSeconds,
		PaymentTxHash:    res.Receipt.TxHash,
		PaymentAmount:    res.Receipt.Amount,
		PaymentToken:     res.Receipt.Token,
		PaymentRecipient: res.Receipt.Recipient,
		PaymentNetwork:   res.Receipt.Network,
		Label:            er.Label,
	})
	if err != nil {
		return nil, err
	}
	r.log.InfoContext(logctx.WithPaySessionData(ctx, &logctx.PaySessionData{SessionID: rec.SessionID, Endpoint: rec.Endpoint}),
		"router.establish.ok", slog.String("tx", rec.PaymentTxHash))
	return &Establishment{Session: rec, Receipt: res.Receipt, Response: res}, nil
}

func (r *Router) payAndFetch(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	hr, err := r.newHTTPRequest(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	var receipt *payment.Receipt
	hooks := payment.Hooks{
		MaxAmount: req.MaxAmount,
		BeforePayment: func(ctx context.Context, q payment.Quote, url string) error {
			if req.MaxAmount != nil && q.Amount != nil && q.Amount.Gt(req.MaxAmount) {
				return paysession.Errorf(paysession.PaymentCapExceeded, "%s asks %s, cap is %s", url, q.Amount.Dec(), req.MaxAmount.Dec())
			}
			r.log.InfoContext(ctx, "router.payment.quote", slog.String("url", url), slog.String("amount", q.Amount.Dec()), slog.String("network", q.Network))
			return nil
		},
		PaymentComplete: func(ctx context.Context, rc payment.Receipt) {
			receipt = &rc
		},
	}
	resp, err := r.pay.Do(ctx, hr, hooks)
	if err != nil {
		return nil, r.paymentError(ctx, err, req.URL)
	}
	res, err := r.readResult(ctx, resp, req.URL)
	if err != nil {
		return nil, err
	}
	res.Receipt = receipt
	switch {
	case receipt != nil:
		res.Outcome = OutcomePaid
	case res.StatusCode == http.StatusPaymentRequired:
		return nil, paysession.Errorf(paysession.PaymentFailed, "%s still demands payment and none was made", req.URL)
	default:
		res.Outcome = OutcomeFree
	}
	return res, nil
}

// paymentError tags a failed payment attempt. A settled payment the server
// refused keeps its tx hash in the message so the spend stays traceable.
func (r *Router) paymentError(ctx context.Context, err error, url string) error {
	var nae *payment.NotAcceptedError
	switch {
	case errors.As(err, &nae):
		rc := nae.Receipt
		r.log.WarnContext(ctx, "router.payment.not_accepted", slog.String("url", url), slog.String("tx", rc.TxHash))
		return &paysession.Error{
			Kind:    paysession.PaymentNotAccepted,
			Message: fmt.Sprintf("paid %s to %s on %s (tx %s) but %s did not grant access", amountString(rc.Amount), rc.Recipient, rc.Network, rc.TxHash, url),
			Err:     nae.Err,
		}
	case errors.Is(err, payment.ErrAmountExceedsMax):
		return paysession.Wrap(paysession.PaymentCapExceeded, err, "payment for %s", url)
	case errors.Is(err, payment.ErrNoPaymentOptions), errors.Is(err, payment.ErrInvalidTerms):
		return paysession.Wrap(paysession.PaymentFailed, err, "%s sent unusable payment terms; nothing was paid", url)
	case errors.Is(err, payment.ErrSettlementFailed):
		return paysession.Wrap(paysession.PaymentFailed, err, "wallet could not pay for %s; nothing was paid", url)
	}
	return classify(ctx, err, url)
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "?"
	}
	return v.Dec()
}

func (r *Router) newHTTPRequest(ctx context.Context, req Request, session map[string]string) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, paysession.Wrap(paysession.InvalidInput, err, "building request")
	}
	for _, layer := range []map[string]string{r.defaults, session, req.Header} {
		for k, v := range layer {
			hr.Header.Set(k, v)
		}
	}
	return hr, nil
}

// readResult consumes the whole (bounded) body so a failure mid-body is
// reported before any session state changes.
func (r *Router) readResult(ctx context.Context, resp *http.Response, url string) (*Result, error) {
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBody+1))
	if err != nil {
		return nil, classify(ctx, err, url)
	}
	truncated := int64(len(b)) > r.maxBody
	if truncated {
		b = b[:r.maxBody]
	}
	return &Result{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		Body:        b,
		Truncated:   truncated,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

func classify(ctx context.Context, err error, url string) error {
	if paysession.KindOf(err) != "" {
		return err
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return paysession.Wrap(paysession.Timeout, err, "request to %s", url)
	}
	return paysession.Wrap(paysession.TransportError, err, "request to %s", url)
}

// ValidateURL requires an absolute http or https URL.
func ValidateURL(raw string) error {
	if raw == "" {
		return paysession.Errorf(paysession.InvalidInput, "url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return paysession.Wrap(paysession.InvalidInput, err, "invalid url %q", raw)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return paysession.Errorf(paysession.InvalidInput, "url must be absolute http(s), got %q", raw)
	}
	return nil
}

// String renders an outcome for humans.
func (o Outcome) String() string {
	switch o {
	case OutcomeSession:
		return "used existing session (no payment)"
	case OutcomePaid:
		return "paid"
	case OutcomeFree:
		return "no payment required"
	}
	return fmt.Sprintf("outcome(%s)", string(o))
}
